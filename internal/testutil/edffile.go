package testutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// EDFSignal describes one signal of a fixture file. Digital holds every stored sample;
// its length must be SamplesPerRecord times the record count.
type EDFSignal struct {
	Label            string
	PhysicalMin      float64
	PhysicalMax      float64
	DigitalMin       int
	DigitalMax       int
	SamplesPerRecord int
	Digital          []int
}

// EDFFixture describes a fixture file.
type EDFFixture struct {
	Records        int
	RecordSeconds  float64
	BDF            bool
	WithAnnotation bool // append an EDF+ annotation signal after the data signals
	DeclareRecords int  // value written to the header; 0 writes Records
	Signals        []EDFSignal
}

// LinearSignal returns a signal whose physical value equals its digital value.
func LinearSignal(label string, perRecord int, digital []int) EDFSignal {
	return EDFSignal{
		Label:            label,
		PhysicalMin:      -32768,
		PhysicalMax:      32767,
		DigitalMin:       -32768,
		DigitalMax:       32767,
		SamplesPerRecord: perRecord,
		Digital:          digital,
	}
}

// WriteEDF writes the fixture into t.TempDir() and returns its path.
func WriteEDF(t *testing.T, name string, fx EDFFixture) string {
	t.Helper()

	data, err := EncodeEDF(fx)
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

// EncodeEDF renders the fixture as file bytes.
func EncodeEDF(fx EDFFixture) ([]byte, error) {
	signals := append([]EDFSignal(nil), fx.Signals...)
	if fx.WithAnnotation {
		annotation := EDFSignal{
			Label:            "EDF Annotations",
			PhysicalMin:      -1,
			PhysicalMax:      1,
			DigitalMin:       -32768,
			DigitalMax:       32767,
			SamplesPerRecord: 8,
		}
		if fx.BDF {
			annotation.Label = "BDF Annotations"
		}
		signals = append(signals, annotation)
	}
	for i, s := range signals {
		if s.Label == "EDF Annotations" || s.Label == "BDF Annotations" {
			continue
		}
		if len(s.Digital) != s.SamplesPerRecord*fx.Records {
			return nil, fmt.Errorf("signal %d has %d samples, want %d", i, len(s.Digital), s.SamplesPerRecord*fx.Records)
		}
	}

	ns := len(signals)
	var buf bytes.Buffer
	field := func(s string, n int) {
		if len(s) > n {
			s = s[:n]
		}
		buf.WriteString(s)
		for i := len(s); i < n; i++ {
			buf.WriteByte(' ')
		}
	}

	version, reserved := "0", "EDF+C"
	if fx.BDF {
		version, reserved = "\xffBIOSEMI", "BDF+C"
	}
	if !fx.WithAnnotation {
		reserved = ""
		if fx.BDF {
			reserved = "24BIT"
		}
	}
	declared := fx.Records
	if fx.DeclareRecords != 0 {
		declared = fx.DeclareRecords
	}

	field(version, 8)
	field("X X X X", 80)
	field("Startdate X X X X", 80)
	field("19.10.26", 8)
	field("08.30.00", 8)
	field(strconv.Itoa(256+ns*256), 8)
	field(reserved, 44)
	field(strconv.Itoa(declared), 8)
	field(strconv.FormatFloat(fx.RecordSeconds, 'g', -1, 64), 8)
	field(strconv.Itoa(ns), 4)

	for _, s := range signals {
		field(s.Label, 16)
	}
	for range signals {
		field("AgAgCl electrode", 80)
	}
	for range signals {
		field("uV", 8)
	}
	for _, s := range signals {
		field(strconv.FormatFloat(s.PhysicalMin, 'g', -1, 64), 8)
	}
	for _, s := range signals {
		field(strconv.FormatFloat(s.PhysicalMax, 'g', -1, 64), 8)
	}
	for _, s := range signals {
		field(strconv.Itoa(s.DigitalMin), 8)
	}
	for _, s := range signals {
		field(strconv.Itoa(s.DigitalMax), 8)
	}
	for range signals {
		field("HP:0.1Hz LP:75Hz", 80)
	}
	for _, s := range signals {
		field(strconv.Itoa(s.SamplesPerRecord), 8)
	}
	for range signals {
		field("", 32)
	}

	sampleBytes := 2
	if fx.BDF {
		sampleBytes = 3
	}
	for r := 0; r < fx.Records; r++ {
		for _, s := range signals {
			if s.Digital == nil {
				// annotation signal: an empty time-keeping TAL, zero padded
				tal := make([]byte, s.SamplesPerRecord*sampleBytes)
				copy(tal, fmt.Sprintf("+%d\x14\x14\x00", r))
				buf.Write(tal)
				continue
			}
			for _, d := range s.Digital[r*s.SamplesPerRecord : (r+1)*s.SamplesPerRecord] {
				buf.WriteByte(byte(d))
				buf.WriteByte(byte(d >> 8))
				if sampleBytes == 3 {
					buf.WriteByte(byte(d >> 16))
				}
			}
		}
	}

	return buf.Bytes(), nil
}

// eegLabels lists the 20 scalp electrodes in recording signal order.
var eegLabels = []string{
	"C3", "C4", "O1", "O2", "CZ", "F3", "F4", "F7", "F8", "FZ",
	"FP1", "FP2", "FPZ", "P3", "P4", "PZ", "T3", "T4", "T5", "T6",
}

// EEGFixture returns a 20 electrode EDF fixture of records data records of one second,
// perRecord samples each. value gives the digital (and physical) sample i of channel ch.
func EEGFixture(records, perRecord int, value func(ch, i int) int) EDFFixture {
	fx := EDFFixture{Records: records, RecordSeconds: 1, WithAnnotation: true}
	for ch, label := range eegLabels {
		digital := make([]int, records*perRecord)
		for i := range digital {
			digital[i] = value(ch, i)
		}
		fx.Signals = append(fx.Signals, LinearSignal("EEG "+label+"-REF", perRecord, digital))
	}
	return fx
}
