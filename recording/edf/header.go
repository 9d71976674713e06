// Package edf reads EDF, EDF+ and BDF recordings.
package edf

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	fixedHeaderBytes  = 256
	signalHeaderBytes = 256
)

// Header represents the EDF/EDF+/BDF file header.
type Header struct {
	Version            string        // "0" for EDF, "\xffBIOSEMI" for BDF
	PatientID          string        // Identification of the patient
	RecordingID        string        // Identification of the recording session
	StartTime          time.Time     // Start of the recording
	HeaderBytes        int           // Number of bytes in the header
	Reserved           string        // "EDF+C", "EDF+D", "BDF+C", "24BIT" or blank
	DataRecords        int           // Number of data records, -1 if unknown
	DataRecordDuration time.Duration // Duration of a single data record
	Signals            []Signal      // Every signal, annotation signals included
}

// BDF reports whether samples are 24-bit.
func (h *Header) BDF() bool {
	return strings.HasPrefix(h.Version, "\xff")
}

// SampleBytes returns the size of one stored sample.
func (h *Header) SampleBytes() int {
	if h.BDF() {
		return 3
	}
	return 2
}

// RecordBytes returns the size of one data record.
func (h *Header) RecordBytes() int {
	total := 0
	for _, s := range h.Signals {
		total += s.SamplesPerRecord
	}
	return total * h.SampleBytes()
}

// Signal represents the characteristics of each signal.
type Signal struct {
	Label             string  // e.g. "EEG Fp1-REF"
	TransducerType    string  // Type of transducer used
	PhysicalDimension string  // e.g. uV
	PhysicalMin       float64 // Minimum physical value
	PhysicalMax       float64 // Maximum physical value
	DigitalMin        int     // Minimum digital value
	DigitalMax        int     // Maximum digital value
	Prefiltering      string  // Pre-filtering information
	SamplesPerRecord  int     // Samples in each data record for this signal
	Reserved          string
}

// IsAnnotation reports whether the signal is an EDF+/BDF+ annotation channel.
func (s Signal) IsAnnotation() bool {
	return s.Label == "EDF Annotations" || s.Label == "BDF Annotations"
}

// Gain returns the physical units per digital step.
func (s Signal) Gain() float64 {
	return (s.PhysicalMax - s.PhysicalMin) / float64(s.DigitalMax-s.DigitalMin)
}

// Physical converts a stored digital value to physical units.
func (s Signal) Physical(digital int) float64 {
	return s.Gain()*float64(digital-s.DigitalMin) + s.PhysicalMin
}

// ParseHeader reads and validates the fixed and per-signal header blocks.
func ParseHeader(r io.Reader) (*Header, error) {
	fixed := make([]byte, fixedHeaderBytes)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, fmt.Errorf("reading fixed header: %w", err)
	}

	f := fieldReader{buf: fixed}
	h := &Header{}
	h.Version = f.raw(8)
	h.PatientID = f.text(80)
	h.RecordingID = f.text(80)
	date := f.text(8)
	clock := f.text(8)
	headerBytes := f.text(8)
	h.Reserved = f.text(44)
	records := f.text(8)
	duration := f.text(8)
	count := f.text(4)

	if h.Version != "0       " && h.Version != "\xffBIOSEMI" {
		return nil, fmt.Errorf("unsupported version field %q", h.Version)
	}
	h.Version = strings.TrimRight(h.Version, " ")

	var err error
	if h.StartTime, err = parseStart(date, clock); err != nil {
		return nil, err
	}
	if h.HeaderBytes, err = strconv.Atoi(headerBytes); err != nil {
		return nil, fmt.Errorf("header bytes %q: %w", headerBytes, err)
	}
	if h.DataRecords, err = strconv.Atoi(records); err != nil {
		return nil, fmt.Errorf("data records %q: %w", records, err)
	}
	seconds, err := strconv.ParseFloat(duration, 64)
	if err != nil {
		return nil, fmt.Errorf("data record duration %q: %w", duration, err)
	}
	if seconds <= 0 || math.IsInf(seconds, 0) || math.IsNaN(seconds) {
		return nil, fmt.Errorf("data record duration %q must be positive", duration)
	}
	h.DataRecordDuration = time.Duration(math.Round(seconds * float64(time.Second)))

	ns, err := strconv.Atoi(count)
	if err != nil || ns < 1 {
		return nil, fmt.Errorf("signal count %q is invalid", count)
	}
	if h.HeaderBytes != fixedHeaderBytes+ns*signalHeaderBytes {
		return nil, fmt.Errorf("header bytes %d do not match %d signals", h.HeaderBytes, ns)
	}

	block := make([]byte, ns*signalHeaderBytes)
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, fmt.Errorf("reading signal headers: %w", err)
	}
	if h.Signals, err = parseSignals(block, ns); err != nil {
		return nil, err
	}

	return h, nil
}

func parseSignals(block []byte, ns int) ([]Signal, error) {
	f := fieldReader{buf: block}
	signals := make([]Signal, ns)

	for i := range signals {
		signals[i].Label = f.text(16)
	}
	for i := range signals {
		signals[i].TransducerType = f.text(80)
	}
	for i := range signals {
		signals[i].PhysicalDimension = f.text(8)
	}
	for i := range signals {
		signals[i].PhysicalMin = f.float(8)
	}
	for i := range signals {
		signals[i].PhysicalMax = f.float(8)
	}
	for i := range signals {
		signals[i].DigitalMin = f.int(8)
	}
	for i := range signals {
		signals[i].DigitalMax = f.int(8)
	}
	for i := range signals {
		signals[i].Prefiltering = f.text(80)
	}
	for i := range signals {
		signals[i].SamplesPerRecord = f.int(8)
	}
	for i := range signals {
		signals[i].Reserved = f.text(32)
	}
	if f.err != nil {
		return nil, f.err
	}

	for i, s := range signals {
		if s.SamplesPerRecord < 1 {
			return nil, fmt.Errorf("signal %d (%s): samples per record %d", i, s.Label, s.SamplesPerRecord)
		}
		if s.DigitalMax <= s.DigitalMin {
			return nil, fmt.Errorf("signal %d (%s): digital max %d <= min %d", i, s.Label, s.DigitalMax, s.DigitalMin)
		}
		if s.PhysicalMax == s.PhysicalMin {
			return nil, fmt.Errorf("signal %d (%s): physical max equals min", i, s.Label)
		}
	}
	return signals, nil
}

func parseStart(date, clock string) (time.Time, error) {
	var day, month, year, hour, minute, second int
	if _, err := fmt.Sscanf(date, "%2d.%2d.%2d", &day, &month, &year); err != nil {
		return time.Time{}, fmt.Errorf("start date %q: %w", date, err)
	}
	if _, err := fmt.Sscanf(clock, "%2d.%2d.%2d", &hour, &minute, &second); err != nil {
		return time.Time{}, fmt.Errorf("start time %q: %w", clock, err)
	}
	// EDF clipping date: 1985-2084
	if year >= 85 {
		year += 1900
	} else {
		year += 2000
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC), nil
}

// fieldReader walks fixed-width ASCII fields, keeping the first error.
type fieldReader struct {
	buf []byte
	pos int
	err error
}

func (f *fieldReader) raw(n int) string {
	s := string(f.buf[f.pos : f.pos+n])
	f.pos += n
	return s
}

func (f *fieldReader) text(n int) string {
	s := string(bytes.TrimSpace(f.buf[f.pos : f.pos+n]))
	f.pos += n
	return s
}

func (f *fieldReader) int(n int) int {
	s := f.text(n)
	v, err := strconv.Atoi(s)
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("integer field %q: %w", s, err)
	}
	return v
}

func (f *fieldReader) float(n int) float64 {
	s := f.text(n)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("numeric field %q: %w", s, err)
	}
	return v
}
