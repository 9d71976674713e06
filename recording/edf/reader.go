package edf

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/RyanBlaney/sonido-eeg/recording"
)

// File is an open recording. Channel indices skip annotation signals.
// A File is not safe for concurrent use.
type File struct {
	path     string
	file     *os.File
	header   *Header
	channels []channel
	scratch  []byte
}

type channel struct {
	signal Signal
	offset int // byte offset of the signal inside a data record
	total  int
	cursor int
}

// Opener opens EDF/BDF files for the handle cache.
type Opener struct{}

func (Opener) Open(path string) (recording.Recording, error) {
	return Open(path)
}

// Open opens and validates a recording.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classifyOpen(path, err)
	}

	file, err := newFile(path, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return file, nil
}

func newFile(path string, f *os.File) (*File, error) {
	header, err := ParseHeader(f)
	if err != nil {
		return nil, recording.NewError(recording.KindMalformedRecording, "open", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, recording.NewError(recording.KindReadError, "open", path, err)
	}

	recordBytes := header.RecordBytes()
	available := (info.Size() - int64(header.HeaderBytes)) / int64(recordBytes)
	switch {
	case header.DataRecords == -1:
		header.DataRecords = int(available)
	case int64(header.DataRecords) > available:
		return nil, recording.Errorf(recording.KindMalformedRecording, "open", path,
			"header declares %d data records, file holds %d", header.DataRecords, available)
	}
	if header.DataRecords < 1 {
		return nil, recording.Errorf(recording.KindMalformedRecording, "open", path, "no data records")
	}

	file := &File{path: path, file: f, header: header}
	offset, widest := 0, 0
	for _, s := range header.Signals {
		if !s.IsAnnotation() {
			file.channels = append(file.channels, channel{
				signal: s,
				offset: offset,
				total:  s.SamplesPerRecord * header.DataRecords,
			})
		}
		offset += s.SamplesPerRecord * header.SampleBytes()
		widest = max(widest, s.SamplesPerRecord)
	}
	if len(file.channels) == 0 {
		return nil, recording.Errorf(recording.KindMalformedRecording, "open", path, "no data signals")
	}
	file.scratch = make([]byte, widest*header.SampleBytes())

	return file, nil
}

func classifyOpen(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return recording.NewError(recording.KindFileNotFound, "open", path, err)
	case errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE):
		return recording.NewError(recording.KindTooManyOpenFiles, "open", path, err)
	default:
		return recording.NewError(recording.KindUnknown, "open", path, err)
	}
}

// Header returns the parsed header.
func (f *File) Header() *Header { return f.header }

func (f *File) SignalCount() int { return len(f.channels) }

func (f *File) Label(ch int) string { return f.channels[ch].signal.Label }

func (f *File) SamplesInFile(ch int) int { return f.channels[ch].total }

func (f *File) SamplesPerRecord(ch int) int { return f.channels[ch].signal.SamplesPerRecord }

func (f *File) RecordDuration() time.Duration { return f.header.DataRecordDuration }

// Signal returns the header entry of channel ch.
func (f *File) Signal(ch int) Signal { return f.channels[ch].signal }

func (f *File) ReadPhysicalSamples(ch int, buf []float64) (int, error) {
	if ch < 0 || ch >= len(f.channels) {
		return 0, recording.Errorf(recording.KindReadError, "read", f.path, "channel %d out of range [0,%d)", ch, len(f.channels))
	}
	c := &f.channels[ch]
	spr := c.signal.SamplesPerRecord
	sampleBytes := f.header.SampleBytes()
	recordBytes := int64(f.header.RecordBytes())

	n := min(len(buf), c.total-c.cursor)
	for done := 0; done < n; {
		pos := c.cursor + done
		record, within := pos/spr, pos%spr
		count := min(spr-within, n-done)

		chunk := f.scratch[:count*sampleBytes]
		off := int64(f.header.HeaderBytes) + int64(record)*recordBytes + int64(c.offset+within*sampleBytes)
		got, err := f.file.ReadAt(chunk, off)
		if err != nil && !(errors.Is(err, io.EOF) && got == len(chunk)) {
			c.cursor += done
			return done, recording.NewError(recording.KindReadError, "read", f.path,
				fmt.Errorf("channel %d record %d: %w", ch, record, err))
		}

		decode(buf[done:done+count], chunk, sampleBytes, c.signal)
		done += count
	}
	c.cursor += n

	return n, nil
}

func decode(dst []float64, raw []byte, sampleBytes int, s Signal) {
	gain := s.Gain()
	for i := range dst {
		b := raw[i*sampleBytes:]
		var d int
		if sampleBytes == 3 {
			d = int(int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16)
		} else {
			d = int(int16(uint16(b[0]) | uint16(b[1])<<8))
		}
		dst[i] = gain*float64(d-s.DigitalMin) + s.PhysicalMin
	}
}

func (f *File) Rewind(ch int) error {
	if ch < 0 || ch >= len(f.channels) {
		return recording.Errorf(recording.KindReadError, "rewind", f.path, "channel %d out of range", ch)
	}
	f.channels[ch].cursor = 0
	return nil
}

func (f *File) Close() error {
	return f.file.Close()
}
