// Package recording defines the accessor contract for multichannel waveform recordings
// and the process-wide cache of open recording handles.
package recording

import "time"

// Metadata exposes the per-channel sizing a spectrogram is derived from.
type Metadata interface {
	SignalCount() int
	Label(ch int) string
	SamplesInFile(ch int) int
	SamplesPerRecord(ch int) int
	RecordDuration() time.Duration
}

// Recording is an open waveform file. Each channel has its own read cursor.
// Implementations need not be safe for concurrent use; the Cache serializes access.
type Recording interface {
	Metadata

	// ReadPhysicalSamples reads up to len(buf) samples of channel ch, in physical units,
	// from the channel cursor and advances it. A short count with a nil error means the
	// channel ended.
	ReadPhysicalSamples(ch int, buf []float64) (int, error)

	// Rewind moves the cursor of channel ch back to the first sample.
	Rewind(ch int) error

	Close() error
}

// Opener opens recordings by path.
type Opener interface {
	Open(path string) (Recording, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) (Recording, error)

func (f OpenerFunc) Open(path string) (Recording, error) { return f(path) }
