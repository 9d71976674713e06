package spectrogram

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Serialize flattens an nfreqs x nblocks matrix into little-endian float32 values, block
// major: the value at flat position freq + block*nfreqs is m.At(freq, block).
// It returns nil when p is invalid.
func Serialize(p Params, m mat.Matrix) ([]byte, error) {
	if !p.Valid() {
		return nil, nil
	}
	nfreqs, nblocks := m.Dims()
	if nfreqs != p.NFreqs || nblocks != p.NBlocks {
		return nil, fmt.Errorf("matrix is %dx%d, params want %dx%d", nfreqs, nblocks, p.NFreqs, p.NBlocks)
	}

	out := make([]byte, 4*nfreqs*nblocks)
	for block := 0; block < nblocks; block++ {
		for freq := 0; freq < nfreqs; freq++ {
			off := 4 * (freq + block*nfreqs)
			binary.LittleEndian.PutUint32(out[off:], math.Float32bits(float32(m.At(freq, block))))
		}
	}
	return out, nil
}

// SerializeTo writes the serialized matrix to w.
func SerializeTo(w io.Writer, p Params, m mat.Matrix) error {
	data, err := Serialize(p, m)
	if err != nil || data == nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Deserialize rebuilds the nfreqs x nblocks matrix produced by Serialize.
func Deserialize(data []byte, nfreqs, nblocks int) (*mat.Dense, error) {
	if nfreqs < 1 || nblocks < 1 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", nfreqs, nblocks)
	}
	if len(data) != 4*nfreqs*nblocks {
		return nil, fmt.Errorf("payload has %d bytes, want %d", len(data), 4*nfreqs*nblocks)
	}

	m := mat.NewDense(nfreqs, nblocks, nil)
	for block := 0; block < nblocks; block++ {
		for freq := 0; freq < nfreqs; freq++ {
			off := 4 * (freq + block*nfreqs)
			m.Set(freq, block, float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))))
		}
	}
	return m, nil
}

// EncodeVector encodes v as little-endian float32 values.
func EncodeVector(v []float64) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(float32(x)))
	}
	return out
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(data []byte) ([]float64, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("payload length %d is not a multiple of 4", len(data))
	}
	v := make([]float64, len(data)/4)
	for i := range v {
		v[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:])))
	}
	return v, nil
}
