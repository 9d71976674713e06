package spectrogram

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func filledMatrix(nfreqs, nblocks int) *mat.Dense {
	m := mat.NewDense(nfreqs, nblocks, nil)
	for f := 0; f < nfreqs; f++ {
		for b := 0; b < nblocks; b++ {
			m.Set(f, b, float64(f)*0.5+float64(b)*0.25-3)
		}
	}
	return m
}

func TestSerializeBlockMajor(t *testing.T) {
	p := Params{Handle: 1, NFreqs: 5, NBlocks: 3}
	m := filledMatrix(p.NFreqs, p.NBlocks)

	data, err := Serialize(p, m)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if len(data) != 4*p.NFreqs*p.NBlocks {
		t.Fatalf("payload %d bytes, want %d", len(data), 4*p.NFreqs*p.NBlocks)
	}

	for f := 0; f < p.NFreqs; f++ {
		for b := 0; b < p.NBlocks; b++ {
			off := 4 * (f + b*p.NFreqs)
			got := math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			if got != float32(m.At(f, b)) {
				t.Fatalf("position freq=%d block=%d holds %v, want %v", f, b, got, m.At(f, b))
			}
		}
	}

	back, err := Deserialize(data, p.NFreqs, p.NBlocks)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !mat.Equal(back, m) {
		t.Fatal("round trip is not bit exact")
	}

	var buf bytes.Buffer
	if err := SerializeTo(&buf, p, m); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Fatal("SerializeTo differs from Serialize")
	}
}

func TestSerializeInvalidParamsIsNoop(t *testing.T) {
	data, err := Serialize(InvalidParams("x.edf", 1), filledMatrix(2, 2))
	if err != nil || data != nil {
		t.Fatalf("got %d bytes, err %v; want nothing", len(data), err)
	}

	var buf bytes.Buffer
	if err := SerializeTo(&buf, InvalidParams("x.edf", 1), filledMatrix(2, 2)); err != nil || buf.Len() != 0 {
		t.Fatalf("SerializeTo wrote %d bytes, err %v", buf.Len(), err)
	}
}

func TestSerializeDimensionMismatch(t *testing.T) {
	if _, err := Serialize(Params{Handle: 0, NFreqs: 3, NBlocks: 3}, filledMatrix(3, 2)); err == nil {
		t.Fatal("mismatched matrix accepted")
	}
	if _, err := Deserialize(make([]byte, 7), 1, 2); err == nil {
		t.Fatal("truncated payload accepted")
	}
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float64{0, 1, -2.5, 1e3}
	back, err := DecodeVector(EncodeVector(v))
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != len(v) {
		t.Fatalf("len %d, want %d", len(back), len(v))
	}
	for i := range v {
		if back[i] != v[i] {
			t.Fatalf("index %d: %v, want %v", i, back[i], v[i])
		}
	}
}
