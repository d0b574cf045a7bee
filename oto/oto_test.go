package oto

import (
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/cadenzaio/cadenza"
)

type rampRenderer struct {
	starts []cadenza.SampleTime
}

func (r *rampRenderer) Render(start cadenza.SampleTime, out cadenza.AudioBuffer) {
	r.starts = append(r.starts, start)
	for i := range out {
		out[i] = 0.5
	}
}

func TestFloatBufferTo16BitLE(t *testing.T) {
	got := FloatBufferTo16BitLE([]float32{0, 1, -1, 2, -2, 0.5}, nil)
	want := []int16{0, math.MaxInt16, -math.MaxInt16, math.MaxInt16, -math.MaxInt16, math.MaxInt16 / 2}
	if len(got) != 2*len(want) {
		t.Fatalf("expected %d bytes, got %d", 2*len(want), len(got))
	}
	for i, w := range want {
		if v := int16(binary.LittleEndian.Uint16(got[2*i:])); v != w {
			t.Fatalf("sample %d was %d, expected %d", i, v, w)
		}
	}
}

func TestRenderReaderAdvancesSampleTime(t *testing.T) {
	r := &rampRenderer{}
	rr := &renderReader{renderer: r, format: Float32}
	p := make([]byte, 512*8)
	for i := 0; i < 3; i++ {
		n, err := rr.Read(p)
		if err != nil || n != len(p) {
			t.Fatalf("read returned %d, %v", n, err)
		}
	}
	if len(r.starts) != 3 || r.starts[2] != 1024 {
		t.Fatalf("renderer was called at %v", r.starts)
	}
	if v := math.Float32frombits(binary.LittleEndian.Uint32(p)); v != 0.5 {
		t.Fatalf("first sample was %v", v)
	}
	rr.closed.Store(true)
	if _, err := rr.Read(p); err != io.EOF {
		t.Fatalf("read after close returned %v", err)
	}
}
