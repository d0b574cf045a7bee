package oto

import (
	"encoding/binary"
	"math"
)

// FloatBufferTo16BitLE converts buff to 16-bit little-endian integers,
// clipping to [-1, 1], and appends them to out.
func FloatBufferTo16BitLE(buff []float32, out []byte) []byte {
	for _, v := range buff {
		var uv int16
		switch {
		case v < -1:
			uv = -math.MaxInt16
		case v > 1:
			uv = math.MaxInt16
		default:
			uv = int16(v * math.MaxInt16)
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(uv))
	}
	return out
}

// FloatBufferToFloat32LE appends buff to out as little-endian float32.
func FloatBufferToFloat32LE(buff []float32, out []byte) []byte {
	for _, v := range buff {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}
