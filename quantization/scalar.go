package quantization

import (
	"encoding/binary"
	"math"
)

// Scalar code layout (little-endian):
//
//	[flag:1][min:4][max:4][dim bytes]          flag 0: quantized
//	[flag:1][dim*4 bytes]                      flag 1: pass-through
//
// The pass-through form is emitted when max == min, where a linear 8-bit
// mapping would be degenerate.
const (
	scalarFlagQuantized   = 0
	scalarFlagPassthrough = 1
)

// Scalar implements per-vector 8-bit scalar quantization. Each vector is
// mapped linearly from its own [min, max] range to [0, 255], so no training
// phase is needed.
type Scalar struct{}

func (*Scalar) Mode() Mode                { return ModeScalar }
func (*Scalar) Train(_ [][]float32) error { return nil }
func (*Scalar) Trained() bool             { return true }

func (*Scalar) Encode(v []float32) []byte {
	if len(v) == 0 {
		return []byte{scalarFlagPassthrough}
	}

	min, max := v[0], v[0]
	for _, val := range v[1:] {
		if val < min {
			min = val
		}
		if val > max {
			max = val
		}
	}

	if max == min {
		code := make([]byte, 1+4*len(v))
		code[0] = scalarFlagPassthrough
		for i, val := range v {
			binary.LittleEndian.PutUint32(code[1+i*4:], math.Float32bits(val))
		}
		return code
	}

	code := make([]byte, 9+len(v))
	code[0] = scalarFlagQuantized
	binary.LittleEndian.PutUint32(code[1:], math.Float32bits(min))
	binary.LittleEndian.PutUint32(code[5:], math.Float32bits(max))

	scale := 255 / (max - min)
	for i, val := range v {
		code[9+i] = uint8((val-min)*scale + 0.5)
	}
	return code
}

func (*Scalar) Decode(code []byte) []float32 {
	if len(code) == 0 {
		return nil
	}

	if code[0] == scalarFlagPassthrough {
		payload := code[1:]
		v := make([]float32, len(payload)/4)
		for i := range v {
			v[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
		}
		return v
	}

	min := math.Float32frombits(binary.LittleEndian.Uint32(code[1:]))
	max := math.Float32frombits(binary.LittleEndian.Uint32(code[5:]))
	step := (max - min) / 255

	payload := code[9:]
	v := make([]float32, len(payload))
	for i, b := range payload {
		v[i] = float32(b)*step + min
	}
	return v
}
