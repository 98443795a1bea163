// Package quantization provides lossy vector compression applied at insert
// time. The quantized representation is the only copy retained by the store;
// reads and re-ranking operate on the decoded form.
package quantization

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Mode selects a quantization scheme.
type Mode string

const (
	ModeNone    Mode = "none"
	ModeScalar  Mode = "scalar"
	ModeProduct Mode = "product"
	ModeBinary  Mode = "binary"
)

// ParseMode parses a quantization mode name as it appears in configuration.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "none", "":
		return ModeNone, nil
	case "scalar":
		return ModeScalar, nil
	case "product":
		return ModeProduct, nil
	case "binary":
		return ModeBinary, nil
	default:
		return "", fmt.Errorf("unsupported quantization mode %q", s)
	}
}

// Quantizer compresses vectors into byte codes and reconstructs the lossy
// stored representation.
type Quantizer interface {
	// Encode quantizes a vector into its compressed code.
	Encode(v []float32) []byte

	// Decode reconstructs the stored representation from a code.
	Decode(code []byte) []float32

	// Train calibrates the quantizer on sample vectors. Only the product
	// quantizer requires it; for the others it is a no-op.
	Train(vectors [][]float32) error

	// Trained reports whether the quantizer is ready for Encode/Decode.
	Trained() bool

	// Mode returns the quantization mode.
	Mode() Mode
}

// New constructs the quantizer for the given mode and vector dimension.
func New(mode Mode, dim int) (Quantizer, error) {
	switch mode {
	case ModeNone:
		return &None{}, nil
	case ModeScalar:
		return &Scalar{}, nil
	case ModeProduct:
		return NewProduct(dim, defaultSubvectors(dim), 256)
	case ModeBinary:
		return &Binary{dim: dim}, nil
	default:
		return nil, fmt.Errorf("unsupported quantization mode %q", mode)
	}
}

// defaultSubvectors picks the largest divisor of dim not exceeding 8 so the
// product quantizer can split evenly without configuration.
func defaultSubvectors(dim int) int {
	for m := 8; m > 1; m-- {
		if dim%m == 0 {
			return m
		}
	}
	return 1
}

// None is the pass-through quantizer: float32 values stored verbatim.
type None struct{}

func (*None) Mode() Mode                { return ModeNone }
func (*None) Train(_ [][]float32) error { return nil }
func (*None) Trained() bool             { return true }

func (*None) Encode(v []float32) []byte {
	code := make([]byte, 4*len(v))
	for i, val := range v {
		binary.LittleEndian.PutUint32(code[i*4:], math.Float32bits(val))
	}
	return code
}

func (*None) Decode(code []byte) []float32 {
	v := make([]float32, len(code)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(code[i*4:]))
	}
	return v
}
