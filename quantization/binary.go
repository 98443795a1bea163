package quantization

// Binary implements sign quantization: one bit per coordinate, set when the
// value is non-negative. Codes are Hamming-comparable and reduce storage by
// up to 32x. The decoded representation uses +1/-1 so that re-encoding a
// decoded vector reproduces the same code and cosine/dot orderings survive.
type Binary struct {
	dim int
}

// NewBinary creates a binary quantizer for the given dimension.
func NewBinary(dim int) *Binary {
	return &Binary{dim: dim}
}

func (*Binary) Mode() Mode                { return ModeBinary }
func (*Binary) Train(_ [][]float32) error { return nil }
func (*Binary) Trained() bool             { return true }

func (bq *Binary) Encode(v []float32) []byte {
	code := make([]byte, (len(v)+7)/8)
	for i, val := range v {
		if val >= 0 {
			code[i/8] |= 1 << (i % 8)
		}
	}
	return code
}

func (bq *Binary) Decode(code []byte) []float32 {
	dim := bq.dim
	if dim == 0 {
		dim = len(code) * 8
	}
	v := make([]float32, dim)
	for i := range v {
		if code[i/8]&(1<<(i%8)) != 0 {
			v[i] = 1
		} else {
			v[i] = -1
		}
	}
	return v
}
