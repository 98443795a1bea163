package quantization

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/strandvec/strandvec/distance"
	"github.com/strandvec/strandvec/internal/kmeans"
)

// ErrNotTrained is returned when a product quantizer is used before its
// codebooks have been trained.
var ErrNotTrained = errors.New("product quantizer not trained")

// Product implements product quantization: the vector is partitioned into
// subvectors and each is quantized against a per-subspace k-means codebook.
// Train must be called before the first Encode/Decode.
type Product struct {
	dim       int
	m         int // number of subvectors
	k         int // centroids per subspace, <= 256 for uint8 codes
	subDim    int
	codebooks [][]float32 // m slabs of k*subDim
	rng       *rand.Rand
	trained   bool
}

// NewProduct creates a product quantizer splitting dim into m subvectors with
// k centroids per subspace.
func NewProduct(dim, m, k int) (*Product, error) {
	if m <= 0 || dim%m != 0 {
		return nil, fmt.Errorf("dimension %d not divisible into %d subvectors", dim, m)
	}
	if k <= 0 || k > 256 {
		return nil, fmt.Errorf("centroids per subspace must be in [1, 256], got %d", k)
	}
	return &Product{
		dim:    dim,
		m:      m,
		k:      k,
		subDim: dim / m,
		rng:    rand.New(rand.NewSource(1)),
	}, nil
}

func (pq *Product) Mode() Mode    { return ModeProduct }
func (pq *Product) Trained() bool { return pq.trained }

// Train builds one codebook per subspace from the sample vectors.
func (pq *Product) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return errors.New("no vectors provided for training")
	}
	if len(vectors[0]) != pq.dim {
		return &trainDimensionError{expected: pq.dim, actual: len(vectors[0])}
	}

	k := pq.k
	if k > len(vectors) {
		k = len(vectors)
	}

	codebooks := make([][]float32, pq.m)
	for m := 0; m < pq.m; m++ {
		slab := make([]float32, 0, len(vectors)*pq.subDim)
		for _, vec := range vectors {
			slab = append(slab, vec[m*pq.subDim:(m+1)*pq.subDim]...)
		}

		centroids, err := kmeans.Train(slab, pq.subDim, k, distance.MetricEuclidean, 20, pq.rng)
		if err != nil {
			return err
		}
		codebooks[m] = centroids
	}

	pq.k = k
	pq.codebooks = codebooks
	pq.trained = true
	return nil
}

// Encode maps each subvector to the index of its nearest centroid.
func (pq *Product) Encode(v []float32) []byte {
	if !pq.trained {
		panic(ErrNotTrained)
	}

	codes := make([]byte, pq.m)
	for m := 0; m < pq.m; m++ {
		sub := v[m*pq.subDim : (m+1)*pq.subDim]
		idx, _ := kmeans.Assign(sub, pq.codebooks[m], pq.subDim, distance.MetricEuclidean)
		codes[m] = uint8(idx)
	}
	return codes
}

// Decode concatenates the codebook centroids selected by the codes.
func (pq *Product) Decode(codes []byte) []float32 {
	if !pq.trained {
		panic(ErrNotTrained)
	}

	v := make([]float32, pq.dim)
	for m := 0; m < pq.m; m++ {
		centroid := pq.codebooks[m][int(codes[m])*pq.subDim : (int(codes[m])+1)*pq.subDim]
		copy(v[m*pq.subDim:], centroid)
	}
	return v
}

// Codebooks returns the trained codebooks, one k*subDim slab per subspace.
// Nil when untrained.
func (pq *Product) Codebooks() [][]float32 {
	return pq.codebooks
}

// SetCodebooks restores previously trained codebooks, marking the quantizer
// trained. Used when importing exported state.
func (pq *Product) SetCodebooks(codebooks [][]float32) error {
	if len(codebooks) != pq.m {
		return fmt.Errorf("expected %d codebooks, got %d", pq.m, len(codebooks))
	}

	k := len(codebooks[0]) / pq.subDim
	if k < 1 || k > 256 {
		return fmt.Errorf("centroids per subspace must be in [1, 256], got %d", k)
	}
	for i, cb := range codebooks {
		if len(cb) != k*pq.subDim {
			return fmt.Errorf("codebook %d has %d values, expected %d", i, len(cb), k*pq.subDim)
		}
	}

	pq.k = k
	pq.codebooks = codebooks
	pq.trained = true
	return nil
}

type trainDimensionError struct {
	expected, actual int
}

func (e *trainDimensionError) Error() string {
	return fmt.Sprintf("training vector dimension mismatch: expected %d, got %d", e.expected, e.actual)
}
