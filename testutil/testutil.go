// Package testutil provides helpers for tests and benchmarks: seeded random
// vectors and sequences, exact top-k ground truth and recall computation.
package testutil

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/strandvec/strandvec/distance"
)

// RNG is a seeded random number generator. It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)), //nolint:gosec
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float32 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// FillUniform fills dst with random values in range [0, 1).
func (r *RNG) FillUniform(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.rand.Float32()
	}
}

// UniformVectors returns n random vectors of the given dimension.
func (r *RNG) UniformVectors(n, dim int) [][]float32 {
	vecs := make([][]float32, n)
	for i := range vecs {
		vecs[i] = make([]float32, dim)
		r.FillUniform(vecs[i])
	}
	return vecs
}

// Sequence returns a random string of the given length over the alphabet.
func (r *RNG) Sequence(length int, alphabet string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, length)
	for i := range out {
		out[i] = alphabet[r.rand.Intn(len(alphabet))]
	}
	return string(out)
}

// DNASequence returns a random string over the nucleotide alphabet ACGT.
func (r *RNG) DNASequence(length int) string {
	return r.Sequence(length, "ACGT")
}

// ExactTopK computes the exact k nearest dataset indices to the query under
// the given distance function, ascending distance with ties by index.
func ExactTopK(query []float32, dataset [][]float32, k int, distFunc distance.Func) []int {
	type pair struct {
		idx  int
		dist float32
	}

	pairs := make([]pair, len(dataset))
	for i, vec := range dataset {
		pairs[i] = pair{idx: i, dist: distFunc(query, vec)}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].dist != pairs[j].dist {
			return pairs[i].dist < pairs[j].dist
		}
		return pairs[i].idx < pairs[j].idx
	})

	if k > len(pairs) {
		k = len(pairs)
	}
	out := make([]int, k)
	for i := 0; i < k; i++ {
		out[i] = pairs[i].idx
	}
	return out
}

// ComputeRecall returns the fraction of exact results present in the
// approximate results.
func ComputeRecall(approx, exact []int) float64 {
	if len(exact) == 0 {
		return 1
	}

	found := make(map[int]bool, len(approx))
	for _, idx := range approx {
		found[idx] = true
	}

	hits := 0
	for _, idx := range exact {
		if found[idx] {
			hits++
		}
	}
	return float64(hits) / float64(len(exact))
}
