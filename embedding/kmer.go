// Package embedding converts symbol sequences into fixed-length vectors via
// k-mer frequency hashing, the feature extractor in front of the vector store.
package embedding

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/strandvec/strandvec/distance"
)

const (
	// DefaultKmerSize is the default k-mer length.
	DefaultKmerSize = 6

	// DefaultStride is the default step between extracted k-mers.
	DefaultStride = 1

	// DefaultAlphabet is the accepted symbol set; anything outside it is
	// stripped before extraction.
	DefaultAlphabet = "ACGT"
)

// Options configures an Embedder.
type Options struct {
	// Dimensions is the output vector length. Required.
	Dimensions int

	// KmerSize is the length of extracted substrings.
	KmerSize int

	// Stride is the step between extraction positions.
	Stride int

	// Alphabet is the accepted symbol set.
	Alphabet string

	// Normalize L2-normalizes the output vector. Zero-norm vectors are
	// left unscaled.
	Normalize bool

	// UseCache memorizes results keyed by the raw input text.
	UseCache bool
}

// DefaultOptions are the baseline embedder settings.
var DefaultOptions = Options{
	KmerSize:  DefaultKmerSize,
	Stride:    DefaultStride,
	Alphabet:  DefaultAlphabet,
	Normalize: true,
	UseCache:  true,
}

// Embedder converts sequences into fixed-length vectors. Embedding is
// deterministic given (sequence, k, dimensions, stride), so concurrent cache
// population is benign: duplicate computations produce identical entries.
type Embedder struct {
	opts     Options
	accepted [256]bool

	mu    sync.RWMutex
	cache map[string][]float32
	group singleflight.Group
}

// New creates an Embedder.
func New(optFns ...func(o *Options)) (*Embedder, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding: dimensions must be positive, got %d", opts.Dimensions)
	}
	if opts.KmerSize <= 0 {
		return nil, fmt.Errorf("embedding: k-mer size must be positive, got %d", opts.KmerSize)
	}
	if opts.Stride <= 0 {
		return nil, fmt.Errorf("embedding: stride must be positive, got %d", opts.Stride)
	}
	if opts.Alphabet == "" {
		return nil, fmt.Errorf("embedding: alphabet must not be empty")
	}

	e := &Embedder{
		opts:  opts,
		cache: make(map[string][]float32),
	}
	for _, c := range []byte(opts.Alphabet) {
		e.accepted[c] = true
	}

	return e, nil
}

// Dimensions returns the output vector length.
func (e *Embedder) Dimensions() int { return e.opts.Dimensions }

// Embed converts a sequence into its k-mer frequency vector. Sequences
// shorter than the k-mer size yield the all-zero vector.
func (e *Embedder) Embed(sequence string) []float32 {
	if !e.opts.UseCache {
		return e.compute(sequence)
	}

	e.mu.RLock()
	cached, ok := e.cache[sequence]
	e.mu.RUnlock()
	if ok {
		return cached
	}

	// Collapse concurrent computations of the same missing entry.
	v, _, _ := e.group.Do(sequence, func() (any, error) {
		vec := e.compute(sequence)
		e.mu.Lock()
		e.cache[sequence] = vec
		e.mu.Unlock()
		return vec, nil
	})

	return v.([]float32)
}

// CacheLen returns the number of memorized sequences.
func (e *Embedder) CacheLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// ResetCache discards all memorized results.
func (e *Embedder) ResetCache() {
	e.mu.Lock()
	e.cache = make(map[string][]float32)
	e.mu.Unlock()
}

func (e *Embedder) compute(sequence string) []float32 {
	vec := make([]float32, e.opts.Dimensions)

	cleaned := e.clean(sequence)
	k := e.opts.KmerSize
	if len(cleaned) < k {
		return vec
	}

	// Count each distinct k-mer, then hash it into a bucket. Collisions are
	// additive; there is no collision resolution.
	counts := make(map[string]float32)
	for i := 0; i+k <= len(cleaned); i += e.opts.Stride {
		counts[cleaned[i:i+k]]++
	}

	dim := uint64(e.opts.Dimensions)
	for kmer, count := range counts {
		vec[hashKmer(kmer)%dim] += count
	}

	if e.opts.Normalize {
		distance.NormalizeL2InPlace(vec)
	}

	return vec
}

// clean uppercases the sequence and strips characters outside the alphabet.
func (e *Embedder) clean(sequence string) string {
	upper := strings.ToUpper(sequence)

	var b strings.Builder
	b.Grow(len(upper))
	for i := 0; i < len(upper); i++ {
		if e.accepted[upper[i]] {
			b.WriteByte(upper[i])
		}
	}
	return b.String()
}

// hashKmer is a polynomial byte hash with wrapping arithmetic: stable across
// runs, so embeddings are reproducible.
func hashKmer(kmer string) uint64 {
	var acc, pow uint64
	pow = 1
	for i := 0; i < len(kmer); i++ {
		acc += uint64(kmer[i]) * pow
		pow *= 31
	}
	return acc
}
