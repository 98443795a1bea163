package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Mixed", []float32{1, -1, 2}, []float32{1, 1, -2}, -4},
		{"Empty", []float32{}, []float32{}, 0},
		{"Single", []float32{2}, []float32{3}, 6},
		// Length 7 exercises the unrolled tail.
		{"Tail", []float32{1, 1, 1, 1, 1, 1, 1}, []float32{2, 2, 2, 2, 2, 2, 2}, 14},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Dot(tt.a, tt.b), 1e-5)
		})
	}
}

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 27},
		{"Identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"Mixed", []float32{1, -1}, []float32{-1, 1}, 8},
		{"Empty", []float32{}, []float32{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, SquaredL2(tt.a, tt.b), 1e-5)
		})
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"Orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0},
		{"Opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"ZeroNorm", []float32{0, 0, 0}, []float32{1, 2, 3}, 0},
		{"Close", []float32{1, 0, 0, 0}, []float32{0.9, 0.1, 0, 0}, 0.99388},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, CosineSimilarity(tt.a, tt.b), 1e-4)
		})
	}
}

func TestEuclideanSimilarity(t *testing.T) {
	// d=5 between (0,0) and (3,4) -> 1/(1+5)
	assert.InDelta(t, float32(1.0/6.0), EuclideanSimilarity([]float32{0, 0}, []float32{3, 4}), 1e-5)
	// Identical vectors score 1.
	assert.InDelta(t, float32(1), EuclideanSimilarity([]float32{1, 2}, []float32{1, 2}), 1e-6)
}

func TestHamming(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []byte
		expected float32
	}{
		{"Simple", []byte{0xFF, 0x00}, []byte{0x00, 0xFF}, 16},
		{"Identical", []byte{0xAA, 0x55}, []byte{0xAA, 0x55}, 0},
		{"Partial", []byte{0b11110000}, []byte{0b11111111}, 4},
		{"Empty", []byte{}, []byte{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Hamming(tt.a, tt.b))
		})
	}
}

func TestNormalizeL2InPlace(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, NormalizeL2InPlace(v))
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	require.False(t, NormalizeL2InPlace(zero))
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestSimilarityOrdering(t *testing.T) {
	// All metrics must rank a closer vector above a farther one.
	query := []float32{1, 0, 0, 0}
	near := []float32{0.9, 0.1, 0, 0}
	far := []float32{0, 1, 0, 0}

	for _, m := range []Metric{MetricCosine, MetricEuclidean, MetricDot} {
		fn, err := Similarity(m)
		require.NoError(t, err)
		assert.Greater(t, fn(query, near), fn(query, far), "metric %v", m)
	}
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("")
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, m)

	_, err = ParseMetric("manhattan")
	require.Error(t, err)
}
