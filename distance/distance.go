package distance

import (
	"fmt"
	"math"
	"math/bits"
	"slices"
)

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	MetricCosine Metric = iota
	MetricEuclidean
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricCosine:
		return "cosine"
	case MetricEuclidean:
		return "euclidean"
	case MetricDot:
		return "dot"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseMetric parses a metric name as it appears in configuration.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "cosine", "":
		return MetricCosine, nil
	case "euclidean":
		return MetricEuclidean, nil
	case "dot":
		return MetricDot, nil
	default:
		return 0, fmt.Errorf("unsupported metric %q", s)
	}
}

// Dot calculates the dot product of two vectors.
func Dot(a, b []float32) float32 {
	return dotKernel(a, b)
}

// SquaredL2 calculates the squared L2 (euclidean) distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	return squaredL2Kernel(a, b)
}

// Magnitude calculates the L2 norm of a vector.
func Magnitude(v []float32) float32 {
	return float32(math.Sqrt(float64(dotKernel(v, v))))
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns 0 if either vector has zero norm.
func CosineSimilarity(a, b []float32) float32 {
	na := Magnitude(a)
	nb := Magnitude(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dotKernel(a, b) / (na * nb)
}

// EuclideanSimilarity maps euclidean distance into (0, 1] as 1/(1+d) so that
// all metrics share a higher-is-better ordering.
func EuclideanSimilarity(a, b []float32) float32 {
	d := math.Sqrt(float64(squaredL2Kernel(a, b)))
	return float32(1 / (1 + d))
}

// Hamming calculates the Hamming distance between two packed bit vectors.
func Hamming(a, b []byte) float32 {
	var count int
	for i := range a {
		count += bits.OnesCount8(a[i] ^ b[i])
	}
	return float32(count)
}

// Func scores two equal-length vectors.
type Func func(a, b []float32) float32

// Similarity returns the higher-is-better scoring function for the metric.
// This is the function the query pipeline uses for exact re-ranking.
func Similarity(m Metric) (Func, error) {
	switch m {
	case MetricCosine:
		return CosineSimilarity, nil
	case MetricEuclidean:
		return EuclideanSimilarity, nil
	case MetricDot:
		return Dot, nil
	default:
		return nil, fmt.Errorf("unsupported metric %v", m)
	}
}

// Provider returns the lower-is-better distance function for the metric, used
// by index traversal where minimization is the natural ordering.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricCosine:
		return func(a, b []float32) float32 { return 1 - CosineSimilarity(a, b) }, nil
	case MetricEuclidean:
		return SquaredL2, nil
	case MetricDot:
		return func(a, b []float32) float32 { return -dotKernel(a, b) }, nil
	default:
		return nil, fmt.Errorf("unsupported metric %v", m)
	}
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm; v is left unscaled in that case.
func NormalizeL2InPlace(v []float32) bool {
	norm2 := dotKernel(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / float32(math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// If src has zero L2 norm the copy is returned unscaled.
func NormalizeL2Copy(src []float32) []float32 {
	dst := slices.Clone(src)
	NormalizeL2InPlace(dst)
	return dst
}
