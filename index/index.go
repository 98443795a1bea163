// Package index defines the shared contract for candidate-retrieval
// structures. Implementations are a closed set chosen at construction time:
// flat (exhaustive), hnsw (multi-layer proximity graph) and ivf (centroid
// partitions).
package index

import (
	"context"
	"fmt"
)

// Type identifies an index implementation.
type Type string

const (
	TypeFlat Type = "flat"
	TypeHNSW Type = "hnsw"
	TypeIVF  Type = "ivf"
)

// ParseType parses an index type name as it appears in configuration.
func ParseType(s string) (Type, error) {
	switch s {
	case "flat":
		return TypeFlat, nil
	case "hnsw", "":
		return TypeHNSW, nil
	case "ivf":
		return TypeIVF, nil
	default:
		return "", &ErrUnknownType{Name: s}
	}
}

// SearchResult is a candidate row with its index-internal distance
// (lower is better). Exact scores are recomputed by the query pipeline.
type SearchResult struct {
	Row      uint32
	Distance float32
}

// Index is the capability contract shared by all index variants.
//
// Candidates returns up to n rows ordered by ascending distance, ties broken
// by ascending row (earliest insertion first). Approximate variants may
// mis-order or miss rows; callers re-rank.
type Index interface {
	Insert(ctx context.Context, row uint32, vec []float32) error
	Remove(row uint32) bool
	Candidates(ctx context.Context, query []float32, n int) ([]SearchResult, error)
	Contains(row uint32) bool
	Len() int
	Stats() Stats
}

// Stats describes the current shape of an index.
type Stats struct {
	Type     Type
	Count    int
	MaxLayer int // HNSW only
	Lists    int // IVF only: number of trained centroids
}

// ValidateDimension checks a configured dimension at construction time.
func ValidateDimension(dim int) error {
	if dim <= 0 {
		return &ErrInvalidDimension{Dimension: dim}
	}
	return nil
}

// ErrInvalidDimension indicates a non-positive configured dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrUnknownType indicates an unrecognized index type in configuration.
type ErrUnknownType struct {
	Name string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown index type: %q", e.Name)
}
