// Package flat implements the exhaustive baseline index: every candidate is
// scored against the query. Exact by construction, and the correctness
// reference for the approximate variants.
package flat

import (
	"context"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/strandvec/strandvec/distance"
	"github.com/strandvec/strandvec/index"
	"github.com/strandvec/strandvec/internal/vectorstore"
)

// scanCheckInterval is how many rows an exhaustive scan visits between
// context cancellation checks.
const scanCheckInterval = 1024

// Options configures a Flat index.
type Options struct {
	Dimension int
	Metric    distance.Metric
}

// DefaultOptions are the baseline flat index settings.
var DefaultOptions = Options{
	Metric: distance.MetricCosine,
}

// Compile-time contract check.
var _ index.Index = (*Flat)(nil)

// Flat is the exhaustive index. It tracks live rows in a roaring bitmap and
// reads vectors from the shared store.
type Flat struct {
	opts     Options
	distFunc distance.Func
	vectors  *vectorstore.Store
	rows     *roaring.Bitmap
}

// New creates a Flat index over the shared vector store.
func New(vectors *vectorstore.Store, optFns ...func(o *Options)) (*Flat, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := index.ValidateDimension(opts.Dimension); err != nil {
		return nil, err
	}
	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	return &Flat{
		opts:     opts,
		distFunc: distFunc,
		vectors:  vectors,
		rows:     roaring.New(),
	}, nil
}

// Insert registers a row. The vector itself lives in the shared store.
func (f *Flat) Insert(ctx context.Context, row uint32, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vec) != f.opts.Dimension {
		return &index.ErrDimensionMismatch{Expected: f.opts.Dimension, Actual: len(vec)}
	}
	f.rows.Add(row)
	return nil
}

// Remove unregisters a row, reporting whether it was present.
func (f *Flat) Remove(row uint32) bool {
	return f.rows.CheckedRemove(row)
}

// Contains reports whether the row is registered.
func (f *Flat) Contains(row uint32) bool {
	return f.rows.Contains(row)
}

// Len returns the number of registered rows.
func (f *Flat) Len() int {
	return int(f.rows.GetCardinality())
}

// Candidates scans every registered row and returns the n closest, ordered
// by ascending distance with ties broken by ascending row. n <= 0 returns
// all rows.
func (f *Flat) Candidates(ctx context.Context, query []float32, n int) ([]index.SearchResult, error) {
	if len(query) != f.opts.Dimension {
		return nil, &index.ErrDimensionMismatch{Expected: f.opts.Dimension, Actual: len(query)}
	}

	results := make([]index.SearchResult, 0, f.rows.GetCardinality())

	it := f.rows.Iterator()
	for visited := 0; it.HasNext(); visited++ {
		if visited%scanCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		row := it.Next()
		vec, ok := f.vectors.Get(row)
		if !ok {
			continue
		}
		results = append(results, index.SearchResult{Row: row, Distance: f.distFunc(query, vec)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].Row < results[j].Row
	})

	if n > 0 && n < len(results) {
		results = results[:n]
	}
	return results, nil
}

// Stats describes the index.
func (f *Flat) Stats() index.Stats {
	return index.Stats{Type: index.TypeFlat, Count: f.Len()}
}
