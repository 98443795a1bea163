// Package ivf implements an inverted-file index: vectors are partitioned by
// their nearest kmeans centroid and queries probe only the closest
// partitions. Until a build runs the index answers by exhaustive scan.
package ivf

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/strandvec/strandvec/distance"
	"github.com/strandvec/strandvec/index"
	"github.com/strandvec/strandvec/internal/kmeans"
	"github.com/strandvec/strandvec/internal/vectorstore"
)

// scanCheckInterval is how many rows a list scan visits between context
// cancellation checks.
const scanCheckInterval = 1024

// trainIterations bounds the kmeans passes during a build.
const trainIterations = 25

// Options configures an IVF index.
type Options struct {
	Dimension int
	Metric    distance.Metric

	// NLists is the number of partitions built by Rebuild. Zero picks
	// sqrt(n) at build time.
	NLists int

	// NProbe is the number of partitions probed per query.
	NProbe int

	// RandomSeed seeds centroid initialization. Fixed by default so builds
	// are reproducible.
	RandomSeed int64
}

// DefaultOptions are the baseline IVF settings.
var DefaultOptions = Options{
	Metric:     distance.MetricCosine,
	NProbe:     10,
	RandomSeed: 1,
}

// Compile-time contract check.
var _ index.Index = (*IVF)(nil)

// IVF is the inverted-file index. Row membership lives in roaring bitmaps,
// one per partition plus one for the whole row set.
type IVF struct {
	opts     Options
	distFunc distance.Func
	vectors  *vectorstore.Store

	rows      *roaring.Bitmap
	centroids []float32
	lists     []*roaring.Bitmap

	mutex sync.RWMutex
}

// New creates an IVF index over the shared vector store.
func New(vectors *vectorstore.Store, optFns ...func(o *Options)) (*IVF, error) {
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

	if opts.NProbe < 1 {
		opts.NProbe = DefaultOptions.NProbe
	}

	return &IVF{
		opts:     opts,
		distFunc: distFunc,
		vectors:  vectors,
		rows:     roaring.New(),
	}, nil
}

// Insert registers a row. Once partitions exist the row is also routed to
// its nearest centroid's list.
func (v *IVF) Insert(ctx context.Context, row uint32, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vec) != v.opts.Dimension {
		return &index.ErrDimensionMismatch{Expected: v.opts.Dimension, Actual: len(vec)}
	}

	v.mutex.Lock()
	defer v.mutex.Unlock()

	if v.rows.Contains(row) {
		v.dropFromLists(row)
	}
	v.rows.Add(row)

	if len(v.centroids) > 0 {
		list, err := kmeans.Assign(vec, v.centroids, v.opts.Dimension, v.opts.Metric)
		if err != nil {
			return err
		}
		v.lists[list].Add(row)
	}
	return nil
}

// Remove unregisters a row, reporting whether it was present.
func (v *IVF) Remove(row uint32) bool {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	if !v.rows.CheckedRemove(row) {
		return false
	}
	v.dropFromLists(row)
	return true
}

func (v *IVF) dropFromLists(row uint32) {
	for _, list := range v.lists {
		if list.CheckedRemove(row) {
			return
		}
	}
}

// Contains reports whether the row is registered.
func (v *IVF) Contains(row uint32) bool {
	v.mutex.RLock()
	defer v.mutex.RUnlock()

	return v.rows.Contains(row)
}

// Len returns the number of registered rows.
func (v *IVF) Len() int {
	v.mutex.RLock()
	defer v.mutex.RUnlock()

	return int(v.rows.GetCardinality())
}

// Trained reports whether partitions have been built.
func (v *IVF) Trained() bool {
	v.mutex.RLock()
	defer v.mutex.RUnlock()

	return len(v.centroids) > 0
}

// Rebuild trains centroids over the current rows and reassigns every row to
// its partition. With fewer rows than partitions the index stays unbuilt and
// keeps answering by exhaustive scan.
func (v *IVF) Rebuild(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v.mutex.Lock()
	defer v.mutex.Unlock()

	n := int(v.rows.GetCardinality())
	if n == 0 {
		v.centroids = nil
		v.lists = nil
		return nil
	}

	k := v.opts.NLists
	if k <= 0 {
		k = int(math.Sqrt(float64(n)))
	}
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}

	dim := v.opts.Dimension
	flat := make([]float32, 0, n*dim)
	ordered := make([]uint32, 0, n)

	it := v.rows.Iterator()
	for it.HasNext() {
		row := it.Next()
		vec, ok := v.vectors.Get(row)
		if !ok {
			continue
		}
		flat = append(flat, vec...)
		ordered = append(ordered, row)
	}

	rng := rand.New(rand.NewSource(v.opts.RandomSeed)) //nolint:gosec
	centroids, err := kmeans.Train(flat, dim, k, v.opts.Metric, trainIterations, rng)
	if err != nil {
		return err
	}
	if centroids == nil {
		return nil
	}

	lists := make([]*roaring.Bitmap, k)
	for i := range lists {
		lists[i] = roaring.New()
	}
	for i, row := range ordered {
		list, err := kmeans.Assign(flat[i*dim:(i+1)*dim], centroids, dim, v.opts.Metric)
		if err != nil {
			return err
		}
		lists[list].Add(row)
	}

	v.centroids = centroids
	v.lists = lists
	return nil
}

// Candidates probes the NProbe partitions closest to the query and returns
// the n best rows. Before a build it scans every row.
func (v *IVF) Candidates(ctx context.Context, query []float32, n int) ([]index.SearchResult, error) {
	if len(query) != v.opts.Dimension {
		return nil, &index.ErrDimensionMismatch{Expected: v.opts.Dimension, Actual: len(query)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.mutex.RLock()
	defer v.mutex.RUnlock()

	var (
		results []index.SearchResult
		err     error
	)
	if len(v.centroids) == 0 {
		results, err = v.scanList(ctx, query, v.rows)
	} else {
		results, err = v.probe(ctx, query)
	}
	if err != nil {
		return nil, err
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

// probe scores the closest partitions in parallel, one goroutine per list.
func (v *IVF) probe(ctx context.Context, query []float32) ([]index.SearchResult, error) {
	probes, err := kmeans.Closest(query, v.centroids, v.opts.Dimension, v.opts.NProbe, v.opts.Metric)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	partial := make([][]index.SearchResult, len(probes))

	for i, list := range probes {
		g.Go(func() error {
			res, err := v.scanList(gctx, query, v.lists[list])
			if err != nil {
				return err
			}
			partial[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, p := range partial {
		total += len(p)
	}
	results := make([]index.SearchResult, 0, total)
	for _, p := range partial {
		results = append(results, p...)
	}
	return results, nil
}

func (v *IVF) scanList(ctx context.Context, query []float32, list *roaring.Bitmap) ([]index.SearchResult, error) {
	results := make([]index.SearchResult, 0, list.GetCardinality())

	it := list.Iterator()
	for scanned := 0; it.HasNext(); scanned++ {
		if scanned%scanCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		row := it.Next()
		vec, ok := v.vectors.Get(row)
		if !ok {
			continue
		}
		results = append(results, index.SearchResult{Row: row, Distance: v.distFunc(query, vec)})
	}
	return results, nil
}

// Stats describes the index.
func (v *IVF) Stats() index.Stats {
	v.mutex.RLock()
	defer v.mutex.RUnlock()

	return index.Stats{
		Type:  index.TypeIVF,
		Count: int(v.rows.GetCardinality()),
		Lists: len(v.lists),
	}
}
