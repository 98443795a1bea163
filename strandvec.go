package strandvec

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/strandvec/strandvec/distance"
	"github.com/strandvec/strandvec/embedding"
	"github.com/strandvec/strandvec/index"
	"github.com/strandvec/strandvec/index/flat"
	"github.com/strandvec/strandvec/index/hnsw"
	"github.com/strandvec/strandvec/index/ivf"
	"github.com/strandvec/strandvec/internal/vectorstore"
	"github.com/strandvec/strandvec/quantization"
)

// record is the canonical per-id entry: the quantized code is the only
// retained vector representation. The decoded form lives in the row-indexed
// vector cache for traversal and re-ranking.
type record struct {
	id       string
	code     []byte
	metadata map[string]string
}

// Store is an embedded vector similarity store. It maps string ids to
// quantized vectors plus metadata and answers k-nearest-neighbor queries
// through a pluggable index with exact re-ranking.
//
// All methods are safe for concurrent use: readers run concurrently, writers
// are exclusive.
type Store struct {
	opts options

	dim       int
	simFunc   distance.Func // higher is better, used for re-ranking
	quantizer quantization.Quantizer
	embedder  *embedding.Embedder

	mu      sync.RWMutex
	idx     index.Index
	rows    map[string]uint32
	ids     map[uint32]string
	records map[uint32]*record
	vectors *vectorstore.Store
	nextRow uint32
	closed  bool
}

// New creates a Store for vectors of the given dimension.
func New(dimensions int, optFns ...Option) (*Store, error) {
	opts := applyOptions(optFns)

	if err := index.ValidateDimension(dimensions); err != nil {
		return nil, translateError(err)
	}

	simFunc, err := distance.Similarity(opts.metric)
	if err != nil {
		return nil, err
	}

	quantizer, err := newQuantizer(opts, dimensions)
	if err != nil {
		return nil, err
	}

	embedder, err := embedding.New(withDimensionLast(opts.embeddingOptions, dimensions)...)
	if err != nil {
		return nil, err
	}

	vectors := vectorstore.New(dimensions)

	idx, err := newIndex(opts, dimensions, vectors)
	if err != nil {
		return nil, err
	}

	return &Store{
		opts:      opts,
		dim:       dimensions,
		simFunc:   simFunc,
		quantizer: quantizer,
		embedder:  embedder,
		idx:       idx,
		rows:      make(map[string]uint32),
		ids:       make(map[uint32]string),
		records:   make(map[uint32]*record),
		vectors:   vectors,
	}, nil
}

func newQuantizer(opts options, dim int) (quantization.Quantizer, error) {
	if opts.quantization == quantization.ModeProduct && opts.pqSubvectors > 0 {
		return quantization.NewProduct(dim, opts.pqSubvectors, opts.pqCentroids)
	}
	return quantization.New(opts.quantization, dim)
}

func newIndex(opts options, dim int, vectors *vectorstore.Store) (index.Index, error) {
	switch opts.indexType {
	case index.TypeFlat:
		return flat.New(vectors, func(o *flat.Options) {
			o.Dimension = dim
			o.Metric = opts.metric
		})
	case index.TypeHNSW:
		return hnsw.New(vectors, append(opts.hnswOptions, func(o *hnsw.Options) {
			o.Dimension = dim
			o.Metric = opts.metric
		})...)
	case index.TypeIVF:
		return ivf.New(vectors, append(opts.ivfOptions, func(o *ivf.Options) {
			o.Dimension = dim
			o.Metric = opts.metric
		})...)
	default:
		return nil, translateError(&index.ErrUnknownType{Name: string(opts.indexType)})
	}
}

// withDimensionLast reapplies the store dimension after user embedding
// options so it cannot be overridden.
func withDimensionLast(optFns []func(o *embedding.Options), dim int) []func(o *embedding.Options) {
	out := make([]func(o *embedding.Options), 0, len(optFns)+1)
	out = append(out, optFns...)
	out = append(out, func(o *embedding.Options) {
		o.Dimensions = dim
	})
	return out
}

// Dimensions returns the configured vector dimension.
func (s *Store) Dimensions() int { return s.dim }

// Metric returns the configured distance metric.
func (s *Store) Metric() distance.Metric { return s.opts.metric }

// Len returns the number of stored vectors.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close marks the store closed. Subsequent operations return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Train calibrates the quantizer on sample vectors. Only product
// quantization requires it; for other modes it is a no-op. Samples are
// normalized first under the cosine metric, matching what Encode will see.
func (s *Store) Train(ctx context.Context, samples [][]float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, vec := range samples {
		if len(vec) != s.dim {
			return &ErrDimensionMismatch{Expected: s.dim, Actual: len(vec)}
		}
	}

	prepared := samples
	if s.opts.metric == distance.MetricCosine {
		prepared = make([][]float32, len(samples))
		for i, vec := range samples {
			prepared[i] = distance.NormalizeL2Copy(vec)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return translateError(s.quantizer.Train(prepared))
}

// Insert adds a vector under the given id, replacing any previous entry for
// that id. An empty id gets a generated UUID. The returned id is the one
// stored.
func (s *Store) Insert(ctx context.Context, id string, vector []float32, metadata map[string]string) (string, error) {
	start := time.Now()

	id, err := s.insert(ctx, id, vector, metadata)

	s.opts.metricsCollector.RecordInsert(time.Since(start), err)
	s.opts.logger.LogInsert(ctx, id, len(vector), err)
	return id, err
}

func (s *Store) insert(ctx context.Context, id string, vector []float32, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return id, err
	}
	if len(vector) != s.dim {
		return id, &ErrDimensionMismatch{Expected: s.dim, Actual: len(vector)}
	}

	if id == "" {
		id = uuid.NewString()
	}

	prepared := vector
	if s.opts.metric == distance.MetricCosine {
		prepared = distance.NormalizeL2Copy(vector)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return id, ErrClosed
	}

	// Quantizer state is guarded by mu: Train swaps it under the write
	// lock, so the trained check and Encode stay under it too.
	if !s.quantizer.Trained() {
		return id, fmt.Errorf("%w: call Train before inserting", ErrNotTrained)
	}
	code := s.quantizer.Encode(prepared)

	return id, s.apply(ctx, id, code, metadata)
}

// apply installs a quantized record under the write lock. The decoded lossy
// form feeds both the row vector cache and the index.
func (s *Store) apply(ctx context.Context, id string, code []byte, metadata map[string]string) error {
	stored := s.quantizer.Decode(code)

	row, exists := s.rows[id]
	if !exists {
		row = s.nextRow
		s.nextRow++
	}

	prev, hadPrev := s.vectors.Get(row)

	s.vectors.Set(row, stored)
	if err := s.idx.Insert(ctx, row, stored); err != nil {
		// Roll back so index and records stay aligned: an overwrite
		// restores the previous entry, a fresh insert drops the row.
		// The restore must not inherit a cancelled context.
		if exists && hadPrev {
			s.vectors.Set(row, prev)
			_ = s.idx.Insert(context.WithoutCancel(ctx), row, prev)
		} else {
			s.idx.Remove(row)
			s.vectors.Remove(row)
		}
		return translateError(err)
	}

	s.rows[id] = row
	s.ids[row] = id
	s.records[row] = &record{id: id, code: code, metadata: metadata}
	return nil
}

// BatchItem is one entry of an InsertBatch call.
type BatchItem struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// BatchResult reports the outcome for one BatchItem, in input order.
type BatchResult struct {
	ID  string
	Err error
}

// InsertBatch inserts many vectors. Quantization runs in parallel;
// application to the store is serialized in input order. Each item succeeds
// or fails independently.
func (s *Store) InsertBatch(ctx context.Context, items []BatchItem) []BatchResult {
	start := time.Now()

	results := make([]BatchResult, len(items))
	codes := make([][]byte, len(items))

	// The write lock spans encoding as well as application: the workers
	// below read quantizer state, which Train mutates under the same lock.
	s.mu.Lock()

	closed := s.closed
	trained := s.quantizer.Trained()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for i, item := range items {
		results[i].ID = item.ID

		g.Go(func() error {
			switch {
			case closed:
				results[i].Err = ErrClosed
			case gctx.Err() != nil:
				results[i].Err = gctx.Err()
			case len(item.Vector) != s.dim:
				results[i].Err = &ErrDimensionMismatch{Expected: s.dim, Actual: len(item.Vector)}
			case !trained:
				results[i].Err = fmt.Errorf("%w: call Train before inserting", ErrNotTrained)
			default:
				prepared := item.Vector
				if s.opts.metric == distance.MetricCosine {
					prepared = distance.NormalizeL2Copy(item.Vector)
				}
				codes[i] = s.quantizer.Encode(prepared)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, item := range items {
		if results[i].Err != nil {
			failed++
			continue
		}

		id := item.ID
		if id == "" {
			id = uuid.NewString()
			results[i].ID = id
		}
		if err := s.apply(ctx, id, codes[i], item.Metadata); err != nil {
			results[i].Err = err
			failed++
		}
	}
	s.mu.Unlock()

	s.opts.metricsCollector.RecordBatchInsert(len(items), failed, time.Since(start))
	s.opts.logger.LogBatchInsert(ctx, len(items), failed)
	return results
}

// InsertSequence embeds a sequence and inserts the resulting vector.
func (s *Store) InsertSequence(ctx context.Context, id, sequence string, metadata map[string]string) (string, error) {
	return s.Insert(ctx, id, s.embedder.Embed(sequence), metadata)
}

// Record is the externally visible form of a stored entry. Vector is the
// decoded lossy representation.
type Record struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// Get returns the stored record for an id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return Record{}, false
	}
	rec := s.records[row]

	return Record{
		ID:       rec.id,
		Vector:   s.quantizer.Decode(rec.code),
		Metadata: maps.Clone(rec.metadata),
	}, true
}

// Delete removes an id, reporting whether it existed. Deleting a missing id
// is not an error.
func (s *Store) Delete(ctx context.Context, id string) bool {
	start := time.Now()

	s.mu.Lock()
	found := false
	if !s.closed {
		if row, ok := s.rows[id]; ok {
			found = true
			s.idx.Remove(row)
			s.vectors.Remove(row)
			delete(s.rows, id)
			delete(s.ids, row)
			delete(s.records, row)
		}
	}
	s.mu.Unlock()

	s.opts.metricsCollector.RecordDelete(time.Since(start), found)
	s.opts.logger.LogDelete(ctx, id, found)
	return found
}

// Rebuild re-clusters the IVF index over the current contents. For other
// index types it is a no-op.
func (s *Store) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	v, ok := s.idx.(*ivf.IVF)
	if !ok {
		return nil
	}

	err := v.Rebuild(ctx)
	s.opts.logger.LogRebuild(ctx, len(s.records), err)
	return err
}

// CacheLen returns the number of sequences held by the embedding cache.
func (s *Store) CacheLen() int { return s.embedder.CacheLen() }

// ResetCache clears the embedding cache.
func (s *Store) ResetCache() { s.embedder.ResetCache() }

// Stats describes the current shape of the store.
type Stats struct {
	Count        int
	Dimensions   int
	Metric       distance.Metric
	Quantization quantization.Mode
	Index        index.Stats
}

// Stats returns a snapshot of the store's shape.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Count:        len(s.records),
		Dimensions:   s.dim,
		Metric:       s.opts.metric,
		Quantization: s.quantizer.Mode(),
		Index:        s.idx.Stats(),
	}
}
