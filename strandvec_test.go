package strandvec

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandvec/strandvec/distance"
	"github.com/strandvec/strandvec/index"
	"github.com/strandvec/strandvec/quantization"
	"github.com/strandvec/strandvec/testutil"
)

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()

	db, err := New(4, WithIndexType(index.TypeFlat))
	require.NoError(t, err)

	id, err := db.Insert(ctx, "a", []float32{1, 0, 0, 0}, map[string]string{"species": "ecoli"})
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	rec, ok := db.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", rec.ID)
	assert.Equal(t, map[string]string{"species": "ecoli"}, rec.Metadata)
	assert.InDeltaSlice(t, []float32{1, 0, 0, 0}, rec.Vector, 1e-6)

	_, ok = db.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, 1, db.Len())
}

func TestInsertGeneratesID(t *testing.T) {
	ctx := context.Background()

	db, err := New(2, WithIndexType(index.TypeFlat))
	require.NoError(t, err)

	id, err := db.Insert(ctx, "", []float32{1, 2}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, ok := db.Get(id)
	assert.True(t, ok)
}

func TestInsertDimensionMismatch(t *testing.T) {
	ctx := context.Background()

	db, err := New(4, WithIndexType(index.TypeFlat))
	require.NoError(t, err)

	_, err = db.Insert(ctx, "a", []float32{1, 2}, nil)
	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 2, dm.Actual)

	// Failed insert must not mutate the store.
	assert.Equal(t, 0, db.Len())
}

func TestInsertReplacesExisting(t *testing.T) {
	ctx := context.Background()

	db, err := New(2, WithIndexType(index.TypeFlat), WithMetric(distance.MetricEuclidean))
	require.NoError(t, err)

	_, err = db.Insert(ctx, "a", []float32{0, 0}, nil)
	require.NoError(t, err)
	_, err = db.Insert(ctx, "a", []float32{5, 5}, map[string]string{"v": "2"})
	require.NoError(t, err)

	assert.Equal(t, 1, db.Len())

	rec, ok := db.Get("a")
	require.True(t, ok)
	assert.InDeltaSlice(t, []float32{5, 5}, rec.Vector, 1e-6)
	assert.Equal(t, "2", rec.Metadata["v"])
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	db, err := New(2, WithIndexType(index.TypeFlat))
	require.NoError(t, err)

	_, err = db.Insert(ctx, "a", []float32{1, 0}, nil)
	require.NoError(t, err)

	assert.True(t, db.Delete(ctx, "a"))
	assert.False(t, db.Delete(ctx, "a"))
	assert.Equal(t, 0, db.Len())

	// Reinsert after delete works.
	_, err = db.Insert(ctx, "a", []float32{0, 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, db.Len())
}

func TestBatchInsert(t *testing.T) {
	ctx := context.Background()

	db, err := New(2, WithIndexType(index.TypeFlat))
	require.NoError(t, err)

	results := db.InsertBatch(ctx, []BatchItem{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "bad", Vector: []float32{1}},
		{Vector: []float32{0, 1}},
	})
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, "a", results[0].ID)

	var dm *ErrDimensionMismatch
	assert.ErrorAs(t, results[1].Err, &dm)

	assert.NoError(t, results[2].Err)
	assert.NotEmpty(t, results[2].ID)

	assert.Equal(t, 2, db.Len())
}

func TestSequenceRoundTrip(t *testing.T) {
	ctx := context.Background()

	db, err := New(64, WithIndexType(index.TypeFlat))
	require.NoError(t, err)

	rng := testutil.NewRNG(9)
	target := rng.DNASequence(200)

	_, err = db.InsertSequence(ctx, "target", target, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = db.InsertSequence(ctx, "", rng.DNASequence(200), nil)
		require.NoError(t, err)
	}

	results, err := db.SearchSequence(ctx, target, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "target", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)

	assert.Positive(t, db.CacheLen())
	db.ResetCache()
	assert.Equal(t, 0, db.CacheLen())
}

func TestProductQuantizationRequiresTraining(t *testing.T) {
	ctx := context.Background()

	db, err := New(8, WithIndexType(index.TypeFlat), WithQuantization(quantization.ModeProduct))
	require.NoError(t, err)

	_, err = db.Insert(ctx, "a", make([]float32, 8), nil)
	require.ErrorIs(t, err, ErrNotTrained)

	rng := testutil.NewRNG(1)
	require.NoError(t, db.Train(ctx, rng.UniformVectors(64, 8)))

	_, err = db.Insert(ctx, "a", rng.UniformVectors(1, 8)[0], nil)
	require.NoError(t, err)
}

func TestScalarQuantizationRoundTrip(t *testing.T) {
	ctx := context.Background()

	db, err := New(4,
		WithIndexType(index.TypeFlat),
		WithMetric(distance.MetricEuclidean),
		WithQuantization(quantization.ModeScalar),
	)
	require.NoError(t, err)

	in := []float32{-1, 0, 0.5, 1}
	_, err = db.Insert(ctx, "a", in, nil)
	require.NoError(t, err)

	rec, ok := db.Get("a")
	require.True(t, ok)

	// One quantization step of a [-1, 1] range.
	step := float32(2.0 / 255.0)
	for i := range in {
		assert.InDelta(t, in[i], rec.Vector[i], float64(step))
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()

	db, err := New(3,
		WithIndexType(index.TypeHNSW),
		WithQuantization(quantization.ModeScalar),
	)
	require.NoError(t, err)

	_, err = db.Insert(ctx, "a", []float32{1, 0, 0}, nil)
	require.NoError(t, err)

	stats := db.Stats()
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 3, stats.Dimensions)
	assert.Equal(t, distance.MetricCosine, stats.Metric)
	assert.Equal(t, quantization.ModeScalar, stats.Quantization)
	assert.Equal(t, index.TypeHNSW, stats.Index.Type)
	assert.Equal(t, 1, stats.Index.Count)
}

func TestIVFRebuild(t *testing.T) {
	ctx := context.Background()

	db, err := New(2,
		WithIndexType(index.TypeIVF),
		WithMetric(distance.MetricEuclidean),
	)
	require.NoError(t, err)

	rng := testutil.NewRNG(2)
	for i := 0; i < 50; i++ {
		_, err = db.Insert(ctx, "", []float32{rng.Float32(), rng.Float32()}, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 0, db.Stats().Index.Lists)
	require.NoError(t, db.Rebuild(ctx))
	assert.Positive(t, db.Stats().Index.Lists)

	results, err := db.Search(ctx, []float32{0.5, 0.5}, 5)
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestRebuildNonIVFIsNoop(t *testing.T) {
	db, err := New(2, WithIndexType(index.TypeFlat))
	require.NoError(t, err)
	assert.NoError(t, db.Rebuild(context.Background()))
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()

	db, err := New(2, WithIndexType(index.TypeFlat))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.Insert(ctx, "a", []float32{1, 0}, nil)
	require.ErrorIs(t, err, ErrClosed)

	_, err = db.Search(ctx, []float32{1, 0}, 1)
	require.ErrorIs(t, err, ErrClosed)

	assert.False(t, db.Delete(ctx, "a"))
}

func TestInvalidConfiguration(t *testing.T) {
	_, err := New(0)
	var id *ErrInvalidDimension
	require.ErrorAs(t, err, &id)

	_, err = New(4, WithIndexType(index.Type("btree")))
	require.Error(t, err)
}

func TestMetricsCollection(t *testing.T) {
	ctx := context.Background()
	mc := &BasicMetricsCollector{}

	db, err := New(2, WithIndexType(index.TypeFlat), WithMetricsCollector(mc))
	require.NoError(t, err)

	_, err = db.Insert(ctx, "a", []float32{1, 0}, nil)
	require.NoError(t, err)
	_, err = db.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	db.Delete(ctx, "missing")

	stats := mc.GetStats()
	assert.Equal(t, int64(1), stats.InsertCount)
	assert.Equal(t, int64(1), stats.SearchCount)
	assert.Equal(t, int64(1), stats.DeleteCount)
	assert.Equal(t, int64(1), stats.DeleteMisses)
}

// cancelAfterContext starts reporting Canceled from its nth Err call onward.
type cancelAfterContext struct {
	context.Context
	after int32
	calls atomic.Int32
}

func (c *cancelAfterContext) Err() error {
	if c.calls.Add(1) >= c.after {
		return context.Canceled
	}
	return nil
}

func TestFailedReinsertKeepsRecordSearchable(t *testing.T) {
	ctx := context.Background()

	db, err := New(4, WithIndexType(index.TypeHNSW), WithMetric(distance.MetricCosine))
	require.NoError(t, err)

	rng := testutil.NewRNG(3)
	vecs := rng.UniformVectors(20, 4)
	for i, vec := range vecs {
		_, err := db.Insert(ctx, string(rune('a'+i)), vec, nil)
		require.NoError(t, err)
	}

	// Cancellation lands after the graph has unlinked the old node but
	// before the replacement is connected.
	flaky := &cancelAfterContext{Context: ctx, after: 3}
	_, err = db.Insert(flaky, "a", vecs[0], nil)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, db.Len(), db.idx.Len())

	rec, ok := db.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", rec.ID)

	results, err := db.Search(ctx, vecs[0], 20)
	require.NoError(t, err)
	require.Len(t, results, 20)

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	assert.Contains(t, ids, "a")
}

func TestConcurrentTrainAndInsert(t *testing.T) {
	ctx := context.Background()

	db, err := New(8, WithIndexType(index.TypeFlat), WithProductQuantization(4, 8))
	require.NoError(t, err)

	rng := testutil.NewRNG(11)
	samples := rng.UniformVectors(64, 8)
	require.NoError(t, db.Train(ctx, samples))

	vecs := rng.UniformVectors(26, 8)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			assert.NoError(t, db.Train(ctx, samples))
		}
	}()
	go func() {
		defer wg.Done()
		for i, vec := range vecs {
			_, err := db.Insert(ctx, string(rune('a'+i)), vec, nil)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	assert.Equal(t, 26, db.Len())
}

func TestGetCopiesMetadata(t *testing.T) {
	ctx := context.Background()

	db, err := New(4, WithIndexType(index.TypeFlat))
	require.NoError(t, err)

	_, err = db.Insert(ctx, "a", []float32{1, 0, 0, 0}, map[string]string{"species": "ecoli"})
	require.NoError(t, err)

	rec, ok := db.Get("a")
	require.True(t, ok)
	rec.Metadata["species"] = "mutated"

	again, ok := db.Get("a")
	require.True(t, ok)
	assert.Equal(t, "ecoli", again.Metadata["species"])
}
