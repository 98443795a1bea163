package ivf

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandvec/strandvec/distance"
	"github.com/strandvec/strandvec/index"
	"github.com/strandvec/strandvec/internal/vectorstore"
)

func newTestIVF(t *testing.T, dim int, optFns ...func(o *Options)) (*IVF, *vectorstore.Store) {
	t.Helper()
	vs := vectorstore.New(dim)
	v, err := New(vs, append([]func(o *Options){func(o *Options) {
		o.Dimension = dim
		o.Metric = distance.MetricEuclidean
	}}, optFns...)...)
	require.NoError(t, err)
	return v, vs
}

func insert(t *testing.T, v *IVF, vs *vectorstore.Store, row uint32, vec []float32) {
	t.Helper()
	vs.Set(row, vec)
	require.NoError(t, v.Insert(context.Background(), row, vec))
}

// clusteredVectors produces points around well separated centers so kmeans
// converges on a predictable partitioning.
func clusteredVectors(rng *rand.Rand, centers [][]float32, perCenter int) [][]float32 {
	var vecs [][]float32
	for _, c := range centers {
		for i := 0; i < perCenter; i++ {
			vec := make([]float32, len(c))
			for j := range vec {
				vec[j] = c[j] + rng.Float32()*0.1
			}
			vecs = append(vecs, vec)
		}
	}
	return vecs
}

func TestScanBeforeBuild(t *testing.T) {
	v, vs := newTestIVF(t, 2)
	insert(t, v, vs, 0, []float32{0, 0})
	insert(t, v, vs, 1, []float32{1, 0})
	insert(t, v, vs, 2, []float32{5, 0})

	assert.False(t, v.Trained())

	got, err := v.Candidates(context.Background(), []float32{0.9, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(1), got[0].Row)
	assert.Equal(t, uint32(0), got[1].Row)
}

func TestRebuildAndProbe(t *testing.T) {
	v, vs := newTestIVF(t, 2, func(o *Options) {
		o.NLists = 3
		o.NProbe = 1
	})

	rng := rand.New(rand.NewSource(3))
	centers := [][]float32{{0, 0}, {10, 0}, {0, 10}}
	vecs := clusteredVectors(rng, centers, 20)
	for i, vec := range vecs {
		insert(t, v, vs, uint32(i), vec)
	}

	require.NoError(t, v.Rebuild(context.Background()))
	assert.True(t, v.Trained())
	assert.Equal(t, 3, v.Stats().Lists)

	// Probing a single list around a center must return only that cluster.
	got, err := v.Candidates(context.Background(), []float32{10, 0}, 5)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for _, r := range got {
		assert.True(t, r.Row >= 20 && r.Row < 40, "row %d outside cluster", r.Row)
	}
}

func TestInsertAfterBuildRoutesToList(t *testing.T) {
	v, vs := newTestIVF(t, 2, func(o *Options) {
		o.NLists = 2
		o.NProbe = 1
	})

	rng := rand.New(rand.NewSource(5))
	vecs := clusteredVectors(rng, [][]float32{{0, 0}, {10, 0}}, 10)
	for i, vec := range vecs {
		insert(t, v, vs, uint32(i), vec)
	}
	require.NoError(t, v.Rebuild(context.Background()))

	insert(t, v, vs, 100, []float32{9.9, 0.1})

	got, err := v.Candidates(context.Background(), []float32{10, 0}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(100), got[0].Row)
}

func TestRemove(t *testing.T) {
	v, vs := newTestIVF(t, 1, func(o *Options) {
		o.NLists = 1
	})
	insert(t, v, vs, 0, []float32{1})
	insert(t, v, vs, 1, []float32{2})
	require.NoError(t, v.Rebuild(context.Background()))

	assert.True(t, v.Remove(0))
	assert.False(t, v.Remove(0))
	assert.False(t, v.Contains(0))
	assert.Equal(t, 1, v.Len())

	got, err := v.Candidates(context.Background(), []float32{1}, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(1), got[0].Row)
}

func TestRebuildTooFewRows(t *testing.T) {
	v, vs := newTestIVF(t, 1, func(o *Options) {
		o.NLists = 8
	})
	insert(t, v, vs, 0, []float32{1})
	insert(t, v, vs, 1, []float32{2})

	require.NoError(t, v.Rebuild(context.Background()))
	// Fewer rows than requested lists clamps to n partitions.
	assert.True(t, v.Trained())
	assert.Equal(t, 2, v.Stats().Lists)
}

func TestRebuildEmpty(t *testing.T) {
	v, _ := newTestIVF(t, 1)
	require.NoError(t, v.Rebuild(context.Background()))
	assert.False(t, v.Trained())
}

func TestAutoListCount(t *testing.T) {
	v, vs := newTestIVF(t, 1)

	for i := uint32(0); i < 100; i++ {
		insert(t, v, vs, i, []float32{float32(i)})
	}
	require.NoError(t, v.Rebuild(context.Background()))

	// sqrt(100) partitions by default.
	assert.Equal(t, 10, v.Stats().Lists)
}

func TestDimensionMismatch(t *testing.T) {
	v, _ := newTestIVF(t, 3)

	err := v.Insert(context.Background(), 0, []float32{1})
	var dm *index.ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)

	_, err = v.Candidates(context.Background(), []float32{1, 2}, 1)
	require.ErrorAs(t, err, &dm)
}

func TestWiderProbeFindsAllClusters(t *testing.T) {
	v, vs := newTestIVF(t, 2, func(o *Options) {
		o.NLists = 4
		o.NProbe = 4
	})

	rng := rand.New(rand.NewSource(11))
	centers := [][]float32{{0, 0}, {10, 0}, {0, 10}, {10, 10}}
	vecs := clusteredVectors(rng, centers, 15)
	for i, vec := range vecs {
		insert(t, v, vs, uint32(i), vec)
	}
	require.NoError(t, v.Rebuild(context.Background()))

	got, err := v.Candidates(context.Background(), []float32{5, 5}, 0)
	require.NoError(t, err)
	assert.Len(t, got, 60)
}

func TestStats(t *testing.T) {
	v, vs := newTestIVF(t, 1)
	insert(t, v, vs, 0, []float32{1})

	s := v.Stats()
	assert.Equal(t, index.TypeIVF, s.Type)
	assert.Equal(t, 1, s.Count)
	assert.Equal(t, 0, s.Lists)
}
