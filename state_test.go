package strandvec

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandvec/strandvec/blobstore"
	"github.com/strandvec/strandvec/codec"
	"github.com/strandvec/strandvec/distance"
	"github.com/strandvec/strandvec/index"
	"github.com/strandvec/strandvec/quantization"
	"github.com/strandvec/strandvec/testutil"
)

func populatedStore(t *testing.T, optFns ...Option) *Store {
	t.Helper()
	ctx := context.Background()

	db, err := New(8, append([]Option{WithIndexType(index.TypeFlat)}, optFns...)...)
	require.NoError(t, err)

	rng := testutil.NewRNG(17)
	if db.quantizer.Mode() == quantization.ModeProduct {
		require.NoError(t, db.Train(ctx, rng.UniformVectors(64, 8)))
	}

	for i, vec := range rng.UniformVectors(20, 8) {
		id := string(rune('a' + i%26))
		if i >= 26 {
			id += "x"
		}
		_, err := db.Insert(ctx, id, vec, map[string]string{"n": id})
		require.NoError(t, err)
	}
	return db
}

func assertSameSearchResults(t *testing.T, a, b *Store) {
	t.Helper()
	ctx := context.Background()

	rng := testutil.NewRNG(99)
	for i := 0; i < 5; i++ {
		query := rng.UniformVectors(1, 8)[0]

		want, err := a.Search(ctx, query, 5)
		require.NoError(t, err)
		got, err := b.Search(ctx, query, 5)
		require.NoError(t, err)

		assert.Equal(t, want, got)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := populatedStore(t)

	var buf bytes.Buffer
	require.NoError(t, db.Export(ctx, &buf))

	loaded, err := Load(ctx, &buf)
	require.NoError(t, err)

	assert.Equal(t, db.Len(), loaded.Len())
	assert.Equal(t, db.Stats().Metric, loaded.Stats().Metric)
	assert.Equal(t, db.Stats().Quantization, loaded.Stats().Quantization)
	assertSameSearchResults(t, db, loaded)

	rec, ok := loaded.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", rec.Metadata["n"])
}

func TestExportImportProductQuantization(t *testing.T) {
	ctx := context.Background()
	db := populatedStore(t, WithQuantization(quantization.ModeProduct))

	var buf bytes.Buffer
	require.NoError(t, db.Export(ctx, &buf))

	loaded, err := Load(ctx, &buf)
	require.NoError(t, err)

	assert.Equal(t, quantization.ModeProduct, loaded.Stats().Quantization)
	assertSameSearchResults(t, db, loaded)

	// Codebooks survived: inserting into the imported store works without
	// retraining.
	_, err = loaded.Insert(ctx, "new", testutil.NewRNG(5).UniformVectors(1, 8)[0], nil)
	require.NoError(t, err)
}

func TestImportRebuildsUnderDifferentIndex(t *testing.T) {
	ctx := context.Background()
	db := populatedStore(t)

	var buf bytes.Buffer
	require.NoError(t, db.Export(ctx, &buf))

	loaded, err := Load(ctx, &buf, WithIndexType(index.TypeHNSW))
	require.NoError(t, err)

	assert.Equal(t, index.TypeHNSW, loaded.Stats().Index.Type)
	assertSameSearchResults(t, db, loaded)
}

func TestImportRejectsCorruption(t *testing.T) {
	ctx := context.Background()
	db := populatedStore(t)

	var buf bytes.Buffer
	require.NoError(t, db.Export(ctx, &buf))

	data := buf.Bytes()
	data[len(data)-1] ^= 0xff

	_, err := Load(ctx, bytes.NewReader(data))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestImportRejectsBadMagic(t *testing.T) {
	_, err := Load(context.Background(), bytes.NewReader([]byte("nope nope nope nope")))
	require.Error(t, err)
}

func TestSaveLoadFile(t *testing.T) {
	ctx := context.Background()
	db := populatedStore(t)

	path := filepath.Join(t.TempDir(), "state.svst")
	require.NoError(t, db.SaveToFile(ctx, path))

	loaded, err := LoadFromFile(ctx, path)
	require.NoError(t, err)
	assertSameSearchResults(t, db, loaded)
}

func TestSaveLoadBlob(t *testing.T) {
	ctx := context.Background()
	db := populatedStore(t)

	store := blobstore.NewMemoryStore()
	require.NoError(t, db.SaveToBlob(ctx, store, "snapshots/latest"))

	names, err := store.List(ctx, "snapshots/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshots/latest"}, names)

	loaded, err := LoadFromBlob(ctx, store, "snapshots/latest")
	require.NoError(t, err)
	assertSameSearchResults(t, db, loaded)

	_, err = LoadFromBlob(ctx, store, "snapshots/missing")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestExportWithJSONCodec(t *testing.T) {
	ctx := context.Background()
	db := populatedStore(t, WithCodec(codec.JSON{}))

	var buf bytes.Buffer
	require.NoError(t, db.Export(ctx, &buf))

	// The snapshot records its codec; Load picks it by name.
	loaded, err := Load(ctx, &buf)
	require.NoError(t, err)
	assertSameSearchResults(t, db, loaded)
}

func TestImportPreservesInsertionOrderTieBreak(t *testing.T) {
	ctx := context.Background()

	db, err := New(2, WithIndexType(index.TypeFlat), WithMetric(distance.MetricEuclidean))
	require.NoError(t, err)

	for _, id := range []string{"c", "a", "b"} {
		_, err = db.Insert(ctx, id, []float32{1, 1}, nil)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, db.Export(ctx, &buf))
	loaded, err := Load(ctx, &buf)
	require.NoError(t, err)

	results, err := loaded.Search(ctx, []float32{1, 1}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.Equal(t, "c", results[2].ID)
}
