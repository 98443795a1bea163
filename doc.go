// Package strandvec is an embedded vector similarity search engine for
// genomic and general float32 vectors.
//
// A Store maps string ids to vectors and metadata. Vectors are quantized on
// insert (none, scalar, product or binary) and only the lossy representation
// is retained. Candidate retrieval is pluggable: flat (exact), hnsw
// (proximity graph) or ivf (centroid partitions); every query re-ranks the
// candidate superset with the exact configured metric, so index choice
// affects recall and speed but never score correctness of returned hits.
//
// # Quick start
//
//	ctx := context.Background()
//	db, err := strandvec.New(384,
//	    strandvec.WithMetric(distance.MetricCosine),
//	    strandvec.WithIndexType(index.TypeHNSW),
//	)
//	if err != nil {
//	    panic(err)
//	}
//
//	id, err := db.Insert(ctx, "seq-1", vec, map[string]string{"species": "ecoli"})
//	results, err := db.Search(ctx, query, 10)
//
// Sequences can skip the manual embedding step:
//
//	id, err := db.InsertSequence(ctx, "", "ACGTACGTTT...", nil)
//	results, err := db.SearchSequence(ctx, "ACGTACGT...", 5)
//
// State can be exported to any io.Writer or a blobstore backend (local
// filesystem, memory, S3, MinIO) and imported back; the index is rebuilt on
// import, never persisted.
package strandvec
