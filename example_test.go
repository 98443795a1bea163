package strandvec_test

import (
	"context"
	"fmt"
	"log"

	"github.com/strandvec/strandvec"
	"github.com/strandvec/strandvec/distance"
	"github.com/strandvec/strandvec/index"
	"github.com/strandvec/strandvec/index/hnsw"
)

// Example demonstrates inserting vectors and running a similarity search.
func Example() {
	ctx := context.Background()

	db, err := strandvec.New(4,
		strandvec.WithIndexType(index.TypeFlat),
		strandvec.WithMetric(distance.MetricCosine),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Insert(ctx, "a", []float32{1, 0, 0, 0}, nil); err != nil {
		log.Fatal(err)
	}
	if _, err := db.Insert(ctx, "b", []float32{0, 1, 0, 0}, nil); err != nil {
		log.Fatal(err)
	}

	results, err := db.Search(ctx, []float32{1, 0, 0, 0}, 1)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(results[0].ID)
	// Output: a
}

// Example_hnsw demonstrates tuning the HNSW index.
func Example_hnsw() {
	db, err := strandvec.New(128,
		strandvec.WithIndexType(index.TypeHNSW),
		strandvec.WithHNSW(func(o *hnsw.Options) {
			o.M = 32
			o.EFConstruction = 400
		}),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	fmt.Println("HNSW index created successfully")
	// Output: HNSW index created successfully
}

// Example_sequences demonstrates the built-in sequence embedder.
func Example_sequences() {
	ctx := context.Background()

	db, err := strandvec.New(256)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	id, err := db.InsertSequence(ctx, "ecoli-1", "ACGTACGTACGTTTGACA", map[string]string{"species": "ecoli"})
	if err != nil {
		log.Fatal(err)
	}

	results, err := db.SearchSequence(ctx, "ACGTACGTACGTTTGACA", 1)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(results[0].ID == id)
	// Output: true
}
