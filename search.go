package strandvec

import (
	"context"
	"maps"
	"math"
	"sort"
	"time"

	"github.com/strandvec/strandvec/distance"
)

// defaultEFSearch is the candidate beam floor when no override is given.
const defaultEFSearch = 50

// SearchOptions configures one query.
type SearchOptions struct {
	// EFSearch widens the candidate superset. The index is asked for
	// max(2k, EFSearch) candidates before re-ranking.
	EFSearch int

	// MinScore drops results scoring below it. Scores are higher-is-better
	// under every metric. Defaults to no threshold.
	MinScore float32

	// Filters are conjunctive exact-match conditions on metadata. A record
	// matches only if every key is present with exactly the given value.
	Filters map[string]string
}

// DefaultSearchOptions are the baseline query settings.
var DefaultSearchOptions = SearchOptions{
	EFSearch: defaultEFSearch,
	MinScore: float32(math.Inf(-1)),
}

// SearchResult is one query hit. Score is the exact similarity under the
// configured metric: cosine in [-1, 1], euclidean as 1/(1+distance), dot
// unbounded. Higher is better for all metrics.
type SearchResult struct {
	ID       string
	Score    float32
	Metadata map[string]string
}

// Search returns the k nearest stored vectors to the query. Candidates come
// from the index; scores are recomputed exactly against the stored (lossy)
// vectors, so approximate indexes and quantization affect which candidates
// surface but never the reported score of a hit. Results are ordered by
// score descending, ties by id ascending.
//
// An empty store returns an empty result, not an error.
func (s *Store) Search(ctx context.Context, query []float32, k int, optFns ...func(o *SearchOptions)) ([]SearchResult, error) {
	start := time.Now()

	results, err := s.search(ctx, query, k, optFns)

	s.opts.metricsCollector.RecordSearch(k, time.Since(start), err)
	s.opts.logger.LogSearch(ctx, k, len(results), err)
	return results, err
}

// SearchSequence embeds a sequence and searches with the resulting vector.
func (s *Store) SearchSequence(ctx context.Context, sequence string, k int, optFns ...func(o *SearchOptions)) ([]SearchResult, error) {
	return s.Search(ctx, s.embedder.Embed(sequence), k, optFns...)
}

func (s *Store) search(ctx context.Context, query []float32, k int, optFns []func(o *SearchOptions)) ([]SearchResult, error) {
	opts := DefaultSearchOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(query) != s.dim {
		return nil, &ErrDimensionMismatch{Expected: s.dim, Actual: len(query)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prepared := query
	if s.opts.metric == distance.MetricCosine {
		prepared = distance.NormalizeL2Copy(query)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if len(s.records) == 0 {
		return []SearchResult{}, nil
	}

	superset := 2 * k
	if opts.EFSearch > superset {
		superset = opts.EFSearch
	}

	candidates, err := s.idx.Candidates(ctx, prepared, superset)
	if err != nil {
		return nil, translateError(err)
	}

	results := make([]SearchResult, 0, len(candidates))

	// Divergence in either direction, a candidate row without a backing
	// record or a record the index no longer holds, is answered from the
	// records directly.
	consistent := s.idx.Len() == len(s.records)

	for _, cand := range candidates {
		if !consistent {
			break
		}
		rec, ok := s.records[cand.Row]
		if !ok {
			consistent = false
			break
		}
		if hit, ok := s.score(prepared, cand.Row, rec, opts); ok {
			results = append(results, hit)
		}
	}

	if !consistent {
		results, err = s.fullScan(ctx, prepared, opts)
		if err != nil {
			return nil, err
		}
	}

	return s.finish(results, k), nil
}

// fullScan scores every record. Used only when index and records have
// diverged in either direction.
func (s *Store) fullScan(ctx context.Context, query []float32, opts SearchOptions) ([]SearchResult, error) {
	results := make([]SearchResult, 0, len(s.records))

	scanned := 0
	for row, rec := range s.records {
		if scanned%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		scanned++

		if hit, ok := s.score(query, row, rec, opts); ok {
			results = append(results, hit)
		}
	}
	return results, nil
}

// score re-ranks one candidate with the exact metric and applies filters and
// threshold. Returns false when the record is filtered out.
func (s *Store) score(query []float32, row uint32, rec *record, opts SearchOptions) (SearchResult, bool) {
	if !matchesFilters(rec.metadata, opts.Filters) {
		return SearchResult{}, false
	}

	stored, ok := s.vectors.Get(row)
	if !ok {
		stored = s.quantizer.Decode(rec.code)
	}

	score := s.simFunc(query, stored)
	if score < opts.MinScore {
		return SearchResult{}, false
	}

	return SearchResult{ID: rec.id, Score: score, Metadata: maps.Clone(rec.metadata)}, true
}

// finish orders results by score descending, ties by id ascending, and
// truncates to k.
func (s *Store) finish(results []SearchResult, k int) []SearchResult {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results
}

// matchesFilters reports whether metadata satisfies every filter condition.
func matchesFilters(metadata, filters map[string]string) bool {
	for key, want := range filters {
		got, ok := metadata[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}
