// Package kmeans implements Lloyd's algorithm over flattened vector slabs.
// It is the clustering primitive behind IVF centroid training and product
// quantization codebooks.
package kmeans

import (
	"math"
	"math/rand"
	"sort"

	"github.com/strandvec/strandvec/distance"
)

// Train trains k centroids from the given vectors using Lloyd's algorithm.
// vectors is a flattened n*dim slab. It returns the flattened centroids
// (k*dim), or nil if there are fewer than k vectors.
func Train(vectors []float32, dim, k int, metric distance.Metric, maxIter int, rng *rand.Rand) ([]float32, error) {
	n := len(vectors) / dim
	if n < k {
		return nil, nil
	}

	distFunc, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	centroids := seed(vectors, dim, k, n, distFunc, rng)

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		changed := false

		for i := 0; i < n; i++ {
			vec := vectors[i*dim : (i+1)*dim]
			best := -1
			minDist := float32(math.MaxFloat32)

			for j := 0; j < k; j++ {
				d := distFunc(vec, centroids[j*dim:(j+1)*dim])
				if d < minDist {
					minDist = d
					best = j
				}
			}

			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		if !changed {
			break
		}

		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}

		for i := 0; i < n; i++ {
			c := assignments[i]
			vec := vectors[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[c*dim+d] += vec[d]
			}
			counts[c]++
		}

		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				scale := 1.0 / float32(counts[j])
				for d := 0; d < dim; d++ {
					centroids[j*dim+d] = sums[j*dim+d] * scale
				}
			} else {
				// Re-seed empty cluster with a random point.
				idx := rng.Intn(n)
				copy(centroids[j*dim:(j+1)*dim], vectors[idx*dim:(idx+1)*dim])
			}
		}
	}

	return centroids, nil
}

// seed picks initial centroids with kmeans++ D^2 sampling: each next seed is
// drawn proportionally to its squared distance from the seeds so far, which
// spreads the seeds across separated clusters.
func seed(vectors []float32, dim, k, n int, distFunc distance.Func, rng *rand.Rand) []float32 {
	centroids := make([]float32, 0, k*dim)

	first := rng.Intn(n)
	centroids = append(centroids, vectors[first*dim:(first+1)*dim]...)

	dists := make([]float64, n)
	for len(centroids) < k*dim {
		last := centroids[len(centroids)-dim:]

		var total float64
		for i := 0; i < n; i++ {
			d := float64(distFunc(vectors[i*dim:(i+1)*dim], last))
			if len(centroids) == dim || d < dists[i] {
				dists[i] = d
			}
			total += dists[i]
		}

		next := 0
		if total > 0 {
			target := rng.Float64() * total
			for i := 0; i < n; i++ {
				target -= dists[i]
				if target <= 0 {
					next = i
					break
				}
			}
		} else {
			next = rng.Intn(n)
		}

		centroids = append(centroids, vectors[next*dim:(next+1)*dim]...)
	}

	return centroids
}

// Assign finds the closest centroid for a vector.
func Assign(vec, centroids []float32, dim int, metric distance.Metric) (int, error) {
	distFunc, err := distance.Provider(metric)
	if err != nil {
		return -1, err
	}

	k := len(centroids) / dim
	best := -1
	minDist := float32(math.MaxFloat32)

	for j := 0; j < k; j++ {
		d := distFunc(vec, centroids[j*dim:(j+1)*dim])
		if d < minDist {
			minDist = d
			best = j
		}
	}

	return best, nil
}

type centroidDist struct {
	id   int
	dist float32
}

// Closest returns the indices of the n closest centroids to the query vector.
func Closest(query, centroids []float32, dim, n int, metric distance.Metric) ([]int, error) {
	distFunc, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	k := len(centroids) / dim
	if n > k {
		n = k
	}

	dists := make([]centroidDist, k)
	for i := 0; i < k; i++ {
		dists[i] = centroidDist{id: i, dist: distFunc(query, centroids[i*dim:(i+1)*dim])}
	}

	sort.Slice(dists, func(i, j int) bool {
		if dists[i].dist != dists[j].dist {
			return dists[i].dist < dists[j].dist
		}
		return dists[i].id < dists[j].id
	})

	result := make([]int, n)
	for i := 0; i < n; i++ {
		result[i] = dists[i].id
	}

	return result, nil
}
