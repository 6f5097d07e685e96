// Package sampler draws a subset of sample identifiers and splits it into
// fixed-size processing chunks.
package sampler

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Count returns how many of n identifiers a percent selection keeps:
// floor(n * percent / 100).
func Count(n int, percent float64) int {
	return int(math.Floor(float64(n) * percent / 100))
}

// Select draws Count(len(ids), percent) identifiers uniformly at random
// without replacement. The result is in draw order; ids is not modified.
// percent must be in (0, 100].
func Select(ids []string, percent float64, rng *rand.Rand) ([]string, error) {
	if math.IsNaN(percent) || percent <= 0 || percent > 100 {
		return nil, errors.Errorf("sampler: percent must be in (0, 100], got %g", percent)
	}
	if rng == nil {
		return nil, errors.New("sampler: nil random source")
	}
	n := Count(len(ids), percent)
	perm := rng.Perm(len(ids))
	selected := make([]string, n)
	for i := range n {
		selected[i] = ids[perm[i]]
	}
	return selected, nil
}

// NumChunks returns ceil(m / size), the number of chunks Chunks produces.
func NumChunks(m, size int) int {
	if size < 1 {
		return 0
	}
	return (m + size - 1) / size
}

// Chunks partitions ids into consecutive chunks of at most size identifiers.
// The chunks share the backing array of ids.
func Chunks(ids []string, size int) ([][]string, error) {
	if size < 1 {
		return nil, errors.Errorf("sampler: chunk size must be a positive integer, got %d", size)
	}
	chunks := make([][]string, 0, NumChunks(len(ids), size))
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end:end])
	}
	return chunks, nil
}
