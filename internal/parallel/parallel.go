// Package parallel splits element loops over large tensors across goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum elements per goroutine.
}

// WithWorkers returns a config using n workers; n <= 0 means CPU count.
func WithWorkers(n int) Config {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 4096, // below this goroutine overhead dominates
	}
}

// Chunks calls f on disjoint [lo, hi) ranges covering [0, n) and returns
// the number of ranges. Ranges are numbered in order, so callers can keep
// per-chunk partial results in a slice of that length.
func Chunks(n int, f func(chunk, lo, hi int), cfg Config) int {
	if n <= 0 {
		return 0
	}
	if !cfg.Enabled || cfg.NumWorkers <= 1 || n < 2*cfg.MinChunkSize {
		f(0, 0, n)
		return 1
	}

	chunkSize := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)
	count := (n + chunkSize - 1) / chunkSize

	var wg sync.WaitGroup
	for c := range count {
		lo := c * chunkSize
		hi := min(lo+chunkSize, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(c, lo, hi)
		}()
	}
	wg.Wait()
	return count
}

// NumChunks returns how many ranges Chunks will use for n elements.
func NumChunks(n int, cfg Config) int {
	if n <= 0 {
		return 0
	}
	if !cfg.Enabled || cfg.NumWorkers <= 1 || n < 2*cfg.MinChunkSize {
		return 1
	}
	chunkSize := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)
	return (n + chunkSize - 1) / chunkSize
}
