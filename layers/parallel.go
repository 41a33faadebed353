package layers

import (
	"runtime"
	"sync"
)

// workerCount bounds the fan-out used for per-sample work inside a batch
func workerCount(n int) int {
	w := runtime.GOMAXPROCS(0)
	if n < w {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

// parallelFor runs fn(worker, i) for every i in [0, n) on workerCount(n)
// goroutines. Each worker processes a contiguous block of indices so that
// per-worker accumulators can be summed in a fixed order afterwards.
func parallelFor(n int, fn func(worker, i int)) {
	workers := workerCount(n)
	if workers == 1 {
		for i := 0; i < n; i++ {
			fn(0, i)
		}
		return
	}

	var wg sync.WaitGroup
	chunk := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(worker, start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				fn(worker, i)
			}
		}(w, start, end)
	}
	wg.Wait()
}
