package stream

import "sync/atomic"

// window counts lines sent but not yet acknowledged. With one exchange at
// a time the count only ever reaches 1; the bound is kept so a pipelined
// exchange can be added without touching the engines.
type window struct {
	size     int64
	inFlight atomic.Int64
	max      atomic.Int64
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{size: int64(size)}
}

func (w *window) full() bool {
	return w.inFlight.Load() >= w.size
}

func (w *window) acquire() int64 {
	n := w.inFlight.Add(1)
	for {
		m := w.max.Load()
		if n <= m || w.max.CompareAndSwap(m, n) {
			return n
		}
	}
}

// release never takes the count below zero
func (w *window) release() int64 {
	for {
		n := w.inFlight.Load()
		if n <= 0 {
			return 0
		}
		if w.inFlight.CompareAndSwap(n, n-1) {
			return n - 1
		}
	}
}

func (w *window) reset() {
	w.inFlight.Store(0)
}
