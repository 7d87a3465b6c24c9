package service

import "time"

// windowCounter counts events over a sliding window split into fixed-width buckets.
// Adding an event is O(1) amortized: buckets that fall out of the window are
// cleared as time advances, and a running sum avoids rescanning.
type windowCounter struct {
	buckets []int
	width   int64 // nanoseconds per bucket
	last    int64 // absolute index of the newest bucket
	sum     int
	started bool
}

func newWindowCounter(window time.Duration, buckets int) *windowCounter {
	if buckets <= 0 {
		buckets = 1
	}
	width := int64(window) / int64(buckets)
	if width <= 0 {
		width = 1
	}
	return &windowCounter{buckets: make([]int, buckets), width: width}
}

// add counts one event at t and returns the total within the window.
// Events older than the newest bucket are counted in the newest bucket.
func (w *windowCounter) add(t time.Time) int {
	idx := t.UnixNano() / w.width
	w.advance(idx)
	if idx < w.last {
		idx = w.last
	}
	w.buckets[idx%int64(len(w.buckets))]++
	w.sum++
	return w.sum
}

// count returns the total within the window ending at t
func (w *windowCounter) count(t time.Time) int {
	w.advance(t.UnixNano() / w.width)
	return w.sum
}

func (w *windowCounter) advance(idx int64) {
	if !w.started {
		w.last = idx
		w.started = true
		return
	}
	if idx <= w.last {
		return
	}
	n := int64(len(w.buckets))
	if idx-w.last >= n {
		w.clear()
	} else {
		for i := w.last + 1; i <= idx; i++ {
			slot := i % n
			w.sum -= w.buckets[slot]
			w.buckets[slot] = 0
		}
	}
	w.last = idx
}

func (w *windowCounter) clear() {
	for i := range w.buckets {
		w.buckets[i] = 0
	}
	w.sum = 0
}
