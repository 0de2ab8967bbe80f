// ABOUTME: Heap occupancy counter shared between the allocator and the collector
// ABOUTME: A single atomic word; no other state crosses that boundary

package pacer

import "sync/atomic"

// HeapUsage holds the allocator's current byte count against a fixed limit.
// It is safe for concurrent use.
type HeapUsage struct {
	used  atomic.Uint64
	limit uint64
}

// NewHeapUsage creates a counter for a heap of limit bytes
func NewHeapUsage(limit uint64) *HeapUsage {
	return &HeapUsage{limit: limit}
}

// Store replaces the current byte count
func (h *HeapUsage) Store(used uint64) {
	h.used.Store(used)
}

// Add grows the byte count and returns the new value
func (h *HeapUsage) Add(n uint64) uint64 {
	return h.used.Add(n)
}

// Sub shrinks the byte count, stopping at zero
func (h *HeapUsage) Sub(n uint64) uint64 {
	for {
		cur := h.used.Load()
		next := uint64(0)
		if cur > n {
			next = cur - n
		}
		if h.used.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Load returns the current byte count
func (h *HeapUsage) Load() uint64 {
	return h.used.Load()
}

// Limit returns the configured heap size
func (h *HeapUsage) Limit() uint64 {
	return h.limit
}

// Ratio returns used/limit. A zero limit reports zero.
func (h *HeapUsage) Ratio() float64 {
	if h.limit == 0 {
		return 0
	}
	return float64(h.used.Load()) / float64(h.limit)
}
