// ABOUTME: Sliding-window allocation rate estimate used to trigger collections
// ABOUTME: Rate is bytes in the window over the observed span, floored at 100ms

package pacer

import (
	"sync"
	"time"
)

// minRateSpan keeps a burst of allocations from reporting an unbounded rate
const minRateSpan = 100 * time.Millisecond

type allocEvent struct {
	at    time.Time
	bytes uint64
}

// AllocationRateTracker keeps allocation events for a trailing window
type AllocationRateTracker struct {
	mu        sync.Mutex
	window    time.Duration
	threshold float64
	events    []allocEvent
	bytes     uint64
	now       func() time.Time
}

// NewAllocationRateTracker tracks allocations over window. threshold is
// the bytes-per-second rate that alone justifies a collection.
func NewAllocationRateTracker(window time.Duration, threshold float64) *AllocationRateTracker {
	return &AllocationRateTracker{
		window:    window,
		threshold: threshold,
		now:       time.Now,
	}
}

// Record notes an allocation of n bytes
func (t *AllocationRateTracker) Record(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.prune(now)
	t.events = append(t.events, allocEvent{at: now, bytes: n})
	t.bytes += n
}

// Rate returns bytes per second over the window
func (t *AllocationRateTracker) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.prune(now)
	if len(t.events) == 0 {
		return 0
	}
	span := max(now.Sub(t.events[0].at), minRateSpan)
	return float64(t.bytes) / span.Seconds()
}

// Threshold returns the configured trigger rate
func (t *AllocationRateTracker) Threshold() float64 {
	return t.threshold
}

// ShouldTriggerGC combines the allocation rate with the heap usage ratio
func (t *AllocationRateTracker) ShouldTriggerGC(ratio float64) bool {
	rate := t.Rate()
	switch {
	case rate > t.threshold:
		return true
	case ratio > 0.8:
		return true
	default:
		return rate > t.threshold/2 && ratio > 0.5
	}
}

// Reset forgets every event
func (t *AllocationRateTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = t.events[:0]
	t.bytes = 0
}

func (t *AllocationRateTracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.events) && t.events[i].at.Before(cutoff) {
		t.bytes -= t.events[i].bytes
		i++
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
