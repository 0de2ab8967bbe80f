// ABOUTME: Per-cycle pause accounting and cumulative collector counters
// ABOUTME: Mutated by the cycle coordinator at phase boundaries only

// Package gcstats records collector pause times and object counters.
package gcstats

import (
	"sync"
	"time"
)

// historySize bounds the recent pause window handed to the pacer
const historySize = 10

// Stats is a point-in-time copy of the collector counters
type Stats struct {
	AvgPause   time.Duration // Mean pause per completed cycle
	MaxPause   time.Duration // Longest cycle pause
	MinPause   time.Duration // Shortest cycle pause
	LastPause  time.Duration // Pause of the most recent cycle
	TotalPause time.Duration // Sum of all cycle pauses

	// Longest stop-the-world window spent in mark termination
	MaxTerminationPause time.Duration

	Cycles        uint64 // Completed cycles
	ObjectsMarked uint64 // Objects blackened across all cycles
	ObjectsFreed  uint64 // Objects reclaimed across all cycles
	BarrierEdges  uint64 // Edges recorded by the write barrier
}

// Cycle describes one finished collection
type Cycle struct {
	Pause            time.Duration
	TerminationPause time.Duration
	Marked           uint64
	Freed            uint64
	BarrierEdges     uint64
}

// Recorder accumulates Stats. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	stats  Stats
	recent []time.Duration
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{
		recent: make([]time.Duration, 0, historySize),
	}
}

// RecordCycle folds a finished cycle into the counters
func (r *Recorder) RecordCycle(c Cycle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.stats
	s.Cycles++
	s.LastPause = c.Pause
	s.TotalPause += c.Pause
	if c.Pause > s.MaxPause {
		s.MaxPause = c.Pause
	}
	if s.Cycles == 1 || c.Pause < s.MinPause {
		s.MinPause = c.Pause
	}
	s.AvgPause = s.TotalPause / time.Duration(s.Cycles)
	if c.TerminationPause > s.MaxTerminationPause {
		s.MaxTerminationPause = c.TerminationPause
	}
	s.ObjectsMarked += c.Marked
	s.ObjectsFreed += c.Freed
	s.BarrierEdges += c.BarrierEdges

	if len(r.recent) == historySize {
		copy(r.recent, r.recent[1:])
		r.recent = r.recent[:historySize-1]
	}
	r.recent = append(r.recent, c.Pause)
}

// Snapshot returns a copy of the current counters
func (r *Recorder) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// RecentPauses returns up to the last ten cycle pauses, oldest first
func (r *Recorder) RecentPauses() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.recent))
	copy(out, r.recent)
	return out
}

// AveragePause returns the mean of RecentPauses, or zero
func (r *Recorder) AveragePause() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.recent) == 0 {
		return 0
	}
	var sum time.Duration
	for _, p := range r.recent {
		sum += p
	}
	return sum / time.Duration(len(r.recent))
}

// Reset clears all counters
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = Stats{}
	r.recent = r.recent[:0]
}
