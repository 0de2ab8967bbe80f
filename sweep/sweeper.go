// ABOUTME: Incremental reclamation over a per-cycle snapshot of allocated addresses
// ABOUTME: Serial and parallel paths free the same set; only wall-clock differs

// Package sweep frees unmarked objects after marking has terminated.
package sweep

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prateek/heapgc/graph"
)

// checkInterval is how many objects the serial path frees between clock reads
const checkInterval = 64

// Marks answers whether an address survived marking
type Marks interface {
	Contains(addr graph.Addr) bool
}

// Freer releases unreachable objects. The parallel path calls Free from
// several goroutines at once.
type Freer interface {
	Free(addr graph.Addr) error
}

// Sweeper walks the sweep list once per cycle
type Sweeper struct {
	mu        sync.Mutex
	freer     Freer
	batchSize int
	workers   int

	list   []graph.Addr
	marked Marks
	cursor int
	freed  atomic.Uint64
	now    func() time.Time
}

// New creates a sweeper. batchSize is the parallel chunk length and workers
// bounds the concurrent chunks; values below one are raised to one.
func New(freer Freer, batchSize, workers int) *Sweeper {
	return &Sweeper{
		freer:     freer,
		batchSize: max(batchSize, 1),
		workers:   max(workers, 1),
		now:       time.Now,
	}
}

// Prepare captures the sweep list and final mark set for this cycle
func (s *Sweeper) Prepare(all []graph.Addr, marked Marks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = all
	s.marked = marked
	s.cursor = 0
	s.freed.Store(0)
}

// Reset drops the sweep list
func (s *Sweeper) Reset() {
	s.Prepare(nil, nil)
}

// Remaining returns how many addresses are left to examine
func (s *Sweeper) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list) - s.cursor
}

// Total returns the length of the sweep list
func (s *Sweeper) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// Freed returns how many objects were freed since Prepare
func (s *Sweeper) Freed() uint64 {
	return s.freed.Load()
}

// Step frees unmarked objects until the list is exhausted or quota has
// elapsed. complete reports that the list is exhausted.
func (s *Sweeper) Step(quota time.Duration, parallel bool) (complete bool, freed uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if parallel && s.workers > 1 {
		freed, err = s.stepParallel(quota)
	} else {
		freed, err = s.stepSerial(quota)
	}
	s.freed.Add(freed)
	return s.cursor >= len(s.list), freed, err
}

func (s *Sweeper) stepSerial(quota time.Duration) (uint64, error) {
	start := s.now()
	var freed uint64
	examined := 0
	for s.cursor < len(s.list) {
		if examined > 0 && examined%checkInterval == 0 && s.now().Sub(start) >= quota {
			break
		}
		addr := s.list[s.cursor]
		s.cursor++
		examined++
		if s.marked != nil && s.marked.Contains(addr) {
			continue
		}
		if err := s.freer.Free(addr); err != nil {
			return freed, fmt.Errorf("freeing %s: %w", addr, err)
		}
		freed++
	}
	return freed, nil
}

// stepParallel hands out waves of up to workers chunks and only consults
// the clock between waves.
func (s *Sweeper) stepParallel(quota time.Duration) (uint64, error) {
	start := s.now()
	var freed atomic.Uint64
	waves := 0
	for s.cursor < len(s.list) {
		if waves > 0 && s.now().Sub(start) >= quota {
			break
		}
		waves++

		var g errgroup.Group
		g.SetLimit(s.workers)
		for w := 0; w < s.workers && s.cursor < len(s.list); w++ {
			end := min(s.cursor+s.batchSize, len(s.list))
			chunk := s.list[s.cursor:end]
			s.cursor = end
			g.Go(func() error {
				var local uint64
				defer func() { freed.Add(local) }()
				for _, addr := range chunk {
					if s.marked != nil && s.marked.Contains(addr) {
						continue
					}
					if err := s.freer.Free(addr); err != nil {
						return fmt.Errorf("freeing %s: %w", addr, err)
					}
					local++
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return freed.Load(), err
		}
	}
	return freed.Load(), nil
}
