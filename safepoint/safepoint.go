// ABOUTME: Generation-counter rendezvous between the collector and mutator goroutines
// ABOUTME: Stop waits, with a deadline, until every mutator parks or is blocked

// Package safepoint implements the stop-the-world handshake used during
// mark termination.
//
// Each Stop opens a new generation. A mutator acknowledges it by reaching
// Safepoint, where it parks until Start. A mutator inside a blocking
// region counts as acknowledged and parks when it leaves the region. A
// goroutine that calls Stop while registered as a mutator must do so from
// inside a blocking region, or it waits on itself.
package safepoint

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrTimeout is returned when mutators did not quiesce before the deadline
	ErrTimeout = errors.New("safepoint rendezvous timed out")
	// ErrAlreadyStopped is returned by Stop while a stop is in effect
	ErrAlreadyStopped = errors.New("world already stopped")
)

// Coordinator tracks the registered mutators
type Coordinator struct {
	mu       sync.Mutex
	cond     *sync.Cond
	gen      uint64
	stopping atomic.Bool
	stopped  bool
	mutators map[*Mutator]struct{}
}

// Mutator is one goroutine that mutates the heap. Its methods must be
// called from that goroutine only.
type Mutator struct {
	c        *Coordinator
	acked    uint64
	blocking int
	active   bool
}

// NewCoordinator creates a coordinator with no mutators
func NewCoordinator() *Coordinator {
	c := &Coordinator{mutators: make(map[*Mutator]struct{})}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Register adds a mutator. During a stop it waits for Start first.
func (c *Coordinator) Register() *Mutator {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.stopping.Load() {
		c.cond.Wait()
	}
	m := &Mutator{c: c, acked: c.gen, active: true}
	c.mutators[m] = struct{}{}
	return m
}

// NumMutators returns the number of registered mutators
func (c *Coordinator) NumMutators() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mutators)
}

// Generation returns the number of stops requested so far
func (c *Coordinator) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Stopped reports whether the world is currently stopped
func (c *Coordinator) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Stop requests a new generation and waits until every mutator has
// acknowledged it or timeout elapses. On timeout the request is withdrawn,
// parked mutators resume and ErrTimeout is returned.
func (c *Coordinator) Stop(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping.Load() {
		return ErrAlreadyStopped
	}

	c.gen++
	c.stopping.Store(true)
	deadline := time.Now().Add(timeout)

	// Wake the wait loop at the deadline even if no mutator moves
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	for {
		waiting := c.waitingLocked()
		if waiting == 0 {
			c.stopped = true
			return nil
		}
		if !time.Now().Before(deadline) {
			c.stopping.Store(false)
			c.cond.Broadcast()
			return fmt.Errorf("%d of %d mutators after %s: %w", waiting, len(c.mutators), timeout, ErrTimeout)
		}
		c.cond.Wait()
	}
}

// Start resumes parked mutators
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopping.Store(false)
	c.stopped = false
	c.cond.Broadcast()
}

func (c *Coordinator) waitingLocked() int {
	n := 0
	for m := range c.mutators {
		if m.blocking == 0 && m.acked != c.gen {
			n++
		}
	}
	return n
}

// Safepoint parks the mutator while a stop is requested. Without a
// pending request it is a single atomic load.
func (m *Mutator) Safepoint() {
	c := m.c
	if !c.stopping.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m.parkLocked()
}

func (m *Mutator) parkLocked() {
	c := m.c
	for c.stopping.Load() && m.active {
		if m.acked != c.gen {
			m.acked = c.gen
			c.cond.Broadcast()
		}
		c.cond.Wait()
	}
}

// EnterBlocking declares that the mutator will not touch the heap until
// ExitBlocking, e.g. around a system call. Regions nest.
func (m *Mutator) EnterBlocking() {
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()
	m.blocking++
	if m.blocking == 1 {
		c.cond.Broadcast()
	}
}

// ExitBlocking leaves a blocking region, parking first if the world is
// stopped.
func (m *Mutator) ExitBlocking() {
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.blocking == 0 {
		return
	}
	m.blocking--
	if m.blocking == 0 {
		m.parkLocked()
	}
}

// Unregister removes the mutator. It must not be used afterwards.
func (m *Mutator) Unregister() {
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if !m.active {
		return
	}
	m.active = false
	delete(c.mutators, m)
	c.cond.Broadcast()
}
