// ABOUTME: Mutator handle combining the safepoint protocol and the write barrier
// ABOUTME: One per goroutine that stores pointers into the heap

package collector

import (
	"github.com/prateek/heapgc/graph"
	"github.com/prateek/heapgc/safepoint"
)

// Mutator is a registered heap-mutating goroutine. Call Safepoint
// regularly, and wrap calls that may block for long in
// EnterBlocking/ExitBlocking, or TerminateMarking times out.
type Mutator struct {
	c  *Collector
	sp *safepoint.Mutator
}

// RegisterMutator adds the calling goroutine to the rendezvous. If the
// world is stopped it waits until marking termination ends.
func (c *Collector) RegisterMutator() *Mutator {
	return &Mutator{c: c, sp: c.world.Register()}
}

// NumMutators returns the number of registered mutators
func (c *Collector) NumMutators() int {
	return c.world.NumMutators()
}

// WriteBarrier reports the store parent -> child
func (m *Mutator) WriteBarrier(parent, child graph.Addr) {
	m.c.WriteBarrier(parent, child)
}

// Allocated reports a freshly allocated object
func (m *Mutator) Allocated(addr graph.Addr, size uint64) {
	m.c.Allocated(addr, size)
}

// Safepoint parks the goroutine while the collector has the world stopped
func (m *Mutator) Safepoint() {
	m.sp.Safepoint()
}

func (m *Mutator) EnterBlocking() {
	m.sp.EnterBlocking()
}

func (m *Mutator) ExitBlocking() {
	m.sp.ExitBlocking()
}

// Unregister removes the mutator from the rendezvous
func (m *Mutator) Unregister() {
	m.sp.Unregister()
}
