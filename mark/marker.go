// ABOUTME: Incremental tri-color tracer holding the gray worklist
// ABOUTME: Runs quota-bounded mark steps against the allocator's child callback

// Package mark implements incremental tri-color marking.
package mark

import (
	"fmt"
	"sync"
	"time"

	"github.com/prateek/heapgc/graph"
)

// checkInterval is how many objects are scanned between clock reads
const checkInterval = 64

// ChildEnumerator is the part of graph.Heap the marker needs
type ChildEnumerator interface {
	ForEachChild(addr graph.Addr, fn func(child graph.Addr)) error
}

// Marker owns the gray worklist. Step and Shade may be called from
// different goroutines; they serialize on an internal lock.
type Marker struct {
	mu     sync.Mutex
	heap   ChildEnumerator
	marks  *Set
	work   []graph.Addr
	marked uint64
	now    func() time.Time
}

// NewMarker creates a marker that scans heap and colors marks
func NewMarker(heap ChildEnumerator, marks *Set) *Marker {
	return &Marker{
		heap:  heap,
		marks: marks,
		now:   time.Now,
	}
}

// Marks returns the mark set the marker colors
func (m *Marker) Marks() *Set {
	return m.marks
}

// Reset empties the worklist, whitens the mark set and shades roots Gray
func (m *Marker) Reset(roots []graph.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks.Reset()
	m.work = m.work[:0]
	m.marked = 0
	for _, r := range roots {
		if m.marks.Shade(r) {
			m.work = append(m.work, r)
		}
	}
}

// Shade greys a White object and queues it for scanning
func (m *Marker) Shade(a graph.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marks.Shade(a) {
		m.work = append(m.work, a)
		return true
	}
	return false
}

// Pending returns the worklist length
func (m *Marker) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.work)
}

// Marked returns how many objects were blackened since Reset
func (m *Marker) Marked() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marked
}

// Step scans Gray objects until the worklist is empty or quota has elapsed.
// The clock is read every checkInterval objects, so a step overshoots the
// quota by at most that many scans. At least one object is scanned when work
// exists. complete reports that the worklist is empty right now.
func (m *Marker) Step(quota time.Duration) (complete bool, marked uint64, err error) {
	return m.step(quota, false)
}

// Drain scans until the worklist is empty, ignoring any time budget
func (m *Marker) Drain() (marked uint64, err error) {
	_, marked, err = m.step(0, true)
	return marked, err
}

func (m *Marker) step(quota time.Duration, unbounded bool) (bool, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.now()
	var n uint64
	for len(m.work) > 0 {
		if !unbounded && n > 0 && n%checkInterval == 0 && m.now().Sub(start) >= quota {
			return false, n, nil
		}

		last := len(m.work) - 1
		addr := m.work[last]
		m.work = m.work[:last]

		// Blacken before reading children: a store into addr that the
		// scan misses happens after this point, so the barrier sees a
		// Black parent and records it.
		m.marks.Blacken(addr)
		err := m.heap.ForEachChild(addr, func(child graph.Addr) {
			if m.marks.Shade(child) {
				m.work = append(m.work, child)
			}
		})
		n++
		m.marked++
		if err != nil {
			return false, n, fmt.Errorf("scanning %s: %w", addr, err)
		}
	}
	return true, n, nil
}
