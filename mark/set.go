// ABOUTME: Concurrent tri-color mark state keyed by opaque heap address
// ABOUTME: Striped maps let mutator barriers read colors while the marker writes

package mark

import (
	"sync"
	"sync/atomic"

	"github.com/prateek/heapgc/graph"
)

// Color is the tri-color marking state of an object
type Color uint8

const (
	White Color = iota // Not yet visited
	Gray               // Visited, children not scanned
	Black              // Visited, children scanned
)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Gray:
		return "gray"
	case Black:
		return "black"
	default:
		return "unknown"
	}
}

const stripeBits = 6
const numStripes = 1 << stripeBits

type stripe struct {
	mu     sync.RWMutex
	colors map[graph.Addr]Color
}

// Set maps addresses to colors. Absent addresses are White.
type Set struct {
	stripes [numStripes]stripe
	frozen  atomic.Bool
	count   atomic.Int64
}

// NewSet creates an empty mark set
func NewSet() *Set {
	s := &Set{}
	for i := range s.stripes {
		s.stripes[i].colors = make(map[graph.Addr]Color)
	}
	return s
}

func (s *Set) stripeFor(a graph.Addr) *stripe {
	// Fibonacci hashing, top bits select the stripe
	return &s.stripes[(uint64(a)*0x9e3779b97f4a7c15)>>(64-stripeBits)]
}

// Color returns the current color of a
func (s *Set) Color(a graph.Addr) Color {
	st := s.stripeFor(a)
	st.mu.RLock()
	c := st.colors[a]
	st.mu.RUnlock()
	return c
}

// Shade turns a White object Gray and reports whether it did.
// A frozen set is never modified.
func (s *Set) Shade(a graph.Addr) bool {
	if a == graph.Nil || s.frozen.Load() {
		return false
	}
	st := s.stripeFor(a)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.colors[a] != White {
		return false
	}
	st.colors[a] = Gray
	s.count.Add(1)
	return true
}

// Blacken marks a as fully scanned
func (s *Set) Blacken(a graph.Addr) {
	if a == graph.Nil || s.frozen.Load() {
		return
	}
	st := s.stripeFor(a)
	st.mu.Lock()
	if st.colors[a] == White {
		s.count.Add(1)
	}
	st.colors[a] = Black
	st.mu.Unlock()
}

// Contains reports whether a is marked (Gray or Black)
func (s *Set) Contains(a graph.Addr) bool {
	return s.Color(a) != White
}

// Len returns the number of non-White objects
func (s *Set) Len() int {
	return int(s.count.Load())
}

// ForEach calls fn for every non-White object. fn must not modify the set.
func (s *Set) ForEach(fn func(a graph.Addr, c Color)) {
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.RLock()
		for a, c := range st.colors {
			fn(a, c)
		}
		st.mu.RUnlock()
	}
}

// Freeze makes the set read-only until the next Reset
func (s *Set) Freeze() {
	s.frozen.Store(true)
}

// Frozen reports whether Freeze was called since the last Reset
func (s *Set) Frozen() bool {
	return s.frozen.Load()
}

// Reset whitens every object and unfreezes the set
func (s *Set) Reset() {
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.Lock()
		clear(st.colors)
		st.mu.Unlock()
	}
	s.count.Store(0)
	s.frozen.Store(false)
}
