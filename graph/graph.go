// ABOUTME: Collaborator contract between the collector and the object model
// ABOUTME: Provides the Heap interface and an in-memory reference allocator

package graph

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

var (
	// ErrUnknownObject is returned when an address is not allocated
	ErrUnknownObject = errors.New("unknown object")

	// ErrDuplicateObject is returned when an address is allocated twice
	ErrDuplicateObject = errors.New("object already allocated")
)

// Heap is implemented by the allocator / object model and consumed by the collector.
// ForEachChild and Free may be called from several goroutines at once.
type Heap interface {
	// ForEachChild calls fn for every reference held by addr
	ForEachChild(addr Addr, fn func(child Addr)) error

	// Free releases an unreachable object
	Free(addr Addr) error

	// Objects enumerates every currently allocated address
	Objects() []Addr
}

// MemHeap is an in-memory Heap used by tests and snapshot replay
type MemHeap struct {
	mu      sync.RWMutex
	objects map[Addr]*Object
	used    atomic.Uint64
	freed   atomic.Uint64
}

var _ Heap = (*MemHeap)(nil)

// NewMemHeap creates an empty heap
func NewMemHeap() *MemHeap {
	return &MemHeap{
		objects: make(map[Addr]*Object),
	}
}

// Alloc registers a new object of the given size
func (h *MemHeap) Alloc(addr Addr, size uint64) error {
	if addr == Nil {
		return fmt.Errorf("alloc %s: %w", addr, ErrUnknownObject)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.objects[addr]; exists {
		return fmt.Errorf("alloc %s: %w", addr, ErrDuplicateObject)
	}
	h.objects[addr] = &Object{Addr: addr, Size: size}
	h.used.Add(size)
	return nil
}

// Link stores a reference from parent to child. The caller runs the write
// barrier afterwards.
func (h *MemHeap) Link(parent, child Addr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	obj, ok := h.objects[parent]
	if !ok {
		return fmt.Errorf("link %s -> %s: %w", parent, child, ErrUnknownObject)
	}
	obj.Ptrs = append(obj.Ptrs, child)
	return nil
}

// Unlink removes one reference from parent to child, reporting whether one existed
func (h *MemHeap) Unlink(parent, child Addr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	obj, ok := h.objects[parent]
	if !ok {
		return false
	}
	if i := slices.Index(obj.Ptrs, child); i >= 0 {
		obj.Ptrs = slices.Delete(obj.Ptrs, i, i+1)
		return true
	}
	return false
}

// Get returns a copy of the object at addr, or nil
func (h *MemHeap) Get(addr Addr) *Object {
	h.mu.RLock()
	defer h.mu.RUnlock()
	obj, ok := h.objects[addr]
	if !ok {
		return nil
	}
	cp := *obj
	cp.Ptrs = slices.Clone(obj.Ptrs)
	return &cp
}

// Contains reports whether addr is allocated
func (h *MemHeap) Contains(addr Addr) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.objects[addr]
	return ok
}

// ForEachChild implements Heap. The reference list is copied before fn runs
// so fn may take other locks.
func (h *MemHeap) ForEachChild(addr Addr, fn func(child Addr)) error {
	h.mu.RLock()
	obj, ok := h.objects[addr]
	var ptrs []Addr
	if ok {
		ptrs = slices.Clone(obj.Ptrs)
	}
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("children of %s: %w", addr, ErrUnknownObject)
	}
	for _, p := range ptrs {
		if p != Nil {
			fn(p)
		}
	}
	return nil
}

// Free implements Heap
func (h *MemHeap) Free(addr Addr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	obj, ok := h.objects[addr]
	if !ok {
		return fmt.Errorf("free %s: %w", addr, ErrUnknownObject)
	}
	delete(h.objects, addr)
	h.used.Add(^(obj.Size - 1))
	h.freed.Add(1)
	return nil
}

// Objects implements Heap. Addresses are returned in ascending order.
func (h *MemHeap) Objects() []Addr {
	h.mu.RLock()
	addrs := make([]Addr, 0, len(h.objects))
	for addr := range h.objects {
		addrs = append(addrs, addr)
	}
	h.mu.RUnlock()
	slices.Sort(addrs)
	return addrs
}

// NumObjects returns the number of live objects
func (h *MemHeap) NumObjects() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.objects)
}

// UsedBytes returns the total size of live objects
func (h *MemHeap) UsedBytes() uint64 {
	return h.used.Load()
}

// FreedCount returns how many objects have been freed so far
func (h *MemHeap) FreedCount() uint64 {
	return h.freed.Load()
}
