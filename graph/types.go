// ABOUTME: Core data types shared between the collector and its allocator
// ABOUTME: Defines the opaque heap address and the reference object record

package graph

import "fmt"

// Addr is an opaque heap address. The collector never dereferences it.
type Addr uint64

// Nil is the zero address. It is never a valid object.
const Nil Addr = 0

// String formats the address as hex.
func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Object is a heap object as tracked by MemHeap
type Object struct {
	Addr Addr   // Heap address
	Size uint64 // Size in bytes
	Ptrs []Addr // Outgoing references
}
