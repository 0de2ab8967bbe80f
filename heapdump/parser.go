// ABOUTME: Parser interface for heap snapshot formats
// ABOUTME: A parsed snapshot is an in-memory heap plus its root set

package heapdump

import (
	"io"

	"github.com/prateek/heapgc/graph"
)

// Snapshot is a heap loaded from a dump, ready to be collected
type Snapshot struct {
	Heap  *graph.MemHeap
	Roots []graph.Addr
}

// Parser is the interface for heap snapshot parsers
type Parser interface {
	// CanParse checks if this parser can handle the given dump format.
	// The reader is a preview of the first bytes only.
	CanParse(r io.Reader) bool

	// Parse reads the dump from the start and builds a snapshot
	Parse(r io.Reader) (*Snapshot, error)
}
