// ABOUTME: Registry for heap snapshot parsers
// ABOUTME: Selects the parser whose format matches the first bytes of a dump

package heapdump

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrNoParser is returned when no parser can handle the dump format
var ErrNoParser = errors.New("no parser found for dump format")

// detectSize is how much of a dump parsers get to look at
const detectSize = 4096

type parserRegistry struct {
	mu      sync.RWMutex
	parsers []Parser
}

var registry = &parserRegistry{}

// Register adds a parser. Parsers are tried in registration order.
func Register(p Parser) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.parsers = append(registry.parsers, p)
}

// Open reads a dump with the first registered parser that accepts it
func Open(r io.Reader) (*Snapshot, error) {
	head := make([]byte, detectSize)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	head = head[:n]

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	for _, parser := range registry.parsers {
		if parser.CanParse(bytes.NewReader(head)) {
			return parser.Parse(io.MultiReader(bytes.NewReader(head), r))
		}
	}
	return nil, ErrNoParser
}

// OpenFile opens the dump at path
func OpenFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	snap, err := Open(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return snap, nil
}
