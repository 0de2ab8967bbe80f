// ABOUTME: JSON heap snapshot parser used for fixtures and tooling
// ABOUTME: Reads {"objects":[{"addr","size","ptrs"}],"roots":[]} with gjson

package heapdump

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/prateek/heapgc/graph"
)

// JSONParser reads JSON snapshots. Addresses are numbers or strings in any
// base strconv accepts, so "0x1000" works.
type JSONParser struct{}

// CanParse checks for a JSON object that mentions "objects"
func (p *JSONParser) CanParse(r io.Reader) bool {
	buf := make([]byte, 1024)
	n, err := r.Read(buf)
	if err != nil && err != io.EOF {
		return false
	}
	head := bytes.TrimSpace(buf[:n])
	return len(head) > 0 && head[0] == '{' && bytes.Contains(head, []byte(`"objects"`))
}

// Parse reads the snapshot and builds the heap
func (p *JSONParser) Parse(r io.Reader) (*Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid json snapshot")
	}

	jsonData := gjson.ParseBytes(data)
	objects := jsonData.Get("objects")
	if !objects.IsArray() {
		return nil, fmt.Errorf("objects must be an array")
	}

	type pending struct {
		addr graph.Addr
		ptrs []graph.Addr
	}
	var links []pending
	h := graph.NewMemHeap()

	var parseErr error
	objects.ForEach(func(idx, obj gjson.Result) bool {
		addr, err := parseAddr(obj.Get("addr"))
		if err != nil {
			parseErr = fmt.Errorf("object %d: addr: %w", idx.Int(), err)
			return false
		}
		if err := h.Alloc(addr, obj.Get("size").Uint()); err != nil {
			parseErr = fmt.Errorf("object %d: %w", idx.Int(), err)
			return false
		}
		var ptrs []graph.Addr
		obj.Get("ptrs").ForEach(func(_, v gjson.Result) bool {
			var ptr graph.Addr
			ptr, parseErr = parseAddr(v)
			if parseErr != nil {
				parseErr = fmt.Errorf("object %s: ptr: %w", addr, parseErr)
				return false
			}
			ptrs = append(ptrs, ptr)
			return true
		})
		links = append(links, pending{addr: addr, ptrs: ptrs})
		return parseErr == nil
	})
	if parseErr != nil {
		return nil, parseErr
	}

	for _, l := range links {
		for _, ptr := range l.ptrs {
			if !h.Contains(ptr) {
				return nil, fmt.Errorf("object %s points at %s: %w", l.addr, ptr, graph.ErrUnknownObject)
			}
			if err := h.Link(l.addr, ptr); err != nil {
				return nil, err
			}
		}
	}

	snap := &Snapshot{Heap: h}
	var rootErr error
	jsonData.Get("roots").ForEach(func(_, v gjson.Result) bool {
		var root graph.Addr
		root, rootErr = parseAddr(v)
		if rootErr == nil && !h.Contains(root) {
			rootErr = fmt.Errorf("root %s: %w", root, graph.ErrUnknownObject)
		}
		if rootErr != nil {
			return false
		}
		snap.Roots = append(snap.Roots, root)
		return true
	})
	if rootErr != nil {
		return nil, rootErr
	}

	return snap, nil
}

func parseAddr(v gjson.Result) (graph.Addr, error) {
	var addr uint64
	switch v.Type {
	case gjson.Number:
		addr = v.Uint()
	case gjson.String:
		var err error
		addr, err = strconv.ParseUint(v.Str, 0, 64)
		if err != nil {
			return graph.Nil, err
		}
	default:
		return graph.Nil, fmt.Errorf("expected number or string, got %q", v.Raw)
	}
	if addr == 0 {
		return graph.Nil, fmt.Errorf("nil address")
	}
	return graph.Addr(addr), nil
}

func init() {
	Register(&JSONParser{})
}
