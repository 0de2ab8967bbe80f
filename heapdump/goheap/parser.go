// ABOUTME: Go runtime heap dump loader producing collector snapshots
// ABOUTME: Parses debug.WriteHeapDump output into objects, pointer edges and roots

// Package goheap replays Go runtime heap dumps through the collector.
// Objects become heap entries, pointer fields become edges, and pointers
// held by other roots, data/bss segments and stack frames become roots.
package goheap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"github.com/prateek/heapgc/graph"
	"github.com/prateek/heapgc/heapdump"
)

const header = "go1.7 heap dump\n"

// GoHeapParser implements heapdump.Parser for Go heap dumps
type GoHeapParser struct{}

var _ heapdump.Parser = (*GoHeapParser)(nil)

// CanParse checks for the dump header
func (p *GoHeapParser) CanParse(r io.Reader) bool {
	buf := make([]byte, len(header))
	if _, err := io.ReadFull(r, buf); err != nil {
		return false
	}
	return string(buf) == header
}

// Parse reads the dump and builds a snapshot
func (p *GoHeapParser) Parse(r io.Reader) (*heapdump.Snapshot, error) {
	parser := &parser{
		r:           bufio.NewReaderSize(r, 1<<20),
		pointerSize: 8,
	}
	if err := parser.parse(); err != nil {
		return nil, fmt.Errorf("parsing heap dump: %w", err)
	}
	return parser.snapshot()
}

func init() {
	heapdump.Register(&GoHeapParser{})
}

// Record tags from runtime/heapdump.go
const (
	tagEOF             = 0
	tagObject          = 1
	tagOtherRoot       = 2
	tagType            = 3
	tagGoroutine       = 4
	tagStackFrame      = 5
	tagParams          = 6
	tagFinalizer       = 7
	tagItab            = 8
	tagOSThread        = 9
	tagMemStats        = 10
	tagQueuedFinalizer = 11
	tagData            = 12
	tagBSS             = 13
	tagDefer           = 14
	tagPanic           = 15
	tagMemProf         = 16
	tagAllocSample     = 17
)

// Field kinds
const (
	fieldKindEol   = 0
	fieldKindPtr   = 1
	fieldKindIface = 2
	fieldKindEface = 3
)

// memStatsFields is 24 counters, the 256-entry pause ring and NumGC
const memStatsFields = 24 + 256 + 1

type object struct {
	addr uint64
	size uint64
	ptrs []uint64
}

type parser struct {
	r *bufio.Reader

	bigEndian   bool
	pointerSize uint64

	objects []object
	roots   []uint64
}

func (p *parser) parse() error {
	buf := make([]byte, len(header))
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if string(buf) != header {
		return fmt.Errorf("invalid header: %q", buf)
	}

	for {
		tag, err := p.readVarint()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading tag: %w", err)
		}

		switch tag {
		case tagEOF:
			return nil
		case tagParams:
			err = p.parseParams()
		case tagObject:
			err = p.parseObject()
		case tagOtherRoot:
			err = p.parseOtherRoot()
		case tagData, tagBSS:
			err = p.parseSegment()
		case tagStackFrame:
			err = p.parseStackFrame()
		case tagType:
			err = p.skip(varint, varint, str, varint)
		case tagGoroutine:
			err = p.skip(varint, varint, varint, varint, varint, varint, varint, varint,
				str, varint, varint, varint, varint)
		case tagFinalizer, tagQueuedFinalizer:
			err = p.skipVarints(5)
		case tagItab:
			err = p.skipVarints(2)
		case tagOSThread:
			err = p.skipVarints(3)
		case tagMemStats:
			err = p.skipVarints(memStatsFields)
		case tagDefer:
			err = p.skipVarints(7)
		case tagPanic:
			err = p.skipVarints(6)
		case tagMemProf:
			err = p.skipMemProf()
		case tagAllocSample:
			err = p.skipVarints(2)
		default:
			return fmt.Errorf("unknown tag: %d", tag)
		}
		if err != nil {
			return fmt.Errorf("record tag %d: %w", tag, err)
		}
	}
}

func (p *parser) readVarint() (uint64, error) {
	return binary.ReadUvarint(p.r)
}

func (p *parser) readBytes() ([]byte, error) {
	length, err := p.readVarint()
	if err != nil {
		return nil, err
	}
	if length > 1<<30 { // 1GB sanity limit
		return nil, fmt.Errorf("byte slice too long: %d", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(p.r, data); err != nil {
		return nil, err
	}
	return data, nil
}

type fieldKind int

const (
	varint fieldKind = iota
	str
)

// skip consumes a fixed record layout
func (p *parser) skip(layout ...fieldKind) error {
	for _, k := range layout {
		var err error
		if k == str {
			_, err = p.readBytes()
		} else {
			_, err = p.readVarint()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) skipVarints(n int) error {
	for i := 0; i < n; i++ {
		if _, err := p.readVarint(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseParams() error {
	bigEndian, err := p.readVarint()
	if err != nil {
		return err
	}
	p.bigEndian = bigEndian != 0

	p.pointerSize, err = p.readVarint()
	if err != nil {
		return err
	}
	if p.pointerSize != 4 && p.pointerSize != 8 {
		return fmt.Errorf("unsupported pointer size %d", p.pointerSize)
	}

	// heap start, heap end, arch, go version, cpus
	return p.skip(varint, varint, str, str, varint)
}

// readPointers reads a field list and returns the non-nil pointer values it
// names inside data
func (p *parser) readPointers(data []byte) ([]uint64, error) {
	var ptrs []uint64
	for {
		kind, err := p.readVarint()
		if err != nil {
			return nil, err
		}
		if kind == fieldKindEol {
			return ptrs, nil
		}
		offset, err := p.readVarint()
		if err != nil {
			return nil, err
		}

		switch kind {
		case fieldKindPtr:
		case fieldKindIface, fieldKindEface:
			if offset > uint64(len(data)) {
				return nil, fmt.Errorf("field offset %d outside %d-byte payload", offset, len(data))
			}
			// The data word follows the type word
			offset += p.pointerSize
		default:
			return nil, fmt.Errorf("unknown field kind %d", kind)
		}
		ptr, err := p.word(data, offset)
		if err != nil {
			return nil, err
		}
		if ptr != 0 {
			ptrs = append(ptrs, ptr)
		}
	}
}

// word decodes the pointer-sized word at offset
func (p *parser) word(data []byte, offset uint64) (uint64, error) {
	size := uint64(len(data))
	if offset > size || p.pointerSize > size-offset {
		return 0, fmt.Errorf("field offset %d outside %d-byte payload", offset, len(data))
	}
	b := data[offset : offset+p.pointerSize]
	var order binary.ByteOrder = binary.LittleEndian
	if p.bigEndian {
		order = binary.BigEndian
	}
	if p.pointerSize == 4 {
		return uint64(order.Uint32(b)), nil
	}
	return order.Uint64(b), nil
}

func (p *parser) parseObject() error {
	addr, err := p.readVarint()
	if err != nil {
		return err
	}
	data, err := p.readBytes()
	if err != nil {
		return err
	}
	ptrs, err := p.readPointers(data)
	if err != nil {
		return err
	}
	p.objects = append(p.objects, object{addr: addr, size: uint64(len(data)), ptrs: ptrs})
	return nil
}

func (p *parser) parseOtherRoot() error {
	if _, err := p.readBytes(); err != nil { // description
		return err
	}
	ptr, err := p.readVarint()
	if err != nil {
		return err
	}
	if ptr != 0 {
		p.roots = append(p.roots, ptr)
	}
	return nil
}

// parseSegment reads a data or bss segment; its pointer fields are roots
func (p *parser) parseSegment() error {
	if _, err := p.readVarint(); err != nil { // address
		return err
	}
	data, err := p.readBytes()
	if err != nil {
		return err
	}
	ptrs, err := p.readPointers(data)
	if err != nil {
		return err
	}
	p.roots = append(p.roots, ptrs...)
	return nil
}

// parseStackFrame reads a frame; its live pointer slots are roots
func (p *parser) parseStackFrame() error {
	// sp, depth, child sp
	if err := p.skipVarints(3); err != nil {
		return err
	}
	data, err := p.readBytes()
	if err != nil {
		return err
	}
	// entry pc, pc, continuation pc, function name
	if err := p.skip(varint, varint, varint, str); err != nil {
		return err
	}
	ptrs, err := p.readPointers(data)
	if err != nil {
		return err
	}
	p.roots = append(p.roots, ptrs...)
	return nil
}

func (p *parser) skipMemProf() error {
	// bucket, size
	if err := p.skipVarints(2); err != nil {
		return err
	}
	nstk, err := p.readVarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < nstk; i++ {
		// function, file, line
		if err := p.skip(str, str, varint); err != nil {
			return err
		}
	}
	// allocs, frees
	return p.skipVarints(2)
}

// snapshot resolves raw pointers to the objects containing them. Pointers
// that land outside every object (globals, stacks, freed spans) are dropped.
func (p *parser) snapshot() (*heapdump.Snapshot, error) {
	slices.SortFunc(p.objects, func(a, b object) int {
		switch {
		case a.addr < b.addr:
			return -1
		case a.addr > b.addr:
			return 1
		}
		return 0
	})

	resolve := func(ptr uint64) (graph.Addr, bool) {
		i, found := slices.BinarySearchFunc(p.objects, ptr, func(o object, t uint64) int {
			switch {
			case o.addr < t:
				return -1
			case o.addr > t:
				return 1
			}
			return 0
		})
		if found {
			return graph.Addr(ptr), true
		}
		if i == 0 {
			return graph.Nil, false
		}
		o := p.objects[i-1]
		if ptr < o.addr+o.size {
			return graph.Addr(o.addr), true
		}
		return graph.Nil, false
	}

	h := graph.NewMemHeap()
	for _, o := range p.objects {
		if err := h.Alloc(graph.Addr(o.addr), o.size); err != nil {
			return nil, err
		}
	}
	for _, o := range p.objects {
		for _, ptr := range o.ptrs {
			if child, ok := resolve(ptr); ok {
				if err := h.Link(graph.Addr(o.addr), child); err != nil {
					return nil, err
				}
			}
		}
	}

	snap := &heapdump.Snapshot{Heap: h}
	seen := make(map[graph.Addr]bool)
	for _, ptr := range p.roots {
		if root, ok := resolve(ptr); ok && !seen[root] {
			seen[root] = true
			snap.Roots = append(snap.Roots, root)
		}
	}
	return snap, nil
}
