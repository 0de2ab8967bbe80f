// ABOUTME: Sharded mutation log for parent->child pointer writes seen during marking
// ABOUTME: Mutators append edges; the collector drains shards to re-shade children

// Package barrier implements the write-barrier edge buffers. The color
// checks that decide whether an edge must be recorded live in the collector;
// this package only stores and hands back edges.
package barrier

import (
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/prateek/heapgc/graph"
)

// ErrShardFull is returned when a shard reached its configured edge limit
var ErrShardFull = errors.New("write barrier shard full")

const (
	minAutoShards = 2
	maxAutoShards = 32
)

// Edge is one recorded pointer store
type Edge struct {
	Parent graph.Addr
	Child  graph.Addr
}

type shard struct {
	mu    sync.Mutex
	edges []Edge
	_     [32]byte // keep neighbouring shard locks off one cache line
}

// Set is a fixed number of independently locked edge buffers
type Set struct {
	shards   []shard
	limit    int
	enabled  atomic.Bool
	recorded atomic.Uint64
}

// AutoShardCount sizes the shard count to the number of usable cores:
// the next power of two, clamped to [2, 32].
func AutoShardCount() int {
	return shardsForCPUs(runtime.GOMAXPROCS(0))
}

func shardsForCPUs(cpus int) int {
	if cpus <= minAutoShards {
		return minAutoShards
	}
	n := 1 << bits.Len(uint(cpus-1))
	if n > maxAutoShards {
		return maxAutoShards
	}
	return n
}

// New creates a Set with n shards. n == 0 selects AutoShardCount.
// limit caps the edges held by one shard between drains; 0 means unbounded.
func New(n, limit int) *Set {
	if n <= 0 {
		n = AutoShardCount()
	}
	return &Set{
		shards: make([]shard, n),
		limit:  limit,
	}
}

// NumShards returns the shard count
func (s *Set) NumShards() int {
	return len(s.shards)
}

// Open starts accepting edges
func (s *Set) Open() {
	s.enabled.Store(true)
}

// Close stops accepting edges. Already recorded edges stay until drained.
func (s *Set) Close() {
	s.enabled.Store(false)
}

// Enabled reports whether Record currently stores edges
func (s *Set) Enabled() bool {
	return s.enabled.Load()
}

// ShardFor returns the shard index an edge from parent lands in
func (s *Set) ShardFor(parent graph.Addr) int {
	return int(mix(uint64(parent)) % uint64(len(s.shards)))
}

// Record appends an edge to the parent's shard. It returns ErrShardFull
// instead of dropping the edge when the shard limit is reached.
func (s *Set) Record(parent, child graph.Addr) error {
	if !s.enabled.Load() {
		return nil
	}
	sh := &s.shards[s.ShardFor(parent)]
	sh.mu.Lock()
	if s.limit > 0 && len(sh.edges) >= s.limit {
		n := len(sh.edges)
		sh.mu.Unlock()
		return fmt.Errorf("recording %s -> %s (%d edges): %w", parent, child, n, ErrShardFull)
	}
	sh.edges = append(sh.edges, Edge{Parent: parent, Child: child})
	sh.mu.Unlock()
	s.recorded.Add(1)
	return nil
}

// DrainShard removes and returns every edge held by shard i
func (s *Set) DrainShard(i int) []Edge {
	sh := &s.shards[i]
	sh.mu.Lock()
	edges := sh.edges
	sh.edges = nil
	sh.mu.Unlock()
	return edges
}

// Drain empties every shard, calling fn for each edge, and returns the
// number of edges visited. Shards are drained one at a time.
func (s *Set) Drain(fn func(Edge)) int {
	n := 0
	for i := range s.shards {
		for _, e := range s.DrainShard(i) {
			fn(e)
			n++
		}
	}
	return n
}

// Pending returns the number of edges waiting to be drained
func (s *Set) Pending() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.edges)
		sh.mu.Unlock()
	}
	return n
}

// Recorded returns the number of edges recorded since the last Reset
func (s *Set) Recorded() uint64 {
	return s.recorded.Load()
}

// Reset drops all edges and zeroes the recorded counter
func (s *Set) Reset() {
	for i := range s.shards {
		s.DrainShard(i)
	}
	s.recorded.Store(0)
}

// mix is the splitmix64 finalizer. Heap addresses share low alignment
// bits, so they are scrambled before the modulo.
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
