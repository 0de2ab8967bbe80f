// ABOUTME: Tests for the sharded write-barrier edge log
// ABOUTME: Covers auto sizing, shard selection, drains, limits and concurrency

package barrier

import (
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/heapgc/graph"
)

func TestShardsForCPUs(t *testing.T) {
	tests := []struct {
		cpus int
		want int
	}{
		{0, 2}, {1, 2}, {2, 2}, {3, 4}, {4, 4}, {5, 8}, {8, 8},
		{9, 16}, {16, 16}, {17, 32}, {64, 32}, {256, 32},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shardsForCPUs(tt.cpus), "cpus=%d", tt.cpus)
	}
}

func TestAutoShardCountIsPowerOfTwo(t *testing.T) {
	s := New(0, 0)
	n := s.NumShards()
	require.Positive(t, n)
	assert.Zero(t, n&(n-1), "shard count %d is not a power of two", n)
	assert.Equal(t, AutoShardCount(), n)
}

func TestExplicitShardCount(t *testing.T) {
	s := New(6, 0)
	assert.Equal(t, 6, s.NumShards())
	for a := graph.Addr(1); a < 1000; a++ {
		i := s.ShardFor(a)
		assert.True(t, i >= 0 && i < 6)
		assert.Equal(t, i, s.ShardFor(a), "shard selection must be stable")
	}
}

func TestRecordRequiresOpen(t *testing.T) {
	s := New(4, 0)
	require.NoError(t, s.Record(1, 2))
	assert.Zero(t, s.Pending())

	s.Open()
	require.NoError(t, s.Record(1, 2))
	require.NoError(t, s.Record(3, 4))
	assert.Equal(t, 2, s.Pending())
	assert.Equal(t, uint64(2), s.Recorded())

	s.Close()
	require.NoError(t, s.Record(5, 6))
	assert.Equal(t, 2, s.Pending(), "closed set keeps edges until drained")
}

func TestDrain(t *testing.T) {
	s := New(4, 0)
	s.Open()
	for p := graph.Addr(1); p <= 20; p++ {
		require.NoError(t, s.Record(p, p+100))
	}

	var got []Edge
	n := s.Drain(func(e Edge) { got = append(got, e) })
	assert.Equal(t, 20, n)
	assert.Zero(t, s.Pending())

	sort.Slice(got, func(i, j int) bool { return got[i].Parent < got[j].Parent })
	for i, e := range got {
		assert.Equal(t, graph.Addr(i+1), e.Parent)
		assert.Equal(t, e.Parent+100, e.Child)
	}

	assert.Zero(t, s.Drain(func(Edge) { t.Fatal("unexpected edge") }))
}

func TestDrainShardOnlyTouchesOneShard(t *testing.T) {
	s := New(8, 0)
	s.Open()
	for p := graph.Addr(1); p <= 64; p++ {
		require.NoError(t, s.Record(p, 1))
	}
	target := s.ShardFor(7)
	edges := s.DrainShard(target)
	require.NotEmpty(t, edges)
	for _, e := range edges {
		assert.Equal(t, target, s.ShardFor(e.Parent))
	}
	assert.Equal(t, 64-len(edges), s.Pending())
}

func TestShardLimit(t *testing.T) {
	s := New(1, 3)
	s.Open()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(graph.Addr(i+1), 9))
	}
	err := s.Record(4, 9)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShardFull))
	assert.Equal(t, 3, s.Pending(), "edge must not be silently appended past the limit")

	s.Drain(func(Edge) {})
	assert.NoError(t, s.Record(4, 9))
}

func TestReset(t *testing.T) {
	s := New(2, 0)
	s.Open()
	require.NoError(t, s.Record(1, 2))
	s.Reset()
	assert.Zero(t, s.Pending())
	assert.Zero(t, s.Recorded())
	assert.True(t, s.Enabled(), "reset does not change recording state")
}

func TestConcurrentRecordAndDrain(t *testing.T) {
	s := New(0, 0)
	s.Open()

	const writers = 8
	const perWriter = 5000

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		drained = make(map[Edge]int)
		stop    = make(chan struct{})
		done    = make(chan struct{})
	)

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			s.Drain(func(e Edge) {
				mu.Lock()
				drained[e]++
				mu.Unlock()
			})
		}
	}()

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				p := graph.Addr(w*perWriter + i + 1)
				if err := s.Record(p, p+1); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	<-done

	// Anything recorded after the drainer's last pass is still pending
	s.Drain(func(e Edge) { drained[e]++ })

	require.Len(t, drained, writers*perWriter)
	for e, count := range drained {
		assert.Equal(t, 1, count, "edge %v drained more than once", e)
	}
	assert.Equal(t, uint64(writers*perWriter), s.Recorded())
}
