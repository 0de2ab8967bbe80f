// ABOUTME: Randomized soundness test with concurrent mutators
// ABOUTME: Every object live at cycle start must survive the cycle

package collector

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/heapgc/graph"
)

// randomHeap builds live objects hanging off roots plus unreachable garbage
func randomHeap(t *testing.T, rng *rand.Rand, numRoots, numLive, numGarbage int) (*graph.MemHeap, []graph.Addr, []graph.Addr) {
	t.Helper()
	h := graph.NewMemHeap()
	var roots, live []graph.Addr
	next := graph.Addr(0x1000)
	alloc := func() graph.Addr {
		a := next
		next += 0x10
		require.NoError(t, h.Alloc(a, 16))
		return a
	}

	for i := 0; i < numRoots; i++ {
		r := alloc()
		roots = append(roots, r)
		live = append(live, r)
	}
	for i := 0; i < numLive; i++ {
		a := alloc()
		// Each new object hangs off an older live one, plus a random back edge
		require.NoError(t, h.Link(live[rng.Intn(len(live))], a))
		if rng.Intn(4) == 0 {
			require.NoError(t, h.Link(a, live[rng.Intn(len(live))]))
		}
		live = append(live, a)
	}
	var garbage []graph.Addr
	for i := 0; i < numGarbage; i++ {
		g := alloc()
		if len(garbage) > 0 {
			require.NoError(t, h.Link(g, garbage[rng.Intn(len(garbage))]))
		}
		// Garbage may point into the live set but never the other way
		if rng.Intn(3) == 0 {
			require.NoError(t, h.Link(g, live[rng.Intn(len(live))]))
		}
		garbage = append(garbage, g)
	}
	return h, roots, live
}

// TestSoundnessUnderConcurrentMutators moves references from live objects
// to roots while cycles run. A move links the root before unlinking the old
// parent, so everything live at the start stays reachable and must survive
// every cycle.
func TestSoundnessUnderConcurrentMutators(t *testing.T) {
	if testing.Short() {
		t.Skip("randomized concurrency test")
	}

	for _, seed := range []int64{1, 7, 42} {
		t.Run("", func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			h, roots, live := randomHeap(t, rng, 8, 2000, 500)

			c := newTestCollector(t, h, func(cfg *Config) {
				cfg.ConcurrentMarking = true
				cfg.MarkQuota = 20 * time.Microsecond
				cfg.SweepQuota = 20 * time.Microsecond
				cfg.SweepWorkers = 4
				cfg.SweepBatchSize = 64
				cfg.RendezvousTimeout = 5 * time.Second
			})

			var (
				done  atomic.Bool
				moves atomic.Uint64
				wg    sync.WaitGroup
			)
			for i := 0; i < 4; i++ {
				m := c.RegisterMutator()
				mrng := rand.New(rand.NewSource(seed*100 + int64(i)))
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer m.Unregister()
					for !done.Load() {
						from := live[mrng.Intn(len(live))]
						obj := h.Get(from)
						if obj != nil && len(obj.Ptrs) > 0 {
							child := obj.Ptrs[mrng.Intn(len(obj.Ptrs))]
							to := roots[mrng.Intn(len(roots))]
							if err := h.Link(to, child); err == nil {
								m.WriteBarrier(to, child)
								h.Unlink(from, child)
								moves.Add(1)
							}
						}
						m.Safepoint()
					}
				}()
			}

			for cycle := 0; cycle < 5; cycle++ {
				tok, err := c.StartGC(roots)
				require.NoError(t, err)
				for {
					complete, _, err := c.IncrementalMark()
					require.NoError(t, err)
					if complete {
						break
					}
				}
				require.NoError(t, c.TerminateMarking())
				for {
					complete, _, err := c.IncrementalSweep()
					require.NoError(t, err)
					if complete {
						break
					}
				}
				_, err = c.FinishGC(tok)
				require.NoError(t, err)

				for _, a := range live {
					require.True(t, h.Contains(a), "cycle %d freed live object %s", cycle, a)
				}
			}

			done.Store(true)
			wg.Wait()

			assert.Equal(t, len(live), h.NumObjects(), "garbage left after the first cycle")
			assert.Positive(t, moves.Load())
			assert.Equal(t, uint64(5), c.Stats().Cycles)
		})
	}
}
