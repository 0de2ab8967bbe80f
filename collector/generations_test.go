// ABOUTME: Tests for young-only cycles, promotion and the remembered set
// ABOUTME: Old objects must stay untouched by young cycles and be freed by full ones

package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/heapgc/graph"
)

// promoteAtFirstSurvival pins the promotion age at one cycle
func promoteAtFirstSurvival(cfg *Config) {
	cfg.PromotionThreshold = 1
	cfg.TargetPromotionRatio = 1
}

func TestCollectYoungPromotesSurvivors(t *testing.T) {
	h := buildHeap(t, map[graph.Addr][]graph.Addr{
		0x10: {0x20},
		0x20: {0x30},
	}, 0x90)
	c := newTestCollector(t, h, promoteAtFirstSurvival)

	cs, err := c.CollectYoung([]graph.Addr{0x10})
	require.NoError(t, err)
	assert.True(t, cs.Young)
	assert.Equal(t, uint64(1), cs.Freed)
	assert.Equal(t, uint64(3), cs.Promoted)
	for _, a := range []graph.Addr{0x10, 0x20, 0x30} {
		assert.Equal(t, GenOld, c.GenerationOf(a), "%s", a)
	}
	assert.Equal(t, 3, c.NumOld())

	// Old 0x30 gains a young child; 0x50 is young garbage
	require.NoError(t, h.Alloc(0x40, 16))
	require.NoError(t, h.Alloc(0x50, 16))
	require.NoError(t, h.Link(0x30, 0x40))
	c.WriteBarrier(0x30, 0x40)
	assert.Equal(t, GenYoung, c.GenerationOf(0x40))

	cs, err = c.CollectYoung([]graph.Addr{0x10})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cs.Marked, "old objects must not be traced")
	assert.Equal(t, uint64(1), cs.Freed)
	assert.InDelta(t, 0.5, cs.SurvivalRate, 1e-9)
	assert.True(t, h.Contains(0x40))
	assert.False(t, h.Contains(0x50))
	assert.Equal(t, uint64(1), cs.Promoted)
	assert.Equal(t, GenOld, c.GenerationOf(0x40))

	// 0x10 and 0x20 only point at old objects now; 0x30 was kept for 0x40
	// and the newly promoted 0x40 is remembered until the next termination
	assert.Equal(t, 2, c.NumRemembered())
}

func TestYoungCycleRescansRememberedSetAtTermination(t *testing.T) {
	h := buildHeap(t, nil, 0x10)
	c := newTestCollector(t, h, promoteAtFirstSurvival)
	_, err := c.CollectYoung([]graph.Addr{0x10})
	require.NoError(t, err)
	require.Equal(t, GenOld, c.GenerationOf(0x10))

	// 0x10 has no young child, so the next termination forgets it
	_, err = c.CollectYoung([]graph.Addr{0x10})
	require.NoError(t, err)
	require.Zero(t, c.NumRemembered())

	require.NoError(t, h.Alloc(0x70, 16))
	require.NoError(t, h.Alloc(0x80, 16))
	require.NoError(t, h.Link(0x70, 0x80))

	tok, err := c.StartYoungGC([]graph.Addr{0x10, 0x70})
	require.NoError(t, err)

	// Move 0x80 from the still-gray young root into the old object
	require.NoError(t, h.Link(0x10, 0x80))
	c.WriteBarrier(0x10, 0x80)
	require.True(t, h.Unlink(0x70, 0x80))
	assert.Equal(t, 1, c.NumRemembered())

	markToCompletion(t, c)
	require.NoError(t, c.TerminateMarking())
	sweepToCompletion(t, c)
	cs, err := c.FinishGC(tok)
	require.NoError(t, err)

	assert.Zero(t, cs.Freed)
	assert.True(t, h.Contains(0x80))
}

func TestFullCycleFreesDeadOldObjects(t *testing.T) {
	h := buildHeap(t, map[graph.Addr][]graph.Addr{0x10: {0x20}})
	c := newTestCollector(t, h, promoteAtFirstSurvival)
	_, err := c.CollectYoung([]graph.Addr{0x10})
	require.NoError(t, err)
	require.Equal(t, 2, c.NumOld())

	// A young cycle never frees old objects, even unreachable ones
	cs, err := c.CollectYoung(nil)
	require.NoError(t, err)
	assert.Zero(t, cs.Freed)
	assert.True(t, h.Contains(0x10))

	cs, err = c.Collect(nil)
	require.NoError(t, err)
	assert.False(t, cs.Young)
	assert.Equal(t, uint64(2), cs.Freed)
	assert.Zero(t, cs.Promoted)
	assert.Zero(t, c.NumOld())
	assert.Zero(t, c.NumRemembered())
	assert.Equal(t, GenYoung, c.GenerationOf(0x10))
}

func TestStartYoungGCRequiresGenerational(t *testing.T) {
	c := newTestCollector(t, graph.NewMemHeap(), func(cfg *Config) {
		cfg.Generational = false
	})
	_, err := c.StartYoungGC(nil)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.False(t, IsFatal(err))
	assert.False(t, c.ShouldTriggerYoungGC())
}

func TestShouldTriggerYoungGC(t *testing.T) {
	c := newTestCollector(t, graph.NewMemHeap(), func(cfg *Config) {
		cfg.HeapSizeLimit = 1000
		cfg.YoungGenRatio = 0.3
	})

	c.RecordAllocation(200)
	assert.False(t, c.ShouldTriggerYoungGC())
	c.RecordAllocation(150)
	assert.True(t, c.ShouldTriggerYoungGC())

	_, err := c.CollectYoung(nil)
	require.NoError(t, err)
	assert.False(t, c.ShouldTriggerYoungGC())
}

func TestCloseMidCycle(t *testing.T) {
	h := buildHeap(t, nil, 0x10, 0x20)
	c := newTestCollector(t, h, func(cfg *Config) {
		cfg.ConcurrentMarking = true
	})

	_, err := c.StartGC([]graph.Addr{0x10})
	require.NoError(t, err)
	markToCompletion(t, c)
	require.Equal(t, PhaseMarking, c.Phase())

	require.NoError(t, c.Close())
	assert.Equal(t, PhaseIdle, c.Phase())
	assert.False(t, c.barrier.Enabled())

	c.WriteBarrier(0x10, 0x20)
	assert.Zero(t, c.barrier.Pending())

	_, err = c.StartGC([]graph.Addr{0x10})
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = c.IncrementalSweep()
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c.Close())
	assert.True(t, h.Contains(0x20), "closing must not free anything")
}
