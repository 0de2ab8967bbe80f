// ABOUTME: Tests for collector options
// ABOUTME: Covers defaults, JSON option parsing and validation

package collector

import (
	"math/bits"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/heapgc/graph"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, uint64(128<<20), cfg.HeapSizeLimit)
	assert.Equal(t, 500*time.Microsecond, cfg.MarkQuota)
	assert.Equal(t, 250*time.Microsecond, cfg.SweepQuota)
	assert.True(t, cfg.AdaptiveQuota)
	assert.Zero(t, cfg.WriteBarrierShards)
	assert.True(t, cfg.ConcurrentMarking)
	assert.Equal(t, 256, cfg.SweepBatchSize)
	assert.Positive(t, cfg.SweepWorkers)
	assert.Equal(t, time.Millisecond, cfg.TargetPause)
	assert.Equal(t, 0.25, cfg.MinQuotaMultiplier)
	assert.Equal(t, 2.0, cfg.MaxQuotaMultiplier)
	assert.True(t, cfg.Generational)
	assert.Equal(t, 0.3, cfg.YoungGenRatio)
	assert.Equal(t, 3, cfg.PromotionThreshold)
	assert.Equal(t, 0.2, cfg.TargetSurvivalRate)
	assert.Equal(t, 0.1, cfg.TargetPromotionRatio)
	assert.Equal(t, float64(10<<20), cfg.AllocationTriggerThreshold)
	assert.Equal(t, 5*time.Second, cfg.AllocationWindow)
	assert.Equal(t, 100*time.Millisecond, cfg.RendezvousTimeout)
	assert.Equal(t, 64, cfg.MaxTerminationRounds)
	assert.False(t, cfg.VerifyMarks)
}

func TestParseConfig(t *testing.T) {
	testCases := []struct {
		name      string
		config    string
		expectErr string
		check     func(t *testing.T, cfg Config)
	}{
		{
			name: "empty config",
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, DefaultConfig().MarkQuota, cfg.MarkQuota)
			},
		},
		{
			name:   "empty json",
			config: "{}",
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, DefaultConfig().HeapSizeLimit, cfg.HeapSizeLimit)
			},
		},
		{
			name:      "bad config",
			config:    "abc",
			expectErr: `invalid json: "abc"`,
		},
		{
			name:      "not an object",
			config:    "[1, 2]",
			expectErr: "config must be a JSON object",
		},
		{
			name: "overrides",
			config: `
			{
				"heap_size_limit": 1048576,
				"mark_quota_us": 200,
				"sweep_quota_us": 100,
				"adaptive_quota": false,
				"write_barrier_shards": 8,
				"barrier_shard_limit": 4096,
				"concurrent_marking": false,
				"sweep_batch_size": 1000,
				"sweep_workers": 3,
				"target_pause_us": 2000,
				"min_quota_multiplier": 0.5,
				"max_quota_multiplier": 4,
				"generational": false,
				"young_gen_ratio": 0.4,
				"promotion_threshold": 5,
				"target_survival_rate": 0.3,
				"target_promotion_ratio": 0.2,
				"allocation_trigger_threshold": 1000,
				"allocation_window_ms": 250,
				"rendezvous_timeout_ms": 10,
				"max_termination_rounds": 8,
				"verify_marks": true,
				"unknown_key": "ignored"
			}
			`,
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, uint64(1<<20), cfg.HeapSizeLimit)
				assert.Equal(t, 200*time.Microsecond, cfg.MarkQuota)
				assert.Equal(t, 100*time.Microsecond, cfg.SweepQuota)
				assert.False(t, cfg.AdaptiveQuota)
				assert.Equal(t, 8, cfg.WriteBarrierShards)
				assert.Equal(t, 4096, cfg.BarrierShardLimit)
				assert.False(t, cfg.ConcurrentMarking)
				assert.Equal(t, 1000, cfg.SweepBatchSize)
				assert.Equal(t, 3, cfg.SweepWorkers)
				assert.Equal(t, 2*time.Millisecond, cfg.TargetPause)
				assert.Equal(t, 0.5, cfg.MinQuotaMultiplier)
				assert.Equal(t, 4.0, cfg.MaxQuotaMultiplier)
				assert.False(t, cfg.Generational)
				assert.Equal(t, 0.4, cfg.YoungGenRatio)
				assert.Equal(t, 5, cfg.PromotionThreshold)
				assert.Equal(t, 0.3, cfg.TargetSurvivalRate)
				assert.Equal(t, 0.2, cfg.TargetPromotionRatio)
				assert.Equal(t, 1000.0, cfg.AllocationTriggerThreshold)
				assert.Equal(t, 250*time.Millisecond, cfg.AllocationWindow)
				assert.Equal(t, 10*time.Millisecond, cfg.RendezvousTimeout)
				assert.Equal(t, 8, cfg.MaxTerminationRounds)
				assert.True(t, cfg.VerifyMarks)
			},
		},
		{
			name:      "invalid values",
			config:    `{"mark_quota_us": 0, "sweep_workers": -1, "min_quota_multiplier": 3}`,
			expectErr: "mark_quota_us must be positive",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tc.config))
			if tc.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.expectErr)
				return
			}
			require.NoError(t, err)
			tc.check(t, cfg)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepWorkers = 0
	cfg.MinQuotaMultiplier = 3
	cfg.YoungGenRatio = 1.5
	cfg.MaxTerminationRounds = 0

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"sweep_workers",
		"max_quota_multiplier 2 is below min_quota_multiplier 3",
		"young_gen_ratio",
		"max_termination_rounds",
	} {
		assert.Contains(t, msg, want)
	}
	assert.Len(t, strings.Split(msg, "\n"), 4)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MarkQuota = 0
	_, err := New(cfg, graph.NewMemHeap(), nil)
	assert.Error(t, err)

	_, err = New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

func TestAutoShardCount(t *testing.T) {
	c, err := New(DefaultConfig(), graph.NewMemHeap(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	n := c.NumBarrierShards()
	assert.Positive(t, n)
	assert.Equal(t, 1, bits.OnesCount(uint(n)), "%d is not a power of two", n)
	assert.GreaterOrEqual(t, n, 2)
	assert.LessOrEqual(t, n, 32)

	cfg := DefaultConfig()
	cfg.WriteBarrierShards = 5
	c, err = New(cfg, graph.NewMemHeap(), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, c.NumBarrierShards())
}
