// ABOUTME: Collector options, their defaults and the JSON option document
// ABOUTME: Parsed with gjson; unknown keys are ignored

package collector

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"
)

// Config holds every collector option. Start from DefaultConfig.
type Config struct {
	HeapSizeLimit uint64 // bytes

	MarkQuota     time.Duration // base time slice per IncrementalMark
	SweepQuota    time.Duration // base time slice per IncrementalSweep
	AdaptiveQuota bool

	WriteBarrierShards int // 0 sizes to the core count
	BarrierShardLimit  int // edges per shard between drains, 0 is unbounded

	ConcurrentMarking bool
	SweepBatchSize    int
	SweepWorkers      int

	TargetPause        time.Duration
	MinQuotaMultiplier float64
	MaxQuotaMultiplier float64

	Generational         bool
	YoungGenRatio        float64
	PromotionThreshold   int
	TargetSurvivalRate   float64
	TargetPromotionRatio float64

	AllocationTriggerThreshold float64 // bytes per second
	AllocationWindow           time.Duration

	RendezvousTimeout    time.Duration
	MaxTerminationRounds int

	// VerifyMarks re-traces the heap after termination and fails the cycle
	// if a reachable object was left unmarked. Slow; meant for tests.
	VerifyMarks bool

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	// OnFatal receives the first fatal error. It runs on the goroutine that
	// hit the fault and must not call back into the collector. Without it a
	// fatal error raised inside WriteBarrier panics.
	OnFatal func(error)
}

// DefaultConfig returns the stock options
func DefaultConfig() Config {
	return Config{
		HeapSizeLimit:              128 << 20,
		MarkQuota:                  500 * time.Microsecond,
		SweepQuota:                 250 * time.Microsecond,
		AdaptiveQuota:              true,
		ConcurrentMarking:          true,
		SweepBatchSize:             256,
		SweepWorkers:               runtime.GOMAXPROCS(0),
		TargetPause:                time.Millisecond,
		MinQuotaMultiplier:         0.25,
		MaxQuotaMultiplier:         2.0,
		Generational:               true,
		YoungGenRatio:              0.3,
		PromotionThreshold:         3,
		TargetSurvivalRate:         0.2,
		TargetPromotionRatio:       0.1,
		AllocationTriggerThreshold: 10 << 20,
		AllocationWindow:           5 * time.Second,
		RendezvousTimeout:          100 * time.Millisecond,
		MaxTerminationRounds:       64,
	}
}

// ParseConfig overlays a JSON option document on DefaultConfig. Durations
// are given in the unit named by the key suffix. An empty document yields
// the defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return cfg, nil
	}

	if !gjson.ValidBytes(data) {
		return cfg, fmt.Errorf("invalid json: %q", data)
	}

	jsonData := gjson.ParseBytes(data)
	if !jsonData.IsObject() {
		return cfg, fmt.Errorf("config must be a JSON object, got %s", jsonData.Type)
	}

	uintOpt := func(key string, dst *uint64) {
		if v := jsonData.Get(key); v.Exists() {
			*dst = v.Uint()
		}
	}
	intOpt := func(key string, dst *int) {
		if v := jsonData.Get(key); v.Exists() {
			*dst = int(v.Int())
		}
	}
	floatOpt := func(key string, dst *float64) {
		if v := jsonData.Get(key); v.Exists() {
			*dst = v.Float()
		}
	}
	boolOpt := func(key string, dst *bool) {
		if v := jsonData.Get(key); v.Exists() {
			*dst = v.Bool()
		}
	}
	durationOpt := func(key string, unit time.Duration, dst *time.Duration) {
		if v := jsonData.Get(key); v.Exists() {
			*dst = time.Duration(v.Int()) * unit
		}
	}

	uintOpt("heap_size_limit", &cfg.HeapSizeLimit)
	durationOpt("mark_quota_us", time.Microsecond, &cfg.MarkQuota)
	durationOpt("sweep_quota_us", time.Microsecond, &cfg.SweepQuota)
	boolOpt("adaptive_quota", &cfg.AdaptiveQuota)
	intOpt("write_barrier_shards", &cfg.WriteBarrierShards)
	intOpt("barrier_shard_limit", &cfg.BarrierShardLimit)
	boolOpt("concurrent_marking", &cfg.ConcurrentMarking)
	intOpt("sweep_batch_size", &cfg.SweepBatchSize)
	intOpt("sweep_workers", &cfg.SweepWorkers)
	durationOpt("target_pause_us", time.Microsecond, &cfg.TargetPause)
	floatOpt("min_quota_multiplier", &cfg.MinQuotaMultiplier)
	floatOpt("max_quota_multiplier", &cfg.MaxQuotaMultiplier)
	boolOpt("generational", &cfg.Generational)
	floatOpt("young_gen_ratio", &cfg.YoungGenRatio)
	intOpt("promotion_threshold", &cfg.PromotionThreshold)
	floatOpt("target_survival_rate", &cfg.TargetSurvivalRate)
	floatOpt("target_promotion_ratio", &cfg.TargetPromotionRatio)
	floatOpt("allocation_trigger_threshold", &cfg.AllocationTriggerThreshold)
	durationOpt("allocation_window_ms", time.Millisecond, &cfg.AllocationWindow)
	durationOpt("rendezvous_timeout_ms", time.Millisecond, &cfg.RendezvousTimeout)
	intOpt("max_termination_rounds", &cfg.MaxTerminationRounds)
	boolOpt("verify_marks", &cfg.VerifyMarks)

	return cfg, cfg.Validate()
}

// Validate reports every inconsistent option at once
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.HeapSizeLimit > 0, "heap_size_limit must be positive")
	check(c.MarkQuota > 0, "mark_quota_us must be positive, got %s", c.MarkQuota)
	check(c.SweepQuota > 0, "sweep_quota_us must be positive, got %s", c.SweepQuota)
	check(c.WriteBarrierShards >= 0, "write_barrier_shards must not be negative, got %d", c.WriteBarrierShards)
	check(c.BarrierShardLimit >= 0, "barrier_shard_limit must not be negative, got %d", c.BarrierShardLimit)
	check(c.SweepBatchSize > 0, "sweep_batch_size must be positive, got %d", c.SweepBatchSize)
	check(c.SweepWorkers > 0, "sweep_workers must be positive, got %d", c.SweepWorkers)
	check(c.TargetPause > 0, "target_pause_us must be positive, got %s", c.TargetPause)
	check(c.MinQuotaMultiplier > 0, "min_quota_multiplier must be positive, got %g", c.MinQuotaMultiplier)
	check(c.MaxQuotaMultiplier >= c.MinQuotaMultiplier,
		"max_quota_multiplier %g is below min_quota_multiplier %g", c.MaxQuotaMultiplier, c.MinQuotaMultiplier)
	check(c.YoungGenRatio > 0 && c.YoungGenRatio < 1, "young_gen_ratio must be in (0, 1), got %g", c.YoungGenRatio)
	check(c.PromotionThreshold > 0, "promotion_threshold must be positive, got %d", c.PromotionThreshold)
	check(c.TargetSurvivalRate >= 0 && c.TargetSurvivalRate <= 1,
		"target_survival_rate must be in [0, 1], got %g", c.TargetSurvivalRate)
	check(c.TargetPromotionRatio >= 0 && c.TargetPromotionRatio <= 1,
		"target_promotion_ratio must be in [0, 1], got %g", c.TargetPromotionRatio)
	check(c.AllocationTriggerThreshold > 0,
		"allocation_trigger_threshold must be positive, got %g", c.AllocationTriggerThreshold)
	check(c.AllocationWindow > 0, "allocation_window_ms must be positive, got %s", c.AllocationWindow)
	check(c.RendezvousTimeout > 0, "rendezvous_timeout_ms must be positive, got %s", c.RendezvousTimeout)
	check(c.MaxTerminationRounds > 0, "max_termination_rounds must be positive, got %d", c.MaxTerminationRounds)

	return errors.Join(errs...)
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
