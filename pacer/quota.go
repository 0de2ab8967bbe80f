// ABOUTME: Pause-aware scaling of the mark and sweep time slices
// ABOUTME: Shrinks quotas as heap or allocation pressure rises

package pacer

import (
	"math"
	"sync"
	"time"
)

const (
	// hysteresis is the relative gap below which the multiplier holds still
	hysteresis = 0.1
	// minPauseScale bounds how far a slow pause history can cut the target
	minPauseScale = 0.5
)

// QuotaConfig fixes the inputs of a QuotaController
type QuotaConfig struct {
	BaseMark      time.Duration
	BaseSweep     time.Duration
	TargetPause   time.Duration
	MinMultiplier float64
	MaxMultiplier float64
	// RateThreshold is the allocation rate, in bytes per second, that
	// counts as full pressure
	RateThreshold float64
}

// QuotaController holds the multiplier applied to the base quotas
type QuotaController struct {
	mu         sync.Mutex
	cfg        QuotaConfig
	multiplier float64
}

// NewQuotaController starts with a multiplier of one
func NewQuotaController(cfg QuotaConfig) *QuotaController {
	if cfg.MinMultiplier <= 0 {
		cfg.MinMultiplier = 1
	}
	if cfg.MaxMultiplier < cfg.MinMultiplier {
		cfg.MaxMultiplier = cfg.MinMultiplier
	}
	return &QuotaController{
		cfg:        cfg,
		multiplier: clamp(1, cfg.MinMultiplier, cfg.MaxMultiplier),
	}
}

// Target returns the multiplier the controller is steering toward. It is
// non-increasing in pressure for a fixed average pause.
func (q *QuotaController) Target(usageRatio, rate float64, avgPause time.Duration) float64 {
	pressure := usageRatio
	if q.cfg.RateThreshold > 0 {
		pressure = math.Max(pressure, rate/q.cfg.RateThreshold)
	}
	pressure = clamp(pressure, 0, 1)

	lo, hi := q.cfg.MinMultiplier, q.cfg.MaxMultiplier
	target := hi - (hi-lo)*pressure
	if q.cfg.TargetPause > 0 && avgPause > q.cfg.TargetPause {
		scale := float64(q.cfg.TargetPause) / float64(avgPause)
		target *= math.Max(scale, minPauseScale)
	}
	return clamp(target, lo, hi)
}

// Update feeds one cycle of telemetry and returns the new multiplier
func (q *QuotaController) Update(usageRatio, rate float64, avgPause time.Duration) float64 {
	target := q.Target(usageRatio, rate, avgPause)

	q.mu.Lock()
	defer q.mu.Unlock()
	if math.Abs(target-q.multiplier) > hysteresis*q.multiplier {
		q.multiplier += (target - q.multiplier) / 2
		q.multiplier = clamp(q.multiplier, q.cfg.MinMultiplier, q.cfg.MaxMultiplier)
	}
	return q.multiplier
}

// Multiplier returns the current multiplier
func (q *QuotaController) Multiplier() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.multiplier
}

// Quotas returns the scaled mark and sweep slices
func (q *QuotaController) Quotas() (mark, sweep time.Duration) {
	m := q.Multiplier()
	return scale(q.cfg.BaseMark, m), scale(q.cfg.BaseSweep, m)
}

func scale(d time.Duration, m float64) time.Duration {
	return time.Duration(float64(d) * m)
}
