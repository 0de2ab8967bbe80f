// ABOUTME: Pacer ties heap usage, allocation rate and cycle feedback together
// ABOUTME: Decides when to collect and how large each incremental slice is

// Package pacer adapts collector pacing to live allocation telemetry.
package pacer

import (
	"sync/atomic"
	"time"

	"github.com/prateek/heapgc/graph"
)

// emergencyRatio triggers a collection regardless of the allocation rate
const emergencyRatio = 0.95

// Config holds the pacing parameters
type Config struct {
	BaseMarkQuota  time.Duration
	BaseSweepQuota time.Duration
	Adaptive       bool
	TargetPause    time.Duration
	MinMultiplier  float64
	MaxMultiplier  float64

	Generational         bool
	YoungGenRatio        float64
	PromotionThreshold   int
	TargetSurvivalRate   float64
	TargetPromotionRatio float64

	TriggerThreshold float64 // bytes per second
	Window           time.Duration
}

// Feedback is what one finished cycle reports back
type Feedback struct {
	SurvivalRate float64
	AvgPause     time.Duration
	Survivors    []graph.Addr
}

// Pacer is safe for concurrent use
type Pacer struct {
	cfg   Config
	usage *HeapUsage
	rate  *AllocationRateTracker
	young *YoungGenRatioAdjuster
	promo *PromotionThresholdAdjuster
	ages  *SurvivalAges
	quota *QuotaController

	// bytes allocated since the last cycle ended
	sinceCycle atomic.Uint64
}

// New creates a pacer reading occupancy from usage
func New(cfg Config, usage *HeapUsage) *Pacer {
	return &Pacer{
		cfg:   cfg,
		usage: usage,
		rate:  NewAllocationRateTracker(cfg.Window, cfg.TriggerThreshold),
		young: NewYoungGenRatioAdjuster(cfg.YoungGenRatio, cfg.TargetSurvivalRate),
		promo: NewPromotionThresholdAdjuster(cfg.PromotionThreshold, cfg.TargetPromotionRatio),
		ages:  NewSurvivalAges(),
		quota: NewQuotaController(QuotaConfig{
			BaseMark:      cfg.BaseMarkQuota,
			BaseSweep:     cfg.BaseSweepQuota,
			TargetPause:   cfg.TargetPause,
			MinMultiplier: cfg.MinMultiplier,
			MaxMultiplier: cfg.MaxMultiplier,
			RateThreshold: cfg.TriggerThreshold,
		}),
	}
}

// Usage returns the shared heap counter
func (p *Pacer) Usage() *HeapUsage {
	return p.usage
}

// RecordAllocation notes n freshly allocated bytes
func (p *Pacer) RecordAllocation(n uint64) {
	p.rate.Record(n)
	p.sinceCycle.Add(n)
}

// AllocatedSinceCycle returns the bytes recorded since the last EndCycle
func (p *Pacer) AllocatedSinceCycle() uint64 {
	return p.sinceCycle.Load()
}

// ShouldTriggerYoungGC reports whether allocation since the last cycle
// filled the young generation, sized as YoungGenRatio of the heap limit
func (p *Pacer) ShouldTriggerYoungGC() bool {
	if !p.cfg.Generational || p.usage.Limit() == 0 {
		return false
	}
	young := p.YoungGenRatio() * float64(p.usage.Limit())
	return float64(p.sinceCycle.Load()) >= young
}

// AllocationRate returns bytes per second over the window
func (p *Pacer) AllocationRate() float64 {
	return p.rate.Rate()
}

// ShouldTriggerGC reports whether the engine should start a cycle now
func (p *Pacer) ShouldTriggerGC() bool {
	ratio := p.usage.Ratio()
	if ratio > emergencyRatio {
		return true
	}
	return p.rate.ShouldTriggerGC(ratio)
}

// BeginCycle clears per-cycle histograms
func (p *Pacer) BeginCycle() {
	p.promo.Reset()
}

// EndCycle feeds a finished cycle into every adjuster
func (p *Pacer) EndCycle(fb Feedback) {
	p.sinceCycle.Store(0)
	if p.cfg.Generational {
		p.ages.Advance(fb.Survivors, p.promo.Observe)
		p.young.Record(fb.SurvivalRate)
		p.promo.Adjust()
	}
	if p.cfg.Adaptive {
		p.quota.Update(p.usage.Ratio(), p.rate.Rate(), fb.AvgPause)
	}
}

// Quotas returns the current mark and sweep slices
func (p *Pacer) Quotas() (mark, sweep time.Duration) {
	if !p.cfg.Adaptive {
		return p.cfg.BaseMarkQuota, p.cfg.BaseSweepQuota
	}
	return p.quota.Quotas()
}

// Multiplier returns the quota multiplier
func (p *Pacer) Multiplier() float64 {
	return p.quota.Multiplier()
}

func (p *Pacer) YoungGenRatio() float64 {
	return p.young.Ratio()
}

func (p *Pacer) PromotionThreshold() int {
	return p.promo.Threshold()
}

// SurvivalAge returns how many cycles addr has survived
func (p *Pacer) SurvivalAge(addr graph.Addr) uint32 {
	return p.ages.Age(addr)
}

// ShouldPromote reports whether addr is old enough to leave the young
// generation. Always false when generational tuning is off.
func (p *Pacer) ShouldPromote(addr graph.Addr) bool {
	if !p.cfg.Generational {
		return false
	}
	return int(p.ages.Age(addr)) >= p.promo.Threshold()
}
