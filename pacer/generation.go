// ABOUTME: Generational tuning: young generation sizing and promotion age
// ABOUTME: Both adjusters move in fixed steps toward a target and stay clamped

package pacer

import (
	"sync"

	"github.com/prateek/heapgc/graph"
)

const (
	survivalHistory = 10

	youngRatioStep = 0.05
	minYoungRatio  = 0.1
	maxYoungRatio  = 0.5

	promotionTolerance = 0.05
	minPromotionAge    = 1
	maxPromotionAge    = 15
)

// YoungGenRatioAdjuster resizes the young generation from recent survival rates
type YoungGenRatioAdjuster struct {
	mu      sync.Mutex
	ratio   float64
	target  float64
	history []float64
}

// NewYoungGenRatioAdjuster starts at initial and steers survival toward target
func NewYoungGenRatioAdjuster(initial, target float64) *YoungGenRatioAdjuster {
	return &YoungGenRatioAdjuster{
		ratio:   clamp(initial, minYoungRatio, maxYoungRatio),
		target:  target,
		history: make([]float64, 0, survivalHistory),
	}
}

// Record adds one cycle's survival rate and returns the adjusted ratio.
// A high average survival grows the young generation so fewer objects are
// copied out early; a low one shrinks it.
func (y *YoungGenRatioAdjuster) Record(survivalRate float64) float64 {
	y.mu.Lock()
	defer y.mu.Unlock()

	if len(y.history) == survivalHistory {
		copy(y.history, y.history[1:])
		y.history = y.history[:survivalHistory-1]
	}
	y.history = append(y.history, survivalRate)

	var sum float64
	for _, r := range y.history {
		sum += r
	}
	avg := sum / float64(len(y.history))

	switch {
	case avg > y.target*1.1:
		y.ratio += youngRatioStep
	case avg < y.target*0.9:
		y.ratio -= youngRatioStep
	}
	y.ratio = clamp(y.ratio, minYoungRatio, maxYoungRatio)
	return y.ratio
}

// Ratio returns the current young generation fraction
func (y *YoungGenRatioAdjuster) Ratio() float64 {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.ratio
}

// PromotionThresholdAdjuster tunes the survival age at which objects are
// promoted, from a per-cycle histogram of survivor ages.
type PromotionThresholdAdjuster struct {
	mu        sync.Mutex
	threshold int
	target    float64
	histogram map[uint32]uint64
	total     uint64
}

// NewPromotionThresholdAdjuster starts at initial and aims for target
// promoted fraction of survivors.
func NewPromotionThresholdAdjuster(initial int, target float64) *PromotionThresholdAdjuster {
	return &PromotionThresholdAdjuster{
		threshold: clampInt(initial, minPromotionAge, maxPromotionAge),
		target:    target,
		histogram: make(map[uint32]uint64),
	}
}

// Reset clears the histogram
func (p *PromotionThresholdAdjuster) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.histogram)
	p.total = 0
}

// Observe adds one survivor of the given age
func (p *PromotionThresholdAdjuster) Observe(age uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.histogram[age]++
	p.total++
}

// PromotionRatio returns the fraction of observed survivors old enough to
// be promoted at the current threshold
func (p *PromotionThresholdAdjuster) PromotionRatio() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ratioLocked()
}

func (p *PromotionThresholdAdjuster) ratioLocked() float64 {
	if p.total == 0 {
		return 0
	}
	var old uint64
	for age, n := range p.histogram {
		if int(age) >= p.threshold {
			old += n
		}
	}
	return float64(old) / float64(p.total)
}

// Adjust moves the threshold one step and returns it. With no observations
// the threshold is left alone.
func (p *PromotionThresholdAdjuster) Adjust() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.total == 0 {
		return p.threshold
	}
	ratio := p.ratioLocked()
	switch {
	case ratio > p.target+promotionTolerance:
		p.threshold++
	case ratio < p.target-promotionTolerance:
		p.threshold--
	}
	p.threshold = clampInt(p.threshold, minPromotionAge, maxPromotionAge)
	return p.threshold
}

// Threshold returns the current promotion age
func (p *PromotionThresholdAdjuster) Threshold() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threshold
}

// SurvivalAges counts how many consecutive cycles each object survived
type SurvivalAges struct {
	mu   sync.RWMutex
	ages map[graph.Addr]uint32
}

func NewSurvivalAges() *SurvivalAges {
	return &SurvivalAges{ages: make(map[graph.Addr]uint32)}
}

// Age returns the survival count of addr, zero if unknown
func (s *SurvivalAges) Age(addr graph.Addr) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ages[addr]
}

// Advance ages every survivor by one cycle and forgets all other addresses,
// since an address that did not survive may be reused. observe is called
// with each survivor's new age.
func (s *SurvivalAges) Advance(survivors []graph.Addr, observe func(age uint32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[graph.Addr]uint32, len(survivors))
	for _, a := range survivors {
		age := s.ages[a] + 1
		next[a] = age
		if observe != nil {
			observe(age)
		}
	}
	s.ages = next
}

// Len returns the number of tracked objects
func (s *SurvivalAges) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ages)
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}

func clampInt(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
