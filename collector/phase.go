// ABOUTME: Collector phases and the token that names one cycle
// ABOUTME: The phase is read lock-free on every write barrier

package collector

import (
	"fmt"
	"time"
)

// Phase is the collector's position in a cycle
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseMarking
	PhaseTerminating
	PhaseSweeping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMarking:
		return "marking"
	case PhaseTerminating:
		return "terminating"
	case PhaseSweeping:
		return "sweeping"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// barrierActive reports whether pointer stores must be checked
func (p Phase) barrierActive() bool {
	return p == PhaseMarking || p == PhaseTerminating
}

// CycleToken identifies the outstanding cycle. It is returned by StartGC
// and consumed by FinishGC.
type CycleToken struct {
	gen   uint64
	start time.Time
}

// Generation returns the cycle number, starting at 1
func (t CycleToken) Generation() uint64 {
	return t.gen
}

// Started returns when StartGC ran
func (t CycleToken) Started() time.Time {
	return t.start
}

// CycleStats describes one finished cycle
type CycleStats struct {
	Generation uint64
	// Young is set for cycles started by StartYoungGC
	Young bool
	// Promoted counts young survivors moved to the old generation
	Promoted uint64
	// Pause is the time spent inside collector calls made by the driver.
	// Background marking is not counted.
	Pause             time.Duration
	TerminationPause  time.Duration
	Wall              time.Duration
	TerminationRounds int
	Marked            uint64
	Freed             uint64
	BarrierEdges      uint64
	SurvivalRate      float64
}
