// ABOUTME: Whole-cycle driver and the optional post-termination mark check
// ABOUTME: Collect runs start, mark, terminate, sweep and finish back to back

package collector

import (
	"fmt"

	"github.com/prateek/heapgc/graph"
	"github.com/prateek/heapgc/mark"
)

// Collect runs a full cycle from roots. A registered mutator calling it
// must do so from inside a blocking region.
func (c *Collector) Collect(roots []graph.Addr) (CycleStats, error) {
	tok, err := c.StartGC(roots)
	if err != nil {
		return CycleStats{}, err
	}
	return c.run(tok)
}

// run drives the cycle named by tok from marking to FinishGC
func (c *Collector) run(tok CycleToken) (CycleStats, error) {
	for {
		complete, _, err := c.IncrementalMark()
		if err != nil {
			return CycleStats{}, err
		}
		if complete {
			break
		}
	}

	if err := c.TerminateMarking(); err != nil {
		return CycleStats{}, err
	}

	for {
		complete, _, err := c.IncrementalSweep()
		if err != nil {
			return CycleStats{}, err
		}
		if complete {
			break
		}
	}

	return c.FinishGC(tok)
}

// verifyMarks re-traces the heap from the cycle roots and reports the
// first reachable object that is not Black, with the chain that keeps it
// alive. Young cycles trace through old objects but only check young ones.
func (c *Collector) verifyMarks() error {
	for addr := range graph.Reachable(c.heap, c.roots) {
		if c.young && c.gens.isOld(addr) {
			continue
		}
		if col := c.marks.Color(addr); col != mark.Black {
			path := graph.PathFromRoots(c.heap, c.roots, addr)
			return fmt.Errorf("%w: %s is %s but reachable via %v", ErrMarkVerification, addr, col, path)
		}
	}
	return nil
}
