// ABOUTME: Background marking goroutine that runs between driver calls
// ABOUTME: Stopped and joined by TerminateMarking before the world stops

package collector

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// idleInterval is how long the worker sleeps once it runs out of gray objects
const idleInterval = 50 * time.Microsecond

type markWorker struct {
	stop chan struct{}
	g    errgroup.Group
}

func (c *Collector) startWorker() *markWorker {
	w := &markWorker{stop: make(chan struct{})}
	w.g.Go(func() error {
		return c.backgroundMark(w.stop)
	})
	return w
}

// halt stops the worker and returns its error
func (w *markWorker) halt() error {
	close(w.stop)
	return w.g.Wait()
}

func (c *Collector) backgroundMark(stop <-chan struct{}) error {
	ticker := time.NewTicker(idleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if c.poisoned() != nil {
			return nil
		}

		c.drainBarrier()
		quota, _ := c.pacer.Quotas()
		complete, _, err := c.marker.Step(quota)
		if err != nil {
			return c.fail("background mark", fmt.Errorf("%w: %w", ErrAllocatorCallback, err))
		}
		if complete {
			select {
			case <-stop:
				return nil
			case <-ticker.C:
			}
		}
	}
}
