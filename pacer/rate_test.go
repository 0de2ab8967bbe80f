// ABOUTME: Tests for the allocation rate tracker
// ABOUTME: Uses an injected clock to check the window and trigger rules

package pacer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const mib = 1 << 20

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(window time.Duration, threshold float64) (*AllocationRateTracker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	tr := NewAllocationRateTracker(window, threshold)
	tr.now = clk.now
	return tr, clk
}

func TestRateEmpty(t *testing.T) {
	tr, _ := newTestTracker(5*time.Second, 10*mib)
	assert.Zero(t, tr.Rate())
}

func TestRateSpanFloor(t *testing.T) {
	tr, _ := newTestTracker(5*time.Second, 10*mib)
	tr.Record(mib)
	// A single event has zero span; the floor makes it 1MiB per 100ms
	assert.InDelta(t, 10*mib, tr.Rate(), 1)
}

func TestRateOverSpan(t *testing.T) {
	tr, clk := newTestTracker(5*time.Second, 10*mib)
	tr.Record(mib)
	clk.advance(time.Second)
	tr.Record(mib)
	clk.advance(time.Second)
	assert.InDelta(t, mib, tr.Rate(), 1)
}

func TestRateWindowExpiry(t *testing.T) {
	tr, clk := newTestTracker(5*time.Second, 10*mib)
	tr.Record(mib)
	clk.advance(time.Second)
	tr.Record(mib)
	clk.advance(5 * time.Second)
	// The first event fell out of the window
	assert.InDelta(t, mib/5.0, tr.Rate(), 1)

	clk.advance(time.Hour)
	assert.Zero(t, tr.Rate())

	tr.Record(2 * mib)
	tr.Reset()
	assert.Zero(t, tr.Rate())
}

func TestShouldTriggerGC(t *testing.T) {
	tests := []struct {
		name  string
		bytes uint64 // allocated one second before the check
		ratio float64
		want  bool
	}{
		{"idle", 0, 0.1, false},
		{"high usage", 0, 0.81, true},
		{"fast allocation", 12 * mib, 0.1, true},
		{"moderate rate and half full", 6 * mib, 0.6, true},
		{"moderate rate and mostly empty", 6 * mib, 0.4, false},
		{"slow rate and half full", 2 * mib, 0.6, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, clk := newTestTracker(5*time.Second, 10*mib)
			if tt.bytes > 0 {
				tr.Record(tt.bytes)
			}
			clk.advance(time.Second)
			assert.Equal(t, tt.want, tr.ShouldTriggerGC(tt.ratio))
		})
	}
}
