// ABOUTME: Cycle coordinator driving marking, termination and sweeping
// ABOUTME: Owns the mark set, barrier shards, sweeper, pacer and statistics

// Package collector is the public face of the garbage collector. An
// execution engine drives one cycle at a time:
//
//	tok, _ := c.StartGC(roots)
//	for done := false; !done; done, _, _ = c.IncrementalMark() {}
//	c.TerminateMarking()
//	for done := false; !done; done, _, _ = c.IncrementalSweep() {}
//	c.FinishGC(tok)
//
// Goroutines that store pointers while a cycle runs register as mutators
// and report every store through WriteBarrier.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/prateek/heapgc/barrier"
	"github.com/prateek/heapgc/gcstats"
	"github.com/prateek/heapgc/graph"
	"github.com/prateek/heapgc/mark"
	"github.com/prateek/heapgc/pacer"
	"github.com/prateek/heapgc/safepoint"
	"github.com/prateek/heapgc/sweep"
)

const tracerName = "github.com/prateek/heapgc/collector"

// Collector runs incremental mark-sweep cycles over a graph.Heap. Driver
// operations serialize on an internal lock; WriteBarrier and the pacing
// accessors may be called from any goroutine.
type Collector struct {
	cfg    Config
	heap   graph.Heap
	log    *slog.Logger
	tracer trace.Tracer

	phase atomic.Int32
	fatal atomic.Pointer[FatalError]

	marks   *mark.Set
	marker  *mark.Marker
	barrier *barrier.Set
	sweeper *sweep.Sweeper
	pacer   *pacer.Pacer
	stats   *gcstats.Recorder
	world   *safepoint.Coordinator
	gens    *generations

	// youngCycle is set while a young-only cycle runs
	youngCycle atomic.Bool
	closed     atomic.Bool

	mu        sync.Mutex
	gen       uint64
	active    bool
	roots     []graph.Addr
	young     bool
	pause     time.Duration
	termPause time.Duration
	rounds    int
	ctx       context.Context
	span      trace.Span
	worker    *markWorker
}

// New creates a collector over heap. usage is the occupancy counter the
// allocator updates; nil creates one sized to cfg.HeapSizeLimit.
func New(cfg Config, heap graph.Heap, usage *pacer.HeapUsage) (*Collector, error) {
	if heap == nil {
		return nil, errors.New("collector: nil heap")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}
	if usage == nil {
		usage = pacer.NewHeapUsage(cfg.HeapSizeLimit)
	}

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	marks := mark.NewSet()
	c := &Collector{
		cfg:     cfg,
		heap:    heap,
		log:     cfg.logger(),
		tracer:  tp.Tracer(tracerName),
		marks:   marks,
		barrier: barrier.New(cfg.WriteBarrierShards, cfg.BarrierShardLimit),
		sweeper: sweep.New(heap, cfg.SweepBatchSize, cfg.SweepWorkers),
		pacer: pacer.New(pacer.Config{
			BaseMarkQuota:        cfg.MarkQuota,
			BaseSweepQuota:       cfg.SweepQuota,
			Adaptive:             cfg.AdaptiveQuota,
			TargetPause:          cfg.TargetPause,
			MinMultiplier:        cfg.MinQuotaMultiplier,
			MaxMultiplier:        cfg.MaxQuotaMultiplier,
			Generational:         cfg.Generational,
			YoungGenRatio:        cfg.YoungGenRatio,
			PromotionThreshold:   cfg.PromotionThreshold,
			TargetSurvivalRate:   cfg.TargetSurvivalRate,
			TargetPromotionRatio: cfg.TargetPromotionRatio,
			TriggerThreshold:     cfg.AllocationTriggerThreshold,
			Window:               cfg.AllocationWindow,
		}, usage),
		stats: gcstats.NewRecorder(),
		world: safepoint.NewCoordinator(),
		gens:  newGenerations(),
		ctx:   context.Background(),
	}
	c.marker = mark.NewMarker(youngView{c: c}, marks)

	c.log.Debug("collector created",
		"shards", c.barrier.NumShards(),
		"sweep_workers", cfg.SweepWorkers,
		"concurrent_marking", cfg.ConcurrentMarking)
	return c, nil
}

// Phase returns the current phase
func (c *Collector) Phase() Phase {
	return Phase(c.phase.Load())
}

// NumBarrierShards returns the resolved write barrier shard count
func (c *Collector) NumBarrierShards() int {
	return c.barrier.NumShards()
}

// StartGC begins a full cycle with roots shaded Gray
func (c *Collector) StartGC(roots []graph.Addr) (CycleToken, error) {
	return c.start(roots, false)
}

func (c *Collector) start(roots []graph.Addr, young bool) (CycleToken, error) {
	op := "StartGC"
	if young {
		op = "StartYoungGC"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(op, PhaseIdle); err != nil {
		return CycleToken{}, err
	}

	start := time.Now()
	c.roots = append(c.roots[:0], roots...)
	seeds := c.roots
	if young {
		seeds = make([]graph.Addr, 0, len(roots))
		for _, r := range roots {
			if !c.gens.isOld(r) {
				seeds = append(seeds, r)
			}
		}
		if err := c.youngChildren(func(a graph.Addr) { seeds = append(seeds, a) }); err != nil {
			return CycleToken{}, c.fail(op, err)
		}
	}

	c.gen++
	tok := CycleToken{gen: c.gen, start: start}
	c.active = true
	c.young = young
	c.youngCycle.Store(young)
	c.pause, c.termPause, c.rounds = 0, 0, 0

	c.ctx, c.span = c.tracer.Start(context.Background(), "gc.cycle",
		trace.WithAttributes(
			attribute.Int64("gc.generation", int64(c.gen)),
			attribute.Bool("gc.young", young),
			attribute.Int("gc.roots", len(seeds)),
			attribute.Int("gc.barrier_shards", c.barrier.NumShards()),
		))

	c.barrier.Reset()
	c.sweeper.Reset()
	c.marker.Reset(seeds)
	c.pacer.BeginCycle()

	// Recording must be on before the phase flips so no store that sees
	// Marking is dropped
	c.barrier.Open()
	c.phase.Store(int32(PhaseMarking))

	if c.cfg.ConcurrentMarking {
		c.worker = c.startWorker()
	}

	c.log.Debug("gc cycle started", "generation", c.gen, "young", young, "roots", len(seeds))
	c.pause += time.Since(start)
	return tok, nil
}

// IncrementalMark runs one quota-bounded slice of marking. complete
// reports that no Gray object and no recorded edge is left right now;
// mutators may still create more work until TerminateMarking.
func (c *Collector) IncrementalMark() (complete bool, marked uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("IncrementalMark", PhaseMarking); err != nil {
		return false, 0, err
	}
	start := time.Now()
	defer func() { c.pause += time.Since(start) }()

	c.drainBarrier()
	quota, _ := c.pacer.Quotas()
	complete, marked, err = c.marker.Step(quota)
	if err != nil {
		return false, marked, c.fail("IncrementalMark", fmt.Errorf("%w: %w", ErrAllocatorCallback, err))
	}
	if complete && c.barrier.Pending() > 0 {
		complete = false
	}
	return complete, marked, nil
}

// TerminateMarking stops the mutators, finishes marking to a fixpoint and
// prepares the sweep. It is the only stop-the-world step of a cycle.
func (c *Collector) TerminateMarking() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("TerminateMarking", PhaseMarking); err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		c.termPause = time.Since(start)
		c.pause += c.termPause
	}()

	_, span := c.tracer.Start(c.ctx, "gc.terminate_marking")
	defer span.End()

	c.phase.Store(int32(PhaseTerminating))
	c.log.Debug("gc terminating", "generation", c.gen)

	if c.worker != nil {
		err := c.worker.halt()
		c.worker = nil
		if err != nil {
			return c.spanError(span, c.fail("TerminateMarking", err))
		}
	}
	if err := c.poisoned(); err != nil {
		return c.spanError(span, err)
	}

	if err := c.world.Stop(c.cfg.RendezvousTimeout); err != nil {
		return c.spanError(span, c.fail("TerminateMarking", fmt.Errorf("%w: %w", ErrConcurrencyTimeout, err)))
	}
	defer c.world.Start()

	if c.young {
		// Old objects that gained young children while marking ran
		if err := c.youngChildren(func(a graph.Addr) { c.marker.Shade(a) }); err != nil {
			return c.spanError(span, c.fail("TerminateMarking", err))
		}
	}

	rounds, err := c.markToFixpoint()
	c.rounds = rounds
	span.SetAttributes(attribute.Int("gc.termination_rounds", rounds))
	if err != nil {
		return c.spanError(span, c.fail("TerminateMarking", err))
	}

	if c.cfg.VerifyMarks {
		if err := c.verifyMarks(); err != nil {
			return c.spanError(span, c.fail("TerminateMarking", err))
		}
	}

	if c.cfg.Generational {
		if !c.young {
			// Unmarked old objects are about to be freed
			c.gens.retain(c.marks.Contains)
		}
		if err := c.pruneRemembered(); err != nil {
			return c.spanError(span, c.fail("TerminateMarking", err))
		}
	}

	c.marks.Freeze()
	c.barrier.Close()
	objects := c.heap.Objects()
	if c.young {
		young := objects[:0:0]
		for _, a := range objects {
			if !c.gens.isOld(a) {
				young = append(young, a)
			}
		}
		objects = young
	}
	c.sweeper.Prepare(objects, c.marks)
	c.phase.Store(int32(PhaseSweeping))

	c.log.Debug("gc marking terminated",
		"generation", c.gen,
		"rounds", rounds,
		"marked", c.marker.Marked(),
		"sweep_list", c.sweeper.Total())
	return nil
}

// markToFixpoint drains the barrier and marks until a round finds no new
// edge. With the world stopped that takes at most two rounds; the cap only
// trips when something keeps storing pointers.
func (c *Collector) markToFixpoint() (int, error) {
	for round := 1; round <= c.cfg.MaxTerminationRounds; round++ {
		drained := c.drainBarrier()
		if _, err := c.marker.Drain(); err != nil {
			return round, fmt.Errorf("%w: %w", ErrAllocatorCallback, err)
		}
		if drained == 0 && c.barrier.Pending() == 0 {
			return round, nil
		}
	}
	return c.cfg.MaxTerminationRounds, fmt.Errorf("%w: no marking fixpoint after %d rounds",
		ErrConcurrencyTimeout, c.cfg.MaxTerminationRounds)
}

// IncrementalSweep frees one quota-bounded slice of unmarked objects,
// using the parallel path when more than one sweep worker is configured
func (c *Collector) IncrementalSweep() (complete bool, freed uint64, err error) {
	_, quota := c.pacer.Quotas()
	return c.IncrementalSweepWithParallel(quota, c.cfg.SweepWorkers > 1)
}

// IncrementalSweepWithParallel sweeps with an explicit quota and path.
// Both paths free the same objects.
func (c *Collector) IncrementalSweepWithParallel(quota time.Duration, parallel bool) (complete bool, freed uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("IncrementalSweep", PhaseSweeping); err != nil {
		return false, 0, err
	}
	start := time.Now()
	defer func() { c.pause += time.Since(start) }()

	complete, freed, err = c.sweeper.Step(quota, parallel)
	if err != nil {
		return false, freed, c.fail("IncrementalSweep", fmt.Errorf("%w: %w", ErrAllocatorCallback, err))
	}
	return complete, freed, nil
}

// FinishGC closes the cycle named by tok, records its statistics and
// feeds the pacer. The sweep must be complete.
func (c *Collector) FinishGC(tok CycleToken) (CycleStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("FinishGC", PhaseSweeping); err != nil {
		return CycleStats{}, err
	}
	if !c.active || tok.gen != c.gen {
		return CycleStats{}, fmt.Errorf("FinishGC: token for cycle %d, current cycle %d: %w",
			tok.gen, c.gen, ErrInvalidState)
	}
	if n := c.sweeper.Remaining(); n > 0 {
		return CycleStats{}, fmt.Errorf("FinishGC: %d objects left to sweep: %w", n, ErrInvalidState)
	}
	start := time.Now()

	total := c.sweeper.Total()
	freed := c.sweeper.Freed()
	var survival float64
	if total > 0 {
		survival = float64(uint64(total)-freed) / float64(total)
	}

	var survivors []graph.Addr
	if c.cfg.Generational {
		survivors = make([]graph.Addr, 0, c.marks.Len())
		c.marks.ForEach(func(a graph.Addr, _ mark.Color) {
			if !c.gens.isOld(a) {
				survivors = append(survivors, a)
			}
		})
	}

	cs := CycleStats{
		Generation:        c.gen,
		Young:             c.young,
		TerminationPause:  c.termPause,
		TerminationRounds: c.rounds,
		Marked:            c.marker.Marked(),
		Freed:             freed,
		BarrierEdges:      c.barrier.Recorded(),
		SurvivalRate:      survival,
	}
	cs.Pause = c.pause + time.Since(start)
	cs.Wall = time.Since(tok.start)

	c.stats.RecordCycle(gcstats.Cycle{
		Pause:            cs.Pause,
		TerminationPause: cs.TerminationPause,
		Marked:           cs.Marked,
		Freed:            cs.Freed,
		BarrierEdges:     cs.BarrierEdges,
	})
	c.pacer.EndCycle(pacer.Feedback{
		SurvivalRate: survival,
		AvgPause:     c.stats.AveragePause(),
		Survivors:    survivors,
	})

	if c.young {
		for _, a := range survivors {
			if c.pacer.ShouldPromote(a) && c.gens.promote(a) {
				cs.Promoted++
			}
		}
	}

	markQuota, sweepQuota := c.pacer.Quotas()
	c.span.SetAttributes(
		attribute.Int64("gc.marked", int64(cs.Marked)),
		attribute.Int64("gc.freed", int64(cs.Freed)),
		attribute.Int64("gc.promoted", int64(cs.Promoted)),
		attribute.Int64("gc.barrier_edges", int64(cs.BarrierEdges)),
		attribute.Int64("gc.pause_us", cs.Pause.Microseconds()),
		attribute.Int64("gc.termination_pause_us", cs.TerminationPause.Microseconds()),
		attribute.Float64("gc.survival_rate", survival),
	)
	c.span.End()

	c.log.Info("gc cycle complete",
		"generation", cs.Generation,
		"marked", cs.Marked,
		"freed", cs.Freed,
		"young", cs.Young,
		"promoted", cs.Promoted,
		"pause", cs.Pause,
		"termination_pause", cs.TerminationPause,
		"wall", cs.Wall,
		"mark_quota", markQuota,
		"sweep_quota", sweepQuota)

	c.sweeper.Reset()
	c.barrier.Reset()
	c.active = false
	c.young = false
	c.youngCycle.Store(false)
	c.span = nil
	c.ctx = context.Background()
	c.phase.Store(int32(PhaseIdle))
	return cs, nil
}

// WriteBarrier reports that parent now points at child. It must be called
// after every pointer store made while a cycle may be running. Outside
// marking it costs one atomic load.
func (c *Collector) WriteBarrier(parent, child graph.Addr) {
	if parent == graph.Nil || child == graph.Nil {
		return
	}
	if c.cfg.Generational {
		c.gens.noteStore(parent, child)
	}
	if !c.Phase().barrierActive() {
		return
	}
	if c.youngCycle.Load() && c.gens.isOld(child) {
		return
	}
	if c.marks.Color(parent) != mark.Black || c.marks.Color(child) != mark.White {
		return
	}
	if err := c.barrier.Record(parent, child); err != nil {
		fe := c.fail("WriteBarrier", fmt.Errorf("%w: %w", ErrBarrierOverflow, err))
		if c.cfg.OnFatal == nil {
			panic(fe)
		}
	}
}

// Allocated reports a new object. It counts toward the allocation rate,
// and while marking the object is shaded so it survives the cycle it was
// born in.
func (c *Collector) Allocated(addr graph.Addr, size uint64) {
	c.pacer.RecordAllocation(size)
	if c.Phase().barrierActive() {
		c.marker.Shade(addr)
	}
}

// UpdateHeapUsage sets the shared occupancy counter
func (c *Collector) UpdateHeapUsage(used uint64) {
	c.pacer.Usage().Store(used)
}

// HeapUsage returns the shared occupancy counter
func (c *Collector) HeapUsage() *pacer.HeapUsage {
	return c.pacer.Usage()
}

// RecordAllocation counts n bytes toward the allocation rate
func (c *Collector) RecordAllocation(n uint64) {
	c.pacer.RecordAllocation(n)
}

// ShouldTriggerGC reports whether heap usage or allocation rate call for
// a new cycle
func (c *Collector) ShouldTriggerGC() bool {
	return c.pacer.ShouldTriggerGC()
}

// Quotas returns the current mark and sweep slices
func (c *Collector) Quotas() (markQuota, sweepQuota time.Duration) {
	return c.pacer.Quotas()
}

func (c *Collector) YoungGenRatio() float64 {
	return c.pacer.YoungGenRatio()
}

func (c *Collector) PromotionThreshold() int {
	return c.pacer.PromotionThreshold()
}

// ShouldPromote reports whether addr survived enough cycles to promote
func (c *Collector) ShouldPromote(addr graph.Addr) bool {
	return c.pacer.ShouldPromote(addr)
}

// SurvivalAge returns the number of consecutive cycles addr survived
func (c *Collector) SurvivalAge(addr graph.Addr) uint32 {
	return c.pacer.SurvivalAge(addr)
}

// Stats returns cumulative statistics
func (c *Collector) Stats() gcstats.Stats {
	return c.stats.Snapshot()
}

// Err returns the fatal error that poisoned the collector, if any
func (c *Collector) Err() error {
	return c.poisoned()
}

// Close stops the background marker, turns the write barrier off and
// releases stopped mutators. Any open cycle is abandoned and every later
// driver call returns ErrClosed.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if c.worker != nil {
		err = c.worker.halt()
		c.worker = nil
	}
	c.phase.Store(int32(PhaseIdle))
	c.barrier.Close()
	c.barrier.Reset()
	c.youngCycle.Store(false)
	c.active = false
	c.world.Start()
	if c.span != nil {
		c.span.End()
		c.span = nil
	}
	return err
}

// check rejects calls on a poisoned collector or in the wrong phase
func (c *Collector) check(op string, want Phase) error {
	if c.closed.Load() {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	if err := c.poisoned(); err != nil {
		return err
	}
	if got := c.Phase(); got != want {
		return fmt.Errorf("%s: called in phase %s, want %s: %w", op, got, want, ErrInvalidState)
	}
	return nil
}

func (c *Collector) poisoned() error {
	if fe := c.fatal.Load(); fe != nil {
		return fe
	}
	return nil
}

// fail poisons the collector. Only the first fatal error is kept and
// reported.
func (c *Collector) fail(op string, err error) error {
	fe := &FatalError{Op: op, Err: err}
	if !c.fatal.CompareAndSwap(nil, fe) {
		return c.fatal.Load()
	}
	c.log.Error("gc fatal error", "op", op, "err", err)
	if c.cfg.OnFatal != nil {
		c.cfg.OnFatal(fe)
	}
	return fe
}

func (c *Collector) spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// drainBarrier shades the child of every recorded edge
func (c *Collector) drainBarrier() int {
	return c.barrier.Drain(func(e barrier.Edge) {
		c.marker.Shade(e.Child)
	})
}
