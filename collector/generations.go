// ABOUTME: Generation tags, the remembered set and young-only collection
// ABOUTME: Old objects are skipped by young cycles; old->young stores are remembered

package collector

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prateek/heapgc/graph"
)

// Generation is the age class of an object
type Generation int

const (
	GenYoung Generation = iota
	GenOld
)

func (g Generation) String() string {
	if g == GenOld {
		return "old"
	}
	return "young"
}

// generations tracks promoted objects and the old objects that may point
// at young ones. Promotion only tags an address; objects never move.
type generations struct {
	mu         sync.RWMutex
	old        map[graph.Addr]struct{}
	remembered map[graph.Addr]struct{}
	numOld     atomic.Int64
}

func newGenerations() *generations {
	return &generations{
		old:        make(map[graph.Addr]struct{}),
		remembered: make(map[graph.Addr]struct{}),
	}
}

func (g *generations) isOld(a graph.Addr) bool {
	if g.numOld.Load() == 0 {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.old[a]
	return ok
}

// noteStore remembers parent when the store made it point from the old
// generation into the young one
func (g *generations) noteStore(parent, child graph.Addr) {
	if g.numOld.Load() == 0 {
		return
	}
	g.mu.RLock()
	_, parentOld := g.old[parent]
	_, childOld := g.old[child]
	_, known := g.remembered[parent]
	g.mu.RUnlock()
	if !parentOld || childOld || known {
		return
	}
	g.mu.Lock()
	g.remembered[parent] = struct{}{}
	g.mu.Unlock()
}

// promote tags a as old. It is remembered until a later termination finds
// it holds no young child.
func (g *generations) promote(a graph.Addr) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.old[a]; ok {
		return false
	}
	g.old[a] = struct{}{}
	g.remembered[a] = struct{}{}
	g.numOld.Store(int64(len(g.old)))
	return true
}

func (g *generations) rememberedParents() []graph.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	parents := make([]graph.Addr, 0, len(g.remembered))
	for a := range g.remembered {
		parents = append(parents, a)
	}
	return parents
}

// retain drops every tracked address for which live reports false
func (g *generations) retain(live func(graph.Addr) bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for a := range g.old {
		if !live(a) {
			delete(g.old, a)
		}
	}
	for a := range g.remembered {
		if !live(a) {
			delete(g.remembered, a)
		}
	}
	g.numOld.Store(int64(len(g.old)))
}

func (g *generations) forget(parents []graph.Addr) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range parents {
		delete(g.remembered, a)
	}
}

func (g *generations) counts() (old, remembered int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.old), len(g.remembered)
}

// youngView is the heap as the marker sees it: during a young cycle old
// children are hidden, so tracing stops at the generation boundary
type youngView struct {
	c *Collector
}

func (v youngView) ForEachChild(addr graph.Addr, fn func(child graph.Addr)) error {
	if !v.c.youngCycle.Load() {
		return v.c.heap.ForEachChild(addr, fn)
	}
	return v.c.heap.ForEachChild(addr, func(child graph.Addr) {
		if !v.c.gens.isOld(child) {
			fn(child)
		}
	})
}

// youngChildren calls fn for every young child of each remembered parent
func (c *Collector) youngChildren(fn func(graph.Addr)) error {
	for _, p := range c.gens.rememberedParents() {
		err := c.heap.ForEachChild(p, func(child graph.Addr) {
			if !c.gens.isOld(child) {
				fn(child)
			}
		})
		if err != nil {
			return fmt.Errorf("%w: remembered %s: %w", ErrAllocatorCallback, p, err)
		}
	}
	return nil
}

// pruneRemembered forgets parents that no longer point into the young
// generation. Runs with the world stopped.
func (c *Collector) pruneRemembered() error {
	var stale []graph.Addr
	for _, p := range c.gens.rememberedParents() {
		young := false
		err := c.heap.ForEachChild(p, func(child graph.Addr) {
			if !young && !c.gens.isOld(child) {
				young = true
			}
		})
		if err != nil {
			return fmt.Errorf("%w: remembered %s: %w", ErrAllocatorCallback, p, err)
		}
		if !young {
			stale = append(stale, p)
		}
	}
	c.gens.forget(stale)
	return nil
}

// StartYoungGC begins a cycle over the young generation only. Old objects
// are treated as live and are not traced or swept; young objects they
// point at are found through the remembered set.
func (c *Collector) StartYoungGC(roots []graph.Addr) (CycleToken, error) {
	if !c.cfg.Generational {
		return CycleToken{}, fmt.Errorf("StartYoungGC: generational collection disabled: %w", ErrInvalidState)
	}
	return c.start(roots, true)
}

// CollectYoung runs a full young cycle from roots. Survivors old enough
// by ShouldPromote are promoted at the end and reported in
// CycleStats.Promoted.
func (c *Collector) CollectYoung(roots []graph.Addr) (CycleStats, error) {
	tok, err := c.StartYoungGC(roots)
	if err != nil {
		return CycleStats{}, err
	}
	return c.run(tok)
}

// ShouldTriggerYoungGC reports whether bytes allocated since the last
// cycle exceed the young generation's share of the heap limit
func (c *Collector) ShouldTriggerYoungGC() bool {
	return c.cfg.Generational && c.pacer.ShouldTriggerYoungGC()
}

// GenerationOf returns the generation addr belongs to
func (c *Collector) GenerationOf(addr graph.Addr) Generation {
	if c.gens.isOld(addr) {
		return GenOld
	}
	return GenYoung
}

// NumOld returns the number of promoted objects still tracked
func (c *Collector) NumOld() int {
	old, _ := c.gens.counts()
	return old
}

// NumRemembered returns the number of old objects recorded as pointing
// into the young generation
func (c *Collector) NumRemembered() int {
	_, remembered := c.gens.counts()
	return remembered
}
