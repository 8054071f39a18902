package vm

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Mark-Sweep Collector (per context)
// ---------------------------------------------------------------------------

// Collector phases. Transitions are Idle -> Marking -> Sweeping -> Idle,
// always under a stop-the-world pause for the owning context.
const (
	gcIdle uint32 = iota
	gcMarking
	gcSweeping
)

// Default collection tuning. The threshold adapts to the live set after
// every cycle so pause frequency tracks actual retention.
const (
	DefaultGCThreshold  = 1 << 20 // 1 MiB
	DefaultGrowthFactor = 2.0
	DefaultMinThreshold = 64 << 10 // 64 KiB
)

// CollectionStats describes a single completed collection cycle.
type CollectionStats struct {
	Marked      int
	Freed       int
	FreedBytes  uint64
	LiveObjects int
	LiveBytes   uint64
	Duration    time.Duration
}

// GCStats accumulates collector statistics across cycles.
type GCStats struct {
	Collections    uint64
	ObjectsFreed   uint64
	BytesFreed     uint64
	TotalPauseTime time.Duration
	MaxPauseTime   time.Duration
	Last           CollectionStats
}

// RootSource supplies the collector's roots: every Value reachable from the
// context's globals and from the stacks/locals of every task registered to
// it. AppendRoots must append into dst and return it, allocating at most to
// grow dst.
type RootSource interface {
	AppendRoots(dst []Value) []Value
}

// Collector is the precise, per-context mark-sweep collector. It uses the
// type registry's pointer maps to trace exactly the pointer fields of each
// live object; nothing is scanned conservatively and nothing is relocated.
type Collector struct {
	heap  *Heap
	types *TypeRegistry

	phase atomic.Uint32

	// threshold is read by allocating workers and the maintenance sweeper
	// while a collection may be adapting it.
	threshold    atomic.Uint64
	growthFactor float64
	minThreshold uint64

	// Reused across cycles so marking does not allocate in steady state.
	worklist []Value

	stats GCStats
}

// NewCollector creates a collector for the given heap.
func NewCollector(heap *Heap) *Collector {
	c := &Collector{
		heap:         heap,
		types:        heap.Types(),
		growthFactor: DefaultGrowthFactor,
		minThreshold: DefaultMinThreshold,
	}
	c.threshold.Store(DefaultGCThreshold)
	return c
}

// SetThreshold overrides the bytes-used watermark that triggers the next
// collection.
func (c *Collector) SetThreshold(bytes uint64) { c.threshold.Store(bytes) }

// Threshold returns the current collection watermark.
func (c *Collector) Threshold() uint64 { return c.threshold.Load() }

// ShouldCollect reports whether used bytes have crossed the watermark.
func (c *Collector) ShouldCollect() bool {
	return c.heap.UsedBytes() > c.threshold.Load()
}

// InProgress reports whether a mark or sweep phase is running. The snapshot
// subsystem refuses to serialize a heap mid-cycle.
func (c *Collector) InProgress() bool {
	return c.phase.Load() != gcIdle
}

// Stats returns accumulated collector statistics.
func (c *Collector) Stats() GCStats { return c.stats }

// collect runs one full mark-sweep cycle. The caller must hold a
// stop-the-world pause covering every worker that can touch this heap:
// the guarantee that anything reachable at mark-start survives the cycle
// depends on no mutation happening mid-cycle.
//
// An internal fault here is a fatal defect, not a recoverable condition:
// once marking goes wrong the heap invariant can no longer be trusted.
func (c *Collector) collect(roots RootSource) CollectionStats {
	start := time.Now()

	c.phase.Store(gcMarking)
	marked := c.mark(roots)

	c.phase.Store(gcSweeping)
	freedCount, freedBytes := c.heap.sweepUnmarked()

	c.phase.Store(gcIdle)

	// Adapt the watermark to the surviving live set.
	next := uint64(float64(c.heap.UsedBytes()) * c.growthFactor)
	if next < c.minThreshold {
		next = c.minThreshold
	}
	c.threshold.Store(next)

	stats := CollectionStats{
		Marked:      marked,
		Freed:       freedCount,
		FreedBytes:  freedBytes,
		LiveObjects: c.heap.AllocationCount(),
		LiveBytes:   c.heap.UsedBytes(),
		Duration:    time.Since(start),
	}
	c.recordCycle(stats)
	return stats
}

func (c *Collector) recordCycle(stats CollectionStats) {
	c.stats.Collections++
	c.stats.ObjectsFreed += uint64(stats.Freed)
	c.stats.BytesFreed += stats.FreedBytes
	c.stats.TotalPauseTime += stats.Duration
	if stats.Duration > c.stats.MaxPauseTime {
		c.stats.MaxPauseTime = stats.Duration
	}
	c.stats.Last = stats
}

// mark clears this heap's mark bits, seeds the worklist from roots, and
// traces pointer fields until the worklist drains. Returns the number of
// objects marked.
func (c *Collector) mark(roots RootSource) int {
	c.heap.clearMarks()

	work := c.worklist[:0]
	work = roots.AppendRoots(work)

	marked := 0
	for len(work) > 0 {
		v := work[len(work)-1]
		work = work[:len(work)-1]

		obj := v.Object()
		if obj == nil || obj.marked {
			continue
		}
		if obj.context != c.heap.contextID {
			// A cross-heap pointer can only mean a corrupted heap.
			panic(fmt.Sprintf("gc: object owned by context %d reached from context %d", obj.context, c.heap.contextID))
		}
		obj.marked = true
		marked++

		if err := c.types.ForEachPointer(obj, func(_ int, child Value) {
			if child.IsObject() {
				work = append(work, child)
			}
		}); err != nil {
			panic(fmt.Sprintf("gc: %v", err))
		}
	}

	c.worklist = work[:0]
	return marked
}
