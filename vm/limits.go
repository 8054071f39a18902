package vm

// ---------------------------------------------------------------------------
// Resource Limits & Counters
// ---------------------------------------------------------------------------

// DefaultMaxHeapBytes is the heap ceiling applied when a context is created
// without an explicit limit. Contexts are sandboxes; an unlimited heap must
// be asked for, never defaulted to.
const DefaultMaxHeapBytes = 64 << 20 // 64 MiB

// ResourceLimits are optional ceilings fixed at context creation.
// A zero field means unlimited, except MaxHeapBytes which defaults to
// DefaultMaxHeapBytes when left zero in ContextOptions.
type ResourceLimits struct {
	MaxHeapBytes uint64
	MaxTasks     uint64
	MaxSteps     uint64
}

// ResourceCounters are the live tallies read by the allocator, scheduler,
// and step-budget check.
//
// Invariant: counters never exceed limits after any successful operation.
// An operation that would violate a limit is rejected before taking effect.
type ResourceCounters struct {
	HeapBytesUsed uint64
	Tasks         uint64
	StepsExecuted uint64
}

// ContextStats is the externally visible snapshot of a context's resource
// state.
type ContextStats struct {
	HeapBytesUsed  uint64
	MaxHeapBytes   uint64
	Tasks          uint64
	MaxTasks       uint64
	StepsExecuted  uint64
	MaxSteps       uint64
	LiveObjects    uint64
	ForeignHandles uint64
}
