package vm

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
)

// ContextID identifies an execution context within a runtime. Ids are
// dense and never reused for the lifetime of the runtime.
type ContextID uint64

// ContextOptions configures a new execution context.
type ContextOptions struct {
	// MaxHeapBytes caps the context's private heap. Zero selects
	// DefaultMaxHeapBytes; set UnlimitedHeap for no cap.
	MaxHeapBytes  uint64
	UnlimitedHeap bool

	// MaxTasks caps concurrently live tasks in this context. Zero means
	// unlimited.
	MaxTasks uint64

	// MaxSteps caps total execution steps charged against this context.
	// Zero means unlimited.
	MaxSteps uint64

	// GCThreshold sets the initial allocation threshold that triggers a
	// collection. Zero selects DefaultGCThreshold.
	GCThreshold uint64

	// Capabilities is the fixed set granted at creation. A context can
	// reach nothing outside itself except through these.
	Capabilities []Capability

	// Parent records the creating context, if any. Parenthood confers no
	// authority: the child's capability set is exactly Capabilities.
	Parent ContextID
}

// Context is an isolated execution context: a private heap with its own
// collector, a global table, a fixed capability set, resource limits, and
// the tasks pinned to it. No context can reach another context's heap;
// values cross only through Marshal.
type Context struct {
	id     ContextID
	parent ContextID

	runtime *Runtime
	heap    *Heap
	gc      *Collector

	limits   ResourceLimits
	counters ResourceCounters

	caps    *CapabilitySet
	foreign *ForeignTable

	mu      sync.Mutex
	globals map[string]Value
	tasks   map[TaskID]*Task
	sems    map[string]*Semaphore

	terminated     bool
	stepsExhausted bool
	log            commonlog.Logger
}

func newContext(id ContextID, rt *Runtime, opts ContextOptions) *Context {
	limits := ResourceLimits{
		MaxHeapBytes: opts.MaxHeapBytes,
		MaxTasks:     opts.MaxTasks,
		MaxSteps:     opts.MaxSteps,
	}
	if limits.MaxHeapBytes == 0 && !opts.UnlimitedHeap {
		limits.MaxHeapBytes = DefaultMaxHeapBytes
	}
	heap := NewHeap(id, rt.types)
	if !opts.UnlimitedHeap {
		heap.SetMaxBytes(limits.MaxHeapBytes)
	}
	gc := NewCollector(heap)
	if opts.GCThreshold != 0 {
		gc.SetThreshold(opts.GCThreshold)
	}
	return &Context{
		id:      id,
		parent:  opts.Parent,
		runtime: rt,
		heap:    heap,
		gc:      gc,
		limits:  limits,
		caps:    NewCapabilitySet(opts.Capabilities),
		foreign: NewForeignTable(),
		globals: make(map[string]Value),
		tasks:   make(map[TaskID]*Task),
		sems:    make(map[string]*Semaphore),
		log:     commonlog.GetLogger(fmt.Sprintf("tern.context.%d", id)),
	}
}

// ID returns the context's id.
func (c *Context) ID() ContextID { return c.id }

// Parent returns the id of the creating context, zero if none.
func (c *Context) Parent() ContextID { return c.parent }

// Heap returns the context's private heap.
func (c *Context) Heap() *Heap { return c.heap }

// Collector returns the context's collector.
func (c *Context) Collector() *Collector { return c.gc }

// Foreign returns the context's foreign object table.
func (c *Context) Foreign() *ForeignTable { return c.foreign }

// Capabilities returns the context's fixed capability set.
func (c *Context) Capabilities() *CapabilitySet { return c.caps }

// Limits returns the context's resource limits.
func (c *Context) Limits() ResourceLimits { return c.limits }

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// allocate runs alloc with collection support: when the collector's
// threshold is crossed a collection runs first, and when the heap limit is
// hit a collection runs and the allocation is retried once. A
// HeapLimitError after that is final and the heap is unchanged.
func (c *Context) allocate(alloc func() (Value, error)) (Value, error) {
	if c.gc.ShouldCollect() {
		// A concurrent pause holder wins the race; the allocation itself
		// still proceeds under the limit check below.
		if _, err := c.Collect(); err != nil && err != ErrPauseActive {
			return Null, err
		}
	}
	v, err := alloc()
	if err != nil && IsHeapLimit(err) {
		if _, cerr := c.Collect(); cerr == nil {
			v, err = alloc()
		}
	}
	if err != nil {
		return Null, err
	}
	c.syncHeapCounter()
	return v, nil
}

// syncHeapCounter refreshes the heap-bytes tally under the context lock.
func (c *Context) syncHeapCounter() {
	used := c.heap.UsedBytes()
	c.mu.Lock()
	c.counters.HeapBytesUsed = used
	c.mu.Unlock()
}

// Allocate allocates an object on the context's heap.
func (c *Context) Allocate(typeID TypeID, slots []Value, bytes []byte) (Value, error) {
	return c.allocate(func() (Value, error) { return c.heap.Allocate(typeID, slots, bytes) })
}

// AllocateString allocates a string object holding s.
func (c *Context) AllocateString(s string) (Value, error) {
	return c.allocate(func() (Value, error) { return c.heap.AllocateString(s) })
}

// AllocateArray allocates an array of n null slots.
func (c *Context) AllocateArray(n int) (Value, error) {
	return c.allocate(func() (Value, error) { return c.heap.AllocateArray(n) })
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// Collect runs a full mark-sweep collection of this context's heap under a
// safepoint pause. Objects unreachable from the root set (globals, task
// locals and operand stacks) are freed; foreign-table entries whose targets
// died are dropped. Returns ErrPauseActive when another pause holds the
// runtime.
func (c *Context) Collect() (CollectionStats, error) {
	sp := c.runtime.safepoint
	var err error
	if c.runtime.onWorkerGoroutine() {
		err = sp.RequestPauseSelf(PauseReasonGC)
	} else {
		err = sp.RequestPause(PauseReasonGC)
	}
	if err != nil {
		return CollectionStats{}, err
	}
	defer sp.Release()

	stats := c.gc.collect(c)
	c.foreign.sweepDead(func(v Value) bool {
		obj := v.Object()
		return obj == nil || !obj.marked
	})
	c.syncHeapCounter()
	c.log.Debugf("collected: freed %d objects (%d bytes), %d live", stats.Freed, stats.FreedBytes, stats.LiveObjects)
	return stats, nil
}

// AppendRoots appends every root value of the context: the global table
// plus the locals and operand stacks of all live tasks. Implements
// RootSource.
func (c *Context) AppendRoots(dst []Value) []Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.globals {
		dst = append(dst, v)
	}
	for _, t := range c.tasks {
		if !t.terminal() {
			dst = t.appendRoots(dst)
		}
	}
	return dst
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

// SetGlobal installs or replaces a named global. Globals are GC roots.
func (c *Context) SetGlobal(name string, v Value) {
	c.mu.Lock()
	c.globals[name] = v
	c.mu.Unlock()
}

// Global returns a named global.
func (c *Context) Global(name string) (Value, bool) {
	c.mu.Lock()
	v, ok := c.globals[name]
	c.mu.Unlock()
	return v, ok
}

// ForEachGlobal calls fn for every global. Callbacks must not allocate on
// this context's heap.
func (c *Context) ForEachGlobal(fn func(name string, v Value)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, v := range c.globals {
		fn(name, v)
	}
}

// ---------------------------------------------------------------------------
// Capabilities
// ---------------------------------------------------------------------------

// InvokeCapability invokes a granted capability by name. A name outside
// the context's set fails with ErrCapabilityNotFound; there is no ambient
// authority to fall back on.
func (c *Context) InvokeCapability(name string, args []Value) (Value, error) {
	capability := c.caps.Get(name)
	if capability == nil {
		return Null, fmt.Errorf("%w: %q", ErrCapabilityNotFound, name)
	}
	return capability.Invoke(c, args)
}

// ---------------------------------------------------------------------------
// Synchronization
// ---------------------------------------------------------------------------

// Semaphore returns the named semaphore, creating it with the given
// permit capacity on first use. The capacity of an existing semaphore is
// fixed; permits below one are raised to one.
func (c *Context) Semaphore(name string, permits uint32) *Semaphore {
	if permits < 1 {
		permits = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sems[name]
	if !ok {
		s = &Semaphore{name: name, ctx: c, max: permits, available: permits}
		c.sems[name] = s
	}
	return s
}

// Mutex returns the named one-permit semaphore.
func (c *Context) Mutex(name string) *Semaphore { return c.Semaphore(name, 1) }

// ---------------------------------------------------------------------------
// Tasks and accounting
// ---------------------------------------------------------------------------

// addTask registers a task against the context's task limit.
func (c *Context) addTask(t *Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return fmt.Errorf("%w: %d", ErrContextNotFound, c.id)
	}
	if c.limits.MaxTasks != 0 && c.counters.Tasks >= c.limits.MaxTasks {
		return fmt.Errorf("%w: %d tasks", ErrTaskLimitExceeded, c.limits.MaxTasks)
	}
	c.tasks[t.id] = t
	c.counters.Tasks++
	return nil
}

// removeTask drops a terminal task from the live set.
func (c *Context) removeTask(id TaskID) {
	c.mu.Lock()
	if _, ok := c.tasks[id]; ok {
		delete(c.tasks, id)
		c.counters.Tasks--
	}
	c.mu.Unlock()
}

// Task returns a live task by id.
func (c *Context) Task(id TaskID) (*Task, bool) {
	c.mu.Lock()
	t, ok := c.tasks[id]
	c.mu.Unlock()
	return t, ok
}

// ChargeSteps charges n execution steps against the context's step budget.
// A charge that would cross the ceiling is rejected before it commits, so
// the counter never exceeds the limit. Exhaustion is permanent: every
// further charge fails.
func (c *Context) ChargeSteps(n uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limits.MaxSteps != 0 {
		if c.stepsExhausted || c.counters.StepsExecuted+n > c.limits.MaxSteps {
			c.stepsExhausted = true
			return fmt.Errorf("%w: %d steps", ErrStepBudgetExceeded, c.limits.MaxSteps)
		}
	}
	c.counters.StepsExecuted += n
	return nil
}

// Stats returns a point-in-time view of the context's resource usage.
func (c *Context) Stats() ContextStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ContextStats{
		HeapBytesUsed:  c.heap.UsedBytes(),
		MaxHeapBytes:   c.limits.MaxHeapBytes,
		Tasks:          c.counters.Tasks,
		MaxTasks:       c.limits.MaxTasks,
		StepsExecuted:  c.counters.StepsExecuted,
		MaxSteps:       c.limits.MaxSteps,
		LiveObjects:    uint64(c.heap.AllocationCount()),
		ForeignHandles: uint64(c.foreign.Count()),
	}
}

// terminate cancels every live task, runs finalizers, and releases the
// heap. Foreign handles held by other contexts dangle and fail with
// ErrInvalidObjectRef on resolution.
func (c *Context) terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	tasks := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	c.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
		t.finish(TaskCancelled, nil)
	}
	c.foreign.clear()
	c.heap.release()
	c.log.Info("terminated")
}
