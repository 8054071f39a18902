package vm

import (
	"fmt"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

// Version is the runtime version recorded in snapshots. Restore accepts
// snapshots from any runtime with the same major version.
const Version = "0.4.0"

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	// Workers is the size of the scheduler's worker pool. Zero selects
	// one worker per CPU.
	Workers int

	// Types seeds the shared type registry. Nil selects the standard
	// types.
	Types *TypeRegistry

	// MaintenanceInterval is the background collection sweep interval.
	// Zero selects DefaultMaintenanceInterval; negative disables the
	// sweeper entirely.
	MaintenanceInterval time.Duration
}

// Runtime owns everything shared across contexts: the type registry, the
// safepoint coordinator, the context registry, the scheduler, and the
// module tables. Heaps are never shared; each context brings its own.
type Runtime struct {
	types       *TypeRegistry
	safepoint   *SafepointCoordinator
	contexts    *ContextRegistry
	sched       *Scheduler
	maintenance *Maintenance

	mu      sync.Mutex
	modules map[string]*CompiledModule
	funcs   map[uint32]TaskBody

	started atomic.Bool
	log     commonlog.Logger
}

// NewRuntime builds a runtime. Call Start to launch the worker pool.
func NewRuntime(opts RuntimeOptions) *Runtime {
	workers := opts.Workers
	if workers <= 0 {
		workers = goruntime.NumCPU()
	}
	types := opts.Types
	if types == nil {
		types = NewStandardTypes()
	}
	rt := &Runtime{
		types:     types,
		safepoint: NewSafepointCoordinator(0),
		contexts:  NewContextRegistry(),
		modules:   make(map[string]*CompiledModule),
		funcs:     make(map[uint32]TaskBody),
		log:       commonlog.GetLogger("tern.runtime"),
	}
	rt.sched = newScheduler(rt, workers)
	if opts.MaintenanceInterval >= 0 {
		rt.maintenance = NewMaintenance(rt, opts.MaintenanceInterval)
	}
	return rt
}

// Types returns the shared type registry.
func (rt *Runtime) Types() *TypeRegistry { return rt.types }

// Safepoint returns the stop-the-world coordinator.
func (rt *Runtime) Safepoint() *SafepointCoordinator { return rt.safepoint }

// Scheduler returns the task scheduler.
func (rt *Runtime) Scheduler() *Scheduler { return rt.sched }

// Maintenance returns the background sweeper, nil when disabled.
func (rt *Runtime) Maintenance() *Maintenance { return rt.maintenance }

// Start launches the scheduler's worker pool. Idempotent.
func (rt *Runtime) Start() {
	if rt.started.Swap(true) {
		return
	}
	rt.sched.start()
	if rt.maintenance != nil {
		rt.maintenance.Start()
	}
	rt.log.Infof("started: %d workers", rt.sched.workers)
}

// Shutdown stops the worker pool and waits for workers to exit. Contexts
// and their heaps survive shutdown; a snapshot may still be taken after.
func (rt *Runtime) Shutdown() {
	if !rt.started.Swap(false) {
		return
	}
	if rt.maintenance != nil {
		rt.maintenance.Stop()
	}
	rt.sched.shutdown()
	rt.log.Info("stopped")
}

// ---------------------------------------------------------------------------
// Contexts
// ---------------------------------------------------------------------------

// CreateContext creates an isolated execution context with the given
// limits and capability grants.
func (rt *Runtime) CreateContext(opts ContextOptions) *Context {
	c := rt.contexts.create(rt, opts)
	rt.log.Infof("context %d created (heap limit %d bytes)", c.ID(), c.Limits().MaxHeapBytes)
	return c
}

// Context returns a live context by id.
func (rt *Runtime) Context(id ContextID) (*Context, error) {
	return rt.contexts.Get(id)
}

// Contexts returns the context registry.
func (rt *Runtime) Contexts() *ContextRegistry { return rt.contexts }

// TerminateContext tears down a context under a stop-the-world pause:
// its tasks are cancelled, finalizers run, and its heap is released.
// Foreign handles held by other contexts dangle and fail with
// ErrInvalidObjectRef afterwards.
func (rt *Runtime) TerminateContext(id ContextID) error {
	c, err := rt.contexts.Get(id)
	if err != nil {
		return err
	}
	if err := rt.pause(PauseReasonTermination); err != nil {
		return err
	}
	defer rt.safepoint.Release()

	rt.sched.dropWaiters(c)
	c.terminate()
	rt.contexts.remove(id)
	return nil
}

// pause requests a stop-the-world pause, counting the caller as parked
// when it runs on a worker goroutine.
func (rt *Runtime) pause(reason PauseReason) error {
	if rt.onWorkerGoroutine() {
		return rt.safepoint.RequestPauseSelf(reason)
	}
	return rt.safepoint.RequestPause(reason)
}

func (rt *Runtime) onWorkerGoroutine() bool {
	return rt.sched.onWorkerGoroutine()
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// Spawn creates a task in the given context running the registered
// function funcIndex with the given locals.
func (rt *Runtime) Spawn(id ContextID, funcIndex uint32, locals []Value) (*Task, error) {
	c, err := rt.contexts.Get(id)
	if err != nil {
		return nil, err
	}
	return rt.sched.Spawn(c, funcIndex, locals)
}

func (rt *Runtime) lookupFunction(index uint32) (TaskBody, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	body, ok := rt.funcs[index]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFunction, index)
	}
	return body, nil
}

// CancelTask requests cooperative cancellation of a task.
func (rt *Runtime) CancelTask(ctxID ContextID, taskID TaskID) error {
	c, err := rt.contexts.Get(ctxID)
	if err != nil {
		return err
	}
	t, ok := c.Task(taskID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	t.Cancel()
	return nil
}
