package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Task: a unit of cooperative execution pinned to one context
// ---------------------------------------------------------------------------

// TaskID identifies a task within a runtime.
type TaskID uint64

// TaskState is the lifecycle state of a task.
type TaskState int32

const (
	TaskRunnable TaskState = iota
	TaskRunning
	TaskAwaiting
	TaskDone
	TaskCancelled
	TaskFailed
	TaskBlocked
)

func (s TaskState) String() string {
	switch s {
	case TaskRunnable:
		return "runnable"
	case TaskRunning:
		return "running"
	case TaskAwaiting:
		return "awaiting"
	case TaskDone:
		return "done"
	case TaskCancelled:
		return "cancelled"
	case TaskFailed:
		return "failed"
	case TaskBlocked:
		return "blocked"
	default:
		return "?"
	}
}

// TaskStatus is what a task body reports at the end of one cooperative
// slice.
type TaskStatus uint8

const (
	// StatusYield: the slice is over but the task is still runnable.
	StatusYield TaskStatus = iota

	// StatusAwait: the task blocks until the awaited task completes.
	StatusAwait

	// StatusDone: the task finished; its result is set.
	StatusDone

	// StatusBlocked: a failed semaphore acquire parked the task; a
	// release re-enqueues it. The body must return this immediately
	// after the failed Acquire, without touching the continuation.
	StatusBlocked
)

// Continuation is the serializable execution state of a task: everything
// needed to resume it after a snapshot restore. Locals and Operands are
// also the task's GC roots.
type Continuation struct {
	FuncIndex uint32
	IP        uint32
	Locals    []Value
	Operands  []Value
}

// TaskBody executes one cooperative slice of a task. The bytecode
// interpreter supplies bodies when modules are registered; the runtime
// only requires that a body reads and writes the task's continuation,
// polls no longer than a slice, and reports its disposition.
type TaskBody func(ctx *Context, t *Task) (TaskStatus, error)

// Task is a unit of cooperative execution. It is pinned to exactly one
// context for its lifetime and only ever touches that context's heap.
// Suspension happens only at explicit points: awaiting another task or
// being safepoint-paused. Cancellation is observed at the next slice
// boundary, never mid-slice, preserving heap consistency.
type Task struct {
	id      TaskID
	context ContextID

	state     atomic.Int32
	cancelled atomic.Bool

	// Cont is the serializable continuation; its Locals and Operands are
	// this task's GC roots. Only the worker currently running the task (or
	// the collector/snapshotter during a pause) touches it.
	Cont Continuation

	body     TaskBody
	awaiting TaskID

	// blockedOn and grant are owned by the semaphore the task interacts
	// with; both are read and written only under that semaphore's lock,
	// or during a stop-the-world pause.
	blockedOn *Semaphore
	grant     *Semaphore

	mu     sync.Mutex
	result Value
	err    error
	done   chan struct{}
}

func newTask(id TaskID, context ContextID, cont Continuation, body TaskBody) *Task {
	return &Task{
		id:      id,
		context: context,
		Cont:    cont,
		body:    body,
		done:    make(chan struct{}),
	}
}

// ID returns the task's id.
func (t *Task) ID() TaskID { return t.id }

// ContextID returns the id of the context this task is pinned to.
func (t *Task) ContextID() ContextID { return t.context }

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// Cancelled reports whether cancellation has been requested. The task
// observes it cooperatively at its next slice boundary.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Cancel requests cooperative cancellation.
func (t *Task) Cancel() { t.cancelled.Store(true) }

// Awaiting returns the id of the task this task is blocked on, if any.
func (t *Task) Awaiting() TaskID { return t.awaiting }

// BlockedOn returns the semaphore the task is parked on, if any.
func (t *Task) BlockedOn() *Semaphore { return t.blockedOn }

// takeGrant consumes a permit handed over by Release. Called by Acquire
// under the semaphore's lock.
func (t *Task) takeGrant(s *Semaphore) bool {
	if t.grant == s {
		t.grant = nil
		return true
	}
	return false
}

// Await records that the task blocks on target. The body calls this before
// returning StatusAwait.
func (t *Task) Await(target TaskID) { t.awaiting = target }

// SetResult records the task's result. The body calls this before
// returning StatusDone.
func (t *Task) SetResult(v Value) {
	t.mu.Lock()
	t.result = v
	t.mu.Unlock()
}

// Result returns the task's result and error. Valid once Done() is closed.
func (t *Task) Result() (Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// finish moves the task to a terminal state exactly once.
func (t *Task) finish(state TaskState, err error) {
	t.mu.Lock()
	if TaskState(t.state.Load()) == TaskDone || TaskState(t.state.Load()) == TaskCancelled || TaskState(t.state.Load()) == TaskFailed {
		t.mu.Unlock()
		return
	}
	t.err = err
	t.state.Store(int32(state))
	close(t.done)
	t.mu.Unlock()
}

// terminal reports whether the task has reached a terminal state.
func (t *Task) terminal() bool {
	switch t.State() {
	case TaskDone, TaskCancelled, TaskFailed:
		return true
	default:
		return false
	}
}

// appendRoots appends the task's GC roots (locals and operand stack).
func (t *Task) appendRoots(dst []Value) []Value {
	dst = append(dst, t.Cont.Locals...)
	dst = append(dst, t.Cont.Operands...)
	return dst
}
