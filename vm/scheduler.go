package vm

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Scheduler: worker pool driving tasks in cooperative slices
// ---------------------------------------------------------------------------

// idlePollInterval bounds how long an idle worker blocks on the run queue
// before polling the safepoint again, which bounds pause latency while the
// queue is empty.
const idlePollInterval = time.Millisecond

// defaultQueueDepth is the run queue capacity.
const defaultQueueDepth = 4096

// Scheduler runs tasks on a fixed pool of worker goroutines. Each worker
// is registered with the safepoint coordinator and polls it between
// slices; a task is never preempted mid-slice.
type Scheduler struct {
	rt      *Runtime
	workers int

	queue chan *Task
	stop  chan struct{}
	wg    sync.WaitGroup

	// workerIDs maps goroutine id to the worker, so code running inside a
	// task body can tell it is on a worker goroutine and request
	// self-counting pauses.
	workerIDs sync.Map

	nextTaskID atomic.Uint64

	mu      sync.Mutex
	waiters map[waitKey][]*Task

	log commonlog.Logger
}

// waitKey scopes the waiter table to one context. Restored contexts keep
// the task ids their snapshot recorded, so a bare TaskID can collide with
// a live task of another context.
type waitKey struct {
	ctx    ContextID
	target TaskID
}

func newScheduler(rt *Runtime, workers int) *Scheduler {
	return &Scheduler{
		rt:      rt,
		workers: workers,
		queue:   make(chan *Task, defaultQueueDepth),
		waiters: make(map[waitKey][]*Task),
		log:     commonlog.GetLogger("tern.scheduler"),
	}
}

// start launches the worker pool. Each generation of workers gets its own
// stop channel so the pool can be started again after shutdown.
func (s *Scheduler) start() {
	s.stop = make(chan struct{})
	stopCh := s.stop
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i, stopCh)
	}
}

// shutdown stops the workers and waits for them to exit. Queued tasks stay
// queued; a later snapshot still captures them as runnable.
func (s *Scheduler) shutdown() {
	close(s.stop)
	s.wg.Wait()
}

// Spawn creates a task in ctx running the registered function funcIndex
// and enqueues it. The task counts against the context's task limit.
func (s *Scheduler) Spawn(ctx *Context, funcIndex uint32, locals []Value) (*Task, error) {
	body, err := s.rt.lookupFunction(funcIndex)
	if err != nil {
		return nil, err
	}
	id := TaskID(s.nextTaskID.Add(1))
	t := newTask(id, ctx.ID(), Continuation{FuncIndex: funcIndex, Locals: locals}, body)
	if err := ctx.addTask(t); err != nil {
		return nil, err
	}
	s.enqueue(t)
	return t, nil
}

func (s *Scheduler) enqueue(t *Task) {
	t.state.Store(int32(TaskRunnable))
	s.queue <- t
}

// resume re-enqueues a restored task.
func (s *Scheduler) resume(t *Task) {
	s.enqueue(t)
}

// restoreWaiter parks a restored task in the waiter table.
func (s *Scheduler) restoreWaiter(ctx ContextID, target TaskID, t *Task) {
	t.state.Store(int32(TaskAwaiting))
	key := waitKey{ctx, target}
	s.mu.Lock()
	s.waiters[key] = append(s.waiters[key], t)
	s.mu.Unlock()
}

// restoreTaskID bumps the task id counter past id, keeping restored ids
// unique among newly spawned ones.
func (s *Scheduler) restoreTaskID(id TaskID) {
	for {
		cur := s.nextTaskID.Load()
		if cur >= uint64(id) {
			return
		}
		if s.nextTaskID.CompareAndSwap(cur, uint64(id)) {
			return
		}
	}
}

func (s *Scheduler) worker(n int, stopCh <-chan struct{}) {
	defer s.wg.Done()
	s.rt.safepoint.RegisterWorker()
	defer s.rt.safepoint.DeregisterWorker()

	gid := getGoroutineID()
	s.workerIDs.Store(gid, n)
	defer s.workerIDs.Delete(gid)

	idle := time.NewTimer(idlePollInterval)
	defer idle.Stop()

	for {
		s.rt.safepoint.Poll()
		select {
		case <-stopCh:
			return
		case t := <-s.queue:
			s.runSlice(t)
		default:
		}
		idle.Reset(idlePollInterval)
		select {
		case <-stopCh:
			return
		case t := <-s.queue:
			s.runSlice(t)
		case <-idle.C:
		}
	}
}

// runSlice drives one cooperative slice of t. Cancellation is observed
// here, at the slice boundary, never mid-slice.
func (s *Scheduler) runSlice(t *Task) {
	ctx, err := s.rt.contexts.Get(t.context)
	if err != nil {
		t.finish(TaskCancelled, err)
		s.wake(t.context, t.id)
		return
	}
	if t.Cancelled() {
		s.settle(ctx, t, TaskCancelled, nil)
		return
	}
	if err := ctx.ChargeSteps(1); err != nil {
		s.settle(ctx, t, TaskFailed, err)
		return
	}

	t.state.Store(int32(TaskRunning))
	status, err := t.body(ctx, t)
	if err != nil {
		s.settle(ctx, t, TaskFailed, err)
		return
	}

	switch status {
	case StatusDone:
		s.settle(ctx, t, TaskDone, nil)
	case StatusAwait:
		s.await(ctx, t)
	case StatusBlocked:
		// The semaphore already parked the task under its own lock; a
		// release re-enqueues it.
	default:
		s.enqueue(t)
	}
}

// settle moves t to a terminal state, releases its task slot, and wakes
// its awaiters.
func (s *Scheduler) settle(ctx *Context, t *Task, state TaskState, err error) {
	t.finish(state, err)
	ctx.removeTask(t.id)
	s.wake(ctx.ID(), t.id)
	if err != nil {
		s.log.Errorf("task %d failed: %s", t.id, err.Error())
	}
}

// await parks t until its awaited task completes. An already terminal (or
// unknown) target makes t immediately runnable again; the body re-checks
// the target on its next slice.
func (s *Scheduler) await(ctx *Context, t *Task) {
	target := t.Awaiting()
	key := waitKey{ctx.ID(), target}
	s.mu.Lock()
	tt, ok := ctx.Task(target)
	if ok && !tt.terminal() {
		t.state.Store(int32(TaskAwaiting))
		s.waiters[key] = append(s.waiters[key], t)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.enqueue(t)
}

// wake re-enqueues every task of ctx awaiting id.
func (s *Scheduler) wake(ctx ContextID, id TaskID) {
	key := waitKey{ctx, id}
	s.mu.Lock()
	waiting := s.waiters[key]
	delete(s.waiters, key)
	s.mu.Unlock()
	for _, t := range waiting {
		s.enqueue(t)
	}
}

// onWorkerGoroutine reports whether the calling goroutine is one of the
// scheduler's workers.
func (s *Scheduler) onWorkerGoroutine() bool {
	_, ok := s.workerIDs.Load(getGoroutineID())
	return ok
}

// dropWaiters removes every waiter pinned to ctx, used at context
// termination.
func (s *Scheduler) dropWaiters(ctx *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.waiters {
		if key.ctx == ctx.ID() {
			delete(s.waiters, key)
		}
	}
}

// getGoroutineID returns the current goroutine's id by parsing the stack.
// Go does not expose goroutine ids directly.
func getGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Stack starts with "goroutine <id> [...]"
	s := string(buf[:n])
	s = strings.TrimPrefix(s, "goroutine ")
	if idx := strings.Index(s, " "); idx > 0 {
		s = s[:idx]
	}
	id, _ := strconv.ParseInt(s, 10, 64)
	return id
}
