package vm

import (
	"errors"
	"testing"
	"time"
)

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %d did not finish (state %s)", task.ID(), task.State())
	}
}

// TestScheduler_RunToCompletion drives a task that counts up across
// several cooperative slices before producing a result.
func TestScheduler_RunToCompletion(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 2})
	rt.Start()
	defer rt.Shutdown()

	if err := rt.RegisterModule(&CompiledModule{
		Name: "count",
		Functions: []FunctionInfo{{Index: 1, Name: "countToThree", Body: func(c *Context, task *Task) (TaskStatus, error) {
			if task.Cont.IP < 3 {
				task.Cont.IP++
				return StatusYield, nil
			}
			task.SetResult(FromInt32(int32(task.Cont.IP)))
			return StatusDone, nil
		}}},
	}); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}

	ctx := rt.CreateContext(ContextOptions{})
	task, err := rt.Spawn(ctx.ID(), 1, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitDone(t, task)

	if task.State() != TaskDone {
		t.Fatalf("state: got %s, want done", task.State())
	}
	res, err := task.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res != FromInt32(3) {
		t.Errorf("result: got %v, want 3", res)
	}
	if _, ok := ctx.Task(task.ID()); ok {
		t.Error("finished task still counted against the context")
	}
}

// TestScheduler_Await: one task awaits another and picks up its result.
func TestScheduler_Await(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 2})
	rt.Start()
	defer rt.Shutdown()

	var producer *Task
	if err := rt.RegisterModule(&CompiledModule{
		Name: "await",
		Functions: []FunctionInfo{
			{Index: 1, Name: "produce", Body: func(c *Context, task *Task) (TaskStatus, error) {
				task.SetResult(FromInt32(7))
				return StatusDone, nil
			}},
			{Index: 2, Name: "consume", Body: func(c *Context, task *Task) (TaskStatus, error) {
				if task.Cont.IP == 0 {
					task.Cont.IP = 1
					task.Await(producer.ID())
					return StatusAwait, nil
				}
				res, _ := producer.Result()
				task.SetResult(res)
				return StatusDone, nil
			}},
		},
	}); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}

	ctx := rt.CreateContext(ContextOptions{})
	var err error
	producer, err = rt.Spawn(ctx.ID(), 1, nil)
	if err != nil {
		t.Fatalf("Spawn producer: %v", err)
	}
	consumer, err := rt.Spawn(ctx.ID(), 2, nil)
	if err != nil {
		t.Fatalf("Spawn consumer: %v", err)
	}
	waitDone(t, consumer)

	res, _ := consumer.Result()
	if res != FromInt32(7) {
		t.Errorf("awaited result: got %v, want 7", res)
	}
}

// TestScheduler_CancellationAtSliceBoundary: a cancelled task observes
// cancellation cooperatively, never mid-slice.
func TestScheduler_CancellationAtSliceBoundary(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 1})
	rt.Start()
	defer rt.Shutdown()

	if err := rt.RegisterModule(&CompiledModule{
		Name: "spin",
		Functions: []FunctionInfo{{Index: 1, Name: "spin", Body: func(c *Context, task *Task) (TaskStatus, error) {
			return StatusYield, nil
		}}},
	}); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}

	ctx := rt.CreateContext(ContextOptions{})
	task, err := rt.Spawn(ctx.ID(), 1, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := rt.CancelTask(ctx.ID(), task.ID()); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	waitDone(t, task)

	if task.State() != TaskCancelled {
		t.Errorf("state: got %s, want cancelled", task.State())
	}
}

// TestScheduler_StepBudget: a spinning task in a step-limited context
// fails with ErrStepBudgetExceeded; further charges stay rejected.
func TestScheduler_StepBudget(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 1})
	rt.Start()
	defer rt.Shutdown()

	if err := rt.RegisterModule(&CompiledModule{
		Name: "burn",
		Functions: []FunctionInfo{{Index: 1, Name: "burn", Body: func(c *Context, task *Task) (TaskStatus, error) {
			return StatusYield, nil
		}}},
	}); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}

	ctx := rt.CreateContext(ContextOptions{MaxSteps: 5})
	task, err := rt.Spawn(ctx.ID(), 1, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitDone(t, task)

	if task.State() != TaskFailed {
		t.Fatalf("state: got %s, want failed", task.State())
	}
	if _, err := task.Result(); !errors.Is(err, ErrStepBudgetExceeded) {
		t.Errorf("error: got %v, want ErrStepBudgetExceeded", err)
	}
	if err := ctx.ChargeSteps(1); !errors.Is(err, ErrStepBudgetExceeded) {
		t.Errorf("budget exhaustion should be permanent, got %v", err)
	}
	if steps := ctx.Stats().StepsExecuted; steps > 5 {
		t.Errorf("rejected charges committed: %d steps executed of max 5", steps)
	}
}

// TestContext_RejectedChargeDoesNotCommit: a charge that would cross the
// ceiling leaves the counter untouched, and exhaustion persists even for
// charges that would otherwise fit.
func TestContext_RejectedChargeDoesNotCommit(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 1, MaintenanceInterval: -1})
	ctx := rt.CreateContext(ContextOptions{MaxSteps: 10})

	if err := ctx.ChargeSteps(4); err != nil {
		t.Fatalf("ChargeSteps(4): %v", err)
	}
	if err := ctx.ChargeSteps(20); !errors.Is(err, ErrStepBudgetExceeded) {
		t.Fatalf("oversized charge: got %v, want ErrStepBudgetExceeded", err)
	}
	if steps := ctx.Stats().StepsExecuted; steps != 4 {
		t.Errorf("counter after rejected charge: got %d, want 4", steps)
	}
	if err := ctx.ChargeSteps(1); !errors.Is(err, ErrStepBudgetExceeded) {
		t.Errorf("charge after exhaustion: got %v, want ErrStepBudgetExceeded", err)
	}
}

// TestScheduler_ConcurrentAllocationOneContext: two tasks pinned to the
// same context allocate from different workers at once; the heap's
// accounting must come out exact.
func TestScheduler_ConcurrentAllocationOneContext(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 2, MaintenanceInterval: -1})
	rt.Start()
	defer rt.Shutdown()

	const slices = 50
	if err := rt.RegisterModule(&CompiledModule{
		Name: "churn",
		Functions: []FunctionInfo{{Index: 1, Name: "allocate", Body: func(c *Context, task *Task) (TaskStatus, error) {
			if task.Cont.IP >= slices {
				task.SetResult(True)
				return StatusDone, nil
			}
			v, err := c.Allocate(TypeIDArray, []Value{FromInt32(int32(task.Cont.IP))}, nil)
			if err != nil {
				return StatusDone, err
			}
			task.Cont.Locals = append(task.Cont.Locals, v)
			task.Cont.IP++
			return StatusYield, nil
		}}},
	}); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}

	ctx := rt.CreateContext(ContextOptions{MaxTasks: 8, GCThreshold: 1 << 30})
	first, err := rt.Spawn(ctx.ID(), 1, nil)
	if err != nil {
		t.Fatalf("Spawn first: %v", err)
	}
	second, err := rt.Spawn(ctx.ID(), 1, nil)
	if err != nil {
		t.Fatalf("Spawn second: %v", err)
	}
	waitDone(t, first)
	waitDone(t, second)

	if res, err := first.Result(); err != nil || res != True {
		t.Fatalf("first task: result %v err %v", res, err)
	}
	if res, err := second.Result(); err != nil || res != True {
		t.Fatalf("second task: result %v err %v", res, err)
	}
	if n := ctx.Heap().AllocationCount(); n != 2*slices {
		t.Errorf("allocation count: got %d, want %d", n, 2*slices)
	}
	want := uint64(2*slices) * allocationSize(1, 0)
	if used := ctx.Heap().UsedBytes(); used != want {
		t.Errorf("used bytes: got %d, want %d", used, want)
	}
}

// TestScheduler_TaskLimit: spawning past MaxTasks is rejected before the
// task is created.
func TestScheduler_TaskLimit(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 1})
	// Unstarted: spawned tasks stay queued, keeping the live count stable.

	if err := rt.RegisterModule(&CompiledModule{
		Name: "limit",
		Functions: []FunctionInfo{{Index: 1, Name: "idle", Body: func(c *Context, task *Task) (TaskStatus, error) {
			return StatusYield, nil
		}}},
	}); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}

	ctx := rt.CreateContext(ContextOptions{MaxTasks: 2})
	for i := 0; i < 2; i++ {
		if _, err := rt.Spawn(ctx.ID(), 1, nil); err != nil {
			t.Fatalf("Spawn %d: %v", i+1, err)
		}
	}
	if _, err := rt.Spawn(ctx.ID(), 1, nil); !errors.Is(err, ErrTaskLimitExceeded) {
		t.Errorf("third spawn: got %v, want ErrTaskLimitExceeded", err)
	}
	if ctx.Stats().Tasks != 2 {
		t.Errorf("task counter after rejection: got %d, want 2", ctx.Stats().Tasks)
	}
}

func TestScheduler_UnknownFunctionRejected(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 1})
	ctx := rt.CreateContext(ContextOptions{})
	if _, err := rt.Spawn(ctx.ID(), 42, nil); !errors.Is(err, ErrUnknownFunction) {
		t.Errorf("spawn of unregistered function: got %v, want ErrUnknownFunction", err)
	}
}

// TestScheduler_WorkerTriggeredCollection: a collection requested from
// inside a task body must not deadlock against the requesting worker.
func TestScheduler_WorkerTriggeredCollection(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 2})
	rt.Start()
	defer rt.Shutdown()

	if err := rt.RegisterModule(&CompiledModule{
		Name: "gcinline",
		Functions: []FunctionInfo{{Index: 1, Name: "collectSelf", Body: func(c *Context, task *Task) (TaskStatus, error) {
			if _, err := c.AllocateString("garbage"); err != nil {
				return StatusDone, err
			}
			if _, err := c.Collect(); err != nil && !errors.Is(err, ErrPauseActive) {
				return StatusDone, err
			}
			task.SetResult(True)
			return StatusDone, nil
		}}},
	}); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}

	ctx := rt.CreateContext(ContextOptions{})
	task, err := rt.Spawn(ctx.ID(), 1, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitDone(t, task)

	if res, err := task.Result(); err != nil || res != True {
		t.Errorf("in-task collection: result %v err %v", res, err)
	}
}
