package vm

import (
	"sync/atomic"
	"testing"
)

func TestSemaphore_PermitAccounting(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 1, MaintenanceInterval: -1})
	c := rt.CreateContext(ContextOptions{})

	sem := c.Semaphore("db", 3)
	if sem.Capacity() != 3 || sem.Available() != 3 {
		t.Fatalf("fresh semaphore: capacity %d available %d", sem.Capacity(), sem.Available())
	}
	if c.Semaphore("db", 99) != sem {
		t.Error("same name must return the same semaphore")
	}

	for i := 0; i < 3; i++ {
		if !sem.TryAcquire() {
			t.Fatalf("TryAcquire %d should succeed", i)
		}
	}
	if sem.TryAcquire() {
		t.Error("TryAcquire past capacity should fail")
	}
	sem.Release()
	if sem.Available() != 1 {
		t.Errorf("available after release: got %d, want 1", sem.Available())
	}

	// Releases never push the free count past capacity.
	for i := 0; i < 5; i++ {
		sem.Release()
	}
	if sem.Available() != 3 {
		t.Errorf("available after over-release: got %d, want 3", sem.Available())
	}

	mu := c.Mutex("lock")
	if mu.Capacity() != 1 {
		t.Errorf("mutex capacity: got %d, want 1", mu.Capacity())
	}
}

// TestSemaphore_MutualExclusion: tasks contending for a mutex across two
// workers never overlap in the critical section.
func TestSemaphore_MutualExclusion(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 2, MaintenanceInterval: -1})
	rt.Start()
	defer rt.Shutdown()

	var inside atomic.Int32
	var overlapped atomic.Bool
	if err := rt.RegisterModule(&CompiledModule{
		Name: "excl",
		Functions: []FunctionInfo{{Index: 1, Name: "critical", Body: func(c *Context, task *Task) (TaskStatus, error) {
			sem := c.Mutex("section")
			switch task.Cont.IP {
			case 0:
				if !sem.Acquire(task) {
					return StatusBlocked, nil
				}
				if inside.Add(1) != 1 {
					overlapped.Store(true)
				}
				task.Cont.IP = 1
				return StatusYield, nil
			default:
				inside.Add(-1)
				sem.Release()
				task.SetResult(True)
				return StatusDone, nil
			}
		}}},
	}); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}

	c := rt.CreateContext(ContextOptions{MaxTasks: 8})
	tasks := make([]*Task, 4)
	for i := range tasks {
		task, err := rt.Spawn(c.ID(), 1, nil)
		if err != nil {
			t.Fatalf("Spawn %d: %v", i, err)
		}
		tasks[i] = task
	}
	for i, task := range tasks {
		waitDone(t, task)
		if res, err := task.Result(); err != nil || res != True {
			t.Fatalf("task %d: result %v err %v", i, res, err)
		}
	}

	if overlapped.Load() {
		t.Error("two tasks held the mutex at once")
	}
	sem := c.Mutex("section")
	if sem.Available() != 1 || sem.WaitingCount() != 0 {
		t.Errorf("settled mutex: available %d waiting %d", sem.Available(), sem.WaitingCount())
	}
}

// TestSemaphore_SnapshotRoundTrip: a held semaphore and its parked waiter
// survive snapshot and restore, and the restored pair runs to completion.
func TestSemaphore_SnapshotRoundTrip(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{Workers: 1, MaintenanceInterval: -1})
	if err := rt.RegisterModule(&CompiledModule{
		Name: "gatekeep",
		Functions: []FunctionInfo{
			{Index: 1, Name: "hold", Body: func(c *Context, task *Task) (TaskStatus, error) {
				sem := c.Semaphore("gate", 1)
				if task.Cont.IP == 0 {
					if !sem.Acquire(task) {
						return StatusBlocked, nil
					}
					task.Cont.IP = 1
					return StatusYield, nil
				}
				sem.Release()
				task.SetResult(True)
				return StatusDone, nil
			}},
			{Index: 2, Name: "enter", Body: func(c *Context, task *Task) (TaskStatus, error) {
				sem := c.Semaphore("gate", 1)
				if task.Cont.IP == 0 {
					if !sem.Acquire(task) {
						return StatusBlocked, nil
					}
					task.Cont.IP = 1
					return StatusYield, nil
				}
				sem.Release()
				task.SetResult(FromInt32(7))
				return StatusDone, nil
			}},
		},
	}); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}

	c := rt.CreateContext(ContextOptions{MaxTasks: 8})
	holder, err := rt.Spawn(c.ID(), 1, nil)
	if err != nil {
		t.Fatalf("Spawn holder: %v", err)
	}
	waiter, err := rt.Spawn(c.ID(), 2, nil)
	if err != nil {
		t.Fatalf("Spawn waiter: %v", err)
	}

	// Put the semaphore in the state a worker would have left it: the
	// holder owns the only permit, the waiter is parked.
	sem := c.Semaphore("gate", 1)
	if !sem.TryAcquire() {
		t.Fatal("TryAcquire on a fresh semaphore")
	}
	holder.Cont.IP = 1
	if sem.Acquire(waiter) {
		t.Fatal("second acquire should park")
	}
	if waiter.State() != TaskBlocked || waiter.BlockedOn() != sem {
		t.Fatalf("parked waiter: state %v blocked on %v", waiter.State(), waiter.BlockedOn())
	}

	snap, err := rt.Snapshot(c.ID())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	decoded, err := DecodeSnapshot(snap.Encode())
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if err := rt.TerminateContext(c.ID()); err != nil {
		t.Fatalf("TerminateContext: %v", err)
	}

	restored, err := rt.Restore(decoded, RestoreOptions{})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	rsem := restored.Semaphore("gate", 1)
	if rsem.Available() != 0 || rsem.WaitingCount() != 1 {
		t.Fatalf("restored semaphore: available %d waiting %d", rsem.Available(), rsem.WaitingCount())
	}
	rwaiter, ok := restored.Task(waiter.ID())
	if !ok {
		t.Fatal("restored waiter missing")
	}
	if rwaiter.State() != TaskBlocked {
		t.Errorf("restored waiter state: got %v, want blocked", rwaiter.State())
	}
	rholder, ok := restored.Task(holder.ID())
	if !ok {
		t.Fatal("restored holder missing")
	}

	rt.Start()
	defer rt.Shutdown()
	waitDone(t, rholder)
	waitDone(t, rwaiter)
	if res, err := rholder.Result(); err != nil || res != True {
		t.Errorf("restored holder: result %v err %v", res, err)
	}
	if res, err := rwaiter.Result(); err != nil || res != FromInt32(7) {
		t.Errorf("restored waiter: result %v err %v", res, err)
	}
	if rsem.Available() != 1 || rsem.WaitingCount() != 0 {
		t.Errorf("settled semaphore: available %d waiting %d", rsem.Available(), rsem.WaitingCount())
	}
}
