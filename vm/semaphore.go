package vm

import "sync"

// ---------------------------------------------------------------------------
// Semaphore: cooperative counting semaphore scoped to one context
// ---------------------------------------------------------------------------

// Semaphore is a counting semaphore for tasks. Unlike an OS semaphore it
// never blocks a worker goroutine: a task that cannot take a permit is
// parked FIFO and its body returns StatusBlocked; a later Release hands
// the permit to the longest-parked task and re-enqueues it, so the retried
// Acquire on its next slice succeeds without consuming a second permit.
//
// Semaphores are named and live on their context; they serialize into
// snapshots along with their wait queues. A semaphore with one permit is
// a mutex.
type Semaphore struct {
	name string
	ctx  *Context
	max  uint32

	mu        sync.Mutex
	available uint32
	waiters   []*Task
}

// Name returns the semaphore's name within its context.
func (s *Semaphore) Name() string { return s.name }

// Capacity returns the total number of permits.
func (s *Semaphore) Capacity() uint32 { return s.max }

// Available returns the number of free permits.
func (s *Semaphore) Available() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// WaitingCount returns the number of parked tasks.
func (s *Semaphore) WaitingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Acquire takes one permit for t. When none is free the task is parked
// and false is returned; the body must then immediately return
// StatusBlocked. A permit handed over by a Release while the task was
// parked is consumed here on the retry.
func (s *Semaphore) Acquire(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.takeGrant(s) {
		return true
	}
	if s.available > 0 {
		s.available--
		return true
	}
	t.state.Store(int32(TaskBlocked))
	t.blockedOn = s
	s.waiters = append(s.waiters, t)
	return false
}

// TryAcquire takes one permit without parking.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available == 0 {
		return false
	}
	s.available--
	return true
}

// Release returns one permit. The permit goes to the longest-parked task
// if any, which becomes runnable again; otherwise the free count grows,
// never past the semaphore's capacity.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		t := s.waiters[0]
		s.waiters = s.waiters[1:]
		t.blockedOn = nil
		t.grant = s
		s.mu.Unlock()
		s.ctx.runtime.sched.enqueue(t)
		return
	}
	if s.available < s.max {
		s.available++
	}
	s.mu.Unlock()
}
