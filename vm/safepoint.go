package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Safepoint Coordinator: cooperative stop-the-world pauses
// ---------------------------------------------------------------------------

// PauseReason identifies why a stop-the-world pause was requested.
type PauseReason uint8

const (
	PauseReasonNone PauseReason = iota
	PauseReasonGC
	PauseReasonSnapshot
	PauseReasonMarshal
	PauseReasonTermination
	PauseReasonDebug
)

func (r PauseReason) String() string {
	switch r {
	case PauseReasonGC:
		return "gc"
	case PauseReasonSnapshot:
		return "snapshot"
	case PauseReasonMarshal:
		return "marshal"
	case PauseReasonTermination:
		return "termination"
	case PauseReasonDebug:
		return "debug"
	default:
		return "none"
	}
}

// SafepointStats tracks coordinator activity.
type SafepointStats struct {
	TotalPauses    uint64
	TotalPauseTime time.Duration
	MaxPauseTime   time.Duration
}

// SafepointCoordinator is the single stop-the-world mechanism shared by the
// collector and the snapshot subsystem. Workers poll it at call, return,
// backward-jump, allocation, and await points; the fast path is one atomic
// load. When a pause is pending every worker parks, the last arrival
// releases the requester to run its critical section, and all workers block
// until Release.
//
// Pause requests are mutually exclusive: a second request while one is
// active fails with ErrPauseActive rather than queueing.
type SafepointCoordinator struct {
	pending atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond

	expected   int  // registered workers
	parked     int  // workers currently at the barrier
	selfParked bool // requester is itself a worker, counted as parked
	active     bool
	reason     PauseReason
	epoch      uint64

	grantedAt time.Time
	stats     SafepointStats
}

// NewSafepointCoordinator creates a coordinator expecting the given number
// of workers. Workers should be registered during startup; the expected
// count only changes through RegisterWorker/DeregisterWorker.
func NewSafepointCoordinator(workers int) *SafepointCoordinator {
	s := &SafepointCoordinator{expected: workers}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Poll is the per-instruction check. The fast path is a single atomic load;
// the slow path parks the worker until the pause owner releases.
func (s *SafepointCoordinator) Poll() {
	if !s.pending.Load() {
		return
	}
	s.park()
}

func (s *SafepointCoordinator) park() {
	s.mu.Lock()
	if !s.active {
		// Raced with Release; nothing to park for.
		s.mu.Unlock()
		return
	}
	s.parked++
	if s.parked >= s.expected {
		// Last expected worker: release the pause owner.
		s.cond.Broadcast()
	}
	epoch := s.epoch
	for s.active && s.epoch == epoch {
		s.cond.Wait()
	}
	s.parked--
	// A follow-up pause request may be draining stragglers.
	s.cond.Broadcast()
	s.mu.Unlock()
}

// RequestPause arms a pause and blocks until every registered worker is
// parked. The caller must not itself be a registered worker; a worker
// triggering a pause from inside its own execution loop uses
// RequestPauseSelf. Fails with ErrPauseActive if a pause is already active.
func (s *SafepointCoordinator) RequestPause(reason PauseReason) error {
	return s.request(reason, false)
}

// RequestPauseSelf is RequestPause for a registered worker: the caller
// counts itself as parked, so only the remaining workers need to reach a
// safepoint before the pause is granted.
func (s *SafepointCoordinator) RequestPauseSelf(reason PauseReason) error {
	return s.request(reason, true)
}

func (s *SafepointCoordinator) request(reason PauseReason, self bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return ErrPauseActive
	}
	// Wait out stragglers still unparking from a previous pause, then
	// re-check: another requester may have won the race meanwhile.
	for s.parked > 0 && !s.active {
		s.cond.Wait()
	}
	if s.active {
		return ErrPauseActive
	}

	s.active = true
	s.reason = reason
	s.selfParked = self
	if self {
		s.parked++
	}
	s.pending.Store(true)

	for s.parked < s.expected {
		s.cond.Wait()
	}
	s.grantedAt = time.Now()
	return nil
}

// Release ends the active pause and resumes all parked workers.
func (s *SafepointCoordinator) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	elapsed := time.Since(s.grantedAt)
	s.stats.TotalPauses++
	s.stats.TotalPauseTime += elapsed
	if elapsed > s.stats.MaxPauseTime {
		s.stats.MaxPauseTime = elapsed
	}

	s.pending.Store(false)
	s.active = false
	s.reason = PauseReasonNone
	s.epoch++
	if s.selfParked {
		s.parked--
		s.selfParked = false
	}
	s.cond.Broadcast()
}

// RegisterWorker adds a worker to the expected count.
func (s *SafepointCoordinator) RegisterWorker() {
	s.mu.Lock()
	s.expected++
	s.mu.Unlock()
}

// DeregisterWorker removes a worker from the expected count. A pause
// requester waiting on the departing worker is re-checked.
func (s *SafepointCoordinator) DeregisterWorker() {
	s.mu.Lock()
	s.expected--
	s.cond.Broadcast()
	s.mu.Unlock()
}

// ExpectedWorkers returns the number of registered workers.
func (s *SafepointCoordinator) ExpectedWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected
}

// WorkersAtSafepoint returns the number of currently parked workers.
func (s *SafepointCoordinator) WorkersAtSafepoint() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parked
}

// PausePending reports whether a pause is pending or active.
func (s *SafepointCoordinator) PausePending() bool {
	return s.pending.Load()
}

// Reason returns the reason of the active pause, or PauseReasonNone.
func (s *SafepointCoordinator) Reason() PauseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Stats returns accumulated pause statistics.
func (s *SafepointCoordinator) Stats() SafepointStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
