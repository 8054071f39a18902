package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Maintenance: periodic background collection across contexts
// ---------------------------------------------------------------------------

// MaintenanceStats holds statistics from a single maintenance sweep.
type MaintenanceStats struct {
	ContextsExamined int
	Collections      int
	FreedObjects     int
	FreedBytes       uint64
	SweepDuration    time.Duration
	Timestamp        time.Time
}

// Maintenance periodically walks the context registry and collects any
// context whose heap has crossed its threshold, so idle contexts reclaim
// garbage without waiting for their next allocation. This keeps
// long-running processes (servers, REPL sessions) from holding dead
// objects indefinitely.
type Maintenance struct {
	rt       *Runtime
	interval time.Duration
	enabled  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex // protects start/stop lifecycle

	sweepCount atomic.Uint64
	lastStats  atomic.Value // *MaintenanceStats
}

// DefaultMaintenanceInterval is the default sweep interval.
const DefaultMaintenanceInterval = 30 * time.Second

// NewMaintenance creates a maintenance sweeper for rt with the given
// interval. Use DefaultMaintenanceInterval for the default (30s).
func NewMaintenance(rt *Runtime, interval time.Duration) *Maintenance {
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	m := &Maintenance{
		rt:       rt,
		interval: interval,
	}
	m.enabled.Store(true)
	return m
}

// Start begins the periodic sweep goroutine. It is safe to call Start
// multiple times; only one sweep loop will run.
func (m *Maintenance) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		return // already running
	}

	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})

	// Capture channels locally so the goroutine does not read m.stop or
	// m.stopped after Stop() has nilled them out.
	stopCh := m.stop
	stoppedCh := m.stopped
	go m.loop(stopCh, stoppedCh)
}

// Stop halts the periodic sweep goroutine and waits for it to finish.
// It is safe to call Stop multiple times or on a sweeper never started.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	stopCh := m.stop
	stoppedCh := m.stopped
	m.stop = nil
	m.stopped = nil
	m.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// SetEnabled enables or disables sweeping. When disabled, the goroutine
// still runs but skips sweep operations.
func (m *Maintenance) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// IsEnabled returns whether sweeping is currently enabled.
func (m *Maintenance) IsEnabled() bool {
	return m.enabled.Load()
}

// Interval returns the sweep interval.
func (m *Maintenance) Interval() time.Duration {
	return m.interval
}

// SweepCount returns the total number of sweeps performed.
func (m *Maintenance) SweepCount() uint64 {
	return m.sweepCount.Load()
}

// LastStats returns statistics from the most recent sweep, or nil if no
// sweep has been performed yet.
func (m *Maintenance) LastStats() *MaintenanceStats {
	v := m.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*MaintenanceStats)
}

// SweepNow performs an immediate sweep regardless of the timer.
func (m *Maintenance) SweepNow() *MaintenanceStats {
	return m.sweep()
}

func (m *Maintenance) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if m.enabled.Load() {
				m.sweep()
			}
		}
	}
}

// sweep collects every context whose heap crossed its threshold. Contexts
// are gathered first so no registry lock is held across a pause.
func (m *Maintenance) sweep() *MaintenanceStats {
	start := time.Now()
	stats := &MaintenanceStats{Timestamp: start}

	var due []*Context
	m.rt.contexts.ForEach(func(c *Context) {
		stats.ContextsExamined++
		if c.gc.ShouldCollect() {
			due = append(due, c)
		}
	})

	for _, c := range due {
		cs, err := c.Collect()
		if err != nil {
			// A conflicting pause wins; the context is retried on the
			// next tick.
			continue
		}
		stats.Collections++
		stats.FreedObjects += cs.Freed
		stats.FreedBytes += cs.FreedBytes
	}

	stats.SweepDuration = time.Since(start)
	m.sweepCount.Add(1)
	m.lastStats.Store(stats)
	return stats
}
