// Package health detects workers that stopped reporting in.
//
// Workers send a heartbeat over their IPC channel on a fixed interval. The
// Monitor walks the live workers on its own, coarser period and reports every
// worker that has been silent for too long, once per worker. Acting on the
// report (the supervisor kills the worker) is left to the callback.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clustervisor/internal/config"
	"clustervisor/internal/worker"
)

var ErrWorkerUnhealthy = errors.New("worker unhealthy")

// UnhealthyError describes why a worker was judged unhealthy.
type UnhealthyError struct {
	ID     int
	Slot   int
	Reason string
	Since  time.Time
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("worker %d unhealthy: %s", e.ID, e.Reason)
}

func (e *UnhealthyError) Is(target error) bool {
	return target == ErrWorkerUnhealthy
}

// Monitor performs periodic liveness checks on the worker table.
// Thread-safe: Check may run concurrently with Start.
type Monitor struct {
	interval     time.Duration
	timeout      time.Duration
	grace        time.Duration
	startTimeout time.Duration

	provider    func() []worker.Snapshot
	onUnhealthy func(*UnhealthyError)
	log         *slog.Logger

	mu       sync.Mutex
	reported map[int]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor builds a monitor over the workers returned by provider.
func NewMonitor(cfg config.HealthConfig, provider func() []worker.Snapshot, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		interval:     cfg.CheckInterval.Std(),
		timeout:      cfg.HeartbeatTimeout.Std(),
		grace:        cfg.InitialGrace.Std(),
		startTimeout: cfg.StartTimeout.Std(),
		provider:     provider,
		log:          logger,
		reported:     make(map[int]bool),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetOnUnhealthy sets the callback invoked once for each unhealthy worker.
func (m *Monitor) SetOnUnhealthy(fn func(*UnhealthyError)) {
	m.mu.Lock()
	m.onUnhealthy = fn
	m.mu.Unlock()
}

// Start runs the check loop in the current goroutine until ctx is canceled
// or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	if m.interval <= 0 {
		m.log.Warn("health monitor disabled", "check_interval", m.interval)
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("health monitor started",
		"check_interval", m.interval,
		"heartbeat_timeout", m.timeout)

	for {
		select {
		case now := <-ticker.C:
			m.Check(now)
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Stop cancels the loop and waits for it to return.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Check evaluates every worker against now and reports the newly unhealthy
// ones. Workers no longer in the table are forgotten.
func (m *Monitor) Check(now time.Time) []*UnhealthyError {
	snaps := m.provider()

	m.mu.Lock()
	present := make(map[int]bool, len(snaps))
	var found []*UnhealthyError
	for _, s := range snaps {
		present[s.ID] = true
		if m.reported[s.ID] {
			continue
		}
		if err := m.evaluate(s, now); err != nil {
			m.reported[s.ID] = true
			found = append(found, err)
		}
	}
	for id := range m.reported {
		if !present[id] {
			delete(m.reported, id)
		}
	}
	cb := m.onUnhealthy
	m.mu.Unlock()

	for _, err := range found {
		m.log.Warn("worker unhealthy", "worker", err.ID, "slot", err.Slot, "reason", err.Reason)
		if cb != nil {
			cb(err)
		}
	}
	return found
}

func (m *Monitor) evaluate(s worker.Snapshot, now time.Time) *UnhealthyError {
	unhealthy := func(reason string, since time.Time) *UnhealthyError {
		return &UnhealthyError{ID: s.ID, Slot: s.Slot, Reason: reason, Since: since}
	}

	switch s.State {
	case worker.Starting:
		if m.startTimeout > 0 && now.Sub(s.Started) > m.startTimeout {
			return unhealthy(fmt.Sprintf("not online after %s", m.startTimeout), s.Started)
		}
	case worker.Online, worker.Listening:
		if s.LastHeartbeat.IsZero() {
			if m.grace > 0 && now.Sub(s.OnlineAt) > m.grace {
				return unhealthy(fmt.Sprintf("no heartbeat within %s of online", m.grace), s.OnlineAt)
			}
			return nil
		}
		if m.timeout > 0 && now.Sub(s.LastHeartbeat) > m.timeout {
			return unhealthy(fmt.Sprintf("last heartbeat %s ago", now.Sub(s.LastHeartbeat).Round(time.Millisecond)), s.LastHeartbeat)
		}
	}
	return nil
}
