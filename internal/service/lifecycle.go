package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"clustervisor/internal/config"
	"clustervisor/internal/logging"
	"clustervisor/internal/models"
	"clustervisor/internal/worker"
)

// killGrace bounds the wait for a SIGKILLed worker to be reaped.
const killGrace = 2 * time.Second

// ShutdownReport summarizes a graceful shutdown. Forced lists workers that
// did not exit within the timeout and were killed by the shutdown; every
// other worker is listed as Graceful.
type ShutdownReport struct {
	Graceful []int         `json:"graceful"`
	Forced   []int         `json:"forced"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Replacement pairs a retired worker with the one that took over its slot.
type Replacement struct {
	Slot  int `json:"slot"`
	OldID int `json:"old_id"`
	NewID int `json:"new_id"`
}

// RollReport summarizes a rolling restart. Kept lists slots whose
// replacement died before taking over; those keep their original worker.
type RollReport struct {
	Replaced []Replacement `json:"replaced"`
	Forced   []int         `json:"forced,omitempty"`
	Kept     []int         `json:"kept,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// GracefulShutdown stops the pool. Every worker is asked to disconnect;
// those still alive after timeout are killed. Later calls return the report
// of the first one.
func (s *Supervisor) GracefulShutdown(timeout time.Duration) ShutdownReport {
	s.shutdownOnce.Do(func() {
		s.shutdownReport = s.shutdown(timeout)
	})
	return s.shutdownReport
}

func (s *Supervisor) shutdown(timeout time.Duration) ShutdownReport {
	start := time.Now()

	s.mu.Lock()
	s.shuttingDown = true
	handles := s.handlesLocked()
	s.mu.Unlock()

	s.log.Info("shutting down worker pool", "workers", len(handles), "timeout", timeout)
	s.events.publish(models.Event{Type: models.EventShutdown, Detail: "started"})

	s.restarts.Stop()
	s.monitor.Stop()
	s.cancel()
	if err := s.sched.Close(); err != nil {
		s.log.Warn("closing scheduler", "error", err)
	}

	for _, h := range handles {
		s.disconnect(h)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var report ShutdownReport
	for _, h := range handles {
		select {
		case <-h.Done():
			continue
		case <-deadline.C:
		}
		break
	}
	for _, h := range handles {
		select {
		case <-h.Done():
			report.Graceful = append(report.Graceful, h.ID)
			continue
		default:
		}
		report.Forced = append(report.Forced, h.ID)
		h.Kill()
	}
	s.awaitReaped(handles)

	s.bg.Wait()
	report.Elapsed = time.Since(start)

	if len(report.Forced) > 0 {
		s.log.Warn("shutdown timeout, workers were killed", "forced", report.Forced, "elapsed", report.Elapsed)
	} else {
		s.log.Info("worker pool stopped", "elapsed", report.Elapsed)
	}
	s.events.publish(models.Event{Type: models.EventShutdown, Detail: fmt.Sprintf("graceful=%d forced=%d", len(report.Graceful), len(report.Forced))})
	s.events.close()
	return report
}

func (s *Supervisor) awaitReaped(handles []*worker.Handle) {
	t := time.NewTimer(killGrace)
	defer t.Stop()
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-t.C:
			s.log.Error("worker not reaped after kill", logging.WorkerKey, h.ID, "pid", h.PID())
			return
		}
	}
}

// disconnect asks one worker to leave. Starting workers cannot enter
// Disconnecting and receive the stop signal instead.
func (s *Supervisor) disconnect(h *worker.Handle) {
	s.mu.Lock()
	h.MarkExitedAfterDisconnect()
	st := h.State()
	moved := st != worker.Starting && h.Transition(worker.Disconnecting) == nil
	s.mu.Unlock()

	switch {
	case st == worker.Starting:
		if err := h.Signal(s.stopSignal); err != nil {
			s.log.Warn("signal failed", logging.WorkerKey, h.ID, "error", err)
		}
	case moved:
		s.sched.Remove(h.ID)
		s.log.Info("disconnecting worker", logging.WorkerKey, h.ID, "pid", h.PID())
		s.events.publish(models.Event{Type: models.EventDisconnecting, WorkerID: h.ID, Slot: h.Slot, Pid: h.PID()})
		if err := h.RequestDisconnect(); err != nil {
			s.log.Warn("disconnect request failed", logging.WorkerKey, h.ID, "error", err)
		}
	}
}

// retire disconnects h and waits up to timeout for it to exit before killing
// it. It reports whether the kill was needed.
func (s *Supervisor) retire(h *worker.Handle, timeout time.Duration) bool {
	s.disconnect(h)

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.Done():
		return false
	case <-t.C:
	}

	s.log.Warn("worker ignored disconnect, killing", logging.WorkerKey, h.ID, "timeout", timeout)
	h.Kill()
	s.awaitReaped([]*worker.Handle{h})
	return true
}

// RollingRestart replaces every live worker without a capacity dip. All
// replacements must reach the ready state before any original is retired;
// otherwise the replacements are torn down and the originals keep serving.
func (s *Supervisor) RollingRestart(ctx context.Context) (RollReport, error) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return RollReport{}, ErrShuttingDown
	}
	var originals []*worker.Handle
	for _, h := range s.handlesLocked() {
		if h.State().Accepting() {
			originals = append(originals, h)
		}
	}
	s.mu.Unlock()

	return s.roll(ctx, originals)
}

// RestartWorker replaces one worker the same way and clears its slot's
// restart count. It returns the id of the replacement.
func (s *Supervisor) RestartWorker(ctx context.Context, id int) (int, error) {
	h, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	if !h.State().Accepting() {
		return 0, fmt.Errorf("%w: %d is %s", ErrWorkerNotFound, id, h.State())
	}

	report, err := s.roll(ctx, []*worker.Handle{h})
	if err != nil {
		return 0, err
	}
	if len(report.Replaced) == 0 {
		return 0, fmt.Errorf("%w: %d", ErrWorkerNotFound, id)
	}
	return report.Replaced[0].NewID, nil
}

// ReviveSlot clears the exhausted state of slot and forks a new worker into
// it.
func (s *Supervisor) ReviveSlot(slot int) (int, error) {
	if !s.restarts.IsExhausted(slot) {
		return 0, fmt.Errorf("%w: %d", ErrSlotNotExhausted, slot)
	}
	s.restarts.Reset(slot)
	h, err := s.spawn(slot)
	if err != nil {
		return 0, err
	}
	s.log.Info("exhausted slot revived", "slot", slot, logging.WorkerKey, h.ID)
	return h.ID, nil
}

func (s *Supervisor) roll(ctx context.Context, originals []*worker.Handle) (RollReport, error) {
	s.mu.Lock()
	if s.rolling {
		s.mu.Unlock()
		return RollReport{}, ErrRollingRestartInProgress
	}
	s.rolling = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.rolling = false
		s.mu.Unlock()
	}()

	start := time.Now()
	var report RollReport
	if len(originals) == 0 {
		return report, nil
	}

	s.log.Info("rolling restart started", "workers", len(originals))
	s.events.publish(models.Event{Type: models.EventRollStarted, Detail: fmt.Sprintf("workers=%d", len(originals))})

	ready := readyPredicate(s.cfg.Rolling.ReadyState)
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Rolling.ReadyTimeout.Std())
	defer cancel()

	var err error
	replacements := make([]*worker.Handle, 0, len(originals))
	for _, orig := range originals {
		h, serr := s.spawn(orig.Slot)
		if serr != nil {
			err = serr
			break
		}
		replacements = append(replacements, h)
	}
	if err == nil {
		g, gctx := errgroup.WithContext(waitCtx)
		for _, h := range replacements {
			g.Go(func() error { return h.Await(gctx, ready) })
		}
		err = g.Wait()
	}

	if err != nil {
		s.log.Error("rolling restart aborted", "error", err)
		s.abandon(replacements)
		s.events.publish(models.Event{Type: models.EventRollAborted, Detail: err.Error()})
		return report, fmt.Errorf("%w: %w", ErrRollingRestartAborted, err)
	}

	timeout := s.cfg.Rolling.DisconnectTimeout.Std()
	for i, orig := range originals {
		repl := replacements[i]
		if !s.takeOver(orig, repl, ready) {
			s.log.Warn("replacement lost before taking over, keeping original",
				"slot", orig.Slot, logging.WorkerKey, orig.ID, "replacement", repl.ID)
			report.Kept = append(report.Kept, orig.Slot)
			continue
		}
		s.restarts.Reset(orig.Slot)
		if s.retire(orig, timeout) {
			report.Forced = append(report.Forced, orig.ID)
		}
		report.Replaced = append(report.Replaced, Replacement{
			Slot:  orig.Slot,
			OldID: orig.ID,
			NewID: repl.ID,
		})
	}

	report.Elapsed = time.Since(start)
	detail := fmt.Sprintf("replaced=%d forced=%d kept=%d", len(report.Replaced), len(report.Forced), len(report.Kept))
	s.events.publish(models.Event{Type: models.EventRollCompleted, Detail: detail})
	if len(report.Kept) > 0 {
		s.log.Error("rolling restart incomplete", "kept", report.Kept, "replaced", len(report.Replaced), "elapsed", report.Elapsed)
		return report, fmt.Errorf("%w: slots %v", ErrRollingRestartIncomplete, report.Kept)
	}
	s.log.Info("rolling restart completed", "replaced", len(report.Replaced), "forced", len(report.Forced), "elapsed", report.Elapsed)
	return report, nil
}

// takeOver reports whether repl is still registered and ready to replace
// orig. Whichever of the two keeps the slot settles any crash recorded
// against it.
func (s *Supervisor) takeOver(orig, repl *worker.Handle, ready func(worker.State) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.workers[repl.ID] == repl && ready(repl.State())
	if ok || s.workers[orig.ID] == orig {
		delete(s.refill, orig.Slot)
	}
	return ok
}

// abandon tears down replacements of an aborted roll.
func (s *Supervisor) abandon(replacements []*worker.Handle) {
	timeout := s.cfg.Rolling.DisconnectTimeout.Std()
	done := make(chan struct{})
	for _, h := range replacements {
		go func() {
			s.retire(h, timeout)
			done <- struct{}{}
		}()
	}
	for range replacements {
		<-done
	}
}

func readyPredicate(state string) func(worker.State) bool {
	if state == config.ReadyOnline {
		return func(st worker.State) bool { return st == worker.Online || st == worker.Listening }
	}
	return func(st worker.State) bool { return st == worker.Listening }
}

// WaitIdle blocks until the table holds no worker or ctx ends.
func (s *Supervisor) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		n, changed := len(s.workers), s.changed
		s.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) handlesLocked() []*worker.Handle {
	out := make([]*worker.Handle, 0, len(s.workers))
	for _, h := range s.workers {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b *worker.Handle) int { return a.ID - b.ID })
	return out
}
