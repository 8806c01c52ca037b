// Package service holds the Supervisor: it forks the worker pool, tracks
// every worker through its lifecycle, reacts to exits and health failures
// and implements the pool-wide operations exposed by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"clustervisor/internal/config"
	"clustervisor/internal/health"
	"clustervisor/internal/ipc"
	"clustervisor/internal/logging"
	"clustervisor/internal/models"
	"clustervisor/internal/restart"
	"clustervisor/internal/scheduler"
	"clustervisor/internal/worker"
)

// MessageHandler receives application messages sent by workers.
type MessageHandler func(workerID int, msg ipc.Message)

type Supervisor struct {
	cfg        *config.ClusterConfig
	runID      string
	log        *slog.Logger
	forker     worker.Forker
	sched      scheduler.Scheduler
	restarts   *restart.Controller
	monitor    *health.Monitor
	events     *eventBus
	onMessage  MessageHandler
	stopSignal syscall.Signal

	// mu guards the worker table and everything below it.
	mu           sync.Mutex
	workers      map[int]*worker.Handle
	nextID       int
	nextSlot     int
	targetSize   int
	shuttingDown bool
	rolling      bool
	started      bool
	changed      chan struct{}
	// refill marks slots that lost a worker to a crash while another worker
	// still held them; the crash is evaluated once the slot empties.
	refill map[int]bool

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	shutdownOnce   sync.Once
	shutdownReport ShutdownReport
}

type Option func(*Supervisor)

// WithForker replaces the default process forker.
func WithForker(f worker.Forker) Option {
	return func(s *Supervisor) { s.forker = f }
}

// WithScheduler replaces the scheduler built from the configuration.
func WithScheduler(sc scheduler.Scheduler) Option {
	return func(s *Supervisor) { s.sched = sc }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithMessageHandler registers a hook for application messages.
func WithMessageHandler(fn MessageHandler) Option {
	return func(s *Supervisor) { s.onMessage = fn }
}

// New validates cfg and builds a Supervisor. No worker is forked until
// StartPool.
func New(cfg *config.ClusterConfig, opts ...Option) (*Supervisor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}
	sig, err := config.ParseSignal(cfg.Worker.StopSignal)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:        cfg,
		runID:      uuid.NewString(),
		log:        slog.Default(),
		events:     newEventBus(),
		stopSignal: sig,
		workers:    make(map[int]*worker.Handle),
		changed:    make(chan struct{}),
		refill:     make(map[int]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.sched == nil {
		sc, err := scheduler.New(cfg.Scheduling, s.log)
		if err != nil {
			return nil, err
		}
		s.sched = sc
	}
	if s.forker == nil {
		s.forker = &worker.ExecForker{
			Worker:      cfg.Worker,
			Policy:      s.sched.Policy(),
			SharedFiles: s.sched.SharedFiles,
			Logger:      s.log,
		}
	}

	s.restarts = restart.NewController(cfg.Restart)
	s.monitor = health.NewMonitor(cfg.Health, s.snapshots, s.log)
	s.monitor.SetOnUnhealthy(s.handleUnhealthy)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Supervisor) RunID() string { return s.runID }

// Addr is the address of the scheduler listener, nil without one.
func (s *Supervisor) Addr() string {
	if a := s.sched.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// StartPool forks size workers in fresh slots and returns their ids. Failed
// forks are joined into the returned error; the others proceed.
func (s *Supervisor) StartPool(size int) ([]int, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPoolSize, size)
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	slots := make([]int, size)
	for i := range slots {
		s.nextSlot++
		slots[i] = s.nextSlot
	}
	s.targetSize += size
	first := !s.started
	s.started = true
	s.mu.Unlock()

	if first {
		s.startBackground()
	}

	s.log.Info("starting worker pool", "size", size, "policy", s.sched.Policy(), "run_id", s.runID)

	var (
		ids  []int
		errs []error
	)
	for _, slot := range slots {
		h, err := s.spawn(slot)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, h.ID)
	}
	return ids, errors.Join(errs...)
}

func (s *Supervisor) startBackground() {
	s.bg.Add(2)
	go func() {
		defer s.bg.Done()
		if err := s.sched.Serve(s.ctx); err != nil {
			s.log.Error("scheduler stopped", "error", err)
		}
	}()
	go func() {
		defer s.bg.Done()
		s.monitor.Start(s.ctx)
	}()
}

// spawn forks a worker into slot and registers it.
func (s *Supervisor) spawn(slot int) (*worker.Handle, error) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	h, err := s.forker.Fork(worker.Spec{ID: id, Slot: slot, RunID: s.runID})
	if err != nil {
		cerr := &CreationError{Slot: slot, Err: err}
		s.log.Error("worker creation failed", logging.WorkerKey, id, "slot", slot, "error", err)
		s.events.publish(models.Event{Type: models.EventForkFailed, WorkerID: id, Slot: slot, Detail: err.Error()})
		return nil, cerr
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		h.MarkExitedAfterDisconnect()
		h.Kill()
		go func() {
			h.Process().Wait()
			h.Channel().Close()
		}()
		return nil, ErrShuttingDown
	}
	s.workers[id] = h
	s.mu.Unlock()

	s.log.Info("worker forked", logging.WorkerKey, id, "slot", slot, "pid", h.PID())
	s.events.publish(models.Event{Type: models.EventForked, WorkerID: id, Slot: slot, Pid: h.PID()})

	go s.serveChannel(h)
	go s.waitExit(h)

	initMsg, err := ipc.NewMessage(ipc.TypeInit, ipc.InitPayload{
		WorkerID:          id,
		Slot:              slot,
		RunID:             s.runID,
		HeartbeatInterval: s.cfg.Health.HeartbeatInterval.String(),
		Config:            s.cfg.Worker.Settings,
	})
	if err == nil {
		err = h.Send(initMsg)
	}
	if err != nil {
		s.log.Warn("sending init failed", logging.WorkerKey, id, "error", err)
	}
	return h, nil
}

func (s *Supervisor) serveChannel(h *worker.Handle) {
	err := h.Channel().Serve(
		func(msg ipc.Message, files []*os.File) {
			for _, f := range files {
				f.Close()
			}
			s.handleMessage(h, msg)
		},
		func(err error) {
			s.log.Warn("undecodable worker message", logging.WorkerKey, h.ID, "error", err)
			s.events.publish(models.Event{Type: models.EventChannelError, WorkerID: h.ID, Slot: h.Slot, Detail: err.Error()})
		},
	)
	if err != nil {
		s.log.Warn("worker channel failed", logging.WorkerKey, h.ID, "error", err)
		s.events.publish(models.Event{Type: models.EventChannelError, WorkerID: h.ID, Slot: h.Slot, Detail: err.Error()})
	}
}

func (s *Supervisor) handleMessage(h *worker.Handle, msg ipc.Message) {
	switch msg.Type {
	case ipc.TypeOnline:
		if s.transition(h, worker.Online) {
			s.log.Info("worker online", logging.WorkerKey, h.ID, "pid", h.PID())
			s.events.publish(models.Event{Type: models.EventOnline, WorkerID: h.ID, Slot: h.Slot, Pid: h.PID()})
		}

	case ipc.TypeListening:
		var p ipc.ListeningPayload
		if len(msg.Payload) > 0 {
			if err := msg.Decode(&p); err != nil {
				s.log.Warn("bad listening payload", logging.WorkerKey, h.ID, "error", err)
			}
		}
		h.SetListenAddress(p.Address)
		s.mu.Lock()
		if s.workers[h.ID] != h {
			s.mu.Unlock()
			return
		}
		if err := h.Transition(worker.Listening); err != nil {
			s.mu.Unlock()
			s.log.Debug("ignoring state change", logging.WorkerKey, h.ID, "error", err)
			return
		}
		// A listening worker serves the slot, so an earlier crash in it no
		// longer needs a replacement.
		delete(s.refill, h.Slot)
		s.sched.Add(h.ID, h)
		s.mu.Unlock()
		s.restarts.MarkListening(h.Slot, func() { s.confirmStable(h) })
		s.log.Info("worker listening", logging.WorkerKey, h.ID, "address", p.Address)
		s.events.publish(models.Event{Type: models.EventListening, WorkerID: h.ID, Slot: h.Slot, Pid: h.PID(), Detail: p.Address})

	case ipc.TypeHeartbeat:
		h.Heartbeat(time.Now())

	case ipc.TypeBroadcast:
		relayed, err := ipc.NewMessage(ipc.TypeBroadcast, nil)
		if err != nil {
			return
		}
		relayed.Payload = msg.Payload
		for id, err := range s.broadcast(relayed, h.ID) {
			if err != nil {
				s.log.Warn("broadcast relay failed", logging.WorkerKey, id, "from", h.ID, "error", err)
			}
		}

	default:
		s.events.publish(models.Event{Type: models.EventMessage, WorkerID: h.ID, Slot: h.Slot, Detail: msg.Type})
		s.deliver(h.ID, msg)
	}
}

func (s *Supervisor) deliver(id int, msg ipc.Message) {
	if s.onMessage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("message handler panicked", logging.WorkerKey, id, "type", msg.Type, "panic", r)
		}
	}()
	s.onMessage(id, msg)
}

// transition applies a state change under the table lock. Late or duplicate
// messages produce illegal transitions, which are logged and dropped.
func (s *Supervisor) transition(h *worker.Handle, to worker.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := h.Transition(to); err != nil {
		s.log.Debug("ignoring state change", logging.WorkerKey, h.ID, "error", err)
		return false
	}
	return true
}

func (s *Supervisor) confirmStable(h *worker.Handle) {
	s.mu.Lock()
	current := s.workers[h.ID] == h && h.State() == worker.Listening
	s.mu.Unlock()
	if !current {
		return
	}
	if n := s.restarts.Count(h.Slot); n > 0 {
		s.log.Info("worker stable, restart count cleared", logging.WorkerKey, h.ID, "slot", h.Slot, "restarts", n)
	}
	s.restarts.Reset(h.Slot)
}

func (s *Supervisor) waitExit(h *worker.Handle) {
	exit := h.Process().Wait()
	h.SetExit(exit)

	intentional := h.ExitedAfterDisconnect()
	level := slog.LevelWarn
	if intentional {
		level = slog.LevelInfo
	}
	s.log.Log(context.Background(), level, "worker exited",
		logging.WorkerKey, h.ID,
		"slot", h.Slot,
		"pid", h.PID(),
		"status", exit.String(),
		"exited_after_disconnect", intentional)
	s.events.publish(models.Event{Type: models.EventExit, WorkerID: h.ID, Slot: h.Slot, Pid: h.PID(), Detail: exit.String()})

	s.mu.Lock()
	_ = h.Transition(worker.Dead)
	delete(s.workers, h.ID)
	s.sched.Remove(h.ID)
	slotBusy := s.slotOccupiedLocked(h.Slot)
	shutting := s.shuttingDown
	crashed := !intentional
	switch {
	case slotBusy && crashed && !shutting:
		s.refill[h.Slot] = true
	case !slotBusy && s.refill[h.Slot]:
		delete(s.refill, h.Slot)
		crashed = true
	}
	s.notifyLocked()
	s.mu.Unlock()

	h.Channel().Close()

	if shutting {
		return
	}
	if slotBusy {
		if crashed {
			s.log.Warn("worker crashed in a shared slot, replacement deferred", logging.WorkerKey, h.ID, "slot", h.Slot)
		}
		return
	}
	s.afterExit(h.Slot, !crashed)
}

func (s *Supervisor) afterExit(slot int, intentional bool) {
	d := s.restarts.OnExit(slot, intentional)
	switch d.Action {
	case restart.ActionRestart:
		s.log.Info("scheduling replacement", "slot", slot, "restarts", d.Count, "delay", d.Delay)
		s.restarts.Schedule(slot, d.Delay, func() { s.replace(slot) })
	case restart.ActionExhausted:
		s.log.Error("slot exhausted, no further restarts", "slot", slot, "restarts", d.Count)
		s.events.publish(models.Event{Type: models.EventSlotExhausted, Slot: slot, Detail: d.Err.Error()})
	}
}

// replace refills a slot after a crash. A failed fork counts as another
// crash of the slot.
func (s *Supervisor) replace(slot int) {
	s.mu.Lock()
	if s.shuttingDown || s.slotOccupiedLocked(slot) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if _, err := s.spawn(slot); err != nil && !errors.Is(err, ErrShuttingDown) {
		s.afterExit(slot, false)
	}
}

func (s *Supervisor) slotOccupiedLocked(slot int) bool {
	for _, h := range s.workers {
		if h.Slot == slot {
			return true
		}
	}
	return false
}

func (s *Supervisor) handleUnhealthy(err *health.UnhealthyError) {
	s.mu.Lock()
	h, ok := s.workers[err.ID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Warn("killing unhealthy worker", logging.WorkerKey, err.ID, "reason", err.Reason)
	s.events.publish(models.Event{Type: models.EventUnhealthy, WorkerID: err.ID, Slot: err.Slot, Pid: h.PID(), Detail: err.Reason})
	if kerr := h.Kill(); kerr != nil {
		s.log.Error("kill failed", logging.WorkerKey, err.ID, "error", kerr)
	}
}

// KillWorker force-terminates a worker. The exit is treated as a crash.
func (s *Supervisor) KillWorker(id int) error {
	h, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.log.Warn("killing worker on request", logging.WorkerKey, id, "pid", h.PID())
	return h.Kill()
}

func (s *Supervisor) lookup(id int) (*worker.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrWorkerNotFound, id)
	}
	return h, nil
}

func (s *Supervisor) snapshots() []worker.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]worker.Snapshot, 0, len(s.workers))
	for _, h := range s.workers {
		out = append(out, h.Snapshot())
	}
	return out
}

// notifyLocked wakes goroutines waiting for the table to change.
func (s *Supervisor) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Subscribe streams supervisor events until cancel is called or the
// supervisor shuts down.
func (s *Supervisor) Subscribe() (<-chan models.Event, func()) {
	return s.events.subscribe()
}
