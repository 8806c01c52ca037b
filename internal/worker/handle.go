package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"clustervisor/internal/ipc"
)

// Handle is the supervisor-side proxy for one worker process. It is the only
// reference to the process. State changes go through Transition; the
// supervisor serializes them with its own table lock.
type Handle struct {
	ID   int
	Slot int

	proc    Process
	channel *ipc.Channel

	mu                    sync.RWMutex
	state                 State
	started               time.Time
	onlineAt              time.Time
	lastHeartbeat         time.Time
	listenAddr            string
	exitedAfterDisconnect bool
	forced                bool
	exit                  Exit

	changed chan struct{}
	done    chan struct{}
}

func NewHandle(id, slot int, proc Process, ch *ipc.Channel) *Handle {
	return &Handle{
		ID:      id,
		Slot:    slot,
		proc:    proc,
		channel: ch,
		state:   Starting,
		started: time.Now(),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Handle) PID() int {
	return h.proc.Pid()
}

func (h *Handle) Process() Process {
	return h.proc
}

func (h *Handle) Channel() *ipc.Channel {
	return h.channel
}

func (h *Handle) Started() time.Time {
	return h.started
}

// Transition moves the worker to state to. Moves not present in the state
// table fail with ErrIllegalTransition and leave the state unchanged.
func (h *Handle) Transition(to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !CanTransition(h.state, to) {
		return fmt.Errorf("%w: worker %d %s -> %s", ErrIllegalTransition, h.ID, h.state, to)
	}
	h.state = to
	switch to {
	case Online:
		h.onlineAt = time.Now()
	case Dead:
		close(h.done)
	}
	close(h.changed)
	h.changed = make(chan struct{})
	return nil
}

// Snapshot is a consistent copy of the mutable fields of a Handle.
type Snapshot struct {
	ID                    int
	Slot                  int
	Pid                   int
	State                 State
	Started               time.Time
	OnlineAt              time.Time
	LastHeartbeat         time.Time
	ListenAddress         string
	ExitedAfterDisconnect bool
	Forced                bool
}

func (h *Handle) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Snapshot{
		ID:                    h.ID,
		Slot:                  h.Slot,
		Pid:                   h.proc.Pid(),
		State:                 h.state,
		Started:               h.started,
		OnlineAt:              h.onlineAt,
		LastHeartbeat:         h.lastHeartbeat,
		ListenAddress:         h.listenAddr,
		ExitedAfterDisconnect: h.exitedAfterDisconnect,
		Forced:                h.forced,
	}
}

func (h *Handle) Heartbeat(at time.Time) {
	h.mu.Lock()
	h.lastHeartbeat = at
	h.mu.Unlock()
}

func (h *Handle) SetListenAddress(addr string) {
	h.mu.Lock()
	h.listenAddr = addr
	h.mu.Unlock()
}

// ExitedAfterDisconnect is true when the supervisor asked for the exit.
func (h *Handle) ExitedAfterDisconnect() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitedAfterDisconnect
}

func (h *Handle) MarkExitedAfterDisconnect() {
	h.mu.Lock()
	h.exitedAfterDisconnect = true
	h.mu.Unlock()
}

// SetExit records the exit status. Called once, before Transition(Dead).
func (h *Handle) SetExit(e Exit) {
	h.mu.Lock()
	h.exit = e
	h.mu.Unlock()
}

func (h *Handle) Exit() Exit {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exit
}

// Send delivers an application message. Workers that are disconnecting or
// dead do not accept messages.
func (h *Handle) Send(msg ipc.Message, files ...*os.File) error {
	if !h.State().Accepting() {
		return ipc.ErrChannelClosed
	}
	return h.channel.Send(msg, files...)
}

// RequestDisconnect tells the worker to stop taking work and exit, then
// half-closes the channel so the worker also observes EOF.
func (h *Handle) RequestDisconnect() error {
	msg, err := ipc.NewMessage(ipc.TypeDisconnect, nil)
	if err != nil {
		return err
	}
	sendErr := h.channel.Send(msg)
	if sendErr != nil && errors.Is(sendErr, ipc.ErrChannelClosed) {
		sendErr = nil
	}
	return errors.Join(sendErr, h.channel.CloseWrite())
}

func (h *Handle) Signal(sig os.Signal) error {
	if !h.State().IsLive() {
		return nil
	}
	return h.proc.Signal(sig)
}

// Kill force-terminates the process with SIGKILL.
func (h *Handle) Kill() error {
	h.mu.Lock()
	h.forced = true
	h.mu.Unlock()
	return h.Signal(syscall.SIGKILL)
}

// Forced reports whether Kill was used on this worker.
func (h *Handle) Forced() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.forced
}

// Done is closed once the worker reached Dead.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Await blocks until pred holds for the current state, the worker dies, or
// ctx ends. A worker that dies before pred holds yields ErrWorkerExited.
func (h *Handle) Await(ctx context.Context, pred func(State) bool) error {
	for {
		h.mu.RLock()
		st, changed := h.state, h.changed
		h.mu.RUnlock()

		if pred(st) {
			return nil
		}
		if st == Dead {
			return fmt.Errorf("%w: worker %d (%s)", ErrWorkerExited, h.ID, h.Exit())
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("worker %d still %s: %w", h.ID, st, ctx.Err())
		}
	}
}

var ErrWorkerExited = errors.New("worker exited")
