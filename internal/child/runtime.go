// Package child is the worker side of the supervisor protocol. A worker
// binary calls Connect, waits for Init, reports Online, keeps a Heartbeat
// running and, if it serves connections, calls Listen. It should exit once
// Disconnected is closed.
package child

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"clustervisor/internal/config"
	"clustervisor/internal/ipc"
)

var ErrNotSupervised = errors.New("process was not started by a supervisor")

// Options identify the worker. Connect fills them from the environment.
type Options struct {
	ID       int
	Slot     int
	RunID    string
	Schedule string
	// ListenFile is the listener shared by the supervisor, if any.
	ListenFile *os.File
	Logger     *slog.Logger
}

type Runtime struct {
	ch   *ipc.Channel
	opts Options
	log  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]func(ipc.Message)
	init     ipc.InitPayload

	initDone     chan struct{}
	initOnce     sync.Once
	conns        chan net.Conn
	disconnected chan struct{}
	discOnce     sync.Once
	served       chan struct{}
}

// Connect attaches to the channel inherited from the supervisor.
func Connect() (*Runtime, error) {
	fdStr := os.Getenv(ipc.EnvChannelFD)
	if fdStr == "" {
		return nil, ErrNotSupervised
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("%s=%q: %w", ipc.EnvChannelFD, fdStr, err)
	}

	f := os.NewFile(uintptr(fd), "ipc")
	ch, err := ipc.FromFile(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	opts := Options{
		RunID:    os.Getenv(ipc.EnvRunID),
		Schedule: os.Getenv(ipc.EnvSchedule),
	}
	opts.ID, _ = strconv.Atoi(os.Getenv(ipc.EnvWorkerID))
	opts.Slot, _ = strconv.Atoi(os.Getenv(ipc.EnvWorkerSlot))
	if s := os.Getenv(ipc.EnvListenFD); s != "" {
		lfd, err := strconv.Atoi(s)
		if err != nil {
			ch.Close()
			return nil, fmt.Errorf("%s=%q: %w", ipc.EnvListenFD, s, err)
		}
		opts.ListenFile = os.NewFile(uintptr(lfd), "listener")
	}
	return New(ch, opts), nil
}

// New starts reading from ch.
func New(ch *ipc.Channel, opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		ch:           ch,
		opts:         opts,
		log:          logger.With("worker", strconv.Itoa(opts.ID)),
		handlers:     make(map[string]func(ipc.Message)),
		initDone:     make(chan struct{}),
		conns:        make(chan net.Conn, 64),
		disconnected: make(chan struct{}),
		served:       make(chan struct{}),
	}
	go r.serve()
	return r
}

func (r *Runtime) ID() int { return r.opts.ID }

func (r *Runtime) Slot() int { return r.opts.Slot }

func (r *Runtime) serve() {
	defer close(r.served)
	err := r.ch.Serve(r.dispatch, func(err error) {
		r.log.Warn("dropping message from supervisor", "error", err)
	})
	if err != nil {
		r.log.Error("supervisor channel failed", "error", err)
	}
	r.markDisconnected()
}

func (r *Runtime) dispatch(msg ipc.Message, files []*os.File) {
	switch msg.Type {
	case ipc.TypeInit:
		var p ipc.InitPayload
		if err := msg.Decode(&p); err != nil {
			r.log.Warn("bad init message", "error", err)
			return
		}
		r.initOnce.Do(func() {
			r.mu.Lock()
			r.init = p
			r.mu.Unlock()
			close(r.initDone)
		})
	case ipc.TypeDisconnect:
		r.markDisconnected()
	case ipc.TypeConn:
		r.acceptHandoff(files)
		return
	default:
		r.mu.RLock()
		fn := r.handlers[msg.Type]
		r.mu.RUnlock()
		if fn != nil {
			fn(msg)
		}
	}
	for _, f := range files {
		f.Close()
	}
}

func (r *Runtime) acceptHandoff(files []*os.File) {
	for _, f := range files {
		c, err := net.FileConn(f)
		f.Close()
		if err != nil {
			r.log.Warn("cannot adopt handed-off connection", "error", err)
			continue
		}
		select {
		case r.conns <- c:
		default:
			r.log.Warn("hand-off backlog full, dropping connection")
			c.Close()
		}
	}
}

func (r *Runtime) markDisconnected() {
	r.discOnce.Do(func() { close(r.disconnected) })
}

// Init waits for the first message of the channel.
func (r *Runtime) Init(ctx context.Context) (ipc.InitPayload, error) {
	select {
	case <-r.initDone:
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.init, nil
	case <-r.disconnected:
		return ipc.InitPayload{}, fmt.Errorf("wait for init: %w", ipc.ErrChannelClosed)
	case <-ctx.Done():
		return ipc.InitPayload{}, fmt.Errorf("wait for init: %w", ctx.Err())
	}
}

// Settings decodes the worker settings block sent with init.
func (r *Runtime) Settings() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.init.Config
}

// HeartbeatInterval is the interval the supervisor asked for, or def.
func (r *Runtime) HeartbeatInterval(def time.Duration) time.Duration {
	r.mu.RLock()
	s := r.init.HeartbeatInterval
	r.mu.RUnlock()

	var d config.Duration
	if s == "" || d.UnmarshalText([]byte(s)) != nil || d <= 0 {
		return def
	}
	return d.Std()
}

func (r *Runtime) Online() error {
	return r.Send(ipc.TypeOnline, nil)
}

// Send delivers an application message to the supervisor.
func (r *Runtime) Send(typ string, payload any) error {
	msg, err := ipc.NewMessage(typ, payload)
	if err != nil {
		return err
	}
	return r.ch.Send(msg)
}

// Broadcast asks the supervisor to relay payload to every other worker.
func (r *Runtime) Broadcast(payload any) error {
	return r.Send(ipc.TypeBroadcast, payload)
}

// Handle registers fn for messages of type typ. Handlers run on the reader
// goroutine, in arrival order.
func (r *Runtime) Handle(typ string, fn func(ipc.Message)) {
	r.mu.Lock()
	r.handlers[typ] = fn
	r.mu.Unlock()
}

// Heartbeat sends a heartbeat every interval until ctx ends, the supervisor
// disconnects the worker or the channel breaks.
func (r *Runtime) Heartbeat(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.Send(ipc.TypeHeartbeat, nil); err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-r.disconnected:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Listen returns the listener the worker should serve from and reports
// Listening to the supervisor. A listener shared by the supervisor wins; under
// round-robin scheduling connections arrive over the channel instead; without
// either the worker binds network/address itself.
func (r *Runtime) Listen(network, address string) (net.Listener, error) {
	var (
		ln  net.Listener
		err error
	)
	switch {
	case r.opts.ListenFile != nil:
		ln, err = net.FileListener(r.opts.ListenFile)
		r.opts.ListenFile.Close()
		r.opts.ListenFile = nil
	case r.opts.Schedule == config.PolicyRoundRobin:
		ln = &handoffListener{conns: r.conns, done: make(chan struct{})}
	default:
		ln, err = net.Listen(network, address)
	}
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	if err := r.Listening(ln.Addr()); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// Listening reports that the worker accepts work.
func (r *Runtime) Listening(addr net.Addr) error {
	p := ipc.ListeningPayload{}
	if addr != nil {
		p.Network = addr.Network()
		p.Address = addr.String()
	}
	return r.Send(ipc.TypeListening, p)
}

// Disconnected is closed when the supervisor asks the worker to leave or the
// channel goes away.
func (r *Runtime) Disconnected() <-chan struct{} {
	return r.disconnected
}

// Close stops the reader and releases the channel.
func (r *Runtime) Close() error {
	err := r.ch.Close()
	<-r.served
	return err
}
