package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"clustervisor/internal/config"
	"clustervisor/internal/ipc"
)

// RoundRobin hands connections to Listening workers in the cyclic order in
// which they started listening.
type RoundRobin struct {
	mu        sync.Mutex
	ring      []int
	targets   map[int]Target
	pos       int
	pending   []net.Conn
	queueSize int
	closed    bool

	ln  net.Listener
	log *slog.Logger
}

func NewRoundRobin(ln net.Listener, queueSize int, logger *slog.Logger) *RoundRobin {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoundRobin{
		targets:   make(map[int]Target),
		queueSize: queueSize,
		ln:        ln,
		log:       logger,
	}
}

func (r *RoundRobin) Policy() string { return config.PolicyRoundRobin }

func (r *RoundRobin) Add(id int, t Target) {
	r.mu.Lock()
	if _, ok := r.targets[id]; !ok {
		r.ring = append(r.ring, id)
	}
	r.targets[id] = t
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, conn := range pending {
		r.Dispatch(conn)
	}
}

func (r *RoundRobin) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.Index(r.ring, id)
	if i < 0 {
		return
	}
	r.ring = slices.Delete(r.ring, i, i+1)
	delete(r.targets, id)
	if i < r.pos {
		r.pos--
	}
	if r.pos >= len(r.ring) {
		r.pos = 0
	}
}

// Next returns the worker that should receive the next item.
func (r *RoundRobin) Next() (int, Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ring) == 0 {
		return 0, nil, false
	}
	id := r.ring[r.pos]
	r.pos = (r.pos + 1) % len(r.ring)
	return id, r.targets[id], true
}

// Len is the number of workers in the rotation.
func (r *RoundRobin) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ring)
}

func (r *RoundRobin) SharedFiles() []*os.File { return nil }

func (r *RoundRobin) Addr() net.Addr {
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Dispatch passes conn to the next worker. Workers that refuse the hand-off
// leave the rotation. With nobody listening the connection waits in the
// queue, or is closed when the queue is full.
func (r *RoundRobin) Dispatch(conn net.Conn) {
	for attempts := r.Len(); attempts > 0; attempts-- {
		id, t, ok := r.Next()
		if !ok {
			break
		}
		err := handOff(t, conn)
		if err == nil {
			conn.Close()
			return
		}
		r.log.Warn("connection hand-off failed", "worker", id, "error", err)
		if errors.Is(err, ipc.ErrChannelClosed) {
			r.Remove(id)
		}
	}

	r.mu.Lock()
	if !r.closed && len(r.pending) < r.queueSize {
		r.pending = append(r.pending, conn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.log.Warn("connection rejected, no listening worker", "remote", conn.RemoteAddr().String())
	conn.Close()
}

func handOff(t Target, conn net.Conn) error {
	fc, ok := conn.(filer)
	if !ok {
		return errors.New("connection cannot be transferred")
	}
	f, err := fc.File()
	if err != nil {
		return err
	}
	defer f.Close()

	msg, err := ipc.NewMessage(ipc.TypeConn, ipc.ConnPayload{
		Network:    conn.LocalAddr().Network(),
		RemoteAddr: conn.RemoteAddr().String(),
	})
	if err != nil {
		return err
	}
	return t.Send(msg, f)
}

// Serve accepts on the listener until ctx ends or Close is called.
func (r *RoundRobin) Serve(ctx context.Context) error {
	if r.ln == nil {
		<-ctx.Done()
		return nil
	}

	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	var delay time.Duration
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay < time.Second {
				delay *= 2
			}
			r.log.Warn("accept failed", "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		r.Dispatch(conn)
	}
}

func (r *RoundRobin) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, conn := range pending {
		conn.Close()
	}
	if r.ln == nil {
		return nil
	}
	return r.ln.Close()
}
