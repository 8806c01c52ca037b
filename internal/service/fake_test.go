package service

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"

	"clustervisor/internal/child"
	"clustervisor/internal/config"
	"clustervisor/internal/ipc"
	"clustervisor/internal/logging"
	"clustervisor/internal/scheduler"
	"clustervisor/internal/worker"
)

// fakeProc stands in for a worker process. The "program" runs as a
// goroutine speaking the real protocol over a real socketpair.
type fakeProc struct {
	pid    int
	ch     *ipc.Channel
	ignore atomic.Bool // ignore every signal but SIGKILL
	linger time.Duration // delay between SIGKILL and exit


	once sync.Once
	exit worker.Exit
	done chan struct{}
}

func (p *fakeProc) Pid() int { return p.pid }

func (p *fakeProc) Signal(sig os.Signal) error {
	s, _ := sig.(syscall.Signal)
	if s != syscall.SIGKILL && p.ignore.Load() {
		return nil
	}
	if s == syscall.SIGKILL && p.linger > 0 {
		time.AfterFunc(p.linger, func() { p.terminate(worker.Exit{Code: -1, Signal: "SIGKILL"}) })
		return nil
	}
	p.terminate(worker.Exit{Code: -1, Signal: map[syscall.Signal]string{
		syscall.SIGKILL: "SIGKILL",
		syscall.SIGTERM: "SIGTERM",
	}[s]})
	return nil
}

func (p *fakeProc) Wait() worker.Exit {
	<-p.done
	return p.exit
}

func (p *fakeProc) terminate(e worker.Exit) {
	p.once.Do(func() {
		p.exit = e
		p.ch.Close()
		close(p.done)
	})
}

type fakeWorker struct {
	id   int
	slot int
	rt   *child.Runtime
	proc *fakeProc
}

// serve plays a well-behaved worker until it is disconnected.
func (w *fakeWorker) serve(listen bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := w.rt.Init(ctx); err != nil {
		return
	}
	if w.rt.Online() != nil {
		return
	}
	go w.rt.Heartbeat(ctx, 10*time.Millisecond)
	if listen {
		w.rt.Listening(nil)
	}
	select {
	case <-w.rt.Disconnected():
		w.proc.terminate(worker.Exit{Code: 0})
	case <-w.proc.done:
	}
}

type program func(w *fakeWorker)

func healthy(w *fakeWorker) { w.serve(true) }

func crashAfterOnline(w *fakeWorker) {
	ctx := context.Background()
	if _, err := w.rt.Init(ctx); err != nil {
		return
	}
	w.rt.Online()
	time.Sleep(5 * time.Millisecond)
	w.proc.terminate(worker.Exit{Code: 1})
}

// stuck never leaves on request and ignores SIGTERM.
func stuck(w *fakeWorker) {
	w.proc.ignore.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.rt.Init(ctx)
	w.rt.Online()
	go w.rt.Heartbeat(ctx, 10*time.Millisecond)
	w.rt.Listening(nil)
	<-w.proc.done
}

// silent never sends a heartbeat.
func silent(w *fakeWorker) {
	w.rt.Init(context.Background())
	w.rt.Online()
	w.rt.Listening(nil)
	select {
	case <-w.rt.Disconnected():
		w.proc.terminate(worker.Exit{Code: 0})
	case <-w.proc.done:
	}
}

func neverReady(w *fakeWorker) { w.serve(false) }

func crashAfterListening(w *fakeWorker) {
	if _, err := w.rt.Init(context.Background()); err != nil {
		return
	}
	w.rt.Online()
	w.rt.Listening(nil)
	w.proc.terminate(worker.Exit{Code: 1})
}

// recordingScheduler tracks scheduler membership without a listener.
type recordingScheduler struct {
	mu      sync.Mutex
	members map[int]bool
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{members: make(map[int]bool)}
}

func (r *recordingScheduler) Policy() string { return config.PolicyRoundRobin }

func (r *recordingScheduler) Add(id int, _ scheduler.Target) {
	r.mu.Lock()
	r.members[id] = true
	r.mu.Unlock()
}

func (r *recordingScheduler) Remove(id int) {
	r.mu.Lock()
	delete(r.members, id)
	r.mu.Unlock()
}

func (r *recordingScheduler) ids() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for id := range r.members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *recordingScheduler) SharedFiles() []*os.File { return nil }

func (r *recordingScheduler) Addr() net.Addr { return nil }

func (r *recordingScheduler) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (r *recordingScheduler) Close() error { return nil }

type fakeForker struct {
	mu      sync.Mutex
	choose  func(spec worker.Spec) program
	fail    func(spec worker.Spec) error
	workers map[int]*fakeWorker
	forks   int
}

func newFakeForker(choose func(spec worker.Spec) program) *fakeForker {
	if choose == nil {
		choose = func(worker.Spec) program { return healthy }
	}
	return &fakeForker{choose: choose, workers: make(map[int]*fakeWorker)}
}

func (f *fakeForker) Fork(spec worker.Spec) (*worker.Handle, error) {
	if f.fail != nil {
		if err := f.fail(spec); err != nil {
			return nil, err
		}
	}

	parent, peer, err := ipc.Pair()
	if err != nil {
		return nil, err
	}
	childCh, err := ipc.FromFile(peer)
	peer.Close()
	if err != nil {
		parent.Close()
		return nil, err
	}

	proc := &fakeProc{pid: 10000 + spec.ID, ch: childCh, done: make(chan struct{})}
	w := &fakeWorker{
		id:   spec.ID,
		slot: spec.Slot,
		proc: proc,
		rt:   child.New(childCh, child.Options{ID: spec.ID, Slot: spec.Slot, RunID: spec.RunID, Logger: logging.Discard()}),
	}

	f.mu.Lock()
	f.forks++
	f.workers[spec.ID] = w
	prog := f.choose(spec)
	f.mu.Unlock()

	go prog(w)
	return worker.NewHandle(spec.ID, spec.Slot, proc, parent), nil
}

func (f *fakeForker) forkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forks
}

func (f *fakeForker) worker(id int) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[id]
}

var errForkRefused = errors.New("fork refused")

func testClusterConfig() *config.ClusterConfig {
	return &config.ClusterConfig{
		Worker: config.WorkerConfig{Exec: "fake-worker", Settings: map[string]any{"mode": "test"}},
		Pool:   config.PoolConfig{Size: 3},
		Health: config.HealthConfig{
			HeartbeatInterval: config.Duration(10 * time.Millisecond),
			CheckInterval:     config.Duration(20 * time.Millisecond),
			HeartbeatTimeout:  config.Duration(300 * time.Millisecond),
			InitialGrace:      config.Duration(200 * time.Millisecond),
			StartTimeout:      config.Duration(2 * time.Second),
		},
		Restart: config.RestartConfig{
			MaxRestarts: 3,
			Backoff:     config.BackoffLinear,
			BaseDelay:   config.Duration(10 * time.Millisecond),
			MaxDelay:    config.Duration(50 * time.Millisecond),
			StableAfter: config.Duration(time.Minute),
		},
		Shutdown: config.ShutdownConfig{Timeout: config.Duration(time.Second)},
		Rolling: config.RollingConfig{
			ReadyTimeout:      config.Duration(2 * time.Second),
			DisconnectTimeout: config.Duration(300 * time.Millisecond),
		},
	}
}

func newTestSupervisor(t *testing.T, f *fakeForker, opts ...Option) *Supervisor {
	t.Helper()
	return newTestSupervisorWith(t, f, nil, opts...)
}

func newTestSupervisorWith(t *testing.T, f *fakeForker, tweak func(*config.ClusterConfig), opts ...Option) *Supervisor {
	t.Helper()
	cfg := testClusterConfig()
	if tweak != nil {
		tweak(cfg)
	}
	opts = append([]Option{WithForker(f), WithLogger(logging.Discard())}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.GracefulShutdown(time.Second) })
	return s
}

func listeningIDs(s *Supervisor) []int {
	var ids []int
	for _, w := range s.Status().Workers {
		if w.State == worker.Listening.String() {
			ids = append(ids, w.ID)
		}
	}
	return ids
}
