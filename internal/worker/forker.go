package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"clustervisor/internal/config"
	"clustervisor/internal/ipc"
	"clustervisor/internal/logging"
)

// Spec identifies the worker a Forker should create.
type Spec struct {
	ID    int
	Slot  int
	RunID string
}

// Forker creates worker processes. The returned Handle is in state Starting
// and its process is running.
type Forker interface {
	Fork(spec Spec) (*Handle, error)
}

// ExecForker starts workers as child processes of the supervisor.
type ExecForker struct {
	Worker config.WorkerConfig
	// Policy is exported to the worker as CLUSTER_SCHED.
	Policy string
	// SharedFiles returns the files every worker inherits after the channel,
	// starting at fd 4.
	SharedFiles func() []*os.File
	Logger      *slog.Logger
}

func (f *ExecForker) Fork(spec Spec) (*Handle, error) {
	ch, peer, err := ipc.Pair()
	if err != nil {
		return nil, err
	}
	defer peer.Close()

	cmd := exec.Command(f.Worker.Exec, f.Worker.Args...)
	if f.Worker.Directory != "" {
		cmd.Dir = f.Worker.Directory
	}

	cmd.Env = os.Environ()
	for k, v := range f.Worker.Environment {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(cmd.Env,
		ipc.EnvWorkerID+"="+strconv.Itoa(spec.ID),
		ipc.EnvWorkerSlot+"="+strconv.Itoa(spec.Slot),
		ipc.EnvRunID+"="+spec.RunID,
		ipc.EnvChannelFD+"="+strconv.Itoa(ipc.ChannelFD),
		ipc.EnvSchedule+"="+f.Policy,
	)

	cmd.ExtraFiles = []*os.File{peer}
	if f.SharedFiles != nil {
		if shared := f.SharedFiles(); len(shared) > 0 {
			cmd.ExtraFiles = append(cmd.ExtraFiles, shared...)
			cmd.Env = append(cmd.Env, ipc.EnvListenFD+"="+strconv.Itoa(ipc.ChannelFD+1))
		}
	}

	// Own process group: a terminal ^C reaches the supervisor only, which
	// then shuts the pool down in order.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGTERM}
	cmd.WaitDelay = 2 * time.Second

	logger := f.logger().With(logging.WorkerKey, spec.ID)
	var stdout, stderr *lineWriter
	if !f.Worker.Silent {
		stdout = &lineWriter{log: logger, level: slog.LevelInfo}
		stderr = &lineWriter{log: logger, level: slog.LevelWarn}
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		ch.Close()
		return nil, fmt.Errorf("start %s: %w", f.Worker.Exec, err)
	}

	proc := &execProcess{cmd: cmd}
	if stdout != nil {
		proc.flush = func() {
			stdout.Flush()
			stderr.Flush()
		}
	}

	logger.Debug("worker process started", "pid", cmd.Process.Pid, "slot", spec.Slot)
	return NewHandle(spec.ID, spec.Slot, proc, ch), nil
}

func (f *ExecForker) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

// lineWriter logs worker output one line at a time.
type lineWriter struct {
	mu    sync.Mutex
	log   *slog.Logger
	level slog.Level
	buf   []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	// keep a runaway line from growing without bound
	if len(w.buf) > 64<<10 {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.log.Log(context.Background(), w.level, string(line))
}
