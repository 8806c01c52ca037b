package worker

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Process is the OS process behind a Handle.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	// Wait blocks until the process exits. It may be called more than once.
	Wait() Exit
}

// Exit describes how a process ended.
type Exit struct {
	Code   int
	Signal string
	Err    error
}

func (e Exit) String() string {
	if e.Signal != "" {
		return fmt.Sprintf("killed by %s", e.Signal)
	}
	if e.Err != nil && e.Code < 0 {
		return fmt.Sprintf("wait failed: %v", e.Err)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

type execProcess struct {
	cmd   *exec.Cmd
	once  sync.Once
	exit  Exit
	flush func()
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Wait() Exit {
	p.once.Do(func() {
		err := p.cmd.Wait()
		if p.flush != nil {
			p.flush()
		}

		p.exit = Exit{Err: err}
		if err == nil {
			return
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.exit.Code = -1
			return
		}
		p.exit.Code = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			p.exit.Signal = unix.SignalName(status.Signal())
		}
	})
	return p.exit
}
