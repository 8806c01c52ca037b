// Package scheduler decides how inbound connections reach workers.
//
// RoundRobin accepts on the supervisor's listener and hands every connection
// to the next Listening worker over its IPC channel. Delegate shares the
// listening socket itself with every worker and leaves the choice to the
// kernel.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"clustervisor/internal/config"
	"clustervisor/internal/ipc"
)

// Target is the part of a worker a scheduler needs.
type Target interface {
	Send(msg ipc.Message, files ...*os.File) error
}

type Scheduler interface {
	Policy() string
	// Add registers a worker that entered Listening.
	Add(id int, t Target)
	// Remove forgets a worker that left Listening. Unknown ids are ignored.
	Remove(id int)
	// SharedFiles are inherited by every forked worker.
	SharedFiles() []*os.File
	// Addr is the supervisor listener address, nil without a listener.
	Addr() net.Addr
	// Serve runs until ctx ends or Close is called.
	Serve(ctx context.Context) error
	Close() error
}

// New opens the configured listener, if any, and builds the policy.
func New(cfg config.SchedulingConfig, logger *slog.Logger) (Scheduler, error) {
	var ln net.Listener
	if cfg.Address != "" {
		var err error
		ln, err = net.Listen(cfg.Network, cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("listen %s %s: %w", cfg.Network, cfg.Address, err)
		}
	}

	switch cfg.Policy {
	case config.PolicyNone:
		d, err := NewDelegate(ln)
		if err != nil {
			ln.Close()
			return nil, err
		}
		return d, nil
	case config.PolicyRoundRobin, "":
		return NewRoundRobin(ln, cfg.QueueSize, logger), nil
	default:
		if ln != nil {
			ln.Close()
		}
		return nil, fmt.Errorf("unknown scheduling policy %q", cfg.Policy)
	}
}

type filer interface {
	File() (*os.File, error)
}
