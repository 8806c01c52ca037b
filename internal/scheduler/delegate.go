package scheduler

import (
	"context"
	"fmt"
	"net"
	"os"

	"clustervisor/internal/config"
)

// Delegate shares one listening socket with all workers.
type Delegate struct {
	ln   net.Listener
	file *os.File
}

func NewDelegate(ln net.Listener) (*Delegate, error) {
	d := &Delegate{ln: ln}
	if ln == nil {
		return d, nil
	}
	fl, ok := ln.(filer)
	if !ok {
		return nil, fmt.Errorf("listener %T cannot be shared", ln)
	}
	f, err := fl.File()
	if err != nil {
		return nil, fmt.Errorf("share listener: %w", err)
	}
	d.file = f
	return d, nil
}

func (d *Delegate) Policy() string { return config.PolicyNone }

func (d *Delegate) Add(int, Target) {}

func (d *Delegate) Remove(int) {}

func (d *Delegate) SharedFiles() []*os.File {
	if d.file == nil {
		return nil
	}
	return []*os.File{d.file}
}

func (d *Delegate) Addr() net.Addr {
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Serve only waits: the workers accept on the shared socket themselves.
func (d *Delegate) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (d *Delegate) Close() error {
	if d.ln == nil {
		return nil
	}
	d.file.Close()
	return d.ln.Close()
}
