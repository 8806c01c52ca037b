package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// MaxMessageSize bounds one encoded message.
	MaxMessageSize = 64 << 10

	maxFilesPerMessage  = 4
	defaultWriteTimeout = 5 * time.Second
)

// Handler receives inbound messages in the order they were sent. Ownership of
// files passes to the handler.
type Handler func(msg Message, files []*os.File)

type Channel struct {
	conn         *net.UnixConn
	wmu          sync.Mutex
	closed       atomic.Bool
	closeOnce    sync.Once
	writeTimeout time.Duration
}

// Pair creates a connected socketpair. The returned file is the peer end and
// is meant to be inherited by a child process; the caller must close its copy
// once the child has started.
func Pair() (*Channel, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	local := os.NewFile(uintptr(fds[0]), "ipc")
	peer := os.NewFile(uintptr(fds[1]), "ipc-peer")

	ch, err := FromFile(local)
	local.Close()
	if err != nil {
		peer.Close()
		return nil, nil, err
	}
	return ch, peer, nil
}

// FromFile wraps an inherited socket. The file is duplicated, so the caller
// may close f afterwards.
func FromFile(f *os.File) (*Channel, error) {
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("ipc from fd %d: %w", f.Fd(), err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("ipc from fd %d: not a unix socket", f.Fd())
	}
	return &Channel{conn: uc, writeTimeout: defaultWriteTimeout}, nil
}

// SetWriteTimeout bounds how long Send may block on a full socket buffer.
func (c *Channel) SetWriteTimeout(d time.Duration) {
	c.writeTimeout = d
}

// Send writes msg and any files as one packet. Sends from concurrent callers
// are serialized, so per-channel order is the order in which Send returned.
func (c *Channel) Send(msg Message, files ...*os.File) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if len(files) > maxFilesPerMessage {
		return fmt.Errorf("ipc: at most %d files per message", maxFilesPerMessage)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closed.Load() {
		return ErrChannelClosed
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, _, err := c.conn.WriteMsgUnix(data, oob, nil); err != nil {
		if isClosedErr(err) {
			c.closed.Store(true)
			return fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		return fmt.Errorf("send %s message: %w", msg.Type, err)
	}
	return nil
}

// Serve reads until the peer closes its end or the channel is closed locally,
// in which case it returns nil. Packets that cannot be decoded are passed to
// onError and reading continues.
func (c *Channel) Serve(handle Handler, onError func(error)) error {
	buf := make([]byte, MaxMessageSize+1)
	oob := make([]byte, unix.CmsgSpace(maxFilesPerMessage*4))

	for {
		n, oobn, flags, _, err := c.conn.ReadMsgUnix(buf, oob)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ipc read: %w", err)
		}
		if n == 0 && oobn == 0 {
			// zero-length read on a seqpacket socket is the peer's shutdown
			return nil
		}

		files, ferr := parseRights(oob[:oobn])
		if ferr == nil && flags&unix.MSG_CTRUNC != 0 {
			ferr = errors.New("control data truncated")
		}
		if ferr == nil && (flags&unix.MSG_TRUNC != 0 || n > MaxMessageSize) {
			ferr = ErrMessageTooLarge
		}

		var msg Message
		if ferr == nil {
			ferr = json.Unmarshal(buf[:n], &msg)
		}
		if ferr == nil && msg.Type == "" {
			ferr = errors.New("missing message type")
		}
		if ferr != nil {
			closeFiles(files)
			if onError != nil {
				raw := make([]byte, n)
				copy(raw, buf[:n])
				onError(&DecodeError{Raw: raw, Err: ferr})
			}
			continue
		}

		handle(msg, files)
	}
}

// CloseWrite stops further sends and lets the peer read EOF, while inbound
// messages can still be read.
func (c *Channel) CloseWrite() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.CloseWrite()
}

// Close tears the channel down. Serve returns and every later Send fails with
// ErrChannelClosed.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// Closed reports whether sends are no longer accepted.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}

	var files []*os.File
	for i := range scms {
		fds, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			closeFiles(files)
			return nil, fmt.Errorf("parse rights: %w", err)
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "ipc-handle"))
		}
	}
	return files, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.ENOTCONN)
}
