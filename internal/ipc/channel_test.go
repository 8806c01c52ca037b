package ipc

import (
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPair returns both ends of a socketpair as channels.
func newPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	parent, peer, err := Pair()
	require.NoError(t, err)

	child, err := FromFile(peer)
	require.NoError(t, err)
	peer.Close()

	t.Cleanup(func() {
		parent.Close()
		child.Close()
	})
	return parent, child
}

type collector struct {
	mu     sync.Mutex
	msgs   []Message
	files  [][]*os.File
	errs   []error
	served chan struct{}
}

func newCollector() *collector {
	return &collector{served: make(chan struct{})}
}

func (c *collector) handle(msg Message, files []*os.File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	c.files = append(c.files, files)
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collector) serve(ch *Channel) {
	go func() {
		defer close(c.served)
		_ = ch.Serve(c.handle, c.onError)
	}()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestChannelPreservesOrder(t *testing.T) {
	parent, child := newPair(t)
	got := newCollector()
	got.serve(parent)

	for i := 0; i < 100; i++ {
		msg, err := NewMessage(TypeHeartbeat, map[string]int{"seq": i})
		require.NoError(t, err)
		require.NoError(t, child.Send(msg))
	}

	require.Eventually(t, func() bool { return got.count() == 100 }, 2*time.Second, 5*time.Millisecond)

	got.mu.Lock()
	defer got.mu.Unlock()
	for i, msg := range got.msgs {
		var body struct{ Seq int }
		require.NoError(t, msg.Decode(&body))
		assert.Equal(t, i, body.Seq)
		assert.Equal(t, TypeHeartbeat, msg.Type)
		assert.False(t, msg.Time().IsZero())
	}
}

func TestChannelPassesFiles(t *testing.T) {
	parent, child := newPair(t)
	got := newCollector()
	got.serve(child)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	msg, err := NewMessage(TypeConn, ConnPayload{Network: "pipe"})
	require.NoError(t, err)
	require.NoError(t, parent.Send(msg, w))
	w.Close()

	require.Eventually(t, func() bool { return got.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	got.mu.Lock()
	files := got.files[0]
	got.mu.Unlock()
	require.Len(t, files, 1)

	_, err = files[0].Write([]byte("through the socket"))
	require.NoError(t, err)
	files[0].Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "through the socket", string(data))
}

func TestChannelReportsUndecodableAndContinues(t *testing.T) {
	parent, child := newPair(t)
	got := newCollector()
	got.serve(parent)

	_, err := child.conn.Write([]byte("{not json"))
	require.NoError(t, err)
	_, err = child.conn.Write([]byte(`{"payload":1}`))
	require.NoError(t, err)

	msg, err := NewMessage(TypeOnline, nil)
	require.NoError(t, err)
	require.NoError(t, child.Send(msg))

	require.Eventually(t, func() bool { return got.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	got.mu.Lock()
	defer got.mu.Unlock()
	require.Len(t, got.errs, 2)
	for _, err := range got.errs {
		assert.ErrorIs(t, err, ErrMessageUndecodable)
		var de *DecodeError
		assert.True(t, errors.As(err, &de))
	}
	assert.Equal(t, TypeOnline, got.msgs[0].Type)
}

func TestChannelSendAfterClose(t *testing.T) {
	parent, _ := newPair(t)
	require.NoError(t, parent.Close())
	assert.True(t, parent.Closed())

	msg, err := NewMessage("app", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, parent.Send(msg), ErrChannelClosed)
}

func TestChannelCloseWriteDeliversEOF(t *testing.T) {
	parent, child := newPair(t)
	got := newCollector()
	got.serve(child)

	msg, err := NewMessage(TypeDisconnect, nil)
	require.NoError(t, err)
	require.NoError(t, parent.Send(msg))
	require.NoError(t, parent.CloseWrite())

	select {
	case <-got.served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after peer CloseWrite")
	}
	assert.Equal(t, 1, got.count())
	assert.ErrorIs(t, parent.Send(msg), ErrChannelClosed)

	// the half-closed end can still receive
	back := newCollector()
	back.serve(parent)
	require.NoError(t, child.Send(msg))
	require.Eventually(t, func() bool { return back.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestChannelSendToClosedPeer(t *testing.T) {
	parent, child := newPair(t)
	require.NoError(t, child.Close())

	msg, err := NewMessage("app", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return errors.Is(parent.Send(msg), ErrChannelClosed)
	}, time.Second, 10*time.Millisecond)
}

func TestSendRejectsOversizedMessage(t *testing.T) {
	parent, _ := newPair(t)
	big := make([]byte, MaxMessageSize)
	for i := range big {
		big[i] = 'a'
	}
	msg, err := NewMessage("app", string(big))
	require.NoError(t, err)
	assert.ErrorIs(t, parent.Send(msg), ErrMessageTooLarge)
}
