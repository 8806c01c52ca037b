package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clustervisor/internal/config"
	"clustervisor/internal/logging"
	"clustervisor/internal/worker"
)

var testHealth = config.HealthConfig{
	CheckInterval:    config.Duration(20 * time.Millisecond),
	HeartbeatTimeout: config.Duration(30 * time.Second),
	InitialGrace:     config.Duration(15 * time.Second),
	StartTimeout:     config.Duration(time.Minute),
}

type table struct {
	mu    sync.Mutex
	snaps []worker.Snapshot
}

func (t *table) set(s ...worker.Snapshot) {
	t.mu.Lock()
	t.snaps = s
	t.mu.Unlock()
}

func (t *table) get() []worker.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]worker.Snapshot(nil), t.snaps...)
}

func TestCheckHeartbeatTimeout(t *testing.T) {
	now := time.Now()
	tbl := &table{}
	tbl.set(
		worker.Snapshot{ID: 1, Slot: 1, State: worker.Listening, OnlineAt: now.Add(-time.Minute), LastHeartbeat: now.Add(-5 * time.Second)},
		worker.Snapshot{ID: 2, Slot: 2, State: worker.Listening, OnlineAt: now.Add(-time.Minute), LastHeartbeat: now.Add(-31 * time.Second)},
	)
	m := NewMonitor(testHealth, tbl.get, logging.Discard())

	var got []int
	m.SetOnUnhealthy(func(err *UnhealthyError) { got = append(got, err.ID) })

	found := m.Check(now)
	require.Len(t, found, 1)
	assert.Equal(t, 2, found[0].ID)
	assert.ErrorIs(t, found[0], ErrWorkerUnhealthy)
	assert.Contains(t, found[0].Error(), "worker 2 unhealthy: last heartbeat")
	assert.Equal(t, []int{2}, got)

	// reported only once
	assert.Empty(t, m.Check(now.Add(time.Second)))
	assert.Equal(t, []int{2}, got)
}

func TestCheckInitialGrace(t *testing.T) {
	now := time.Now()
	tbl := &table{}
	tbl.set(
		worker.Snapshot{ID: 1, State: worker.Online, OnlineAt: now.Add(-10 * time.Second)},
		worker.Snapshot{ID: 2, State: worker.Online, OnlineAt: now.Add(-16 * time.Second)},
	)
	m := NewMonitor(testHealth, tbl.get, logging.Discard())

	found := m.Check(now)
	require.Len(t, found, 1)
	assert.Equal(t, 2, found[0].ID)
	assert.Contains(t, found[0].Reason, "no heartbeat within 15s")
}

func TestCheckStartTimeout(t *testing.T) {
	now := time.Now()
	tbl := &table{}
	tbl.set(
		worker.Snapshot{ID: 1, State: worker.Starting, Started: now.Add(-2 * time.Minute)},
		worker.Snapshot{ID: 2, State: worker.Starting, Started: now.Add(-time.Second)},
	)
	m := NewMonitor(testHealth, tbl.get, logging.Discard())

	found := m.Check(now)
	require.Len(t, found, 1)
	assert.Equal(t, 1, found[0].ID)
}

func TestCheckIgnoresDisconnecting(t *testing.T) {
	now := time.Now()
	tbl := &table{}
	tbl.set(worker.Snapshot{ID: 1, State: worker.Disconnecting, LastHeartbeat: now.Add(-time.Hour)})
	m := NewMonitor(testHealth, tbl.get, logging.Discard())
	assert.Empty(t, m.Check(now))
}

func TestCheckForgetsRemovedWorkers(t *testing.T) {
	now := time.Now()
	stale := worker.Snapshot{ID: 3, State: worker.Listening, LastHeartbeat: now.Add(-time.Hour)}
	tbl := &table{}
	tbl.set(stale)
	m := NewMonitor(testHealth, tbl.get, logging.Discard())

	require.Len(t, m.Check(now), 1)
	tbl.set()
	m.Check(now)
	assert.Empty(t, m.reported)
}

func TestMonitorStartStop(t *testing.T) {
	tbl := &table{}
	tbl.set(worker.Snapshot{ID: 1, State: worker.Listening, LastHeartbeat: time.Now().Add(-time.Hour)})
	m := NewMonitor(testHealth, tbl.get, logging.Discard())

	fired := make(chan int, 1)
	m.SetOnUnhealthy(func(err *UnhealthyError) { fired <- err.ID })

	go m.Start(context.Background())
	select {
	case id := <-fired:
		assert.Equal(t, 1, id)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never reported the stale worker")
	}
	m.Stop()
}
