package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clustervisor/internal/config"
	"clustervisor/internal/ipc"
	"clustervisor/internal/models"
	"clustervisor/internal/worker"
)

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

func TestStartPoolUniqueIDs(t *testing.T) {
	f := newFakeForker(nil)
	s := newTestSupervisor(t, f)

	ids, err := s.StartPool(3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2, 3}, ids)

	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 3 }, waitFor, tick)

	st := s.Status()
	assert.Equal(t, 3, st.TargetSize)
	assert.Equal(t, 3, st.Size)
	assert.Equal(t, config.PolicyRoundRobin, st.Policy)
	assert.Equal(t, s.RunID(), st.RunID)
	assert.False(t, st.Degraded)
	assert.Empty(t, st.ExhaustedSlots)
	slots := map[int]bool{}
	for _, w := range st.Workers {
		slots[w.Slot] = true
		assert.Equal(t, 10000+w.ID, w.Pid)
	}
	assert.Len(t, slots, 3)
}

func TestStartPoolInvalidSize(t *testing.T) {
	f := newFakeForker(nil)
	s := newTestSupervisor(t, f)

	for _, n := range []int{0, -2} {
		_, err := s.StartPool(n)
		assert.ErrorIs(t, err, ErrInvalidPoolSize)
	}
	assert.Zero(t, f.forkCount())
}

func TestStartPoolCreationFailure(t *testing.T) {
	f := newFakeForker(nil)
	f.fail = func(spec worker.Spec) error {
		if spec.Slot == 2 {
			return errForkRefused
		}
		return nil
	}
	s := newTestSupervisor(t, f)

	ids, err := s.StartPool(3)
	assert.Len(t, ids, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkerCreationFailed)
	assert.ErrorIs(t, err, errForkRefused)
	var cerr *CreationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 2, cerr.Slot)

	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 2 }, waitFor, tick)
}

func TestWorkerReceivesInit(t *testing.T) {
	f := newFakeForker(nil)
	s := newTestSupervisor(t, f)
	_, err := s.StartPool(1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 1 }, waitFor, tick)

	w := f.worker(1)
	p, err := w.rt.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.WorkerID)
	assert.Equal(t, 1, p.Slot)
	assert.Equal(t, s.RunID(), p.RunID)
	assert.Equal(t, "10ms", p.HeartbeatInterval)
	assert.Equal(t, "test", w.rt.Settings()["mode"])
}

func TestCrashedWorkerIsReplaced(t *testing.T) {
	f := newFakeForker(func(spec worker.Spec) program {
		if spec.ID == 1 {
			return crashAfterOnline
		}
		return healthy
	})
	s := newTestSupervisor(t, f)

	_, err := s.StartPool(1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ids := listeningIDs(s)
		return len(ids) == 1 && ids[0] == 2
	}, waitFor, tick)

	ws, err := s.Worker(2)
	require.NoError(t, err)
	assert.Equal(t, 1, ws.Slot)
	assert.Equal(t, 1, ws.RestartCount)
}

func TestIntentionalExitIsNotReplaced(t *testing.T) {
	f := newFakeForker(nil)
	s := newTestSupervisor(t, f)
	_, err := s.StartPool(1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 1 }, waitFor, tick)

	h, err := s.lookup(1)
	require.NoError(t, err)
	assert.False(t, s.retire(h, time.Second))
	assert.True(t, h.ExitedAfterDisconnect())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.forkCount())
	assert.Zero(t, s.Status().Size)
	assert.Zero(t, s.restarts.Count(1))
}

func TestSlotExhaustedReportedOnce(t *testing.T) {
	f := newFakeForker(func(worker.Spec) program { return crashAfterOnline })
	s := newTestSupervisor(t, f)
	events, cancel := s.Subscribe()
	defer cancel()

	_, err := s.StartPool(1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(s.Status().ExhaustedSlots) == 1
	}, waitFor, tick)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 3, f.forkCount())
	st := s.Status()
	assert.Equal(t, []int{1}, st.ExhaustedSlots)
	assert.True(t, st.Degraded)
	assert.Zero(t, st.Size)

	exhausted := 0
	for {
		select {
		case ev := <-events:
			if ev.Type == models.EventSlotExhausted {
				exhausted++
				assert.Equal(t, 1, ev.Slot)
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, exhausted)
}

func TestReviveSlot(t *testing.T) {
	var mu sync.Mutex
	crash := true
	f := newFakeForker(func(worker.Spec) program {
		mu.Lock()
		defer mu.Unlock()
		if crash {
			return crashAfterOnline
		}
		return healthy
	})
	s := newTestSupervisor(t, f)
	_, err := s.StartPool(1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.Status().ExhaustedSlots) == 1 }, waitFor, tick)

	_, err = s.ReviveSlot(2)
	assert.ErrorIs(t, err, ErrSlotNotExhausted)

	mu.Lock()
	crash = false
	mu.Unlock()
	id, err := s.ReviveSlot(1)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ids := listeningIDs(s)
		return len(ids) == 1 && ids[0] == id
	}, waitFor, tick)
	assert.Empty(t, s.Status().ExhaustedSlots)
}

func TestStableWorkerResetsRestartCount(t *testing.T) {
	f := newFakeForker(func(spec worker.Spec) program {
		if spec.ID == 1 {
			return crashAfterOnline
		}
		return healthy
	})
	s := newTestSupervisorWith(t, f, func(cfg *config.ClusterConfig) {
		cfg.Restart.StableAfter = config.Duration(50 * time.Millisecond)
	})
	_, err := s.StartPool(1)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return s.restarts.Count(1) == 0 }, waitFor, tick)
}

func TestUnhealthyWorkerIsKilledAndReplaced(t *testing.T) {
	f := newFakeForker(func(spec worker.Spec) program {
		if spec.ID == 1 {
			return silent
		}
		return healthy
	})
	s := newTestSupervisor(t, f)
	events, cancel := s.Subscribe()
	defer cancel()

	_, err := s.StartPool(1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ids := listeningIDs(s)
		return len(ids) == 1 && ids[0] == 2
	}, waitFor, tick)
	assert.Equal(t, "SIGKILL", f.worker(1).proc.Wait().Signal)

	var sawUnhealthy bool
	for !sawUnhealthy {
		select {
		case ev := <-events:
			sawUnhealthy = ev.Type == models.EventUnhealthy && ev.WorkerID == 1
		case <-time.After(time.Second):
			t.Fatal("no unhealthy event for worker 1")
		}
	}
}

func TestKillWorker(t *testing.T) {
	f := newFakeForker(nil)
	s := newTestSupervisor(t, f)
	_, err := s.StartPool(1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 1 }, waitFor, tick)

	assert.ErrorIs(t, s.KillWorker(99), ErrWorkerNotFound)
	require.NoError(t, s.KillWorker(1))

	// a forced kill is a crash and gets replaced
	require.Eventually(t, func() bool {
		ids := listeningIDs(s)
		return len(ids) == 1 && ids[0] == 2
	}, waitFor, tick)
}

func TestGracefulShutdownAllResponsive(t *testing.T) {
	f := newFakeForker(nil)
	s := newTestSupervisor(t, f)
	_, err := s.StartPool(3)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 3 }, waitFor, tick)

	report := s.GracefulShutdown(2 * time.Second)
	assert.Empty(t, report.Forced)
	assert.Equal(t, []int{1, 2, 3}, report.Graceful)
	assert.Zero(t, s.Status().Size)
	assert.True(t, s.Status().ShuttingDown)

	again := s.GracefulShutdown(time.Second)
	assert.Equal(t, report, again)

	_, err = s.StartPool(1)
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, err = s.RollingRestart(context.Background())
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, 3, f.forkCount())
}

func TestGracefulShutdownForcesUnresponsive(t *testing.T) {
	f := newFakeForker(func(spec worker.Spec) program {
		if spec.ID == 2 {
			return stuck
		}
		return healthy
	})
	s := newTestSupervisor(t, f)
	_, err := s.StartPool(2)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 2 }, waitFor, tick)

	timeout := 200 * time.Millisecond
	report := s.GracefulShutdown(timeout)
	assert.Equal(t, []int{1}, report.Graceful)
	assert.Equal(t, []int{2}, report.Forced)
	assert.GreaterOrEqual(t, report.Elapsed, timeout)
	assert.Less(t, report.Elapsed, timeout+time.Second)
	assert.Equal(t, "SIGKILL", f.worker(2).proc.Wait().Signal)
}

func TestShutdownReportIgnoresEarlierKill(t *testing.T) {
	f := newFakeForker(nil)
	s := newTestSupervisor(t, f)
	_, err := s.StartPool(1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 1 }, waitFor, tick)

	// the kill is still in flight when shutdown starts
	f.worker(1).proc.linger = 500 * time.Millisecond
	require.NoError(t, s.KillWorker(1))

	report := s.GracefulShutdown(time.Second)
	assert.Equal(t, []int{1}, report.Graceful)
	assert.Empty(t, report.Forced)
}

func TestShutdownSignalsStartingWorkers(t *testing.T) {
	// never reads init, so it stays Starting
	f := newFakeForker(func(worker.Spec) program {
		return func(w *fakeWorker) { <-w.proc.done }
	})
	s := newTestSupervisor(t, f)
	_, err := s.StartPool(1)
	require.NoError(t, err)

	report := s.GracefulShutdown(time.Second)
	assert.Equal(t, []int{1}, report.Graceful)
	assert.Equal(t, "SIGTERM", f.worker(1).proc.Wait().Signal)
}

func TestRollingRestartKeepsCapacity(t *testing.T) {
	f := newFakeForker(nil)
	s := newTestSupervisor(t, f)
	_, err := s.StartPool(3)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 3 }, waitFor, tick)

	stop := make(chan struct{})
	lowest := make(chan int, 1)
	go func() {
		low := 3
		for {
			select {
			case <-stop:
				lowest <- low
				return
			default:
			}
			if n := len(listeningIDs(s)); n < low {
				low = n
			}
			time.Sleep(time.Millisecond)
		}
	}()

	report, err := s.RollingRestart(context.Background())
	close(stop)
	require.NoError(t, err)
	assert.Equal(t, 3, <-lowest)

	require.Len(t, report.Replaced, 3)
	for i, r := range report.Replaced {
		assert.Equal(t, i+1, r.OldID)
		assert.Equal(t, i+4, r.NewID)
		assert.Equal(t, i+1, r.Slot)
	}
	assert.Empty(t, report.Forced)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{4, 5, 6}, listeningIDs(s)) && s.Status().Size == 3
	}, waitFor, tick)
	assert.Equal(t, 6, f.forkCount())
}

func TestRollingRestartAbortsWhenReplacementNeverReady(t *testing.T) {
	f := newFakeForker(func(spec worker.Spec) program {
		if spec.ID > 2 {
			return neverReady
		}
		return healthy
	})
	s := newTestSupervisorWith(t, f, func(cfg *config.ClusterConfig) {
		cfg.Rolling.ReadyTimeout = config.Duration(200 * time.Millisecond)
	})
	_, err := s.StartPool(2)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 2 }, waitFor, tick)

	_, err = s.RollingRestart(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRollingRestartAborted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool { return s.Status().Size == 2 }, waitFor, tick)
	assert.Equal(t, []int{1, 2}, listeningIDs(s))

	// the torn down replacements do not count against the slots
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, f.forkCount())
	assert.Zero(t, s.restarts.Count(1))
}

func TestOriginalCrashDuringAbortedRollIsReplaced(t *testing.T) {
	f := newFakeForker(func(spec worker.Spec) program {
		if spec.ID == 3 || spec.ID == 4 {
			return neverReady
		}
		return healthy
	})
	s := newTestSupervisorWith(t, f, func(cfg *config.ClusterConfig) {
		cfg.Rolling.ReadyTimeout = config.Duration(300 * time.Millisecond)
	})
	_, err := s.StartPool(2)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 2 }, waitFor, tick)

	done := make(chan error, 1)
	go func() {
		_, err := s.RollingRestart(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return f.forkCount() == 4 }, waitFor, tick)
	f.worker(1).proc.terminate(worker.Exit{Code: 1})

	assert.ErrorIs(t, <-done, ErrRollingRestartAborted)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{2, 5}, listeningIDs(s)) && s.Status().Size == 2
	}, waitFor, tick)
	ws, err := s.Worker(5)
	require.NoError(t, err)
	assert.Equal(t, 1, ws.Slot)
	assert.Equal(t, 1, ws.RestartCount)
}

func TestReplacementCrashDuringRetireKeepsOriginal(t *testing.T) {
	f := newFakeForker(func(spec worker.Spec) program {
		if spec.ID == 1 {
			return stuck
		}
		return healthy
	})
	s := newTestSupervisor(t, f)
	_, err := s.StartPool(2)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 2 }, waitFor, tick)

	type result struct {
		report RollReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := s.RollingRestart(context.Background())
		done <- result{report, err}
	}()

	// worker 1 ignores the disconnect, so the roll sits in its retire
	// timeout while replacement 4 dies
	require.Eventually(t, func() bool {
		for _, w := range s.Status().Workers {
			if w.ID == 1 {
				return w.State == worker.Disconnecting.String()
			}
		}
		return false
	}, waitFor, tick)
	f.worker(4).proc.terminate(worker.Exit{Code: 1})

	res := <-done
	require.ErrorIs(t, res.err, ErrRollingRestartIncomplete)
	assert.Equal(t, []Replacement{{Slot: 1, OldID: 1, NewID: 3}}, res.report.Replaced)
	assert.Equal(t, []int{2}, res.report.Kept)
	assert.Equal(t, []int{1}, res.report.Forced)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{2, 3}, listeningIDs(s)) && s.Status().Size == 2
	}, waitFor, tick)

	// the original still serves slot 2, so no replacement is forked for it
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, f.forkCount())
	assert.Zero(t, s.restarts.Count(2))
}

func TestSchedulerOnlyHoldsLiveWorkers(t *testing.T) {
	f := newFakeForker(func(spec worker.Spec) program {
		if spec.ID <= 4 {
			return crashAfterListening
		}
		return healthy
	})
	sched := newRecordingScheduler()
	s := newTestSupervisorWith(t, f, func(cfg *config.ClusterConfig) {
		cfg.Restart.MaxRestarts = 10
	}, WithScheduler(sched))
	_, err := s.StartPool(1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{5}, listeningIDs(s))
	}, waitFor, tick)
	assert.Equal(t, []int{5}, sched.ids())
}

func TestRollingRestartInProgress(t *testing.T) {
	f := newFakeForker(nil)
	s := newTestSupervisor(t, f)
	_, err := s.StartPool(1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 1 }, waitFor, tick)

	s.mu.Lock()
	s.rolling = true
	s.mu.Unlock()
	_, err = s.RollingRestart(context.Background())
	assert.ErrorIs(t, err, ErrRollingRestartInProgress)

	s.mu.Lock()
	s.rolling = false
	s.mu.Unlock()
}

func TestRestartWorker(t *testing.T) {
	f := newFakeForker(nil)
	s := newTestSupervisor(t, f)
	_, err := s.StartPool(2)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 2 }, waitFor, tick)

	_, err = s.RestartWorker(context.Background(), 42)
	assert.ErrorIs(t, err, ErrWorkerNotFound)

	id, err := s.RestartWorker(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, id)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{2, 3}, listeningIDs(s))
	}, waitFor, tick)
	ws, err := s.Worker(3)
	require.NoError(t, err)
	assert.Equal(t, 1, ws.Slot)
}

type inbox struct {
	mu   sync.Mutex
	msgs map[int][]ipc.Message
}

func (b *inbox) record(id int, msg ipc.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs[id] = append(b.msgs[id], msg)
}

func (b *inbox) of(id int) []ipc.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ipc.Message(nil), b.msgs[id]...)
}

func recording(b *inbox) program {
	return func(w *fakeWorker) {
		for _, typ := range []string{"ping", ipc.TypeBroadcast} {
			w.rt.Handle(typ, func(msg ipc.Message) { b.record(w.id, msg) })
		}
		w.serve(true)
	}
}

func TestBroadcastAndSend(t *testing.T) {
	box := &inbox{msgs: make(map[int][]ipc.Message)}
	f := newFakeForker(func(worker.Spec) program { return recording(box) })
	s := newTestSupervisor(t, f)
	_, err := s.StartPool(3)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 3 }, waitFor, tick)

	ping, err := ipc.NewMessage("ping", map[string]int{"seq": 1})
	require.NoError(t, err)
	results := s.Broadcast(ping)
	require.Len(t, results, 3)
	for id, err := range results {
		assert.NoError(t, err, "worker %d", id)
	}
	require.Eventually(t, func() bool {
		return len(box.of(1)) == 1 && len(box.of(2)) == 1 && len(box.of(3)) == 1
	}, waitFor, tick)

	require.NoError(t, s.Send(2, ping))
	require.Eventually(t, func() bool { return len(box.of(2)) == 2 }, waitFor, tick)
	assert.ErrorIs(t, s.Send(9, ping), ErrWorkerNotFound)
}

func TestWorkerBroadcastIsRelayed(t *testing.T) {
	box := &inbox{msgs: make(map[int][]ipc.Message)}
	f := newFakeForker(func(worker.Spec) program { return recording(box) })
	s := newTestSupervisor(t, f)
	_, err := s.StartPool(3)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 3 }, waitFor, tick)

	require.NoError(t, f.worker(1).rt.Broadcast(map[string]string{"cache": "flush"}))

	require.Eventually(t, func() bool {
		return len(box.of(2)) == 1 && len(box.of(3)) == 1
	}, waitFor, tick)
	assert.Empty(t, box.of(1))

	msg := box.of(3)[0]
	assert.Equal(t, ipc.TypeBroadcast, msg.Type)
	var p map[string]string
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "flush", p["cache"])
}

func TestApplicationMessagesReachHook(t *testing.T) {
	type delivery struct {
		id  int
		typ string
	}
	got := make(chan delivery, 4)
	f := newFakeForker(nil)
	s := newTestSupervisor(t, f, WithMessageHandler(func(id int, msg ipc.Message) {
		if msg.Type == "boom" {
			panic("handler bug")
		}
		got <- delivery{id, msg.Type}
	}))
	_, err := s.StartPool(2)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(listeningIDs(s)) == 2 }, waitFor, tick)

	require.NoError(t, f.worker(2).rt.Send("boom", nil))
	require.NoError(t, f.worker(2).rt.Send("stats", map[string]int{"rps": 5}))

	select {
	case d := <-got:
		assert.Equal(t, delivery{2, "stats"}, d)
	case <-time.After(waitFor):
		t.Fatal("hook not called")
	}
	assert.Len(t, listeningIDs(s), 2)
}

func TestSubscribeEndsOnShutdown(t *testing.T) {
	f := newFakeForker(nil)
	s := newTestSupervisor(t, f)
	events, _ := s.Subscribe()

	_, err := s.StartPool(1)
	require.NoError(t, err)
	s.GracefulShutdown(time.Second)

	var types []models.EventType
	for ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, models.EventForked)
	assert.Contains(t, types, models.EventExit)
	assert.Equal(t, models.EventShutdown, types[len(types)-1])
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testClusterConfig()
	cfg.Worker.Exec = ""
	cfg.Scheduling.Policy = "random"
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.exec is required")
	assert.Contains(t, err.Error(), "scheduling.policy")
	assert.False(t, errors.Is(err, ErrShuttingDown))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m 3s", formatDuration(2*time.Minute+3*time.Second))
	assert.Equal(t, "1h 0m 7s", formatDuration(time.Hour+7*time.Second))
	assert.Equal(t, "2d 1h 0m", formatDuration(49*time.Hour))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
}
