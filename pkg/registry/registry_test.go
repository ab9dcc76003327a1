package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberhive/hive/pkg/types"
)

func task(id string) *types.Task {
	return &types.Task{ID: id, Kind: "cpu"}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewWorkerRegistry()

	orphan := r.Register("w1", "cpu", []string{"python"})
	assert.Empty(t, orphan)

	w, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, types.WorkerStateIdle, w.State)
	assert.Equal(t, "cpu", w.Kind)
	assert.Equal(t, []string{"python"}, w.Capabilities)
	assert.False(t, w.RegisteredAt.IsZero())
}

func TestReRegisterReturnsOrphanedTask(t *testing.T) {
	r := NewWorkerRegistry()
	r.Register("w1", "cpu", nil)
	require.NoError(t, r.Assign("w1", task("t1")))

	// Worker restarts and registers again: same id, held task stranded.
	orphan := r.Register("w1", "cpu", nil)
	assert.Equal(t, "t1", orphan)

	w, _ := r.Get("w1")
	assert.Equal(t, types.WorkerStateIdle, w.State)
	assert.Empty(t, w.CurrentTaskID)
}

func TestHeartbeatMonotonic(t *testing.T) {
	r := NewWorkerRegistry()
	r.Register("w1", "cpu", nil)

	now := time.Now()
	require.NoError(t, r.Heartbeat("w1", now))

	// Out-of-order heartbeat is ignored.
	require.NoError(t, r.Heartbeat("w1", now.Add(-time.Minute)))
	w, _ := r.Get("w1")
	assert.Equal(t, now, w.LastHeartbeat)

	assert.Error(t, r.Heartbeat("missing", now))
}

func TestHeartbeatRevivesOfflineWorker(t *testing.T) {
	r := NewWorkerRegistry()
	r.Register("w1", "cpu", nil)
	r.ExpireStale(-time.Second) // everything is stale against a negative ttl

	w, _ := r.Get("w1")
	require.Equal(t, types.WorkerStateOffline, w.State)

	require.NoError(t, r.Heartbeat("w1", time.Now()))
	w, _ = r.Get("w1")
	assert.Equal(t, types.WorkerStateIdle, w.State)
}

func TestFindIdleMatchesKindAndCapabilities(t *testing.T) {
	r := NewWorkerRegistry()
	r.Register("cpu-plain", "cpu", nil)
	r.Register("cpu-py", "cpu", []string{"python", "git"})
	r.Register("gpu", "gpu", []string{"cuda"})

	id, ok := r.FindIdle("cpu", []string{"python"})
	require.True(t, ok)
	assert.Equal(t, "cpu-py", id)

	_, ok = r.FindIdle("cpu", []string{"cuda"})
	assert.False(t, ok)

	id, ok = r.FindIdle("gpu", nil)
	require.True(t, ok)
	assert.Equal(t, "gpu", id)
}

func TestFindIdlePrefersLeastRecentlyAssigned(t *testing.T) {
	r := NewWorkerRegistry()
	r.Register("w1", "cpu", nil)
	r.Register("w2", "cpu", nil)

	require.NoError(t, r.Assign("w1", task("t1")))
	require.True(t, r.FinishTask("w1", "t1"))

	// w2 has never been assigned, so it goes first.
	id, ok := r.FindIdle("cpu", nil)
	require.True(t, ok)
	assert.Equal(t, "w2", id)
}

func TestFindIdleSkipsBusyWorkers(t *testing.T) {
	r := NewWorkerRegistry()
	r.Register("w1", "cpu", nil)
	require.NoError(t, r.Assign("w1", task("t1")))

	_, ok := r.FindIdle("cpu", nil)
	assert.False(t, ok)
}

func TestAssignWakesBlockedPoll(t *testing.T) {
	r := NewWorkerRegistry()
	r.Register("w1", "cpu", nil)

	done := make(chan *types.Task, 1)
	go func() {
		got, err := r.Poll(context.Background(), "w1", 2*time.Second)
		require.NoError(t, err)
		done <- got
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, r.Assign("w1", task("t1")))

	select {
	case got := <-done:
		require.NotNil(t, got)
		assert.Equal(t, "t1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("poll did not wake on assignment")
	}

	w, _ := r.Get("w1")
	assert.Equal(t, types.WorkerStateBusy, w.State)
	assert.Equal(t, "t1", w.CurrentTaskID)
}

func TestPollTimesOutEmpty(t *testing.T) {
	r := NewWorkerRegistry()
	r.Register("w1", "cpu", nil)

	got, err := r.Poll(context.Background(), "w1", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = r.Poll(context.Background(), "missing", time.Millisecond)
	assert.Error(t, err)
}

func TestAssignRejectsBusyWorker(t *testing.T) {
	r := NewWorkerRegistry()
	r.Register("w1", "cpu", nil)
	require.NoError(t, r.Assign("w1", task("t1")))
	assert.Error(t, r.Assign("w1", task("t2")))
	assert.Error(t, r.Assign("missing", task("t3")))
}

func TestFinishTaskRejectsStaleReport(t *testing.T) {
	r := NewWorkerRegistry()
	r.Register("w1", "cpu", nil)
	require.NoError(t, r.Assign("w1", task("t1")))

	assert.False(t, r.FinishTask("w1", "other"))
	assert.False(t, r.FinishTask("w2", "t1"))
	assert.True(t, r.FinishTask("w1", "t1"))

	// Second report for the same task is stale.
	assert.False(t, r.FinishTask("w1", "t1"))

	w, _ := r.Get("w1")
	assert.Equal(t, types.WorkerStateIdle, w.State)
}

func TestExpireStaleReturnsOrphans(t *testing.T) {
	r := NewWorkerRegistry()
	r.Register("busy", "cpu", nil)
	r.Register("idle", "cpu", nil)
	require.NoError(t, r.Assign("busy", task("t1")))

	orphans := r.ExpireStale(-time.Second)
	require.Len(t, orphans, 1)
	assert.Equal(t, Orphan{WorkerID: "busy", TaskID: "t1"}, orphans[0])

	for _, id := range []string{"busy", "idle"} {
		w, _ := r.Get(id)
		assert.Equal(t, types.WorkerStateOffline, w.State)
	}

	// Already-offline workers are not reported twice.
	assert.Empty(t, r.ExpireStale(-time.Second))
}

func TestExpireStaleKeepsFreshWorkers(t *testing.T) {
	r := NewWorkerRegistry()
	r.Register("w1", "cpu", nil)

	assert.Empty(t, r.ExpireStale(time.Minute))
	w, _ := r.Get("w1")
	assert.Equal(t, types.WorkerStateIdle, w.State)
}

func TestCountByState(t *testing.T) {
	r := NewWorkerRegistry()
	r.Register("w1", "cpu", nil)
	r.Register("w2", "cpu", nil)
	require.NoError(t, r.Assign("w1", task("t1")))

	counts := r.CountByState()
	assert.Equal(t, 1, counts[string(types.WorkerStateIdle)])
	assert.Equal(t, 1, counts[string(types.WorkerStateBusy)])
	assert.Len(t, r.List(), 2)
}
