package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberhive/hive/pkg/queue"
	"github.com/emberhive/hive/pkg/registry"
	"github.com/emberhive/hive/pkg/slaves"
	"github.com/emberhive/hive/pkg/transport"
	"github.com/emberhive/hive/pkg/types"
	"github.com/emberhive/hive/pkg/version"
)

func fastConfig() Config {
	return Config{
		AssignInterval:  10 * time.Millisecond,
		BlockedInterval: 10 * time.Millisecond,
		SweepInterval:   25 * time.Millisecond,
		LivenessScan:    25 * time.Millisecond,
		HeartbeatTTL:    50 * time.Millisecond,
		DefaultTimeout:  100 * time.Millisecond,
	}
}

type fixture struct {
	orch    *Orchestrator
	queue   *queue.TaskQueue
	workers *registry.WorkerRegistry
}

func newFixture(t *testing.T, sl *slaves.Manager) *fixture {
	t.Helper()
	q := queue.NewTaskQueue()
	workers := registry.NewWorkerRegistry()
	o := New(fastConfig(), q, workers, sl, nil, nil)
	o.Start(context.Background())
	t.Cleanup(o.Stop)
	return &fixture{orch: o, queue: q, workers: workers}
}

func awaitOutcome(t *testing.T, handle <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-handle:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("handle never resolved")
		return Outcome{}
	}
}

func TestLocalWorkerLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	f.workers.Register("w1", "cpu", []string{"python"})

	handle, err := f.orch.Submit(&types.Task{
		ID:           "t1",
		Kind:         "cpu",
		Capabilities: []string{"python"},
		Priority:     5,
	})
	require.NoError(t, err)

	// The assignment loop wakes the worker's long-poll.
	got, err := f.workers.Poll(context.Background(), "w1", 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ID)

	require.NoError(t, f.orch.HandleWorkerResult("w1", "t1", true, []byte(`{"answer":42}`), ""))

	out := awaitOutcome(t, handle)
	require.NoError(t, out.Err)
	assert.JSONEq(t, `{"answer":42}`, string(out.Result))

	// Worker is idle again and the task terminal.
	w, _ := f.workers.Get("w1")
	assert.Equal(t, types.WorkerStateIdle, w.State)
	task, _ := f.queue.Get("t1")
	assert.Equal(t, types.TaskStateCompleted, task.State)
}

func TestWorkerFailureRequeuesUntilExhausted(t *testing.T) {
	f := newFixture(t, nil)
	f.workers.Register("w1", "cpu", nil)

	handle, err := f.orch.Submit(&types.Task{ID: "t1", Kind: "cpu", MaxAttempts: 2})
	require.NoError(t, err)

	for attempt := 0; attempt < 2; attempt++ {
		got, err := f.workers.Poll(context.Background(), "w1", 3*time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.NoError(t, f.orch.HandleWorkerResult("w1", "t1", false, nil, "boom"))
	}

	out := awaitOutcome(t, handle)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "boom")
}

func TestTimeoutSweepReclaimsSilentWorker(t *testing.T) {
	f := newFixture(t, nil)
	f.workers.Register("w1", "cpu", nil)

	handle, err := f.orch.Submit(&types.Task{
		ID:          "t1",
		Kind:        "cpu",
		MaxAttempts: 1,
		Timeout:     50 * time.Millisecond,
	})
	require.NoError(t, err)

	// The worker takes the task and never reports.
	got, err := f.workers.Poll(context.Background(), "w1", 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	out := awaitOutcome(t, handle)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "timed out")

	// A late report for the reclaimed task is discarded quietly.
	require.NoError(t, f.orch.HandleWorkerResult("w1", "t1", true, []byte(`"late"`), ""))
	task, _ := f.queue.Get("t1")
	assert.Equal(t, types.TaskStateFailed, task.State)
}

func TestLivenessScanRequeuesOrphans(t *testing.T) {
	f := newFixture(t, nil)
	f.workers.Register("w1", "cpu", nil)

	handle, err := f.orch.Submit(&types.Task{ID: "t1", Kind: "cpu", MaxAttempts: 1})
	require.NoError(t, err)

	got, err := f.workers.Poll(context.Background(), "w1", 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	// No heartbeats arrive; the scan expires the worker and the orphaned
	// task terminates (single attempt).
	out := awaitOutcome(t, handle)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "offline")

	w, _ := f.workers.Get("w1")
	assert.Equal(t, types.WorkerStateOffline, w.State)
}

func TestCancelPendingTask(t *testing.T) {
	f := newFixture(t, nil)

	handle, err := f.orch.Submit(&types.Task{ID: "t1", Kind: "cpu"})
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel("t1"))
	out := awaitOutcome(t, handle)
	assert.ErrorIs(t, out.Err, ErrCancelled)

	assert.Error(t, f.orch.Cancel("t1"))
	assert.Error(t, f.orch.Cancel("missing"))
}

func TestCancelAssignedWorkerTaskDiscardsResult(t *testing.T) {
	f := newFixture(t, nil)
	f.workers.Register("w1", "cpu", nil)

	handle, err := f.orch.Submit(&types.Task{ID: "t1", Kind: "cpu"})
	require.NoError(t, err)

	got, err := f.workers.Poll(context.Background(), "w1", 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, f.orch.Cancel("t1"))
	out := awaitOutcome(t, handle)
	assert.ErrorIs(t, out.Err, ErrCancelled)

	// The worker's eventual report lands on a cancelled task.
	require.NoError(t, f.orch.HandleWorkerResult("w1", "t1", true, []byte(`"x"`), ""))
	task, _ := f.queue.Get("t1")
	assert.Equal(t, types.TaskStateFailed, task.State)
	assert.Equal(t, "cancelled", task.Error)
}

func TestSubmitPastDeadlineFailsImmediately(t *testing.T) {
	f := newFixture(t, nil)

	handle, err := f.orch.Submit(&types.Task{
		ID:       "t1",
		Kind:     "cpu",
		Deadline: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	out := awaitOutcome(t, handle)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "deadline")

	// The task is recorded as a terminal failure, not lost.
	task, ok := f.queue.Get("t1")
	require.True(t, ok)
	assert.Equal(t, types.TaskStateFailed, task.State)
	assert.Contains(t, task.Error, "deadline")
	assert.Equal(t, 1, f.queue.Stats().Failed)
	assert.Equal(t, 0, f.queue.Stats().Pending)
}

func TestDuplicateSubmitRejected(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orch.Submit(&types.Task{ID: "t1", Kind: "cpu"})
	require.NoError(t, err)

	_, err = f.orch.Submit(&types.Task{ID: "t1", Kind: "cpu"})
	assert.Error(t, err)
}

func TestStopResolvesOutstandingHandles(t *testing.T) {
	q := queue.NewTaskQueue()
	workers := registry.NewWorkerRegistry()
	o := New(fastConfig(), q, workers, nil, nil, nil)
	o.Start(context.Background())

	handle, err := o.Submit(&types.Task{ID: "t1", Kind: "cpu"})
	require.NoError(t, err)

	o.Stop()
	out := awaitOutcome(t, handle)
	assert.ErrorIs(t, out.Err, ErrShuttingDown)

	_, err = o.Submit(&types.Task{ID: "t2", Kind: "cpu"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func newSlaveFixture(t *testing.T, handler http.HandlerFunc) (*fixture, string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.HealthReport{Status: "healthy", Commit: "abc1234"})
	})
	mux.HandleFunc("POST /execute", handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	host, portStr, _ := strings.Cut(server.Listener.Addr().String(), ":")
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	manager := slaves.NewManager(
		slaves.Config{Path: t.TempDir() + "/slaves.json"},
		transport.NewClient(transport.Config{RequestTimeout: 2 * time.Second, MaxAttempts: 1}),
		version.FixedProbe("abc1234", "main"),
		nil,
	)
	_, err = manager.Register(context.Background(), host, port, "tok", nil)
	require.NoError(t, err)

	return newFixture(t, manager), server.Listener.Addr().String()
}

func TestRemoteDispatchToSlave(t *testing.T) {
	f, slaveID := newSlaveFixture(t, func(w http.ResponseWriter, r *http.Request) {
		var req types.ExecuteRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(types.ExecuteResult{
			Success: true,
			Stdout:  "ran: " + req.Command,
			Method:  "interpreter",
		})
	})

	payload, _ := json.Marshal("echo hello")
	handle, err := f.orch.Submit(&types.Task{ID: "t1", Kind: "shell", Payload: payload})
	require.NoError(t, err)

	out := awaitOutcome(t, handle)
	require.NoError(t, out.Err)

	var result types.ExecuteResult
	require.NoError(t, json.Unmarshal(out.Result, &result))
	assert.Equal(t, "ran: echo hello", result.Stdout)

	task, _ := f.queue.Get("t1")
	assert.Equal(t, types.TaskStateCompleted, task.State)
	assert.Equal(t, slaveID, task.Attempts[0].ExecutorID)
}

func TestRemoteFailureTerminatesAfterBudget(t *testing.T) {
	f, _ := newSlaveFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.ExecuteResult{
			Success:  false,
			Stderr:   "command not found",
			ExitCode: 127,
		})
	})

	payload, _ := json.Marshal("nonsense")
	handle, err := f.orch.Submit(&types.Task{ID: "t1", Kind: "shell", Payload: payload, MaxAttempts: 1})
	require.NoError(t, err)

	out := awaitOutcome(t, handle)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "command not found")
}

func TestRemoteDispatchRequiresExecutablePayload(t *testing.T) {
	f, _ := newSlaveFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("execute must not be called for a bad payload")
	})

	handle, err := f.orch.Submit(&types.Task{ID: "t1", Kind: "shell", Payload: []byte(`{"foo":1}`)})
	require.NoError(t, err)

	out := awaitOutcome(t, handle)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "not remotely executable")
}

func TestRemoteCommandParsing(t *testing.T) {
	cmd, dir, err := remoteCommand(&types.Task{ID: "a", Payload: []byte(`"ls -la"`)})
	require.NoError(t, err)
	assert.Equal(t, "ls -la", cmd)
	assert.Empty(t, dir)

	cmd, dir, err = remoteCommand(&types.Task{ID: "b", Payload: []byte(`{"command":"make","working_dir":"/src"}`)})
	require.NoError(t, err)
	assert.Equal(t, "make", cmd)
	assert.Equal(t, "/src", dir)

	_, _, err = remoteCommand(&types.Task{ID: "c"})
	assert.Error(t, err)
	_, _, err = remoteCommand(&types.Task{ID: "d", Payload: []byte(`{"x":1}`)})
	assert.Error(t, err)
}

func TestStatsSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.workers.Register("w1", "cpu", nil)

	_, err := f.orch.Submit(&types.Task{ID: "t1", Kind: "gpu"}) // unplaceable
	require.NoError(t, err)

	stats := f.orch.Stats()
	assert.Equal(t, 1, stats.Workers[string(types.WorkerStateIdle)])
	assert.Equal(t, 1, stats.Tasks.Pending)
}
