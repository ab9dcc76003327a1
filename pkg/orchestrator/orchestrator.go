package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emberhive/hive/pkg/events"
	"github.com/emberhive/hive/pkg/log"
	"github.com/emberhive/hive/pkg/metrics"
	"github.com/emberhive/hive/pkg/queue"
	"github.com/emberhive/hive/pkg/registry"
	"github.com/emberhive/hive/pkg/slaves"
	"github.com/emberhive/hive/pkg/storage"
	"github.com/emberhive/hive/pkg/types"
)

var (
	// ErrShuttingDown resolves handles of tasks still in flight when the
	// master stops.
	ErrShuttingDown = errors.New("shutting down")

	// ErrCancelled resolves the handle of a producer-cancelled task.
	ErrCancelled = errors.New("task cancelled")
)

// Outcome is the terminal result delivered through a completion handle,
// exactly once per submitted task.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// Config tunes the scheduling loops.
type Config struct {
	AssignInterval  time.Duration // sleep when the queue is empty, default 1s
	BlockedInterval time.Duration // sleep when no executor fits, default 2s
	SweepInterval   time.Duration // timeout sweep period, default 10s
	LivenessScan    time.Duration // worker liveness period, default 10s
	HeartbeatTTL    time.Duration // worker silence budget, default 60s
	DefaultTimeout  time.Duration // per-task fallback, default 300s
}

func (c Config) withDefaults() Config {
	if c.AssignInterval <= 0 {
		c.AssignInterval = time.Second
	}
	if c.BlockedInterval <= 0 {
		c.BlockedInterval = 2 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.LivenessScan <= 0 {
		c.LivenessScan = 10 * time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 60 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 300 * time.Second
	}
	return c
}

// Orchestrator drives task placement. It calls into the queue, the worker
// registry, and the slave manager; none of them ever call back.
type Orchestrator struct {
	cfg     Config
	queue   *queue.TaskQueue
	workers *registry.WorkerRegistry
	slaves  *slaves.Manager
	broker  *events.Broker
	archive *storage.Archive // optional

	mu       sync.Mutex
	handles  map[string]chan Outcome
	stopping bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. The archive may be nil; terminal tasks are
// then simply not persisted.
func New(cfg Config, q *queue.TaskQueue, workers *registry.WorkerRegistry, sl *slaves.Manager, broker *events.Broker, archive *storage.Archive) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		queue:   q,
		workers: workers,
		slaves:  sl,
		broker:  broker,
		archive: archive,
		handles: make(map[string]chan Outcome),
	}
}

// Start launches the assignment, sweep, and liveness loops.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(3)
	go o.assignLoop(ctx)
	go o.sweepLoop(ctx)
	go o.livenessLoop(ctx)
	logger := log.WithComponent("orchestrator")
	logger.Info().Msg("orchestrator started")
}

// Stop halts the loops and resolves every outstanding handle with
// ErrShuttingDown. Results arriving afterwards are dropped.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	o.mu.Lock()
	pending := make([]chan Outcome, 0, len(o.handles))
	for id, ch := range o.handles {
		pending = append(pending, ch)
		delete(o.handles, id)
	}
	o.mu.Unlock()
	for _, ch := range pending {
		ch <- Outcome{Err: ErrShuttingDown}
	}
	logger := log.WithComponent("orchestrator")
	logger.Info().Int("unresolved", len(pending)).Msg("orchestrator stopped")
}

// Submit enqueues a task and returns its completion handle. A task whose
// deadline has already passed fails immediately through the handle.
func (o *Orchestrator) Submit(task *types.Task) (<-chan Outcome, error) {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	o.mu.Unlock()

	if _, exists := o.queue.Get(task.ID); exists {
		// The original submission's handle stays authoritative.
		return nil, fmt.Errorf("task already submitted: %s", task.ID)
	}

	handle := make(chan Outcome, 1)
	if !task.Deadline.IsZero() && task.Deadline.Before(time.Now()) {
		// The task still has to land in the queue so stats and the
		// archive record the failure.
		id, err := o.queue.Submit(task)
		if err != nil {
			return nil, err
		}
		errMsg := fmt.Sprintf("deadline already passed for task %s", id)
		if _, err := o.queue.MarkFailed(id, errMsg, false); err != nil {
			return nil, err
		}
		o.archiveTask(id)
		o.publish(events.EventTaskFailed, id, map[string]string{"reason": errMsg})
		handle <- Outcome{Err: errors.New(errMsg)}
		return handle, nil
	}

	id, err := o.queue.Submit(task)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.handles[id] = handle
	o.mu.Unlock()

	o.publish(events.EventTaskSubmitted, id, nil)
	return handle, nil
}

// Cancel stops a task. Pending tasks are removed outright; a task assigned
// to a local worker is marked cancelled and its late result discarded; a
// task on a slave is marked cancelled best-effort without interrupting the
// remote execution.
func (o *Orchestrator) Cancel(id string) error {
	if o.queue.Cancel(id) {
		o.resolve(id, Outcome{Err: ErrCancelled})
		o.publish(events.EventTaskFailed, id, map[string]string{"reason": "cancelled"})
		return nil
	}

	task, ok := o.queue.Get(id)
	if !ok {
		return fmt.Errorf("task not found: %s", id)
	}
	if task.State != types.TaskStateAssigned {
		return fmt.Errorf("task %s is %s, cannot cancel", id, task.State)
	}

	if _, isWorker := o.workers.Get(task.AssignedTo); isWorker {
		o.workers.ForgetTask(task.AssignedTo, id)
	}
	if _, err := o.queue.MarkFailed(id, "cancelled", false); err != nil {
		return err
	}
	o.resolve(id, Outcome{Err: ErrCancelled})
	o.archiveTask(id)
	o.publish(events.EventTaskFailed, id, map[string]string{"reason": "cancelled"})
	return nil
}

// HandleWorkerResult ingests a result report from a local worker. Stale
// reports for reassigned, cancelled, or unknown tasks are discarded.
func (o *Orchestrator) HandleWorkerResult(workerID, taskID string, success bool, result json.RawMessage, errMsg string) error {
	task, ok := o.queue.Get(taskID)
	if !ok || task.State != types.TaskStateAssigned || task.AssignedTo != workerID {
		o.workers.FinishTask(workerID, taskID)
		logger := log.WithWorkerID(workerID)
		logger.Debug().Str("task_id", taskID).Msg("discarding stale result")
		return nil
	}

	o.workers.FinishTask(workerID, taskID)
	if success {
		if err := o.queue.MarkCompleted(taskID, result); err != nil {
			return err
		}
		o.finishTask(taskID, Outcome{Result: result}, events.EventTaskCompleted, nil)
		return nil
	}

	state, err := o.queue.MarkFailed(taskID, errMsg, true)
	if err != nil {
		return err
	}
	o.afterFailure(taskID, state, errMsg)
	return nil
}

// RequeueLost handles an executor that disappeared mid-task.
func (o *Orchestrator) RequeueLost(taskID, reason string) {
	state, err := o.queue.MarkLost(taskID, reason)
	if err != nil {
		return
	}
	o.afterFailure(taskID, state, reason)
}

// Stats snapshots the whole system for the API.
func (o *Orchestrator) Stats() types.Stats {
	stats := types.Stats{
		Tasks:   o.queue.Stats(),
		Workers: o.workers.CountByState(),
	}
	if o.slaves != nil {
		stats.Slaves = o.slaves.CountByStatus()
	}
	return stats
}

func (o *Orchestrator) assignLoop(ctx context.Context) {
	defer o.wg.Done()

	for {
		if !sleepCtx(ctx, 0) {
			return
		}

		task := o.queue.NextAssignable(o.canPlace)
		if task == nil {
			if !sleepCtx(ctx, o.cfg.AssignInterval) {
				return
			}
			continue
		}

		if !task.Deadline.IsZero() && task.Deadline.Before(time.Now()) {
			state, err := o.queue.MarkFailed(task.ID, "deadline exceeded before dispatch", false)
			if err == nil {
				o.afterFailure(task.ID, state, "deadline exceeded before dispatch")
			}
			continue
		}

		if o.placeLocal(task) || o.placeRemote(ctx, task) {
			continue
		}
		if !sleepCtx(ctx, o.cfg.BlockedInterval) {
			return
		}
	}
}

// canPlace is the advisory matcher handed to the queue: some idle worker
// or healthy slave could take the task right now.
func (o *Orchestrator) canPlace(kind string, caps []string) bool {
	if _, ok := o.workers.FindIdle(kind, caps); ok {
		return true
	}
	if o.slaves == nil {
		return false
	}
	_, ok := o.slaves.FindAvailable(caps)
	return ok
}

func (o *Orchestrator) placeLocal(task *types.Task) bool {
	workerID, ok := o.workers.FindIdle(task.Kind, task.Capabilities)
	if !ok {
		return false
	}
	if err := o.queue.MarkAssigned(task.ID, workerID); err != nil {
		return false
	}
	logger := log.WithTaskID(task.ID)
	full, _ := o.queue.Get(task.ID)
	if err := o.workers.Assign(workerID, full); err != nil {
		// Raced with a heartbeat expiry or another assignment; put the
		// task back without burning an attempt.
		if abortErr := o.queue.AbortAssignment(task.ID); abortErr != nil {
			logger.Error().Err(abortErr).Msg("failed to revert assignment")
		}
		return false
	}
	metrics.DispatchesTotal.WithLabelValues("worker", "ok").Inc()
	o.publish(events.EventTaskAssigned, task.ID, map[string]string{"executor": workerID})
	logger.Info().Str("worker_id", workerID).Msg("task assigned to worker")
	return true
}

func (o *Orchestrator) placeRemote(ctx context.Context, task *types.Task) bool {
	if o.slaves == nil {
		return false
	}
	slaveID, ok := o.slaves.FindAvailable(task.Capabilities)
	if !ok {
		return false
	}
	if err := o.queue.MarkAssigned(task.ID, slaveID); err != nil {
		return false
	}
	o.publish(events.EventTaskAssigned, task.ID, map[string]string{"executor": slaveID})
	logger := log.WithTaskID(task.ID)
	logger.Info().Str("slave_id", slaveID).Msg("task dispatched to slave")

	// One goroutine per in-flight remote dispatch keeps the loop free.
	o.wg.Add(1)
	go o.dispatchToSlave(ctx, slaveID, task.ID)
	return true
}

func (o *Orchestrator) dispatchToSlave(ctx context.Context, slaveID, taskID string) {
	defer o.wg.Done()

	task, ok := o.queue.Get(taskID)
	if !ok {
		return
	}

	command, workdir, err := remoteCommand(task)
	if err != nil {
		state, markErr := o.queue.MarkFailed(taskID, err.Error(), false)
		if markErr == nil {
			o.afterFailure(taskID, state, err.Error())
		}
		return
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	result, err := o.slaves.Execute(ctx, slaveID, &types.ExecuteRequest{
		Command:    command,
		WorkingDir: workdir,
		Timeout:    int(timeout / time.Second),
	})

	// The sweep or a cancel may have reclaimed the task meanwhile; a late
	// result is then dropped.
	current, ok := o.queue.Get(taskID)
	if !ok || current.State != types.TaskStateAssigned || current.AssignedTo != slaveID {
		logger := log.WithTaskID(taskID)
		logger.Debug().Str("slave_id", slaveID).Msg("discarding late slave result")
		return
	}

	switch {
	case err != nil:
		state, markErr := o.queue.MarkFailed(taskID, err.Error(), true)
		if markErr == nil {
			o.afterFailure(taskID, state, err.Error())
		}
	case result.Success:
		encoded, encErr := json.Marshal(result)
		if encErr != nil {
			encoded = nil
		}
		if markErr := o.queue.MarkCompleted(taskID, encoded); markErr == nil {
			o.finishTask(taskID, Outcome{Result: encoded}, events.EventTaskCompleted, nil)
		}
	default:
		msg := result.Stderr
		if msg == "" {
			msg = fmt.Sprintf("remote execution failed with exit code %d", result.ExitCode)
		}
		state, markErr := o.queue.MarkFailed(taskID, msg, true)
		if markErr == nil {
			o.afterFailure(taskID, state, msg)
		}
	}
}

// remoteCommand extracts the shell command for slave dispatch from the
// task payload: either a bare JSON string or {"command", "working_dir"}.
func remoteCommand(task *types.Task) (command, workdir string, err error) {
	if len(task.Payload) == 0 {
		return "", "", fmt.Errorf("task %s has no payload to execute remotely", task.ID)
	}
	var plain string
	if json.Unmarshal(task.Payload, &plain) == nil && plain != "" {
		return plain, "", nil
	}
	var structured struct {
		Command    string `json:"command"`
		WorkingDir string `json:"working_dir"`
	}
	if json.Unmarshal(task.Payload, &structured) == nil && structured.Command != "" {
		return structured.Command, structured.WorkingDir, nil
	}
	return "", "", fmt.Errorf("task %s payload is not remotely executable", task.ID)
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.sweepTimeouts()
		case <-ctx.Done():
			return
		}
	}
}

// sweepTimeouts reclaims assignments older than their timeout budget.
func (o *Orchestrator) sweepTimeouts() {
	now := time.Now()
	for _, task := range o.queue.ListAssigned() {
		timeout := task.Timeout
		if timeout <= 0 {
			timeout = o.cfg.DefaultTimeout
		}
		if now.Sub(task.AssignedAt) <= timeout {
			continue
		}

		logger := log.WithTaskID(task.ID)
		logger.Warn().
			Str("executor", task.AssignedTo).
			Dur("assigned_for", now.Sub(task.AssignedAt)).
			Msg("task timed out")
		metrics.TaskTimeouts.Inc()

		if _, isWorker := o.workers.Get(task.AssignedTo); isWorker {
			o.workers.ForgetTask(task.AssignedTo, task.ID)
		}
		// Slave-side cancellation is best effort only; there is no kill
		// endpoint, so the late result is discarded instead.

		msg := fmt.Sprintf("timed out after %s on %s", timeout, task.AssignedTo)
		state, err := o.queue.MarkTimedOut(task.ID, msg, true)
		if err != nil {
			continue
		}
		o.afterFailure(task.ID, state, msg)
	}
}

func (o *Orchestrator) livenessLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.LivenessScan)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.expireWorkers()
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) expireWorkers() {
	for _, orphan := range o.workers.ExpireStale(o.cfg.HeartbeatTTL) {
		if o.broker != nil {
			o.broker.Publish(&events.Event{
				Type:     events.EventWorkerOffline,
				Metadata: map[string]string{"worker_id": orphan.WorkerID},
			})
		}
		o.RequeueLost(orphan.TaskID, fmt.Sprintf("worker %s went offline", orphan.WorkerID))
	}
}

// afterFailure routes a failure to either a requeue event or a terminal
// handle resolution, based on the state the queue settled on.
func (o *Orchestrator) afterFailure(taskID string, state types.TaskState, msg string) {
	if state == types.TaskStatePending {
		o.publish(events.EventTaskRequeued, taskID, map[string]string{"reason": msg})
		return
	}
	o.finishTask(taskID, Outcome{Err: errors.New(msg)}, events.EventTaskFailed, map[string]string{"reason": msg})
}

// finishTask archives a terminal task, resolves its handle, and publishes
// the terminal event.
func (o *Orchestrator) finishTask(taskID string, outcome Outcome, event events.EventType, meta map[string]string) {
	o.archiveTask(taskID)
	o.resolve(taskID, outcome)
	o.publish(event, taskID, meta)
}

func (o *Orchestrator) archiveTask(taskID string) {
	if o.archive == nil {
		return
	}
	task, ok := o.queue.Get(taskID)
	if !ok {
		return
	}
	if err := o.archive.Put(task); err != nil {
		logger := log.WithTaskID(taskID)
		logger.Error().Err(err).Msg("failed to archive task")
	}
}

// resolve delivers the outcome through the handle, exactly once.
func (o *Orchestrator) resolve(taskID string, outcome Outcome) {
	o.mu.Lock()
	ch, ok := o.handles[taskID]
	if ok {
		delete(o.handles, taskID)
	}
	o.mu.Unlock()
	if ok {
		ch <- outcome
	}
}

func (o *Orchestrator) publish(typ events.EventType, taskID string, meta map[string]string) {
	if o.broker == nil {
		return
	}
	if meta == nil {
		meta = map[string]string{}
	}
	meta["task_id"] = taskID
	o.broker.Publish(&events.Event{Type: typ, Metadata: meta})
}

// sleepCtx sleeps unless the context ends first; false means stop.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
