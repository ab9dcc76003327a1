package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/emberhive/hive/pkg/metrics"
	"github.com/emberhive/hive/pkg/types"
)

const (
	// AntiStarvationAge is the waiting age after which a pending task
	// starts accruing a priority boost.
	AntiStarvationAge = time.Hour

	// MaxStarvationBoost caps the accrued boost.
	MaxStarvationBoost = 5
)

// entry wraps a task in the pending heap.
type entry struct {
	task  *types.Task
	index int
}

// pendingHeap implements heap.Interface ordered by effective priority
// (base priority plus anti-starvation boost) descending, then FIFO by
// submission time within a priority level.
type pendingHeap []*entry

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	now := time.Now()
	pi := effectivePriority(h[i].task, now)
	pj := effectivePriority(h[j].task, now)
	if pi != pj {
		return pi > pj
	}
	return h[i].task.SubmittedAt.Before(h[j].task.SubmittedAt)
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // avoid memory leak
	e.index = -1
	*h = old[0 : n-1]
	return e
}

func effectivePriority(t *types.Task, now time.Time) int {
	age := now.Sub(t.SubmittedAt)
	if age < AntiStarvationAge {
		return t.Priority
	}
	boost := int(age / time.Hour)
	if boost > MaxStarvationBoost {
		boost = MaxStarvationBoost
	}
	return t.Priority + boost
}

// TaskQueue owns all Task objects. Every other component holds only id
// references; all mutation goes through this API under a single mutex.
type TaskQueue struct {
	mu      sync.Mutex
	pending pendingHeap
	items   map[string]*entry // all tasks by id, every state
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		items: make(map[string]*entry),
	}
}

// Submit enqueues a task as Pending. Submitting an id that already exists
// is a no-op returning the existing id, leaving queue contents unchanged.
func (q *TaskQueue) Submit(task *types.Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if task.ID == "" {
		return "", fmt.Errorf("task id is required")
	}
	if _, ok := q.items[task.ID]; ok {
		return task.ID, nil
	}

	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now()
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 3
	}
	task.State = types.TaskStatePending

	e := &entry{task: task}
	q.items[task.ID] = e
	heap.Push(&q.pending, e)
	metrics.TasksSubmitted.Inc()
	q.publishGauges()
	return task.ID, nil
}

// NextAssignable returns a snapshot of the highest-priority pending task the
// matcher accepts, without removing it. The matcher check is advisory: a
// later placement attempt may still fail, returning the task to Pending.
func (q *TaskQueue) NextAssignable(match func(kind string, caps []string) bool) *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Linear scan for the best match. Heap operations on the live entries
	// would rewrite their index fields, so the walk must not touch them.
	now := time.Now()
	var best *entry
	for _, e := range q.pending {
		if e.task.State != types.TaskStatePending {
			continue
		}
		if match != nil && !match(e.task.Kind, e.task.Capabilities) {
			continue
		}
		if best == nil || betterCandidate(e.task, best.task, now) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	snapshot := *best.task
	return &snapshot
}

// betterCandidate reports whether a should be assigned before b: higher
// effective priority first, FIFO within a priority level.
func betterCandidate(a, b *types.Task, now time.Time) bool {
	pa := effectivePriority(a, now)
	pb := effectivePriority(b, now)
	if pa != pb {
		return pa > pb
	}
	return a.SubmittedAt.Before(b.SubmittedAt)
}

// MarkAssigned transitions a pending task to Assigned and records the start
// of a new attempt against the executor.
func (q *TaskQueue) MarkAssigned(id, executorID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.items[id]
	if !ok {
		return fmt.Errorf("task not found: %s", id)
	}
	if e.task.State != types.TaskStatePending {
		return fmt.Errorf("task %s is %s, not pending", id, e.task.State)
	}

	q.removePending(e)
	now := time.Now()
	e.task.State = types.TaskStateAssigned
	e.task.AssignedTo = executorID
	e.task.AssignedAt = now
	e.task.Attempts = append(e.task.Attempts, &types.Attempt{
		ExecutorID: executorID,
		StartedAt:  now,
	})
	metrics.AssignmentLatency.Observe(now.Sub(e.task.SubmittedAt).Seconds())
	q.publishGauges()
	return nil
}

// MarkCompleted transitions an assigned task to Completed with its result.
func (q *TaskQueue) MarkCompleted(id string, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.items[id]
	if !ok {
		return fmt.Errorf("task not found: %s", id)
	}
	if e.task.State != types.TaskStateAssigned {
		return fmt.Errorf("task %s is %s, not assigned", id, e.task.State)
	}

	e.task.State = types.TaskStateCompleted
	e.task.Result = result
	q.closeAttempt(e.task, types.AttemptOutcomeSucceeded, "")
	e.task.AssignedTo = ""
	q.publishGauges()
	return nil
}

// MarkFailed records a failed attempt. With requeue true and attempts
// remaining, the task returns to Pending; otherwise it terminates Failed.
// The returned state tells the caller which happened.
func (q *TaskQueue) MarkFailed(id, errMsg string, requeue bool) (types.TaskState, error) {
	return q.markFailed(id, errMsg, requeue, types.AttemptOutcomeFailed)
}

// MarkTimedOut is MarkFailed with a timed-out attempt outcome.
func (q *TaskQueue) MarkTimedOut(id, errMsg string, requeue bool) (types.TaskState, error) {
	return q.markFailed(id, errMsg, requeue, types.AttemptOutcomeTimedOut)
}

// MarkLost records an executor crash or disappearance; the task is always
// eligible for requeue within its attempt budget.
func (q *TaskQueue) MarkLost(id, errMsg string) (types.TaskState, error) {
	return q.markFailed(id, errMsg, true, types.AttemptOutcomeLost)
}

func (q *TaskQueue) markFailed(id, errMsg string, requeue bool, outcome types.AttemptOutcome) (types.TaskState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.items[id]
	if !ok {
		return "", fmt.Errorf("task not found: %s", id)
	}
	switch e.task.State {
	case types.TaskStateAssigned:
		q.closeAttempt(e.task, outcome, errMsg)
	case types.TaskStatePending:
		// Failing a pending task (deadline passed before dispatch).
		q.removePending(e)
	default:
		return "", fmt.Errorf("task %s is %s, cannot fail", id, e.task.State)
	}

	e.task.AssignedTo = ""
	e.task.AssignedAt = time.Time{}

	if requeue && len(e.task.Attempts) < e.task.MaxAttempts {
		e.task.State = types.TaskStatePending
		heap.Push(&q.pending, e)
		metrics.TasksRequeued.Inc()
	} else {
		e.task.State = types.TaskStateFailed
		e.task.Error = errMsg
	}
	q.publishGauges()
	return e.task.State, nil
}

// AbortAssignment reverts a task to Pending after a placement that never
// reached the executor. The open attempt is dropped rather than counted
// against the budget.
func (q *TaskQueue) AbortAssignment(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.items[id]
	if !ok {
		return fmt.Errorf("task not found: %s", id)
	}
	if e.task.State != types.TaskStateAssigned {
		return fmt.Errorf("task %s is %s, not assigned", id, e.task.State)
	}

	if n := len(e.task.Attempts); n > 0 && e.task.Attempts[n-1].EndedAt.IsZero() {
		e.task.Attempts = e.task.Attempts[:n-1]
	}
	e.task.State = types.TaskStatePending
	e.task.AssignedTo = ""
	e.task.AssignedAt = time.Time{}
	heap.Push(&q.pending, e)
	q.publishGauges()
	return nil
}

// Cancel removes a pending task outright; it reports false when the task is
// not pending (the orchestrator handles assigned tasks itself).
func (q *TaskQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.items[id]
	if !ok || e.task.State != types.TaskStatePending {
		return false
	}
	q.removePending(e)
	e.task.State = types.TaskStateFailed
	e.task.Error = "cancelled"
	q.publishGauges()
	return true
}

// Get returns a snapshot of a task by id.
func (q *TaskQueue) Get(id string) (*types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.items[id]
	if !ok {
		return nil, false
	}
	snapshot := *e.task
	return &snapshot, true
}

// ListAssigned returns snapshots of all currently assigned tasks, for the
// timeout sweep.
func (q *TaskQueue) ListAssigned() []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.Task
	for _, e := range q.items {
		if e.task.State == types.TaskStateAssigned {
			snapshot := *e.task
			out = append(out, &snapshot)
		}
	}
	return out
}

// Stats returns per-state counts.
func (q *TaskQueue) Stats() types.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *TaskQueue) statsLocked() types.QueueStats {
	var s types.QueueStats
	for _, e := range q.items {
		switch e.task.State {
		case types.TaskStatePending:
			s.Pending++
		case types.TaskStateAssigned:
			s.Assigned++
		case types.TaskStateCompleted:
			s.Completed++
		case types.TaskStateFailed:
			s.Failed++
		}
	}
	return s
}

func (q *TaskQueue) publishGauges() {
	s := q.statsLocked()
	metrics.TasksTotal.WithLabelValues(string(types.TaskStatePending)).Set(float64(s.Pending))
	metrics.TasksTotal.WithLabelValues(string(types.TaskStateAssigned)).Set(float64(s.Assigned))
	metrics.TasksTotal.WithLabelValues(string(types.TaskStateCompleted)).Set(float64(s.Completed))
	metrics.TasksTotal.WithLabelValues(string(types.TaskStateFailed)).Set(float64(s.Failed))
}

func (q *TaskQueue) removePending(e *entry) {
	if e.index >= 0 && e.index < len(q.pending) && q.pending[e.index] == e {
		heap.Remove(&q.pending, e.index)
	}
}

func (q *TaskQueue) closeAttempt(t *types.Task, outcome types.AttemptOutcome, errMsg string) {
	if n := len(t.Attempts); n > 0 && t.Attempts[n-1].EndedAt.IsZero() {
		t.Attempts[n-1].EndedAt = time.Now()
		t.Attempts[n-1].Outcome = outcome
		t.Attempts[n-1].Error = errMsg
	}
}
