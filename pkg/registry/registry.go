package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emberhive/hive/pkg/log"
	"github.com/emberhive/hive/pkg/metrics"
	"github.com/emberhive/hive/pkg/types"
)

// record pairs a worker with its hand-off mailbox. The mailbox wakes a
// blocked long-poll; capacity one because a worker holds at most one task.
type record struct {
	worker  *types.Worker
	mailbox chan *types.Task
}

// Orphan identifies a task stranded by an offline worker.
type Orphan struct {
	WorkerID string
	TaskID   string
}

// WorkerRegistry owns all local Worker records under a single mutex. The
// orchestrator borrows read access through snapshots; every mutation goes
// through this API.
type WorkerRegistry struct {
	mu      sync.Mutex
	workers map[string]*record
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{
		workers: make(map[string]*record),
	}
}

// Register adds a worker or refreshes an existing one. Re-registration
// after a reconnect keeps the id and restores eligibility, but clears any
// held task; the stranded task id is returned so the caller can requeue it.
func (r *WorkerRegistry) Register(id, kind string, capabilities []string) (orphanTaskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	rec, ok := r.workers[id]
	if !ok {
		rec = &record{
			worker: &types.Worker{
				ID:           id,
				RegisteredAt: now,
			},
			mailbox: make(chan *types.Task, 1),
		}
		r.workers[id] = rec
		logger := log.WithWorkerID(id)
		logger.Info().Str("kind", kind).Msg("worker registered")
	} else if rec.worker.CurrentTaskID != "" {
		orphanTaskID = rec.worker.CurrentTaskID
		// Drain a hand-off the worker never picked up.
		select {
		case <-rec.mailbox:
		default:
		}
	}

	rec.worker.Kind = kind
	rec.worker.Capabilities = capabilities
	rec.worker.State = types.WorkerStateIdle
	rec.worker.CurrentTaskID = ""
	rec.worker.LastHeartbeat = now
	r.publishGauges()
	return orphanTaskID
}

// Heartbeat refreshes a worker's liveness. Stale out-of-order timestamps
// are ignored; heartbeats are monotonic per worker.
func (r *WorkerRegistry) Heartbeat(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("worker not found: %s", id)
	}
	if at.Before(rec.worker.LastHeartbeat) {
		return nil
	}
	rec.worker.LastHeartbeat = at
	if rec.worker.State == types.WorkerStateOffline {
		rec.worker.State = types.WorkerStateIdle
		if rec.worker.CurrentTaskID != "" {
			rec.worker.State = types.WorkerStateBusy
		}
		logger := log.WithWorkerID(id)
		logger.Info().Msg("worker back online")
	}
	r.publishGauges()
	return nil
}

// FindIdle returns an idle worker whose kind matches and whose capability
// set covers the requirement; least recently assigned wins the tie-break.
func (r *WorkerRegistry) FindIdle(kind string, capabilities []string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *types.Worker
	for _, rec := range r.workers {
		w := rec.worker
		if w.State != types.WorkerStateIdle || w.Kind != kind {
			continue
		}
		if !types.HasCapabilities(w.Capabilities, capabilities) {
			continue
		}
		if best == nil || w.LastAssigned.Before(best.LastAssigned) {
			best = w
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// Assign hands a task to an idle worker and wakes its long-poll. The
// invariant of at most one current task per worker is enforced here.
func (r *WorkerRegistry) Assign(workerID string, task *types.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("worker not found: %s", workerID)
	}
	if rec.worker.State != types.WorkerStateIdle {
		return fmt.Errorf("worker %s is %s, not idle", workerID, rec.worker.State)
	}
	if rec.worker.CurrentTaskID != "" {
		return fmt.Errorf("worker %s already holds task %s", workerID, rec.worker.CurrentTaskID)
	}

	select {
	case rec.mailbox <- task:
	default:
		return fmt.Errorf("worker %s mailbox full", workerID)
	}

	rec.worker.State = types.WorkerStateBusy
	rec.worker.CurrentTaskID = task.ID
	rec.worker.LastAssigned = time.Now()
	r.publishGauges()
	return nil
}

// Poll blocks up to wait for a task assigned to the worker. It returns nil
// without error when the wait elapses with nothing assigned.
func (r *WorkerRegistry) Poll(ctx context.Context, workerID string, wait time.Duration) (*types.Task, error) {
	r.mu.Lock()
	rec, ok := r.workers[workerID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("worker not found: %s", workerID)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case task := <-rec.mailbox:
		return task, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FinishTask clears a worker's current task after a result report. It
// reports whether the worker actually held that task; stale reports for a
// reassigned or cancelled task return false.
func (r *WorkerRegistry) FinishTask(workerID, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[workerID]
	if !ok || rec.worker.CurrentTaskID != taskID {
		return false
	}
	rec.worker.CurrentTaskID = ""
	if rec.worker.State == types.WorkerStateBusy {
		rec.worker.State = types.WorkerStateIdle
	}
	r.publishGauges()
	return true
}

// ForgetTask drops a worker's current task without touching its state
// machine beyond Busy->Idle; used by the timeout sweep.
func (r *WorkerRegistry) ForgetTask(workerID, taskID string) {
	r.FinishTask(workerID, taskID)
}

// ExpireStale marks workers whose heartbeat is older than ttl as Offline
// and returns the tasks they stranded. The caller requeues them.
func (r *WorkerRegistry) ExpireStale(ttl time.Duration) []Orphan {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var orphans []Orphan
	for _, rec := range r.workers {
		w := rec.worker
		if w.State == types.WorkerStateOffline {
			continue
		}
		if now.Sub(w.LastHeartbeat) <= ttl {
			continue
		}
		logger := log.WithWorkerID(w.ID)
		logger.Warn().
			Time("last_heartbeat", w.LastHeartbeat).
			Msg("worker heartbeat expired, marking offline")
		w.State = types.WorkerStateOffline
		if w.CurrentTaskID != "" {
			orphans = append(orphans, Orphan{WorkerID: w.ID, TaskID: w.CurrentTaskID})
			w.CurrentTaskID = ""
		}
		// Drop any hand-off never picked up.
		select {
		case <-rec.mailbox:
		default:
		}
	}
	r.publishGauges()
	return orphans
}

// Get returns a snapshot of one worker.
func (r *WorkerRegistry) Get(id string) (*types.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	snapshot := *rec.worker
	return &snapshot, true
}

// List returns snapshots of all workers.
func (r *WorkerRegistry) List() []*types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.Worker, 0, len(r.workers))
	for _, rec := range r.workers {
		snapshot := *rec.worker
		out = append(out, &snapshot)
	}
	return out
}

// CountByState returns worker counts keyed by state, for /stats.
func (r *WorkerRegistry) CountByState() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[string]int{}
	for _, rec := range r.workers {
		counts[string(rec.worker.State)]++
	}
	return counts
}

func (r *WorkerRegistry) publishGauges() {
	counts := map[types.WorkerState]int{}
	for _, rec := range r.workers {
		counts[rec.worker.State]++
	}
	for _, state := range []types.WorkerState{types.WorkerStateIdle, types.WorkerStateBusy, types.WorkerStateOffline} {
		metrics.WorkersTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
