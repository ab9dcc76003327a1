package humanreq

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emberhive/hive/pkg/log"
	"github.com/emberhive/hive/pkg/metrics"
	"github.com/emberhive/hive/pkg/types"
)

// Notifier receives a snapshot after every create and transition. The
// store knows nothing about the delivery transport; failures and panics
// in the notifier are logged and never block the state change.
type Notifier func(request *types.HumanRequest)

// Store is the durable human-request queue. Records live in memory with
// an append-only JSON-lines file behind them; each line is the full record
// at transition time, so the newest line per id wins on load.
type Store struct {
	path   string
	notify Notifier

	mu       sync.Mutex
	requests map[string]*types.HumanRequest
	file     *os.File
}

// Open loads the store at path, compacting the log to one line per
// request. The notifier may be nil.
func Open(path string, notify Notifier) (*Store, error) {
	s := &Store{
		path:     path,
		notify:   notify,
		requests: make(map[string]*types.HumanRequest),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	if err := s.compact(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open human request log: %w", err)
	}
	s.file = file
	return s, nil
}

// Close releases the underlying log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Store) load() error {
	file, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read human request log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var bad int
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req types.HumanRequest
		if err := json.Unmarshal(line, &req); err != nil || req.ID == "" {
			bad++
			continue
		}
		// Later lines supersede earlier ones for the same id.
		s.requests[req.ID] = &req
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan human request log: %w", err)
	}
	if bad > 0 {
		logger := log.WithComponent("humanreq")
		logger.Warn().Int("lines", bad).Msg("skipped corrupt log lines")
	}
	return nil
}

// compact rewrites the log with exactly one line per request, atomically.
func (s *Store) compact() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create human request dir: %w", err)
	}

	ids := make([]string, 0, len(s.requests))
	for id := range s.requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.requests[ids[i]].CreatedAt.Before(s.requests[ids[j]].CreatedAt)
	})

	tmp := s.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write compacted log: %w", err)
	}
	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, id := range ids {
		if err := enc.Encode(s.requests[id]); err != nil {
			file.Close()
			return fmt.Errorf("failed to encode request %s: %w", id, err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush compacted log: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close compacted log: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace human request log: %w", err)
	}
	return nil
}

// appendLocked writes one record to the log. Callers hold the mutex.
func (s *Store) appendLocked(req *types.HumanRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode human request: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to append human request: %w", err)
	}
	return nil
}

// Create stores a new pending request and fires the notifier.
func (s *Store) Create(kind, title, description string, priority int, estimatedCost float64, createdBy string) (*types.HumanRequest, error) {
	req := &types.HumanRequest{
		ID:            uuid.New().String(),
		Kind:          kind,
		Title:         title,
		Description:   description,
		Priority:      priority,
		EstimatedCost: estimatedCost,
		CreatedBy:     createdBy,
		CreatedAt:     time.Now(),
		State:         types.HumanRequestPending,
	}

	s.mu.Lock()
	s.requests[req.ID] = req
	err := s.appendLocked(req)
	snapshot := *req
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	metrics.HumanRequestsTotal.WithLabelValues(string(types.HumanRequestPending)).Inc()
	logger := log.WithComponent("humanreq")
	logger.Info().
		Str("request_id", req.ID).
		Str("kind", kind).
		Str("title", title).
		Msg("human request created")
	s.fireNotifier(&snapshot)
	return &snapshot, nil
}

// Approve moves a pending request to Approved.
func (s *Store) Approve(id, notes string) error {
	return s.transition(id, types.HumanRequestApproved, notes)
}

// Reject moves a pending request to Rejected. The reason lands in Notes.
func (s *Store) Reject(id, reason string) error {
	return s.transition(id, types.HumanRequestRejected, reason)
}

// MarkCompleted moves an approved request to Completed.
func (s *Store) MarkCompleted(id, notes string) error {
	return s.transition(id, types.HumanRequestCompleted, notes)
}

// Cancel moves a pending or approved request to Cancelled.
func (s *Store) Cancel(id string) error {
	return s.transition(id, types.HumanRequestCancelled, "")
}

// validTransitions is the approval state machine.
var validTransitions = map[types.HumanRequestState][]types.HumanRequestState{
	types.HumanRequestPending:  {types.HumanRequestApproved, types.HumanRequestRejected, types.HumanRequestCancelled},
	types.HumanRequestApproved: {types.HumanRequestCompleted, types.HumanRequestCancelled},
}

func allowed(from, to types.HumanRequestState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *Store) transition(id string, to types.HumanRequestState, notes string) error {
	s.mu.Lock()
	req, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("human request not found: %s", id)
	}
	if !allowed(req.State, to) {
		from := req.State
		s.mu.Unlock()
		return fmt.Errorf("invalid transition %s -> %s for request %s", from, to, id)
	}

	req.State = to
	if notes != "" {
		req.Notes = notes
	}
	now := time.Now()
	switch to {
	case types.HumanRequestApproved:
		req.ApprovedAt = now
	case types.HumanRequestRejected:
		req.RejectedAt = now
	case types.HumanRequestCompleted:
		req.CompletedAt = now
	case types.HumanRequestCancelled:
		req.CancelledAt = now
	}

	err := s.appendLocked(req)
	snapshot := *req
	s.mu.Unlock()
	if err != nil {
		return err
	}

	metrics.HumanRequestsTotal.WithLabelValues(string(to)).Inc()
	logger := log.WithComponent("humanreq")
	logger.Info().
		Str("request_id", id).
		Str("state", string(to)).
		Msg("human request transitioned")
	s.fireNotifier(&snapshot)
	return nil
}

// fireNotifier delivers a snapshot, tolerating both errors and panics in
// the hook.
func (s *Store) fireNotifier(req *types.HumanRequest) {
	if s.notify == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger := log.WithComponent("humanreq")
			logger.Error().
				Str("request_id", req.ID).
				Interface("panic", r).
				Msg("notifier panicked")
		}
	}()
	s.notify(req)
}

// Get returns a snapshot of one request.
func (s *Store) Get(id string) (*types.HumanRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, false
	}
	snapshot := *req
	return &snapshot, true
}

// ListPending returns pending requests, newest first.
func (s *Store) ListPending() []*types.HumanRequest {
	return s.ListByState(types.HumanRequestPending)
}

// ListByState returns requests in a state, newest first.
func (s *Store) ListByState(state types.HumanRequestState) []*types.HumanRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.HumanRequest
	for _, req := range s.requests {
		if req.State == state {
			snapshot := *req
			out = append(out, &snapshot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
