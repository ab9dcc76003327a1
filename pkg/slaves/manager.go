package slaves

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/emberhive/hive/pkg/events"
	"github.com/emberhive/hive/pkg/log"
	"github.com/emberhive/hive/pkg/metrics"
	"github.com/emberhive/hive/pkg/transport"
	"github.com/emberhive/hive/pkg/types"
	"github.com/emberhive/hive/pkg/version"
)

const (
	// probeTimeout bounds a single health probe. The health loop itself
	// provides repetition, so probes never retry.
	probeTimeout = 10 * time.Second

	// unhealthyAfter is how many consecutive probe failures demote a slave.
	unhealthyAfter = 2

	// executeMargin is added on top of the task timeout for the HTTP call,
	// giving the slave room to report a timeout itself.
	executeMargin = 30 * time.Second
)

// Config tunes the manager.
type Config struct {
	// Path is the JSON registry file. Parent directories are created on
	// first save.
	Path string

	// HealthInterval is the probe loop period. Default 30s.
	HealthInterval time.Duration
}

// record pairs a slave with its in-memory probe failure streak. The streak
// is deliberately not persisted; a restart grants a clean slate.
type record struct {
	slave    *types.Slave
	failures int
}

// Manager owns all Slave records under a single mutex and persists them as
// JSON, atomically, on every mutation. It never calls into the queue or the
// worker registry; the orchestrator reacts to its events instead.
type Manager struct {
	cfg    Config
	exec   *transport.Client
	probes *transport.Client
	ver    *version.Probe
	broker *events.Broker

	mu     sync.Mutex
	slaves map[string]*record
}

// NewManager creates a manager. The exec client carries retries and the
// circuit breaker for dispatch; probes use a separate single-attempt client.
func NewManager(cfg Config, exec *transport.Client, ver *version.Probe, broker *events.Broker) *Manager {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	return &Manager{
		cfg:  cfg,
		exec: exec,
		probes: transport.NewClient(transport.Config{
			RequestTimeout: probeTimeout,
			MaxAttempts:    1,
		}),
		ver:    ver,
		broker: broker,
		slaves: make(map[string]*record),
	}
}

// registryFile is the on-disk shape of the slave registry.
type registryFile struct {
	Slaves []*types.Slave `json:"slaves"`
}

// Load reads the registry file. A missing file is an empty registry.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.cfg.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read slave registry: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse slave registry: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range file.Slaves {
		// Persisted status is stale by definition; the health loop will
		// reclassify on its first pass.
		s.Status = types.SlaveStatusUnknown
		m.slaves[s.ID] = &record{slave: s}
	}
	logger := log.WithComponent("slaves")
	logger.Info().Int("count", len(m.slaves)).Msg("slave registry loaded")
	return nil
}

// saveLocked writes the registry atomically. Callers hold the mutex.
func (m *Manager) saveLocked() error {
	file := registryFile{Slaves: make([]*types.Slave, 0, len(m.slaves))}
	for _, rec := range m.slaves {
		file.Slaves = append(file.Slaves, rec.slave)
	}
	sort.Slice(file.Slaves, func(i, j int) bool { return file.Slaves[i].ID < file.Slaves[j].ID })

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode slave registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry dir: %w", err)
	}
	tmp := m.cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write slave registry: %w", err)
	}
	if err := os.Rename(tmp, m.cfg.Path); err != nil {
		return fmt.Errorf("failed to replace slave registry: %w", err)
	}
	return nil
}

// Register stores a slave keyed by host:port. The record is kept whether or
// not the initial probe succeeds; the probe only seeds the status.
func (m *Manager) Register(ctx context.Context, host string, port int, token string, capabilities []string) (*types.Slave, error) {
	id := fmt.Sprintf("%s:%d", host, port)
	slave := &types.Slave{
		ID:           id,
		Host:         host,
		Port:         port,
		AuthToken:    token,
		Capabilities: capabilities,
		Status:       types.SlaveStatusUnknown,
		RegisteredAt: time.Now(),
	}

	logger := log.WithSlaveID(id)
	report, err := m.probeHealth(ctx, slave)
	if err != nil {
		logger.Warn().Err(err).Msg("initial health probe failed, registering anyway")
	} else {
		slave.LastSeenCommit = report.Commit
		slave.LastHealthAt = time.Now()
		if m.ver.Matches(report.Commit) {
			slave.Status = types.SlaveStatusHealthy
		} else {
			slave.Status = types.SlaveStatusVersionMismatch
		}
	}

	m.mu.Lock()
	m.slaves[id] = &record{slave: slave}
	saveErr := m.saveLocked()
	m.publishGaugesLocked()
	m.mu.Unlock()
	if saveErr != nil {
		return nil, saveErr
	}

	m.publish(events.EventSlaveRegistered, slave, "")
	if slave.Status == types.SlaveStatusVersionMismatch {
		// Registering an already-drifted slave is itself the transition.
		m.publish(events.EventSlaveVersionMismatch, slave, slave.LastSeenCommit)
	}
	logger.Info().Str("status", string(slave.Status)).Msg("slave registered")
	snapshot := *slave
	return &snapshot, nil
}

// Remove deletes a slave. The orchestrator requeues any task it held.
func (m *Manager) Remove(id string) bool {
	logger := log.WithSlaveID(id)
	m.mu.Lock()
	rec, ok := m.slaves[id]
	if ok {
		delete(m.slaves, id)
		if err := m.saveLocked(); err != nil {
			logger.Error().Err(err).Msg("failed to persist slave removal")
		}
		m.publishGaugesLocked()
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.publish(events.EventSlaveRemoved, rec.slave, "")
	logger.Info().Msg("slave removed")
	return true
}

// FindAvailable returns a healthy slave whose capability set covers the
// requirement; least recently assigned wins the tie-break.
func (m *Manager) FindAvailable(capabilities []string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *types.Slave
	for _, rec := range m.slaves {
		s := rec.slave
		if s.Status != types.SlaveStatusHealthy {
			continue
		}
		if !types.HasCapabilities(s.Capabilities, capabilities) {
			continue
		}
		if best == nil || s.LastAssignedAt.Before(best.LastAssignedAt) {
			best = s
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// Execute dispatches a command to a slave's /execute endpoint through the
// retrying client. The HTTP deadline is the task timeout plus a margin so
// the slave can report its own timeout first.
func (m *Manager) Execute(ctx context.Context, id string, req *types.ExecuteRequest) (*types.ExecuteResult, error) {
	m.mu.Lock()
	rec, ok := m.slaves[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("slave not found: %s", id)
	}
	slave := *rec.slave
	rec.slave.LastAssignedAt = time.Now()
	m.mu.Unlock()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execute request: %w", err)
	}

	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	data, err := m.exec.Post(ctx, m.slaveURL(&slave, "/execute"), map[string]string{
		"Authorization": "Bearer " + slave.AuthToken,
	}, body, timeout+executeMargin)
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues("slave", "error").Inc()
		return nil, err
	}

	var result types.ExecuteResult
	if err := json.Unmarshal(data, &result); err != nil {
		metrics.DispatchesTotal.WithLabelValues("slave", "error").Inc()
		return nil, fmt.Errorf("failed to decode execute result from %s: %w", id, err)
	}
	metrics.DispatchesTotal.WithLabelValues("slave", "ok").Inc()
	return &result, nil
}

// Run drives the health loop until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every registered slave once and applies status
// transitions. Exported so tests and operator tooling can force a pass.
func (m *Manager) CheckAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.slaves))
	for id := range m.slaves {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.checkOne(ctx, id)
	}
}

func (m *Manager) checkOne(ctx context.Context, id string) {
	m.mu.Lock()
	rec, ok := m.slaves[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	slave := *rec.slave
	m.mu.Unlock()

	report, err := m.probeHealth(ctx, &slave)

	m.mu.Lock()
	rec, ok = m.slaves[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	prev := rec.slave.Status
	if err != nil {
		rec.slave.LastHealthAt = time.Time{}
		rec.failures++
		if rec.failures >= unhealthyAfter {
			rec.slave.Status = types.SlaveStatusUnhealthy
		}
	} else {
		rec.failures = 0
		rec.slave.LastSeenCommit = report.Commit
		rec.slave.LastHealthAt = time.Now()
		if m.ver.Matches(report.Commit) {
			rec.slave.Status = types.SlaveStatusHealthy
		} else {
			rec.slave.Status = types.SlaveStatusVersionMismatch
		}
	}
	next := rec.slave.Status
	changed := next != prev
	logger := log.WithSlaveID(id)
	if changed {
		if err := m.saveLocked(); err != nil {
			logger.Error().Err(err).Msg("failed to persist slave status")
		}
	}
	commit := rec.slave.LastSeenCommit
	snapshot := *rec.slave
	m.publishGaugesLocked()
	m.mu.Unlock()

	if !changed {
		return
	}

	// Events fire exactly once per transition, never per probe.
	switch next {
	case types.SlaveStatusUnhealthy:
		logger.Warn().Msg("slave unhealthy after consecutive probe failures")
		m.publish(events.EventSlaveUnhealthy, &snapshot, "")
	case types.SlaveStatusVersionMismatch:
		logger.Warn().
			Str("slave_commit", commit).
			Str("master_commit", m.ver.Commit()).
			Msg("slave version drift detected")
		m.publish(events.EventSlaveVersionMismatch, &snapshot, commit)
	case types.SlaveStatusHealthy:
		if prev != types.SlaveStatusUnknown {
			logger.Info().Msg("slave recovered")
			m.publish(events.EventSlaveRecovered, &snapshot, "")
		}
	}
}

func (m *Manager) probeHealth(ctx context.Context, slave *types.Slave) (*types.HealthReport, error) {
	data, err := m.probes.Get(ctx, m.slaveURL(slave, "/health"), nil)
	if err != nil {
		return nil, err
	}
	var report types.HealthReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode health report: %w", err)
	}
	return &report, nil
}

func (m *Manager) slaveURL(slave *types.Slave, path string) string {
	return fmt.Sprintf("http://%s:%d%s", slave.Host, slave.Port, path)
}

// Get returns a snapshot of one slave.
func (m *Manager) Get(id string) (*types.Slave, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.slaves[id]
	if !ok {
		return nil, false
	}
	snapshot := *rec.slave
	return &snapshot, true
}

// List returns snapshots of all slaves, ordered by id.
func (m *Manager) List() []*types.Slave {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.Slave, 0, len(m.slaves))
	for _, rec := range m.slaves {
		snapshot := *rec.slave
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountByStatus returns slave counts keyed by status, for /stats.
func (m *Manager) CountByStatus() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[string]int{}
	for _, rec := range m.slaves {
		counts[string(rec.slave.Status)]++
	}
	return counts
}

func (m *Manager) publish(typ events.EventType, slave *types.Slave, commit string) {
	if m.broker == nil {
		return
	}
	meta := map[string]string{
		"slave_id": slave.ID,
		"host":     slave.Host,
	}
	if commit != "" {
		meta["slave_commit"] = commit
		meta["master_commit"] = m.ver.Commit()
	}
	m.broker.Publish(&events.Event{Type: typ, Metadata: meta})
}

func (m *Manager) publishGaugesLocked() {
	counts := map[types.SlaveStatus]int{}
	for _, rec := range m.slaves {
		counts[rec.slave.Status]++
	}
	for _, status := range []types.SlaveStatus{
		types.SlaveStatusHealthy,
		types.SlaveStatusUnhealthy,
		types.SlaveStatusVersionMismatch,
		types.SlaveStatusUnknown,
	} {
		metrics.SlavesTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
