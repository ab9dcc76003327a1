package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/emberhive/hive/pkg/log"
	"github.com/emberhive/hive/pkg/metrics"
	"github.com/emberhive/hive/pkg/types"
)

// Config tunes the supervisor. Zero values take the documented defaults.
type Config struct {
	LockPath       string
	Stagger        time.Duration // delay between child starts, default 3s
	CheckInterval  time.Duration // health scan period, default 10s
	RestartBackoff time.Duration // pause before a restart, default 5s
	ShutdownGrace  time.Duration // SIGTERM grace per child, default 10s
	DefaultBudget  int           // restart budget fallback, default 5
}

func (c Config) withDefaults() Config {
	if c.Stagger <= 0 {
		c.Stagger = 3 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = 5 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.DefaultBudget <= 0 {
		c.DefaultBudget = 5
	}
	return c
}

// Supervisor owns a set of component processes for the lifetime of Run.
type Supervisor struct {
	cfg      Config
	children []*child
}

// New creates a supervisor for the enabled components.
func New(cfg Config, components []*types.SupervisedProcess) *Supervisor {
	cfg = cfg.withDefaults()
	s := &Supervisor{cfg: cfg}
	for _, spec := range components {
		if !spec.Enabled {
			continue
		}
		if spec.RestartBudget <= 0 {
			spec.RestartBudget = cfg.DefaultBudget
		}
		s.children = append(s.children, newChild(spec))
	}
	return s
}

// Run acquires the lockfile, starts every component, and scans until the
// context ends (the caller wires SIGINT/SIGTERM into it). On return all
// children are down and the lockfile is gone.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.children) == 0 {
		return fmt.Errorf("no enabled components to supervise")
	}

	names := make([]string, len(s.children))
	for i, c := range s.children {
		names[i] = c.spec.Name
	}
	if err := AcquireLock(s.cfg.LockPath, names); err != nil {
		return err
	}
	defer ReleaseLock(s.cfg.LockPath)

	logger := log.WithComponent("supervisor")
	for i, c := range s.children {
		if i > 0 {
			select {
			case <-time.After(s.cfg.Stagger):
			case <-ctx.Done():
				s.shutdown()
				return nil
			}
		}
		if err := c.start(); err != nil {
			logger.Error().Err(err).Str("name", c.spec.Name).Msg("failed to start component")
		}
	}

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.scan(ctx)
		case <-ctx.Done():
			logger.Info().Msg("shutdown signal received")
			s.shutdown()
			return nil
		}
	}
}

// scan restarts crashed children while their budget lasts.
func (s *Supervisor) scan(ctx context.Context) {
	logger := log.WithComponent("supervisor")
	for _, c := range s.children {
		if c.spec.Terminal || c.alive() {
			continue
		}

		tail := c.stderr.tail()
		event := logger.Warn().
			Str("name", c.spec.Name).
			Int("exit_code", c.exitCode()).
			Int("restart_count", c.spec.RestartCount)
		if len(tail) > 0 {
			event = event.Strs("stderr_tail", tail)
		}
		event.Msg("component exited")

		if c.spec.RestartCount >= c.spec.RestartBudget {
			c.spec.Terminal = true
			logger.Error().
				Str("name", c.spec.Name).
				Int("budget", c.spec.RestartBudget).
				Msg("restart budget exhausted, component is terminal")
			continue
		}

		select {
		case <-time.After(s.cfg.RestartBackoff):
		case <-ctx.Done():
			return
		}

		c.spec.RestartCount++
		metrics.SupervisorRestarts.WithLabelValues(c.spec.Name).Inc()
		if err := c.start(); err != nil {
			logger.Error().Err(err).Str("name", c.spec.Name).Msg("restart failed")
		}
	}
}

func (s *Supervisor) shutdown() {
	for _, c := range s.children {
		c.terminate(s.cfg.ShutdownGrace)
	}
	logger := log.WithComponent("supervisor")
	logger.Info().Msg("all components stopped")
}

// Status returns snapshots of every supervised component.
func (s *Supervisor) Status() []*types.SupervisedProcess {
	out := make([]*types.SupervisedProcess, 0, len(s.children))
	for _, c := range s.children {
		c.mu.Lock()
		snapshot := *c.spec
		c.mu.Unlock()
		out = append(out, &snapshot)
	}
	return out
}
