package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/emberhive/hive/pkg/types"
)

// Defaults recognized when the corresponding environment variable is unset.
const (
	DefaultMasterHost = "0.0.0.0"
	DefaultMasterPort = 7001
	DefaultSlaveHost  = "0.0.0.0"
	DefaultSlavePort  = 7600

	DefaultHeartbeatTTL     = 60 * time.Second
	DefaultHealthInterval   = 30 * time.Second
	DefaultTaskTimeout      = 300 * time.Second
	DefaultMaxAttempts      = 3
	DefaultCircuitThreshold = 5
	DefaultCircuitCooldown  = 60 * time.Second

	DefaultRestartBudget  = 5
	DefaultCheckInterval  = 10 * time.Second
	DefaultRestartBackoff = 5 * time.Second
	DefaultStagger        = 3 * time.Second
	DefaultShutdownGrace  = 10 * time.Second

	DefaultPollWait      = 5 * time.Second
	DefaultLivenessScan  = 10 * time.Second
	DefaultMaxConcurrent = 1
)

// Snapshot is the immutable configuration taken once at startup and passed
// by reference into components. Reloads construct a new snapshot; hot swaps
// are out of scope.
type Snapshot struct {
	MasterHost string
	MasterPort int
	SlaveHost  string
	SlavePort  int
	SlaveToken string

	DataDir string

	HeartbeatTTL     time.Duration
	HealthInterval   time.Duration
	TaskTimeout      time.Duration
	MaxAttempts      int
	CircuitThreshold int
	CircuitCooldown  time.Duration

	RestartBudget int
	CheckInterval time.Duration

	PollWait                time.Duration
	LivenessScanInterval    time.Duration
	MaxConcurrentExecutions int
}

// FromEnv builds a snapshot from the process environment, applying defaults
// for anything unset.
func FromEnv() *Snapshot {
	return &Snapshot{
		MasterHost: envString("MASTER_HOST", DefaultMasterHost),
		MasterPort: envInt("MASTER_PORT", DefaultMasterPort),
		SlaveHost:  envString("SLAVE_HOST", DefaultSlaveHost),
		SlavePort:  envInt("SLAVE_PORT", DefaultSlavePort),
		SlaveToken: os.Getenv("SLAVE_TOKEN"),

		DataDir: envString("HIVE_DATA_DIR", defaultDataDir()),

		HeartbeatTTL:     envSeconds("HEARTBEAT_TTL_SECONDS", DefaultHeartbeatTTL),
		HealthInterval:   envSeconds("HEALTH_INTERVAL_SECONDS", DefaultHealthInterval),
		TaskTimeout:      envSeconds("TASK_TIMEOUT_SECONDS", DefaultTaskTimeout),
		MaxAttempts:      envInt("MAX_ATTEMPTS", DefaultMaxAttempts),
		CircuitThreshold: envInt("CIRCUIT_THRESHOLD", DefaultCircuitThreshold),
		CircuitCooldown:  envSeconds("CIRCUIT_COOLDOWN_SECONDS", DefaultCircuitCooldown),

		RestartBudget: envInt("SUPERVISOR_RESTART_BUDGET", DefaultRestartBudget),
		CheckInterval: envSeconds("SUPERVISOR_CHECK_INTERVAL_SECONDS", DefaultCheckInterval),

		PollWait:                DefaultPollWait,
		LivenessScanInterval:    DefaultLivenessScan,
		MaxConcurrentExecutions: envInt("MAX_CONCURRENT_EXECUTIONS", DefaultMaxConcurrent),
	}
}

// MasterAddr returns the host:port the master API binds to.
func (s *Snapshot) MasterAddr() string {
	return fmt.Sprintf("%s:%d", s.MasterHost, s.MasterPort)
}

// SlaveAddr returns the host:port the slave executor binds to.
func (s *Snapshot) SlaveAddr() string {
	return fmt.Sprintf("%s:%d", s.SlaveHost, s.SlavePort)
}

// SlavesConfigPath returns the slave registry file under the data dir.
func (s *Snapshot) SlavesConfigPath() string {
	return filepath.Join(s.DataDir, "slaves", "config.json")
}

// HumanRequestsPath returns the human-request store file under the data dir.
func (s *Snapshot) HumanRequestsPath() string {
	return filepath.Join(s.DataDir, "human_requests", "requests.json")
}

// LockfilePath returns the supervisor lockfile under the data dir.
func (s *Snapshot) LockfilePath() string {
	return filepath.Join(s.DataDir, "supervisor.lock")
}

// ArchivePath returns the bbolt task archive under the data dir.
func (s *Snapshot) ArchivePath() string {
	return filepath.Join(s.DataDir, "archive.db")
}

// SupervisorConfig describes the supervised component set, loaded from a
// YAML file passed via --config.
type SupervisorConfig struct {
	Components []*types.SupervisedProcess `yaml:"components"`
}

// LoadSupervisorConfig parses a supervisor YAML config file. Components with
// a zero restart budget get the snapshot default.
func LoadSupervisorConfig(path string, budget int) (*SupervisorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read supervisor config: %w", err)
	}

	var cfg SupervisorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse supervisor config: %w", err)
	}

	for _, c := range cfg.Components {
		if c.Name == "" || c.Command == "" {
			return nil, fmt.Errorf("supervisor config: component needs name and command")
		}
		if c.RestartBudget <= 0 {
			c.RestartBudget = budget
		}
	}
	return &cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./hive-data"
	}
	return filepath.Join(home, ".hive")
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
