package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/emberhive/hive/pkg/log"
)

// Lockfile is the single-instance marker written at startup.
type Lockfile struct {
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	Components []string  `json:"components"`
}

// AcquireLock writes the lockfile, refusing when another live supervisor
// holds it. A lockfile left by a dead pid is taken over with a warning.
// Creation is exclusive, so concurrent acquirers race on the filesystem
// rather than on a read-check-write window.
func AcquireLock(path string, components []string) error {
	lock := Lockfile{
		PID:        os.Getpid(),
		StartedAt:  time.Now(),
		Components: components,
	}
	data, err := json.MarshalIndent(&lock, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode lockfile: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create lockfile dir: %w", err)
	}

	// Linking a fully written temp file into place is atomic and fails
	// with EEXIST when another acquirer got there first, so a loser never
	// observes a half-written lockfile.
	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	tmp := tmpFile.Name()
	defer os.Remove(tmp)
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return fmt.Errorf("failed to write lockfile: %w", err)
	}

	logger := log.WithComponent("supervisor")
	for attempt := 0; attempt < 2; attempt++ {
		err := os.Link(tmp, path)
		if err == nil {
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to place lockfile: %w", err)
		}

		existing, readErr := readLockfile(path)
		if readErr == nil && existing.PID > 0 && pidAlive(existing.PID) {
			return fmt.Errorf("supervisor already running with pid %d", existing.PID)
		}
		logger.Warn().Str("path", path).Msg("stale lockfile found, taking over")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lockfile: %w", err)
		}
	}
	// Two losses in a row means another acquirer won each race.
	return fmt.Errorf("failed to acquire lockfile %s: lost creation race", path)
}

func readLockfile(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock Lockfile
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// ReleaseLock removes the lockfile.
func ReleaseLock(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger := log.WithComponent("supervisor")
		logger.Warn().Err(err).Msg("failed to remove lockfile")
	}
}

// pidAlive reports whether a process with the pid exists. EPERM counts as
// alive: the process exists but belongs to someone else.
func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
