package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/emberhive/hive/pkg/log"
	"github.com/emberhive/hive/pkg/types"
)

// Backend runs one command to completion. Backends are tried in order; the
// first available one wins for a given request.
type Backend interface {
	// Name identifies the backend in results and health reports.
	Name() string

	// Available reports whether the backend can serve requests right now.
	Available() bool

	// Run executes the command, enforcing the timeout. It never returns an
	// error; failures are expressed in the result.
	Run(ctx context.Context, command, workdir string, timeout time.Duration) *types.ExecuteResult
}

// timeoutResult is the uniform shape for an expired execution.
func timeoutResult(method string, timeout time.Duration) *types.ExecuteResult {
	return &types.ExecuteResult{
		Success:  false,
		Method:   method,
		ExitCode: -1,
		Stderr:   fmt.Sprintf("timeout after %d s", int(timeout/time.Second)),
	}
}

// shellBackend runs commands through sh -c, optionally inside a
// virtualenv. Children get their own process group so a timeout kills the
// whole tree, not just the shell.
type shellBackend struct {
	name    string
	venvDir string // empty for the ambient interpreter tier
}

// NewVenvBackend runs commands with a project-local virtualenv activated.
func NewVenvBackend(venvDir string) Backend {
	return &shellBackend{name: "venv", venvDir: venvDir}
}

// NewInterpreterBackend runs commands with the ambient interpreter. It is
// always available and sits last in the tier order.
func NewInterpreterBackend() Backend {
	return &shellBackend{name: "interpreter"}
}

func (b *shellBackend) Name() string { return b.name }

func (b *shellBackend) Available() bool {
	if b.venvDir == "" {
		return true
	}
	info, err := os.Stat(filepath.Join(b.venvDir, "bin"))
	return err == nil && info.IsDir()
}

func (b *shellBackend) Run(ctx context.Context, command, workdir string, timeout time.Duration) *types.ExecuteResult {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = workdir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if b.venvDir != "" {
		bin := filepath.Join(b.venvDir, "bin")
		cmd.Env = append(os.Environ(),
			"VIRTUAL_ENV="+b.venvDir,
			"PATH="+bin+string(os.PathListSeparator)+os.Getenv("PATH"),
		)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return &types.ExecuteResult{
			Success:  false,
			Method:   b.name,
			ExitCode: -1,
			Stderr:   err.Error(),
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		result := &types.ExecuteResult{
			Success: err == nil,
			Method:  b.name,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else if err != nil {
			result.ExitCode = -1
		}
		return result
	case <-timer.C:
	case <-ctx.Done():
	}

	// Kill the whole process group, then reap the shell.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		logger := log.WithComponent("executor")
		logger.Warn().Err(err).Msg("failed to kill process group")
	}
	<-done
	return timeoutResult(b.name, timeout)
}
