package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/emberhive/hive/pkg/log"
	"github.com/emberhive/hive/pkg/types"
)

// stderrTail is how many captured stderr lines are logged after a crash.
const stderrTail = 10

// child is one supervised process with captured output and exit tracking.
type child struct {
	spec *types.SupervisedProcess

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited bool
	stderr *tailBuffer
}

func newChild(spec *types.SupervisedProcess) *child {
	return &child{
		spec:   spec,
		exited: true,
		stderr: newTailBuffer(stderrTail),
	}
}

// start spawns the process with the inherited environment and begins
// draining its output.
func (c *child) start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.exited {
		return fmt.Errorf("component %s already running with pid %d", c.spec.Name, c.spec.PID)
	}

	cmd := exec.Command(c.spec.Command, c.spec.Args...)
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe stdout for %s: %w", c.spec.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe stderr for %s: %w", c.spec.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.spec.Name, err)
	}

	c.cmd = cmd
	c.exited = false
	c.stderr.clear()
	c.spec.PID = cmd.Process.Pid
	c.spec.StartedAt = time.Now()

	go c.drain(stdout, false)
	go c.drain(stderr, true)
	go c.reap(cmd)

	logger := log.WithComponent("supervisor")
	logger.Info().
		Str("name", c.spec.Name).
		Int("pid", c.spec.PID).
		Msg("component started")
	return nil
}

func (c *child) drain(r io.Reader, isStderr bool) {
	scanner := bufio.NewScanner(r)
	logger := log.WithComponent(c.spec.Name)
	for scanner.Scan() {
		line := scanner.Text()
		if isStderr {
			c.stderr.append(line)
			logger.Debug().Str("stream", "stderr").Msg(line)
		} else {
			logger.Debug().Str("stream", "stdout").Msg(line)
		}
	}
}

func (c *child) reap(cmd *exec.Cmd) {
	err := cmd.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.exited = true
	c.spec.LastExitCode = 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		c.spec.LastExitCode = exitErr.ExitCode()
	} else if err != nil {
		c.spec.LastExitCode = -1
	}
}

// alive reports whether the process is still running.
func (c *child) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.exited
}

// exitCode returns the last recorded exit code.
func (c *child) exitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec.LastExitCode
}

// terminate sends SIGTERM, waits up to grace, then SIGKILLs.
func (c *child) terminate(grace time.Duration) {
	c.mu.Lock()
	cmd := c.cmd
	running := !c.exited
	c.mu.Unlock()
	if !running || cmd == nil || cmd.Process == nil {
		return
	}

	logger := log.WithComponent("supervisor")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Warn().Err(err).Str("name", c.spec.Name).Msg("failed to signal component")
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !c.alive() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	logger.Warn().Str("name", c.spec.Name).Msg("component ignored SIGTERM, killing")
	if err := cmd.Process.Kill(); err != nil {
		logger.Warn().Err(err).Str("name", c.spec.Name).Msg("failed to kill component")
	}
	for c.alive() {
		time.Sleep(10 * time.Millisecond)
	}
}

// tailBuffer keeps the last n appended lines.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.limit {
		b.lines = b.lines[len(b.lines)-b.limit:]
	}
}

func (b *tailBuffer) tail() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

func (b *tailBuffer) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = nil
}
