package slaves

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emberhive/hive/pkg/log"
	"github.com/emberhive/hive/pkg/types"
)

// stageDelay is the pause between install stages, letting the remote host
// release filesystem locks before the next command lands.
const stageDelay = 5 * time.Second

// Executor dispatches a command to a slave. Satisfied by *Manager.
type Executor interface {
	Execute(ctx context.Context, id string, req *types.ExecuteRequest) (*types.ExecuteResult, error)
}

// Stage is one step of the bootstrap sequence.
type Stage struct {
	Name    string
	Command string
	Timeout time.Duration

	// Fatal stops the sequence on failure. Non-fatal stages record their
	// failure and let the sequence continue.
	Fatal bool

	// Validate, when set, decides success from the remote result instead of
	// the exit code alone.
	Validate func(result *types.ExecuteResult) bool
}

// StageResult records how one stage went.
type StageResult struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report is the structured outcome of a full install run. Success means
// every fatal stage succeeded; the caller decides registration from it.
type Report struct {
	SlaveID string        `json:"slave_id"`
	Stages  []StageResult `json:"stages"`
	Success bool          `json:"success"`
}

// Installer bootstraps a freshly reachable slave through its /execute
// endpoint, one stage at a time.
type Installer struct {
	exec   Executor
	stages []Stage
	delay  time.Duration
}

// NewInstaller creates an installer with the given stage sequence.
func NewInstaller(exec Executor, stages []Stage) *Installer {
	return &Installer{exec: exec, stages: stages, delay: stageDelay}
}

// DefaultStages builds the standard bootstrap sequence for a slave host:
// fetch the source, prepare an isolated environment, install dependencies,
// and validate the install with a probe command.
func DefaultStages(repoURL, installDir string) []Stage {
	venv := installDir + "/.venv"
	pip := venv + "/bin/pip"
	python := venv + "/bin/python"
	return []Stage{
		{
			Name: "fetch source",
			Command: fmt.Sprintf("git clone %s %s 2>/dev/null || git -C %s pull --ff-only",
				repoURL, installDir, installDir),
			Timeout: 180 * time.Second,
			Fatal:   true,
		},
		{
			Name:    "create environment",
			Command: fmt.Sprintf("python3 -m venv %s", venv),
			Timeout: 60 * time.Second,
			Fatal:   true,
		},
		{
			Name:    "install base dependencies",
			Command: fmt.Sprintf("%s install -r %s/requirements.txt", pip, installDir),
			Timeout: 120 * time.Second,
			Fatal:   true,
		},
		{
			// Optional extras; a partial failure leaves a usable slave.
			Name:    "install extra dependencies",
			Command: fmt.Sprintf("%s install -r %s/requirements-extra.txt", pip, installDir),
			Timeout: 600 * time.Second,
			Fatal:   false,
		},
		{
			Name:    "validate install",
			Command: fmt.Sprintf(`%s -c 'print("OK")'`, python),
			Timeout: 60 * time.Second,
			Fatal:   true,
			Validate: func(result *types.ExecuteResult) bool {
				return strings.Contains(result.Stdout, "OK")
			},
		},
	}
}

// Install runs the stage sequence against a slave and returns the report.
// A fatal stage failure stops the run; the report carries whatever stages
// completed.
func (in *Installer) Install(ctx context.Context, slaveID string) *Report {
	logger := log.WithSlaveID(slaveID)
	report := &Report{SlaveID: slaveID, Success: true}

	for i, stage := range in.stages {
		if i > 0 {
			select {
			case <-time.After(in.delay):
			case <-ctx.Done():
				report.Success = false
				report.Stages = append(report.Stages, StageResult{
					Name:  stage.Name,
					Error: ctx.Err().Error(),
				})
				return report
			}
		}

		logger.Info().Str("stage", stage.Name).Msg("running install stage")
		start := time.Now()
		result, err := in.exec.Execute(ctx, slaveID, &types.ExecuteRequest{
			Command: stage.Command,
			Timeout: int(stage.Timeout / time.Second),
		})

		sr := StageResult{Name: stage.Name, Duration: time.Since(start)}
		switch {
		case err != nil:
			sr.Error = err.Error()
		case stage.Validate != nil && !stage.Validate(result):
			sr.ExitCode = result.ExitCode
			sr.Error = "validation failed: " + firstLine(result.Stdout)
		case !result.Success:
			sr.ExitCode = result.ExitCode
			sr.Error = firstLine(result.Stderr)
		default:
			sr.Success = true
			sr.ExitCode = result.ExitCode
		}
		report.Stages = append(report.Stages, sr)

		if !sr.Success {
			logger.Warn().Str("stage", stage.Name).Str("error", sr.Error).Msg("install stage failed")
			if stage.Fatal {
				report.Success = false
				return report
			}
			continue
		}
		logger.Info().Str("stage", stage.Name).Dur("took", sr.Duration).Msg("install stage done")
	}
	return report
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
