package slaves

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberhive/hive/pkg/types"
)

// scriptedExecutor returns canned results keyed by a substring of the
// command, recording what ran.
type scriptedExecutor struct {
	results map[string]*types.ExecuteResult
	errs    map[string]error
	ran     []string
}

func (s *scriptedExecutor) Execute(_ context.Context, _ string, req *types.ExecuteRequest) (*types.ExecuteResult, error) {
	s.ran = append(s.ran, req.Command)
	for key, err := range s.errs {
		if strings.Contains(req.Command, key) {
			return nil, err
		}
	}
	for key, result := range s.results {
		if strings.Contains(req.Command, key) {
			return result, nil
		}
	}
	return &types.ExecuteResult{Success: true}, nil
}

func newTestInstaller(exec Executor) *Installer {
	in := NewInstaller(exec, DefaultStages("https://example.com/repo.git", "/opt/hive"))
	in.delay = 0
	return in
}

func TestInstallAllStagesSucceed(t *testing.T) {
	exec := &scriptedExecutor{
		results: map[string]*types.ExecuteResult{
			`print("OK")`: {Success: true, Stdout: "OK\n"},
		},
	}
	in := newTestInstaller(exec)

	report := in.Install(context.Background(), "s1")
	assert.True(t, report.Success)
	require.Len(t, report.Stages, 5)
	for _, stage := range report.Stages {
		assert.True(t, stage.Success, stage.Name)
	}
	assert.Len(t, exec.ran, 5)
}

func TestInstallStopsOnFatalStageFailure(t *testing.T) {
	exec := &scriptedExecutor{
		results: map[string]*types.ExecuteResult{
			"git clone": {Success: false, ExitCode: 128, Stderr: "fatal: repository not found\nmore"},
		},
	}
	in := newTestInstaller(exec)

	report := in.Install(context.Background(), "s1")
	assert.False(t, report.Success)
	require.Len(t, report.Stages, 1)
	assert.Equal(t, "fetch source", report.Stages[0].Name)
	assert.Equal(t, 128, report.Stages[0].ExitCode)
	assert.Equal(t, "fatal: repository not found", report.Stages[0].Error)
}

func TestInstallContinuesPastNonFatalStage(t *testing.T) {
	exec := &scriptedExecutor{
		results: map[string]*types.ExecuteResult{
			"requirements-extra": {Success: false, ExitCode: 1, Stderr: "no matching distribution"},
			`print("OK")`:        {Success: true, Stdout: "OK"},
		},
	}
	in := newTestInstaller(exec)

	report := in.Install(context.Background(), "s1")
	assert.True(t, report.Success)
	require.Len(t, report.Stages, 5)
	assert.False(t, report.Stages[3].Success)
	assert.True(t, report.Stages[4].Success)
}

func TestInstallValidationRequiresOK(t *testing.T) {
	exec := &scriptedExecutor{
		results: map[string]*types.ExecuteResult{
			// Probe exits zero but never prints the marker.
			`print("OK")`: {Success: true, Stdout: "something else"},
		},
	}
	in := newTestInstaller(exec)

	report := in.Install(context.Background(), "s1")
	assert.False(t, report.Success)
	last := report.Stages[len(report.Stages)-1]
	assert.Equal(t, "validate install", last.Name)
	assert.Contains(t, last.Error, "validation failed")
}

func TestInstallTransportErrorIsFatal(t *testing.T) {
	exec := &scriptedExecutor{
		errs: map[string]error{"venv": errors.New("connection refused")},
	}
	in := newTestInstaller(exec)

	report := in.Install(context.Background(), "s1")
	assert.False(t, report.Success)
	require.Len(t, report.Stages, 2)
	assert.Contains(t, report.Stages[1].Error, "connection refused")
}

func TestInstallHonorsContextCancellation(t *testing.T) {
	exec := &scriptedExecutor{}
	in := NewInstaller(exec, DefaultStages("https://example.com/repo.git", "/opt/hive"))
	in.delay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Report, 1)
	go func() { done <- in.Install(ctx, "s1") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case report := <-done:
		assert.False(t, report.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("install did not stop on cancellation")
	}
}
