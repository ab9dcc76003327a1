/*
Package log provides structured logging for Hive using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Usage

Initializing the logger:

	import "github.com/emberhive/hive/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Component loggers:

	orchLog := log.WithComponent("orchestrator")
	orchLog.Info().Str("task_id", id).Msg("task assigned")

	slaveLog := log.WithSlaveID("slave-eu-1")
	slaveLog.Warn().Msg("health probe failed")

# Integration Points

This package integrates with:

  - pkg/orchestrator: assignment and timeout decisions
  - pkg/registry: worker heartbeat and liveness transitions
  - pkg/slaves: slave health and version probe results
  - pkg/transport: retry attempts and circuit transitions
  - pkg/supervisor: child process lifecycle
  - pkg/executor: backend selection and execution results

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() so aggregation keeps the cause

Don't:
  - Log secrets or slave auth tokens
  - Use Debug level in production
  - Concatenate strings (use .Str, .Int)
*/
package log
