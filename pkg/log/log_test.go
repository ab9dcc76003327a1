package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		out = append(out, entry)
	}
	return out
}

func TestChildLoggersCarryFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	logger := WithComponent("queue")
	logger.Info().Str("extra", "x").Msg("component line")

	taskLog := WithTaskID("t1")
	taskLog.Warn().Msg("task line")

	workerLog := WithWorkerID("w1")
	workerLog.Debug().Msg("worker line")

	slaveLog := WithSlaveID("s1")
	slaveLog.Error().Msg("slave line")

	entries := parseLines(t, &buf)
	require.Len(t, entries, 4)
	assert.Equal(t, "queue", entries[0]["component"])
	assert.Equal(t, "x", entries[0]["extra"])
	assert.Equal(t, "t1", entries[1]["task_id"])
	assert.Equal(t, "w1", entries[2]["worker_id"])
	assert.Equal(t, "s1", entries[3]["slave_id"])
	for _, entry := range entries {
		assert.Contains(t, entry, "time")
	}
}

func TestLevelFiltersOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	logger := WithComponent("transport")
	logger.Info().Msg("suppressed")
	logger.Warn().Msg("kept")

	entries := parseLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0]["message"])
}
