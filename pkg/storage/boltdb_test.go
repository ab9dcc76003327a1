package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberhive/hive/pkg/types"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := OpenArchive(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestPutAndGetTerminalTask(t *testing.T) {
	a := openTestArchive(t)

	task := &types.Task{
		ID:     "t1",
		Kind:   "cpu",
		State:  types.TaskStateCompleted,
		Result: []byte(`"ok"`),
	}
	require.NoError(t, a.Put(task))

	got, err := a.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCompleted, got.State)
	assert.Equal(t, `"ok"`, string(got.Result))

	_, err = a.Get("missing")
	assert.Error(t, err)
}

func TestPutRejectsLiveTask(t *testing.T) {
	a := openTestArchive(t)

	assert.Error(t, a.Put(&types.Task{ID: "t1", State: types.TaskStatePending}))
	assert.Error(t, a.Put(&types.Task{ID: "t1", State: types.TaskStateAssigned}))
}

func TestCountsAndList(t *testing.T) {
	a := openTestArchive(t)

	require.NoError(t, a.Put(&types.Task{ID: "c1", State: types.TaskStateCompleted}))
	require.NoError(t, a.Put(&types.Task{ID: "c2", State: types.TaskStateCompleted}))
	require.NoError(t, a.Put(&types.Task{ID: "f1", State: types.TaskStateFailed, Error: "boom"}))

	counts, err := a.Counts()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.TaskStateCompleted])
	assert.Equal(t, 1, counts[types.TaskStateFailed])

	all, err := a.List(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := a.List(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
