package storage

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/emberhive/hive/pkg/types"
)

var bucketTasks = []byte("tasks")

// Archive is a BoltDB-backed record of terminal tasks. The live queue is
// authoritative for in-flight work; the archive only ever sees tasks in
// Completed or Failed.
type Archive struct {
	db *bolt.DB
}

// OpenArchive opens or creates the archive database.
func OpenArchive(path string) (*Archive, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create archive bucket: %w", err)
	}

	return &Archive{db: db}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Put records a terminal task, upserting by id.
func (a *Archive) Put(task *types.Task) error {
	if task.State != types.TaskStateCompleted && task.State != types.TaskStateFailed {
		return fmt.Errorf("refusing to archive non-terminal task %s (%s)", task.ID, task.State)
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put([]byte(task.ID), data)
	})
}

// Get returns an archived task by id.
func (a *Archive) Get(id string) (*types.Task, error) {
	var task types.Task
	err := a.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task not found in archive: %s", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// List returns archived tasks, up to limit (0 means all).
func (a *Archive) List(limit int) ([]*types.Task, error) {
	var tasks []*types.Task
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			if limit > 0 && len(tasks) >= limit {
				return nil
			}
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// Counts returns archived task counts per state.
func (a *Archive) Counts() (map[types.TaskState]int, error) {
	counts := map[types.TaskState]int{}
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			counts[task.State]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
