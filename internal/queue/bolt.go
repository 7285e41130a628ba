package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks = []byte("tasks")
	bucketIndex = []byte("task_index") // nested per-campaign: idx -> task ID
)

// BoltQueue implements Queue using BoltDB
type BoltQueue struct {
	db *bolt.DB
}

// NewBoltQueue creates a new BoltDB-backed queue, opening the database file
func NewBoltQueue(path string) (*BoltQueue, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltQueue{db: db}, nil
}

// Enqueue bulk-inserts tasks in index order
func (q *BoltQueue) Enqueue(ctx context.Context, campaignID string, tasks []*Task) error {
	if campaignID == "" {
		return fmt.Errorf("%w: empty campaign id", ErrInvalidInput)
	}

	return q.db.Update(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)
		idx, err := tx.Bucket(bucketIndex).CreateBucketIfNotExists([]byte(campaignID))
		if err != nil {
			return fmt.Errorf("failed to create index bucket: %w", err)
		}

		now := time.Now()
		for _, t := range tasks {
			if t.Recipient == "" {
				return fmt.Errorf("%w: task %d has no recipient", ErrInvalidInput, t.Index)
			}
			key := indexKey(t.Index)
			if idx.Get(key) != nil {
				return fmt.Errorf("%w: duplicate task index %d", ErrInvalidInput, t.Index)
			}

			if t.ID == "" {
				t.ID = uuid.New().String()
			}
			t.CampaignID = campaignID
			t.Status = StatusPending
			t.CreatedAt = now
			t.UpdatedAt = now

			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("failed to marshal task: %w", err)
			}
			if err := taskBucket.Put([]byte(t.ID), data); err != nil {
				return fmt.Errorf("failed to store task: %w", err)
			}
			if err := idx.Put(key, []byte(t.ID)); err != nil {
				return fmt.Errorf("failed to index task: %w", err)
			}
		}
		return nil
	})
}

// NextBatch returns up to n pending tasks, lowest index first.
// Status is not mutated; the caller must mark tasks processing.
func (q *BoltQueue) NextBatch(ctx context.Context, campaignID string, n int) ([]*Task, error) {
	var batch []*Task

	err := q.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIndex).Bucket([]byte(campaignID))
		if idx == nil {
			return nil
		}
		taskBucket := tx.Bucket(bucketTasks)

		c := idx.Cursor()
		for k, v := c.First(); k != nil && len(batch) < n; k, v = c.Next() {
			data := taskBucket.Get(v)
			if data == nil {
				continue
			}

			var t Task
			if err := json.Unmarshal(data, &t); err != nil {
				continue
			}
			if t.Status != StatusPending {
				continue
			}
			batch = append(batch, &t)
		}
		return nil
	})

	return batch, err
}

// MarkProcessing transitions a pending task to processing
func (q *BoltQueue) MarkProcessing(ctx context.Context, taskID string) (*Task, error) {
	return q.transition(taskID, func(t *Task) {
		t.Status = StatusProcessing
	})
}

// MarkSent records a successful delivery
func (q *BoltQueue) MarkSent(ctx context.Context, taskID, providerID string) (*Task, error) {
	return q.transition(taskID, func(t *Task) {
		now := time.Now()
		t.Status = StatusSent
		t.ProviderID = providerID
		t.SentAt = &now
	})
}

// MarkFailed records a delivery failure and bumps the retry count
func (q *BoltQueue) MarkFailed(ctx context.Context, taskID, reason, category string) (*Task, error) {
	return q.transition(taskID, func(t *Task) {
		t.Status = StatusFailed
		t.FailReason = reason
		t.FailCategory = category
		t.RetryCount++
	})
}

// MarkSkipped records a task that was never attempted
func (q *BoltQueue) MarkSkipped(ctx context.Context, taskID, reason string) (*Task, error) {
	return q.transition(taskID, func(t *Task) {
		t.Status = StatusSkipped
		t.FailReason = reason
	})
}

// transition applies fn unless the task is already terminal; terminal tasks
// are returned unchanged so duplicate workers are harmless
func (q *BoltQueue) transition(taskID string, fn func(*Task)) (*Task, error) {
	var out *Task

	err := q.db.Update(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)
		data := taskBucket.Get([]byte(taskID))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}

		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}

		if t.Status.Terminal() {
			out = &t
			return nil
		}

		fn(&t)
		t.UpdatedAt = time.Now()

		updated, err := json.Marshal(&t)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		if err := taskBucket.Put([]byte(taskID), updated); err != nil {
			return err
		}
		out = &t
		return nil
	})

	return out, err
}

// Get retrieves a task by ID
func (q *BoltQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	var t *Task

	err := q.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(taskID))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		t = &Task{}
		return json.Unmarshal(data, t)
	})

	return t, err
}

// Stats returns per-status counts for a campaign
func (q *BoltQueue) Stats(ctx context.Context, campaignID string) (*Stats, error) {
	stats := &Stats{}

	err := q.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIndex).Bucket([]byte(campaignID))
		if idx == nil {
			return nil
		}
		taskBucket := tx.Bucket(bucketTasks)

		return idx.ForEach(func(k, v []byte) error {
			data := taskBucket.Get(v)
			if data == nil {
				return nil
			}
			var t Task
			if err := json.Unmarshal(data, &t); err != nil {
				return nil
			}

			stats.Total++
			switch t.Status {
			case StatusPending:
				stats.Pending++
			case StatusProcessing:
				stats.Processing++
			case StatusSent:
				stats.Sent++
			case StatusFailed:
				stats.Failed++
			case StatusSkipped:
				stats.Skipped++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	stats.Remaining = stats.Pending + stats.Processing
	return stats, nil
}

// GlobalStats counts pending and processing tasks across all campaigns
func (q *BoltQueue) GlobalStats(ctx context.Context) (int64, int64, error) {
	var pending, processing int64

	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			switch t.Status {
			case StatusPending:
				pending++
			case StatusProcessing:
				processing++
			}
			return nil
		})
	})

	return pending, processing, err
}

// ResetProcessing returns in-flight tasks to pending after a restart
func (q *BoltQueue) ResetProcessing(ctx context.Context, campaignID string) (int, error) {
	reset := 0

	err := q.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIndex).Bucket([]byte(campaignID))
		if idx == nil {
			return nil
		}
		taskBucket := tx.Bucket(bucketTasks)

		return idx.ForEach(func(k, v []byte) error {
			data := taskBucket.Get(v)
			if data == nil {
				return nil
			}
			var t Task
			if err := json.Unmarshal(data, &t); err != nil {
				return nil
			}
			if t.Status != StatusProcessing {
				return nil
			}

			t.Status = StatusPending
			t.UpdatedAt = time.Now()
			updated, err := json.Marshal(&t)
			if err != nil {
				return nil
			}
			if err := taskBucket.Put(v, updated); err != nil {
				return err
			}
			reset++
			return nil
		})
	})

	return reset, err
}

// Close closes the database connection
func (q *BoltQueue) Close() error {
	return q.db.Close()
}

// DB returns the underlying bolt.DB instance for stores that share the file
func (q *BoltQueue) DB() *bolt.DB {
	return q.db
}

// indexKey encodes a task index as a big-endian key so cursors walk in order
func indexKey(i int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}
