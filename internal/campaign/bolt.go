package campaign

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCampaigns = []byte("campaigns")
	bucketDailySent = []byte("daily_sent")
)

// BoltStore implements Store on a shared BoltDB handle
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a campaign store on an already-open database
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCampaigns, bucketDailySent} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Create persists a new campaign
func (s *BoltStore) Create(ctx context.Context, c *Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCampaigns)
		if bucket.Get([]byte(c.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrExists, c.ID)
		}

		now := time.Now()
		c.CreatedAt = now
		c.UpdatedAt = now
		if c.Status == "" {
			c.Status = StatusIdle
		}

		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal campaign: %w", err)
		}
		return bucket.Put([]byte(c.ID), data)
	})
}

// Get retrieves a campaign by ID
func (s *BoltStore) Get(ctx context.Context, id string) (*Campaign, error) {
	var c *Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		c = &Campaign{}
		return json.Unmarshal(data, c)
	})

	return c, err
}

// Update persists the full campaign row
func (s *BoltStore) Update(ctx context.Context, c *Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCampaigns)
		if bucket.Get([]byte(c.ID)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
		}

		c.UpdatedAt = time.Now()
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal campaign: %w", err)
		}
		return bucket.Put([]byte(c.ID), data)
	})
}

// UpdateStatus changes status and records the reason on terminal transitions
func (s *BoltStore) UpdateStatus(ctx context.Context, id string, status Status, reason string) error {
	return s.mutate(id, func(c *Campaign) {
		c.Status = status
		now := time.Now()
		switch status {
		case StatusRunning:
			if c.StartedAt == nil {
				c.StartedAt = &now
			} else {
				c.ResumedAt = &now
			}
			c.ResumeAt = nil
		case StatusPaused:
			c.PausedAt = &now
		case StatusCompleted:
			c.CompletedAt = &now
		case StatusStopped:
			c.StoppedAt = &now
		}
		if reason != "" {
			c.LastError = reason
		}
	})
}

// UpdateCounters atomically sets progress counters and the cursor
func (s *BoltStore) UpdateCounters(ctx context.Context, id string, sent, failed, skipped, cursor int) error {
	return s.mutate(id, func(c *Campaign) {
		c.Sent = sent
		c.Failed = failed
		c.Skipped = skipped
		c.Cursor = cursor
	})
}

// SetResumeAt records the next scheduled resumption time
func (s *BoltStore) SetResumeAt(ctx context.Context, id string, at *time.Time) error {
	return s.mutate(id, func(c *Campaign) {
		c.ResumeAt = at
	})
}

func (s *BoltStore) mutate(id string, fn func(*Campaign)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCampaigns)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		var c Campaign
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("failed to unmarshal campaign: %w", err)
		}

		fn(&c)
		c.UpdatedAt = time.Now()

		out, err := json.Marshal(&c)
		if err != nil {
			return fmt.Errorf("failed to marshal campaign: %w", err)
		}
		return bucket.Put([]byte(id), out)
	})
}

// List returns campaigns matching the filter
func (s *BoltStore) List(ctx context.Context, filter ListFilter) ([]*Campaign, error) {
	var campaigns []*Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCampaigns).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cmp Campaign
			if err := json.Unmarshal(v, &cmp); err != nil {
				continue
			}

			if filter.Status != "" && cmp.Status != filter.Status {
				continue
			}
			if filter.AccountID != "" && cmp.AccountID != filter.AccountID {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			campaigns = append(campaigns, &cmp)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return campaigns, err
}

// AddDailySent increments the channel's counter for day and returns the new value
func (s *BoltStore) AddDailySent(ctx context.Context, channelID string, day time.Time, n int) (int, error) {
	var total int

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDailySent)
		key := dailyKey(channelID, day)

		total = int(decodeCount(bucket.Get(key))) + n
		return bucket.Put(key, encodeCount(uint64(total)))
	})

	return total, err
}

// DailySent returns the channel's counter for day
func (s *BoltStore) DailySent(ctx context.Context, channelID string, day time.Time) (int, error) {
	var total int

	err := s.db.View(func(tx *bolt.Tx) error {
		total = int(decodeCount(tx.Bucket(bucketDailySent).Get(dailyKey(channelID, day))))
		return nil
	})

	return total, err
}

// PruneDailyCounters removes counters for days before cutoff
func (s *BoltStore) PruneDailyCounters(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	cutoffDay := DayKey(cutoff)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDailySent)
		c := bucket.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if keyDay(k) < cutoffDay {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}

		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// Close is a no-op; the underlying database is owned by the queue storage
func (s *BoltStore) Close() error {
	return nil
}

// dailyKey is "<channel>:<YYYY-MM-DD>" so a channel's days sort together
func dailyKey(channelID string, day time.Time) []byte {
	return []byte(channelID + ":" + DayKey(day))
}

func keyDay(k []byte) string {
	s := string(k)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return s[i+1:]
		}
	}
	return ""
}

func encodeCount(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func decodeCount(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
