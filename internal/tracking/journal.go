package tracking

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEvents = []byte("webhook_events")

// Journal is a durable seen-set for provider webhook event ids. Providers
// deliver at least once and retry aggressively; the journal lets the webhook
// handler drop replays before they touch recipient state.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens (or creates) the journal file.
func OpenJournal(path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// Seen records the event id and reports whether it was already present.
// Check and insert happen in one write transaction, so concurrent webhook
// deliveries of the same event agree on exactly one first.
func (j *Journal) Seen(eventID string, at time.Time) (bool, error) {
	var seen bool
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b.Get([]byte(eventID)) != nil {
			seen = true
			return nil
		}
		return b.Put([]byte(eventID), []byte(at.UTC().Format(time.RFC3339Nano)))
	})
	return seen, err
}

// Sweep deletes entries older than maxAge and returns how many were removed.
// Providers stop retrying within days, so old entries only cost space.
func (j *Journal) Sweep(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			at, err := time.Parse(time.RFC3339Nano, string(v))
			if err != nil || at.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (j *Journal) Close() error {
	return j.db.Close()
}
