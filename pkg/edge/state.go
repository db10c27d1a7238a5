package edge

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketExecuted = []byte("executed_commands")
	bucketMeta     = []byte("meta")

	keyLastUpload = []byte("last_upload")
)

// State is the agent's local durable state. It remembers which
// commands already ran so a redelivered command is reported, not
// re-executed, and when telemetry last reached the control plane.
type State struct {
	db *bolt.DB
}

// OpenState opens or creates the state file
func OpenState(path string) (*State, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketExecuted, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init state: %w", err)
	}
	return &State{db: db}, nil
}

// Close releases the state file
func (s *State) Close() error {
	return s.db.Close()
}

// MarkExecuted records that a command finished locally
func (s *State) MarkExecuted(commandID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecuted).Put([]byte(commandID), []byte(at.UTC().Format(time.RFC3339)))
	})
}

// WasExecuted reports whether a command already ran on this device
func (s *State) WasExecuted(commandID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketExecuted).Get([]byte(commandID)) != nil
		return nil
	})
	return found, err
}

// PruneExecuted drops execution markers older than the cutoff and
// returns how many were removed
func (s *State) PruneExecuted(before time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketExecuted)
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			at, err := time.Parse(time.RFC3339, string(v))
			if err != nil || at.Before(before) {
				if err := cursor.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// SetLastUpload records the time telemetry last reached the control
// plane
func (s *State) SetLastUpload(at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyLastUpload, []byte(at.UTC().Format(time.RFC3339)))
	})
}

// LastUpload returns the last recorded upload time, zero when none
func (s *State) LastUpload() (time.Time, error) {
	var at time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyLastUpload)
		if raw == nil {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, string(raw))
		if err != nil {
			return err
		}
		at = parsed
		return nil
	})
	return at, err
}
