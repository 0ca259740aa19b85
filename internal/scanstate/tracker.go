package scanstate

import (
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	scopesBucketName    = "scopes"
	processedBucketName = "processed"
	lastSeenKey         = "last_seen"
	galleryScope        = "gallery"
)

// ScopeKey returns the state key for an album, or for the whole gallery
// when album is empty.
func ScopeKey(album string) string {
	if album == "" {
		return galleryScope
	}
	return "album:" + album
}

// Cursor is the persisted incremental-scan state of one scope
type Cursor struct {
	Scope     string               `json:"scope"`
	LastSeen  time.Time            `json:"last_seen"`
	Processed map[string]time.Time `json:"processed"`
}

// IsProcessed reports whether assetID is in the processed set
func (c *Cursor) IsProcessed(assetID string) bool {
	_, ok := c.Processed[assetID]
	return ok
}

// Tracker defines the interface for scan state persistence
type Tracker interface {
	// LoadCursor returns the cursor for scope, empty if none was stored
	LoadCursor(scope string) (*Cursor, error)

	// IsProcessed reports whether assetID was already handled in scope
	IsProcessed(scope, assetID string) (bool, error)

	// MarkProcessed records assetID and advances LastSeen to ts if newer
	MarkProcessed(scope, assetID string, ts time.Time) error

	// ResetProcessedSet forgets every processed asset but keeps LastSeen
	ResetProcessedSet(scope string) error

	// Scopes lists every scope with stored state
	Scopes() ([]string, error)

	// Close closes the underlying store
	Close() error
}

// BoltTracker implements the Tracker interface using BoltDB. Each scope is a
// nested bucket holding the last-seen timestamp and a bucket of processed
// asset IDs. Every mutation is its own committed transaction.
type BoltTracker struct {
	db *bbolt.DB
}

// NewBoltTracker opens (or creates) the scan state database at path
func NewBoltTracker(path string) (*BoltTracker, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(scopesBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltTracker{db: db}, nil
}

// LoadCursor returns the cursor for scope
func (b *BoltTracker) LoadCursor(scope string) (*Cursor, error) {
	cursor := &Cursor{Scope: scope, Processed: make(map[string]time.Time)}
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(scopesBucketName)).Bucket([]byte(scope))
		if bucket == nil {
			return nil
		}

		lastSeen, err := decodeTime(bucket.Get([]byte(lastSeenKey)))
		if err != nil {
			return fmt.Errorf("decoding last seen: %w", err)
		}
		cursor.LastSeen = lastSeen

		processed := bucket.Bucket([]byte(processedBucketName))
		if processed == nil {
			return nil
		}
		return processed.ForEach(func(k, v []byte) error {
			ts, err := decodeTime(v)
			if err != nil {
				return fmt.Errorf("decoding processed time for %s: %w", k, err)
			}
			cursor.Processed[string(k)] = ts
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

// IsProcessed reports whether assetID was already handled in scope
func (b *BoltTracker) IsProcessed(scope, assetID string) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(scopesBucketName)).Bucket([]byte(scope))
		if bucket == nil {
			return nil
		}
		processed := bucket.Bucket([]byte(processedBucketName))
		if processed == nil {
			return nil
		}
		found = processed.Get([]byte(assetID)) != nil
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// MarkProcessed records assetID and advances LastSeen monotonically
func (b *BoltTracker) MarkProcessed(scope, assetID string, ts time.Time) error {
	if assetID == "" {
		return errors.New("asset id is required")
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket([]byte(scopesBucketName)).CreateBucketIfNotExists([]byte(scope))
		if err != nil {
			return fmt.Errorf("creating scope bucket: %w", err)
		}
		processed, err := bucket.CreateBucketIfNotExists([]byte(processedBucketName))
		if err != nil {
			return fmt.Errorf("creating processed bucket: %w", err)
		}

		encoded, err := ts.UTC().MarshalText()
		if err != nil {
			return fmt.Errorf("encoding timestamp: %w", err)
		}
		if err := processed.Put([]byte(assetID), encoded); err != nil {
			return err
		}

		lastSeen, err := decodeTime(bucket.Get([]byte(lastSeenKey)))
		if err != nil {
			return fmt.Errorf("decoding last seen: %w", err)
		}
		if ts.After(lastSeen) {
			return bucket.Put([]byte(lastSeenKey), encoded)
		}
		return nil
	})
}

// ResetProcessedSet drops the processed bucket of scope. LastSeen stays.
func (b *BoltTracker) ResetProcessedSet(scope string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(scopesBucketName)).Bucket([]byte(scope))
		if bucket == nil || bucket.Bucket([]byte(processedBucketName)) == nil {
			return nil
		}
		return bucket.DeleteBucket([]byte(processedBucketName))
	})
}

// Scopes lists every scope with stored state
func (b *BoltTracker) Scopes() ([]string, error) {
	scopes := make([]string, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(scopesBucketName)).ForEach(func(k, v []byte) error {
			// nested buckets have a nil value
			if v == nil {
				scopes = append(scopes, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return scopes, nil
}

// Close closes the database connection
func (b *BoltTracker) Close() error {
	return b.db.Close()
}

func decodeTime(data []byte) (time.Time, error) {
	var t time.Time
	if data == nil {
		return t, nil
	}
	if err := t.UnmarshalText(data); err != nil {
		return time.Time{}, err
	}
	return t, nil
}
