package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketCache = "cache"
	bucketRate  = "rate"
)

type bboltStore struct {
	db *bolt.DB
	mu sync.Mutex // guards rate bucket sliding-window writes
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/guard.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "guard.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCache, bucketRate} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// ---- Response cache --------------------------------------------------------

func (s *bboltStore) CacheGet(key string) ([]byte, bool, error) {
	var entry CacheEntry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketCache)).Get([]byte(key))
		if v == nil {
			return nil
		}
		if err := msgpack.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("unmarshal CacheEntry for %s: %w", key, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found || time.Now().After(entry.ExpiresAt) {
		return nil, false, nil
	}
	return entry.Data, true, nil
}

func (s *bboltStore) CacheSet(key string, data []byte, ttl time.Duration) error {
	entry := CacheEntry{
		Data:      data,
		ExpiresAt: time.Now().Add(ttl).UTC(),
	}
	raw, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal CacheEntry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCache)).Put([]byte(key), raw)
	})
}

func (s *bboltStore) CacheDelete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCache)).Delete([]byte(key))
	})
}

// ---- Rate window -----------------------------------------------------------

// RateReserve implements a sliding-window rate limit backed by bbolt.
// The rate bucket stores a []int64 of Unix nanosecond timestamps per endpoint.
func (s *bboltStore) RateReserve(endpoint string, window time.Duration, max int) (time.Duration, error) {
	if max <= 0 {
		return 0, nil // unlimited
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var wait time.Duration
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRate))
		key := []byte(endpoint)
		now := time.Now().UnixNano()
		cutoff := now - window.Nanoseconds()

		var timestamps []int64
		if raw := b.Get(key); raw != nil {
			if err := msgpack.Unmarshal(raw, &timestamps); err != nil {
				return fmt.Errorf("unmarshal rate timestamps: %w", err)
			}
		}

		// Prune entries outside window
		pruned := timestamps[:0]
		for _, ts := range timestamps {
			if ts >= cutoff {
				pruned = append(pruned, ts)
			}
		}

		if len(pruned) >= max {
			// Budget exhausted: wait until the oldest call exits the window.
			oldest := pruned[0]
			for _, ts := range pruned {
				if ts < oldest {
					oldest = ts
				}
			}
			wait = time.Duration(oldest - cutoff)
			if wait <= 0 {
				wait = time.Millisecond
			}
			data, err := msgpack.Marshal(pruned)
			if err != nil {
				return err
			}
			return b.Put(key, data)
		}

		pruned = append(pruned, now)
		data, err := msgpack.Marshal(pruned)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	return wait, err
}

// ---- Janitor ---------------------------------------------------------------

func (s *bboltStore) PruneExpiredCache() (int, error) {
	now := time.Now().UTC()
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCache))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var entry CacheEntry
			if err := msgpack.Unmarshal(v, &entry); err != nil {
				return nil // skip corrupt entries
			}
			if entry.ExpiresAt.Before(now) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func (s *bboltStore) PruneExpiredRateEntries(window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window).UnixNano()
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRate))
		return b.ForEach(func(k, v []byte) error {
			var timestamps []int64
			if err := msgpack.Unmarshal(v, &timestamps); err != nil {
				return nil
			}
			before := len(timestamps)
			filtered := timestamps[:0]
			for _, ts := range timestamps {
				if ts >= cutoff {
					filtered = append(filtered, ts)
				}
			}
			pruned += before - len(filtered)
			if len(filtered) == 0 {
				return b.Delete(k)
			}
			data, err := msgpack.Marshal(filtered)
			if err != nil {
				return err
			}
			return b.Put(k, data)
		})
	})
	return pruned, err
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
