package state

import (
	"time"
)

// CacheEntry is a cached upstream response. Entries are never served past
// ExpiresAt.
type CacheEntry struct {
	Data      []byte
	ExpiresAt time.Time
}

// Store is the local persistence seam: the upstream response cache and the
// sliding-window rate limiter state, both surviving restarts.
type Store interface {
	// Response cache. Keys are "operation:subjectID" composites.
	CacheGet(key string) ([]byte, bool, error)
	CacheSet(key string, data []byte, ttl time.Duration) error
	CacheDelete(key string) error

	// RateReserve implements a sliding-window call budget. If fewer than max
	// calls occurred within the trailing window, the current timestamp is
	// recorded and wait is zero. Otherwise nothing is recorded and wait is
	// the time until the oldest call exits the window.
	RateReserve(endpoint string, window time.Duration, max int) (wait time.Duration, err error)

	// Janitor helpers
	PruneExpiredCache() (int, error)
	PruneExpiredRateEntries(window time.Duration) (int, error)

	// Utility
	SizeBytes() (int64, error)
	Close() error
}
