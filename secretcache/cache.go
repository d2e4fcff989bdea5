// Package secretcache implements the in-memory, time-indexed store for
// secrets fetched from the secret store.
//
// The cache holds no I/O and knows nothing about tokens: it only remembers
// when each entry was fetched and answers staleness questions against an
// injectable clock, which keeps it trivially testable without real sleeps.
//
// Do not expect the cache to survive a process restart. All contents live in
// process memory only; a restart always triggers a fresh fetch.
package secretcache

import (
	"sync"
	"time"
)

// Kind identifies the class of a cached secret. Cache keys embed the kind so
// they are never reused across secret types.
type Kind string

// The three secret classes served by the store.
const (
	KindKV      Kind = "kv"
	KindDynamic Kind = "dynamic"
	KindStatic  Kind = "static"
)

// Key builds the cache key for a (kind, path-or-role) pair,
// e.g. "kv:backend/config" or "dynamic:db-demo-dynamic".
func Key(kind Kind, id string) string {
	return string(kind) + ":" + id
}

// An Entry is a cached secret value plus the metadata its staleness policy
// needs. Entries are immutable once stored: a refresh replaces the whole
// entry, it never patches one in place.
//
// Which fields are meaningful depends on the kind:
// versioned KV entries carry Version, leased dynamic entries carry TTL and
// LeaseID, rotation-windowed static entries carry TTL only.
type Entry struct {
	// Data holds the actual secret fields.
	Data map[string]string

	// Version is the KV v2 version number. Informational only, it is not
	// part of the staleness decision.
	Version int

	// TTL is the lease duration (dynamic) or rotation window (static)
	// reported by the store at fetch time.
	TTL time.Duration

	// LeaseID identifies the lease of a dynamic credential.
	LeaseID string

	// FetchedAt is the instant the entry was stored. Stamped by Store.Put.
	FetchedAt time.Time
}

// Age returns how long ago the entry was fetched.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// Stale reports whether the entry has reached the given age threshold.
//
// An entry fetched at time T is stale at exactly T+threshold.
func (e Entry) Stale(now time.Time, threshold time.Duration) bool {
	return e.Age(now) >= threshold
}

// RemainingTTL returns how much of the entry's original TTL is left,
// saturating at zero. It never goes negative.
func (e Entry) RemainingTTL(now time.Time) time.Duration {
	remaining := e.TTL - e.Age(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Store is a concurrent mapping from cache key to Entry.
//
// The zero value is ready to use. Reads never block other reads; writes
// replace entries wholesale, and when two refreshes of the same key race the
// last writer wins.
type Store struct {
	// Now is the clock used for staleness math, defaulting to time.Now.
	// Replace it in tests to advance time deterministically.
	// Must be set before first use and not mutated afterwards.
	Now func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Get returns the entry stored under key, if any.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	return e, ok
}

// Put unconditionally replaces the entry under key,
// stamping its FetchedAt with the store's clock.
func (s *Store) Put(key string, e Entry) {
	e.FetchedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries == nil {
		s.entries = make(map[string]Entry)
	}
	s.entries[key] = e
}

// IsStale reports whether the entry under key has reached the given age
// threshold. Absent entries are always stale.
func (s *Store) IsStale(key string, threshold time.Duration) bool {
	e, ok := s.Get(key)
	if !ok {
		return true
	}
	return e.Stale(s.now(), threshold)
}
