// Package version tracks the authoritative modification marker for each
// shared resource so stale client views can be detected.
package version

import (
	"sync"
	"time"
)

// ResourceKind enumerates the mutable shared resources under version control.
type ResourceKind string

const (
	KindOrder     ResourceKind = "order"
	KindOrderItem ResourceKind = "order_item"
	KindTable     ResourceKind = "table"
)

// Record captures the latest known mutation of a resource.
type Record struct {
	Version      int64
	LastModified time.Time
	ModifiedBy   string
}

type key struct {
	kind ResourceKind
	id   string
}

// Store maps (resource kind, resource id) to its current version record.
// Versions are derived from the clock and strictly increase per key.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[key]Record
}

// Option customises store construction.
type Option func(*Store)

// WithClock overrides the version time source; used in tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewStore constructs an empty version store.
func NewStore(opts ...Option) *Store {
	store := &Store{now: time.Now, records: make(map[key]Record)}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Bump stamps a new version for the resource and records the modifier.
// The returned version strictly exceeds every prior version for the key,
// even when the clock has not advanced between calls.
func (s *Store) Bump(kind ResourceKind, id, modifierID string) int64 {
	if s == nil || id == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{kind: kind, id: id}
	now := s.now()
	version := now.UnixNano()
	if prev, ok := s.records[k]; ok && version <= prev.Version {
		version = prev.Version + 1
	}
	s.records[k] = Record{Version: version, LastModified: now, ModifiedBy: modifierID}
	return version
}

// Current returns the resource's version, or zero when never bumped.
func (s *Store) Current(kind ResourceKind, id string) int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key{kind: kind, id: id}].Version
}

// Lookup returns the full record and whether the resource is known.
func (s *Store) Lookup(kind ResourceKind, id string) (Record, bool) {
	if s == nil {
		return Record{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key{kind: kind, id: id}]
	return record, ok
}

// HasConflict reports whether the server has seen a mutation the client
// has not: true iff the server version strictly exceeds the claim. A
// client claiming a version ahead of the server is treated as current,
// never as conflicting.
func (s *Store) HasConflict(kind ResourceKind, id string, clientVersion int64) bool {
	return s.Current(kind, id) > clientVersion
}

// Snapshot copies every known record, keyed by kind then id. Used by the
// journal when writing keyframes.
func (s *Store) Snapshot() map[ResourceKind]map[string]Record {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ResourceKind]map[string]Record)
	for k, record := range s.records {
		byID := out[k.kind]
		if byID == nil {
			byID = make(map[string]Record)
			out[k.kind] = byID
		}
		byID[k.id] = record
	}
	return out
}
