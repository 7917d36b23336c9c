package kv

import (
	"context"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// entry mirrors the teacher's ap.cacheEntry shape (value + expiry) but also
// tracks the original creation instant, which Set must preserve across
// updates to the same key.
type entry struct {
	value   []byte
	created time.Time
	expires time.Time // zero means no expiry
	valid   bool       // false for the zero-value "not present" sentinel
}

func (e entry) expired(now time.Time) bool {
	return e.valid && !e.expires.IsZero() && now.After(e.expires)
}

// MemoryStore is an in-process KV store backed by a lock-free concurrent
// map, generalizing the teacher's per-purpose sync.Map caches
// (ap.objectCache, ap.wfCache) into the spec's namespaced Key/Entry model.
type MemoryStore struct {
	m *xsync.MapOf[string, entry]
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: xsync.NewMapOf[string, entry]()}
}

// joinKey flattens a Key into a single map key. "\x00" cannot appear in a
// legal path segment supplied by this package's own callers, so it's a safe
// separator; pathological caller-supplied segments containing it would only
// risk spurious key collisions within a single in-memory process, not data
// corruption.
func joinKey(k Key) string {
	return strings.Join(k, "\x00")
}

// live looks up key, treating an expired entry as absent and sweeping it
// from the map.
func (s *MemoryStore) live(k string, now time.Time) (entry, bool) {
	e, ok := s.m.Load(k)
	if !ok || !e.valid {
		return entry{}, false
	}
	if e.expired(now) {
		s.m.Delete(k)
		return entry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(_ context.Context, key Key) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	e, ok := s.live(joinKey(key), time.Now())
	if !ok {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key Key, value []byte, opts SetOptions) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	k := joinKey(key)
	now := time.Now()
	var expires time.Time
	if opts.TTL > 0 {
		expires = now.Add(opts.TTL)
	}
	s.m.Compute(k, func(old entry, loaded bool) (entry, bool) {
		created := now
		if loaded && old.valid && !old.expired(now) {
			created = old.created
		}
		return entry{value: value, created: created, expires: expires, valid: true}, false
	})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	s.m.Delete(joinKey(key))
	return nil
}

// CAS performs an atomic read-modify-write via xsync's Compute callback,
// which the map invokes under its internal per-bucket lock: the comparison
// and the swap happen as one indivisible step, so no retry loop is needed.
// A nil newValue deletes the key instead of storing a nil value.
func (s *MemoryStore) CAS(_ context.Context, key Key, expected, newValue []byte, opts SetOptions) (bool, error) {
	if len(key) == 0 {
		return false, ErrEmptyKey
	}
	k := joinKey(key)
	now := time.Now()
	var expires time.Time
	if opts.TTL > 0 {
		expires = now.Add(opts.TTL)
	}

	var swapped bool
	s.m.Compute(k, func(old entry, loaded bool) (entry, bool) {
		present := loaded && old.valid && !old.expired(now)
		var current []byte
		if present {
			current = old.value
		}
		if !Equal(current, expected) {
			swapped = false
			return old, !present // leave existing entries untouched; nothing to delete otherwise
		}
		swapped = true
		if newValue == nil {
			return entry{}, true // delete
		}
		created := now
		if present {
			created = old.created
		}
		return entry{value: newValue, created: created, expires: expires, valid: true}, false
	})
	return swapped, nil
}
