// Package kv implements the namespaced key-value abstraction that backs the
// document-loader cache, the HTTP-signature key cache, the double-knocking
// spec determiner, and inbox idempotence records.
package kv

import (
	"context"
	"errors"
	"reflect"
	"time"
)

// Key is a non-empty ordered sequence of strings, treated as a namespaced
// path — e.g. []string{"_fedify", "remoteDocument", "https://example.com/x"}.
type Key []string

// ErrEmptyKey is returned by stores when given a zero-length Key.
var ErrEmptyKey = errors.New("kv: key must have at least one segment")

// SetOptions configures a Set call.
type SetOptions struct {
	// TTL, if positive, expires the entry that many nanoseconds from now.
	// Zero means no expiry.
	TTL time.Duration
}

// Store is the abstract KV contract. Implementations must satisfy:
//   - Get returns (nil, false) for expired or absent keys.
//   - Set over an existing key preserves the original creation instant.
//   - Delete is idempotent.
//
// CAS is optional; implementations that cannot offer compare-and-swap
// atomically should return ErrCASUnsupported.
type Store interface {
	Get(ctx context.Context, key Key) (value []byte, ok bool, err error)
	Set(ctx context.Context, key Key, value []byte, opts SetOptions) error
	Delete(ctx context.Context, key Key) error
	// CAS succeeds iff the currently-visible value deep-equals expected
	// (nil expected matches absence), atomically swapping in newValue. A nil
	// newValue deletes the key instead of storing a nil value, so that
	// cas(k, v, nil) is how a caller atomically removes a key it knows the
	// current value of.
	CAS(ctx context.Context, key Key, expected, newValue []byte, opts SetOptions) (swapped bool, err error)
}

// ErrCASUnsupported is returned by CAS on stores that cannot provide atomic
// compare-and-swap.
var ErrCASUnsupported = errors.New("kv: compare-and-swap not supported by this store")

// Equal reports deep structural equality between two stored byte values,
// treating nil and empty-but-present identically to how CAS's "undefined
// matches absence" rule is applied at the Store layer (absence is modeled
// as ok=false, not a zero-length value).
func Equal(a, b []byte) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}
