package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreIdempotentUpsertPreservesCreationInstant(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := Key{"k"}

	require.NoError(t, s.Set(ctx, key, []byte("v1"), SetOptions{}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Set(ctx, key, []byte("v2"), SetOptions{}))

	got, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)

	e, _ := s.m.Load(joinKey(key))
	first := e.created

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Set(ctx, key, []byte("v3"), SetOptions{}))
	e2, _ := s.m.Load(joinKey(key))
	assert.True(t, first.Equal(e2.created), "creation instant must survive repeated Set")
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := Key{"k"}

	require.NoError(t, s.Set(ctx, key, []byte("v"), SetOptions{TTL: 50 * time.Millisecond}))

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	_, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestMemoryStoreCASScenario reproduces the literal CAS walkthrough:
// set(["x"], "a"); cas(["x"],"b","c") -> false; cas(["x"],"a","c") -> true;
// get(["x"])="c"; cas(["x"],"c",nil) -> true; get(["x"]) -> absent.
func TestMemoryStoreCASScenario(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := Key{"x"}

	require.NoError(t, s.Set(ctx, key, []byte("a"), SetOptions{}))

	swapped, err := s.CAS(ctx, key, []byte("b"), []byte("c"), SetOptions{})
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = s.CAS(ctx, key, []byte("a"), []byte("c"), SetOptions{})
	require.NoError(t, err)
	assert.True(t, swapped)

	got, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("c"), got)

	swapped, err = s.CAS(ctx, key, []byte("c"), nil, SetOptions{})
	require.NoError(t, err)
	assert.True(t, swapped)

	_, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreCASAgainstAbsentKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := Key{"new"}

	swapped, err := s.CAS(ctx, key, []byte("wrong"), []byte("v"), SetOptions{})
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = s.CAS(ctx, key, nil, []byte("v"), SetOptions{})
	require.NoError(t, err)
	assert.True(t, swapped)

	got, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestMemoryStoreDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := Key{"gone"}
	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Set(ctx, key, []byte("v"), SetOptions{}))
	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key))
	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreEmptyKeyRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _, err := s.Get(ctx, Key{})
	assert.ErrorIs(t, err, ErrEmptyKey)
	assert.ErrorIs(t, s.Set(ctx, Key{}, []byte("v"), SetOptions{}), ErrEmptyKey)
	assert.ErrorIs(t, s.Delete(ctx, Key{}), ErrEmptyKey)
	_, err = s.CAS(ctx, Key{}, nil, []byte("v"), SetOptions{})
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, []byte("a")))
	assert.False(t, Equal([]byte("a"), nil))
	assert.True(t, Equal([]byte("a"), []byte("a")))
	assert.False(t, Equal([]byte("a"), []byte("b")))
}
