package docloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klppl/fedigo/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheHitAvoidsRefetch(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write([]byte(`{"id":"https://example.com/x","n":` + string(rune('0'+hits)) + `}`))
	}))
	defer srv.Close()

	loader := New(Options{AllowPrivateAddress: true})
	store := kv.NewMemoryStore()
	cache := NewCache(loader, store, kv.Key{"_fedigo", "remoteDocument"}, []Rule{
		{Matcher: "*", TTL: time.Minute},
	})

	ctx := context.Background()
	first, err := cache.Load(ctx, srv.URL)
	require.NoError(t, err)
	second, err := cache.Load(ctx, srv.URL)
	require.NoError(t, err)

	assert.Equal(t, 1, hits)
	assert.Equal(t, first.Document, second.Document)
}

func TestCacheNoMatchingRuleNeverCaches(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write([]byte(`{"id":"https://example.com/x"}`))
	}))
	defer srv.Close()

	loader := New(Options{AllowPrivateAddress: true})
	store := kv.NewMemoryStore()
	cache := NewCache(loader, store, kv.Key{"_fedigo", "remoteDocument"}, nil)

	ctx := context.Background()
	_, err := cache.Load(ctx, srv.URL)
	require.NoError(t, err)
	_, err = cache.Load(ctx, srv.URL)
	require.NoError(t, err)

	assert.Equal(t, 2, hits)
}

func TestCachePreloadedContextBypassesStoreAndNetwork(t *testing.T) {
	loader := New(Options{}) // guard left on; preloaded contexts must never dial out
	store := kv.NewMemoryStore()
	cache := NewCache(loader, store, kv.Key{"_fedigo", "remoteDocument"}, []Rule{{Matcher: "*", TTL: time.Hour}})

	doc, err := cache.Load(context.Background(), "https://www.w3.org/ns/activitystreams")
	require.NoError(t, err)
	assert.NotNil(t, doc.Document)

	_, found, err := store.Get(context.Background(), kv.Key{"_fedigo", "remoteDocument", "https://www.w3.org/ns/activitystreams"})
	require.NoError(t, err)
	assert.False(t, found, "preloaded contexts must never be written to the cache")
}
