package inbox

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klppl/fedigo/httpsig"
	"github.com/klppl/fedigo/kv"
	"github.com/klppl/fedigo/vocab"
	"github.com/stretchr/testify/require"
)

type fixedKeyCache struct{ key *httpsig.Key }

func (f *fixedKeyCache) Get(ctx context.Context, keyID string) (*httpsig.Key, error) {
	return f.key, nil
}
func (f *fixedKeyCache) Set(ctx context.Context, keyID string, key *httpsig.Key) error { return nil }

func signedRequest(t *testing.T, priv *rsa.PrivateKey, keyID string, activity map[string]interface{}) *http.Request {
	t.Helper()
	body, err := json.Marshal(activity)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/activity+json")
	require.NoError(t, httpsig.SignCavage(req, body, crypto.PrivateKey(priv), keyID, httpsig.CavageHeaders))
	return req
}

func TestServeHTTPDispatchesRegisteredHandler(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cache := &fixedKeyCache{key: &httpsig.Key{ID: "https://origin.example/users/bob#main-key", Owner: "https://origin.example/users/bob", Public: &priv.PublicKey}}

	l := New(cache, nil)
	received := make(chan *vocab.Object, 1)
	l.Handle("Follow", func(ctx context.Context, activity *vocab.Object, signer *httpsig.Key) error {
		received <- activity
		return nil
	})

	req := signedRequest(t, priv, cache.key.ID, map[string]interface{}{
		"id":     "https://origin.example/activities/1",
		"type":   "Follow",
		"actor":  "https://origin.example/users/bob",
		"object": "https://example.com/users/alice",
	})
	w := httptest.NewRecorder()
	l.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case act := <-received:
		require.Equal(t, "https://origin.example/activities/1", act.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestServeHTTPRejectsUnsignedWhenRequired(t *testing.T) {
	l := New(&fixedKeyCache{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader(`{"id":"x","type":"Follow"}`))
	w := httptest.NewRecorder()
	l.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProcessSkipsDuplicateActivity(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key := &httpsig.Key{ID: "https://origin.example/users/bob#main-key", Owner: "https://origin.example/users/bob", Public: &priv.PublicKey}

	store := kv.NewMemoryStore()
	l := New(&fixedKeyCache{key: key}, store)
	calls := 0
	l.Handle("Follow", func(ctx context.Context, activity *vocab.Object, signer *httpsig.Key) error {
		calls++
		return nil
	})

	activity := map[string]interface{}{
		"id":     "https://origin.example/activities/dup",
		"type":   "Follow",
		"actor":  "https://origin.example/users/bob",
		"object": "https://example.com/users/alice",
	}
	body, err := json.Marshal(activity)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.process(ctx, body, key, "/inbox"))
	require.NoError(t, l.process(ctx, body, key, "/inbox"))
	require.Equal(t, 1, calls)
}

func TestProcessIdempotenceIsScopedPerInbox(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key := &httpsig.Key{ID: "https://origin.example/users/bob#main-key", Owner: "https://origin.example/users/bob", Public: &priv.PublicKey}

	store := kv.NewMemoryStore()
	l := New(&fixedKeyCache{key: key}, store)
	calls := 0
	l.Handle("Follow", func(ctx context.Context, activity *vocab.Object, signer *httpsig.Key) error {
		calls++
		return nil
	})

	activity := map[string]interface{}{
		"id":     "https://origin.example/activities/shared-and-direct",
		"type":   "Follow",
		"actor":  "https://origin.example/users/bob",
		"object": "https://example.com/users/alice",
	}
	body, err := json.Marshal(activity)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.process(ctx, body, key, "/users/alice/inbox"))
	require.NoError(t, l.process(ctx, body, key, "/inbox"))
	require.Equal(t, 2, calls, "same activity id delivered to distinct inboxes should not be deduplicated against each other")
}

func TestProcessRejectsSpoofedActor(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key := &httpsig.Key{ID: "https://origin.example/users/bob#main-key", Owner: "https://origin.example/users/bob", Public: &priv.PublicKey}

	l := New(&fixedKeyCache{key: key}, nil)
	activity := map[string]interface{}{
		"id":     "https://other.example/activities/1",
		"type":   "Follow",
		"actor":  "https://other.example/users/eve",
		"object": "https://example.com/users/alice",
	}
	body, err := json.Marshal(activity)
	require.NoError(t, err)

	err = l.process(context.Background(), body, key, "/inbox")
	require.Error(t, err)
}
