package httpsig

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedKeyCache struct{ key *Key }

func (c fixedKeyCache) Get(ctx context.Context, keyID string) (*Key, error) { return c.key, nil }
func (c fixedKeyCache) Set(ctx context.Context, keyID string, key *Key) error {
	return nil
}

func newTestRequest(t *testing.T, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "https://example.com/inbox", bytes.NewReader(body))
	req.Header.Set("Host", "example.com")
	return req
}

func TestCavageSignVerifyRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	body := []byte(`{"type":"Create"}`)
	req := newTestRequest(t, body)
	req.Header.Set("Digest", DigestHeader(body))

	require.NoError(t, SignCavage(req, body, priv, "https://example.com/actor#main-key", CavageHeaders))

	cache := fixedKeyCache{key: &Key{ID: "https://example.com/actor#main-key", Public: &priv.PublicKey}}
	key, err := Verify(req, body, cache, VerifyOptions{})
	require.NoError(t, err)
	require.Equal(t, "https://example.com/actor#main-key", key.ID)
}

func TestCavageVerifyRejectsBadDigest(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	body := []byte(`{"type":"Create"}`)
	req := newTestRequest(t, body)
	require.NoError(t, SignCavage(req, body, priv, "https://example.com/actor#main-key", CavageHeaders))
	req.Header.Set("Digest", DigestHeader([]byte("tampered")))

	cache := fixedKeyCache{key: &Key{Public: &priv.PublicKey}}
	_, err = Verify(req, body, cache, VerifyOptions{})
	require.Error(t, err)
	var sigErr *SignatureError
	require.ErrorAs(t, err, &sigErr)
	require.Equal(t, ErrDigestMismatch, sigErr.Kind)
}

func TestCavageVerifyWindow(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	body := []byte(`{}`)
	req := newTestRequest(t, body)
	req.Header.Set("Digest", DigestHeader(body))
	require.NoError(t, SignCavage(req, body, priv, "kid", CavageHeaders))

	cache := fixedKeyCache{key: &Key{Public: &priv.PublicKey}}
	future := func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = Verify(req, body, cache, VerifyOptions{Now: future})
	require.Error(t, err)
	var sigErr *SignatureError
	require.ErrorAs(t, err, &sigErr)
	require.Equal(t, ErrWindowViolated, sigErr.Kind)
}

func TestRFC9421SignVerifyRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	body := []byte(`{"type":"Follow"}`)
	req := newTestRequest(t, body)

	components := []string{"@method", "@target-uri", "@authority"}
	require.NoError(t, SignRFC9421(req, body, priv, "https://remote.domain/users/bob#main-key", components))

	cache := fixedKeyCache{key: &Key{ID: "https://remote.domain/users/bob#main-key", Public: &priv.PublicKey}}
	key, err := Verify(req, body, cache, VerifyOptions{})
	require.NoError(t, err)
	require.Equal(t, "https://remote.domain/users/bob#main-key", key.ID)
}

func TestRFC9421VerifyRejectsTamperedDigest(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	body := []byte(`{"type":"Follow"}`)
	req := newTestRequest(t, body)
	require.NoError(t, SignRFC9421(req, body, priv, "kid", []string{"@method", "content-digest"}))

	cache := fixedKeyCache{key: &Key{Public: &priv.PublicKey}}
	_, err = Verify(req, []byte("different body"), cache, VerifyOptions{})
	require.Error(t, err)
}
