package httpsig

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/klppl/fedigo/docloader"
	"github.com/klppl/fedigo/kv"
)

// Key is a resolved signing key together with its controlling actor, the
// pair VerifyCavage/VerifyRFC9421's caller needs (spec.md §4.C5: "Returns
// the matched key object (public key + controlling actor) or null").
type Key struct {
	ID      string
	Owner   string
	Public  crypto.PublicKey
}

// KeyCache resolves a keyId (typically "<actorURL>#main-key") to a Key,
// fetching through a document loader on miss and writing the result back,
// per spec.md §4.C5(iii). Grounded on the teacher's inline
// FetchActor+parsePublicKeyPEM sequence in VerifySignature
// (internal/ap/client.go), generalized into an interface so callers can
// swap in a test double.
type KeyCache interface {
	Get(ctx context.Context, keyID string) (*Key, error)
	Set(ctx context.Context, keyID string, key *Key) error
}

// kvKeyPrefix is the §6 KV layout segment for cached public keys:
// [<prefix...>, "publicKey", <keyIdUrl>].
var kvKeyPrefix = []string{"publicKey"}

// KVKeyCache is the default KeyCache, backed by a kv.Store and a
// docloader.Loader for fetch-through misses.
type KVKeyCache struct {
	Store  kv.Store
	Loader *docloader.Loader
}

// NewKVKeyCache constructs a KVKeyCache.
func NewKVKeyCache(store kv.Store, loader *docloader.Loader) *KVKeyCache {
	return &KVKeyCache{Store: store, Loader: loader}
}

type storedKey struct {
	Owner string `json:"owner"`
	PEM   string `json:"pem"`
}

// Get resolves keyID, consulting the store first and falling back to
// fetching the owning actor document through the loader.
func (c *KVKeyCache) Get(ctx context.Context, keyID string) (*Key, error) {
	key := append(append([]string{}, kvKeyPrefix...), keyID)
	if raw, ok, err := c.Store.Get(ctx, key); err == nil && ok {
		var sk storedKey
		if err := json.Unmarshal(raw, &sk); err == nil {
			pub, perr := ParsePublicKeyPEM(sk.PEM)
			if perr == nil {
				return &Key{ID: keyID, Owner: sk.Owner, Public: pub}, nil
			}
		}
	}

	actorURL := keyID
	if i := strings.IndexByte(keyID, '#'); i >= 0 {
		actorURL = keyID[:i]
	}
	doc, err := c.Loader.Load(ctx, actorURL)
	if err != nil {
		return nil, fmt.Errorf("httpsig: fetch actor %q for key %q: %w", actorURL, keyID, err)
	}
	actor, ok := doc.Document.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("httpsig: actor document at %q is not a JSON object", actorURL)
	}
	pkMap, _ := actor["publicKey"].(map[string]interface{})
	if pkMap == nil {
		return nil, fmt.Errorf("httpsig: actor %q has no publicKey", actorURL)
	}
	pemStr, _ := pkMap["publicKeyPem"].(string)
	owner, _ := pkMap["owner"].(string)
	if owner == "" {
		owner = actorURL
	}
	pub, err := ParsePublicKeyPEM(pemStr)
	if err != nil {
		return nil, fmt.Errorf("httpsig: parse public key for %q: %w", keyID, err)
	}
	resolved := &Key{ID: keyID, Owner: owner, Public: pub}
	_ = c.Set(ctx, keyID, resolved)
	return resolved, nil
}

// Set writes a resolved key back to the store for future lookups. Per
// spec.md §5(iii), key-cache writes are write-through: no CAS required, a
// later loader may freely overwrite.
func (c *KVKeyCache) Set(ctx context.Context, keyID string, key *Key) error {
	pemStr, err := EncodePublicKeyPEM(key.Public)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(storedKey{Owner: key.Owner, PEM: pemStr})
	if err != nil {
		return err
	}
	kvKey := append(append([]string{}, kvKeyPrefix...), keyID)
	return c.Store.Set(ctx, kvKey, raw, kv.SetOptions{})
}

// ParsePublicKeyPEM decodes a PEM-encoded RSA or Ed25519 public key, as
// carried in an actor's publicKey.publicKeyPem. Generalizes the teacher's
// parsePublicKeyPEM/parsePublicKey (internal/ap/client.go, internal/ap/crypto.go).
func ParsePublicKeyPEM(pemStr string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("httpsig: invalid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("httpsig: parse PKIX public key: %w", err)
	}
	switch pub.(type) {
	case *rsa.PublicKey:
		if pub.(*rsa.PublicKey).N.BitLen() < 2048 {
			return nil, fmt.Errorf("httpsig: RSA key smaller than minimum 2048 bits")
		}
		return pub, nil
	default:
		// Ed25519 keys also decode through ParsePKIXPublicKey as
		// ed25519.PublicKey; any other key type is rejected by the
		// caller's type switch on use.
		return pub, nil
	}
}

// EncodePublicKeyPEM is the inverse of ParsePublicKeyPEM, used when
// persisting a resolved key back to the KeyCache.
func EncodePublicKeyPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("httpsig: marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
