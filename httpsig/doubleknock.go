package httpsig

import (
	"bytes"
	"context"
	"crypto"
	"io"
	"net/http"
	"net/url"

	"github.com/klppl/fedigo/kv"
)

// SpecDeterminer remembers, per remote origin, which signature suite last
// succeeded — the double-knocking memory spec.md §4.C5 describes. §8's
// open question on invalidation is resolved as "no invalidation on a later
// 401": the stored preference is last-writer-wins on success only.
type SpecDeterminer interface {
	Get(ctx context.Context, origin string) (Suite, bool, error)
	Remember(ctx context.Context, origin string, suite Suite) error
}

// kvSpecPrefix is the §6 KV layout segment: [<prefix...>, "httpSigSpec", <origin>].
var kvSpecPrefix = []string{"httpSigSpec"}

// KVSpecDeterminer is the default SpecDeterminer, backed by a kv.Store.
type KVSpecDeterminer struct{ Store kv.Store }

func NewKVSpecDeterminer(store kv.Store) *KVSpecDeterminer { return &KVSpecDeterminer{Store: store} }

func (d *KVSpecDeterminer) Get(ctx context.Context, origin string) (Suite, bool, error) {
	key := append(append([]string{}, kvSpecPrefix...), origin)
	raw, ok, err := d.Store.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	return Suite(raw), true, nil
}

func (d *KVSpecDeterminer) Remember(ctx context.Context, origin string, suite Suite) error {
	key := append(append([]string{}, kvSpecPrefix...), origin)
	return d.Store.Set(ctx, key, []byte(suite), kv.SetOptions{})
}

// DoubleKnocker implements the negotiation of spec.md §4.C5: try the
// remembered (or configured default) suite first; on 401/403/400 retry once
// with the other suite and remember the winner for next time.
type DoubleKnocker struct {
	Determiner SpecDeterminer
	// FirstKnock is tried when no preference is remembered for the origin.
	// Defaults to SuiteRFC9421 per spec.md §4.C5.
	FirstKnock Suite
}

// NewDoubleKnocker constructs a DoubleKnocker with the spec's default first
// knock (RFC 9421).
func NewDoubleKnocker(determiner SpecDeterminer) *DoubleKnocker {
	return &DoubleKnocker{Determiner: determiner, FirstKnock: SuiteRFC9421}
}

// Signer signs an *http.Request with a given body under the named suite.
type Signer func(req *http.Request, body []byte, key crypto.PrivateKey, keyID string) error

// Send signs and sends req (cloning it per attempt, since a consumed body
// cannot be replayed), trying the remembered/default suite first and
// falling back to the other suite once on 401/403/400.
func (k *DoubleKnocker) Send(ctx context.Context, client *http.Client, req *http.Request, body []byte, key crypto.PrivateKey, keyID string, signers map[Suite]Signer) (*http.Response, Suite, error) {
	origin := originOf(req.URL)

	first := k.FirstKnock
	if remembered, ok, err := k.Determiner.Get(ctx, origin); err == nil && ok {
		first = remembered
	}
	second := other(first)

	resp, err := k.attempt(req, body, key, keyID, signers[first], client)
	if err == nil && !isKnockRejected(resp) {
		_ = k.Determiner.Remember(ctx, origin, first)
		return resp, first, nil
	}
	if resp != nil {
		resp.Body.Close()
	}

	resp, err = k.attempt(req, body, key, keyID, signers[second], client)
	if err != nil {
		return nil, "", err
	}
	if !isKnockRejected(resp) {
		_ = k.Determiner.Remember(ctx, origin, second)
	}
	return resp, second, nil
}

func (k *DoubleKnocker) attempt(req *http.Request, body []byte, key crypto.PrivateKey, keyID string, sign Signer, client *http.Client) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header = req.Header.Clone()
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.ContentLength = int64(len(body))
	}
	if err := sign(clone, body, key, keyID); err != nil {
		return nil, err
	}
	return client.Do(clone)
}

func isKnockRejected(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest:
		return true
	}
	return false
}

func other(s Suite) Suite {
	if s == SuiteRFC9421 {
		return SuiteCavage
	}
	return SuiteRFC9421
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
