package docloader

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/klppl/fedigo/kv"
)

// Rule selects a TTL for URLs matching Matcher. Matcher is either an exact
// string, an absolute URL, or a "*"-glob pattern matched against the full
// URL; the first matching Rule in declaration order wins. TTL is capped at
// 30 days, matching the KV entry lifetime the rest of the system assumes.
type Rule struct {
	Matcher string
	TTL     time.Duration
}

const maxCacheTTL = 30 * 24 * time.Hour

func (r Rule) matches(u string) bool {
	if r.Matcher == u {
		return true
	}
	if !strings.Contains(r.Matcher, "*") {
		return false
	}
	prefix, suffix, ok := strings.Cut(r.Matcher, "*")
	if !ok {
		return false
	}
	return strings.HasPrefix(u, prefix) && strings.HasSuffix(u, suffix)
}

// Cache wraps a Loader with a kv.Store-backed cache. Failure policy: any KV
// error is treated as a cache miss and logged, never surfaced to the caller
// — the document loader's job is to return documents, and a broken cache
// backend must not turn into fetch failures.
type Cache struct {
	loader *Loader
	store  kv.Store
	prefix kv.Key
	rules  []Rule
}

// NewCache constructs a caching loader. prefix namespaces cache entries
// (e.g. []string{"_fedigo", "remoteDocument"}); rules are walked in order,
// first match wins; no match means the URL is fetched but never cached.
func NewCache(loader *Loader, store kv.Store, prefix kv.Key, rules []Rule) *Cache {
	return &Cache{loader: loader, store: store, prefix: prefix, rules: rules}
}

type cachedDocument struct {
	DocumentURL string      `json:"documentUrl"`
	ContextURL  string      `json:"contextUrl"`
	Document    interface{} `json:"document"`
}

func (c *Cache) ttlFor(u string) (time.Duration, bool) {
	for _, r := range c.rules {
		if r.matches(u) {
			ttl := r.TTL
			if ttl > maxCacheTTL {
				ttl = maxCacheTTL
			}
			return ttl, true
		}
	}
	return 0, false
}

func (c *Cache) key(u string) kv.Key {
	k := make(kv.Key, 0, len(c.prefix)+1)
	k = append(k, c.prefix...)
	k = append(k, u)
	return k
}

// Load returns the preloaded context for url if bundled; otherwise consults
// the cache, falling back to the underlying Loader on a miss and writing
// the result back per the matching Rule's TTL (or not caching at all if no
// rule matches).
func (c *Cache) Load(ctx context.Context, rawURL string) (*RemoteDocument, error) {
	if doc, ok := preloaded(rawURL); ok {
		return doc, nil
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, &UrlError{URL: rawURL, Reason: "unparseable url"}
	}

	key := c.key(rawURL)
	if raw, found, err := c.store.Get(ctx, key); err != nil {
		slog.Warn("docloader cache get failed, treating as miss", "url", rawURL, "error", err)
	} else if found {
		var cd cachedDocument
		if err := json.Unmarshal(raw, &cd); err == nil {
			return &RemoteDocument{DocumentURL: cd.DocumentURL, ContextURL: cd.ContextURL, Document: cd.Document}, nil
		}
		slog.Warn("docloader cache entry corrupt, treating as miss", "url", rawURL)
	}

	doc, err := c.loader.Load(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if ttl, ok := c.ttlFor(rawURL); ok {
		raw, err := json.Marshal(cachedDocument{DocumentURL: doc.DocumentURL, ContextURL: doc.ContextURL, Document: doc.Document})
		if err != nil {
			slog.Warn("docloader cache marshal failed, not caching", "url", rawURL, "error", err)
		} else if err := c.store.Set(ctx, key, raw, kv.SetOptions{TTL: ttl}); err != nil {
			slog.Warn("docloader cache set failed", "url", rawURL, "error", err)
		}
	}
	return doc, nil
}
