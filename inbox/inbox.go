// Package inbox implements C9: verifying, deduplicating, and dispatching
// inbound activities. It generalizes the teacher's handleInbox/APHandler
// pair (internal/server/server.go, internal/ap/handler.go) — a fixed
// type-switch over Follow/Create/Announce/... bridging to Nostr — into a
// registry callers populate with their own activity-type handlers, plus
// the teacher's concurrency-limiting and idempotence concerns.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klppl/fedigo/httpsig"
	"github.com/klppl/fedigo/kv"
	"github.com/klppl/fedigo/vocab"
)

// idempotenceTTL is how long a processed activity ID is remembered, so a
// redelivered activity (the sender retrying after a dropped 202) is not
// reprocessed. Spec.md §4.C9 requires "at least a week".
const idempotenceTTL = 7 * 24 * time.Hour

// maxBodyBytes caps the inbox request body, matching the teacher's
// handleInbox 1MB io.LimitReader.
const maxBodyBytes = 1 << 20

const (
	maxGlobalConcurrency   = 50
	maxPerOriginConcurrency = 5
)

// HandlerFunc processes one verified, deduplicated activity. The Key
// argument is the verified signer, so handlers can check it against the
// activity's actor for spoofing themselves if they need finer control than
// Listener's default same-origin check.
type HandlerFunc func(ctx context.Context, activity *vocab.Object, signer *httpsig.Key) error

// registration pairs a type name with its handler. TypeID match is exact:
// a handler runs only for activities whose type equals its registered
// name, and there is no fallback from a subtype to a supertype handler.
type registration struct {
	typeID  string
	handler HandlerFunc
}

// Listener verifies, deduplicates, and dispatches inbound activities
// delivered to an ActivityPub inbox endpoint.
type Listener struct {
	KeyCache   httpsig.KeyCache
	Idempotent kv.Store
	// OnError is invoked (if set) whenever verification or dispatch fails,
	// receiving the raw body for diagging or re-enqueue via a retry queue.
	OnError func(ctx context.Context, body []byte, err error)
	// RequireSignature, if true, rejects unsigned requests. New sets it to
	// true; the zero value of the field is false.
	RequireSignature bool
	VerifyWindow     time.Duration

	mu            sync.Mutex
	registrations []registration

	limMu       sync.Mutex
	originCount map[string]int
	globalSem   chan struct{}
}

// New constructs a Listener. keyCache resolves signer public keys (C5);
// idempotent stores processed activity IDs (C2).
func New(keyCache httpsig.KeyCache, idempotent kv.Store) *Listener {
	return &Listener{
		KeyCache:         keyCache,
		Idempotent:       idempotent,
		RequireSignature: true,
		VerifyWindow:     time.Hour,
		originCount:      map[string]int{},
		globalSem:        make(chan struct{}, maxGlobalConcurrency),
	}
}

// Handle registers handler for activities whose type equals typeID.
func (l *Listener) Handle(typeID string, handler HandlerFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registrations = append(l.registrations, registration{typeID: typeID, handler: handler})
	sort.SliceStable(l.registrations, func(i, j int) bool {
		return len(l.registrations[i].typeID) > len(l.registrations[j].typeID)
	})
}

func (l *Listener) handlerFor(typeID string) HandlerFunc {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.registrations {
		if r.typeID == typeID {
			return r.handler
		}
	}
	return nil
}

// acquire mirrors the teacher's inboxLimiter: a per-origin cap nested
// inside a global semaphore, so one noisy origin cannot starve the rest.
func (l *Listener) acquire(origin string) bool {
	l.limMu.Lock()
	if l.originCount[origin] >= maxPerOriginConcurrency {
		l.limMu.Unlock()
		return false
	}
	l.originCount[origin]++
	l.limMu.Unlock()

	select {
	case l.globalSem <- struct{}{}:
		return true
	default:
		l.release(origin)
		return false
	}
}

func (l *Listener) release(origin string) {
	l.limMu.Lock()
	if l.originCount[origin] > 0 {
		l.originCount[origin]--
	}
	if l.originCount[origin] == 0 {
		delete(l.originCount, origin)
	}
	l.limMu.Unlock()
	select {
	case <-l.globalSem:
	default:
	}
}

// ServeHTTP implements the full §4.C9 pipeline: verify, check origin
// spoofing, dedupe, dispatch — responding 202 immediately and processing
// asynchronously, matching the teacher's handleInbox.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var key *httpsig.Key
	if l.RequireSignature {
		k, err := httpsig.Verify(r, body, l.KeyCache, httpsig.VerifyOptions{Window: l.VerifyWindow})
		if err != nil {
			slog.Warn("inbox: signature verification failed", "error", err, "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		key = k
	}

	origin := originOf(key, r.RemoteAddr)
	if !l.acquire(origin) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	// inboxID distinguishes the per-actor inbox this activity was POSTed to
	// from the shared inbox (or another actor's), so idempotence (§4.C9
	// step 3 / §6's [..., "inboxIdempotence", <inboxId>, <activityId>] KV
	// layout) is scoped per inbox rather than globally per activity id.
	inboxID := r.URL.Path

	go func() {
		defer l.release(origin)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := l.process(ctx, body, key, inboxID); err != nil {
			slog.Warn("inbox: failed to process activity", "error", err)
			if l.OnError != nil {
				l.OnError(ctx, body, err)
			}
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (l *Listener) process(ctx context.Context, body []byte, signer *httpsig.Key, inboxID string) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("inbox: decode activity: %w", err)
	}
	activity, err := vocab.FromJSONLD(raw)
	if err != nil {
		return fmt.Errorf("inbox: parse activity: %w", err)
	}
	if activity.ID == "" {
		return fmt.Errorf("inbox: activity has no id")
	}

	act := vocab.NewActivity(activity)
	if signer != nil {
		actorID := act.ActorID()
		if actorID != "" && !sameOrigin(actorID, signer.Owner) {
			return fmt.Errorf("inbox: actor %q origin does not match signing key owner %q", actorID, signer.Owner)
		}
	}

	dup, err := l.checkAndRememberIdempotence(ctx, inboxID, activity.ID)
	if err != nil {
		return fmt.Errorf("inbox: idempotence check: %w", err)
	}
	if dup {
		slog.Debug("inbox: duplicate activity ignored", "id", activity.ID)
		return nil
	}

	handler := l.handlerFor(activity.TypeID)
	if handler == nil {
		slog.Debug("inbox: no handler registered for activity type", "type", activity.TypeID)
		return nil
	}
	return handler(ctx, activity, signer)
}

func (l *Listener) checkAndRememberIdempotence(ctx context.Context, inboxID, activityID string) (bool, error) {
	if l.Idempotent == nil {
		return false, nil
	}
	key := kv.Key{"inboxIdempotence", inboxID, activityID}
	ok, err := l.Idempotent.CAS(ctx, key, nil, []byte("1"), kv.SetOptions{TTL: idempotenceTTL})
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func originOf(key *httpsig.Key, remoteAddr string) string {
	if key != nil && key.Owner != "" {
		if u, err := url.Parse(key.Owner); err == nil && u.Host != "" {
			return u.Host
		}
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func sameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}
