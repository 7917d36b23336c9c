// Package delivery implements C10: fanning an outbound activity out to its
// recipients' inboxes, deduplicating by shared inbox, and delivering each
// with a signed, retried POST. It generalizes the teacher's
// internal/ap/federation.go Federator (collectRecipients/resolveInboxes/
// extractOrigin) and internal/ap/client.go's DeliverActivity from a single
// synchronous fan-out bound to one local actor into a two-stage,
// queue-backed pipeline any number of local actors can use.
package delivery

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klppl/fedigo/httpsig"
	"github.com/klppl/fedigo/queue"
	"github.com/klppl/fedigo/vocab"
)

// publicURI is the ActivityStreams public collection, excluded from
// per-recipient inbox delivery since it names no addressable inbox.
const publicURI = "https://www.w3.org/ns/activitystreams#Public"

// Sender signs and sends a single delivery attempt. A fresh implementation
// (httpsig.DoubleKnocker, or a hand-wired SignCavage/SignRFC9421 call) may
// be supplied; Pipeline does not pick a suite itself.
type Sender interface {
	Send(ctx context.Context, req *http.Request, body []byte) (*http.Response, error)
}

// KeyProvider resolves the actor doing the delivery to a signing key.
type KeyProvider interface {
	// SigningKey returns the private key and key ID to sign deliveries
	// from actorID with.
	SigningKey(ctx context.Context, actorID string) (key crypto.PrivateKey, keyID string, err error)
}

// InboxResolver fetches the inbox (and shared inbox, if any) for a
// recipient actor ID, generalizing Federator.resolveInboxes's per-actor
// fetch loop.
type InboxResolver interface {
	ResolveInbox(ctx context.Context, actorID string) (inbox, sharedInbox string, err error)
}

// FollowersExpander expands a followers-collection URL into member actor
// IDs, generalizing Federator.collectRecipients's GetFollowers hook.
type FollowersExpander interface {
	ExpandFollowers(ctx context.Context, followersURL string) ([]string, error)
}

// RetryPolicy controls how many times, and with what spacing, a failed
// per-recipient delivery is retried before being abandoned.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches spec.md §4.C10: exponential backoff capped at
// 12 hours, abandoned after 10 attempts.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 10, BaseDelay: 30 * time.Second, MaxDelay: 12 * time.Hour}

// NextDelay returns the backoff before attempt (1-indexed) retries.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// IsTerminal reports whether an HTTP status makes retrying pointless —
// any 4xx except 408 Request Timeout and 429 Too Many Requests, per
// spec.md §4.C10's edge case list.
func IsTerminal(status int) bool {
	if status < 400 || status >= 500 {
		return false
	}
	return status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

// Pipeline fans an activity out to recipients and delivers it, using
// queue.Queue for the two-stage fan-out-task/outbox-task split spec.md
// §4.C10 requires so a crash between resolving recipients and delivering
// to all of them does not lose delivery to the ones not yet attempted.
type Pipeline struct {
	Queue     queue.Queue
	Keys      KeyProvider
	Inboxes   InboxResolver
	Followers FollowersExpander
	Client    *http.Client
	UserAgent string
	Retry     RetryPolicy
}

// New constructs a Pipeline with spec.md's default retry policy.
func New(q queue.Queue, keys KeyProvider, inboxes InboxResolver, followers FollowersExpander) *Pipeline {
	return &Pipeline{
		Queue:     q,
		Keys:      keys,
		Inboxes:   inboxes,
		Followers: followers,
		Client:    &http.Client{Timeout: 15 * time.Second},
		UserAgent: "fedigo/1.0 (+https://github.com/klppl/fedigo)",
		Retry:     DefaultRetryPolicy,
	}
}

// SendOptions controls per-send delivery behavior, spec.md §4.C10 step 1's
// "opts" parameter to context.sendActivity.
type SendOptions struct {
	// PreferSharedInbox delivers to a recipient's endpoints.sharedInbox
	// instead of its own inbox when the actor advertises one.
	PreferSharedInbox bool
}

// DefaultSendOptions prefers shared-inbox delivery, the common case for
// federated software that wants to avoid one fan-out POST per follower on
// the same remote server.
var DefaultSendOptions = SendOptions{PreferSharedInbox: true}

// fanOutTask is the first-stage queue payload: an activity plus its
// sender, awaiting recipient resolution.
type fanOutTask struct {
	ActorID           string          `json:"actorId"`
	Activity          json.RawMessage `json:"activity"`
	PreferSharedInbox bool            `json:"preferSharedInbox"`
}

// outboxTask is the second-stage queue payload: one resolved inbox to
// deliver to.
type outboxTask struct {
	ActorID  string          `json:"actorId"`
	Inbox    string          `json:"inbox"`
	Activity json.RawMessage `json:"activity"`
}

// SendActivity enqueues activity (sent as actorID) for fan-out delivery to
// its to/cc/bcc recipients (and any bcc/bto, stripped from the delivered
// copy per spec.md's privacy edge case), honoring opts.PreferSharedInbox
// per spec.md §4.C10 step 1.
func (p *Pipeline) SendActivity(ctx context.Context, actorID string, activity *vocab.Object, opts SendOptions) error {
	doc, err := activity.ToJSONLD(vocab.ModeCompact)
	if err != nil {
		return fmt.Errorf("delivery: serialize activity: %w", err)
	}
	delete(doc, "bto")
	delete(doc, "bcc")
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("delivery: marshal activity: %w", err)
	}

	task := fanOutTask{ActorID: actorID, Activity: body, PreferSharedInbox: opts.PreferSharedInbox}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("delivery: marshal fan-out task: %w", err)
	}
	_, err = p.Queue.Enqueue(ctx, payload, 0)
	return err
}

// HandleFanOut is the queue.HandlerFunc for first-stage tasks: it resolves
// recipients to inboxes (deduplicating by shared inbox per origin, like
// Federator.resolveInboxes) and enqueues one outboxTask per distinct
// inbox.
func (p *Pipeline) HandleFanOut(ctx context.Context, msg queue.Message) error {
	var task fanOutTask
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return fmt.Errorf("delivery: decode fan-out task: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(task.Activity, &raw); err != nil {
		return fmt.Errorf("delivery: decode activity: %w", err)
	}
	obj, err := vocab.FromJSONLD(raw)
	if err != nil {
		return fmt.Errorf("delivery: parse activity: %w", err)
	}
	act := vocab.NewActivity(obj)

	recipients := p.collectRecipients(ctx, task.ActorID, act)
	inboxes := p.resolveInboxes(ctx, recipients, task.PreferSharedInbox)
	if len(inboxes) == 0 {
		slog.Debug("delivery: no inboxes to deliver to", "activity", obj.ID)
		return nil
	}

	payloads := make([]json.RawMessage, 0, len(inboxes))
	for inbox := range inboxes {
		ot := outboxTask{ActorID: task.ActorID, Inbox: inbox, Activity: task.Activity}
		pb, err := json.Marshal(ot)
		if err != nil {
			return fmt.Errorf("delivery: marshal outbox task: %w", err)
		}
		payloads = append(payloads, pb)
	}
	_, err = p.Queue.EnqueueMany(ctx, payloads, 0)
	return err
}

// Handle is the single queue.HandlerFunc a caller (federation.Federation's
// Start) registers with its queue: it sniffs which of the two task shapes
// msg carries and dispatches to HandleFanOut or HandleOutbox accordingly,
// so both task kinds can share one queue and one Listen loop.
func (p *Pipeline) Handle(ctx context.Context, msg queue.Message) error {
	var probe struct {
		Inbox string `json:"inbox"`
	}
	if err := json.Unmarshal(msg.Payload, &probe); err != nil {
		return fmt.Errorf("delivery: decode task: %w", err)
	}
	if probe.Inbox != "" {
		return p.HandleOutbox(ctx, msg)
	}
	return p.HandleFanOut(ctx, msg)
}

// collectRecipients gathers to/cc/bto/bcc/audience from the activity,
// expanding any followers-collection URL, matching
// Federator.collectRecipients.
func (p *Pipeline) collectRecipients(ctx context.Context, actorID string, act vocab.Activity) map[string]struct{} {
	recipients := map[string]struct{}{}
	for _, id := range act.Recipients() {
		if id != "" && id != publicURI {
			recipients[id] = struct{}{}
		}
	}

	followersURL := strings.TrimSuffix(actorID, "/") + "/followers"
	if _, ok := recipients[followersURL]; ok {
		delete(recipients, followersURL)
		if p.Followers != nil {
			members, err := p.Followers.ExpandFollowers(ctx, followersURL)
			if err != nil {
				slog.Warn("delivery: failed to expand followers", "actor", actorID, "error", err)
			}
			for _, m := range members {
				recipients[m] = struct{}{}
			}
		}
	}
	return recipients
}

// resolveInboxes converts recipient actor IDs into a deduplicated inbox
// set. When preferShared is true, each origin's shared inbox is used (and
// deduplicated) in place of per-actor inboxes; otherwise every recipient's
// own inbox is used regardless of a shared inbox being advertised — spec.md
// §4.C10 step 1's "otherwise use inbox" gate, matching
// Federator.resolveInboxes/extractOrigin when shared-inbox is in play.
func (p *Pipeline) resolveInboxes(ctx context.Context, recipients map[string]struct{}, preferShared bool) map[string]struct{} {
	inboxes := map[string]struct{}{}
	sharedSeen := map[string]struct{}{}

	for recipientID := range recipients {
		inbox, shared, err := p.Inboxes.ResolveInbox(ctx, recipientID)
		if err != nil {
			slog.Debug("delivery: failed to resolve inbox", "actor", recipientID, "error", err)
			continue
		}
		if preferShared && shared != "" {
			origin := originOf(shared)
			if _, already := sharedSeen[origin]; already {
				continue
			}
			sharedSeen[origin] = struct{}{}
			inboxes[shared] = struct{}{}
			continue
		}
		if inbox != "" {
			inboxes[inbox] = struct{}{}
		}
	}
	return inboxes
}

// HandleOutbox is the queue.HandlerFunc for second-stage tasks: it signs
// and POSTs the activity to one inbox, generalizing DeliverActivity. A
// failed delivery is wrapped in a *queue.RetryError carrying p.Retry's
// exponential-backoff delay for the next attempt, or Abandon once
// p.Retry.MaxAttempts is reached, so the queue's Listen loop applies
// spec.md §4.C10's retry policy instead of its own default backoff.
func (p *Pipeline) HandleOutbox(ctx context.Context, msg queue.Message) error {
	var task outboxTask
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return fmt.Errorf("delivery: decode outbox task: %w", err)
	}

	key, keyID, err := p.Keys.SigningKey(ctx, task.ActorID)
	if err != nil {
		return fmt.Errorf("delivery: resolve signing key for %q: %w", task.ActorID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.Inbox, bytes.NewReader(task.Activity))
	if err != nil {
		return fmt.Errorf("delivery: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", p.UserAgent)

	if err := httpsig.SignCavage(req, task.Activity, key, keyID, httpsig.CavageHeaders); err != nil {
		return fmt.Errorf("delivery: sign request: %w", err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return p.retryOrAbandon(msg.Attempt, fmt.Errorf("delivery: deliver to %s: %w", task.Inbox, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if IsTerminal(resp.StatusCode) {
			slog.Warn("delivery: terminal failure, abandoning", "inbox", task.Inbox, "status", resp.StatusCode)
			return nil
		}
		return p.retryOrAbandon(msg.Attempt, fmt.Errorf("delivery: %s: HTTP %d", task.Inbox, resp.StatusCode))
	}

	slog.Debug("delivery: delivered activity", "inbox", task.Inbox, "status", resp.StatusCode)
	return nil
}

// retryOrAbandon applies p.Retry to a failed delivery attempt: once the
// next attempt would exceed MaxAttempts, the message is abandoned; otherwise
// it is retried after NextDelay, per spec.md §4.C10's "exponential backoff
// ... capped at 12 hours, with up to 10 attempts" policy.
func (p *Pipeline) retryOrAbandon(attempt int, err error) error {
	next := attempt + 1
	if next > p.Retry.MaxAttempts {
		slog.Warn("delivery: abandoning after max attempts", "attempts", attempt, "error", err)
		return &queue.RetryError{Err: err, Abandon: true}
	}
	return &queue.RetryError{Err: err, Delay: p.Retry.NextDelay(next)}
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}
