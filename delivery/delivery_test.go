package delivery

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klppl/fedigo/queue"
	"github.com/klppl/fedigo/vocab"
	"github.com/stretchr/testify/require"
)

type fakeKeyProvider struct {
	key   *rsa.PrivateKey
	keyID string
}

func (f fakeKeyProvider) SigningKey(ctx context.Context, actorID string) (crypto.PrivateKey, string, error) {
	return f.key, f.keyID, nil
}

type fakeInboxResolver struct {
	inboxes map[string]string
	shared  map[string]string
}

func (f fakeInboxResolver) ResolveInbox(ctx context.Context, actorID string) (string, string, error) {
	return f.inboxes[actorID], f.shared[actorID], nil
}

type fakeFollowers struct{ members []string }

func (f fakeFollowers) ExpandFollowers(ctx context.Context, url string) ([]string, error) {
	return f.members, nil
}

func newFollowActivity(actorID, objectID string) *vocab.Object {
	o := vocab.NewObject("https://example.com/activities/1", "Follow")
	o.SetFunctional("actor", vocab.RefURL(actorID))
	o.SetFunctional("object", vocab.RefURL(objectID))
	o.AppendNonFunctional("to", vocab.RefURL(objectID))
	return o
}

func TestHandleFanOutEnqueuesOneOutboxTaskPerInbox(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(8)
	resolver := fakeInboxResolver{
		inboxes: map[string]string{"https://remote.example/users/bob": "https://remote.example/users/bob/inbox"},
	}
	p := New(q, nil, resolver, fakeFollowers{})

	activity := newFollowActivity("https://example.com/users/alice", "https://remote.example/users/bob")
	doc, err := activity.ToJSONLD(vocab.ModeCompact)
	require.NoError(t, err)
	body, err := json.Marshal(doc)
	require.NoError(t, err)

	msg := queue.Message{Payload: mustMarshal(t, fanOutTask{ActorID: "https://example.com/users/alice", Activity: body})}
	require.NoError(t, p.HandleFanOut(ctx, msg))

	listenCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	received := make(chan outboxTask, 1)
	go q.Listen(listenCtx, func(ctx context.Context, msg queue.Message) error {
		var ot outboxTask
		if err := json.Unmarshal(msg.Payload, &ot); err == nil {
			received <- ot
		}
		return nil
	})

	select {
	case ot := <-received:
		require.Equal(t, "https://remote.example/users/bob/inbox", ot.Inbox)
	case <-time.After(time.Second):
		t.Fatal("expected an outbox task to be enqueued")
	}
}

func TestHandleOutboxSignsAndDelivers(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var gotSignature string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("Signature")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	q := queue.NewMemoryQueue(1)
	p := New(q, fakeKeyProvider{key: priv, keyID: "https://example.com/users/alice#main-key"}, fakeInboxResolver{}, fakeFollowers{})

	task := outboxTask{ActorID: "https://example.com/users/alice", Inbox: ts.URL, Activity: json.RawMessage(`{"type":"Follow"}`)}
	msg := queue.Message{Payload: mustMarshal(t, task)}

	require.NoError(t, p.HandleOutbox(context.Background(), msg))
	require.NotEmpty(t, gotSignature)
}

func TestIsTerminalExcludesRetryableStatuses(t *testing.T) {
	require.True(t, IsTerminal(http.StatusBadRequest))
	require.True(t, IsTerminal(http.StatusForbidden))
	require.False(t, IsTerminal(http.StatusRequestTimeout))
	require.False(t, IsTerminal(http.StatusTooManyRequests))
	require.False(t, IsTerminal(http.StatusInternalServerError))
}

func TestRetryPolicyNextDelayCapsAtMax(t *testing.T) {
	p := DefaultRetryPolicy
	require.Equal(t, p.BaseDelay, p.NextDelay(1))
	require.True(t, p.NextDelay(20) <= p.MaxDelay)
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
