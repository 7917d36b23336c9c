package federation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klppl/fedigo/delivery"
	"github.com/klppl/fedigo/queue"
	"github.com/klppl/fedigo/router"
	"github.com/klppl/fedigo/uritemplate"
	"github.com/klppl/fedigo/vocab"
	"github.com/stretchr/testify/require"
)

func TestBuildServesRegisteredRoute(t *testing.T) {
	b := NewBuilder()
	b.Route(&router.Route{
		Name:     "actor",
		Template: uritemplate.MustParse("/users/{identifier}"),
		Dispatch: func(ctx context.Context, r *http.Request, vars uritemplate.Values) (*vocab.Object, error) {
			return vocab.NewObject("https://fedi.example/users/"+vars["identifier"].(string), "Person"), nil
		},
	})
	fed := b.Build("fedi.example")

	req := httptest.NewRequest(http.MethodGet, "/users/alice", nil)
	req.Host = "fedi.example"
	req.Header.Set("Accept", "application/activity+json")
	w := httptest.NewRecorder()
	fed.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "https://fedi.example/users/alice")
}

func TestURIForReverseBuildsRegisteredRoute(t *testing.T) {
	b := NewBuilder()
	b.Route(&router.Route{Name: "inbox", Template: uritemplate.MustParse("/users/{identifier}/inbox")})
	fed := b.Build("fedi.example")

	got, err := fed.URIFor("inbox", uritemplate.Values{"identifier": "alice"})
	require.NoError(t, err)
	require.Equal(t, "https://fedi.example/users/alice/inbox", got)

	_, err = fed.URIFor("missing", uritemplate.Values{})
	require.Error(t, err)
}

func TestContextURLBuildersMatchRegisteredRoutes(t *testing.T) {
	b := NewBuilder()
	b.Route(&router.Route{Name: "actor", Template: uritemplate.MustParse("/users/{identifier}")})
	b.Route(&router.Route{Name: "inbox", Template: uritemplate.MustParse("/users/{identifier}/inbox")})
	b.Route(&router.Route{Name: "outbox", Template: uritemplate.MustParse("/users/{identifier}/outbox")})
	fed := b.Build("fedi.example")

	ctx := fed.CreateContext("https://fedi.example", nil)
	actorURI, err := ctx.GetActorURI("alice")
	require.NoError(t, err)
	require.Equal(t, "https://fedi.example/users/alice", actorURI)

	inboxURI, err := ctx.GetInboxURI("alice")
	require.NoError(t, err)
	require.Equal(t, "https://fedi.example/users/alice/inbox", inboxURI)
}

func TestContextSendActivityRequiresPipeline(t *testing.T) {
	b := NewBuilder()
	fed := b.Build("fedi.example")
	ctx := fed.CreateContext("https://fedi.example", nil)

	err := ctx.SendActivity(context.Background(), "https://fedi.example/users/alice", vocab.NewObject("https://fedi.example/activities/1", "Follow"), delivery.DefaultSendOptions)
	require.Error(t, err)
}

func TestContextSendActivityDelegatesToPipeline(t *testing.T) {
	b := NewBuilder()
	q := queue.NewMemoryQueue(4)
	p := delivery.New(q, nil, nil, nil)
	b.DeliveryPipeline(p, q)
	fed := b.Build("fedi.example")

	ctx := fed.CreateContext("https://fedi.example", nil)
	activity := vocab.NewObject("https://fedi.example/activities/1", "Follow")
	require.NoError(t, ctx.SendActivity(context.Background(), "https://fedi.example/users/alice", activity, delivery.DefaultSendOptions))
}
