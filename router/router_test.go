package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klppl/fedigo/uritemplate"
	"github.com/klppl/fedigo/vocab"
	"github.com/stretchr/testify/require"
)

func newActorObject(id string) *vocab.Object {
	return vocab.NewObject(id, "Person")
}

func TestDispatchRendersCompactJSONLD(t *testing.T) {
	rt := New()
	rt.Register(&Route{
		Name:     "actor",
		Template: uritemplate.MustParse("/users/{username}"),
		Dispatch: func(ctx context.Context, r *http.Request, vars uritemplate.Values) (*vocab.Object, error) {
			require.Equal(t, "alice", vars["username"])
			return newActorObject("https://example.com/users/alice"), nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/users/alice", nil)
	req.Header.Set("Accept", "application/activity+json")
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/activity+json", w.Header().Get("Content-Type"))
	require.Contains(t, w.Body.String(), "https://example.com/users/alice")
}

func TestDispatchNotAcceptableForUnsupportedAccept(t *testing.T) {
	rt := New()
	rt.Register(&Route{
		Name:     "actor",
		Template: uritemplate.MustParse("/users/{username}"),
		Dispatch: func(ctx context.Context, r *http.Request, vars uritemplate.Values) (*vocab.Object, error) {
			return newActorObject("https://example.com/users/alice"), nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/users/alice", nil)
	req.Header.Set("Accept", "text/plain")
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotAcceptable, w.Code)
}

func TestDispatchUnauthorizedWhenAuthorizeFails(t *testing.T) {
	rt := New()
	rt.Register(&Route{
		Name:     "actor",
		Template: uritemplate.MustParse("/users/{username}"),
		Authorize: func(r *http.Request, vars uritemplate.Values) bool {
			return false
		},
		Dispatch: func(ctx context.Context, r *http.Request, vars uritemplate.Values) (*vocab.Object, error) {
			t.Fatal("dispatch should not be called when unauthorized")
			return nil, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/users/alice", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDispatchNotFoundFallsThroughWhenNoRouteMatches(t *testing.T) {
	rt := New()
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestLookupReturnsTemplateForURLBuilding(t *testing.T) {
	rt := New()
	tmpl := uritemplate.MustParse("/users/{username}/inbox")
	rt.Register(&Route{Name: "inbox", Template: tmpl})

	got, err := rt.Lookup("inbox")
	require.NoError(t, err)
	require.Equal(t, tmpl, got)

	_, err = rt.Lookup("missing")
	require.Error(t, err)
	var rerr *RoutingError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "missing", rerr.Name)
}

func TestCollectionRouteRendersIndexByDefault(t *testing.T) {
	rt := New()
	outbox := vocab.NewObject("https://example.com/users/alice/outbox", "OrderedCollection")
	outbox.SetFunctional("first", vocab.RefURL("https://example.com/users/alice/outbox?cursor=0"))
	rt.Register(&Route{
		Name:         "outbox",
		Template:     uritemplate.MustParse("/users/{username}/outbox"),
		IsCollection: true,
		Dispatch: func(ctx context.Context, r *http.Request, vars uritemplate.Values) (*vocab.Object, error) {
			return outbox, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/users/alice/outbox", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "totalItems")
	require.NotContains(t, w.Body.String(), "orderedItems")
}
