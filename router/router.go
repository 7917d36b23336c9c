// Package router implements C8: URI-template dispatch of inbound HTTP
// requests to actor/object/collection/inbox dispatchers, with content
// negotiation and cursor-based collection paging. It generalizes the
// teacher's server.buildRouter chi registrations
// (internal/server/server.go) — fixed "/users/{username}" patterns — into
// reverse-invertible RFC 6570 routes, the way a reusable federation library
// would need in order to let the application name its own URL shapes.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/klppl/fedigo/uritemplate"
	"github.com/klppl/fedigo/vocab"
)

// RoutingError is returned when a URL builder has no matching registration,
// spec.md §7's "Routing" error kind.
type RoutingError struct{ Name string }

func (e *RoutingError) Error() string { return fmt.Sprintf("router: no route named %q registered", e.Name) }

// DispatchFunc produces the vocab.Object (or nil for not-found) a GET route
// should render, given the request and the route's captured variables.
type DispatchFunc func(ctx context.Context, r *http.Request, vars uritemplate.Values) (*vocab.Object, error)

// AuthorizeFunc optionally gates a dispatcher; returning false yields 401.
type AuthorizeFunc func(r *http.Request, vars uritemplate.Values) bool

// Route is one named, reverse-invertible URI template registration.
type Route struct {
	Name      string
	Template  *uritemplate.Template
	Dispatch  DispatchFunc
	Authorize AuthorizeFunc
	// IsCollection marks routes whose dispatcher should honor ?cursor=
	// paging (spec.md §4.C8 step 5) instead of rendering a single object.
	IsCollection bool
}

// acceptTypes are the two media types content negotiation (step 3) accepts.
var acceptTypes = []string{
	"application/activity+json",
	`application/ld+json`,
}

// Router holds named routes and dispatches GET/HEAD/POST requests to them.
type Router struct {
	routes []*Route
	byName map[string]*Route
	// CanonicalHost, if set, is substituted for the request's Host when
	// building absolute URLs and is the only Host the router accepts.
	CanonicalHost string
	InboxHandler  http.HandlerFunc
}

// New constructs an empty Router.
func New() *Router {
	return &Router{byName: map[string]*Route{}}
}

// Register adds a route. It panics (at startup, not per-request) if a
// route with the same name is already registered. Templates are not
// compared with each other: overlapping capture grammars are not detected,
// and match tries routes in order of decreasing template length.
func (rt *Router) Register(route *Route) {
	if _, exists := rt.byName[route.Name]; exists {
		panic(fmt.Sprintf("router: route %q already registered", route.Name))
	}
	rt.routes = append(rt.routes, route)
	rt.byName[route.Name] = route
	sort.SliceStable(rt.routes, func(i, j int) bool {
		return len(rt.routes[i].Template.String()) > len(rt.routes[j].Template.String())
	})
}

// Lookup returns the named route's Template, for reverse URL construction
// (federation.Context's URL builders), or a *RoutingError.
func (rt *Router) Lookup(name string) (*uritemplate.Template, error) {
	r, ok := rt.byName[name]
	if !ok {
		return nil, &RoutingError{Name: name}
	}
	return r.Template, nil
}

// match finds the first registered route whose template matches the
// request path, under the Opaque policy so captured ids round-trip
// byte-for-byte (spec.md invariant 1).
func (rt *Router) match(path string) (*Route, uritemplate.Values) {
	for _, r := range rt.routes {
		if vars, ok := uritemplate.Match(r.Template, path, uritemplate.MatchOptions{Policy: uritemplate.Opaque}); ok {
			return r, vars
		}
	}
	return nil, nil
}

// ServeHTTP implements the full §4.C8 pipeline. Callers mount it as a
// catch-all handler (or call Dispatch directly for a framework-specific
// not-found fallthrough).
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := rt.Dispatch(w, r); err == notFoundErr {
		http.NotFound(w, r)
	}
}

var notFoundErr = fmt.Errorf("router: no route matched")

// Dispatch runs the pipeline and returns notFoundErr when no template
// matches, so embedding frameworks can fall through to their own routing.
func (rt *Router) Dispatch(w http.ResponseWriter, r *http.Request) error {
	if rt.CanonicalHost != "" && r.Host != rt.CanonicalHost {
		http.Error(w, "wrong host", http.StatusMisdirectedRequest)
		return nil
	}

	route, vars := rt.match(r.URL.Path)
	if route == nil {
		return notFoundErr
	}

	if r.Method == http.MethodPost {
		if rt.InboxHandler == nil {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return nil
		}
		rt.InboxHandler(w, r)
		return nil
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}

	if !negotiateAccept(r) {
		http.Error(w, "not acceptable", http.StatusNotAcceptable)
		return nil
	}

	if route.Authorize != nil && !route.Authorize(r, vars) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil
	}

	obj, err := route.Dispatch(r.Context(), r, vars)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil
	}
	if obj == nil {
		http.NotFound(w, r)
		return nil
	}
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/activity+json")
		return nil
	}

	doc, err := renderObject(obj, route, r)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil
	}
	writeJSONLD(w, doc)
	return nil
}

// renderObject compacts obj to JSON-LD, applying cursor-based index/page
// collection rendering for IsCollection routes (spec.md §4.C8 step 5).
func renderObject(obj *vocab.Object, route *Route, r *http.Request) (map[string]interface{}, error) {
	if route.IsCollection {
		cursor := r.URL.Query().Get("cursor")
		if cursor == "" && r.URL.Query().Get("page") != "true" {
			return indexView(obj)
		}
		return obj.ToJSONLD(vocab.ModeCompact)
	}
	return obj.ToJSONLD(vocab.ModeCompact)
}

// indexView renders a collection's "index" shape: first/last cursors and
// totalItems, without an items array, per spec.md §4.C8 step 5.
func indexView(obj *vocab.Object) (map[string]interface{}, error) {
	c := vocab.NewCollection(obj)
	out := map[string]interface{}{
		"id":         obj.ID,
		"type":       obj.TypeID,
		"totalItems": c.TotalItems(),
		"@context":   vocab.DefaultContext,
	}
	if first := c.FirstURL(); first != "" {
		out["first"] = first
	}
	if last := c.LastURL(); last != "" {
		out["last"] = last
	}
	return out, nil
}

func writeJSONLD(w http.ResponseWriter, doc map[string]interface{}) {
	w.Header().Set("Content-Type", "application/activity+json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// negotiateAccept implements spec.md §4.C8 step 3: the response is
// produced iff the request's Accept list intersects the two allowed media
// types, matching activityJSONType/ldJSONType (internal/server/server.go).
func negotiateAccept(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" || accept == "*/*" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if mt == "*/*" {
			return true
		}
		for _, want := range acceptTypes {
			if strings.EqualFold(mt, want) {
				return true
			}
		}
	}
	return false
}
