// Package federation implements C12: the builder/lifecycle layer that ties
// the router, inbox listener, delivery pipeline, and queue into one
// servable federation, plus the per-request Context applications use to
// build canonical URLs and send activities. It generalizes
// cmd/klistr/main.go's hand-wired construction of Federator/APHandler/
// Server (one fixed local actor, one relay, one hardcoded route table)
// into a Builder any application registers its own routes and handlers
// with, and internal/server/server.go's Start/buildRouter middleware
// stack into this package's Federation.Start/Handler.
package federation

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/klppl/fedigo/delivery"
	"github.com/klppl/fedigo/inbox"
	"github.com/klppl/fedigo/queue"
	"github.com/klppl/fedigo/router"
	"github.com/klppl/fedigo/uritemplate"
)

// Builder accumulates route and handler registrations before Build
// freezes them into a servable Federation. Registration methods are not
// safe for concurrent use; call them all from one goroutine during
// application startup, the way the teacher wires everything in main()
// before calling srv.Start.
type Builder struct {
	router   *router.Router
	listener *inbox.Listener
	pipeline *delivery.Pipeline
	queue    queue.Queue
}

// NewBuilder starts an empty Builder.
func NewBuilder() *Builder {
	return &Builder{router: router.New()}
}

// Route registers one named, reverse-invertible route (C8).
func (b *Builder) Route(route *router.Route) *Builder {
	b.router.Register(route)
	return b
}

// InboxListener wires a built inbox.Listener (C9) as the router's POST
// handler for every registered route — matching the teacher's single
// r.Post("/inbox", s.handleInbox) style registration, generalized so it
// applies uniformly regardless of how many inbox-shaped routes exist
// (personal inboxes, a shared inbox, etc).
func (b *Builder) InboxListener(l *inbox.Listener) *Builder {
	b.listener = l
	b.router.InboxHandler = l.ServeHTTP
	return b
}

// DeliveryPipeline wires a built delivery.Pipeline (C10) so
// Context.SendActivity can enqueue outbound activities, and so Start knows
// which handler drains fan-out/outbox tasks from q.
func (b *Builder) DeliveryPipeline(p *delivery.Pipeline, q queue.Queue) *Builder {
	b.pipeline = p
	b.queue = q
	return b
}

// Build freezes the accumulated registrations into an immutable
// Federation bound to canonicalHost — the only Host the router accepts
// and the host URL builders produce.
func (b *Builder) Build(canonicalHost string) *Federation {
	b.router.CanonicalHost = canonicalHost
	return &Federation{
		router:        b.router,
		listener:      b.listener,
		pipeline:      b.pipeline,
		taskQueue:     b.queue,
		canonicalHost: canonicalHost,
	}
}

// Federation is the immutable, servable result of Build.
type Federation struct {
	router        *router.Router
	listener      *inbox.Listener
	pipeline      *delivery.Pipeline
	taskQueue     queue.Queue
	canonicalHost string
}

// Handler returns the chi-wrapped http.Handler, matching the teacher's
// buildRouter middleware stack: RealIP, then request logging, then
// panic recovery, then CORS, in front of the route dispatch itself.
func (f *Federation) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Mount("/", f.router)
	return r
}

// Start serves the federation at addr until ctx is cancelled, and — if a
// delivery pipeline was wired — drains its task queue concurrently.
// Matches the teacher's Server.Start shutdown-on-context shape.
func (f *Federation) Start(ctx context.Context, addr string) error {
	if f.pipeline != nil && f.taskQueue != nil {
		go func() {
			if err := f.taskQueue.Listen(ctx, f.pipeline.Handle); err != nil && ctx.Err() == nil {
				slog.Error("federation: delivery queue listener stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      f.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("federation: starting http server", "addr", addr, "host", f.canonicalHost)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("federation: server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// URIFor builds an absolute URL for a registered route name, expanding
// vars against the federation's canonical host — the reverse direction
// of Router.Dispatch's matching, per spec.md §4.C12's URL-builder
// requirement.
func (f *Federation) URIFor(routeName string, vars uritemplate.Values) (string, error) {
	tmpl, err := f.router.Lookup(routeName)
	if err != nil {
		return "", err
	}
	path, err := uritemplate.Expand(tmpl, vars)
	if err != nil {
		return "", err
	}
	return "https://" + f.canonicalHost + path, nil
}
