// fedigo-demo is a minimal single-actor ActivityPub server built on top of
// the fedigo federation packages (router, inbox, delivery, vocab,
// httpsig, docloader, webfinger, nodeinfo). It plays the role
// cmd/klistr/main.go played for the teacher — the one hand-wired binary
// that proves the library actually federates — but registers a generic
// Person actor through federation.Builder instead of bridging to Nostr.
//
// Usage:
//
//	export LOCAL_DOMAIN=https://example.com
//	export FEDIGO_USERNAME=alice
//	./fedigo-demo
package main

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/klppl/fedigo/delivery"
	"github.com/klppl/fedigo/docloader"
	"github.com/klppl/fedigo/federation"
	"github.com/klppl/fedigo/httpsig"
	"github.com/klppl/fedigo/inbox"
	"github.com/klppl/fedigo/internal/config"
	"github.com/klppl/fedigo/internal/keys"
	"github.com/klppl/fedigo/kv"
	"github.com/klppl/fedigo/lookup"
	"github.com/klppl/fedigo/nodeinfo"
	"github.com/klppl/fedigo/queue"
	"github.com/klppl/fedigo/router"
	"github.com/klppl/fedigo/uritemplate"
	"github.com/klppl/fedigo/vocab"
	"github.com/klppl/fedigo/webfinger"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg := config.Load()
	slog.Info("starting fedigo-demo", "domain", cfg.LocalDomain, "username", cfg.Username)

	keyPair, err := keys.LoadOrGenerateKeyPair(cfg.RSAPrivateKeyPath, cfg.RSAPublicKeyPath)
	if err != nil {
		slog.Error("load/generate key pair", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := kv.OpenSQLStore(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("open kv store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	taskQueue, err := queue.OpenSQLQueue(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("open task queue", "error", err)
		os.Exit(1)
	}
	defer taskQueue.Close()

	loader := docloader.New(docloader.Options{})
	// docCache demonstrates C2's cache wrapper; the actual inbox/lookup
	// wiring below uses the raw loader directly, matching their signatures.
	docCache := docloader.NewCache(loader, store, kv.Key{"_fedigo", "remoteDocument"}, []docloader.Rule{
		{Matcher: "https://www.w3.org/ns/activitystreams", TTL: 30 * 24 * time.Hour},
		{Matcher: "*", TTL: cfg.DocumentCacheTTL},
	})
	keyCache := httpsig.NewKVKeyCache(store, loader)

	host := cfg.Host()
	actorURI := cfg.BaseURL("/users/" + cfg.Username)
	inboxURI := actorURI + "/inbox"
	outboxURI := actorURI + "/outbox"
	followersURI := actorURI + "/followers"
	followingURI := actorURI + "/following"
	sharedInboxURI := cfg.BaseURL("/inbox")
	keyID := actorURI + "#main-key"

	actorDoc := buildActorObject(cfg, actorURI, inboxURI, outboxURI, followersURI, followingURI, sharedInboxURI, keyID, keyPair.PublicPEM)

	follows := &followStore{store: store}

	builder := federation.NewBuilder()

	builder.Route(&router.Route{
		Name:     "actor",
		Template: uritemplate.MustParse("/users/{identifier}"),
		Dispatch: func(ctx context.Context, r *http.Request, vars uritemplate.Values) (*vocab.Object, error) {
			if vars["identifier"] != cfg.Username {
				return nil, nil
			}
			return actorDoc, nil
		},
	})

	builder.Route(&router.Route{
		Name:         "followers",
		Template:     uritemplate.MustParse("/users/{identifier}/followers"),
		IsCollection: true,
		Dispatch: func(ctx context.Context, r *http.Request, vars uritemplate.Values) (*vocab.Object, error) {
			if vars["identifier"] != cfg.Username {
				return nil, nil
			}
			return follows.collection(ctx, followersURI, "followers")
		},
	})

	builder.Route(&router.Route{
		Name:         "following",
		Template:     uritemplate.MustParse("/users/{identifier}/following"),
		IsCollection: true,
		Dispatch: func(ctx context.Context, r *http.Request, vars uritemplate.Values) (*vocab.Object, error) {
			if vars["identifier"] != cfg.Username {
				return nil, nil
			}
			return follows.collection(ctx, followingURI, "following")
		},
	})

	builder.Route(&router.Route{
		Name:         "outbox",
		Template:     uritemplate.MustParse("/users/{identifier}/outbox"),
		IsCollection: true,
		Dispatch: func(ctx context.Context, r *http.Request, vars uritemplate.Values) (*vocab.Object, error) {
			if vars["identifier"] != cfg.Username {
				return nil, nil
			}
			c := vocab.NewObject(outboxURI, "OrderedCollection")
			c.SetFunctional("totalItems", vocab.RefURL("0"))
			return c, nil
		},
	})

	deliveryKeys := singleActorKeyProvider{key: keyPair.Private, keyID: keyID}
	inboxResolver := &lookupInboxResolver{loader: loader}
	followersExpander := followersExpanderFunc(func(ctx context.Context, followersURL string) ([]string, error) {
		return follows.members(ctx, "followers")
	})
	pipeline := delivery.New(taskQueue, deliveryKeys, inboxResolver, followersExpander)
	builder.DeliveryPipeline(pipeline, taskQueue)

	listener := inbox.New(keyCache, store)
	listener.VerifyWindow = cfg.InboxVerifyWindow
	listener.RequireSignature = cfg.RequireSignature
	listener.OnError = func(ctx context.Context, body []byte, err error) {
		slog.Warn("inbox: handler error", "error", err)
	}

	registerActivityHandlers(listener, follows, pipeline, actorURI)
	builder.InboxListener(listener)

	fed := builder.Build(host)

	mux := chi.NewRouter()
	mux.Get("/.well-known/webfinger", webfingerHandler(cfg, actorURI))
	mux.Get("/.well-known/nodeinfo", nodeinfoDiscoveryHandler(cfg))
	mux.Get("/nodeinfo/2.1", nodeinfoDocumentHandler(cfg))
	mux.Mount("/", fed.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// One SQLQueue.Listen goroutine per configured worker, matching
	// spec.md §5's "two logical worker pools are long-lived" model: each
	// goroutine independently polls and claims work, so DeliveryConcurrency
	// directly controls how many outbox deliveries run at once.
	for i := 0; i < cfg.DeliveryConcurrency; i++ {
		go func() {
			if err := taskQueue.Listen(ctx, pipeline.Handle); err != nil && ctx.Err() == nil {
				slog.Error("delivery queue listener stopped", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("listening", "addr", srv.Addr, "actor", actorURI)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	_ = docCache
}

// buildActorObject constructs the single demo Person actor as a
// vocab.Object, the dispatcher's "constructed from a configuration record"
// lifecycle (spec.md §3).
func buildActorObject(cfg *config.Config, actorURI, inboxURI, outboxURI, followersURI, followingURI, sharedInboxURI, keyID, pubPEM string) *vocab.Object {
	o := vocab.NewObject(actorURI, "Person")
	o.SetFunctional("preferredUsername", vocab.RefURL(cfg.Username))
	o.SetFunctional("name", vocab.RefURL(cfg.DisplayName))
	if cfg.Summary != "" {
		o.SetFunctional("summary", vocab.RefURL(cfg.Summary))
	}
	o.SetFunctional("inbox", vocab.RefURL(inboxURI))
	o.SetFunctional("outbox", vocab.RefURL(outboxURI))
	o.SetFunctional("followers", vocab.RefURL(followersURI))
	o.SetFunctional("following", vocab.RefURL(followingURI))

	endpoints := vocab.NewObject("", "")
	endpoints.SetFunctional("sharedInbox", vocab.RefURL(sharedInboxURI))
	o.SetFunctional("endpoints", vocab.RefObject(endpoints))

	pk := vocab.NewObject(keyID, "CryptographicKey")
	pk.SetFunctional("owner", vocab.RefURL(actorURI))
	pk.SetFunctional("publicKeyPem", vocab.RefURL(pubPEM))
	o.SetFunctional("publicKey", vocab.RefObject(pk))

	return o
}

func webfingerHandler(cfg *config.Config, actorURI string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Query().Get("resource")
		want := "acct:" + cfg.Username + "@" + cfg.Host()
		if resource != want {
			http.NotFound(w, r)
			return
		}
		jrd := webfinger.JRD{
			Subject: want,
			Links: []webfinger.Link{
				{Rel: "self", Type: "application/activity+json", Href: actorURI},
			},
		}
		w.Header().Set("Content-Type", "application/jrd+json")
		json.NewEncoder(w).Encode(jrd)
	}
}

func nodeinfoDiscoveryHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"links": []map[string]string{
				{"rel": "http://nodeinfo.diaspora.software/ns/schema/2.1", "href": cfg.BaseURL("/nodeinfo/2.1")},
			},
		})
	}
}

func nodeinfoDocumentHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc := nodeinfo.Document{
			Version:   "2.1",
			Software:  nodeinfo.Software{Name: "fedigo", Version: "1.0.0"},
			Protocols: []string{"activitypub"},
			Usage:     nodeinfo.Usage{Users: nodeinfo.Users{Total: 1, ActiveMonth: 1, ActiveHalfYear: 1}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}
}

// followStore is a thin KV-backed follower/following list, the demo's
// stand-in for the application-supplied storage layer spec.md §1 says the
// federation runtime never owns itself.
type followStore struct{ store kv.Store }

func (f *followStore) members(ctx context.Context, kind string) ([]string, error) {
	raw, ok, err := f.store.Get(ctx, kv.Key{"_fedigo-demo", kind})
	if err != nil || !ok {
		return nil, err
	}
	var members []string
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (f *followStore) add(ctx context.Context, kind, actorID string) error {
	members, err := f.members(ctx, kind)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m == actorID {
			return nil
		}
	}
	members = append(members, actorID)
	raw, _ := json.Marshal(members)
	return f.store.Set(ctx, kv.Key{"_fedigo-demo", kind}, raw, kv.SetOptions{})
}

func (f *followStore) remove(ctx context.Context, kind, actorID string) error {
	members, err := f.members(ctx, kind)
	if err != nil {
		return err
	}
	out := members[:0]
	for _, m := range members {
		if m != actorID {
			out = append(out, m)
		}
	}
	raw, _ := json.Marshal(out)
	return f.store.Set(ctx, kv.Key{"_fedigo-demo", kind}, raw, kv.SetOptions{})
}

func (f *followStore) collection(ctx context.Context, id, kind string) (*vocab.Object, error) {
	members, err := f.members(ctx, kind)
	if err != nil {
		return nil, err
	}
	c := vocab.NewObject(id, "Collection")
	c.SetFunctional("totalItems", vocab.RefURL(fmt.Sprintf("%d", len(members))))
	for _, m := range members {
		c.AppendNonFunctional("items", vocab.RefURL(m))
	}
	return c, nil
}

// registerActivityHandlers wires Follow/Undo/Create handling, generalizing
// the teacher's HandleActivity switch (internal/ap/handler.go) into
// Listener.Handle registrations.
func registerActivityHandlers(l *inbox.Listener, follows *followStore, pipeline *delivery.Pipeline, actorURI string) {
	l.Handle("Follow", func(ctx context.Context, activity *vocab.Object, signer *httpsig.Key) error {
		act := vocab.NewActivity(activity)
		follower := act.ActorID()
		if follower == "" {
			return fmt.Errorf("fedigo-demo: Follow with no actor")
		}
		if err := follows.add(ctx, "followers", follower); err != nil {
			return err
		}

		accept := vocab.NewObject(actorURI+"/activities/"+newActivityID(), "Accept")
		accept.SetFunctional("actor", vocab.RefURL(actorURI))
		accept.SetFunctional("object", vocab.RefObject(activity))
		accept.AppendNonFunctional("to", vocab.RefURL(follower))
		return pipeline.SendActivity(ctx, actorURI, accept, delivery.DefaultSendOptions)
	})

	l.Handle("Undo", func(ctx context.Context, activity *vocab.Object, signer *httpsig.Key) error {
		act := vocab.NewActivity(activity)
		inner := act.ObjectRef()
		if !inner.IsResolved() {
			return nil
		}
		innerAct := vocab.NewActivity(inner.Object())
		if innerAct.TypeID == "Follow" {
			return follows.remove(ctx, "followers", act.ActorID())
		}
		return nil
	})

	l.Handle("Create", func(ctx context.Context, activity *vocab.Object, signer *httpsig.Key) error {
		act := vocab.NewActivity(activity)
		slog.Info("received Create activity", "actor", act.ActorID())
		return nil
	})
}

func newActivityID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

// singleActorKeyProvider implements delivery.KeyProvider for the demo's one
// local actor.
type singleActorKeyProvider struct {
	key   crypto.PrivateKey
	keyID string
}

func (p singleActorKeyProvider) SigningKey(ctx context.Context, actorID string) (crypto.PrivateKey, string, error) {
	return p.key, p.keyID, nil
}

// lookupInboxResolver implements delivery.InboxResolver by fetching the
// recipient's actor document through lookup.LookupObject.
type lookupInboxResolver struct {
	loader *docloader.Loader
}

func (r *lookupInboxResolver) ResolveInbox(ctx context.Context, actorID string) (inboxURL, sharedInbox string, err error) {
	obj, err := lookup.LookupObject(ctx, r.loader, actorID, lookup.Options{CrossOrigin: vocab.CrossOriginTrust})
	if err != nil || obj == nil {
		return "", "", err
	}
	a := vocab.NewActor(obj)
	shared, _ := a.SharedInboxURL(ctx)
	return a.InboxURL(), shared, nil
}

type followersExpanderFunc func(ctx context.Context, followersURL string) ([]string, error)

func (f followersExpanderFunc) ExpandFollowers(ctx context.Context, followersURL string) ([]string, error) {
	return f(ctx, followersURL)
}
