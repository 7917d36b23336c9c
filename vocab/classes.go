package vocab

import "context"

// Actor types recognised by IsActorType, per the AS2 actor vocabulary
// (generalizes the teacher's ap.IsActor switch in internal/ap/client.go).
var actorTypes = map[string]bool{
	"Person": true, "Service": true, "Application": true,
	"Group": true, "Organization": true,
}

// IsActorType reports whether typeID names one of the AS2 actor types.
func IsActorType(typeID string) bool { return actorTypes[typeID] }

// Actor is a typed view over an Object of one of the actor types. It
// generalizes the teacher's ap.Actor struct (internal/ap/types.go) from
// fixed fields into accessors backed by the property bag, so unknown
// extension properties (proxyOf, custom endpoints) survive round-tripping.
type Actor struct{ *Object }

// NewActor wraps o as an Actor view. o's TypeID should be an actor type.
func NewActor(o *Object) Actor { return Actor{o} }

func (a Actor) PreferredUsername() string { return firstLiteral(a.Object, "preferredUsername") }
func (a Actor) Name() string              { return firstLiteral(a.Object, "name") }
func (a Actor) Summary() string           { return firstLiteral(a.Object, "summary") }
func (a Actor) InboxURL() string          { return a.ID0("inbox") }
func (a Actor) OutboxURL() string         { return a.ID0("outbox") }
func (a Actor) FollowersURL() string      { return a.ID0("followers") }
func (a Actor) FollowingURL() string      { return a.ID0("following") }

// SharedInboxURL returns endpoints.sharedInbox, if the actor advertises one.
func (a Actor) SharedInboxURL(ctx context.Context) (string, error) {
	ep, err := a.Get(ctx, "endpoints")
	if err != nil || ep == nil {
		return "", err
	}
	return firstLiteral(ep, "sharedInbox"), nil
}

// PreferredInbox resolves the inbox URL to deliver to: sharedInbox when the
// caller asks for it and one is advertised, else the actor's own inbox.
func (a Actor) PreferredInbox(ctx context.Context, preferShared bool) (string, error) {
	if preferShared {
		if shared, err := a.SharedInboxURL(ctx); err != nil {
			return "", err
		} else if shared != "" {
			return shared, nil
		}
	}
	return a.InboxURL(), nil
}

// PublicKeyPEM returns the actor's publicKey.publicKeyPem and key id.
func (a Actor) PublicKeyPEM(ctx context.Context) (keyID, pem string, err error) {
	pk, err := a.Get(ctx, "publicKey")
	if err != nil || pk == nil {
		return "", "", err
	}
	return pk.ID, firstLiteral(pk, "publicKeyPem"), nil
}

// Note is a typed view over a Note/Article/Page/Question object, mirroring
// the teacher's combined ap.Note struct (which already doubled as the
// Article/Question representation).
type Note struct{ *Object }

func NewNote(o *Object) Note { return Note{o} }

func (n Note) AttributedTo() string { return n.ID0("attributedTo") }
func (n Note) Content() string      { return firstLiteral(n.Object, "content") }
func (n Note) Summary() string      { return firstLiteral(n.Object, "summary") }
func (n Note) Published() string    { return firstLiteral(n.Object, "published") }
func (n Note) To() []string         { return n.IDs("to") }
func (n Note) CC() []string         { return n.IDs("cc") }
func (n Note) InReplyTo() string    { return n.ID0("inReplyTo") }

// Question is a typed view adding poll accessors over the same Object
// shape as Note, generalizing the teacher's OneOf/AnyOf/VotersCount fields
// (internal/ap/types.go) into lazily-resolvable option objects.
type Question struct{ Note }

func NewQuestion(o *Object) Question { return Question{Note{o}} }

func (q Question) OneOf(ctx context.Context) ([]*Object, error) { return q.GetAll(ctx, "oneOf") }
func (q Question) AnyOf(ctx context.Context) ([]*Object, error) { return q.GetAll(ctx, "anyOf") }
func (q Question) EndTime() string                              { return firstLiteral(q.Object, "endTime") }
func (q Question) Closed() string                                { return firstLiteral(q.Object, "closed") }

// Activity is a typed view over an Activity/subtype Object, per spec.md §3.
type Activity struct{ *Object }

func NewActivity(o *Object) Activity { return Activity{o} }

func (a Activity) ActorID() string { return a.ID0("actor") }
func (a Activity) ObjectRef() Ref {
	refs := a.Refs("object")
	if len(refs) == 0 {
		return Ref{}
	}
	return refs[0]
}
func (a Activity) TargetID() string { return a.ID0("target") }
func (a Activity) To() []string     { return a.IDs("to") }
func (a Activity) CC() []string     { return a.IDs("cc") }
func (a Activity) BTo() []string    { return a.IDs("bto") }
func (a Activity) BCC() []string    { return a.IDs("bcc") }
func (a Activity) Audience() []string { return a.IDs("audience") }

// Recipients returns the union of to/cc/bto/bcc/audience, the set fan-out
// expands before shared-inbox deduplication (spec.md §4.C10 step 1).
func (a Activity) Recipients() []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]string{a.To(), a.CC(), a.BTo(), a.BCC(), a.Audience()} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// Collection is a typed view over a Collection/OrderedCollection Object,
// generalizing the teacher's ap.OrderedCollection struct into one that
// supports both the "index" (first/last/totalItems) and "page"
// (items/next/prev) shapes spec.md §4.C8 step 5 distinguishes.
type Collection struct{ *Object }

func NewCollection(o *Object) Collection { return Collection{o} }

func (c Collection) TotalItems() int {
	s := firstLiteral(c.Object, "totalItems")
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
func (c Collection) FirstURL() string { return c.ID0("first") }
func (c Collection) LastURL() string  { return c.ID0("last") }
func (c Collection) NextURL() string  { return c.ID0("next") }
func (c Collection) PrevURL() string  { return c.ID0("prev") }

// Items returns the page's items/orderedItems, resolving embedded objects
// without a network round trip (IDs-only entries are returned unresolved;
// callers needing full objects use GetAll through the Dereferencer).
func (c Collection) Items() []Ref {
	if refs := c.Refs("orderedItems"); len(refs) > 0 {
		return refs
	}
	return c.Refs("items")
}

// firstLiteral reads a functional property's literal (string/number/bool)
// value without going through the network-capable Get accessor — JSON-LD
// scalars never need dereferencing.
func firstLiteral(o *Object, name string) string {
	refs := o.properties[name]
	if len(refs) == 0 {
		return ""
	}
	if refs[0].obj != nil {
		return refs[0].obj.Literal()
	}
	return refs[0].url
}
