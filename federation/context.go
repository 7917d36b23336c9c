package federation

import (
	"context"
	"fmt"
	"net/http"

	"github.com/klppl/fedigo/delivery"
	"github.com/klppl/fedigo/httpsig"
	"github.com/klppl/fedigo/uritemplate"
	"github.com/klppl/fedigo/vocab"
)

// Context is the per-operation handle applications use to build canonical
// URLs and send activities, per spec.md §4.C12. CreateContext and
// CreateContextFromRequest are its two factories (Go has no overloading,
// so the request-scoped variant is its own named constructor).
type Context struct {
	fed     *Federation
	baseURL string
	Data    interface{}

	// set only by CreateContextFromRequest
	signedKey    *httpsig.Key
	hasSignedKey bool
}

// CreateContext returns a plain Context rooted at baseURL, carrying data
// for dispatchers/handlers to retrieve (e.g. a request-scoped DB handle).
func (f *Federation) CreateContext(baseURL string, data interface{}) *Context {
	return &Context{fed: f, baseURL: baseURL, Data: data}
}

// CreateContextFromRequest returns a Context rooted at the federation's
// canonical host, additionally carrying the HTTP-signature key verified
// for r, if any was attached by the inbox Listener upstream of the
// dispatcher calling this (GetSignedKey/GetSignedKeyOwner).
func (f *Federation) CreateContextFromRequest(r *http.Request, data interface{}, signedKey *httpsig.Key) *Context {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return &Context{
		fed:          f,
		baseURL:      scheme + "://" + f.canonicalHost,
		Data:         data,
		signedKey:    signedKey,
		hasSignedKey: signedKey != nil,
	}
}

// GetSignedKey returns the HTTP-signature key that signed the originating
// request, if this Context was created via CreateContextFromRequest for a
// signed request.
func (c *Context) GetSignedKey() (*httpsig.Key, bool) {
	return c.signedKey, c.hasSignedKey
}

// GetSignedKeyOwner returns the owner actor URL of the signing key, if any.
func (c *Context) GetSignedKeyOwner() (string, bool) {
	if !c.hasSignedKey || c.signedKey == nil {
		return "", false
	}
	return c.signedKey.Owner, true
}

// uriFor expands a registered route's template against the context's
// base URL.
func (c *Context) uriFor(routeName string, vars uritemplate.Values) (string, error) {
	tmpl, err := c.fed.router.Lookup(routeName)
	if err != nil {
		return "", err
	}
	path, err := uritemplate.Expand(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("federation: expand route %q: %w", routeName, err)
	}
	return c.baseURL + path, nil
}

// GetActorURI builds the canonical URL for a local actor's identifier,
// reverse-applying the route registered under the name "actor".
func (c *Context) GetActorURI(identifier string) (string, error) {
	return c.uriFor("actor", uritemplate.Values{"identifier": identifier})
}

// GetInboxURI builds a local actor's inbox URL.
func (c *Context) GetInboxURI(identifier string) (string, error) {
	return c.uriFor("inbox", uritemplate.Values{"identifier": identifier})
}

// GetSharedInboxURI builds the shared inbox URL, if one is registered.
func (c *Context) GetSharedInboxURI() (string, error) {
	return c.uriFor("sharedInbox", uritemplate.Values{})
}

// GetOutboxURI builds a local actor's outbox URL.
func (c *Context) GetOutboxURI(identifier string) (string, error) {
	return c.uriFor("outbox", uritemplate.Values{"identifier": identifier})
}

// GetFollowersURI builds a local actor's followers collection URL.
func (c *Context) GetFollowersURI(identifier string) (string, error) {
	return c.uriFor("followers", uritemplate.Values{"identifier": identifier})
}

// GetObjectURI builds a URL for an object route registered under
// "object:<typeID>" (e.g. "object:Note"), per spec.md's per-type object
// dispatcher routes.
func (c *Context) GetObjectURI(typeID string, vars uritemplate.Values) (string, error) {
	return c.uriFor("object:"+typeID, vars)
}

// SendActivity delivers activity on behalf of the local actor senderID,
// per spec.md §4.C10's context.sendActivity. Returns an error if the
// Federation has no delivery pipeline wired (Builder.DeliveryPipeline was
// never called). opts controls per-send behavior such as
// PreferSharedInbox; pass delivery.DefaultSendOptions for the common case.
func (c *Context) SendActivity(ctx context.Context, senderID string, activity *vocab.Object, opts delivery.SendOptions) error {
	if c.fed.pipeline == nil {
		return fmt.Errorf("federation: no delivery pipeline configured")
	}
	return c.fed.pipeline.SendActivity(ctx, senderID, activity, opts)
}
