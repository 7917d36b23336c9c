// Package vocab implements the ActivityStreams 2.0 / ActivityPub data
// model: typed Vocabulary Objects with lazily-dereferenced URL-valued
// properties, same-origin security (FEP-fe34), and three JSON-LD output
// modes. It generalizes the teacher's ap.Actor/ap.Note/ap.Activity structs
// and their mapToActor/mapToNote extraction helpers (internal/ap/types.go,
// internal/ap/client.go) from a handful of hardcoded fields into a property
// bag that any registered AS2 class can be built on top of.
package vocab

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/klppl/fedigo/docloader"
)

// CrossOriginPolicy controls what a lazy-dereference accessor does when a
// resolved child's id disagrees with the origin it was embedded or loaded
// from.
type CrossOriginPolicy int

const (
	// CrossOriginIgnore returns (nil, nil) for the mismatched child.
	CrossOriginIgnore CrossOriginPolicy = iota
	// CrossOriginThrow returns ErrCrossOrigin.
	CrossOriginThrow
	// CrossOriginTrust proceeds regardless of origin.
	CrossOriginTrust
)

// ErrCrossOrigin is returned by lazy accessors under CrossOriginThrow.
var ErrCrossOrigin = errors.New("vocab: child object origin does not match holder")

// Ref is the tagged union the spec calls for: either an unresolved URL or an
// already-resolved Object, with a trust bit recording whether the object
// (once resolved) was loaded from the same origin as its holder.
type Ref struct {
	url     string
	obj     *Object
	trusted bool
}

// RefURL constructs an unresolved URL reference.
func RefURL(u string) Ref { return Ref{url: u} }

// RefObject constructs an already-resolved, trusted reference (e.g. an
// object embedded inline in the source JSON-LD rather than referenced by
// id).
func RefObject(o *Object) Ref { return Ref{obj: o, trusted: true} }

// IsResolved reports whether the reference already holds an Object.
func (r Ref) IsResolved() bool { return r.obj != nil }

// ID returns the reference's URL: either the held Object's id, or the raw
// unresolved URL.
func (r Ref) ID() string {
	if r.obj != nil {
		return r.obj.ID
	}
	return r.url
}

// Object returns the already-resolved Object, if any.
func (r Ref) Object() *Object { return r.obj }

// Dereferencer fetches a URL-valued property and turns it into an Object.
// docloader.Cache and docloader.Loader both satisfy it directly through
// their Load methods.
type Dereferencer interface {
	Load(ctx context.Context, url string) (*docloader.RemoteDocument, error)
}

// Object is a typed node in an ActivityStreams graph: an immutable type URI
// plus a set of functional (single-valued) and non-functional
// (multi-valued) properties, each held as a slice of Ref (functional
// properties use index 0 only).
type Object struct {
	ID     string
	TypeID string

	// properties holds every property (functional properties as a
	// single-element slice) as captured from source, plus anything set
	// programmatically.
	properties map[string][]Ref

	// sourceURL is the document URL this Object was parsed from, used for
	// the same-origin check on its own children.
	sourceURL string

	// raw is the memoised JSON-LD document this Object was built from, if
	// any; returned verbatim by ToJSONLD(raw). Lazy dereference of any
	// property invalidates it, forcing re-serialisation on next use.
	raw interface{}

	deref       Dereferencer
	crossOrigin CrossOriginPolicy
}

// NewObject constructs an empty Object of the given type, ready to have
// properties set programmatically (the "constructed from a configuration
// record" lifecycle the spec names, used by dispatchers emitting responses).
func NewObject(id, typeID string) *Object {
	return &Object{ID: id, TypeID: typeID, properties: map[string][]Ref{}, crossOrigin: CrossOriginIgnore}
}

// WithDereferencer attaches the loader used for lazy property resolution.
func (o *Object) WithDereferencer(d Dereferencer) *Object {
	o.deref = d
	return o
}

// WithCrossOriginPolicy sets the policy applied when resolving this
// object's own URL-valued properties.
func (o *Object) WithCrossOriginPolicy(p CrossOriginPolicy) *Object {
	o.crossOrigin = p
	return o
}

// SetFunctional replaces the single value of a functional property.
func (o *Object) SetFunctional(name string, ref Ref) {
	if o.properties == nil {
		o.properties = map[string][]Ref{}
	}
	o.properties[name] = []Ref{ref}
	o.raw = nil
}

// AppendNonFunctional appends one more value to a non-functional property.
func (o *Object) AppendNonFunctional(name string, ref Ref) {
	if o.properties == nil {
		o.properties = map[string][]Ref{}
	}
	o.properties[name] = append(o.properties[name], ref)
	o.raw = nil
}

// SetNonFunctional replaces all values of a non-functional property.
func (o *Object) SetNonFunctional(name string, refs []Ref) {
	if o.properties == nil {
		o.properties = map[string][]Ref{}
	}
	o.properties[name] = refs
	o.raw = nil
}

// Refs returns the raw (possibly empty) Ref vector for a property — the
// spec's "plural field" shape, usable for both functional (len<=1) and
// non-functional properties.
func (o *Object) Refs(name string) []Ref {
	return o.properties[name]
}

// IDs returns every value of a property coerced to its URL — resolved
// Objects are coerced to their id. This is the spec's "pIds" accessor.
func (o *Object) IDs(name string) []string {
	refs := o.properties[name]
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		if id := r.ID(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// ID0 returns the id of a functional property's value (index 0), or "".
func (o *Object) ID0(name string) string {
	refs := o.properties[name]
	if len(refs) == 0 {
		return ""
	}
	return refs[0].ID()
}

// Get resolves a functional property's value (index 0), fetching through
// the Dereferencer if it is still an unresolved URL. The resolved Object is
// cached back into the property slot and the memoised raw document is
// dropped, per the spec's lazy-accessor contract.
func (o *Object) Get(ctx context.Context, name string) (*Object, error) {
	refs := o.properties[name]
	if len(refs) == 0 {
		return nil, nil
	}
	resolved, err := o.resolve(ctx, refs[0])
	if err != nil {
		return nil, err
	}
	if resolved != nil {
		o.properties[name][0] = RefObject(resolved)
		o.properties[name][0].trusted = o.properties[name][0].trusted || refs[0].trusted
		o.raw = nil
	}
	return resolved, nil
}

// GetAll resolves every value of a non-functional property, in order.
func (o *Object) GetAll(ctx context.Context, name string) ([]*Object, error) {
	refs := o.properties[name]
	out := make([]*Object, 0, len(refs))
	for i, r := range refs {
		resolved, err := o.resolve(ctx, r)
		if err != nil {
			return nil, err
		}
		if resolved == nil {
			continue
		}
		o.properties[name][i] = RefObject(resolved)
		out = append(out, resolved)
	}
	if len(refs) > 0 {
		o.raw = nil
	}
	return out, nil
}

func (o *Object) resolve(ctx context.Context, r Ref) (*Object, error) {
	if r.obj != nil {
		return r.obj, nil
	}
	if r.url == "" {
		return nil, nil
	}
	if o.deref == nil {
		return nil, fmt.Errorf("vocab: no dereferencer attached, cannot resolve %q", r.url)
	}
	doc, err := o.deref.Load(ctx, r.url)
	if err != nil {
		return nil, err
	}
	m, ok := doc.Document.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("vocab: resolved document at %q is not a JSON object", r.url)
	}
	child, err := FromJSONLD(m)
	if err != nil {
		return nil, err
	}
	child.sourceURL = doc.DocumentURL
	child.deref = o.deref
	child.crossOrigin = o.crossOrigin

	trusted := sameOrigin(child.ID, doc.DocumentURL) && sameOrigin(child.ID, o.ID)
	if !trusted {
		switch o.crossOrigin {
		case CrossOriginIgnore:
			return nil, nil
		case CrossOriginThrow:
			return nil, ErrCrossOrigin
		case CrossOriginTrust:
			// proceed
		}
	}
	return child, nil
}

// sameOrigin reports whether a and b share scheme+host+port. Either side
// being unparseable or empty is treated as not same-origin (fails closed).
func sameOrigin(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Scheme == ub.Scheme && ua.Host == ub.Host
}

// propertyNames returns the object's property keys, sorted for deterministic
// serialisation.
func (o *Object) propertyNames() []string {
	names := make([]string, 0, len(o.properties))
	for k := range o.properties {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
