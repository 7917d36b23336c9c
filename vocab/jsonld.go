package vocab

import (
	"fmt"
	"strings"
)

// LangString is a string paired with a BCP-47 locale tag. Equality is by
// value and base tag (the part before the first '-'), per spec.md §3.
type LangString struct {
	Value  string
	Locale string
}

// BaseTag returns the locale's primary subtag ("en" for "en-US").
func (l LangString) BaseTag() string {
	if i := strings.IndexByte(l.Locale, '-'); i >= 0 {
		return l.Locale[:i]
	}
	return l.Locale
}

// Equal compares two language-tagged strings by value and base tag.
func (l LangString) Equal(o LangString) bool {
	return l.Value == o.Value && strings.EqualFold(l.BaseTag(), o.BaseTag())
}

// JSONLDMode selects how Object.ToJSONLD renders a document.
type JSONLDMode int

const (
	// ModeCompact frames the document against the object's context.
	ModeCompact JSONLDMode = iota
	// ModeExpand drops @context, resolving nothing further (AS2 is
	// already a flat, IRI-keyed vocabulary, so "expansion" here means
	// "fully-qualified, context-free" rather than a full JSON-LD
	// algorithmic expansion).
	ModeExpand
	// ModeRaw returns the memoised source document verbatim.
	ModeRaw
)

// DefaultContext is the JSON-LD @context fedigo compacts against, carried
// over from the teacher's ap.DefaultContext (internal/ap/types.go).
var DefaultContext interface{} = []interface{}{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

// FromJSONLD builds an Object from a parsed JSON-LD document (a
// map[string]interface{}, as produced by encoding/json or docloader). It
// generalizes the teacher's mapToActor/mapToNote (internal/ap/client.go)
// from fixed-shape structs into a property bag keyed by JSON-LD term.
func FromJSONLD(m map[string]interface{}) (*Object, error) {
	if m == nil {
		return nil, fmt.Errorf("vocab: nil document")
	}
	typeID, _ := m["type"].(string)
	id, _ := m["id"].(string)
	o := NewObject(id, typeID)
	o.raw = m

	for k, v := range m {
		switch k {
		case "id", "type", "@context":
			continue
		}
		o.properties[k] = valueToRefs(v)
	}
	return o, nil
}

// valueToRefs turns a raw JSON-LD value into the Ref vector the spec's
// property model uses: scalars are wrapped as resolved (trusted) leaf
// Objects so callers can use the same Get/GetAll accessors uniformly; URL
// strings become unresolved Refs; embedded objects (language-tagged value
// objects included) are parsed by FromJSONLD and become resolved, trusted
// Refs.
func valueToRefs(v interface{}) []Ref {
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		refs := make([]Ref, 0, len(t))
		for _, item := range t {
			refs = append(refs, valueToRef(item))
		}
		return refs
	default:
		return []Ref{valueToRef(t)}
	}
}

func valueToRef(v interface{}) Ref {
	switch t := v.(type) {
	case string:
		if looksLikeURL(t) {
			return RefURL(t)
		}
		return RefObject(leafObject(t))
	case map[string]interface{}:
		child, _ := FromJSONLD(t)
		return RefObject(child)
	case float64:
		return RefObject(leafObject(fmt.Sprintf("%v", t)))
	case bool:
		return RefObject(leafObject(fmt.Sprintf("%v", t)))
	default:
		return RefObject(leafObject(fmt.Sprintf("%v", t)))
	}
}

// leafObject wraps a scalar value in a typeless Object so it can flow
// through the same Ref machinery as resolvable references; Literal reads
// it back out.
func leafObject(s string) *Object {
	o := NewObject("", "")
	o.properties["__literal"] = []Ref{{url: s}}
	return o
}

// Literal returns the scalar value an Object wraps, for values that came
// from a plain JSON string/number/bool rather than an id-bearing node.
func (o *Object) Literal() string {
	if refs, ok := o.properties["__literal"]; ok && len(refs) > 0 {
		return refs[0].url
	}
	return o.ID
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// ToJSONLD serialises the object per the requested mode.
func (o *Object) ToJSONLD(mode JSONLDMode) (map[string]interface{}, error) {
	if mode == ModeRaw {
		if m, ok := o.raw.(map[string]interface{}); ok {
			return m, nil
		}
		return nil, fmt.Errorf("vocab: no memoised raw document for %q", o.ID)
	}

	out := map[string]interface{}{}
	if o.ID != "" {
		out["id"] = o.ID
	}
	if o.TypeID != "" {
		out["type"] = o.TypeID
	}
	for _, name := range o.propertyNames() {
		refs := o.properties[name]
		if name == "__literal" {
			continue
		}
		vals := make([]interface{}, 0, len(refs))
		for _, r := range refs {
			vals = append(vals, refToJSON(r))
		}
		switch len(vals) {
		case 0:
			continue
		case 1:
			out[name] = vals[0]
		default:
			out[name] = vals
		}
	}
	if mode == ModeCompact {
		out["@context"] = DefaultContext
	}
	return out, nil
}

func refToJSON(r Ref) interface{} {
	if r.obj == nil {
		return r.url
	}
	if r.obj.TypeID == "" && r.obj.ID == "" {
		if lit, ok := r.obj.properties["__literal"]; ok && len(lit) > 0 {
			return lit[0].url
		}
	}
	doc, err := r.obj.ToJSONLD(ModeExpand)
	if err != nil {
		return r.obj.ID
	}
	return doc
}
