package vocab

import (
	"context"
	"testing"

	"github.com/klppl/fedigo/docloader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapDeref is a Dereferencer over an in-memory document table, standing in
// for docloader.Loader in tests that only need FromJSONLD's output back.
type mapDeref map[string]map[string]interface{}

func (m mapDeref) Load(ctx context.Context, url string) (*docloader.RemoteDocument, error) {
	doc, ok := m[url]
	if !ok {
		return nil, assertNotFoundErr
	}
	return &docloader.RemoteDocument{DocumentURL: url, Document: doc}, nil
}

var assertNotFoundErr = &docloader.FetchError{URL: "", StatusCode: 404}

func TestFromJSONLDRoundTrip(t *testing.T) {
	doc := map[string]interface{}{
		"id":      "https://example.com/person",
		"type":    "Person",
		"name":    "John Doe",
		"summary": "hi",
	}
	o, err := FromJSONLD(doc)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/person", o.ID)
	assert.Equal(t, "Person", o.TypeID)

	a := NewActor(o)
	assert.Equal(t, "John Doe", a.Name())
	assert.Equal(t, "hi", a.Summary())

	out, err := o.ToJSONLD(ModeRaw)
	require.NoError(t, err)
	assert.Equal(t, doc["name"], out["name"])
}

func TestToJSONLDCompactAddsContext(t *testing.T) {
	o := NewObject("https://example.com/note", "Note")
	o.SetFunctional("content", RefURL("hello"))
	out, err := o.ToJSONLD(ModeCompact)
	require.NoError(t, err)
	assert.Equal(t, "hello", out["content"])
	assert.Equal(t, DefaultContext, out["@context"])
}

func TestToJSONLDExpandOmitsContext(t *testing.T) {
	o := NewObject("https://example.com/note", "Note")
	out, err := o.ToJSONLD(ModeExpand)
	require.NoError(t, err)
	_, hasContext := out["@context"]
	assert.False(t, hasContext)
}

func TestLazyGetResolvesAndCaches(t *testing.T) {
	deref := mapDeref{
		"https://example.com/author": {
			"id": "https://example.com/author", "type": "Person", "name": "Author",
		},
	}
	note := NewObject("https://example.com/note", "Note")
	note.SetFunctional("attributedTo", RefURL("https://example.com/author"))
	note.WithDereferencer(deref)

	resolved, err := note.Get(context.Background(), "attributedTo")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, "Author", NewActor(resolved).Name())

	// Cached back: a second Get must not need the dereferencer again.
	note.deref = nil
	again, err := note.Get(context.Background(), "attributedTo")
	require.NoError(t, err)
	assert.Equal(t, resolved, again)
}

func TestLazyGetInvalidatesRawDocument(t *testing.T) {
	raw := map[string]interface{}{
		"id": "https://example.com/note", "type": "Note",
		"attributedTo": "https://example.com/author",
	}
	note, err := FromJSONLD(raw)
	require.NoError(t, err)
	note.WithDereferencer(mapDeref{
		"https://example.com/author": {"id": "https://example.com/author", "type": "Person"},
	})

	_, rawErr := note.ToJSONLD(ModeRaw)
	require.NoError(t, rawErr)

	_, err = note.Get(context.Background(), "attributedTo")
	require.NoError(t, err)

	_, rawErr = note.ToJSONLD(ModeRaw)
	assert.Error(t, rawErr, "raw document must be invalidated by lazy resolution")
}

func TestCrossOriginIgnoreSkipsMismatchedChild(t *testing.T) {
	deref := mapDeref{
		"https://evil.example/actor": {"id": "https://evil.example/actor", "type": "Person"},
	}
	note := NewObject("https://example.com/note", "Note")
	note.SetFunctional("attributedTo", RefURL("https://evil.example/actor"))
	note.WithDereferencer(deref).WithCrossOriginPolicy(CrossOriginIgnore)

	resolved, err := note.Get(context.Background(), "attributedTo")
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestCrossOriginThrowRaisesError(t *testing.T) {
	deref := mapDeref{
		"https://evil.example/actor": {"id": "https://evil.example/actor", "type": "Person"},
	}
	note := NewObject("https://example.com/note", "Note")
	note.SetFunctional("attributedTo", RefURL("https://evil.example/actor"))
	note.WithDereferencer(deref).WithCrossOriginPolicy(CrossOriginThrow)

	_, err := note.Get(context.Background(), "attributedTo")
	assert.ErrorIs(t, err, ErrCrossOrigin)
}

func TestCrossOriginTrustResolvesMismatchedChild(t *testing.T) {
	deref := mapDeref{
		"https://evil.example/actor": {"id": "https://evil.example/actor", "type": "Person"},
	}
	note := NewObject("https://example.com/note", "Note")
	note.SetFunctional("attributedTo", RefURL("https://evil.example/actor"))
	note.WithDereferencer(deref).WithCrossOriginPolicy(CrossOriginTrust)

	resolved, err := note.Get(context.Background(), "attributedTo")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, "https://evil.example/actor", resolved.ID)
}

func TestSameOriginChildNeverRechecked(t *testing.T) {
	deref := mapDeref{
		"https://example.com/author": {"id": "https://example.com/author", "type": "Person"},
	}
	note := NewObject("https://example.com/note", "Note")
	note.SetFunctional("attributedTo", RefURL("https://example.com/author"))
	note.WithDereferencer(deref).WithCrossOriginPolicy(CrossOriginThrow)

	resolved, err := note.Get(context.Background(), "attributedTo")
	require.NoError(t, err)
	require.NotNil(t, resolved)
}

func TestIDsCoercesResolvedObjectsToURL(t *testing.T) {
	o := NewObject("https://example.com/note", "Note")
	o.AppendNonFunctional("to", RefURL("https://example.com/alice"))
	o.AppendNonFunctional("to", RefObject(NewObject("https://example.com/bob", "Person")))
	assert.Equal(t, []string{"https://example.com/alice", "https://example.com/bob"}, o.IDs("to"))
}
