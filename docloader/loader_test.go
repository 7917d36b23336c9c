package docloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDirectJSONLD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write([]byte(`{"id":"https://example.com/person","type":"Person","name":"John Doe"}`))
	}))
	defer srv.Close()

	l := New(Options{AllowPrivateAddress: true})
	doc, err := l.Load(context.Background(), srv.URL)
	require.NoError(t, err)
	m, ok := doc.Document.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "John Doe", m["name"])
}

func TestLoadGoneReturnsErrGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	l := New(Options{AllowPrivateAddress: true})
	_, err := l.Load(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrGone)
}

func TestLoadRejectsNonHTTPScheme(t *testing.T) {
	l := New(Options{})
	_, err := l.Load(context.Background(), "ftp://example.com/x")
	var uerr *UrlError
	assert.ErrorAs(t, err, &uerr)
}

func TestLoadRejectsPrivateAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	l := New(Options{}) // guard enabled
	_, err := l.Load(context.Background(), srv.URL)
	var uerr *UrlError
	assert.ErrorAs(t, err, &uerr)
}

func TestLoadFollowsLinkHeaderAlternate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/note", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write([]byte(`{"id":"https://example.com/note","type":"Note"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", `<`+srv.URL+`/note>; rel="alternate"; type="application/activity+json"`)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("human readable"))
	})

	l := New(Options{AllowPrivateAddress: true})
	doc, err := l.Load(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	m := doc.Document.(map[string]interface{})
	assert.Equal(t, "Note", m["type"])
}

func TestLoadFollowsHTMLAlternate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/note", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write([]byte(`{"id":"https://example.com/note","type":"Note"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><link rel="alternate" type="application/activity+json" href="` + srv.URL + `/note"></head></html>`))
	})

	l := New(Options{AllowPrivateAddress: true})
	doc, err := l.Load(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	m := doc.Document.(map[string]interface{})
	assert.Equal(t, "Note", m["type"])
}

func TestLoadExtractsContextURLFromLinkHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", `<https://example.com/ctx.jsonld>; rel="http://www.w3.org/ns/json-ld#context"`)
		w.Header().Set("Content-Type", "application/ld+json")
		w.Write([]byte(`{"id":"https://example.com/x"}`))
	}))
	defer srv.Close()

	l := New(Options{AllowPrivateAddress: true})
	doc, err := l.Load(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/ctx.jsonld", doc.ContextURL)
}
