package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klppl/fedigo/docloader"
	"github.com/klppl/fedigo/vocab"
	"github.com/stretchr/testify/require"
)

func TestTraverseCollectionYieldsAllItemsAcrossPages(t *testing.T) {
	const totalPages = 3
	const perPage = 4

	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		page := r.URL.Query().Get("page")
		if page == "" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id":    ts.URL + "/outbox",
				"type":  "OrderedCollection",
				"first": ts.URL + "/outbox?page=0",
			})
			return
		}
		n := 0
		fmt.Sscanf(page, "%d", &n)
		items := make([]map[string]interface{}, 0, perPage)
		for i := 0; i < perPage; i++ {
			idx := n*perPage + i
			items = append(items, map[string]interface{}{
				"id":   fmt.Sprintf("https://example.com/notes/%d", idx),
				"type": "Note",
			})
		}
		doc := map[string]interface{}{
			"id":           ts.URL + "/outbox?page=" + page,
			"type":         "OrderedCollectionPage",
			"orderedItems": items,
		}
		if n+1 < totalPages {
			doc["next"] = fmt.Sprintf("%s/outbox?page=%d", ts.URL, n+1)
		}
		json.NewEncoder(w).Encode(doc)
	}))
	defer ts.Close()

	loader := docloader.New(docloader.Options{AllowPrivateAddress: true})
	ctx := context.Background()
	doc, err := loader.Load(ctx, ts.URL+"/outbox")
	require.NoError(t, err)
	m, ok := doc.Document.(map[string]interface{})
	require.True(t, ok)
	col, err := vocab.FromJSONLD(m)
	require.NoError(t, err)

	it := TraverseCollection(ctx, loader, col, TraverseOptions{})
	count := 0
	for {
		item, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.NotNil(t, item)
		count++
	}
	require.Equal(t, totalPages*perPage, count)
}
