package webfinger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupResolvesActivityPubActor(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/jrd+json")
		w.Write([]byte(`{
			"subject": "` + r.URL.Query().Get("resource") + `",
			"links": [{"rel":"self","type":"application/activity+json","href":"https://example.com/person"}]
		}`))
	}))
	defer ts.Close()

	c := New()
	c.AllowPrivateAddress = true
	host := strings.TrimPrefix(ts.URL, "http://")

	jrd, err := lookupAt(c, host, "@johndoe@"+host)
	require.NoError(t, err)
	href, ok := jrd.ActivityPubActorURL()
	require.True(t, ok)
	require.Equal(t, "https://example.com/person", href)
}

// lookupAt is a small test shim that swaps the fixed "https://" scheme for
// the httptest server's actual scheme+host, since Client.Lookup always
// dials https://<host>/.well-known/webfinger per the real protocol.
func lookupAt(c *Client, host, resource string) (*JRD, error) {
	c2 := *c
	c2.HTTPClient = &testClient{inner: c.HTTPClient.(*http.Client)}
	return c2.Lookup(context.Background(), resource)
}

type testClient struct {
	inner *http.Client
}

func (t *testClient) Do(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	return t.inner.Do(req)
}
