// Package docloader implements the JSON-LD document loader: an HTTP(S)
// fetcher with Link-header/HTML alternate discovery, a private-address
// (SSRF) guard applied at every hop, and a TTL cache layered on top of the
// kv package. It generalizes the teacher's ap.FetchObject/ap.WebFingerResolve
// request plumbing (User-Agent policy, 410-as-sentinel, +json acceptance)
// into the spec's RemoteDocument contract used throughout the vocabulary
// runtime.
package docloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteDocument is the triple returned by a successful fetch.
type RemoteDocument struct {
	// DocumentURL is the URL after following redirects.
	DocumentURL string
	// ContextURL is hinted by a Link: rel="http://www.w3.org/ns/json-ld#context"
	// header, or "" if absent.
	ContextURL string
	// Document is the parsed JSON body.
	Document interface{}
}

// UrlError reports a rejected URL: unsupported scheme or a private/loopback
// address caught by the SSRF guard.
type UrlError struct {
	URL    string
	Reason string
}

func (e *UrlError) Error() string {
	return fmt.Sprintf("docloader: rejected url %q: %s", e.URL, e.Reason)
}

// FetchError wraps a non-2xx HTTP response or a transport failure.
type FetchError struct {
	URL        string
	StatusCode int // 0 for transport-level failures
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("docloader: fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("docloader: fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrGone mirrors the teacher's ap.ErrGone: a 410 response, distinguished
// from other fetch failures because some callers (e.g. inbox Delete
// handling) treat a gone actor specially.
var ErrGone = errors.New("docloader: resource gone (410)")

const defaultUserAgent = "fedigo/1.0 (+https://github.com/klppl/fedigo)"

// Options configures a Loader.
type Options struct {
	// UserAgent overrides the default User-Agent header sent on every
	// request. Empty uses defaultUserAgent.
	UserAgent string
	// HTTPClient overrides the transport. Nil uses a client with a 10s
	// timeout, matching the teacher's httpClient.
	HTTPClient *http.Client
	// AllowPrivateAddress disables the SSRF guard. Intended for tests only.
	AllowPrivateAddress bool
	// MaxRedirects caps the redirect hops the default client follows and
	// the number of alternate-discovery hops Load takes. A caller-supplied
	// HTTPClient keeps its own redirect policy. Zero uses 10.
	MaxRedirects int
}

// Loader fetches JSON-LD documents, applying alternate discovery when the
// response isn't itself JSON-LD.
type Loader struct {
	opts   Options
	client *http.Client
}

// New constructs a Loader.
func New(opts Options) *Loader {
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.MaxRedirects == 0 {
		opts.MaxRedirects = 10
	}
	l := &Loader{opts: opts}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= l.opts.MaxRedirects {
					return fmt.Errorf("stopped after %d redirects", l.opts.MaxRedirects)
				}
				return l.guardURL(req.Context(), req.URL.String())
			},
		}
	}
	l.client = client
	return l
}

const acceptHeader = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams", text/html;q=0.7`

// Load fetches rawURL and returns its RemoteDocument, following Link-header
// and (for HTML responses) in-document alternate discovery until a JSON-LD
// document is found or no further alternate is available.
func (l *Loader) Load(ctx context.Context, rawURL string) (*RemoteDocument, error) {
	return l.load(ctx, rawURL, l.opts.MaxRedirects)
}

func (l *Loader) load(ctx context.Context, rawURL string, altBudget int) (*RemoteDocument, error) {
	if err := l.guardURL(ctx, rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", l.opts.UserAgent)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
		if finalURL != rawURL {
			if err := l.guardURL(ctx, finalURL); err != nil {
				return nil, err
			}
		}
	}

	if resp.StatusCode == http.StatusGone {
		return nil, ErrGone
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	contextURL := contextURLFromLinkHeader(resp.Header, finalURL)
	contentType := resp.Header.Get("Content-Type")

	if isJSONMediaType(contentType) {
		var doc interface{}
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("decode json: %w", err)}
		}
		return &RemoteDocument{DocumentURL: finalURL, ContextURL: contextURL, Document: doc}, nil
	}

	if altBudget <= 0 {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("no json-ld alternate found (redirect/alternate budget exhausted)")}
	}

	alt := alternateFromLinkHeader(resp.Header, finalURL)
	if alt == "" && isHTMLMediaType(contentType) {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
		if err != nil {
			return nil, &FetchError{URL: rawURL, Err: err}
		}
		alt = alternateFromHTML(body, finalURL)
	}
	if alt == "" {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("response is %q, no alternate link discovered", contentType)}
	}
	doc, err := l.load(ctx, alt, altBudget-1)
	if err != nil {
		return nil, err
	}
	if doc.ContextURL == "" {
		doc.ContextURL = contextURL
	}
	return doc, nil
}

func isJSONMediaType(contentType string) bool {
	mt := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return mt == "application/activity+json" ||
		mt == "application/ld+json" ||
		mt == "application/json" ||
		strings.HasSuffix(mt, "+json")
}

func isHTMLMediaType(contentType string) bool {
	mt := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// guardURL rejects non-HTTP(S) schemes and, unless disabled, resolves the
// host and rejects private/loopback/link-local addresses. This runs at the
// original URL, at every redirect hop when the default client is used (its
// CheckRedirect, set in New), at the final post-redirect URL (the only
// redirect check a caller-supplied HTTPClient gets) and at every
// alternate-discovered URL.
func (l *Loader) guardURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &UrlError{URL: rawURL, Reason: "unparseable url"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &UrlError{URL: rawURL, Reason: "scheme must be http or https"}
	}
	if l.opts.AllowPrivateAddress {
		return nil
	}
	host := u.Hostname()
	if host == "" {
		return &UrlError{URL: rawURL, Reason: "missing host"}
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return &UrlError{URL: rawURL, Reason: fmt.Sprintf("dns lookup failed: %v", err)}
	}
	for _, ip := range ips {
		if isDisallowedAddress(ip.IP) {
			return &UrlError{URL: rawURL, Reason: fmt.Sprintf("address %s is private/loopback/link-local", ip.IP)}
		}
	}
	return nil
}

func isDisallowedAddress(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}
