// Package webfinger implements the WebFinger client (spec.md §4.C6):
// resolving acct:/handle/https resource identifiers to JRD link sets. It
// generalizes the teacher's ap.WebFingerResolve (internal/ap/client.go)
// from a single "return the AP actor href" helper into full JRD validation
// that hands back every link, so callers (lookup.LookupObject, actor
// dispatch) can pick the relation they need.
package webfinger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Link is one entry of a WebFinger JRD's "links" array.
type Link struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// JRD is a parsed JSON Resource Descriptor.
type JRD struct {
	Subject string   `json:"subject"`
	Aliases []string `json:"aliases,omitempty"`
	Links   []Link   `json:"links"`
}

// ActivityPubActorURL returns the first rel="self" link whose type names an
// ActivityPub/JSON-LD media type, per the teacher's isAPMediaType check
// (internal/ap/client.go), generalized to operate on the full JRD rather
// than being baked into the fetch itself.
func (j *JRD) ActivityPubActorURL() (string, bool) {
	for _, l := range j.Links {
		if l.Rel == "self" && isAPMediaType(l.Type) {
			return l.Href, true
		}
	}
	return "", false
}

// httpDoer is satisfied by *http.Client; narrowed to an interface so tests
// can substitute a scheme-rewriting shim without a real TLS listener.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client resolves WebFinger resources.
type Client struct {
	HTTPClient          httpDoer
	UserAgent           string
	AllowPrivateAddress bool
}

// New constructs a Client with the teacher's 10s-timeout default.
func New() *Client {
	return &Client{HTTPClient: &http.Client{Timeout: 10 * time.Second}, UserAgent: "fedigo/1.0 (+https://github.com/klppl/fedigo)"}
}

// NormalizeResource turns a bare "@user@host" handle into "acct:user@host";
// acct: and https: resources pass through unchanged.
func NormalizeResource(resource string) string {
	if strings.HasPrefix(resource, "acct:") || strings.Contains(resource, "://") {
		return resource
	}
	return "acct:" + strings.TrimPrefix(resource, "@")
}

// Lookup issues a WebFinger GET for resource, which must be an "acct:"
// URI, an "https:" URL, or an "@user@host" handle (normalised to acct:).
func (c *Client) Lookup(ctx context.Context, resource string) (*JRD, error) {
	resource = NormalizeResource(resource)
	host, err := hostOf(resource)
	if err != nil {
		return nil, err
	}
	if !c.AllowPrivateAddress {
		if err := guardHost(ctx, host); err != nil {
			return nil, err
		}
	}

	wfURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s", host, url.QueryEscape(resource))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wfURL, nil)
	if err != nil {
		return nil, fmt.Errorf("webfinger: build request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", c.UserAgent)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webfinger: fetch %s: %w", wfURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webfinger: %s returned HTTP %d", wfURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("webfinger: read body: %w", err)
	}

	var jrd JRD
	if err := json.Unmarshal(body, &jrd); err != nil {
		return nil, fmt.Errorf("webfinger: decode JRD: %w", err)
	}
	if err := validateSubject(resource, jrd.Subject, jrd.Aliases); err != nil {
		return nil, err
	}
	return &jrd, nil
}

// validateSubject checks that the JRD's subject (or one of its aliases)
// matches the requested resource, modulo scheme, per spec.md §4.C6.
func validateSubject(requested, subject string, aliases []string) error {
	if subjectMatches(requested, subject) {
		return nil
	}
	for _, a := range aliases {
		if subjectMatches(requested, a) {
			return nil
		}
	}
	return fmt.Errorf("webfinger: JRD subject %q does not match requested resource %q", subject, requested)
}

func subjectMatches(a, b string) bool {
	return strings.TrimPrefix(strings.TrimPrefix(a, "acct:"), "https://") ==
		strings.TrimPrefix(strings.TrimPrefix(b, "acct:"), "https://")
}

func hostOf(resource string) (string, error) {
	if strings.HasPrefix(resource, "acct:") {
		rest := strings.TrimPrefix(resource, "acct:")
		parts := strings.SplitN(rest, "@", 2)
		if len(parts) != 2 || parts[1] == "" {
			return "", fmt.Errorf("webfinger: invalid acct resource %q", resource)
		}
		return parts[1], nil
	}
	u, err := url.Parse(resource)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("webfinger: cannot determine host from resource %q", resource)
	}
	return u.Host, nil
}

func guardHost(ctx context.Context, host string) error {
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return fmt.Errorf("webfinger: dns lookup for %q failed: %w", hostname, err)
	}
	for _, ip := range ips {
		if ip.IP.IsLoopback() || ip.IP.IsPrivate() || ip.IP.IsLinkLocalUnicast() || ip.IP.IsUnspecified() {
			return fmt.Errorf("webfinger: host %q resolves to a private/loopback address", hostname)
		}
	}
	return nil
}

// isAPMediaType reports whether a WebFinger link content-type string
// represents an ActivityPub actor document, carried over verbatim from the
// teacher's isAPMediaType (internal/ap/client.go).
func isAPMediaType(ct string) bool {
	lower := strings.ToLower(ct)
	if lower == "application/activity+json" {
		return true
	}
	return strings.HasPrefix(lower, "application/ld+json") &&
		strings.Contains(lower, "https://www.w3.org/ns/activitystreams")
}
