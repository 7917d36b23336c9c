package docloader

import (
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// linkHeaderEntry is one comma-separated item of an RFC 8288 Link header.
type linkHeaderEntry struct {
	target string
	params map[string]string
}

// parseLinkHeader parses all "Link" header values. It's intentionally
// tolerant: malformed entries are skipped rather than erroring, matching the
// general best-effort posture the spec gives to alternate discovery.
func parseLinkHeader(h http.Header) []linkHeaderEntry {
	var entries []linkHeaderEntry
	for _, raw := range h.Values("Link") {
		for _, item := range splitLinkItems(raw) {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			lt := strings.Index(item, "<")
			gt := strings.Index(item, ">")
			if lt != 0 || gt < 0 {
				continue
			}
			target := item[lt+1 : gt]
			params := map[string]string{}
			for _, seg := range strings.Split(item[gt+1:], ";") {
				seg = strings.TrimSpace(seg)
				if seg == "" {
					continue
				}
				kv := strings.SplitN(seg, "=", 2)
				if len(kv) != 2 {
					continue
				}
				key := strings.ToLower(strings.TrimSpace(kv[0]))
				val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
				params[key] = val
			}
			entries = append(entries, linkHeaderEntry{target: target, params: params})
		}
	}
	return entries
}

// splitLinkItems splits a Link header value on commas that separate distinct
// link entries, while ignoring commas inside quoted parameter values.
func splitLinkItems(raw string) []string {
	var items []string
	var b strings.Builder
	inQuotes := false
	for _, r := range raw {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			b.WriteRune(r)
		case r == ',' && !inQuotes:
			items = append(items, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		items = append(items, b.String())
	}
	return items
}

func resolveAgainst(base string, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// alternateFromLinkHeader finds rel="alternate" with an AP/JSON-LD type.
func alternateFromLinkHeader(h http.Header, baseURL string) string {
	for _, e := range parseLinkHeader(h) {
		if !strings.EqualFold(e.params["rel"], "alternate") {
			continue
		}
		if isJSONMediaType(e.params["type"]) {
			return resolveAgainst(baseURL, e.target)
		}
	}
	return ""
}

// contextURLFromLinkHeader extracts the JSON-LD context hint.
func contextURLFromLinkHeader(h http.Header, baseURL string) string {
	for _, e := range parseLinkHeader(h) {
		if e.params["rel"] == "http://www.w3.org/ns/json-ld#context" {
			return resolveAgainst(baseURL, e.target)
		}
	}
	return ""
}

// alternateFromHTML scans an HTML document for
// <link rel=alternate type=application/activity+json href=...> and, failing
// that, an <a> tag pointing at an ActivityPub-typed href, using
// golang.org/x/net/html for a tolerant tree-walk rather than regexing tags.
func alternateFromHTML(body []byte, baseURL string) string {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return ""
	}

	var linkAlt, anchorAlt string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "link":
				if linkAlt == "" && attr(n, "rel") == "alternate" && isJSONMediaType(attr(n, "type")) {
					if href := attr(n, "href"); href != "" {
						linkAlt = resolveAgainst(baseURL, href)
					}
				}
			case "a":
				if anchorAlt == "" && isJSONMediaType(attr(n, "type")) {
					if href := attr(n, "href"); href != "" {
						anchorAlt = resolveAgainst(baseURL, href)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if linkAlt != "" {
		return linkAlt
	}
	return anchorAlt
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}
