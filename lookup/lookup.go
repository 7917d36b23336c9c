// Package lookup implements C7: resolving a URL or handle to a vocabulary
// object, and traversing arbitrarily paged collections. It generalizes the
// teacher's ap.AccountResyncer.resyncAll politeness pattern
// (internal/ap/resync.go: time.After sleep between fetches, ctx.Done()
// interruption) from a fixed actor list into arbitrary Collection paging.
package lookup

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/klppl/fedigo/docloader"
	"github.com/klppl/fedigo/vocab"
	"github.com/klppl/fedigo/webfinger"
)

// Options configures LookupObject.
type Options struct {
	CrossOrigin vocab.CrossOriginPolicy
	WebFinger   *webfinger.Client // defaults to webfinger.New()
}

// LookupObject resolves target — a URL or a WebFinger handle — to a
// vocab.Object. Per spec.md §4.C7, it returns (nil, nil) rather than an
// error when ctx is cancelled before completion, and applies the same
// cross-origin check C4's lazy accessors do.
func LookupObject(ctx context.Context, loader *docloader.Loader, target string, opts Options) (*vocab.Object, error) {
	select {
	case <-ctx.Done():
		return nil, nil
	default:
	}

	fetchURL := target
	if !looksLikeURL(target) {
		wf := opts.WebFinger
		if wf == nil {
			wf = webfinger.New()
		}
		jrd, err := wf.Lookup(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("lookup: webfinger resolve %q: %w", target, err)
		}
		href, ok := jrd.ActivityPubActorURL()
		if !ok {
			return nil, fmt.Errorf("lookup: no self/activity+json link for %q", target)
		}
		fetchURL = href
	}

	doc, err := loader.Load(ctx, fetchURL)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, nil
		default:
		}
		return nil, fmt.Errorf("lookup: fetch %q: %w", fetchURL, err)
	}

	m, ok := doc.Document.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("lookup: document at %q is not a JSON object", fetchURL)
	}
	obj, err := vocab.FromJSONLD(m)
	if err != nil {
		return nil, err
	}
	obj.WithDereferencer(loaderAdapter{loader}).WithCrossOriginPolicy(opts.CrossOrigin)

	if !sameOrigin(obj.ID, doc.DocumentURL) && !sameOrigin(obj.ID, fetchURL) {
		switch opts.CrossOrigin {
		case vocab.CrossOriginIgnore:
			return nil, nil
		case vocab.CrossOriginThrow:
			return nil, vocab.ErrCrossOrigin
		}
	}
	return obj, nil
}

type loaderAdapter struct{ l *docloader.Loader }

func (a loaderAdapter) Load(ctx context.Context, u string) (*docloader.RemoteDocument, error) {
	return a.l.Load(ctx, u)
}

// TraverseOptions configures TraverseCollection.
type TraverseOptions struct {
	// Interval, if positive, sleeps between page fetches for politeness.
	Interval time.Duration
	// SuppressError skips a bad page/item and continues instead of
	// aborting the whole traversal.
	SuppressError bool
}

// Iterator is a pull-based cursor over a paged collection's items. next()
// performs I/O; the sequence is finite and not restartable, per spec.md §9.
type Iterator struct {
	ctx     context.Context
	loader  *docloader.Loader
	opts    TraverseOptions
	pending []vocab.Ref
	nextURL string
	done    bool
	first   bool
}

// TraverseCollection returns an Iterator over col's items, following
// first/next paging.
func TraverseCollection(ctx context.Context, loader *docloader.Loader, col *vocab.Object, opts TraverseOptions) *Iterator {
	it := &Iterator{ctx: ctx, loader: loader, opts: opts, first: true}
	c := vocab.NewCollection(col)
	if first := c.FirstURL(); first != "" {
		it.nextURL = first
	} else {
		it.pending = c.Items()
	}
	return it
}

// Next returns the next item, or (nil, false, nil) at end of stream.
// Network errors abort the traversal unless SuppressError is set, in which
// case the bad page is skipped and traversal continues from nothing (since
// the next cursor was on the page that failed to load).
func (it *Iterator) Next() (*vocab.Object, bool, error) {
	for {
		if len(it.pending) > 0 {
			ref := it.pending[0]
			it.pending = it.pending[1:]
			obj := ref.Object()
			if obj == nil && ref.ID() != "" {
				doc, err := it.loader.Load(it.ctx, ref.ID())
				if err != nil {
					if it.opts.SuppressError {
						continue
					}
					return nil, false, err
				}
				m, ok := doc.Document.(map[string]interface{})
				if !ok {
					if it.opts.SuppressError {
						continue
					}
					return nil, false, fmt.Errorf("lookup: item %q is not a JSON object", ref.ID())
				}
				obj, err = vocab.FromJSONLD(m)
				if err != nil {
					if it.opts.SuppressError {
						continue
					}
					return nil, false, err
				}
			}
			return obj, true, nil
		}
		if it.done || it.nextURL == "" {
			return nil, false, nil
		}

		select {
		case <-it.ctx.Done():
			return nil, false, nil
		default:
		}
		if !it.first && it.opts.Interval > 0 {
			select {
			case <-time.After(it.opts.Interval):
			case <-it.ctx.Done():
				return nil, false, nil
			}
		}
		it.first = false

		doc, err := it.loader.Load(it.ctx, it.nextURL)
		if err != nil {
			it.nextURL = ""
			if it.opts.SuppressError {
				continue
			}
			return nil, false, err
		}
		m, ok := doc.Document.(map[string]interface{})
		if !ok {
			it.nextURL = ""
			if it.opts.SuppressError {
				continue
			}
			return nil, false, fmt.Errorf("lookup: page %q is not a JSON object", it.nextURL)
		}
		page, err := vocab.FromJSONLD(m)
		if err != nil {
			it.nextURL = ""
			if it.opts.SuppressError {
				continue
			}
			return nil, false, err
		}
		pc := vocab.NewCollection(page)
		it.pending = pc.Items()
		it.nextURL = pc.NextURL()
		if it.nextURL == "" {
			it.done = true
		}
	}
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

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
