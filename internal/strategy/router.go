package strategy

import (
	"context"
	"net/http"
	"strings"

	"github.com/offlinehq/syncengine/internal/cache"
	"github.com/offlinehq/syncengine/internal/telemetry"
)

// Kind names a caching algorithm a rule can dispatch to.
type Kind string

const (
	KindCacheFirst           Kind = "cache_first"
	KindNetworkFirst         Kind = "network_first"
	KindStaleWhileRevalidate Kind = "stale_while_revalidate"
	KindVideo                Kind = "video"
)

// Rule maps a URL pattern to a strategy and a bucket purpose. Rules are
// read-only at runtime and evaluated top to bottom; the first match wins.
type Rule struct {
	Pattern  string
	Anchored bool // match the path prefix exactly instead of substring
	Kind     Kind
	Purpose  cache.Purpose
}

func (r Rule) matches(path string) bool {
	if r.Anchored {
		if r.Pattern == "/" {
			return path == "/"
		}

		return strings.HasPrefix(path, r.Pattern)
	}

	return strings.Contains(path, r.Pattern)
}

// DefaultRules is the rule table for the content app shell: videos first,
// then static assets, images, API calls and the revalidated app routes.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: "/videos/", Kind: KindVideo, Purpose: cache.PurposeVideo},
		{Pattern: "/", Anchored: true, Kind: KindCacheFirst, Purpose: cache.PurposeStatic},
		{Pattern: "/static/", Anchored: true, Kind: KindCacheFirst, Purpose: cache.PurposeStatic},
		{Pattern: "/manifest.json", Anchored: true, Kind: KindCacheFirst, Purpose: cache.PurposeStatic},
		{Pattern: "/offline.html", Anchored: true, Kind: KindCacheFirst, Purpose: cache.PurposeStatic},
		{Pattern: "/images/", Kind: KindCacheFirst, Purpose: cache.PurposeImage},
		{Pattern: "/thumbnails/", Kind: KindCacheFirst, Purpose: cache.PurposeImage},
		{Pattern: "/api/", Kind: KindNetworkFirst, Purpose: cache.PurposeDynamic},
		{Pattern: "/modules", Kind: KindStaleWhileRevalidate, Purpose: cache.PurposeDynamic},
		{Pattern: "/progress", Kind: KindStaleWhileRevalidate, Purpose: cache.PurposeDynamic},
	}
}

// Router classifies an inbound request and dispatches it to exactly one
// strategy. Non-GET requests and cross-origin requests bypass caching and go
// straight to the network.
type Router struct {
	rules      []Rule
	originHost string
	fetcher    Fetcher
	fallback   *Fallback
	telemetry  *telemetry.Telemetry

	cacheFirstStatic *CacheFirst
	cacheFirstImage  *CacheFirst
	networkFirst     *NetworkFirst
	swr              *StaleWhileRevalidate
	video            *Video
}

// NewRouter builds a router over the given buckets. originHost is the host
// whose requests this engine is responsible for; anything else is proxied
// untouched.
func NewRouter(rules []Rule, originHost string, buckets *cache.Manager, fetcher Fetcher, fallback *Fallback, tel *telemetry.Telemetry) *Router {
	return &Router{
		rules:      rules,
		originHost: originHost,
		fetcher:    fetcher,
		fallback:   fallback,
		telemetry:  tel,

		cacheFirstStatic: NewCacheFirst(buckets, cache.PurposeStatic, fetcher, fallback, tel),
		cacheFirstImage:  NewCacheFirst(buckets, cache.PurposeImage, fetcher, fallback, tel),
		networkFirst:     NewNetworkFirst(buckets, cache.PurposeDynamic, fetcher, fallback, tel),
		swr:              NewStaleWhileRevalidate(buckets, cache.PurposeDynamic, fetcher, fallback, tel),
		video:            NewVideo(buckets, fetcher, fallback, tel),
	}
}

// Serve resolves a request through the selected strategy, or proxies it
// directly for requests outside the router's remit.
func (rt *Router) Serve(ctx context.Context, req *http.Request) (*Result, error) {
	if req.Method != http.MethodGet || !rt.sameOrigin(req) {
		return rt.passthrough(ctx, req)
	}

	strategy := rt.resolve(req)

	var result *Result

	err := rt.telemetry.InstrumentStrategy(ctx, strategy.Name(), func(ctx context.Context) error {
		var serveErr error
		result, serveErr = strategy.Serve(ctx, req)

		return serveErr
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// resolve picks the strategy for a GET request. A byte-range header forces
// the video strategy regardless of the URL shape.
func (rt *Router) resolve(req *http.Request) Strategy {
	if req.Header.Get("Range") != "" {
		return rt.video
	}

	path := req.URL.Path

	for _, rule := range rt.rules {
		if !rule.matches(path) {
			continue
		}

		switch rule.Kind {
		case KindVideo:
			return rt.video
		case KindCacheFirst:
			if rule.Purpose == cache.PurposeImage {
				return rt.cacheFirstImage
			}

			return rt.cacheFirstStatic
		case KindNetworkFirst:
			return rt.networkFirst
		case KindStaleWhileRevalidate:
			return rt.swr
		}
	}

	// No match falls back to network-first against the dynamic bucket.
	return rt.networkFirst
}

func (rt *Router) sameOrigin(req *http.Request) bool {
	return req.URL.Host == "" || req.URL.Host == rt.originHost
}

func (rt *Router) passthrough(ctx context.Context, req *http.Request) (*Result, error) {
	entry, err := rt.fetcher.Fetch(ctx, req.Method, req.URL.String(), req.Header)
	if err != nil {
		return nil, err
	}

	return &Result{
		Status:   entry.Status,
		Header:   entry.Header,
		Body:     entry.Body,
		Source:   SourceNetwork,
		Strategy: "bypass",
	}, nil
}
