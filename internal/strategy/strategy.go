package strategy

import (
	"context"
	"net/http"
)

// Strategy resolves one GET request against the cache buckets and the
// network. Serve never surfaces a network failure to the caller: when both
// cache and network come up empty it returns an offline fallback entry. The
// error return is reserved for requests that bypass caching entirely.
type Strategy interface {
	Name() string
	Serve(ctx context.Context, req *http.Request) (*Result, error)
}

// Result is a resolved response plus where it came from.
type Result struct {
	Status   int
	Header   http.Header
	Body     []byte
	Source   Source
	Strategy string
}

// Source tells the caller whether the cache or the network produced the
// response, or whether this is an offline placeholder.
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)
