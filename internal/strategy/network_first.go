package strategy

import (
	"context"
	"net/http"

	"github.com/offlinehq/syncengine/internal/cache"
	"github.com/offlinehq/syncengine/internal/logctx"
	"github.com/offlinehq/syncengine/internal/telemetry"
)

// NetworkFirst treats the network as authoritative: a fresh 200 is stored
// and returned, while a network error or non-200 falls back to the bucket's
// entry and, failing that, to the offline fallback.
type NetworkFirst struct {
	buckets   *cache.Manager
	purpose   cache.Purpose
	fetcher   Fetcher
	fallback  *Fallback
	telemetry *telemetry.Telemetry
}

func NewNetworkFirst(buckets *cache.Manager, purpose cache.Purpose, fetcher Fetcher, fallback *Fallback, tel *telemetry.Telemetry) *NetworkFirst {
	return &NetworkFirst{
		buckets:   buckets,
		purpose:   purpose,
		fetcher:   fetcher,
		fallback:  fallback,
		telemetry: tel,
	}
}

func (s *NetworkFirst) Name() string {
	return "network_first"
}

func (s *NetworkFirst) Serve(ctx context.Context, req *http.Request) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)
	key := cache.RequestKey(req)

	entry, err := s.fetcher.Fetch(ctx, req.Method, req.URL.String(), req.Header)
	if err == nil && entry.Status == http.StatusOK {
		if putErr := s.buckets.Put(s.purpose, key, *entry); putErr != nil {
			logger.Warn("failed to store cache entry", "key", key, "err", putErr)
		}

		return entryResult(entry, SourceNetwork, s.Name()), nil
	}

	if err != nil {
		logger.Debug("network fetch failed, trying cache", "url", req.URL.String(), "err", err)
	}

	if cached, cacheErr := s.buckets.Get(s.purpose, key); cacheErr == nil {
		s.telemetry.RecordCacheHit(s.Name(), string(s.purpose))

		return entryResult(cached, SourceCache, s.Name()), nil
	}

	s.telemetry.RecordCacheMiss(s.Name(), string(s.purpose))

	return s.fallback.Serve(req, s.Name()), nil
}
