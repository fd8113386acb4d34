package strategy

import (
	"context"
	"net/http"

	"github.com/offlinehq/syncengine/internal/cache"
	"github.com/offlinehq/syncengine/internal/logctx"
	"github.com/offlinehq/syncengine/internal/telemetry"
)

// CacheFirst serves the bucket's entry when present and only then reaches
// for the network; a successful network response is stored before it is
// returned, and a network failure degrades to the offline fallback.
type CacheFirst struct {
	buckets   *cache.Manager
	purpose   cache.Purpose
	fetcher   Fetcher
	fallback  *Fallback
	telemetry *telemetry.Telemetry
}

func NewCacheFirst(buckets *cache.Manager, purpose cache.Purpose, fetcher Fetcher, fallback *Fallback, tel *telemetry.Telemetry) *CacheFirst {
	return &CacheFirst{
		buckets:   buckets,
		purpose:   purpose,
		fetcher:   fetcher,
		fallback:  fallback,
		telemetry: tel,
	}
}

func (s *CacheFirst) Name() string {
	return "cache_first"
}

func (s *CacheFirst) Serve(ctx context.Context, req *http.Request) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)
	key := cache.RequestKey(req)

	if entry, err := s.buckets.Get(s.purpose, key); err == nil {
		s.telemetry.RecordCacheHit(s.Name(), string(s.purpose))

		return entryResult(entry, SourceCache, s.Name()), nil
	}

	s.telemetry.RecordCacheMiss(s.Name(), string(s.purpose))

	entry, err := s.fetcher.Fetch(ctx, req.Method, req.URL.String(), req.Header)
	if err != nil {
		logger.Debug("network unavailable, serving offline fallback", "url", req.URL.String(), "err", err)

		return s.fallback.Serve(req, s.Name()), nil
	}

	if entry.Status == http.StatusOK {
		if err := s.buckets.Put(s.purpose, key, *entry); err != nil {
			// Storage trouble must not fail the request; the response is
			// simply not persisted this time.
			logger.Warn("failed to store cache entry", "key", key, "err", err)
		}
	}

	return entryResult(entry, SourceNetwork, s.Name()), nil
}

func entryResult(entry *cache.Entry, source Source, strategyName string) *Result {
	return &Result{
		Status:   entry.Status,
		Header:   entry.Header,
		Body:     entry.Body,
		Source:   source,
		Strategy: strategyName,
	}
}
