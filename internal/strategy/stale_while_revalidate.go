package strategy

import (
	"context"
	"net/http"

	"github.com/offlinehq/syncengine/internal/cache"
	"github.com/offlinehq/syncengine/internal/logctx"
	"github.com/offlinehq/syncengine/internal/telemetry"
)

// StaleWhileRevalidate returns the bucket's entry immediately when present
// and refreshes it in the background; the caller never waits on the refresh.
// The refresh is deliberately unsupervised: its failure is swallowed, since
// the caller already has a response.
type StaleWhileRevalidate struct {
	buckets   *cache.Manager
	purpose   cache.Purpose
	fetcher   Fetcher
	fallback  *Fallback
	telemetry *telemetry.Telemetry
}

func NewStaleWhileRevalidate(buckets *cache.Manager, purpose cache.Purpose, fetcher Fetcher, fallback *Fallback, tel *telemetry.Telemetry) *StaleWhileRevalidate {
	return &StaleWhileRevalidate{
		buckets:   buckets,
		purpose:   purpose,
		fetcher:   fetcher,
		fallback:  fallback,
		telemetry: tel,
	}
}

func (s *StaleWhileRevalidate) Name() string {
	return "stale_while_revalidate"
}

func (s *StaleWhileRevalidate) Serve(ctx context.Context, req *http.Request) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)
	key := cache.RequestKey(req)
	method := req.Method
	url := req.URL.String()
	header := req.Header.Clone()

	if cached, err := s.buckets.Get(s.purpose, key); err == nil {
		s.telemetry.RecordCacheHit(s.Name(), string(s.purpose))

		// Detached refresh: runs off the request's lifetime, never joined.
		go s.refresh(logctx.WithLogger(context.Background(), logger), method, url, header, key)

		return entryResult(cached, SourceCache, s.Name()), nil
	}

	s.telemetry.RecordCacheMiss(s.Name(), string(s.purpose))

	entry, err := s.fetcher.Fetch(ctx, method, url, header)
	if err != nil {
		logger.Debug("network unavailable, serving offline fallback", "url", url, "err", err)

		return s.fallback.Serve(req, s.Name()), nil
	}

	if entry.Status == http.StatusOK {
		if putErr := s.buckets.Put(s.purpose, key, *entry); putErr != nil {
			logger.Warn("failed to store cache entry", "key", key, "err", putErr)
		}
	}

	return entryResult(entry, SourceNetwork, s.Name()), nil
}

func (s *StaleWhileRevalidate) refresh(ctx context.Context, method, url string, header http.Header, key string) {
	logger := logctx.LoggerFromContext(ctx)

	entry, err := s.fetcher.Fetch(ctx, method, url, header)
	if err != nil {
		logger.Debug("background refresh failed", "url", url, "err", err)

		return
	}

	if entry.Status != http.StatusOK {
		return
	}

	if err := s.buckets.Put(s.purpose, key, *entry); err != nil {
		logger.Warn("failed to store refreshed entry", "key", key, "err", err)
	}
}
