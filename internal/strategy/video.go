package strategy

import (
	"context"
	"net/http"

	"github.com/offlinehq/syncengine/internal/cache"
	"github.com/offlinehq/syncengine/internal/logctx"
	"github.com/offlinehq/syncengine/internal/telemetry"
)

// Video is cache-first with byte-range semantics. A ranged request is
// matched by exact request equality so a cached 206 for one range is never
// served for another; when only the full asset is cached, the full entry is
// returned and the player slices it locally. Both 200 and 206 responses are
// eligible for storage.
type Video struct {
	buckets   *cache.Manager
	fetcher   Fetcher
	fallback  *Fallback
	telemetry *telemetry.Telemetry
}

func NewVideo(buckets *cache.Manager, fetcher Fetcher, fallback *Fallback, tel *telemetry.Telemetry) *Video {
	return &Video{
		buckets:   buckets,
		fetcher:   fetcher,
		fallback:  fallback,
		telemetry: tel,
	}
}

func (s *Video) Name() string {
	return "video"
}

func (s *Video) Serve(ctx context.Context, req *http.Request) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)
	key := cache.RangeKey(req)

	if entry, err := s.buckets.Get(cache.PurposeVideo, key); err == nil {
		s.telemetry.RecordCacheHit(s.Name(), string(cache.PurposeVideo))

		return entryResult(entry, SourceCache, s.Name()), nil
	}

	// A ranged request can still be satisfied by a previously downloaded
	// full asset, which is keyed without the range.
	if fullKey := cache.RequestKey(req); fullKey != key {
		if entry, err := s.buckets.Get(cache.PurposeVideo, fullKey); err == nil {
			s.telemetry.RecordCacheHit(s.Name(), string(cache.PurposeVideo))

			return entryResult(entry, SourceCache, s.Name()), nil
		}
	}

	s.telemetry.RecordCacheMiss(s.Name(), string(cache.PurposeVideo))

	entry, err := s.fetcher.Fetch(ctx, req.Method, req.URL.String(), req.Header)
	if err != nil {
		logger.Debug("video unavailable offline", "url", req.URL.String(), "err", err)

		return s.fallback.Serve(req, s.Name()), nil
	}

	if entry.Status == http.StatusOK || entry.Status == http.StatusPartialContent {
		if putErr := s.buckets.Put(cache.PurposeVideo, key, *entry); putErr != nil {
			logger.Warn("failed to store video entry", "key", key, "err", putErr)
		}
	}

	return entryResult(entry, SourceNetwork, s.Name()), nil
}
