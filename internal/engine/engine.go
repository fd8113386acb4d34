package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/offlinehq/syncengine/internal/bus"
	"github.com/offlinehq/syncengine/internal/cache"
	"github.com/offlinehq/syncengine/internal/downloader"
	"github.com/offlinehq/syncengine/internal/lifecycle"
	"github.com/offlinehq/syncengine/internal/logctx"
	"github.com/offlinehq/syncengine/internal/storage"
	"github.com/offlinehq/syncengine/internal/strategy"
)

// Engine is the background execution context: it resolves intercepted
// requests through the strategy router, executes explicit commands from the
// bus, and answers the foreground queries. All of its state is rebuilt from
// the persistent store on restart; only in-flight tasks are lost.
type Engine struct {
	router    *strategy.Router
	downloads *downloader.Manager
	lifecycle *lifecycle.Manager
	events    *bus.Bus

	videos  storage.VideoRepository
	modules storage.ModuleCacheRepository
	content storage.ContentRepository
	buckets *cache.Manager

	dbPath     string
	quotaBytes int64
}

func New(
	router *strategy.Router,
	downloads *downloader.Manager,
	lc *lifecycle.Manager,
	events *bus.Bus,
	videos storage.VideoRepository,
	modules storage.ModuleCacheRepository,
	content storage.ContentRepository,
	buckets *cache.Manager,
	dbPath string,
	quotaBytes int64,
) *Engine {
	return &Engine{
		router:     router,
		downloads:  downloads,
		lifecycle:  lc,
		events:     events,
		videos:     videos,
		modules:    modules,
		content:    content,
		buckets:    buckets,
		dbPath:     dbPath,
		quotaBytes: quotaBytes,
	}
}

// Events returns the bus foreground clients subscribe to.
func (e *Engine) Events() *bus.Bus {
	return e.events
}

// Lifecycle returns the lifecycle manager for this engine version.
func (e *Engine) Lifecycle() *lifecycle.Manager {
	return e.lifecycle
}

// Downloads returns the download manager.
func (e *Engine) Downloads() *downloader.Manager {
	return e.downloads
}

// Serve resolves an intercepted GET request through the strategy router.
func (e *Engine) Serve(ctx context.Context, req *http.Request) (*strategy.Result, error) {
	return e.router.Serve(ctx, req)
}

// Dispatch executes one command from a foreground client. The switch is the
// single dispatch point for the closed command set; adding a variant without
// handling it here should fail review, not silently drop messages.
func (e *Engine) Dispatch(ctx context.Context, cmd bus.Command) error {
	logger := logctx.LoggerFromContext(ctx)

	switch c := cmd.(type) {
	case bus.DownloadVideo:
		return e.downloads.Enqueue(ctx, c)
	case bus.DeleteVideo:
		return e.downloads.Delete(ctx, c.VideoID)
	case bus.CacheModuleData:
		// Best effort by contract, so run detached and reply with nothing.
		go e.downloads.CacheModule(logctx.WithLogger(context.Background(), logger), c)

		return nil
	case bus.SkipWaiting:
		return e.lifecycle.SkipWaiting(ctx)
	default:
		return fmt.Errorf("unknown command type %T", cmd)
	}
}

// IsAssetDownloaded reports whether a durable record exists for the asset.
// Storage trouble degrades to "not downloaded" rather than failing.
func (e *Engine) IsAssetDownloaded(ctx context.Context, assetID string) bool {
	_, err := e.videos.Get(assetID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logctx.LoggerFromContext(ctx).Warn("storage unavailable, reporting not downloaded", "asset_id", assetID, "err", err)
		}

		return false
	}

	return true
}

// ListDownloadedAssets returns the records of every downloaded asset.
func (e *Engine) ListDownloadedAssets(ctx context.Context) ([]storage.VideoRecord, error) {
	records, err := e.videos.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list downloaded assets: %w", err)
	}

	return records, nil
}

// IsModuleCached reports whether the module's auxiliary assets were cached.
func (e *Engine) IsModuleCached(ctx context.Context, moduleID string) bool {
	_, err := e.modules.Get(moduleID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logctx.LoggerFromContext(ctx).Warn("storage unavailable, reporting not cached", "module_id", moduleID, "err", err)
		}

		return false
	}

	return true
}

// Usage describes how much durable storage the engine occupies.
type Usage struct {
	UsedBytes  int64
	QuotaBytes int64
}

// StorageUsage sums the bucket database and record database sizes.
func (e *Engine) StorageUsage(ctx context.Context) (Usage, error) {
	used, err := e.buckets.UsedBytes()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to measure bucket usage: %w", err)
	}

	if info, statErr := os.Stat(e.dbPath); statErr == nil {
		used += info.Size()
	}

	return Usage{UsedBytes: used, QuotaBytes: e.quotaBytes}, nil
}

// CacheStats summarizes what the persistent store holds.
type CacheStats struct {
	Modules        int
	ContentEntries int
	LastUpdated    string
}

// Stats counts cached modules and content entries.
func (e *Engine) Stats(ctx context.Context) (CacheStats, error) {
	modules, err := e.modules.List()
	if err != nil {
		return CacheStats{}, fmt.Errorf("failed to list modules: %w", err)
	}

	entries, err := e.content.List()
	if err != nil {
		return CacheStats{}, fmt.Errorf("failed to list content: %w", err)
	}

	stats := CacheStats{
		Modules:        len(modules),
		ContentEntries: len(entries),
	}

	for _, m := range modules {
		if m.CachedAt > stats.LastUpdated {
			stats.LastUpdated = m.CachedAt
		}
	}

	return stats, nil
}
