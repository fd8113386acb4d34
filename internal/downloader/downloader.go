package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/offlinehq/syncengine/internal/bus"
	"github.com/offlinehq/syncengine/internal/cache"
	"github.com/offlinehq/syncengine/internal/logctx"
	"github.com/offlinehq/syncengine/internal/storage"
	"github.com/offlinehq/syncengine/internal/strategy"
	"github.com/offlinehq/syncengine/internal/telemetry"
)

// Progress checkpoints. True byte-level progress would need a streaming
// reader; the protocol only promises coarse checkpoints.
const (
	progressStarted   = 10
	progressThumbnail = 50
	progressPersisted = 80
	progressDone      = 100
)

// Manager orchestrates large-asset downloads: at most one active task per
// asset, coarse progress broadcasts, and the blob-before-metadata write
// ordering that makes a failed download invisible to queries.
type Manager struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	deleted map[string]struct{}

	buckets     *cache.Manager
	videos      storage.VideoRepository
	modules     storage.ModuleCacheRepository
	fetcher     strategy.Fetcher
	events      *bus.Bus
	telemetry   *telemetry.Telemetry
	maxParallel int
}

func NewManager(
	buckets *cache.Manager,
	videos storage.VideoRepository,
	modules storage.ModuleCacheRepository,
	fetcher strategy.Fetcher,
	events *bus.Bus,
	tel *telemetry.Telemetry,
	maxParallel int,
) *Manager {
	if maxParallel <= 0 {
		maxParallel = 5
	}

	return &Manager{
		tasks:       make(map[string]*Task),
		deleted:     make(map[string]struct{}),
		buckets:     buckets,
		videos:      videos,
		modules:     modules,
		fetcher:     fetcher,
		events:      events,
		telemetry:   tel,
		maxParallel: maxParallel,
	}
}

// Enqueue creates a task for the asset and begins executing it in the
// background. It fails with storage.ErrAlreadyInProgress when a non-terminal
// task for the same asset exists; the existing task is left untouched.
func (m *Manager) Enqueue(ctx context.Context, cmd bus.DownloadVideo) error {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()

	if existing, ok := m.tasks[cmd.VideoID]; ok && !existing.State.Terminal() {
		m.mu.Unlock()

		return fmt.Errorf("asset %s: %w", cmd.VideoID, storage.ErrAlreadyInProgress)
	}

	task := &Task{
		ID:        uuid.New(),
		AssetID:   cmd.VideoID,
		SourceURL: cmd.VideoURL,
		State:     StateQueued,
	}
	m.tasks[cmd.VideoID] = task
	delete(m.deleted, cmd.VideoID)

	m.mu.Unlock()

	logger.Info("download queued", "asset_id", cmd.VideoID, "task_id", task.ID, "url", cmd.VideoURL)

	// The task runs detached from the caller's request lifetime; only the
	// engine shutting down cancels it.
	go m.run(logctx.WithLogger(context.Background(), logger), cmd)

	return nil
}

func (m *Manager) run(ctx context.Context, cmd bus.DownloadVideo) {
	logger := logctx.LoggerFromContext(ctx).With("asset_id", cmd.VideoID)

	err := m.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		return m.download(ctx, cmd)
	})

	if m.wasDeleted(cmd.VideoID) {
		// The asset was deleted while the task ran. The completion is stale:
		// drop the outcome and sweep whatever the task just wrote.
		logger.Info("dropping stale completion for deleted asset")

		if _, delErr := m.buckets.DeleteMatching(cache.PurposeVideo, cmd.VideoURL); delErr != nil {
			logger.Error("failed to sweep stale blob", "err", delErr)
		}

		if delErr := m.videos.Delete(cmd.VideoID); delErr != nil && !errors.Is(delErr, storage.ErrNotFound) {
			logger.Error("failed to sweep stale record", "err", delErr)
		}

		m.remove(cmd.VideoID)

		return
	}

	if err != nil {
		logger.Error("download failed", "err", err)

		m.setState(cmd.VideoID, StateError, err.Error())
		m.events.Publish(ctx, bus.VideoDownloaded{VideoID: cmd.VideoID, Success: false, Error: err.Error()})
	} else {
		m.setProgress(ctx, cmd.VideoID, progressDone)
		m.setState(cmd.VideoID, StateCompleted, "")
		m.events.Publish(ctx, bus.VideoDownloaded{VideoID: cmd.VideoID, Success: true})
	}

	// The terminal state has been reported; the durable outcome, if any,
	// lives in the video repository now.
	m.remove(cmd.VideoID)
}

func (m *Manager) download(ctx context.Context, cmd bus.DownloadVideo) error {
	logger := logctx.LoggerFromContext(ctx)

	m.setState(cmd.VideoID, StateDownloading, "")
	m.setProgress(ctx, cmd.VideoID, progressStarted)

	if cmd.Thumbnail != "" {
		m.cacheThumbnail(ctx, cmd.Thumbnail)
	}

	m.setProgress(ctx, cmd.VideoID, progressThumbnail)

	// Always a full-body fetch, never a range request.
	entry, err := m.fetcher.Fetch(ctx, http.MethodGet, cmd.VideoURL, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch asset: %w", err)
	}

	if entry.Status != http.StatusOK {
		return &storage.NetworkError{Operation: "fetch_asset", URL: cmd.VideoURL, StatusCode: entry.Status}
	}

	logger.Info("asset fetched", "url", cmd.VideoURL, "size", humanize.Bytes(uint64(len(entry.Body))))

	// Blob before metadata: queries derive "downloaded" from the record,
	// which is written last, so a crash between the two writes leaves an
	// orphan blob, never a record without bytes.
	blobKey := cache.Key(http.MethodGet, cmd.VideoURL)
	if err := m.buckets.Put(cache.PurposeVideo, blobKey, *entry); err != nil {
		return fmt.Errorf("failed to store asset: %w", err)
	}

	record := storage.VideoRecord{
		ID:           cmd.VideoID,
		Title:        cmd.Title,
		SourceURL:    cmd.VideoURL,
		DownloadedAt: time.Now().Format(time.RFC3339),
		Thumbnail:    cmd.Thumbnail,
	}
	if err := m.videos.Put(record); err != nil {
		// Roll the blob back so the failed download leaves nothing behind.
		if delErr := m.buckets.Delete(cache.PurposeVideo, blobKey); delErr != nil {
			logger.Error("failed to remove orphan blob", "key", blobKey, "err", delErr)
		}

		return fmt.Errorf("failed to persist record: %w", err)
	}

	m.setProgress(ctx, cmd.VideoID, progressPersisted)

	return nil
}

func (m *Manager) cacheThumbnail(ctx context.Context, url string) {
	logger := logctx.LoggerFromContext(ctx)

	entry, err := m.fetcher.Fetch(ctx, http.MethodGet, url, nil)
	if err != nil {
		logger.Warn("failed to cache thumbnail", "url", url, "err", err)

		return
	}

	if entry.Status != http.StatusOK {
		return
	}

	if err := m.buckets.Put(cache.PurposeImage, cache.Key(http.MethodGet, url), *entry); err != nil {
		logger.Warn("failed to store thumbnail", "url", url, "err", err)
	}
}

// Delete removes every video-bucket entry referencing the asset and then its
// record. It fails with storage.ErrNotFound when nothing references the
// asset; past that point both removals are attempted even if one fails, so
// repeating a half-failed delete converges instead of erroring.
func (m *Manager) Delete(ctx context.Context, assetID string) error {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()

	if task, ok := m.tasks[assetID]; ok && !task.State.Terminal() {
		// An in-flight task cannot be cancelled; mark it so its completion
		// is dropped as stale instead of resurrecting the asset.
		m.deleted[assetID] = struct{}{}
	}

	m.mu.Unlock()

	record, recErr := m.videos.Get(assetID)
	if recErr != nil && !errors.Is(recErr, storage.ErrNotFound) {
		logger.Warn("failed to look up record before delete", "asset_id", assetID, "err", recErr)
	}

	matched, err := m.buckets.HasMatching(cache.PurposeVideo, assetID)
	if err != nil {
		logger.Warn("failed to scan video bucket", "asset_id", assetID, "err", err)
	}

	if !matched && record != nil {
		matched, err = m.buckets.HasMatching(cache.PurposeVideo, record.SourceURL)
		if err != nil {
			logger.Warn("failed to scan video bucket", "asset_id", assetID, "err", err)
		}
	}

	if !matched && record == nil {
		// Nothing durable references the asset, so there is nothing to
		// drop as stale either.
		m.mu.Lock()
		delete(m.deleted, assetID)
		m.mu.Unlock()

		m.events.Publish(ctx, bus.VideoDeleted{VideoID: assetID, Success: false})

		return fmt.Errorf("asset %s: %w", assetID, storage.ErrNotFound)
	}

	if deleted, err := m.buckets.DeleteMatching(cache.PurposeVideo, assetID); err != nil {
		logger.Error("failed to delete cached entries", "asset_id", assetID, "err", err)
	} else if deleted > 0 {
		logger.Info("deleted cached entries", "asset_id", assetID, "entries", deleted)
	}

	if record != nil {
		if _, err := m.buckets.DeleteMatching(cache.PurposeVideo, record.SourceURL); err != nil {
			logger.Error("failed to delete cached entries", "asset_id", assetID, "err", err)
		}
	}

	if err := m.videos.Delete(assetID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error("failed to delete record", "asset_id", assetID, "err", err)
	}

	m.events.Publish(ctx, bus.VideoDeleted{VideoID: assetID, Success: true})

	return nil
}

// ClearAll deletes every downloaded asset and returns how many were removed.
func (m *Manager) ClearAll(ctx context.Context) (int, error) {
	records, err := m.videos.List()
	if err != nil {
		return 0, fmt.Errorf("failed to list records: %w", err)
	}

	deleted := 0

	for _, record := range records {
		if err := m.Delete(ctx, record.ID); err != nil {
			continue
		}

		deleted++
	}

	return deleted, nil
}

// CacheModule proactively caches a module's thumbnails into the image bucket
// and records the module as cached. Per-thumbnail failures are logged, never
// fatal; the command has no reply.
func (m *Manager) CacheModule(ctx context.Context, cmd bus.CacheModuleData) {
	logger := logctx.LoggerFromContext(ctx)

	wg, gctx := errgroup.WithContext(ctx)
	wg.SetLimit(m.maxParallel)

	for _, video := range cmd.Videos {
		if video.Thumbnail == "" {
			continue
		}

		thumbnail := video.Thumbnail

		wg.Go(func() error {
			m.cacheThumbnail(gctx, thumbnail)

			return nil
		})
	}

	// Workers never return errors; Wait only orders the record write after
	// the thumbnail fetches.
	_ = wg.Wait()

	record := storage.ModuleCacheRecord{
		ModuleID: cmd.ModuleID,
		CachedAt: time.Now().Format(time.RFC3339),
	}
	if err := m.modules.Put(record); err != nil {
		logger.Warn("failed to record cached module", "module_id", cmd.ModuleID, "err", err)
	}
}

// Progress returns a snapshot of the asset's task, if one is active.
func (m *Manager) Progress(assetID string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[assetID]
	if !ok {
		return Task{}, false
	}

	return *task, true
}

// ActiveTasks returns snapshots of every non-terminal task.
func (m *Manager) ActiveTasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := make([]Task, 0, len(m.tasks))

	for _, task := range m.tasks {
		tasks = append(tasks, *task)
	}

	return tasks
}

func (m *Manager) setState(assetID string, state State, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task, ok := m.tasks[assetID]; ok {
		task.State = state
		task.Error = errMsg
	}
}

func (m *Manager) setProgress(ctx context.Context, assetID string, percent int) {
	m.mu.Lock()

	task, ok := m.tasks[assetID]
	if ok && percent > task.Progress {
		task.Progress = percent
	}

	m.mu.Unlock()

	if ok {
		m.events.Publish(ctx, bus.DownloadProgress{VideoID: assetID, Percent: percent})
	}
}

func (m *Manager) wasDeleted(assetID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deleted[assetID]; !ok {
		return false
	}

	delete(m.deleted, assetID)

	return true
}

func (m *Manager) remove(assetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tasks, assetID)
}
