package downloader

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offlinehq/syncengine/internal/bus"
	"github.com/offlinehq/syncengine/internal/cache"
	"github.com/offlinehq/syncengine/internal/storage"
	"github.com/offlinehq/syncengine/internal/storage/sqlite"
	"github.com/offlinehq/syncengine/internal/telemetry"
)

// mockFetcher implements strategy.Fetcher for testing.
type mockFetcher struct {
	mu        sync.Mutex
	fetchFunc func(ctx context.Context, method, url string, header http.Header) (*cache.Entry, error)
	urls      []string
}

func (m *mockFetcher) Fetch(ctx context.Context, method, url string, header http.Header) (*cache.Entry, error) {
	m.mu.Lock()
	m.urls = append(m.urls, url)
	m.mu.Unlock()

	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, method, url, header)
	}

	return &cache.Entry{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"video/mp4"}},
		Body:     []byte("asset bytes"),
		StoredAt: time.Now(),
	}, nil
}

func (m *mockFetcher) fetchedURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.urls...)
}

type testRig struct {
	manager *Manager
	buckets *cache.Manager
	videos  storage.VideoRepository
	modules storage.ModuleCacheRepository
	events  *bus.Bus
}

func newTestRig(t *testing.T, fetcher *mockFetcher) *testRig {
	t.Helper()

	dir := t.TempDir()

	buckets, err := cache.Open(filepath.Join(dir, "buckets.db"), "v1")
	require.NoError(t, err)

	t.Cleanup(func() { buckets.Close() })

	db, err := sqlite.InitDB(filepath.Join(dir, "content.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	videos := sqlite.NewVideoRepository(db)
	modules := sqlite.NewModuleCacheRepository(db)
	events := bus.New(16)

	t.Cleanup(events.Close)

	return &testRig{
		manager: NewManager(buckets, videos, modules, fetcher, events, tel, 2),
		buckets: buckets,
		videos:  videos,
		modules: modules,
		events:  events,
	}
}

// awaitDownloaded drains the event stream until the asset's terminal
// download event arrives.
func awaitDownloaded(t *testing.T, ch <-chan bus.Event, assetID string) bus.VideoDownloaded {
	t.Helper()

	deadline := time.After(5 * time.Second)

	for {
		select {
		case event := <-ch:
			if done, ok := event.(bus.VideoDownloaded); ok && done.VideoID == assetID {
				return done
			}
		case <-deadline:
			t.Fatalf("no terminal download event for %s", assetID)
		}
	}
}

func TestDownloadRoundTrip(t *testing.T) {
	fetcher := &mockFetcher{}
	rig := newTestRig(t, fetcher)

	id, ch := rig.events.Subscribe()
	defer rig.events.Unsubscribe(id)

	cmd := bus.DownloadVideo{
		VideoID:   "vid-42",
		VideoURL:  "http://origin/videos/vid-42.mp4",
		Title:     "Intro to Photosynthesis",
		Thumbnail: "http://origin/thumbnails/vid-42.jpg",
	}
	require.NoError(t, rig.manager.Enqueue(context.Background(), cmd))

	done := awaitDownloaded(t, ch, "vid-42")
	require.True(t, done.Success)
	require.Empty(t, done.Error)

	// The blob is under the full-asset key in the video bucket.
	entry, err := rig.buckets.Get(cache.PurposeVideo, cache.Key(http.MethodGet, cmd.VideoURL))
	require.NoError(t, err)
	require.Equal(t, []byte("asset bytes"), entry.Body)

	// The thumbnail landed in the image bucket.
	_, err = rig.buckets.Get(cache.PurposeImage, cache.Key(http.MethodGet, cmd.Thumbnail))
	require.NoError(t, err)

	// The durable record exists and carries the command's metadata.
	record, err := rig.videos.Get("vid-42")
	require.NoError(t, err)
	require.Equal(t, cmd.Title, record.Title)
	require.Equal(t, cmd.VideoURL, record.SourceURL)

	// Terminal tasks leave the task table.
	_, active := rig.manager.Progress("vid-42")
	require.False(t, active)
}

func TestDownloadProgressCheckpoints(t *testing.T) {
	fetcher := &mockFetcher{}
	rig := newTestRig(t, fetcher)

	id, ch := rig.events.Subscribe()
	defer rig.events.Unsubscribe(id)

	cmd := bus.DownloadVideo{VideoID: "vid-42", VideoURL: "http://origin/videos/vid-42.mp4"}
	require.NoError(t, rig.manager.Enqueue(context.Background(), cmd))

	var checkpoints []int

	deadline := time.After(5 * time.Second)

	for len(checkpoints) == 0 || checkpoints[len(checkpoints)-1] != 100 {
		select {
		case event := <-ch:
			if p, ok := event.(bus.DownloadProgress); ok {
				checkpoints = append(checkpoints, p.Percent)
			}
		case <-deadline:
			t.Fatal("progress never reached 100")
		}
	}

	require.Equal(t, []int{10, 50, 80, 100}, checkpoints)
}

func TestEnqueueRejectsDuplicateInFlight(t *testing.T) {
	release := make(chan struct{})
	fetcher := &mockFetcher{
		fetchFunc: func(ctx context.Context, method, url string, header http.Header) (*cache.Entry, error) {
			<-release

			return &cache.Entry{Status: http.StatusOK, Body: []byte("bytes"), StoredAt: time.Now()}, nil
		},
	}
	rig := newTestRig(t, fetcher)

	id, ch := rig.events.Subscribe()
	defer rig.events.Unsubscribe(id)

	cmd := bus.DownloadVideo{VideoID: "vid-42", VideoURL: "http://origin/videos/vid-42.mp4"}
	require.NoError(t, rig.manager.Enqueue(context.Background(), cmd))

	// The first task is still fetching; a second enqueue must be refused
	// without touching it.
	err := rig.manager.Enqueue(context.Background(), cmd)
	require.ErrorIs(t, err, storage.ErrAlreadyInProgress)

	close(release)

	done := awaitDownloaded(t, ch, "vid-42")
	require.True(t, done.Success)

	// Exactly one terminal event: the refused enqueue produced nothing.
	select {
	case event := <-ch:
		if _, ok := event.(bus.VideoDownloaded); ok {
			t.Fatal("duplicate enqueue produced a second terminal event")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDownloadFailureLeavesNoRecord(t *testing.T) {
	fetcher := &mockFetcher{
		fetchFunc: func(ctx context.Context, method, url string, header http.Header) (*cache.Entry, error) {
			return nil, &storage.NetworkError{Operation: "fetch", URL: url}
		},
	}
	rig := newTestRig(t, fetcher)

	id, ch := rig.events.Subscribe()
	defer rig.events.Unsubscribe(id)

	cmd := bus.DownloadVideo{VideoID: "vid-42", VideoURL: "http://origin/videos/vid-42.mp4"}
	require.NoError(t, rig.manager.Enqueue(context.Background(), cmd))

	done := awaitDownloaded(t, ch, "vid-42")
	require.False(t, done.Success)
	require.NotEmpty(t, done.Error)

	// A failed download is invisible: no record, no blob.
	_, err := rig.videos.Get("vid-42")
	require.ErrorIs(t, err, storage.ErrNotFound)

	found, err := rig.buckets.HasMatching(cache.PurposeVideo, "vid-42")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDownloadNon200IsFailure(t *testing.T) {
	fetcher := &mockFetcher{
		fetchFunc: func(ctx context.Context, method, url string, header http.Header) (*cache.Entry, error) {
			return &cache.Entry{Status: http.StatusNotFound, StoredAt: time.Now()}, nil
		},
	}
	rig := newTestRig(t, fetcher)

	id, ch := rig.events.Subscribe()
	defer rig.events.Unsubscribe(id)

	cmd := bus.DownloadVideo{VideoID: "vid-42", VideoURL: "http://origin/videos/vid-42.mp4"}
	require.NoError(t, rig.manager.Enqueue(context.Background(), cmd))

	done := awaitDownloaded(t, ch, "vid-42")
	require.False(t, done.Success)
}

func TestDeleteRemovesBlobAndRecord(t *testing.T) {
	fetcher := &mockFetcher{}
	rig := newTestRig(t, fetcher)

	id, ch := rig.events.Subscribe()
	defer rig.events.Unsubscribe(id)

	cmd := bus.DownloadVideo{VideoID: "vid-42", VideoURL: "http://origin/videos/vid-42.mp4"}
	require.NoError(t, rig.manager.Enqueue(context.Background(), cmd))
	awaitDownloaded(t, ch, "vid-42")

	require.NoError(t, rig.manager.Delete(context.Background(), "vid-42"))

	_, err := rig.videos.Get("vid-42")
	require.ErrorIs(t, err, storage.ErrNotFound)

	found, err := rig.buckets.HasMatching(cache.PurposeVideo, cmd.VideoURL)
	require.NoError(t, err)
	require.False(t, found)

	deadline := time.After(2 * time.Second)

	for {
		select {
		case event := <-ch:
			if deleted, ok := event.(bus.VideoDeleted); ok {
				require.True(t, deleted.Success)

				return
			}
		case <-deadline:
			t.Fatal("no deletion event")
		}
	}
}

func TestDeleteDuringDownloadDropsStaleCompletion(t *testing.T) {
	release := make(chan struct{})
	blocking := false

	var mu sync.Mutex

	fetcher := &mockFetcher{}
	fetcher.fetchFunc = func(ctx context.Context, method, url string, header http.Header) (*cache.Entry, error) {
		mu.Lock()
		wait := blocking
		mu.Unlock()

		if wait {
			<-release
		}

		return &cache.Entry{Status: http.StatusOK, Body: []byte("bytes"), StoredAt: time.Now()}, nil
	}
	rig := newTestRig(t, fetcher)

	id, ch := rig.events.Subscribe()
	defer rig.events.Unsubscribe(id)

	cmd := bus.DownloadVideo{VideoID: "vid-42", VideoURL: "http://origin/videos/vid-42.mp4"}

	// First download completes normally and leaves a record.
	require.NoError(t, rig.manager.Enqueue(context.Background(), cmd))
	awaitDownloaded(t, ch, "vid-42")

	// Re-download, then delete while the task is still fetching.
	mu.Lock()
	blocking = true
	mu.Unlock()

	require.NoError(t, rig.manager.Enqueue(context.Background(), cmd))
	require.NoError(t, rig.manager.Delete(context.Background(), "vid-42"))

	close(release)

	// The task's completion is stale: no terminal event, no resurrected
	// record or blob.
	deadline := time.After(2 * time.Second)

	for {
		select {
		case event := <-ch:
			if _, ok := event.(bus.VideoDownloaded); ok {
				t.Fatal("stale completion must not broadcast")
			}
		case <-deadline:
			_, err := rig.videos.Get("vid-42")
			require.ErrorIs(t, err, storage.ErrNotFound)

			found, err := rig.buckets.HasMatching(cache.PurposeVideo, cmd.VideoURL)
			require.NoError(t, err)
			require.False(t, found)

			return
		}
	}
}

func TestDeleteNeverDownloaded(t *testing.T) {
	rig := newTestRig(t, &mockFetcher{})

	err := rig.manager.Delete(context.Background(), "vid-missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCacheModule(t *testing.T) {
	fetcher := &mockFetcher{}
	rig := newTestRig(t, fetcher)

	rig.manager.CacheModule(context.Background(), bus.CacheModuleData{
		ModuleID: "mod-7",
		Videos: []bus.ModuleVideo{
			{ID: "vid-1", Thumbnail: "http://origin/thumbnails/vid-1.jpg"},
			{ID: "vid-2", Thumbnail: "http://origin/thumbnails/vid-2.jpg"},
			{ID: "vid-3"}, // no thumbnail, skipped
		},
	})

	require.Len(t, fetcher.fetchedURLs(), 2)

	record, err := rig.modules.Get("mod-7")
	require.NoError(t, err)
	require.NotEmpty(t, record.CachedAt)

	for _, url := range fetcher.fetchedURLs() {
		_, err := rig.buckets.Get(cache.PurposeImage, cache.Key(http.MethodGet, url))
		require.NoError(t, err)
	}
}

func TestClearAll(t *testing.T) {
	fetcher := &mockFetcher{}
	rig := newTestRig(t, fetcher)

	id, ch := rig.events.Subscribe()
	defer rig.events.Unsubscribe(id)

	for _, asset := range []string{"vid-1", "vid-2"} {
		cmd := bus.DownloadVideo{VideoID: asset, VideoURL: "http://origin/videos/" + asset + ".mp4"}
		require.NoError(t, rig.manager.Enqueue(context.Background(), cmd))
		awaitDownloaded(t, ch, asset)
	}

	deleted, err := rig.manager.ClearAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	records, err := rig.videos.List()
	require.NoError(t, err)
	require.Empty(t, records)
}
