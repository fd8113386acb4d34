package strategy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offlinehq/syncengine/internal/cache"
	"github.com/offlinehq/syncengine/internal/storage"
	"github.com/offlinehq/syncengine/internal/telemetry"
)

// mockFetcher implements Fetcher for testing.
type mockFetcher struct {
	mu        sync.Mutex
	fetchFunc func(ctx context.Context, method, url string, header http.Header) (*cache.Entry, error)
	calls     int
	lastURL   string
	fetched   chan struct{}
}

func (m *mockFetcher) Fetch(ctx context.Context, method, url string, header http.Header) (*cache.Entry, error) {
	m.mu.Lock()
	m.calls++
	m.lastURL = url
	m.mu.Unlock()

	if m.fetched != nil {
		m.fetched <- struct{}{}
	}

	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, method, url, header)
	}

	return okEntry("network body"), nil
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

func okEntry(body string) *cache.Entry {
	return &cache.Entry{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/plain"}},
		Body:     []byte(body),
		StoredAt: time.Now(),
	}
}

func offlineFetcher() *mockFetcher {
	return &mockFetcher{
		fetchFunc: func(ctx context.Context, method, url string, header http.Header) (*cache.Entry, error) {
			return nil, &storage.NetworkError{Operation: "fetch", URL: url}
		},
	}
}

func testHarness(t *testing.T) (*cache.Manager, *Fallback, *telemetry.Telemetry) {
	t.Helper()

	buckets, err := cache.Open(filepath.Join(t.TempDir(), "buckets.db"), "v1")
	require.NoError(t, err)

	t.Cleanup(func() { buckets.Close() })

	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	offlineKey := cache.Key(http.MethodGet, "http://origin/offline.html")
	fallback := NewFallback(buckets, offlineKey, tel)

	return buckets, fallback, tel
}

func TestCacheFirstServesWarmCacheWithoutNetwork(t *testing.T) {
	buckets, fallback, tel := testHarness(t)
	fetcher := &mockFetcher{}
	strat := NewCacheFirst(buckets, cache.PurposeStatic, fetcher, fallback, tel)

	req := httptest.NewRequest(http.MethodGet, "http://origin/static/app.js", nil)
	require.NoError(t, buckets.Put(cache.PurposeStatic, cache.RequestKey(req), *okEntry("cached bundle")))

	result, err := strat.Serve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, SourceCache, result.Source)
	require.Equal(t, []byte("cached bundle"), result.Body)
	require.Zero(t, fetcher.callCount(), "a warm cache must not touch the network")
}

func TestCacheFirstStoresNetworkResponseOnMiss(t *testing.T) {
	buckets, fallback, tel := testHarness(t)
	fetcher := &mockFetcher{}
	strat := NewCacheFirst(buckets, cache.PurposeStatic, fetcher, fallback, tel)

	req := httptest.NewRequest(http.MethodGet, "http://origin/static/app.js", nil)

	result, err := strat.Serve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, SourceNetwork, result.Source)
	require.Equal(t, 1, fetcher.callCount())

	// The miss populated the bucket; the next request is a pure cache hit.
	result, err = strat.Serve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, SourceCache, result.Source)
	require.Equal(t, 1, fetcher.callCount())
}

func TestCacheFirstOfflineFallsBack(t *testing.T) {
	buckets, fallback, tel := testHarness(t)
	strat := NewCacheFirst(buckets, cache.PurposeStatic, offlineFetcher(), fallback, tel)

	req := httptest.NewRequest(http.MethodGet, "http://origin/some/page", nil)
	req.Header.Set("Accept", "text/html")

	require.NoError(t, buckets.Put(cache.PurposeStatic,
		cache.Key(http.MethodGet, "http://origin/offline.html"), *okEntry("<h1>offline</h1>")))

	result, err := strat.Serve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, SourceFallback, result.Source)
	require.Equal(t, []byte("<h1>offline</h1>"), result.Body)
}

func TestNetworkFirstPrefersFreshResponse(t *testing.T) {
	buckets, fallback, tel := testHarness(t)
	fetcher := &mockFetcher{}
	strat := NewNetworkFirst(buckets, cache.PurposeDynamic, fetcher, fallback, tel)

	req := httptest.NewRequest(http.MethodGet, "http://origin/api/progress", nil)
	require.NoError(t, buckets.Put(cache.PurposeDynamic, cache.RequestKey(req), *okEntry("stale")))

	result, err := strat.Serve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, SourceNetwork, result.Source)
	require.Equal(t, []byte("network body"), result.Body)

	// The fresh response replaced the stale entry.
	entry, err := buckets.Get(cache.PurposeDynamic, cache.RequestKey(req))
	require.NoError(t, err)
	require.Equal(t, []byte("network body"), entry.Body)
}

func TestNetworkFirstServesCacheWhenOffline(t *testing.T) {
	buckets, fallback, tel := testHarness(t)
	strat := NewNetworkFirst(buckets, cache.PurposeDynamic, offlineFetcher(), fallback, tel)

	req := httptest.NewRequest(http.MethodGet, "http://origin/api/progress", nil)
	require.NoError(t, buckets.Put(cache.PurposeDynamic, cache.RequestKey(req), *okEntry("stale")))

	result, err := strat.Serve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, SourceCache, result.Source)
	require.Equal(t, []byte("stale"), result.Body)
}

func TestNetworkFirstColdCacheFallsBack(t *testing.T) {
	buckets, fallback, tel := testHarness(t)
	strat := NewNetworkFirst(buckets, cache.PurposeDynamic, offlineFetcher(), fallback, tel)

	req := httptest.NewRequest(http.MethodGet, "http://origin/api/progress", nil)

	result, err := strat.Serve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, SourceFallback, result.Source)
	require.Equal(t, http.StatusServiceUnavailable, result.Status)
}

func TestStaleWhileRevalidateServesStaleAndRefreshesOnce(t *testing.T) {
	buckets, fallback, tel := testHarness(t)
	fetcher := &mockFetcher{
		fetched: make(chan struct{}, 1),
		fetchFunc: func(ctx context.Context, method, url string, header http.Header) (*cache.Entry, error) {
			return okEntry("fresh"), nil
		},
	}
	strat := NewStaleWhileRevalidate(buckets, cache.PurposeDynamic, fetcher, fallback, tel)

	req := httptest.NewRequest(http.MethodGet, "http://origin/modules", nil)
	key := cache.RequestKey(req)
	require.NoError(t, buckets.Put(cache.PurposeDynamic, key, *okEntry("stale")))

	result, err := strat.Serve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, SourceCache, result.Source)
	require.Equal(t, []byte("stale"), result.Body, "the caller gets the cached entry, not the refresh")

	// Exactly one background refresh runs and lands in the bucket.
	select {
	case <-fetcher.fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("background refresh never ran")
	}

	require.Eventually(t, func() bool {
		entry, getErr := buckets.Get(cache.PurposeDynamic, key)

		return getErr == nil && string(entry.Body) == "fresh"
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, fetcher.callCount())
}

func TestStaleWhileRevalidateColdCacheAwaitsNetwork(t *testing.T) {
	buckets, fallback, tel := testHarness(t)
	fetcher := &mockFetcher{}
	strat := NewStaleWhileRevalidate(buckets, cache.PurposeDynamic, fetcher, fallback, tel)

	req := httptest.NewRequest(http.MethodGet, "http://origin/modules", nil)

	result, err := strat.Serve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, SourceNetwork, result.Source)
	require.Equal(t, 1, fetcher.callCount())
}

func TestVideoRangedRequestFallsBackToFullAsset(t *testing.T) {
	buckets, fallback, tel := testHarness(t)
	fetcher := &mockFetcher{}
	strat := NewVideo(buckets, fetcher, fallback, tel)

	// Only the full asset is cached, as a completed download would leave it.
	full := cache.Key(http.MethodGet, "http://origin/videos/vid-42.mp4")
	require.NoError(t, buckets.Put(cache.PurposeVideo, full, *okEntry("full asset bytes")))

	req := httptest.NewRequest(http.MethodGet, "http://origin/videos/vid-42.mp4", nil)
	req.Header.Set("Range", "bytes=0-1023")

	result, err := strat.Serve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, SourceCache, result.Source)
	require.Equal(t, []byte("full asset bytes"), result.Body)
	require.Zero(t, fetcher.callCount())
}

func TestVideoDistinctRangesDoNotCollide(t *testing.T) {
	buckets, fallback, tel := testHarness(t)
	fetcher := &mockFetcher{
		fetchFunc: func(ctx context.Context, method, url string, header http.Header) (*cache.Entry, error) {
			entry := okEntry("range " + header.Get("Range"))
			entry.Status = http.StatusPartialContent

			return entry, nil
		},
	}
	strat := NewVideo(buckets, fetcher, fallback, tel)

	first := httptest.NewRequest(http.MethodGet, "http://origin/videos/vid-42.mp4", nil)
	first.Header.Set("Range", "bytes=0-1023")

	result, err := strat.Serve(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, SourceNetwork, result.Source)

	second := httptest.NewRequest(http.MethodGet, "http://origin/videos/vid-42.mp4", nil)
	second.Header.Set("Range", "bytes=1024-2047")

	result, err = strat.Serve(context.Background(), second)
	require.NoError(t, err)
	require.Equal(t, SourceNetwork, result.Source, "a cached 206 for one range must never answer another")
	require.Equal(t, []byte("range bytes=1024-2047"), result.Body)

	// Replaying the first range is now a cache hit with the right bytes.
	result, err = strat.Serve(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, SourceCache, result.Source)
	require.Equal(t, []byte("range bytes=0-1023"), result.Body)
}

func TestFallbackShapes(t *testing.T) {
	buckets, fallback, _ := testHarness(t)

	require.NoError(t, buckets.Put(cache.PurposeStatic,
		cache.Key(http.MethodGet, "http://origin/offline.html"), *okEntry("<h1>offline</h1>")))

	tests := []struct {
		name       string
		header     http.Header
		wantStatus int
		wantType   string
	}{
		{
			name:       "navigation gets the offline page",
			header:     http.Header{"Sec-Fetch-Dest": []string{"document"}},
			wantStatus: http.StatusOK,
			wantType:   "text/plain",
		},
		{
			name:       "image gets a placeholder",
			header:     http.Header{"Accept": []string{"image/webp,image/*"}},
			wantStatus: http.StatusOK,
			wantType:   "image/svg+xml",
		},
		{
			name:       "everything else gets 503",
			header:     http.Header{"Accept": []string{"application/json"}},
			wantStatus: http.StatusServiceUnavailable,
			wantType:   "text/plain; charset=utf-8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://origin/whatever", nil)
			req.Header = tt.header

			result := fallback.Serve(req, "cache_first")
			require.Equal(t, tt.wantStatus, result.Status)
			require.Equal(t, SourceFallback, result.Source)
			require.Equal(t, tt.wantType, result.Header.Get("Content-Type"))
		})
	}
}

func TestFallbackNavigationWithoutOfflinePage(t *testing.T) {
	_, fallback, _ := testHarness(t)

	req := httptest.NewRequest(http.MethodGet, "http://origin/page", nil)
	req.Header.Set("Accept", "text/html")

	result := fallback.Serve(req, "network_first")
	require.Equal(t, http.StatusServiceUnavailable, result.Status)
}
