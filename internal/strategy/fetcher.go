package strategy

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/offlinehq/syncengine/internal/cache"
	"github.com/offlinehq/syncengine/internal/storage"
)

// Fetcher performs the actual network I/O for a strategy. A fetch that fails
// at the transport level returns a *storage.NetworkError; a response that
// arrives, whatever its status, is returned as an entry so each strategy can
// apply its own status rules.
type Fetcher interface {
	Fetch(ctx context.Context, method, url string, header http.Header) (*cache.Entry, error)
}

// HTTPFetcher fetches over plain HTTP with an instrumented transport.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher. A zero timeout means no timeout: a hung
// fetch stalls only the one request it belongs to.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, method, url string, header http.Header) (*cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, &storage.NetworkError{Operation: "build_request", URL: url, Err: err}
	}

	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &storage.NetworkError{Operation: "fetch", URL: url, Err: err}
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &storage.NetworkError{Operation: "read_body", URL: url, StatusCode: resp.StatusCode, Err: err}
	}

	return &cache.Entry{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}
