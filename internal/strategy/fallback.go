package strategy

import (
	"net/http"
	"strings"

	"github.com/offlinehq/syncengine/internal/cache"
	"github.com/offlinehq/syncengine/internal/telemetry"
)

const emptySVG = `<svg xmlns="http://www.w3.org/2000/svg" width="1" height="1"/>`

// Fallback implements the offline fallback policy: a cached offline page for
// navigations, a minimal valid image for image requests (a broken network
// must not mean a broken-image UI), and a synthetic 503 for everything else.
type Fallback struct {
	buckets        *cache.Manager
	offlinePageKey string
	telemetry      *telemetry.Telemetry
}

func NewFallback(buckets *cache.Manager, offlinePageKey string, tel *telemetry.Telemetry) *Fallback {
	return &Fallback{
		buckets:        buckets,
		offlinePageKey: offlinePageKey,
		telemetry:      tel,
	}
}

// Serve produces the deterministic offline response for a failed request.
func (f *Fallback) Serve(req *http.Request, strategyName string) *Result {
	switch {
	case isNavigation(req):
		f.telemetry.RecordOfflineFallback("document")

		if entry, err := f.buckets.Get(cache.PurposeStatic, f.offlinePageKey); err == nil {
			return &Result{
				Status:   entry.Status,
				Header:   entry.Header,
				Body:     entry.Body,
				Source:   SourceFallback,
				Strategy: strategyName,
			}
		}

		return unavailable(strategyName)
	case isImage(req):
		f.telemetry.RecordOfflineFallback("image")

		return &Result{
			Status:   http.StatusOK,
			Header:   http.Header{"Content-Type": []string{"image/svg+xml"}},
			Body:     []byte(emptySVG),
			Source:   SourceFallback,
			Strategy: strategyName,
		}
	default:
		f.telemetry.RecordOfflineFallback("other")

		return unavailable(strategyName)
	}
}

func unavailable(strategyName string) *Result {
	return &Result{
		Status:   http.StatusServiceUnavailable,
		Header:   http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:     []byte("offline"),
		Source:   SourceFallback,
		Strategy: strategyName,
	}
}

func isNavigation(req *http.Request) bool {
	if dest := req.Header.Get("Sec-Fetch-Dest"); dest == "document" {
		return true
	}

	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func isImage(req *http.Request) bool {
	if dest := req.Header.Get("Sec-Fetch-Dest"); dest == "image" {
		return true
	}

	accept := req.Header.Get("Accept")

	return strings.HasPrefix(accept, "image/")
}
