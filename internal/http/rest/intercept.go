package rest

import (
	"io"
	"net/http"
	"net/url"

	"github.com/offlinehq/syncengine/internal/engine"
	"github.com/offlinehq/syncengine/internal/logctx"
)

// ContentProxy is the fetch-interception surface: every content GET flows
// through the engine's strategy router before it can reach the origin.
// Non-GET requests pass through to the origin untouched.
type ContentProxy struct {
	engine *engine.Engine
	origin *url.URL
	client *http.Client
}

// NewContentProxy creates the intercept handler for the given origin.
func NewContentProxy(eng *engine.Engine, origin *url.URL) *ContentProxy {
	return &ContentProxy{
		engine: eng,
		origin: origin,
		client: http.DefaultClient,
	}
}

func (p *ContentProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		p.passthrough(w, r)

		return
	}

	target := *r.URL
	target.Scheme = p.origin.Scheme
	target.Host = p.origin.Host

	intercepted := r.Clone(r.Context())
	intercepted.URL = &target

	result, err := p.engine.Serve(r.Context(), intercepted)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to resolve request", "url", target.String(), "err", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)

		return
	}

	for name, values := range result.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}

	w.Header().Set("X-Served-By", result.Strategy)
	w.Header().Set("X-Cache-Source", string(result.Source))
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

// passthrough forwards a non-GET request to the origin with its body intact.
func (p *ContentProxy) passthrough(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	target := *r.URL
	target.Scheme = p.origin.Scheme
	target.Host = p.origin.Host

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)

		return
	}

	req.Header = r.Header.Clone()

	resp, err := p.client.Do(req)
	if err != nil {
		logger.Error("failed to forward request", "method", r.Method, "url", target.String(), "err", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)

		return
	}

	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}

	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug("failed to stream response", "err", err)
	}
}
