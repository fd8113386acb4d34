package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/offlinehq/syncengine/internal/bus"
	"github.com/offlinehq/syncengine/internal/engine"
	"github.com/offlinehq/syncengine/internal/logctx"
	"github.com/offlinehq/syncengine/internal/storage"
)

// Message is the wire envelope for both commands and events, a {type,
// payload} pair.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command payloads.
type downloadVideoPayload struct {
	VideoID   string `json:"videoId"`
	VideoURL  string `json:"videoUrl"`
	Title     string `json:"title,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

type deleteVideoPayload struct {
	VideoID string `json:"videoId"`
}

type cacheModulePayload struct {
	ModuleID string `json:"moduleId"`
	Videos   []struct {
		ID        string `json:"id"`
		Thumbnail string `json:"thumbnail,omitempty"`
	} `json:"videos"`
}

// Event payloads.
type videoDownloadedPayload struct {
	VideoID string `json:"videoId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type videoDeletedPayload struct {
	VideoID string `json:"videoId"`
	Success bool   `json:"success"`
}

type downloadProgressPayload struct {
	VideoID string `json:"videoId"`
	Percent int    `json:"percent"`
}

type activatedPayload struct {
	Version string `json:"version"`
}

type videoRecordResponse struct {
	ID           string `json:"id"`
	Title        string `json:"title,omitempty"`
	SourceURL    string `json:"sourceUrl"`
	DownloadedAt string `json:"downloadedAt"`
	Transcript   string `json:"transcript,omitempty"`
	Thumbnail    string `json:"thumbnail,omitempty"`
}

type storageUsageResponse struct {
	UsedBytes  int64 `json:"usedBytes"`
	QuotaBytes int64 `json:"quotaBytes"`
}

type cacheStatsResponse struct {
	Modules        int    `json:"modules"`
	ContentEntries int    `json:"contentEntries"`
	LastUpdated    string `json:"lastUpdated,omitempty"`
}

type statusResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EngineHandler exposes the engine over HTTP: the command bus, the event
// stream, the query surface and the content intercept.
type EngineHandler struct {
	engine *engine.Engine
	proxy  *ContentProxy
}

// NewEngineHandler creates a new engine handler.
func NewEngineHandler(eng *engine.Engine, proxy *ContentProxy) *EngineHandler {
	return &EngineHandler{
		engine: eng,
		proxy:  proxy,
	}
}

func (h *EngineHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/v1/messages", h.HandleCommand)
	r.Get("/api/v1/events", h.HandleEvents)

	r.Get("/api/v1/videos", h.HandleListVideos)
	r.Get("/api/v1/videos/{id}", h.HandleVideoStatus)
	r.Delete("/api/v1/videos/{id}", h.HandleDeleteVideo)
	r.Get("/api/v1/modules/{id}", h.HandleModuleStatus)
	r.Get("/api/v1/storage", h.HandleStorageUsage)
	r.Get("/api/v1/stats", h.HandleStats)
	r.Get("/healthz", h.HandleHealth)

	r.Handle("/content/*", http.StripPrefix("/content", h.proxy))

	return r
}

// HandleCommand decodes a {type, payload} message and dispatches it.
func (h *EngineHandler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		logger.Error("failed to decode message", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	cmd, err := decodeCommand(msg)
	if err != nil {
		logger.Error("failed to decode command", "type", msg.Type, "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	if err := h.engine.Dispatch(r.Context(), cmd); err != nil {
		logger.Warn("command rejected", "type", msg.Type, "err", err)
		writeJSON(w, commandStatus(err), statusResponse{Success: false, Error: err.Error()})

		return
	}

	writeJSON(w, http.StatusAccepted, statusResponse{Success: true})
}

func decodeCommand(msg Message) (bus.Command, error) {
	switch msg.Type {
	case "DOWNLOAD_VIDEO":
		var p downloadVideoPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid DOWNLOAD_VIDEO payload: %w", err)
		}

		if p.VideoID == "" || p.VideoURL == "" {
			return nil, fmt.Errorf("DOWNLOAD_VIDEO requires videoId and videoUrl")
		}

		return bus.DownloadVideo{
			VideoID:   p.VideoID,
			VideoURL:  p.VideoURL,
			Title:     p.Title,
			Thumbnail: p.Thumbnail,
		}, nil
	case "DELETE_VIDEO":
		var p deleteVideoPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid DELETE_VIDEO payload: %w", err)
		}

		if p.VideoID == "" {
			return nil, fmt.Errorf("DELETE_VIDEO requires videoId")
		}

		return bus.DeleteVideo{VideoID: p.VideoID}, nil
	case "CACHE_MODULE_DATA":
		var p cacheModulePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid CACHE_MODULE_DATA payload: %w", err)
		}

		cmd := bus.CacheModuleData{ModuleID: p.ModuleID}
		for _, v := range p.Videos {
			cmd.Videos = append(cmd.Videos, bus.ModuleVideo{ID: v.ID, Thumbnail: v.Thumbnail})
		}

		return cmd, nil
	case "SKIP_WAITING":
		return bus.SkipWaiting{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// HandleEvents streams engine events to the client as server-sent events.
// Every connected client receives every broadcast.
func (h *EngineHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)

		return
	}

	id, events := h.engine.Events().Subscribe()
	defer h.engine.Events().Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}

			msg, err := encodeEvent(event)
			if err != nil {
				logger.Error("failed to encode event", "err", err)

				continue
			}

			data, err := json.Marshal(msg)
			if err != nil {
				logger.Error("failed to marshal event", "err", err)

				continue
			}

			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func encodeEvent(event bus.Event) (Message, error) {
	var (
		typ     string
		payload any
	)

	switch e := event.(type) {
	case bus.VideoDownloaded:
		typ = "VIDEO_DOWNLOADED"
		payload = videoDownloadedPayload{VideoID: e.VideoID, Success: e.Success, Error: e.Error}
	case bus.VideoDeleted:
		typ = "VIDEO_DELETED"
		payload = videoDeletedPayload{VideoID: e.VideoID, Success: e.Success}
	case bus.DownloadProgress:
		typ = "DOWNLOAD_PROGRESS"
		payload = downloadProgressPayload{VideoID: e.VideoID, Percent: e.Percent}
	case bus.Activated:
		typ = "ACTIVATED"
		payload = activatedPayload{Version: e.Version}
	default:
		return Message{}, fmt.Errorf("unknown event type %T", event)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}

	return Message{Type: typ, Payload: raw}, nil
}

// HandleListVideos returns the records of every downloaded asset.
func (h *EngineHandler) HandleListVideos(w http.ResponseWriter, r *http.Request) {
	records, err := h.engine.ListDownloadedAssets(r.Context())
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to list videos", "err", err)
		http.Error(w, "failed to list videos", http.StatusInternalServerError)

		return
	}

	response := make([]videoRecordResponse, 0, len(records))
	for _, rec := range records {
		response = append(response, videoRecordResponse{
			ID:           rec.ID,
			Title:        rec.Title,
			SourceURL:    rec.SourceURL,
			DownloadedAt: rec.DownloadedAt,
			Transcript:   rec.Transcript,
			Thumbnail:    rec.Thumbnail,
		})
	}

	writeJSON(w, http.StatusOK, response)
}

// HandleVideoStatus reports whether an asset is downloaded, plus any active
// task progress.
func (h *EngineHandler) HandleVideoStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	response := struct {
		ID         string `json:"id"`
		Downloaded bool   `json:"downloaded"`
		State      string `json:"state,omitempty"`
		Progress   int    `json:"progress,omitempty"`
	}{
		ID:         id,
		Downloaded: h.engine.IsAssetDownloaded(r.Context(), id),
	}

	if task, ok := h.engine.Downloads().Progress(id); ok {
		response.State = string(task.State)
		response.Progress = task.Progress
	}

	writeJSON(w, http.StatusOK, response)
}

// HandleDeleteVideo removes a downloaded asset.
func (h *EngineHandler) HandleDeleteVideo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.engine.Dispatch(r.Context(), bus.DeleteVideo{VideoID: id}); err != nil {
		writeJSON(w, commandStatus(err), statusResponse{Success: false, Error: err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Success: true})
}

// HandleModuleStatus reports whether a module's assets were cached.
func (h *EngineHandler) HandleModuleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	writeJSON(w, http.StatusOK, struct {
		ModuleID string `json:"moduleId"`
		Cached   bool   `json:"cached"`
	}{
		ModuleID: id,
		Cached:   h.engine.IsModuleCached(r.Context(), id),
	})
}

// HandleStorageUsage reports used and quota bytes.
func (h *EngineHandler) HandleStorageUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.engine.StorageUsage(r.Context())
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to measure storage", "err", err)
		http.Error(w, "failed to measure storage", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, storageUsageResponse{
		UsedBytes:  usage.UsedBytes,
		QuotaBytes: usage.QuotaBytes,
	})
}

// HandleStats reports cache statistics.
func (h *EngineHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to collect stats", "err", err)
		http.Error(w, "failed to collect stats", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, cacheStatsResponse{
		Modules:        stats.Modules,
		ContentEntries: stats.ContentEntries,
		LastUpdated:    stats.LastUpdated,
	})
}

// HandleHealth reports liveness and the lifecycle phase.
func (h *EngineHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		Phase  string `json:"phase"`
	}{
		Status: "ok",
		Phase:  string(h.engine.Lifecycle().Phase()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// The status line is already written; an encode failure here can only
	// truncate the body.
	_ = json.NewEncoder(w).Encode(v)
}
