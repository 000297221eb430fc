package rest

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/streamkeep/streamkeep/internal/asset"
	"github.com/streamkeep/streamkeep/internal/logctx"
	"github.com/streamkeep/streamkeep/internal/manager"
	"github.com/streamkeep/streamkeep/internal/notifier"
)

// hlsDownloadsEvent is the SSE event name carrying full asset snapshots.
const hlsDownloadsEvent = "hlsDownloads"

// assetView is the caller-facing shape of an asset record.
type assetView struct {
	ID       string  `json:"id"`
	HlsURL   string  `json:"hlsUrl"`
	Progress float64 `json:"progress"`
	Status   string  `json:"status"`
	Size     float64 `json:"size"`
}

type downloadRequest struct {
	HlsURL  string `json:"hlsUrl"`
	Bitrate int64  `json:"bitrate"`
}

// AssetsHandler exposes the persistence manager over HTTP.
type AssetsHandler struct {
	mgr            *manager.Manager
	broadcaster    *notifier.Broadcaster
	defaultBitrate int64
}

// NewAssetsHandler creates a new assets handler.
func NewAssetsHandler(mgr *manager.Manager, broadcaster *notifier.Broadcaster, defaultBitrate int64) *AssetsHandler {
	return &AssetsHandler{
		mgr:            mgr,
		broadcaster:    broadcaster,
		defaultBitrate: defaultBitrate,
	}
}

func (h *AssetsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/assets", h.HandleList)
	r.Get("/assets/resolve", h.HandleResolve)
	r.Post("/assets/{id}/download", h.HandleDownload)
	r.Post("/assets/{id}/cancel", h.HandleCancel)
	r.Delete("/assets/{id}", h.HandleDelete)
	r.Get("/events", h.HandleEvents)

	return r
}

// HandleList returns a snapshot of all known assets.
func (h *AssetsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toViews(h.mgr.Assets()))
}

// HandleResolve returns the playable local path of the finished asset
// downloaded from the given stream URL.
func (h *AssetsHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	hlsURL := r.URL.Query().Get("hlsUrl")
	if hlsURL == "" {
		http.Error(w, "hlsUrl is required", http.StatusBadRequest)

		return
	}

	path, ok := h.mgr.AssetForStream(hlsURL)
	if !ok {
		http.Error(w, "no offline asset for stream", http.StatusNotFound)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

// HandleDownload requests an offline download. Duplicate requests are
// accepted and ignored, matching the manager's idempotent contract.
func (h *AssetsHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.HlsURL == "" {
		http.Error(w, "hlsUrl is required", http.StatusBadRequest)

		return
	}

	bitrate := req.Bitrate
	if bitrate <= 0 {
		bitrate = h.defaultBitrate
	}

	h.mgr.DownloadStream(r.Context(), id, req.HlsURL, bitrate)

	w.WriteHeader(http.StatusAccepted)
}

// HandleCancel cancels an in-flight download. Unknown ids are a no-op.
func (h *AssetsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.mgr.CancelDownload(r.Context(), chi.URLParam(r, "id"))

	w.WriteHeader(http.StatusAccepted)
}

// HandleDelete removes an asset and its downloaded media.
func (h *AssetsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	h.mgr.DeleteAsset(r.Context(), chi.URLParam(r, "id"))

	w.WriteHeader(http.StatusNoContent)
}

// HandleEvents streams asset list snapshots as server-sent events. The
// current snapshot is sent immediately, then one event per change.
func (h *AssetsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)

		return
	}

	logger := logctx.LoggerFromContext(r.Context())

	updates := make(chan []asset.Record, 8)

	unsubscribe := h.broadcaster.Subscribe(func(assets []asset.Record) {
		// A slow consumer drops intermediate snapshots; each event carries
		// the full state, so nothing is lost for good.
		select {
		case updates <- assets:
		default:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeEvent(w, h.mgr.Assets()); err != nil {
		logger.Debug("event stream closed", "err", err)

		return
	}

	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case assets := <-updates:
			if err := writeEvent(w, assets); err != nil {
				logger.Debug("event stream closed", "err", err)

				return
			}

			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, assets []asset.Record) error {
	data, err := json.Marshal(toViews(assets))
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", hlsDownloadsEvent, data)

	return err
}

func toViews(assets []asset.Record) []assetView {
	views := make([]assetView, 0, len(assets))
	for _, a := range assets {
		views = append(views, assetView{
			ID:       a.ID,
			HlsURL:   a.SourceURL,
			Progress: a.Progress,
			Status:   string(a.Status),
			Size:     a.SizeBytes,
		})
	}

	return views
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
