// Package api exposes the watcher over HTTP: album projections, forced
// refreshes, asset search, share link management, Telegram notification and
// the recent event feed.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/yourname/immichwatch/internal/index"
	"github.com/yourname/immichwatch/internal/telegram"
	"github.com/yourname/immichwatch/internal/watcher"
	"github.com/yourname/immichwatch/pkg/immich"
)

// AlbumProjection is the full album view returned by the album endpoints.
type AlbumProjection struct {
	AlbumID           string    `json:"album_id"`
	AlbumName         string    `json:"album_name"`
	Owner             string    `json:"owner,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	AssetCount        int       `json:"asset_count"`
	PhotoCount        int       `json:"photo_count"`
	VideoCount        int       `json:"video_count"`
	PeopleCount       int       `json:"people_count"`
	People            []string  `json:"people"`
	Shared            bool      `json:"shared"`
	PublicURL         string    `json:"public_url,omitempty"`
	ProtectedURL      string    `json:"protected_url,omitempty"`
	ProtectedPassword string    `json:"protected_password,omitempty"`
	HasNewAssets      bool      `json:"has_new_assets"`
	LastChangeTime    time.Time `json:"last_change_time,omitempty"`
	ThumbnailURL      string    `json:"thumbnail_url,omitempty"`
	LastPoll          time.Time `json:"last_poll,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
}

// Handlers provides HTTP handlers for the watcher API.
type Handlers struct {
	coordinator *watcher.Coordinator
	client      *immich.Client
	bus         *watcher.Bus
	index       *index.Index
	notifier    *telegram.Notifier
	defaults    NotifyDefaults
	logger      *zerolog.Logger
}

// NotifyDefaults carries config-level defaults for the Telegram notify
// endpoint, applied when the request omits the corresponding field.
type NotifyDefaults struct {
	ChatID       int64
	MaxGroupSize int
	ChunkDelay   time.Duration
}

// NewHandlers creates a new handlers instance. index and notifier may be nil
// when those subsystems are disabled.
func NewHandlers(
	coordinator *watcher.Coordinator,
	client *immich.Client,
	bus *watcher.Bus,
	idx *index.Index,
	notifier *telegram.Notifier,
	defaults NotifyDefaults,
	logger *zerolog.Logger,
) *Handlers {
	return &Handlers{
		coordinator: coordinator,
		client:      client,
		bus:         bus,
		index:       idx,
		notifier:    notifier,
		defaults:    defaults,
		logger:      logger,
	}
}

// RegisterRoutes registers all API routes with the given router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	apiRouter := router.PathPrefix("/api").Subrouter()

	// Album endpoints
	apiRouter.HandleFunc("/albums", h.ListAlbums).Methods("GET")
	apiRouter.HandleFunc("/albums/{id}", h.GetAlbum).Methods("GET")
	apiRouter.HandleFunc("/albums/{id}/refresh", h.RefreshAlbum).Methods("POST")
	apiRouter.HandleFunc("/refresh", h.RefreshAll).Methods("POST")
	apiRouter.HandleFunc("/albums/{id}/clear-new-assets", h.ClearNewAssets).Methods("POST")
	apiRouter.HandleFunc("/albums/{id}/assets/recent", h.RecentAssets).Methods("GET")
	apiRouter.HandleFunc("/albums/{id}/assets/search", h.SearchAssets).Methods("GET")
	apiRouter.HandleFunc("/albums/{id}/thumbnail", h.ProxyThumbnail).Methods("GET")

	// Share link endpoints
	apiRouter.HandleFunc("/albums/{id}/share-links", h.CreateShareLink).Methods("POST")
	apiRouter.HandleFunc("/share-links/{id}", h.DeleteShareLink).Methods("DELETE")
	apiRouter.HandleFunc("/share-links/{id}", h.UpdateShareLink).Methods("PATCH")

	// Notification endpoint
	apiRouter.HandleFunc("/notify/telegram", h.NotifyTelegram).Methods("POST")

	// Event feed
	apiRouter.HandleFunc("/events", h.ListEvents).Methods("GET")
	apiRouter.HandleFunc("/events/stream", h.StreamEvents).Methods("GET")

	// Health check
	apiRouter.HandleFunc("/health", h.Health).Methods("GET")
}

// ListAlbums returns projections for every configured album.
func (h *Handlers) ListAlbums(w http.ResponseWriter, r *http.Request) {
	albums := h.coordinator.Albums()
	projections := make([]AlbumProjection, 0, len(albums))
	for _, a := range albums {
		projections = append(projections, h.projectAlbum(a.ID))
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"hub_name": h.coordinator.HubName(),
		"albums":   projections,
	})
}

// GetAlbum returns the projection for one album.
func (h *Handlers) GetAlbum(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := h.coordinator.Status(id); !ok {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("album not configured: %s", id))
		return
	}

	h.writeJSON(w, http.StatusOK, h.projectAlbum(id))
}

// projectAlbum builds the album projection from the current snapshot and
// poll status. Snapshot fields stay zero until the first successful poll.
func (h *Handlers) projectAlbum(albumID string) AlbumProjection {
	p := AlbumProjection{AlbumID: albumID}

	if status, ok := h.coordinator.Status(albumID); ok {
		p.AlbumName = status.AlbumName
		p.LastPoll = status.LastPoll
		p.LastError = status.LastError
	}

	album := h.coordinator.Snapshot(albumID)
	if album == nil {
		return p
	}

	base := h.client.BaseURL()
	p.AlbumName = album.Name
	p.Owner = album.Owner
	p.CreatedAt = album.CreatedAt
	p.UpdatedAt = album.UpdatedAt
	p.AssetCount = album.AssetCount
	p.PhotoCount = album.PhotoCount
	p.VideoCount = album.VideoCount
	p.People = album.PeopleList()
	p.PeopleCount = len(p.People)
	p.Shared = album.Shared
	p.PublicURL = album.PublicURL(base)
	p.ProtectedURL = album.ProtectedURL(base)
	p.ProtectedPassword = album.ProtectedPassword()
	p.HasNewAssets = album.HasNewAssets
	p.LastChangeTime = album.LastChangeTime
	if album.ThumbnailAssetID != "" {
		p.ThumbnailURL = fmt.Sprintf("/api/albums/%s/thumbnail", album.ID)
	}

	return p
}

// RefreshAlbum forces an out-of-cycle poll of one album and returns when it
// completes.
func (h *Handlers) RefreshAlbum(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.coordinator.Refresh(r.Context(), id); err != nil {
		h.writeRefreshError(w, id, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "refreshed",
		"album_id": id,
	})
}

// RefreshAll forces an out-of-cycle poll of every configured album.
func (h *Handlers) RefreshAll(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.RefreshAll(r.Context()); err != nil {
		h.writeError(w, http.StatusBadGateway, fmt.Sprintf("refresh failed: %v", err))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "refreshed",
		"albums": len(h.coordinator.Albums()),
	})
}

// ClearNewAssets resets the album's new-assets flag.
func (h *Handlers) ClearNewAssets(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.coordinator.ClearNewAssets(id); err != nil {
		h.writeCoordinatorError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "cleared",
		"album_id": id,
	})
}

// RecentAssets returns the N most recently created assets from the album
// snapshot, newest first.
func (h *Handlers) RecentAssets(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	count := 10
	if raw := r.URL.Query().Get("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid count: %s", raw))
			return
		}
		count = parsed
	}

	assets, err := h.coordinator.RecentAssets(id, count)
	if err != nil {
		if errors.Is(err, watcher.ErrUnknownAlbum) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"album_id": id,
		"count":    len(assets),
		"assets":   assets,
	})
}

// SearchAssets queries the asset index, scoped to one album. Returns 404
// when the index subsystem is disabled.
func (h *Handlers) SearchAssets(w http.ResponseWriter, r *http.Request) {
	if h.index == nil {
		h.writeError(w, http.StatusNotFound, "asset search is not enabled")
		return
	}

	id := mux.Vars(r)["id"]
	if _, ok := h.coordinator.Status(id); !ok {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("album not configured: %s", id))
		return
	}

	query := r.URL.Query().Get("q")
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 100 {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %s", raw))
			return
		}
		limit = parsed
	}

	results, err := h.index.Search(r.Context(), id, query, limit)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, fmt.Sprintf("search failed: %v", err))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"album_id": id,
		"query":    query,
		"count":    len(results),
		"results":  results,
	})
}

// ProxyThumbnail streams the album's thumbnail through the watcher so the
// photo server's API key never reaches the caller.
func (h *Handlers) ProxyThumbnail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	album := h.coordinator.Snapshot(id)
	if album == nil {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("no snapshot for album: %s", id))
		return
	}
	if album.ThumbnailAssetID == "" {
		h.writeError(w, http.StatusNotFound, "album has no thumbnail")
		return
	}

	data, err := h.client.DownloadThumbnail(r.Context(), album.ThumbnailAssetID)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to fetch thumbnail: %v", err))
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "max-age=300")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Error().Err(err).Msg("failed to write thumbnail response")
	}
}

// CreateShareLink creates a share link for the album, optionally password
// protected, then re-polls the album.
func (h *Handlers) CreateShareLink(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Password string `json:"password"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
			return
		}
	}

	if err := h.coordinator.CreateShareLink(r.Context(), id, req.Password); err != nil {
		h.writeCoordinatorError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":   "created",
		"album_id": id,
	})
}

// DeleteShareLink removes a share link. The owning album is passed as the
// album_id query parameter so its snapshot can be re-polled.
func (h *Handlers) DeleteShareLink(w http.ResponseWriter, r *http.Request) {
	linkID := mux.Vars(r)["id"]
	albumID := r.URL.Query().Get("album_id")
	if albumID == "" {
		h.writeError(w, http.StatusBadRequest, "missing album_id parameter")
		return
	}

	if err := h.coordinator.DeleteShareLink(r.Context(), albumID, linkID); err != nil {
		h.writeCoordinatorError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "deleted",
		"link_id": linkID,
	})
}

// UpdateShareLink sets or clears a share link password.
func (h *Handlers) UpdateShareLink(w http.ResponseWriter, r *http.Request) {
	linkID := mux.Vars(r)["id"]

	var req struct {
		AlbumID  string  `json:"album_id"`
		Password *string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.AlbumID == "" {
		h.writeError(w, http.StatusBadRequest, "missing album_id")
		return
	}

	password := ""
	if req.Password != nil {
		password = *req.Password
	}

	if err := h.coordinator.SetShareLinkPassword(r.Context(), req.AlbumID, linkID, password); err != nil {
		h.writeCoordinatorError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "updated",
		"link_id": linkID,
	})
}

// notifyRequest is the Telegram notification request body.
type notifyRequest struct {
	ChatID                 int64               `json:"chat_id"`
	Caption                string              `json:"caption"`
	ParseMode              string              `json:"parse_mode"`
	ReplyToMessageID       int                 `json:"reply_to_message_id"`
	DisableWebPagePreview  bool                `json:"disable_web_page_preview"`
	Media                  []telegram.MediaRef `json:"media"`
	MaxGroupSize           int                 `json:"max_group_size"`
	ChunkDelaySeconds      float64             `json:"chunk_delay"`
	WaitForResponse        *bool               `json:"wait_for_response"`
	MaxAssetDataSize       int64               `json:"max_asset_data_size"`
	LargePhotosAsDocuments bool                `json:"large_photos_as_documents"`
	DownscaleLargePhotos   bool                `json:"downscale_large_photos"`
}

// NotifyTelegram relays media or a text message to Telegram. Returns 404
// when no bot token is configured.
func (h *Handlers) NotifyTelegram(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		h.writeError(w, http.StatusNotFound, "telegram notifications are not enabled")
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	opts := telegram.Options{
		ChatID:                 req.ChatID,
		Caption:                req.Caption,
		ParseMode:              req.ParseMode,
		ReplyToMessageID:       req.ReplyToMessageID,
		DisableWebPagePreview:  req.DisableWebPagePreview,
		MaxGroupSize:           req.MaxGroupSize,
		ChunkDelay:             time.Duration(req.ChunkDelaySeconds * float64(time.Second)),
		MaxAssetDataSize:       req.MaxAssetDataSize,
		LargePhotosAsDocuments: req.LargePhotosAsDocuments,
		DownscaleLargePhotos:   req.DownscaleLargePhotos,
	}
	if opts.ChatID == 0 {
		opts.ChatID = h.defaults.ChatID
	}
	if opts.MaxGroupSize == 0 {
		opts.MaxGroupSize = h.defaults.MaxGroupSize
	}
	if opts.ChunkDelay == 0 {
		opts.ChunkDelay = h.defaults.ChunkDelay
	}
	if req.WaitForResponse != nil {
		opts.WaitForResponse = *req.WaitForResponse
	}

	if opts.ChatID == 0 {
		h.writeError(w, http.StatusBadRequest, "missing chat_id and no default configured")
		return
	}

	result, err := h.notifier.Send(r.Context(), req.Media, opts)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	h.writeJSON(w, status, result)
}

// ListEvents returns the most recent change events, newest last.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %s", raw))
			return
		}
		limit = parsed
	}

	events := h.bus.Recent(limit)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

// StreamEvents streams change events as server-sent events until the client
// disconnects. Each event is one SSE message named after the event type.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, cancel := h.bus.Subscribe(16)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error().Err(err).Msg("failed to encode event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Name, payload)
			flusher.Flush()
		}
	}
}

// Health reports service health, including the photo server and, when
// enabled, the asset index.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":   "healthy",
		"hub_name": h.coordinator.HubName(),
		"albums":   len(h.coordinator.Albums()),
	}

	if err := h.client.Ping(r.Context()); err != nil {
		health["status"] = "degraded"
		health["immich"] = err.Error()
	} else {
		health["immich"] = "ok"
	}

	if h.index != nil {
		if h.index.IsHealthy(r.Context()) {
			health["search_index"] = "ok"
		} else {
			health["status"] = "degraded"
			health["search_index"] = "unreachable"
		}
	}

	status := http.StatusOK
	if health["status"] != "healthy" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, health)
}

// writeRefreshError maps a failed forced refresh to an HTTP status using the
// client's error categories.
func (h *Handlers) writeRefreshError(w http.ResponseWriter, albumID string, err error) {
	switch {
	case errors.Is(err, watcher.ErrUnknownAlbum):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, immich.ErrUnauthorized):
		h.writeError(w, http.StatusBadGateway, fmt.Sprintf("immich rejected credentials: %v", err))
	case errors.Is(err, immich.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, immich.ErrTimeout), errors.Is(err, immich.ErrUnreachable):
		h.writeError(w, http.StatusGatewayTimeout, fmt.Sprintf("immich unreachable: %v", err))
	default:
		h.writeError(w, http.StatusBadGateway, fmt.Sprintf("refresh failed for %s: %v", albumID, err))
	}
}

// writeCoordinatorError maps coordinator errors to HTTP statuses.
func (h *Handlers) writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, watcher.ErrUnknownAlbum):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, immich.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, immich.ErrUnauthorized):
		h.writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, immich.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		h.writeError(w, http.StatusBadGateway, err.Error())
	}
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes an error response.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}
