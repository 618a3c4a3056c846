// Package api exposes the control-plane HTTP surface: session CRUD and
// lifecycle, live listings, statistics, recordings, and quality management.
// The ingest webhook surface lives in the gateway package.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"streamhaven/internal/auth"
	"streamhaven/internal/errs"
	"streamhaven/internal/models"
	"streamhaven/internal/observability/logging"
	"streamhaven/internal/quality"
	"streamhaven/internal/recording"
	"streamhaven/internal/session"
	"streamhaven/internal/store"
	"streamhaven/internal/viewers"
)

type Handler struct {
	Manager   *session.Manager
	Quality   *quality.Controller
	Recording *recording.Controller
	Viewers   *viewers.Tracker
	Owners    *auth.Registry
	Logger    *slog.Logger
}

func NewHandler(manager *session.Manager) *Handler {
	return &Handler{Manager: manager}
}

// logger prefers the request-scoped logger attached by the server middleware
// so warnings carry the request ID.
func (h *Handler) logger(r *http.Request) *slog.Logger {
	if l := logging.LoggerFromContext(r.Context()); l != nil {
		return l
	}
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// ownerID authenticates the caller. With a registry configured the secret
// header is verified; without one the ID header is trusted as-is, which is
// acceptable only behind an authenticating proxy.
func (h *Handler) ownerID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
	if id == "" {
		return "", errs.Unauthorized("owner identity required")
	}
	if h.Owners != nil {
		if err := h.Owners.Verify(id, r.Header.Get("X-Owner-Secret")); err != nil {
			return "", err
		}
	}
	return id, nil
}

type createSessionRequest struct {
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	Category         string `json:"category,omitempty"`
	TargetQuality    string `json:"targetQuality"`
	MaxViewers       int    `json:"maxViewers,omitempty"`
	RecordingEnabled bool   `json:"recordingEnabled,omitempty"`
	ChatEnabled      bool   `json:"chatEnabled,omitempty"`
}

type createSessionResponse struct {
	Session     models.Session `json:"session"`
	StreamKey   string         `json:"streamKey"`
	IngestURL   string         `json:"ingestUrl"`
	PlaybackURL string         `json:"playbackUrl"`
}

// Sessions handles the collection route: POST creates, GET lists by status
// or for the calling owner.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createSession(w, r)
	case http.MethodGet:
		h.listSessions(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	ownerID, err := h.ownerID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := h.Manager.Create(r.Context(), session.CreateParams{
		OwnerID:          ownerID,
		Title:            req.Title,
		Description:      req.Description,
		Category:         req.Category,
		TargetQuality:    req.TargetQuality,
		MaxViewers:       req.MaxViewers,
		RecordingEnabled: req.RecordingEnabled,
		ChatEnabled:      req.ChatEnabled,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Creation is the only response that carries the stream key.
	key := created.Session.StreamKey
	created.Session.StreamKey = ""
	writeJSON(w, http.StatusCreated, createSessionResponse{
		Session:     created.Session,
		StreamKey:   key,
		IngestURL:   created.IngestURL,
		PlaybackURL: created.PlaybackURL,
	})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		sessions, err := h.Manager.ListByStatus(ctx, models.SessionStatus(strings.ToLower(status)))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, scrubAll(sessions))
		return
	}
	ownerID, err := h.ownerID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sessions, err := h.Manager.ListByOwner(ctx, ownerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scrubAll(sessions))
}

// SessionByID routes /v1/sessions/{id} and its sub-resources.
func (h *Handler) SessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("session id missing"))
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.getSession(w, r, id)
		case http.MethodPatch:
			h.updateSession(w, r, id)
		case http.MethodDelete:
			h.cancelSession(w, r, id)
		default:
			w.Header().Set("Allow", "GET, PATCH, DELETE")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		}
		return
	}
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown session route"))
		return
	}
	switch parts[1] {
	case "start":
		h.startSession(w, r, id)
	case "stop":
		h.stopSession(w, r, id)
	case "stats":
		h.sessionStats(w, r, id)
	case "recording":
		h.sessionRecording(w, r, id)
	case "viewers":
		h.sessionViewers(w, r, id)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown session action %s", parts[1]))
	}
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := h.Manager.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	response := struct {
		models.Session
		LiveStats *session.Stats `json:"liveStats,omitempty"`
	}{Session: scrub(sess)}
	if sess.Status == models.StatusLive {
		if stats, err := h.Manager.StatsByID(r.Context(), id); err == nil {
			response.LiveStats = &stats
		}
	}
	writeJSON(w, http.StatusOK, response)
}

type updateSessionRequest struct {
	Title         *string `json:"title,omitempty"`
	Description   *string `json:"description,omitempty"`
	Category      *string `json:"category,omitempty"`
	TargetQuality *string `json:"targetQuality,omitempty"`
	MaxViewers    *int    `json:"maxViewers,omitempty"`
}

func (h *Handler) updateSession(w http.ResponseWriter, r *http.Request, id string) {
	ownerID, err := h.ownerID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req updateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := h.Manager.UpdateMetadata(r.Context(), ownerID, id, store.MetadataUpdate{
		Title:         req.Title,
		Description:   req.Description,
		Category:      req.Category,
		TargetQuality: req.TargetQuality,
		MaxViewers:    req.MaxViewers,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scrub(updated))
}

func (h *Handler) cancelSession(w http.ResponseWriter, r *http.Request, id string) {
	ownerID, err := h.ownerID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	cancelled, err := h.Manager.Cancel(r.Context(), ownerID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scrub(cancelled))
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	ownerID, err := h.ownerID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sess, err := h.Manager.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess.OwnerID != ownerID {
		writeDomainError(w, errs.Unauthorized("session %s does not belong to caller", id))
		return
	}
	started, err := h.Manager.Start(r.Context(), sess.StreamKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scrub(started))
}

// stopSession tears down in the same order as a publisher disconnect: stop
// the encoder and recorder, then finalize the session.
func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	ownerID, err := h.ownerID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sess, err := h.Manager.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess.OwnerID != ownerID {
		writeDomainError(w, errs.Unauthorized("session %s does not belong to caller", id))
		return
	}
	ctx := r.Context()
	if h.Quality != nil {
		if err := h.Quality.StopABR(ctx, sess.StreamKey); err != nil {
			h.logger(r).Warn("abr stop failed during owner stop", "session_id", id, "error", err)
		}
	}
	if h.Recording != nil {
		if err := h.Recording.Stop(ctx, id); err != nil {
			h.logger(r).Warn("recording stop failed during owner stop", "session_id", id, "error", err)
		}
	}
	ended, err := h.Manager.End(ctx, sess.StreamKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scrub(ended))
}

func (h *Handler) sessionStats(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	stats, err := h.Manager.StatsByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) sessionRecording(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Recording == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("recording is not configured"))
		return
	}
	rec, err := h.Recording.BySession(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) sessionViewers(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Viewers == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("viewer tracking is not configured"))
		return
	}
	count, err := h.Viewers.Count(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"currentViewers": count})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// scrub removes the stream key before a session leaves the API.
func scrub(sess models.Session) models.Session {
	sess.StreamKey = ""
	return sess
}

func scrubAll(sessions []models.Session) []models.Session {
	scrubbed := make([]models.Session, len(sessions))
	for i, sess := range sessions {
		scrubbed[i] = scrub(sess)
	}
	return scrubbed
}
