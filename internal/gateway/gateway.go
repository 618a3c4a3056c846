// Package gateway bridges the ingest protocol server's lifecycle webhooks to
// the session core. Pre-publish is the admission gate: an unverifiable key
// closes the connection before any media is accepted. Post-publish and
// done-publish drive the live transition and the quality/recording
// controllers around it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"streamhaven/internal/auth"
	"streamhaven/internal/errs"
	"streamhaven/internal/models"
	"streamhaven/internal/observability/logging"
)

// SessionController is the slice of the session manager the gateway drives.
type SessionController interface {
	ValidateKey(ctx context.Context, key string) bool
	Start(ctx context.Context, key string) (models.Session, error)
	End(ctx context.Context, key string) (models.Session, error)
	GetByKey(ctx context.Context, key string) (models.Session, error)
}

// QualityController starts and stops adaptive-bitrate encoding per session.
type QualityController interface {
	InitializeABR(ctx context.Context, key, sessionID, sourceLocator, targetQuality string) error
	StopABR(ctx context.Context, key string) error
}

// RecordingController starts and stops the recording process per session.
type RecordingController interface {
	Start(ctx context.Context, sessionID, sourceLocator string) error
	Stop(ctx context.Context, sessionID string) error
}

// PresenceTracker maintains viewer membership for play/stop callbacks.
type PresenceTracker interface {
	Join(ctx context.Context, key, viewerID string) (bool, error)
	Leave(ctx context.Context, key, viewerID string) (bool, error)
}

// Config wires the webhook handler.
type Config struct {
	Sessions  SessionController
	Quality   QualityController
	Recording RecordingController
	Presence  PresenceTracker
	Logger    *slog.Logger

	// HookTokenDigest is the SHA-256 digest of the bearer token the ingest
	// server presents. Empty disables hook auth (local development only).
	HookTokenDigest string

	// SourceURLTemplate renders the media source handed to the encoder and
	// recorder, with a {key} placeholder.
	SourceURLTemplate string
}

// Hooks handles the ingest server's lifecycle callbacks.
type Hooks struct {
	sessions       SessionController
	quality        QualityController
	recording      RecordingController
	presence       PresenceTracker
	logger         *slog.Logger
	tokenDigest    string
	sourceTemplate string
}

func NewHooks(cfg Config) (*Hooks, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("gateway requires a session controller")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	template := strings.TrimSpace(cfg.SourceURLTemplate)
	if template == "" {
		template = "rtmp://127.0.0.1/live/{key}"
	}
	return &Hooks{
		sessions:       cfg.Sessions,
		quality:        cfg.Quality,
		recording:      cfg.Recording,
		presence:       cfg.Presence,
		logger:         logging.WithComponent(logger, "ingest-gateway"),
		tokenDigest:    cfg.HookTokenDigest,
		sourceTemplate: template,
	}, nil
}

type hookRequest struct {
	Action   string `json:"action"`
	Stream   string `json:"stream"`
	ClientID string `json:"client_id,omitempty"`
	Param    string `json:"param,omitempty"`
}

type hookResponse struct {
	Status    string `json:"status"`
	Action    string `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
}

func normalizeAction(action string) string {
	normalized := strings.ToLower(strings.TrimSpace(action))
	return strings.TrimPrefix(normalized, "on_")
}

// keyFromStream extracts the stream key from the path the ingest server
// reports, tolerating app-prefixed forms like "live/<key>" and query suffixes.
func keyFromStream(stream string) string {
	trimmed := strings.TrimSpace(stream)
	if idx := strings.IndexByte(trimmed, '?'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	trimmed = strings.Trim(trimmed, "/")
	if idx := strings.LastIndexByte(trimmed, '/'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return trimmed
}

// ServeHTTP dispatches a lifecycle callback. Panics from any one session's
// handling are contained here so a malformed event can never take down the
// hook loop; a panic on the admission path still rejects the connection.
func (h *Hooks) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger.Error("hook handler panicked", "panic", recovered, "path", r.URL.Path)
			writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
		}
	}()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.tokenDigest != "" {
		if err := auth.VerifyBearer(r, h.tokenDigest); err != nil {
			h.logger.Warn("hook rejected token", "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
			return
		}
	}

	var req hookRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Action == "" {
		req.Action = r.URL.Query().Get("action")
	}
	if req.Stream == "" {
		req.Stream = r.URL.Query().Get("stream")
	}

	action := normalizeAction(req.Action)
	if action == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("action is required"))
		return
	}
	key := keyFromStream(req.Stream)

	switch action {
	case "pre_publish", "publish_auth":
		h.handlePrePublish(w, r, key)
	case "post_publish", "publish":
		h.handlePostPublish(w, r, key)
	case "done_publish", "unpublish":
		h.handleDonePublish(w, r, key)
	case "play":
		h.handlePlay(w, r, key, req.ClientID)
	case "stop":
		h.handleStop(w, r, key, req.ClientID)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %s", req.Action))
	}
}

// handlePrePublish is the security boundary: only a positive validation
// admits the connection, and anything else closes it.
func (h *Hooks) handlePrePublish(w http.ResponseWriter, r *http.Request, key string) {
	if key == "" || !h.sessions.ValidateKey(r.Context(), key) {
		h.logger.Warn("publish rejected", "key_digest", logging.KeyDigest(key))
		writeError(w, http.StatusForbidden, fmt.Errorf("stream key rejected"))
		return
	}
	writeJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "pre_publish"})
}

func (h *Hooks) handlePostPublish(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	session, err := h.sessions.Start(ctx, key)
	if err != nil {
		if errs.IsKind(err, errs.KindInvalidState) {
			// A transient interruption reconnecting: the session is
			// already live and its controllers are already running.
			if current, lookupErr := h.sessions.GetByKey(ctx, key); lookupErr == nil && current.Status == models.StatusLive {
				writeJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "post_publish", SessionID: current.ID})
				return
			}
		}
		h.logger.Warn("go-live failed", "key_digest", logging.KeyDigest(key), "error", err)
		writeError(w, httpStatus(err), err)
		return
	}

	// Controller failures degrade the session but never roll back the live
	// transition.
	source := strings.ReplaceAll(h.sourceTemplate, "{key}", key)
	if h.quality != nil {
		if err := h.quality.InitializeABR(ctx, key, session.ID, source, session.TargetQuality); err != nil {
			h.logger.Error("session degraded: abr initialization failed",
				"session_id", session.ID, "error", err)
		}
	}
	if h.recording != nil && session.RecordingEnabled {
		if err := h.recording.Start(ctx, session.ID, source); err != nil {
			h.logger.Error("session degraded: recording start failed",
				"session_id", session.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "post_publish", SessionID: session.ID})
}

// handleDonePublish tears down in dependency order: stop the encoder and
// recorder first so the final stats and artefacts are settled, then finalize
// the session.
func (h *Hooks) handleDonePublish(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	session, err := h.sessions.GetByKey(ctx, key)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if h.quality != nil {
		if err := h.quality.StopABR(ctx, key); err != nil {
			h.logger.Warn("abr stop failed during teardown", "session_id", session.ID, "error", err)
		}
	}
	if h.recording != nil {
		if err := h.recording.Stop(ctx, session.ID); err != nil {
			h.logger.Warn("recording stop failed during teardown", "session_id", session.ID, "error", err)
		}
	}
	ended, err := h.sessions.End(ctx, key)
	if err != nil {
		h.logger.Error("session finalization failed", "session_id", session.ID, "error", err)
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "done_publish", SessionID: ended.ID})
}

func (h *Hooks) handlePlay(w http.ResponseWriter, r *http.Request, key, clientID string) {
	if h.presence == nil || clientID == "" {
		writeJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "play"})
		return
	}
	if _, err := h.presence.Join(r.Context(), key, clientID); err != nil {
		h.logger.Warn("viewer join failed", "key_digest", logging.KeyDigest(key), "error", err)
	}
	writeJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "play"})
}

func (h *Hooks) handleStop(w http.ResponseWriter, r *http.Request, key, clientID string) {
	if h.presence == nil || clientID == "" {
		writeJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "stop"})
		return
	}
	if _, err := h.presence.Leave(r.Context(), key, clientID); err != nil {
		h.logger.Warn("viewer leave failed", "key_digest", logging.KeyDigest(key), "error", err)
	}
	writeJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "stop"})
}

func httpStatus(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidState:
		return http.StatusConflict
	case errs.KindUnauthorized:
		return http.StatusUnauthorized
	case errs.KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dest interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	return decoder.Decode(dest)
}
