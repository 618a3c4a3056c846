// Package session orchestrates the broadcast lifecycle: creation, stream key
// admission, the scheduled/live/ended transitions, and viewer statistics. The
// store is the single transactional authority for transitions; the cache only
// accelerates the admission hot path and is invalidated on every transition.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"streamhaven/internal/cache"
	"streamhaven/internal/errs"
	"streamhaven/internal/keygen"
	"streamhaven/internal/models"
	"streamhaven/internal/observability/logging"
	"streamhaven/internal/observability/metrics"
	"streamhaven/internal/store"
)

const (
	maxTitleLength       = 140
	maxDescriptionLength = 2000
	maxViewersCeiling    = 100000
)

var defaultCategories = []string{"gaming", "music", "talk", "sports", "education", "creative", "other"}

var defaultQualities = []string{"240p", "360p", "480p", "720p", "1080p"}

// runtimeState is the ephemeral in-memory record of a live session. It is
// created on go-live, mutated by viewer and chat events, and destroyed when
// the session ends; only its final snapshot is persisted.
type runtimeState struct {
	mu           sync.Mutex
	sessionID    string
	viewers      map[string]struct{}
	totalViewers int
	peakViewers  int
	chatMessages int
	startedAt    time.Time
}

// Config wires a Manager's collaborators.
type Config struct {
	Store   store.Store
	Cache   cache.Cache
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// IngestURLTemplate and PlaybackURLTemplate use {key} and {id}
	// placeholders.
	IngestURLTemplate   string
	PlaybackURLTemplate string

	Qualities  []string
	Categories []string

	Now func() time.Time
}

// Manager coordinates session lifecycle across the store, the cache, and the
// per-session runtime state.
type Manager struct {
	store   store.Store
	cache   cache.Cache
	logger  *slog.Logger
	metrics *metrics.Recorder

	ingestURLTemplate   string
	playbackURLTemplate string
	qualities           map[string]struct{}
	categories          map[string]struct{}
	now                 func() time.Time

	validations singleflight.Group
	ends        singleflight.Group

	mu      sync.Mutex
	runtime map[string]*runtimeState
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session manager requires a store")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("session manager requires a cache")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	ingestTemplate := strings.TrimSpace(cfg.IngestURLTemplate)
	if ingestTemplate == "" {
		ingestTemplate = "rtmp://ingest.streamhaven.local/live/{key}"
	}
	playbackTemplate := strings.TrimSpace(cfg.PlaybackURLTemplate)
	if playbackTemplate == "" {
		playbackTemplate = "https://play.streamhaven.local/hls/{id}/index.m3u8"
	}
	qualities := cfg.Qualities
	if len(qualities) == 0 {
		qualities = defaultQualities
	}
	categories := cfg.Categories
	if len(categories) == 0 {
		categories = defaultCategories
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:               cfg.Store,
		cache:               cfg.Cache,
		logger:              logging.WithComponent(logger, "session-manager"),
		metrics:             recorder,
		ingestURLTemplate:   ingestTemplate,
		playbackURLTemplate: playbackTemplate,
		qualities:           toSet(qualities),
		categories:          toSet(categories),
		now:                 now,
		runtime:             make(map[string]*runtimeState),
	}, nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		set[strings.ToLower(strings.TrimSpace(value))] = struct{}{}
	}
	return set
}

// CreateParams carries the owner-supplied fields for a new session.
type CreateParams struct {
	OwnerID          string
	Title            string
	Description      string
	Category         string
	TargetQuality    string
	MaxViewers       int
	RecordingEnabled bool
	ChatEnabled      bool
}

// CreatedSession is the creation result handed back to the owner. It is the
// only surface that ever exposes the stream key in the clear.
type CreatedSession struct {
	Session     models.Session
	IngestURL   string
	PlaybackURL string
}

// Create validates metadata, mints an ID and stream key, and persists a
// scheduled session.
func (m *Manager) Create(ctx context.Context, params CreateParams) (CreatedSession, error) {
	if err := m.validateParams(params); err != nil {
		return CreatedSession{}, err
	}
	now := m.now()
	session := models.Session{
		ID:               keygen.NewSessionID(),
		OwnerID:          params.OwnerID,
		StreamKey:        keygen.NewStreamKey(),
		Title:            strings.TrimSpace(params.Title),
		Description:      strings.TrimSpace(params.Description),
		Category:         strings.ToLower(strings.TrimSpace(params.Category)),
		TargetQuality:    strings.ToLower(strings.TrimSpace(params.TargetQuality)),
		MaxViewers:       params.MaxViewers,
		RecordingEnabled: params.RecordingEnabled,
		ChatEnabled:      params.ChatEnabled,
		Status:           models.StatusScheduled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return CreatedSession{}, err
	}
	m.metrics.ObserveSessionEvent("created")
	m.logger.Info("session created",
		"session_id", session.ID,
		"owner_id", session.OwnerID,
		"key_digest", logging.KeyDigest(session.StreamKey))
	return CreatedSession{
		Session:     session,
		IngestURL:   strings.ReplaceAll(m.ingestURLTemplate, "{key}", session.StreamKey),
		PlaybackURL: strings.ReplaceAll(m.playbackURLTemplate, "{id}", session.ID),
	}, nil
}

func (m *Manager) validateParams(params CreateParams) error {
	if strings.TrimSpace(params.OwnerID) == "" {
		return errs.Validation("ownerId is required")
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return errs.Validation("title is required")
	}
	if len(title) > maxTitleLength {
		return errs.Validation("title exceeds %d characters", maxTitleLength)
	}
	if len(params.Description) > maxDescriptionLength {
		return errs.Validation("description exceeds %d characters", maxDescriptionLength)
	}
	if category := strings.ToLower(strings.TrimSpace(params.Category)); category != "" {
		if _, ok := m.categories[category]; !ok {
			return errs.Validation("unknown category %q", category)
		}
	}
	quality := strings.ToLower(strings.TrimSpace(params.TargetQuality))
	if quality == "" {
		return errs.Validation("targetQuality is required")
	}
	if _, ok := m.qualities[quality]; !ok {
		return errs.Validation("unknown quality preset %q", quality)
	}
	if params.MaxViewers < 0 || params.MaxViewers > maxViewersCeiling {
		return errs.Validation("maxViewers must be between 0 and %d", maxViewersCeiling)
	}
	return nil
}

// ValidateKey reports whether a stream key may publish. It consults the
// cache first and backfills it from the store on a miss; concurrent misses
// for the same key collapse into one store query. Store or cache failures
// fail closed: an unverifiable key never admits media.
func (m *Manager) ValidateKey(ctx context.Context, key string) bool {
	if strings.TrimSpace(key) == "" {
		m.metrics.AdmissionRejected("unknown_key")
		return false
	}
	if entry, ok, err := m.cache.Get(ctx, key); err == nil && ok {
		if entry.Status.Admissible() {
			m.metrics.AdmissionAllowed()
			return true
		}
		m.metrics.AdmissionRejected("not_admissible")
		return false
	}
	result, err, _ := m.validations.Do(key, func() (any, error) {
		session, err := m.store.GetSessionByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		entry := cache.Entry{SessionID: session.ID, OwnerID: session.OwnerID, Status: session.Status}
		if cacheErr := m.cache.Set(ctx, key, entry); cacheErr != nil {
			m.logger.Warn("cache backfill failed",
				"key_digest", logging.KeyDigest(key),
				"error", cacheErr)
		}
		return session.Status, nil
	})
	if err != nil {
		switch errs.KindOf(err) {
		case errs.KindNotFound:
			m.metrics.AdmissionRejected("unknown_key")
		default:
			m.metrics.AdmissionRejected("dependency")
			m.logger.Error("key validation degraded, failing closed",
				"key_digest", logging.KeyDigest(key),
				"error", err)
		}
		return false
	}
	status, _ := result.(models.SessionStatus)
	if !status.Admissible() {
		m.metrics.AdmissionRejected("not_admissible")
		return false
	}
	m.metrics.AdmissionAllowed()
	return true
}

// Start transitions a scheduled session to live. The store transition is an
// atomic compare-and-set, so exactly one of any concurrent callers wins; the
// rest receive an invalid-state error.
func (m *Manager) Start(ctx context.Context, key string) (models.Session, error) {
	now := m.now()
	session, err := m.store.TransitionSession(ctx, key, models.StatusScheduled, models.StatusLive, now)
	if err != nil {
		return models.Session{}, err
	}

	m.mu.Lock()
	m.runtime[key] = &runtimeState{
		sessionID: session.ID,
		viewers:   make(map[string]struct{}),
		startedAt: now,
	}
	m.mu.Unlock()

	m.invalidateThenSet(ctx, key, cache.Entry{SessionID: session.ID, OwnerID: session.OwnerID, Status: models.StatusLive})
	m.metrics.SessionStarted()
	m.logger.Info("session live", "session_id", session.ID, "key_digest", logging.KeyDigest(key))
	return session, nil
}

// End transitions a live session to ended and flushes the final stats
// snapshot in the same store write. Ending an already-ended session is a
// no-op so racing disconnect events stay quiet. Concurrent calls for the same
// key collapse into one store write, so the snapshot that reaches the CAS is
// always built from the live runtime counters.
func (m *Manager) End(ctx context.Context, key string) (models.Session, error) {
	result, err, _ := m.ends.Do(key, func() (interface{}, error) {
		return m.endOnce(ctx, key)
	})
	if err != nil {
		return models.Session{}, err
	}
	return result.(models.Session), nil
}

func (m *Manager) endOnce(ctx context.Context, key string) (models.Session, error) {
	now := m.now()

	m.mu.Lock()
	state := m.runtime[key]
	m.mu.Unlock()

	stats := models.SessionStats{}
	if state != nil {
		state.mu.Lock()
		stats = models.SessionStats{
			TotalViewers: state.totalViewers,
			PeakViewers:  state.peakViewers,
			ChatMessages: state.chatMessages,
		}
		stats.DurationSeconds = int(now.Sub(state.startedAt) / time.Second)
		state.mu.Unlock()
	}

	session, err := m.store.FinalizeSession(ctx, key, stats, now)
	if err != nil {
		if errs.IsKind(err, errs.KindInvalidState) {
			current, lookupErr := m.store.GetSessionByKey(ctx, key)
			if lookupErr == nil && current.Status == models.StatusEnded {
				m.dropRuntime(key)
				m.evict(ctx, key)
				return current, nil
			}
		}
		// The runtime entry survives a failed finalize so a retry still
		// flushes the real counters.
		return models.Session{}, err
	}

	m.dropRuntime(key)
	m.evict(ctx, key)
	m.metrics.SessionEnded()
	m.logger.Info("session ended",
		"session_id", session.ID,
		"key_digest", logging.KeyDigest(key),
		"peak_viewers", stats.PeakViewers,
		"duration_seconds", stats.DurationSeconds)
	return session, nil
}

func (m *Manager) dropRuntime(key string) {
	m.mu.Lock()
	delete(m.runtime, key)
	m.mu.Unlock()
}

func (m *Manager) invalidateThenSet(ctx context.Context, key string, entry cache.Entry) {
	if err := m.cache.Delete(ctx, key); err != nil {
		m.logger.Warn("cache invalidation failed", "key_digest", logging.KeyDigest(key), "error", err)
	}
	if err := m.cache.Set(ctx, key, entry); err != nil {
		m.logger.Warn("cache refresh failed", "key_digest", logging.KeyDigest(key), "error", err)
	}
}

func (m *Manager) evict(ctx context.Context, key string) {
	if err := m.cache.Delete(ctx, key); err != nil {
		m.logger.Warn("cache eviction failed", "key_digest", logging.KeyDigest(key), "error", err)
	}
}

// AddViewer records a viewer joining a live session. The boolean reports
// whether the session had live runtime state; callers treat false as a quiet
// "not live" signal.
func (m *Manager) AddViewer(key, viewerID string) bool {
	m.mu.Lock()
	state := m.runtime[key]
	m.mu.Unlock()
	if state == nil {
		return false
	}
	state.mu.Lock()
	if _, present := state.viewers[viewerID]; !present {
		state.viewers[viewerID] = struct{}{}
		state.totalViewers++
		if size := len(state.viewers); size > state.peakViewers {
			state.peakViewers = size
		}
	}
	state.mu.Unlock()
	m.metrics.ViewerJoined()
	return true
}

// RemoveViewer records a viewer leaving. Unknown viewers and non-live
// sessions are quiet no-ops.
func (m *Manager) RemoveViewer(key, viewerID string) bool {
	m.mu.Lock()
	state := m.runtime[key]
	m.mu.Unlock()
	if state == nil {
		return false
	}
	state.mu.Lock()
	delete(state.viewers, viewerID)
	state.mu.Unlock()
	m.metrics.ViewerLeft()
	return true
}

// RecordChatMessage bumps the chat counter for a live session.
func (m *Manager) RecordChatMessage(key string) bool {
	m.mu.Lock()
	state := m.runtime[key]
	m.mu.Unlock()
	if state == nil {
		return false
	}
	state.mu.Lock()
	state.chatMessages++
	state.mu.Unlock()
	return true
}

// Stats is a point-in-time statistics view of a session.
type Stats struct {
	CurrentViewers  int `json:"currentViewers"`
	TotalViewers    int `json:"totalViewers"`
	PeakViewers     int `json:"peakViewers"`
	ChatMessages    int `json:"chatMessages"`
	DurationSeconds int `json:"durationSeconds"`
}

// StatsByKey computes stats from the runtime state while the session is
// live, falling back to the last persisted snapshot afterwards.
func (m *Manager) StatsByKey(ctx context.Context, key string) (Stats, error) {
	m.mu.Lock()
	state := m.runtime[key]
	m.mu.Unlock()
	if state != nil {
		state.mu.Lock()
		stats := Stats{
			CurrentViewers:  len(state.viewers),
			TotalViewers:    state.totalViewers,
			PeakViewers:     state.peakViewers,
			ChatMessages:    state.chatMessages,
			DurationSeconds: int(m.now().Sub(state.startedAt) / time.Second),
		}
		state.mu.Unlock()
		return stats, nil
	}
	session, err := m.store.GetSessionByKey(ctx, key)
	if err != nil {
		return Stats{}, err
	}
	return persistedStats(session), nil
}

// StatsByID is StatsByKey for control-plane callers that hold the session ID.
func (m *Manager) StatsByID(ctx context.Context, id string) (Stats, error) {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	m.mu.Lock()
	var state *runtimeState
	for _, candidate := range m.runtime {
		if candidate.sessionID == id {
			state = candidate
			break
		}
	}
	m.mu.Unlock()
	if state != nil {
		state.mu.Lock()
		stats := Stats{
			CurrentViewers:  len(state.viewers),
			TotalViewers:    state.totalViewers,
			PeakViewers:     state.peakViewers,
			ChatMessages:    state.chatMessages,
			DurationSeconds: int(m.now().Sub(state.startedAt) / time.Second),
		}
		state.mu.Unlock()
		return stats, nil
	}
	return persistedStats(session), nil
}

func persistedStats(session models.Session) Stats {
	if session.Stats == nil {
		return Stats{}
	}
	return Stats{
		TotalViewers:    session.Stats.TotalViewers,
		PeakViewers:     session.Stats.PeakViewers,
		ChatMessages:    session.Stats.ChatMessages,
		DurationSeconds: session.Stats.DurationSeconds,
	}
}

// Get returns a session by ID.
func (m *Manager) Get(ctx context.Context, id string) (models.Session, error) {
	return m.store.GetSession(ctx, id)
}

// GetByKey returns a session by stream key.
func (m *Manager) GetByKey(ctx context.Context, key string) (models.Session, error) {
	return m.store.GetSessionByKey(ctx, key)
}

// ListLive returns the sessions currently marked live in the store.
func (m *Manager) ListLive(ctx context.Context) ([]models.Session, error) {
	return m.store.ListSessionsByStatus(ctx, models.StatusLive)
}

// ListByStatus returns the sessions currently in the given state.
func (m *Manager) ListByStatus(ctx context.Context, status models.SessionStatus) ([]models.Session, error) {
	if !status.Valid() {
		return nil, errs.Validation("unknown session status %q", status)
	}
	return m.store.ListSessionsByStatus(ctx, status)
}

// ListByOwner returns an owner's sessions.
func (m *Manager) ListByOwner(ctx context.Context, ownerID string) ([]models.Session, error) {
	return m.store.ListSessionsByOwner(ctx, ownerID)
}

// UpdateMetadata applies owner edits to a scheduled session. Callers that
// are not the owner are rejected before the store is touched.
func (m *Manager) UpdateMetadata(ctx context.Context, ownerID, id string, update store.MetadataUpdate) (models.Session, error) {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	if session.OwnerID != ownerID {
		return models.Session{}, errs.Unauthorized("session %s does not belong to caller", id)
	}
	if update.TargetQuality != nil {
		quality := strings.ToLower(strings.TrimSpace(*update.TargetQuality))
		if _, ok := m.qualities[quality]; !ok {
			return models.Session{}, errs.Validation("unknown quality preset %q", quality)
		}
		update.TargetQuality = &quality
	}
	if update.Title != nil && strings.TrimSpace(*update.Title) == "" {
		return models.Session{}, errs.Validation("title cannot be empty")
	}
	if update.MaxViewers != nil && (*update.MaxViewers < 0 || *update.MaxViewers > maxViewersCeiling) {
		return models.Session{}, errs.Validation("maxViewers must be between 0 and %d", maxViewersCeiling)
	}
	updated, err := m.store.UpdateSessionMetadata(ctx, id, update)
	if err != nil {
		return models.Session{}, err
	}
	m.evict(ctx, updated.StreamKey)
	return updated, nil
}

// Cancel removes a scheduled session that never went live.
func (m *Manager) Cancel(ctx context.Context, ownerID, id string) (models.Session, error) {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	if session.OwnerID != ownerID {
		return models.Session{}, errs.Unauthorized("session %s does not belong to caller", id)
	}
	cancelled, err := m.store.CancelSession(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	m.evict(ctx, session.StreamKey)
	m.metrics.ObserveSessionEvent("cancelled")
	m.logger.Info("session cancelled", "session_id", id)
	return cancelled, nil
}

// ReapStale ends store-live sessions that have no runtime state in this
// process. Runtime state is lost on crash, so a live record without it means
// the session died without a clean disconnect. Returns the IDs of reaped
// sessions.
func (m *Manager) ReapStale(ctx context.Context) ([]string, error) {
	live, err := m.store.ListSessionsByStatus(ctx, models.StatusLive)
	if err != nil {
		return nil, err
	}
	var reaped []string
	for _, session := range live {
		m.mu.Lock()
		_, tracked := m.runtime[session.StreamKey]
		m.mu.Unlock()
		if tracked {
			continue
		}
		stats := models.SessionStats{}
		if session.StartedAt != nil {
			stats.DurationSeconds = int(m.now().Sub(*session.StartedAt) / time.Second)
		}
		if _, err := m.store.FinalizeSession(ctx, session.StreamKey, stats, m.now()); err != nil {
			m.logger.Warn("stale session reap failed", "session_id", session.ID, "error", err)
			continue
		}
		m.evict(ctx, session.StreamKey)
		m.metrics.ObserveSessionEvent("reaped")
		m.logger.Info("stale live session reaped", "session_id", session.ID)
		reaped = append(reaped, session.ID)
	}
	return reaped, nil
}
