// Package viewers tracks live viewer presence. It is a thin layer over the
// session manager's viewer accounting that additionally publishes a
// short-lived current count to the cache so dashboards can poll without
// touching the store.
package viewers

import (
	"context"
	"fmt"
	"log/slog"

	"streamhaven/internal/cache"
	"streamhaven/internal/observability/logging"
	"streamhaven/internal/session"
)

// Config wires a Tracker's collaborators.
type Config struct {
	Manager *session.Manager
	Cache   cache.Cache
	Logger  *slog.Logger
}

// Tracker maintains viewer join/leave flow for live sessions.
type Tracker struct {
	manager *session.Manager
	cache   cache.Cache
	logger  *slog.Logger
}

func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("viewer tracker requires a session manager")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("viewer tracker requires a cache")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		manager: cfg.Manager,
		cache:   cfg.Cache,
		logger:  logging.WithComponent(logger, "viewer-tracker"),
	}, nil
}

// Join adds a viewer to a live session and republishes its count. The
// boolean reports whether the session was live.
func (t *Tracker) Join(ctx context.Context, key, viewerID string) (bool, error) {
	if !t.manager.AddViewer(key, viewerID) {
		return false, nil
	}
	return true, t.publish(ctx, key)
}

// Leave removes a viewer and republishes the count.
func (t *Tracker) Leave(ctx context.Context, key, viewerID string) (bool, error) {
	if !t.manager.RemoveViewer(key, viewerID) {
		return false, nil
	}
	return true, t.publish(ctx, key)
}

func (t *Tracker) publish(ctx context.Context, key string) error {
	stats, err := t.manager.StatsByKey(ctx, key)
	if err != nil {
		return err
	}
	session, err := t.manager.GetByKey(ctx, key)
	if err != nil {
		return err
	}
	if err := t.cache.SetViewerCount(ctx, session.ID, stats.CurrentViewers); err != nil {
		t.logger.Warn("viewer count publish failed", "session_id", session.ID, "error", err)
	}
	return nil
}

// Count returns the published viewer count for a session, falling back to
// the manager's live stats when no count is published.
func (t *Tracker) Count(ctx context.Context, sessionID string) (int, error) {
	if count, ok, err := t.cache.ViewerCount(ctx, sessionID); err == nil && ok {
		return count, nil
	}
	stats, err := t.manager.StatsByID(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return stats.CurrentViewers, nil
}
