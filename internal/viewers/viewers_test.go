package viewers

import (
	"context"
	"testing"
	"time"

	"streamhaven/internal/cache"
	"streamhaven/internal/session"
	"streamhaven/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, *session.Manager, cache.Cache) {
	t.Helper()
	shared := cache.NewMemoryCache(time.Minute)
	manager, err := session.NewManager(session.Config{
		Store: store.NewMemoryStore(),
		Cache: shared,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	tracker, err := NewTracker(Config{Manager: manager, Cache: shared})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return tracker, manager, shared
}

func goLive(t *testing.T, manager *session.Manager) (string, string) {
	t.Helper()
	created, err := manager.Create(context.Background(), session.CreateParams{
		OwnerID:       "owner-1",
		Title:         "presence test",
		TargetQuality: "720p",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := manager.Start(context.Background(), created.Session.StreamKey); err != nil {
		t.Fatalf("start: %v", err)
	}
	return created.Session.StreamKey, created.Session.ID
}

func TestJoinPublishesCount(t *testing.T) {
	tracker, manager, shared := newTestTracker(t)
	ctx := context.Background()
	key, sessionID := goLive(t, manager)

	live, err := tracker.Join(ctx, key, "viewer-a")
	if err != nil || !live {
		t.Fatalf("join: live=%v err=%v", live, err)
	}
	if _, err := tracker.Join(ctx, key, "viewer-b"); err != nil {
		t.Fatalf("join: %v", err)
	}

	count, ok, err := shared.ViewerCount(ctx, sessionID)
	if err != nil || !ok {
		t.Fatalf("expected published count, ok=%v err=%v", ok, err)
	}
	if count != 2 {
		t.Fatalf("expected published count 2, got %d", count)
	}

	if _, err := tracker.Leave(ctx, key, "viewer-a"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	got, err := tracker.Count(ctx, sessionID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected count 1 after leave, got %d", got)
	}
}

func TestJoinOnNonLiveSessionIsQuiet(t *testing.T) {
	tracker, manager, _ := newTestTracker(t)
	ctx := context.Background()

	created, err := manager.Create(ctx, session.CreateParams{
		OwnerID:       "owner-1",
		Title:         "not yet live",
		TargetQuality: "480p",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	live, err := tracker.Join(ctx, created.Session.StreamKey, "viewer-a")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if live {
		t.Fatal("expected not-live signal for scheduled session")
	}
}

func TestCountFallsBackToManagerStats(t *testing.T) {
	tracker, manager, _ := newTestTracker(t)
	ctx := context.Background()
	key, sessionID := goLive(t, manager)

	// Viewer joined via the manager directly, so nothing was published.
	manager.AddViewer(key, "viewer-a")
	count, err := tracker.Count(ctx, sessionID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected fallback count 1, got %d", count)
	}
}
