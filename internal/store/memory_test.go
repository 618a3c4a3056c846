package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"streamhaven/internal/errs"
	"streamhaven/internal/models"
)

func newTestSession(id, key string) models.Session {
	now := time.Now().UTC()
	return models.Session{
		ID:            id,
		OwnerID:       "owner-1",
		StreamKey:     key,
		Title:         "morning show",
		TargetQuality: "720p",
		Status:        models.StatusScheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestMemoryStoreRejectsDuplicateStreamKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateSession(ctx, newTestSession("sess-1", "key-a")); err != nil {
		t.Fatalf("create session: %v", err)
	}
	err := store.CreateSession(ctx, newTestSession("sess-2", "key-a"))
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("expected validation error for duplicate key, got %v", err)
	}
}

func TestMemoryStoreCancelFreesStreamKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateSession(ctx, newTestSession("sess-1", "key-a")); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.CancelSession(ctx, "sess-1"); err != nil {
		t.Fatalf("cancel session: %v", err)
	}
	if err := store.CreateSession(ctx, newTestSession("sess-2", "key-a")); err != nil {
		t.Fatalf("expected key reuse after cancel, got %v", err)
	}
	if _, err := store.GetSessionByKey(ctx, "key-a"); err != nil {
		t.Fatalf("lookup by key after reuse: %v", err)
	}
}

func TestMemoryStoreTransitionExactlyOneWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateSession(ctx, newTestSession("sess-1", "key-a")); err != nil {
		t.Fatalf("create session: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.TransitionSession(ctx, "key-a", models.StatusScheduled, models.StatusLive, time.Now().UTC())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		if errs.KindOf(err) != errs.KindInvalidState {
			t.Fatalf("loser got unexpected error kind: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", wins)
	}

	session, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != models.StatusLive {
		t.Fatalf("expected live session, got %s", session.Status)
	}
	if session.StartedAt == nil {
		t.Fatal("expected startedAt to be stamped on go-live")
	}
}

func TestMemoryStoreFinalizeFlushesStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateSession(ctx, newTestSession("sess-1", "key-a")); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.TransitionSession(ctx, "key-a", models.StatusScheduled, models.StatusLive, time.Now().UTC()); err != nil {
		t.Fatalf("go live: %v", err)
	}

	stats := models.SessionStats{TotalViewers: 42, PeakViewers: 17, ChatMessages: 250, DurationSeconds: 3600}
	endedAt := time.Now().UTC()
	session, err := store.FinalizeSession(ctx, "key-a", stats, endedAt)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if session.Status != models.StatusEnded {
		t.Fatalf("expected ended session, got %s", session.Status)
	}
	if session.Stats == nil || *session.Stats != stats {
		t.Fatalf("expected stats snapshot %+v, got %+v", stats, session.Stats)
	}
	if session.EndedAt == nil || !session.EndedAt.Equal(endedAt) {
		t.Fatalf("expected endedAt %v, got %v", endedAt, session.EndedAt)
	}

	if _, err := store.FinalizeSession(ctx, "key-a", stats, endedAt); errs.KindOf(err) != errs.KindInvalidState {
		t.Fatalf("expected invalid state on double finalize, got %v", err)
	}
}

func TestMemoryStoreMetadataFrozenAfterGoLive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateSession(ctx, newTestSession("sess-1", "key-a")); err != nil {
		t.Fatalf("create session: %v", err)
	}

	title := "updated title"
	updated, err := store.UpdateSessionMetadata(ctx, "sess-1", MetadataUpdate{Title: &title})
	if err != nil {
		t.Fatalf("update while scheduled: %v", err)
	}
	if updated.Title != title {
		t.Fatalf("expected title %q, got %q", title, updated.Title)
	}

	if _, err := store.TransitionSession(ctx, "key-a", models.StatusScheduled, models.StatusLive, time.Now().UTC()); err != nil {
		t.Fatalf("go live: %v", err)
	}
	if _, err := store.UpdateSessionMetadata(ctx, "sess-1", MetadataUpdate{Title: &title}); errs.KindOf(err) != errs.KindInvalidState {
		t.Fatalf("expected invalid state while live, got %v", err)
	}
}

func TestMemoryStoreCancelLiveRejected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateSession(ctx, newTestSession("sess-1", "key-a")); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.TransitionSession(ctx, "key-a", models.StatusScheduled, models.StatusLive, time.Now().UTC()); err != nil {
		t.Fatalf("go live: %v", err)
	}
	if _, err := store.CancelSession(ctx, "sess-1"); errs.KindOf(err) != errs.KindInvalidState {
		t.Fatalf("expected invalid state cancelling live session, got %v", err)
	}
}

func TestMemoryStoreListSessionsByStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i, id := range []string{"sess-a", "sess-b", "sess-c"} {
		session := newTestSession(id, "key-"+id)
		session.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := store.CreateSession(ctx, session); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := store.TransitionSession(ctx, "key-sess-b", models.StatusScheduled, models.StatusLive, time.Now().UTC()); err != nil {
		t.Fatalf("go live: %v", err)
	}

	live, err := store.ListSessionsByStatus(ctx, models.StatusLive)
	if err != nil {
		t.Fatalf("list live: %v", err)
	}
	if len(live) != 1 || live[0].ID != "sess-b" {
		t.Fatalf("expected only sess-b live, got %+v", live)
	}
	scheduled, err := store.ListSessionsByStatus(ctx, models.StatusScheduled)
	if err != nil {
		t.Fatalf("list scheduled: %v", err)
	}
	if len(scheduled) != 2 {
		t.Fatalf("expected two scheduled sessions, got %d", len(scheduled))
	}
}

func TestMemoryStoreRecordingLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateSession(ctx, newTestSession("sess-1", "key-a")); err != nil {
		t.Fatalf("create session: %v", err)
	}
	now := time.Now().UTC()
	rec := models.Recording{
		ID:        "rec-1",
		SessionID: "sess-1",
		OutputDir: "/var/recordings/sess-1",
		Status:    models.RecordingPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRecording(ctx, rec); err != nil {
		t.Fatalf("create recording: %v", err)
	}

	ready := models.RecordingReady
	manifest := "/var/recordings/sess-1/index.m3u8"
	duration := 1800
	updated, err := store.UpdateRecording(ctx, "rec-1", RecordingUpdate{
		Status:          &ready,
		ManifestPath:    &manifest,
		DurationSeconds: &duration,
	})
	if err != nil {
		t.Fatalf("update recording: %v", err)
	}
	if updated.Status != models.RecordingReady || updated.ManifestPath != manifest || updated.DurationSeconds != duration {
		t.Fatalf("unexpected recording after update: %+v", updated)
	}

	bySession, err := store.RecordingBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("recording by session: %v", err)
	}
	if bySession.ID != "rec-1" {
		t.Fatalf("expected rec-1, got %s", bySession.ID)
	}

	if _, err := store.RecordingBySession(ctx, "sess-missing"); errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
