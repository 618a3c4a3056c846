// Package store persists sessions and recordings. The store is the single
// transactional authority for session state: every lifecycle transition is an
// atomic compare-and-set on status, so concurrent callers race at the store
// and exactly one wins.
package store

import (
	"context"
	"time"

	"streamhaven/internal/models"
)

// MetadataUpdate describes the owner-mutable session fields. Updates are
// accepted only while the session is still scheduled.
type MetadataUpdate struct {
	Title         *string
	Description   *string
	Category      *string
	TargetQuality *string
	MaxViewers    *int
}

// RecordingUpdate describes the mutable fields of a recording entry.
type RecordingUpdate struct {
	Status          *models.RecordingStatus
	ManifestPath    *string
	DurationSeconds *int
}

type Store interface {
	// CreateSession persists a new scheduled session. Fails with a
	// validation error when the stream key collides with a non-deleted
	// session.
	CreateSession(ctx context.Context, session models.Session) error

	GetSession(ctx context.Context, id string) (models.Session, error)
	GetSessionByKey(ctx context.Context, key string) (models.Session, error)
	ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]models.Session, error)
	ListSessionsByOwner(ctx context.Context, ownerID string) ([]models.Session, error)

	// UpdateSessionMetadata applies owner edits, rejecting them once the
	// session has left the scheduled state.
	UpdateSessionMetadata(ctx context.Context, id string, update MetadataUpdate) (models.Session, error)

	// TransitionSession atomically moves the session identified by key from
	// one status to another. Returns an invalid-state error when the current
	// status differs from the expected one.
	TransitionSession(ctx context.Context, key string, from, to models.SessionStatus, at time.Time) (models.Session, error)

	// FinalizeSession transitions live -> ended and flushes the final stats
	// snapshot in the same atomic step.
	FinalizeSession(ctx context.Context, key string, stats models.SessionStats, endedAt time.Time) (models.Session, error)

	// CancelSession moves a scheduled session to cancelled. Cancelling a
	// live session is rejected.
	CancelSession(ctx context.Context, id string) (models.Session, error)

	CreateRecording(ctx context.Context, recording models.Recording) error
	UpdateRecording(ctx context.Context, id string, update RecordingUpdate) (models.Recording, error)
	RecordingBySession(ctx context.Context, sessionID string) (models.Recording, error)

	Close(ctx context.Context) error
}
