// Package cache accelerates stream key validation on the ingest hot path.
// The cache is advisory only: entries are written through on lookup and
// invalidated on every state transition, so a miss always falls back to the
// store and a stale read can never admit a key the store would reject for
// longer than one invalidation.
package cache

import (
	"context"

	"streamhaven/internal/models"
)

// Entry is the subset of session state the admission path needs. Anything
// heavier should be read from the store.
type Entry struct {
	SessionID string               `json:"sessionId"`
	OwnerID   string               `json:"ownerId"`
	Status    models.SessionStatus `json:"status"`
}

// Cache maps stream keys to admission entries and carries the published
// viewer counters for live sessions.
type Cache interface {
	// Get returns the entry for a stream key. The boolean reports a hit;
	// errors are reserved for backend failures.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Set writes an entry under the configured TTL.
	Set(ctx context.Context, key string, entry Entry) error

	// Delete drops the entry for a stream key. Deleting a missing key is
	// not an error.
	Delete(ctx context.Context, key string) error

	// SetViewerCount publishes the current viewer count for a session.
	SetViewerCount(ctx context.Context, sessionID string, count int) error

	// ViewerCount reads a published viewer count. The boolean reports
	// whether a count was published.
	ViewerCount(ctx context.Context, sessionID string) (int, bool, error)

	Close(ctx context.Context) error
}
