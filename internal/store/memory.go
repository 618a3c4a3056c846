package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"streamhaven/internal/errs"
	"streamhaven/internal/models"
)

// MemoryStore keeps sessions and recordings in mutex-guarded maps. It backs
// tests and single-node development deployments; production uses the
// Postgres store.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]models.Session
	byKey      map[string]string
	recordings map[string]models.Recording
	bySession  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]models.Session),
		byKey:      make(map[string]string),
		recordings: make(map[string]models.Recording),
		bySession:  make(map[string]string),
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, session models.Session) error {
	if strings.TrimSpace(session.ID) == "" || strings.TrimSpace(session.StreamKey) == "" {
		return errs.Validation("session id and stream key are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return errs.Validation("session %s already exists", session.ID)
	}
	if _, exists := s.byKey[session.StreamKey]; exists {
		return errs.Validation("stream key already in use")
	}
	s.sessions[session.ID] = session
	s.byKey[session.StreamKey] = session.ID
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.Session{}, errs.NotFound("session %s not found", id)
	}
	return session, nil
}

func (s *MemoryStore) GetSessionByKey(ctx context.Context, key string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return models.Session{}, errs.NotFound("no session for stream key")
	}
	return s.sessions[id], nil
}

func (s *MemoryStore) ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]models.Session, 0)
	for _, session := range s.sessions {
		if session.Status == status {
			sessions = append(sessions, session)
		}
	}
	sortSessions(sessions)
	return sessions, nil
}

func (s *MemoryStore) ListSessionsByOwner(ctx context.Context, ownerID string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]models.Session, 0)
	for _, session := range s.sessions {
		if session.OwnerID == ownerID {
			sessions = append(sessions, session)
		}
	}
	sortSessions(sessions)
	return sessions, nil
}

func sortSessions(sessions []models.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}

func (s *MemoryStore) UpdateSessionMetadata(ctx context.Context, id string, update MetadataUpdate) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.Session{}, errs.NotFound("session %s not found", id)
	}
	if session.Status != models.StatusScheduled {
		return models.Session{}, errs.InvalidState("session %s is %s; metadata is frozen", id, session.Status)
	}
	if update.Title != nil {
		session.Title = *update.Title
	}
	if update.Description != nil {
		session.Description = *update.Description
	}
	if update.Category != nil {
		session.Category = *update.Category
	}
	if update.TargetQuality != nil {
		session.TargetQuality = *update.TargetQuality
	}
	if update.MaxViewers != nil {
		session.MaxViewers = *update.MaxViewers
	}
	session.UpdatedAt = time.Now().UTC()
	s.sessions[id] = session
	return session, nil
}

func (s *MemoryStore) TransitionSession(ctx context.Context, key string, from, to models.SessionStatus, at time.Time) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return models.Session{}, errs.NotFound("no session for stream key")
	}
	session := s.sessions[id]
	if session.Status != from {
		return models.Session{}, errs.InvalidState("session %s is %s, expected %s", id, session.Status, from)
	}
	session.Status = to
	session.UpdatedAt = at
	if to == models.StatusLive {
		started := at
		session.StartedAt = &started
	}
	s.sessions[id] = session
	return session, nil
}

func (s *MemoryStore) FinalizeSession(ctx context.Context, key string, stats models.SessionStats, endedAt time.Time) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return models.Session{}, errs.NotFound("no session for stream key")
	}
	session := s.sessions[id]
	if session.Status != models.StatusLive {
		return models.Session{}, errs.InvalidState("session %s is %s, expected live", id, session.Status)
	}
	snapshot := stats
	session.Status = models.StatusEnded
	session.Stats = &snapshot
	ended := endedAt
	session.EndedAt = &ended
	session.UpdatedAt = endedAt
	s.sessions[id] = session
	return session, nil
}

func (s *MemoryStore) CancelSession(ctx context.Context, id string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.Session{}, errs.NotFound("session %s not found", id)
	}
	if session.Status != models.StatusScheduled {
		return models.Session{}, errs.InvalidState("cannot cancel a %s session", session.Status)
	}
	session.Status = models.StatusCancelled
	session.UpdatedAt = time.Now().UTC()
	s.sessions[id] = session
	delete(s.byKey, session.StreamKey)
	return session, nil
}

func (s *MemoryStore) CreateRecording(ctx context.Context, recording models.Recording) error {
	if strings.TrimSpace(recording.ID) == "" || strings.TrimSpace(recording.SessionID) == "" {
		return errs.Validation("recording id and session id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recordings[recording.ID]; exists {
		return errs.Validation("recording %s already exists", recording.ID)
	}
	s.recordings[recording.ID] = recording
	s.bySession[recording.SessionID] = recording.ID
	return nil
}

func (s *MemoryStore) UpdateRecording(ctx context.Context, id string, update RecordingUpdate) (models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recording, ok := s.recordings[id]
	if !ok {
		return models.Recording{}, errs.NotFound("recording %s not found", id)
	}
	if update.Status != nil {
		recording.Status = *update.Status
	}
	if update.ManifestPath != nil {
		recording.ManifestPath = *update.ManifestPath
	}
	if update.DurationSeconds != nil {
		recording.DurationSeconds = *update.DurationSeconds
	}
	recording.UpdatedAt = time.Now().UTC()
	s.recordings[id] = recording
	return recording, nil
}

func (s *MemoryStore) RecordingBySession(ctx context.Context, sessionID string) (models.Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySession[sessionID]
	if !ok {
		return models.Recording{}, errs.NotFound("no recording for session %s", sessionID)
	}
	return s.recordings[id], nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
