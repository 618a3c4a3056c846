package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamhaven/internal/errs"
	"streamhaven/internal/models"
)

// PostgresStore persists sessions to Postgres so multiple control-plane
// replicas share state. Status transitions rely on conditional UPDATEs: the
// WHERE clause carries the expected current status, making the transition an
// atomic compare-and-set at the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a Postgres-backed store using the provided DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate applies the session core schema. Statements are idempotent so the
// call is safe on every boot.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			stream_key TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			target_quality TEXT NOT NULL,
			max_viewers INTEGER NOT NULL DEFAULT 0,
			recording_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			chat_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			total_viewers INTEGER,
			peak_viewers INTEGER,
			chat_messages INTEGER,
			duration_seconds INTEGER,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sessions_stream_key_active
			ON sessions (stream_key) WHERE status <> 'cancelled'`,
		`CREATE INDEX IF NOT EXISTS sessions_status_idx ON sessions (status)`,
		`CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions (id),
			output_dir TEXT NOT NULL DEFAULT '',
			manifest_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS recordings_session_idx ON recordings (session_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

const sessionColumns = `id, owner_id, stream_key, title, description, category, target_quality,
	max_viewers, recording_enabled, chat_enabled, status, started_at, ended_at,
	total_viewers, peak_viewers, chat_messages, duration_seconds, created_at, updated_at`

func (s *PostgresStore) CreateSession(ctx context.Context, session models.Session) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO sessions (id, owner_id, stream_key, title, description, category, target_quality,
	max_viewers, recording_enabled, chat_enabled, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`, session.ID, session.OwnerID, session.StreamKey, session.Title, session.Description,
		session.Category, session.TargetQuality, session.MaxViewers, session.RecordingEnabled,
		session.ChatEnabled, string(session.Status), session.CreatedAt.UTC(), session.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Validation("stream key already in use")
		}
		return errs.Dependency(err, "insert session")
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, errs.NotFound("session %s not found", id)
		}
		return models.Session{}, errs.Dependency(err, "load session")
	}
	return session, nil
}

func (s *PostgresStore) GetSessionByKey(ctx context.Context, key string) (models.Session, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+sessionColumns+` FROM sessions WHERE stream_key = $1 AND status <> 'cancelled'
`, key)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, errs.NotFound("no session for stream key")
		}
		return models.Session{}, errs.Dependency(err, "load session by key")
	}
	return session, nil
}

func (s *PostgresStore) ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+sessionColumns+` FROM sessions WHERE status = $1 ORDER BY created_at, id
`, string(status))
	if err != nil {
		return nil, errs.Dependency(err, "list sessions by status")
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *PostgresStore) ListSessionsByOwner(ctx context.Context, ownerID string) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+sessionColumns+` FROM sessions WHERE owner_id = $1 ORDER BY created_at, id
`, ownerID)
	if err != nil {
		return nil, errs.Dependency(err, "list sessions by owner")
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *PostgresStore) UpdateSessionMetadata(ctx context.Context, id string, update MetadataUpdate) (models.Session, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE sessions SET
	title = COALESCE($2, title),
	description = COALESCE($3, description),
	category = COALESCE($4, category),
	target_quality = COALESCE($5, target_quality),
	max_viewers = COALESCE($6, max_viewers),
	updated_at = $7
WHERE id = $1 AND status = 'scheduled'
RETURNING `+sessionColumns,
		id, update.Title, update.Description, update.Category, update.TargetQuality,
		update.MaxViewers, time.Now().UTC())
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.explainConditionalMiss(ctx, id, models.StatusScheduled, "metadata is frozen")
		}
		return models.Session{}, errs.Dependency(err, "update session metadata")
	}
	return session, nil
}

func (s *PostgresStore) TransitionSession(ctx context.Context, key string, from, to models.SessionStatus, at time.Time) (models.Session, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE sessions SET
	status = $3,
	started_at = CASE WHEN $3 = 'live' THEN $4 ELSE started_at END,
	updated_at = $4
WHERE stream_key = $1 AND status = $2
RETURNING `+sessionColumns,
		key, string(from), string(to), at.UTC())
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.explainKeyedConditionalMiss(ctx, key, from)
		}
		return models.Session{}, errs.Dependency(err, "transition session")
	}
	return session, nil
}

func (s *PostgresStore) FinalizeSession(ctx context.Context, key string, stats models.SessionStats, endedAt time.Time) (models.Session, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE sessions SET
	status = 'ended',
	ended_at = $2,
	total_viewers = $3,
	peak_viewers = $4,
	chat_messages = $5,
	duration_seconds = $6,
	updated_at = $2
WHERE stream_key = $1 AND status = 'live'
RETURNING `+sessionColumns,
		key, endedAt.UTC(), stats.TotalViewers, stats.PeakViewers, stats.ChatMessages,
		stats.DurationSeconds)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.explainKeyedConditionalMiss(ctx, key, models.StatusLive)
		}
		return models.Session{}, errs.Dependency(err, "finalize session")
	}
	return session, nil
}

func (s *PostgresStore) CancelSession(ctx context.Context, id string) (models.Session, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE sessions SET status = 'cancelled', updated_at = $2
WHERE id = $1 AND status = 'scheduled'
RETURNING `+sessionColumns,
		id, time.Now().UTC())
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.explainConditionalMiss(ctx, id, models.StatusScheduled, "cannot cancel")
		}
		return models.Session{}, errs.Dependency(err, "cancel session")
	}
	return session, nil
}

// explainConditionalMiss distinguishes a missing row from a failed status
// precondition after a conditional UPDATE matched nothing.
func (s *PostgresStore) explainConditionalMiss(ctx context.Context, id string, expected models.SessionStatus, reason string) (models.Session, error) {
	current, err := s.GetSession(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	return models.Session{}, errs.InvalidState("session %s is %s, expected %s: %s", id, current.Status, expected, reason)
}

func (s *PostgresStore) explainKeyedConditionalMiss(ctx context.Context, key string, expected models.SessionStatus) (models.Session, error) {
	current, err := s.GetSessionByKey(ctx, key)
	if err != nil {
		return models.Session{}, err
	}
	return models.Session{}, errs.InvalidState("session %s is %s, expected %s", current.ID, current.Status, expected)
}

func (s *PostgresStore) CreateRecording(ctx context.Context, recording models.Recording) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO recordings (id, session_id, output_dir, manifest_path, status, duration_seconds, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, recording.ID, recording.SessionID, recording.OutputDir, recording.ManifestPath,
		string(recording.Status), recording.DurationSeconds, recording.CreatedAt.UTC(), recording.UpdatedAt.UTC())
	if err != nil {
		return errs.Dependency(err, "insert recording")
	}
	return nil
}

func (s *PostgresStore) UpdateRecording(ctx context.Context, id string, update RecordingUpdate) (models.Recording, error) {
	var status *string
	if update.Status != nil {
		v := string(*update.Status)
		status = &v
	}
	row := s.pool.QueryRow(ctx, `
UPDATE recordings SET
	status = COALESCE($2, status),
	manifest_path = COALESCE($3, manifest_path),
	duration_seconds = COALESCE($4, duration_seconds),
	updated_at = $5
WHERE id = $1
RETURNING id, session_id, output_dir, manifest_path, status, duration_seconds, created_at, updated_at
`, id, status, update.ManifestPath, update.DurationSeconds, time.Now().UTC())
	recording, err := scanRecording(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Recording{}, errs.NotFound("recording %s not found", id)
		}
		return models.Recording{}, errs.Dependency(err, "update recording")
	}
	return recording, nil
}

func (s *PostgresStore) RecordingBySession(ctx context.Context, sessionID string) (models.Recording, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, session_id, output_dir, manifest_path, status, duration_seconds, created_at, updated_at
FROM recordings WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1
`, sessionID)
	recording, err := scanRecording(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Recording{}, errs.NotFound("no recording for session %s", sessionID)
		}
		return models.Recording{}, errs.Dependency(err, "load recording")
	}
	return recording, nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func scanSession(row pgx.Row) (models.Session, error) {
	var (
		session                              models.Session
		status                               string
		startedAt, endedAt                   *time.Time
		totalViewers, peakViewers            *int
		chatMessages, durationSeconds        *int
	)
	err := row.Scan(&session.ID, &session.OwnerID, &session.StreamKey, &session.Title,
		&session.Description, &session.Category, &session.TargetQuality, &session.MaxViewers,
		&session.RecordingEnabled, &session.ChatEnabled, &status, &startedAt, &endedAt,
		&totalViewers, &peakViewers, &chatMessages, &durationSeconds,
		&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return models.Session{}, err
	}
	session.Status = models.SessionStatus(status)
	session.StartedAt = startedAt
	session.EndedAt = endedAt
	if totalViewers != nil || peakViewers != nil || chatMessages != nil || durationSeconds != nil {
		stats := models.SessionStats{}
		if totalViewers != nil {
			stats.TotalViewers = *totalViewers
		}
		if peakViewers != nil {
			stats.PeakViewers = *peakViewers
		}
		if chatMessages != nil {
			stats.ChatMessages = *chatMessages
		}
		if durationSeconds != nil {
			stats.DurationSeconds = *durationSeconds
		}
		session.Stats = &stats
	}
	return session, nil
}

func scanRecording(row pgx.Row) (models.Recording, error) {
	var (
		recording models.Recording
		status    string
	)
	err := row.Scan(&recording.ID, &recording.SessionID, &recording.OutputDir,
		&recording.ManifestPath, &status, &recording.DurationSeconds,
		&recording.CreatedAt, &recording.UpdatedAt)
	if err != nil {
		return models.Recording{}, err
	}
	recording.Status = models.RecordingStatus(status)
	return recording, nil
}

func collectSessions(rows pgx.Rows) ([]models.Session, error) {
	sessions := make([]models.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, errs.Dependency(err, "scan session")
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Dependency(err, "iterate sessions")
	}
	return sessions, nil
}

// 23505 is the SQLSTATE for unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Store = (*PostgresStore)(nil)
