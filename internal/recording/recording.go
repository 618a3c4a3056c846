// Package recording manages the per-session recording process and the
// persisted recording records it produces. A recording starts as pending,
// moves to processing when the stream ends, and is finalized asynchronously
// by the process exit handler.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"streamhaven/internal/errs"
	"streamhaven/internal/keygen"
	"streamhaven/internal/models"
	"streamhaven/internal/observability/logging"
	"streamhaven/internal/observability/metrics"
	"streamhaven/internal/proc"
	"streamhaven/internal/store"
)

// Config wires a Controller's collaborators.
type Config struct {
	Store   store.Store
	Starter proc.Starter
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// RecorderBinary names the external recorder. Empty means ffmpeg.
	RecorderBinary string
	// OutputRoot is the directory recordings are written under.
	OutputRoot string
	Now        func() time.Time
}

type activeRecording struct {
	recordingID string
	startedAt   time.Time
	process     proc.Process
}

// Controller supervises one recording process per session.
type Controller struct {
	store   store.Store
	starter proc.Starter
	logger  *slog.Logger
	metrics *metrics.Recorder
	binary  string
	root    string
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*activeRecording
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("recording controller requires a store")
	}
	if cfg.Starter == nil {
		return nil, fmt.Errorf("recording controller requires a process starter")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	binary := strings.TrimSpace(cfg.RecorderBinary)
	if binary == "" {
		binary = "ffmpeg"
	}
	root := strings.TrimSpace(cfg.OutputRoot)
	if root == "" {
		root = "/var/lib/streamhaven/recordings"
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Controller{
		store:   cfg.Store,
		starter: cfg.Starter,
		logger:  logging.WithComponent(logger, "recording-controller"),
		metrics: recorder,
		binary:  binary,
		root:    root,
		now:     now,
		active:  make(map[string]*activeRecording),
	}, nil
}

// Start creates a pending recording record and launches the recorder
// process. Starting while a recording is already active is rejected.
func (c *Controller) Start(ctx context.Context, sessionID, sourceLocator string) error {
	c.mu.Lock()
	if _, exists := c.active[sessionID]; exists {
		c.mu.Unlock()
		return errs.InvalidState("recording already active for session %s", sessionID)
	}
	c.mu.Unlock()

	now := c.now()
	recording := models.Recording{
		ID:        keygen.NewRecordingID(),
		SessionID: sessionID,
		OutputDir: filepath.Join(c.root, sessionID),
		Status:    models.RecordingPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateRecording(ctx, recording); err != nil {
		return err
	}

	outputPattern := filepath.Join(recording.OutputDir, "segment_%05d.ts")
	args := []string{
		"-i", sourceLocator,
		"-c", "copy",
		"-f", "segment",
		"-segment_time", "6",
		"-loglevel", "warning",
		outputPattern,
	}
	process, err := c.starter.Start(ctx, c.binary, args, func(exitErr error) {
		c.finalize(sessionID, recording.ID, exitErr)
	})
	if err != nil {
		failed := models.RecordingFailed
		if _, updateErr := c.store.UpdateRecording(ctx, recording.ID, store.RecordingUpdate{Status: &failed}); updateErr != nil {
			c.logger.Warn("failback to failed state failed", "recording_id", recording.ID, "error", updateErr)
		}
		return errs.Process(err, "start recorder for session %s", sessionID)
	}

	c.mu.Lock()
	c.active[sessionID] = &activeRecording{recordingID: recording.ID, startedAt: now, process: process}
	c.mu.Unlock()

	c.metrics.ProcessStarted("recorder")
	c.logger.Info("recording started", "session_id", sessionID, "recording_id", recording.ID)
	return nil
}

// Stop signals the recorder to finalize and moves the record to processing.
// Stopping a session with no active recording is a no-op.
func (c *Controller) Stop(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	recording, ok := c.active[sessionID]
	delete(c.active, sessionID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	processing := models.RecordingProcessing
	duration := int(c.now().Sub(recording.startedAt) / time.Second)
	if _, err := c.store.UpdateRecording(ctx, recording.recordingID, store.RecordingUpdate{
		Status:          &processing,
		DurationSeconds: &duration,
	}); err != nil {
		c.logger.Warn("recording status update failed", "recording_id", recording.recordingID, "error", err)
	}

	if err := recording.process.Stop(ctx); err != nil {
		c.logger.Warn("recorder stop failed", "recording_id", recording.recordingID, "error", err)
		return errs.Process(err, "stop recorder for session %s", sessionID)
	}
	c.logger.Info("recording stopping", "session_id", sessionID, "recording_id", recording.recordingID)
	return nil
}

// finalize runs from the process exit handler and sets the terminal status.
// An exit while the recording is still registered as active means the
// recorder died mid-stream.
func (c *Controller) finalize(sessionID, recordingID string, exitErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.mu.Lock()
	_, stillActive := c.active[sessionID]
	delete(c.active, sessionID)
	c.mu.Unlock()

	status := models.RecordingReady
	if exitErr != nil || stillActive {
		status = models.RecordingFailed
	}
	update := store.RecordingUpdate{Status: &status}
	if status == models.RecordingReady {
		manifest := filepath.Join(c.root, sessionID, "index.m3u8")
		update.ManifestPath = &manifest
	}
	if _, err := c.store.UpdateRecording(ctx, recordingID, update); err != nil {
		c.logger.Error("recording finalization failed", "recording_id", recordingID, "error", err)
	}
	if status == models.RecordingFailed {
		c.metrics.ProcessFailed("recorder")
		c.logger.Warn("recording failed", "session_id", sessionID, "recording_id", recordingID, "error", exitErr)
		return
	}
	c.metrics.ProcessCompleted("recorder")
	c.logger.Info("recording ready", "session_id", sessionID, "recording_id", recordingID)
}

// Active reports whether a session currently has a recorder running.
func (c *Controller) Active(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[sessionID]
	return ok
}

// BySession returns the most recent recording for a session.
func (c *Controller) BySession(ctx context.Context, sessionID string) (models.Recording, error) {
	return c.store.RecordingBySession(ctx, sessionID)
}
