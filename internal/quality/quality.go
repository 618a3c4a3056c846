// Package quality adapts output renditions to reported network conditions
// and supervises one external adaptive-bitrate encoder per live session.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"streamhaven/internal/errs"
	"streamhaven/internal/models"
	"streamhaven/internal/observability/logging"
	"streamhaven/internal/observability/metrics"
	"streamhaven/internal/proc"
)

const sampleWindow = 5

// Downgrades trigger when bandwidth drops below the preset's video bitrate
// plus headroom, or when packet loss crosses the ceiling. Upgrades require a
// full window of healthy samples and move one level at a time.
const (
	bandwidthHeadroom  = 1.2
	packetLossCeiling  = 5.0
	upgradeSampleCount = sampleWindow
)

var resolutionPattern = regexp.MustCompile(`^\d{2,5}x\d{2,5}$`)

// DefaultLadder is the built-in preset table, ordered lowest to highest.
func DefaultLadder() []models.QualityPreset {
	return []models.QualityPreset{
		{Name: "240p", Resolution: "426x240", VideoBitrateKbps: 400, AudioBitrateKbps: 64, Framerate: 30},
		{Name: "360p", Resolution: "640x360", VideoBitrateKbps: 800, AudioBitrateKbps: 96, Framerate: 30},
		{Name: "480p", Resolution: "854x480", VideoBitrateKbps: 1400, AudioBitrateKbps: 128, Framerate: 30},
		{Name: "720p", Resolution: "1280x720", VideoBitrateKbps: 2800, AudioBitrateKbps: 128, Framerate: 30},
		{Name: "1080p", Resolution: "1920x1080", VideoBitrateKbps: 5000, AudioBitrateKbps: 160, Framerate: 30},
	}
}

type viewerWindow struct {
	samples []models.NetworkSample
}

func (w *viewerWindow) add(sample models.NetworkSample) {
	w.samples = append(w.samples, sample)
	if len(w.samples) > sampleWindow {
		w.samples = w.samples[len(w.samples)-sampleWindow:]
	}
}

// qualitySession tracks the ABR state for one live session.
type qualitySession struct {
	sessionID string
	current   string
	ceiling   string
	process   proc.Process
	viewers   map[string]*viewerWindow
}

// Recommendation is the outcome of a network-condition evaluation.
type Recommendation struct {
	RecommendedQuality string `json:"recommendedQuality"`
	Reason             string `json:"reason"`
}

// Config wires a Controller's collaborators.
type Config struct {
	Starter proc.Starter
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// EncoderBinary names the external encoder. Empty means ffmpeg.
	EncoderBinary string
	Ladder        []models.QualityPreset
}

// Controller owns the preset ladder and the per-session ABR state.
type Controller struct {
	starter proc.Starter
	logger  *slog.Logger
	metrics *metrics.Recorder
	binary  string

	mu       sync.Mutex
	ladder   []models.QualityPreset
	sessions map[string]*qualitySession
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Starter == nil {
		return nil, fmt.Errorf("quality controller requires a process starter")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	ladder := cfg.Ladder
	if len(ladder) == 0 {
		ladder = DefaultLadder()
	}
	binary := strings.TrimSpace(cfg.EncoderBinary)
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Controller{
		starter:  cfg.Starter,
		logger:   logging.WithComponent(logger, "quality-controller"),
		metrics:  recorder,
		binary:   binary,
		ladder:   ladder,
		sessions: make(map[string]*qualitySession),
	}, nil
}

// InitializeABR starts the encoder for a session and registers its quality
// state. The target quality caps the ladder; encoding starts at the cap.
func (c *Controller) InitializeABR(ctx context.Context, key, sessionID, sourceLocator, targetQuality string) error {
	c.mu.Lock()
	if _, exists := c.sessions[key]; exists {
		c.mu.Unlock()
		return errs.InvalidState("quality session already active for session %s", sessionID)
	}
	level := strings.ToLower(strings.TrimSpace(targetQuality))
	if c.indexOfLocked(level) == -1 {
		c.mu.Unlock()
		return errs.Validation("unknown quality preset %q", level)
	}
	args := c.encoderArgsLocked(sourceLocator, level)
	c.mu.Unlock()

	process, err := c.starter.Start(ctx, c.binary, args, func(exitErr error) {
		if exitErr != nil {
			c.metrics.ProcessFailed("encoder")
			c.logger.Warn("encoder exited with error", "session_id", sessionID, "error", exitErr)
		} else {
			c.metrics.ProcessCompleted("encoder")
		}
		c.reapExitedEncoder(key, sessionID, exitErr)
	})
	if err != nil {
		return errs.Process(err, "start encoder for session %s", sessionID)
	}

	c.mu.Lock()
	c.sessions[key] = &qualitySession{
		sessionID: sessionID,
		current:   level,
		ceiling:   level,
		process:   process,
		viewers:   make(map[string]*viewerWindow),
	}
	c.mu.Unlock()

	// The exit handler can fire before the registration above when the
	// encoder dies right after spawn; the process state is terminal by then.
	if state := process.State(); state == proc.StateFailed || state == proc.StateStopped {
		c.reapExitedEncoder(key, sessionID, nil)
		return errs.Process(fmt.Errorf("encoder exited during startup"), "start encoder for session %s", sessionID)
	}

	c.metrics.ProcessStarted("encoder")
	c.logger.Info("abr initialized", "session_id", sessionID, "quality", level)
	return nil
}

// reapExitedEncoder clears the quality state left behind by an encoder that
// exited on its own. StopABR deregisters before stopping the process, so a
// session still present here lost its encoder mid-stream.
func (c *Controller) reapExitedEncoder(key, sessionID string, exitErr error) {
	c.mu.Lock()
	_, registered := c.sessions[key]
	delete(c.sessions, key)
	c.mu.Unlock()
	if !registered {
		return
	}
	c.logger.Warn("session degraded, encoder gone", "session_id", sessionID, "error", exitErr)
}

// encoderArgsLocked renders the fixed encoder argument template for every
// rung up to and including the target level.
func (c *Controller) encoderArgsLocked(sourceLocator, targetLevel string) []string {
	args := []string{"-i", sourceLocator, "-loglevel", "warning"}
	limit := c.indexOfLocked(targetLevel)
	for i, preset := range c.ladder {
		if i > limit {
			break
		}
		args = append(args,
			"-map", "0:v", "-map", "0:a",
			"-s:v:"+strconv.Itoa(i), preset.Resolution,
			"-b:v:"+strconv.Itoa(i), fmt.Sprintf("%dk", preset.VideoBitrateKbps),
			"-b:a:"+strconv.Itoa(i), fmt.Sprintf("%dk", preset.AudioBitrateKbps),
			"-r:v:"+strconv.Itoa(i), strconv.Itoa(preset.Framerate),
		)
	}
	return args
}

// MonitorNetworkConditions folds a viewer's sample into its rolling window
// and returns a recommendation. Moves are bounded to one ladder step per
// evaluation so a single bad sample cannot cause oscillation.
func (c *Controller) MonitorNetworkConditions(key, viewerID string, sample models.NetworkSample) (Recommendation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	qs, ok := c.sessions[key]
	if !ok {
		return Recommendation{}, errs.NotFound("no active quality session")
	}
	window := qs.viewers[viewerID]
	if window == nil {
		window = &viewerWindow{}
		qs.viewers[viewerID] = window
	}
	if sample.At.IsZero() {
		sample.At = time.Now().UTC()
	}
	window.add(sample)

	currentIdx := c.indexOfLocked(qs.current)
	preset := c.ladder[currentIdx]

	if sample.PacketLossPercent > packetLossCeiling {
		return c.stepLocked(qs, currentIdx, -1, fmt.Sprintf("packet loss %.1f%% above %.1f%% ceiling", sample.PacketLossPercent, packetLossCeiling)), nil
	}
	floor := float64(preset.VideoBitrateKbps) * bandwidthHeadroom
	if float64(sample.BandwidthKbps) < floor {
		return c.stepLocked(qs, currentIdx, -1, fmt.Sprintf("bandwidth %dkbps below %.0fkbps floor", sample.BandwidthKbps, floor)), nil
	}

	ceilingIdx := c.indexOfLocked(qs.ceiling)
	if currentIdx < ceilingIdx && c.windowHealthyLocked(window, currentIdx+1) {
		return c.stepLocked(qs, currentIdx, 1, "sustained healthy samples"), nil
	}
	return Recommendation{RecommendedQuality: qs.current, Reason: "conditions stable"}, nil
}

// windowHealthyLocked reports whether a full window of samples would sustain
// the next level up.
func (c *Controller) windowHealthyLocked(window *viewerWindow, nextIdx int) bool {
	if len(window.samples) < upgradeSampleCount {
		return false
	}
	next := c.ladder[nextIdx]
	floor := float64(next.VideoBitrateKbps) * bandwidthHeadroom
	for _, sample := range window.samples {
		if float64(sample.BandwidthKbps) < floor || sample.PacketLossPercent > packetLossCeiling {
			return false
		}
	}
	return true
}

func (c *Controller) stepLocked(qs *qualitySession, currentIdx, direction int, reason string) Recommendation {
	nextIdx := currentIdx + direction
	if nextIdx < 0 {
		nextIdx = 0
	}
	if max := len(c.ladder) - 1; nextIdx > max {
		nextIdx = max
	}
	if nextIdx == currentIdx {
		return Recommendation{RecommendedQuality: qs.current, Reason: reason}
	}
	qs.current = c.ladder[nextIdx].Name
	if direction < 0 {
		c.metrics.ObserveQualitySwitch("downgrade")
	} else {
		c.metrics.ObserveQualitySwitch("upgrade")
	}
	c.logger.Info("quality switched", "session_id", qs.sessionID, "quality", qs.current, "reason", reason)
	return Recommendation{RecommendedQuality: qs.current, Reason: reason}
}

// StopABR terminates the encoder and removes the quality session. Stopping
// a session with no ABR state is a no-op.
func (c *Controller) StopABR(ctx context.Context, key string) error {
	c.mu.Lock()
	qs, ok := c.sessions[key]
	delete(c.sessions, key)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if qs.process != nil {
		if err := qs.process.Stop(ctx); err != nil {
			c.logger.Warn("encoder stop failed", "session_id", qs.sessionID, "error", err)
			return errs.Process(err, "stop encoder for session %s", qs.sessionID)
		}
	}
	c.logger.Info("abr stopped", "session_id", qs.sessionID)
	return nil
}

// Active reports whether a session has a live quality session.
func (c *Controller) Active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[key]
	return ok
}

// CurrentQuality returns the session's current level.
func (c *Controller) CurrentQuality(key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	qs, ok := c.sessions[key]
	if !ok {
		return "", errs.NotFound("no active quality session")
	}
	return qs.current, nil
}

// Presets returns a copy of the ladder ordered lowest to highest.
func (c *Controller) Presets() []models.QualityPreset {
	c.mu.Lock()
	defer c.mu.Unlock()
	presets := make([]models.QualityPreset, len(c.ladder))
	copy(presets, c.ladder)
	return presets
}

// PresetUpdate carries the mutable fields of a ladder entry.
type PresetUpdate struct {
	Resolution       *string `json:"resolution,omitempty"`
	VideoBitrateKbps *int    `json:"videoBitrateKbps,omitempty"`
	AudioBitrateKbps *int    `json:"audioBitrateKbps,omitempty"`
	Framerate        *int    `json:"framerate,omitempty"`
}

// UpdatePreset validates and applies changes to one ladder level.
func (c *Controller) UpdatePreset(level string, update PresetUpdate) (models.QualityPreset, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if update.Resolution != nil && !resolutionPattern.MatchString(*update.Resolution) {
		return models.QualityPreset{}, errs.Validation("resolution must look like 1280x720")
	}
	if update.VideoBitrateKbps != nil && *update.VideoBitrateKbps <= 0 {
		return models.QualityPreset{}, errs.Validation("video bitrate must be positive")
	}
	if update.AudioBitrateKbps != nil && *update.AudioBitrateKbps <= 0 {
		return models.QualityPreset{}, errs.Validation("audio bitrate must be positive")
	}
	if update.Framerate != nil && (*update.Framerate < 15 || *update.Framerate > 60) {
		return models.QualityPreset{}, errs.Validation("framerate must be between 15 and 60")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.indexOfLocked(normalized)
	if idx == -1 {
		return models.QualityPreset{}, errs.NotFound("unknown quality preset %q", level)
	}
	preset := c.ladder[idx]
	if update.Resolution != nil {
		preset.Resolution = *update.Resolution
	}
	if update.VideoBitrateKbps != nil {
		preset.VideoBitrateKbps = *update.VideoBitrateKbps
	}
	if update.AudioBitrateKbps != nil {
		preset.AudioBitrateKbps = *update.AudioBitrateKbps
	}
	if update.Framerate != nil {
		preset.Framerate = *update.Framerate
	}
	c.ladder[idx] = preset
	sort.SliceStable(c.ladder, func(i, j int) bool {
		return c.ladder[i].VideoBitrateKbps < c.ladder[j].VideoBitrateKbps
	})
	c.logger.Info("quality preset updated", "level", normalized)
	return preset, nil
}

func (c *Controller) indexOfLocked(level string) int {
	for i, preset := range c.ladder {
		if preset.Name == level {
			return i
		}
	}
	return -1
}
