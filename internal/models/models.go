package models

import "time"

// SessionStatus enumerates the lifecycle states of a broadcast session.
// Transitions are monotonic: scheduled -> live -> ended, with cancelled
// reachable only from scheduled.
type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusLive      SessionStatus = "live"
	StatusEnded     SessionStatus = "ended"
	StatusCancelled SessionStatus = "cancelled"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusLive, StatusEnded, StatusCancelled:
		return true
	}
	return false
}

// Admissible reports whether an ingest connection presenting this session's
// key may be admitted. Live is admissible to cover broadcaster reconnects.
func (s SessionStatus) Admissible() bool {
	return s == StatusScheduled || s == StatusLive
}

// Session is the durable record of a scheduled, live, or finished broadcast.
type Session struct {
	ID               string        `json:"id"`
	OwnerID          string        `json:"ownerId"`
	StreamKey        string        `json:"streamKey,omitempty"`
	Title            string        `json:"title"`
	Description      string        `json:"description,omitempty"`
	Category         string        `json:"category,omitempty"`
	TargetQuality    string        `json:"targetQuality"`
	MaxViewers       int           `json:"maxViewers"`
	RecordingEnabled bool          `json:"recordingEnabled"`
	ChatEnabled      bool          `json:"chatEnabled"`
	Status           SessionStatus `json:"status"`
	StartedAt        *time.Time    `json:"startedAt,omitempty"`
	EndedAt          *time.Time    `json:"endedAt,omitempty"`
	Stats            *SessionStats `json:"stats,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// SessionStats is the final counters snapshot flushed to the store when a
// live session ends. It is never written incrementally during a stream.
type SessionStats struct {
	TotalViewers    int `json:"totalViewers"`
	PeakViewers     int `json:"peakViewers"`
	ChatMessages    int `json:"chatMessages"`
	DurationSeconds int `json:"durationSeconds"`
}

// RecordingStatus tracks a recording artefact from process start to the
// asynchronous completion handler's final verdict.
type RecordingStatus string

const (
	RecordingPending    RecordingStatus = "pending"
	RecordingProcessing RecordingStatus = "processing"
	RecordingReady      RecordingStatus = "ready"
	RecordingFailed     RecordingStatus = "failed"
)

type Recording struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"sessionId"`
	OutputDir       string          `json:"outputDir,omitempty"`
	ManifestPath    string          `json:"manifestPath,omitempty"`
	Status          RecordingStatus `json:"status"`
	DurationSeconds int             `json:"durationSeconds"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// QualityPreset describes one rung of the adaptive-bitrate ladder.
type QualityPreset struct {
	Name             string `json:"name"`
	Resolution       string `json:"resolution"`
	VideoBitrateKbps int    `json:"videoBitrateKbps"`
	AudioBitrateKbps int    `json:"audioBitrateKbps"`
	Framerate        int    `json:"framerate"`
}

// NetworkSample is one viewer-reported network condition measurement.
type NetworkSample struct {
	BandwidthKbps     int       `json:"bandwidthKbps"`
	LatencyMs         int       `json:"latencyMs"`
	PacketLossPercent float64   `json:"packetLossPercent"`
	At                time.Time `json:"at"`
}
