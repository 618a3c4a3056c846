package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"streamhaven/internal/models"
	"streamhaven/internal/quality"
)

type networkSampleRequest struct {
	StreamKey         string  `json:"streamKey"`
	ViewerID          string  `json:"viewerId"`
	BandwidthKbps     int     `json:"bandwidthKbps"`
	LatencyMs         int     `json:"latencyMs"`
	PacketLossPercent float64 `json:"packetLossPercent"`
}

// QualitySamples ingests a viewer network report and answers with the rung
// the player should request next.
func (h *Handler) QualitySamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Quality == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("adaptive quality is not configured"))
		return
	}
	var req networkSampleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.StreamKey) == "" || strings.TrimSpace(req.ViewerID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("streamKey and viewerId are required"))
		return
	}
	recommendation, err := h.Quality.MonitorNetworkConditions(req.StreamKey, req.ViewerID, models.NetworkSample{
		BandwidthKbps:     req.BandwidthKbps,
		LatencyMs:         req.LatencyMs,
		PacketLossPercent: req.PacketLossPercent,
		At:                time.Now().UTC(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recommendation)
}

// QualityPresets lists the encoding ladder.
func (h *Handler) QualityPresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Quality == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("adaptive quality is not configured"))
		return
	}
	writeJSON(w, http.StatusOK, h.Quality.Presets())
}

// QualityPresetByLevel updates a single rung, PUT /v1/quality/presets/{level}.
// Preset edits are operator actions and require an authenticated owner when a
// registry is configured.
func (h *Handler) QualityPresetByLevel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", "PUT")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Quality == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("adaptive quality is not configured"))
		return
	}
	if _, err := h.ownerID(r); err != nil {
		writeDomainError(w, err)
		return
	}
	level := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/quality/presets/"), "/")
	if level == "" || strings.Contains(level, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("preset level missing"))
		return
	}
	var update quality.PresetUpdate
	if err := decodeJSON(r, &update); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	preset, err := h.Quality.UpdatePreset(level, update)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preset)
}
