package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// ProcessLabel identifies media process lifecycle events by process kind
// (encoder, recorder) and outcome.
type ProcessLabel struct {
	Kind   string
	Status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// session lifecycle events, stream key admission decisions, media process
// supervision, and quality switches. Writers coordinate through a RWMutex;
// the active gauges use atomics so hot paths avoid the lock.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	sessionEvents     map[string]uint64
	admissionAllowed  uint64
	admissionRejected map[string]uint64
	processEvents     map[ProcessLabel]uint64
	qualitySwitches   map[string]uint64
	viewerJoins       uint64
	viewerLeaves      uint64
	activeSessions    atomic.Int64
	activeProcesses   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can record immediately.
func New() *Recorder {
	return &Recorder{
		requestCount:      make(map[requestLabel]uint64),
		requestDuration:   make(map[requestLabel]time.Duration),
		sessionEvents:     make(map[string]uint64),
		admissionRejected: make(map[string]uint64),
		processEvents:     make(map[ProcessLabel]uint64),
		qualitySwitches:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across helper functions.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveSessionEvent records a lifecycle event (created, started, ended,
// cancelled, reaped).
func (r *Recorder) ObserveSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// SessionStarted records a go-live event and increments the active session
// gauge.
func (r *Recorder) SessionStarted() {
	r.ObserveSessionEvent("started")
	r.activeSessions.Add(1)
}

// SessionEnded records an end event and decrements the active session gauge,
// guarding against negative counts when concurrent updates race.
func (r *Recorder) SessionEnded() {
	r.ObserveSessionEvent("ended")
	r.decrementGauge(&r.activeSessions)
}

// AdmissionAllowed records a stream key validation that admitted a publisher.
func (r *Recorder) AdmissionAllowed() {
	r.mu.Lock()
	r.admissionAllowed++
	r.mu.Unlock()
}

// AdmissionRejected records a rejected stream key validation keyed by reason
// (unknown_key, not_admissible, dependency).
func (r *Recorder) AdmissionRejected(reason string) {
	normalized := normalizeName(reason)
	r.mu.Lock()
	r.admissionRejected[normalized]++
	r.mu.Unlock()
}

// ProcessStarted records the launch of a media process of the given kind and
// increments the active process gauge.
func (r *Recorder) ProcessStarted(kind string) {
	r.recordProcessEvent(kind, "start")
	r.activeProcesses.Add(1)
}

// ProcessCompleted records a clean process exit and decrements the gauge.
func (r *Recorder) ProcessCompleted(kind string) {
	r.recordProcessEvent(kind, "complete")
	r.decrementGauge(&r.activeProcesses)
}

// ProcessFailed records a failed process and decrements the gauge without
// letting it go negative when the process never registered a start.
func (r *Recorder) ProcessFailed(kind string) {
	r.recordProcessEvent(kind, "fail")
	r.decrementGauge(&r.activeProcesses)
}

func (r *Recorder) recordProcessEvent(kind, status string) {
	label := ProcessLabel{Kind: normalizeName(kind), Status: normalizeName(status)}
	r.mu.Lock()
	r.processEvents[label]++
	r.mu.Unlock()
}

// ObserveQualitySwitch records an adaptive bitrate move by direction
// (upgrade, downgrade).
func (r *Recorder) ObserveQualitySwitch(direction string) {
	normalized := normalizeName(direction)
	r.mu.Lock()
	r.qualitySwitches[normalized]++
	r.mu.Unlock()
}

// ViewerJoined records a viewer join on a live session.
func (r *Recorder) ViewerJoined() {
	r.mu.Lock()
	r.viewerJoins++
	r.mu.Unlock()
}

// ViewerLeft records a viewer departure.
func (r *Recorder) ViewerLeft() {
	r.mu.Lock()
	r.viewerLeaves++
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of live sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ActiveProcesses exposes the current number of supervised media processes.
func (r *Recorder) ActiveProcesses() int64 {
	return r.activeProcesses.Load()
}

// AdmissionCounts returns copies of the admission counters for reporting and
// tests.
func (r *Recorder) AdmissionCounts() (allowed uint64, rejected map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rejected = make(map[string]uint64, len(r.admissionRejected))
	for k, v := range r.admissionRejected {
		rejected[k] = v
	}
	return r.admissionAllowed, rejected
}

// ProcessCounts returns copies of process event counters and the active
// process gauge.
func (r *Recorder) ProcessCounts() (events map[ProcessLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[ProcessLabel]uint64, len(r.processEvents))
	for k, v := range r.processEvents {
		events[k] = v
	}
	return events, r.activeProcesses.Load()
}

// SessionEventCounts returns a copy of the session lifecycle counters.
func (r *Recorder) SessionEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.sessionEvents))
	for k, v := range r.sessionEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.admissionAllowed = 0
	r.admissionRejected = make(map[string]uint64)
	r.processEvents = make(map[ProcessLabel]uint64)
	r.qualitySwitches = make(map[string]uint64)
	r.viewerJoins = 0
	r.viewerLeaves = 0
	r.activeSessions.Store(0)
	r.activeProcesses.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with sorted label sets
// so scrapes and tests see stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	rejectionReasons := sortedKeys(r.admissionRejected)
	processLabels := r.sortedProcessLabels()
	switchDirections := sortedKeys(r.qualitySwitches)

	fmt.Fprintln(w, "# HELP streamhaven_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE streamhaven_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamhaven_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP streamhaven_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streamhaven_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamhaven_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP streamhaven_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE streamhaven_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "streamhaven_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP streamhaven_active_sessions Current number of live sessions")
	fmt.Fprintln(w, "# TYPE streamhaven_active_sessions gauge")
	fmt.Fprintf(w, "streamhaven_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP streamhaven_admission_allowed_total Stream key validations that admitted a publisher")
	fmt.Fprintln(w, "# TYPE streamhaven_admission_allowed_total counter")
	fmt.Fprintf(w, "streamhaven_admission_allowed_total %d\n", r.admissionAllowed)

	fmt.Fprintln(w, "# HELP streamhaven_admission_rejected_total Rejected stream key validations by reason")
	fmt.Fprintln(w, "# TYPE streamhaven_admission_rejected_total counter")
	for _, reason := range rejectionReasons {
		fmt.Fprintf(w, "streamhaven_admission_rejected_total{reason=\"%s\"} %d\n", reason, r.admissionRejected[reason])
	}

	fmt.Fprintln(w, "# HELP streamhaven_process_events_total Media process events by kind and status")
	fmt.Fprintln(w, "# TYPE streamhaven_process_events_total counter")
	for _, label := range processLabels {
		fmt.Fprintf(w, "streamhaven_process_events_total{kind=\"%s\",status=\"%s\"} %d\n", label.Kind, label.Status, r.processEvents[label])
	}

	fmt.Fprintln(w, "# HELP streamhaven_active_processes Current number of supervised media processes")
	fmt.Fprintln(w, "# TYPE streamhaven_active_processes gauge")
	fmt.Fprintf(w, "streamhaven_active_processes %d\n", r.activeProcesses.Load())

	fmt.Fprintln(w, "# HELP streamhaven_quality_switches_total Adaptive bitrate moves by direction")
	fmt.Fprintln(w, "# TYPE streamhaven_quality_switches_total counter")
	for _, direction := range switchDirections {
		fmt.Fprintf(w, "streamhaven_quality_switches_total{direction=\"%s\"} %d\n", direction, r.qualitySwitches[direction])
	}

	fmt.Fprintln(w, "# HELP streamhaven_viewer_joins_total Viewer joins on live sessions")
	fmt.Fprintln(w, "# TYPE streamhaven_viewer_joins_total counter")
	fmt.Fprintf(w, "streamhaven_viewer_joins_total %d\n", r.viewerJoins)

	fmt.Fprintln(w, "# HELP streamhaven_viewer_leaves_total Viewer departures from live sessions")
	fmt.Fprintln(w, "# TYPE streamhaven_viewer_leaves_total counter")
	fmt.Fprintf(w, "streamhaven_viewer_leaves_total %d\n", r.viewerLeaves)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedProcessLabels() []ProcessLabel {
	labels := make([]ProcessLabel, 0, len(r.processEvents))
	for label := range r.processEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
