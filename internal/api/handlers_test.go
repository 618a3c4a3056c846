package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"streamhaven/internal/auth"
	"streamhaven/internal/cache"
	"streamhaven/internal/models"
	"streamhaven/internal/proc"
	"streamhaven/internal/quality"
	"streamhaven/internal/session"
	"streamhaven/internal/store"
	"streamhaven/internal/viewers"
)

const (
	testOwnerID     = "owner-1"
	testOwnerSecret = "super-secret-1"
)

type stubProcess struct {
	once sync.Once
	done chan struct{}
}

func (p *stubProcess) State() proc.State     { return proc.StateHealthy }
func (p *stubProcess) Done() <-chan struct{} { return p.done }
func (p *stubProcess) Stop(context.Context) error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type stubStarter struct {
	mu      sync.Mutex
	started int
}

func (s *stubStarter) Start(_ context.Context, _ string, _ []string, _ func(error)) (proc.Process, error) {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
	return &stubProcess{done: make(chan struct{})}, nil
}

type testRig struct {
	handler *Handler
	manager *session.Manager
	quality *quality.Controller
	mux     *http.ServeMux
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	owners := auth.NewRegistry()
	if err := owners.Register(testOwnerID, "Test Owner", testOwnerSecret); err != nil {
		t.Fatalf("register owner: %v", err)
	}
	memCache := cache.NewMemoryCache(time.Minute)
	manager, err := session.NewManager(session.Config{
		Store: store.NewMemoryStore(),
		Cache: memCache,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	controller, err := quality.NewController(quality.Config{Starter: &stubStarter{}})
	if err != nil {
		t.Fatalf("new quality controller: %v", err)
	}
	presence, err := viewers.NewTracker(viewers.Config{Manager: manager, Cache: memCache})
	if err != nil {
		t.Fatalf("new viewer tracker: %v", err)
	}
	handler := &Handler{
		Manager: manager,
		Quality: controller,
		Viewers: presence,
		Owners:  owners,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", handler.Sessions)
	mux.HandleFunc("/v1/sessions/", handler.SessionByID)
	mux.HandleFunc("/v1/quality/samples", handler.QualitySamples)
	mux.HandleFunc("/v1/quality/presets", handler.QualityPresets)
	mux.HandleFunc("/v1/quality/presets/", handler.QualityPresetByLevel)
	mux.HandleFunc("/healthz", handler.Health)
	return &testRig{handler: handler, manager: manager, quality: controller, mux: mux}
}

func (rig *testRig) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("X-Owner-ID", testOwnerID)
		req.Header.Set("X-Owner-Secret", testOwnerSecret)
	}
	rec := httptest.NewRecorder()
	rig.mux.ServeHTTP(rec, req)
	return rec
}

func (rig *testRig) createSession(t *testing.T) createSessionResponse {
	t.Helper()
	rec := rig.do(t, http.MethodPost, "/v1/sessions", createSessionRequest{
		Title:         "Morning Show",
		Category:      "talk",
		TargetQuality: "720p",
	}, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: status %d body %s", rec.Code, rec.Body.String())
	}
	var created createSessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return created
}

func TestCreateSessionRequiresOwnerAuth(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodPost, "/v1/sessions", createSessionRequest{Title: "x", TargetQuality: "720p"}, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewBufferString(`{"title":"x","targetQuality":"720p"}`))
	req.Header.Set("X-Owner-ID", testOwnerID)
	req.Header.Set("X-Owner-Secret", "wrong-secret")
	rec2 := httptest.NewRecorder()
	rig.mux.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad secret, got %d", rec2.Code)
	}
}

func TestCreateSessionExposesKeyExactlyOnce(t *testing.T) {
	rig := newTestRig(t)
	created := rig.createSession(t)

	if created.StreamKey == "" {
		t.Fatal("creation response should carry the stream key")
	}
	if created.Session.StreamKey != "" {
		t.Fatal("embedded session must not repeat the stream key")
	}
	if created.IngestURL == "" || created.PlaybackURL == "" {
		t.Fatalf("expected connection endpoints, got %q and %q", created.IngestURL, created.PlaybackURL)
	}

	rec := rig.do(t, http.MethodGet, "/v1/sessions/"+created.Session.ID, nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get session: status %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte(created.StreamKey)) {
		t.Fatal("stream key leaked through the read endpoint")
	}
}

func TestCreateSessionRejectsInvalidMetadata(t *testing.T) {
	rig := newTestRig(t)
	rec := rig.do(t, http.MethodPost, "/v1/sessions", createSessionRequest{
		Title:         "",
		TargetQuality: "720p",
	}, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty title, got %d", rec.Code)
	}
}

func TestStartStopLifecycleOverHTTP(t *testing.T) {
	rig := newTestRig(t)
	created := rig.createSession(t)
	id := created.Session.ID

	rec := rig.do(t, http.MethodPost, "/v1/sessions/"+id+"/start", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: status %d body %s", rec.Code, rec.Body.String())
	}
	var started models.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	if started.Status != models.StatusLive {
		t.Fatalf("expected live after start, got %s", started.Status)
	}

	rec = rig.do(t, http.MethodGet, "/v1/sessions?status=live", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("list live: status %d", rec.Code)
	}
	var live []models.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &live); err != nil {
		t.Fatalf("decode live list: %v", err)
	}
	if len(live) != 1 || live[0].ID != id {
		t.Fatalf("expected one live session %s, got %+v", id, live)
	}
	if live[0].StreamKey != "" {
		t.Fatal("live listing leaked a stream key")
	}

	rec = rig.do(t, http.MethodPost, "/v1/sessions/"+id+"/stop", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: status %d body %s", rec.Code, rec.Body.String())
	}
	var ended models.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &ended); err != nil {
		t.Fatalf("decode stop response: %v", err)
	}
	if ended.Status != models.StatusEnded {
		t.Fatalf("expected ended after stop, got %s", ended.Status)
	}
}

func TestStartRejectsForeignOwner(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.handler.Owners.Register("owner-2", "Other", "another-secret"); err != nil {
		t.Fatalf("register second owner: %v", err)
	}
	created := rig.createSession(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+created.Session.ID+"/start", nil)
	req.Header.Set("X-Owner-ID", "owner-2")
	req.Header.Set("X-Owner-Secret", "another-secret")
	rec := httptest.NewRecorder()
	rig.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign owner, got %d", rec.Code)
	}
}

func TestUpdateMetadataOverHTTP(t *testing.T) {
	rig := newTestRig(t)
	created := rig.createSession(t)

	title := "Evening Show"
	rec := rig.do(t, http.MethodPatch, "/v1/sessions/"+created.Session.ID, updateSessionRequest{Title: &title}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: status %d body %s", rec.Code, rec.Body.String())
	}
	var updated models.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode patch response: %v", err)
	}
	if updated.Title != title {
		t.Fatalf("expected title %q, got %q", title, updated.Title)
	}

	// Metadata freezes once the session leaves the scheduled state.
	if _, err := rig.manager.Start(context.Background(), created.StreamKey); err != nil {
		t.Fatalf("start session: %v", err)
	}
	rec = rig.do(t, http.MethodPatch, "/v1/sessions/"+created.Session.ID, updateSessionRequest{Title: &title}, true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 editing a live session, got %d", rec.Code)
	}
}

func TestCancelSessionOverHTTP(t *testing.T) {
	rig := newTestRig(t)
	created := rig.createSession(t)

	rec := rig.do(t, http.MethodDelete, "/v1/sessions/"+created.Session.ID, nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status %d body %s", rec.Code, rec.Body.String())
	}
	var cancelled models.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("decode cancel response: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
}

func TestSessionStatsOverHTTP(t *testing.T) {
	rig := newTestRig(t)
	created := rig.createSession(t)
	if _, err := rig.manager.Start(context.Background(), created.StreamKey); err != nil {
		t.Fatalf("start session: %v", err)
	}
	rig.manager.AddViewer(created.StreamKey, "viewer-a")
	rig.manager.AddViewer(created.StreamKey, "viewer-b")
	rig.manager.RecordChatMessage(created.StreamKey)

	rec := rig.do(t, http.MethodGet, "/v1/sessions/"+created.Session.ID+"/stats", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status %d", rec.Code)
	}
	var stats session.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.CurrentViewers != 2 || stats.ChatMessages != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestUnknownSessionReturnsNotFound(t *testing.T) {
	rig := newTestRig(t)
	rec := rig.do(t, http.MethodGet, "/v1/sessions/no-such-id", nil, false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Kind != "not_found" {
		t.Fatalf("expected not_found kind, got %q", resp.Kind)
	}
}

func TestQualitySampleDrivesRecommendation(t *testing.T) {
	rig := newTestRig(t)
	created := rig.createSession(t)
	ctx := context.Background()
	if _, err := rig.manager.Start(ctx, created.StreamKey); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := rig.quality.InitializeABR(ctx, created.StreamKey, created.Session.ID, created.IngestURL, "720p"); err != nil {
		t.Fatalf("initialize abr: %v", err)
	}

	rec := rig.do(t, http.MethodPost, "/v1/quality/samples", networkSampleRequest{
		StreamKey:         created.StreamKey,
		ViewerID:          "viewer-a",
		BandwidthKbps:     200,
		LatencyMs:         250,
		PacketLossPercent: 0.5,
	}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("sample: status %d body %s", rec.Code, rec.Body.String())
	}
	var recommendation quality.Recommendation
	if err := json.Unmarshal(rec.Body.Bytes(), &recommendation); err != nil {
		t.Fatalf("decode recommendation: %v", err)
	}
	if recommendation.RecommendedQuality == "720p" {
		t.Fatal("starved viewer should have been stepped down from 720p")
	}
}

func TestQualitySampleForUnknownStream(t *testing.T) {
	rig := newTestRig(t)
	rec := rig.do(t, http.MethodPost, "/v1/quality/samples", networkSampleRequest{
		StreamKey:     "not-a-key",
		ViewerID:      "viewer-a",
		BandwidthKbps: 5000,
	}, false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown stream, got %d", rec.Code)
	}
}

func TestPresetUpdateOverHTTP(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodGet, "/v1/quality/presets", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("list presets: status %d", rec.Code)
	}
	var ladder []models.QualityPreset
	if err := json.Unmarshal(rec.Body.Bytes(), &ladder); err != nil {
		t.Fatalf("decode ladder: %v", err)
	}
	if len(ladder) == 0 {
		t.Fatal("expected a non-empty ladder")
	}

	bitrate := 3200
	rec = rig.do(t, http.MethodPut, "/v1/quality/presets/720p", quality.PresetUpdate{VideoBitrateKbps: &bitrate}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("update preset: status %d body %s", rec.Code, rec.Body.String())
	}
	var updated models.QualityPreset
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode preset: %v", err)
	}
	if updated.VideoBitrateKbps != bitrate {
		t.Fatalf("expected bitrate %d, got %d", bitrate, updated.VideoBitrateKbps)
	}

	rec = rig.do(t, http.MethodPut, "/v1/quality/presets/720p", quality.PresetUpdate{VideoBitrateKbps: &bitrate}, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated preset edit, got %d", rec.Code)
	}

	bad := "wide"
	rec = rig.do(t, http.MethodPut, "/v1/quality/presets/720p", quality.PresetUpdate{Resolution: &bad}, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed resolution, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rig := newTestRig(t)
	rec := rig.do(t, http.MethodDelete, "/v1/sessions", nil, true)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow == "" {
		t.Fatal("expected an Allow header on 405")
	}
}

func TestHealthz(t *testing.T) {
	rig := newTestRig(t)
	rec := rig.do(t, http.MethodGet, "/healthz", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
}
