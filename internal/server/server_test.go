package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"streamhaven/internal/api"
	"streamhaven/internal/cache"
	"streamhaven/internal/session"
	"streamhaven/internal/store"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	manager, err := session.NewManager(session.Config{
		Store: store.NewMemoryStore(),
		Cache: cache.NewMemoryCache(time.Minute),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	srv, err := New(api.NewHandler(manager), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzRoute(t *testing.T) {
	srv := newTestServer(t, Config{})
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	srv := newTestServer(t, Config{})
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got == "" {
		t.Fatal("metrics response missing content type")
	}
}

func TestRequestIDGeneratedWhenAbsent(t *testing.T) {
	srv := newTestServer(t, Config{})
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestRequestIDEchoedWhenPresent(t *testing.T) {
	srv := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := serve(srv, req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	srv := newTestServer(t, Config{})
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	checks := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	}
	for header, want := range checks {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("header %s: got %q want %q", header, got, want)
		}
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Fatal("missing content security policy")
	}
}

func TestCORSBlocksUnknownOrigin(t *testing.T) {
	srv := newTestServer(t, Config{CORS: CORSConfig{AllowedOrigins: []string{"https://dash.example.com"}}})
	req := httptest.NewRequest(http.MethodGet, "/v1/quality/presets", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	rec := serve(srv, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown origin, got %d", rec.Code)
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	srv := newTestServer(t, Config{CORS: CORSConfig{AllowedOrigins: []string{"https://dash.example.com"}}})
	req := httptest.NewRequest(http.MethodOptions, "/v1/sessions", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := serve(srv, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: status %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestCORSRejectsMalformedConfig(t *testing.T) {
	manager, err := session.NewManager(session.Config{
		Store: store.NewMemoryStore(),
		Cache: cache.NewMemoryCache(time.Minute),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := New(api.NewHandler(manager), Config{CORS: CORSConfig{AllowedOrigins: []string{"no-scheme"}}}); err == nil {
		t.Fatal("expected config error for origin without scheme")
	}
}

func TestGlobalRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{GlobalRPS: 1, GlobalBurst: 2}})
	limited := false
	for i := 0; i < 5; i++ {
		rec := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected the global limit to trip")
	}
}

func TestCreateRateLimitPerIP(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{CreateLimit: 2, CreateWindow: time.Minute}})

	post := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
		req.Header.Set("X-Real-IP", ip)
		return serve(srv, req)
	}

	if rec := post("10.0.0.1"); rec.Code == http.StatusTooManyRequests {
		t.Fatal("first attempt should not be limited")
	}
	if rec := post("10.0.0.1"); rec.Code == http.StatusTooManyRequests {
		t.Fatal("second attempt should not be limited")
	}
	rec := post("10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third attempt should be limited, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After on the limited response")
	}

	// A different client keeps its own budget.
	if rec := post("10.0.0.2"); rec.Code == http.StatusTooManyRequests {
		t.Fatal("unrelated client should not share the limit")
	}
}

func TestIngestHooksMounted(t *testing.T) {
	hooks := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	srv := newTestServer(t, Config{IngestHooks: hooks})
	rec := serve(srv, httptest.NewRequest(http.MethodPost, "/hooks/ingest/on_publish", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("hooks route: status %d", rec.Code)
	}
}

func TestTokenBucketRefills(t *testing.T) {
	bucket := newTokenBucket(100, 1)
	if !bucket.Allow() {
		t.Fatal("fresh bucket should allow")
	}
	if bucket.Allow() {
		t.Fatal("exhausted bucket should reject")
	}
	time.Sleep(20 * time.Millisecond)
	if !bucket.Allow() {
		t.Fatal("bucket should refill over time")
	}
}

func TestExtractClientIP(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(*http.Request)
		remote string
		want   string
	}{
		{"forwarded-for", func(r *http.Request) { r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1") }, "9.9.9.9:1234", "1.2.3.4"},
		{"real-ip", func(r *http.Request) { r.Header.Set("X-Real-IP", "5.6.7.8") }, "9.9.9.9:1234", "5.6.7.8"},
		{"remote-addr", func(*http.Request) {}, "9.9.9.9:1234", "9.9.9.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			tc.setup(req)
			if got := extractClientIP(req); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}
