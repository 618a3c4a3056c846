package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRecorderSessionGauge(t *testing.T) {
	recorder := New()
	recorder.SessionStarted()
	recorder.SessionStarted()
	recorder.SessionEnded()
	if got := recorder.ActiveSessions(); got != 1 {
		t.Fatalf("expected 1 active session, got %d", got)
	}
	// The gauge never goes negative even when ends outnumber starts.
	recorder.SessionEnded()
	recorder.SessionEnded()
	if got := recorder.ActiveSessions(); got != 0 {
		t.Fatalf("expected gauge floor at 0, got %d", got)
	}
}

func TestRecorderAdmissionCounts(t *testing.T) {
	recorder := New()
	recorder.AdmissionAllowed()
	recorder.AdmissionAllowed()
	recorder.AdmissionRejected("unknown_key")
	recorder.AdmissionRejected("not_admissible")
	recorder.AdmissionRejected("unknown_key")

	allowed, rejected := recorder.AdmissionCounts()
	if allowed != 2 {
		t.Fatalf("expected 2 allowed, got %d", allowed)
	}
	if rejected["unknown_key"] != 2 || rejected["not_admissible"] != 1 {
		t.Fatalf("unexpected rejection counts: %+v", rejected)
	}
}

func TestRecorderProcessCounts(t *testing.T) {
	recorder := New()
	recorder.ProcessStarted("encoder")
	recorder.ProcessStarted("recorder")
	recorder.ProcessCompleted("encoder")
	recorder.ProcessFailed("recorder")

	events, active := recorder.ProcessCounts()
	if active != 0 {
		t.Fatalf("expected 0 active processes, got %d", active)
	}
	if events[ProcessLabel{Kind: "encoder", Status: "start"}] != 1 {
		t.Fatalf("missing encoder start event: %+v", events)
	}
	if events[ProcessLabel{Kind: "recorder", Status: "fail"}] != 1 {
		t.Fatalf("missing recorder fail event: %+v", events)
	}
}

func TestRecorderWriteExposition(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/v1/live", 200, 30*time.Millisecond)
	recorder.SessionStarted()
	recorder.AdmissionAllowed()
	recorder.ObserveQualitySwitch("downgrade")

	var buf strings.Builder
	recorder.Write(&buf)
	output := buf.String()

	for _, want := range []string{
		`streamhaven_http_requests_total{method="GET",path="/v1/live",status="200"} 1`,
		`streamhaven_session_events_total{event="started"} 1`,
		"streamhaven_active_sessions 1",
		"streamhaven_admission_allowed_total 1",
		`streamhaven_quality_switches_total{direction="downgrade"} 1`,
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("exposition missing %q:\n%s", want, output)
		}
	}
}

func TestRecorderConcurrentWriters(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				recorder.ObserveSessionEvent("created")
				recorder.AdmissionRejected("unknown_key")
			}
		}()
	}
	wg.Wait()
	if got := recorder.SessionEventCounts()["created"]; got != 800 {
		t.Fatalf("expected 800 created events, got %d", got)
	}
}

func TestNormalizePathCollapsesIdentifiers(t *testing.T) {
	cases := map[string]string{
		"/v1/live/01HV2NXJ8F3Q/start": "/v1/live/:id/start",
		"/v1/live":                    "/v1/live",
		"/":                           "/",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}
