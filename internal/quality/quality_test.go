package quality

import (
	"context"
	"testing"

	"streamhaven/internal/errs"
	"streamhaven/internal/models"
	"streamhaven/internal/proc"
)

type fakeProcess struct {
	state   proc.State
	done    chan struct{}
	stopped bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{state: proc.StateHealthy, done: make(chan struct{})}
}

func (p *fakeProcess) State() proc.State     { return p.state }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Stop(context.Context) error {
	if !p.stopped {
		p.stopped = true
		p.state = proc.StateStopped
		close(p.done)
	}
	return nil
}

type fakeStarter struct {
	started   []string
	lastArgs  []string
	processes []*fakeProcess
	exits     []func(error)
	failNext  bool

	// dieOnSpawn hands back a process that already failed, with its exit
	// handler having run before Start returned.
	dieOnSpawn bool
}

func (s *fakeStarter) Start(ctx context.Context, name string, args []string, onExit func(error)) (proc.Process, error) {
	if s.failNext {
		s.failNext = false
		return nil, errs.Process(context.DeadlineExceeded, "start %s", name)
	}
	s.started = append(s.started, name)
	s.lastArgs = args
	process := newFakeProcess()
	s.processes = append(s.processes, process)
	s.exits = append(s.exits, onExit)
	if s.dieOnSpawn {
		process.state = proc.StateFailed
		close(process.done)
		if onExit != nil {
			onExit(context.DeadlineExceeded)
		}
	}
	return process, nil
}

func newTestController(t *testing.T) (*Controller, *fakeStarter) {
	t.Helper()
	starter := &fakeStarter{}
	controller, err := NewController(Config{Starter: starter})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return controller, starter
}

func initSession(t *testing.T, controller *Controller, key, quality string) {
	t.Helper()
	if err := controller.InitializeABR(context.Background(), key, "sess-1", "rtmp://localhost/live/"+key, quality); err != nil {
		t.Fatalf("initialize abr: %v", err)
	}
}

func TestInitializeABRStartsEncoder(t *testing.T) {
	controller, starter := newTestController(t)
	initSession(t, controller, "key-a", "720p")

	if len(starter.started) != 1 {
		t.Fatalf("expected one encoder start, got %d", len(starter.started))
	}
	if !controller.Active("key-a") {
		t.Fatal("expected active quality session")
	}
	if err := controller.InitializeABR(context.Background(), "key-a", "sess-1", "src", "720p"); errs.KindOf(err) != errs.KindInvalidState {
		t.Fatalf("expected invalid state on double init, got %v", err)
	}
}

func TestInitializeABRUnknownPreset(t *testing.T) {
	controller, _ := newTestController(t)
	err := controller.InitializeABR(context.Background(), "key-a", "sess-1", "src", "4320p")
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMonitorRequiresActiveSession(t *testing.T) {
	controller, _ := newTestController(t)
	_, err := controller.MonitorNetworkConditions("key-a", "viewer-1", models.NetworkSample{BandwidthKbps: 5000})
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSevereShortfallDowngradesSingleStep(t *testing.T) {
	controller, _ := newTestController(t)
	initSession(t, controller, "key-a", "1080p")

	// Bandwidth far below even the lowest rung still moves one step only.
	rec, err := controller.MonitorNetworkConditions("key-a", "viewer-1", models.NetworkSample{BandwidthKbps: 100})
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if rec.RecommendedQuality != "720p" {
		t.Fatalf("expected single-step downgrade to 720p, got %s", rec.RecommendedQuality)
	}
}

func TestPacketLossForcesDowngrade(t *testing.T) {
	controller, _ := newTestController(t)
	initSession(t, controller, "key-a", "720p")

	rec, err := controller.MonitorNetworkConditions("key-a", "viewer-1", models.NetworkSample{BandwidthKbps: 10000, PacketLossPercent: 9})
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if rec.RecommendedQuality != "480p" {
		t.Fatalf("expected downgrade to 480p, got %s", rec.RecommendedQuality)
	}
}

func TestUpgradeRequiresFullHealthyWindow(t *testing.T) {
	controller, _ := newTestController(t)
	initSession(t, controller, "key-a", "1080p")

	// Drop to 720p first.
	if _, err := controller.MonitorNetworkConditions("key-a", "viewer-1", models.NetworkSample{BandwidthKbps: 1000}); err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if current, _ := controller.CurrentQuality("key-a"); current != "720p" {
		t.Fatalf("expected 720p after downgrade, got %s", current)
	}

	// Healthy samples accumulate until the window is full, then one step up.
	for i := 0; i < upgradeSampleCount; i++ {
		rec, err := controller.MonitorNetworkConditions("key-a", "viewer-1", models.NetworkSample{BandwidthKbps: 12000})
		if err != nil {
			t.Fatalf("monitor: %v", err)
		}
		if i < upgradeSampleCount-1 && rec.RecommendedQuality != "720p" {
			t.Fatalf("sample %d: upgraded before window filled: %s", i, rec.RecommendedQuality)
		}
		if i == upgradeSampleCount-1 && rec.RecommendedQuality != "1080p" {
			t.Fatalf("expected upgrade to 1080p on full window, got %s", rec.RecommendedQuality)
		}
	}
}

func TestUpgradeNeverExceedsTargetCeiling(t *testing.T) {
	controller, _ := newTestController(t)
	initSession(t, controller, "key-a", "480p")

	for i := 0; i < upgradeSampleCount*2; i++ {
		rec, err := controller.MonitorNetworkConditions("key-a", "viewer-1", models.NetworkSample{BandwidthKbps: 50000})
		if err != nil {
			t.Fatalf("monitor: %v", err)
		}
		if rec.RecommendedQuality != "480p" {
			t.Fatalf("ceiling violated: %s", rec.RecommendedQuality)
		}
	}
}

func TestStopABRIdempotent(t *testing.T) {
	controller, starter := newTestController(t)
	initSession(t, controller, "key-a", "720p")

	if err := controller.StopABR(context.Background(), "key-a"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if controller.Active("key-a") {
		t.Fatal("expected quality session removed")
	}
	if !starter.processes[0].stopped {
		t.Fatal("expected encoder process stopped")
	}
	if err := controller.StopABR(context.Background(), "key-a"); err != nil {
		t.Fatalf("repeat stop must be a no-op, got %v", err)
	}
}

func TestUpdatePresetValidation(t *testing.T) {
	controller, _ := newTestController(t)

	badResolution := "widexhigh"
	if _, err := controller.UpdatePreset("720p", PresetUpdate{Resolution: &badResolution}); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("expected validation error for resolution, got %v", err)
	}
	lowFPS := 10
	if _, err := controller.UpdatePreset("720p", PresetUpdate{Framerate: &lowFPS}); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("expected validation error for framerate, got %v", err)
	}
	if _, err := controller.UpdatePreset("2160p", PresetUpdate{}); errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("expected not found for unknown level, got %v", err)
	}

	fps := 60
	resolution := "1280x720"
	updated, err := controller.UpdatePreset("720p", PresetUpdate{Framerate: &fps, Resolution: &resolution})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Framerate != 60 || updated.Resolution != "1280x720" {
		t.Fatalf("unexpected preset after update: %+v", updated)
	}
}

func TestEncoderDeathClearsQualitySession(t *testing.T) {
	controller, starter := newTestController(t)
	initSession(t, controller, "key-a", "720p")

	// The encoder dies mid-stream without StopABR ever being called.
	starter.processes[0].state = proc.StateFailed
	starter.exits[0](context.DeadlineExceeded)

	if controller.Active("key-a") {
		t.Fatal("dead encoder must not leave its quality session registered")
	}
	if _, err := controller.MonitorNetworkConditions("key-a", "viewer-1", models.NetworkSample{BandwidthKbps: 5000}); errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("expected not found after encoder death, got %v", err)
	}
	// The key is free for a fresh initialization.
	initSession(t, controller, "key-a", "720p")
}

func TestInitializeABRFailsWhenEncoderDiesOnSpawn(t *testing.T) {
	controller, starter := newTestController(t)
	starter.dieOnSpawn = true

	err := controller.InitializeABR(context.Background(), "key-a", "sess-1", "src", "720p")
	if errs.KindOf(err) != errs.KindProcess {
		t.Fatalf("expected process error for encoder dead on spawn, got %v", err)
	}
	if controller.Active("key-a") {
		t.Fatal("encoder dead on spawn must not leave a quality session behind")
	}
}

func TestProcessStartFailureSurfacesAsProcessError(t *testing.T) {
	controller, starter := newTestController(t)
	starter.failNext = true
	err := controller.InitializeABR(context.Background(), "key-a", "sess-1", "src", "720p")
	if errs.KindOf(err) != errs.KindProcess {
		t.Fatalf("expected process error, got %v", err)
	}
	if controller.Active("key-a") {
		t.Fatal("failed start must not leave a quality session behind")
	}
}
