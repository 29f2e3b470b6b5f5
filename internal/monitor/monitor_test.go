package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fleetforge/fleet-medic/internal/catalog"
	"github.com/fleetforge/fleet-medic/internal/classifier"
	"github.com/fleetforge/fleet-medic/internal/collector"
	"github.com/fleetforge/fleet-medic/internal/config"
	"github.com/fleetforge/fleet-medic/internal/ledger"
	"github.com/fleetforge/fleet-medic/internal/models"
	"github.com/fleetforge/fleet-medic/internal/remedy"
)

// fleetControl fakes the whole container-control surface for monitor,
// collector, and engine at once.
type fleetControl struct {
	mu sync.Mutex

	targets    []string
	listErr    error
	states     map[string]models.ContainerState
	stateErr   error
	logs       map[string][]string
	samples    map[string]models.ResourceSample
	restartErr error
	// stateDelay stalls State reads per target to simulate slow collection.
	stateDelay map[string]time.Duration

	restarts []string
	rebuilds []string
	// restartHeals flips a target to running when it is restarted.
	restartHeals bool
}

func newFleetControl(targets ...string) *fleetControl {
	return &fleetControl{
		targets:    targets,
		states:     make(map[string]models.ContainerState),
		logs:       make(map[string][]string),
		samples:    make(map[string]models.ResourceSample),
		stateDelay: make(map[string]time.Duration),
	}
}

func (f *fleetControl) ListTargets(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.targets...), f.listErr
}

func (f *fleetControl) State(_ context.Context, target string) (models.ContainerState, error) {
	f.mu.Lock()
	delay := f.stateDelay[target]
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return "", f.stateErr
	}
	if s, ok := f.states[target]; ok {
		return s, nil
	}
	return models.ContainerRunning, nil
}

func (f *fleetControl) TailLogs(_ context.Context, target string, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[target], nil
}

func (f *fleetControl) Stats(_ context.Context, target string) (models.ResourceSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples[target], nil
}

func (f *fleetControl) Restart(_ context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, target)
	if f.restartErr != nil {
		return f.restartErr
	}
	if f.restartHeals {
		f.states[target] = models.ContainerRunning
	}
	return nil
}

func (f *fleetControl) Recreate(_ context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restartHeals {
		f.states[target] = models.ContainerRunning
	}
	return nil
}

func (f *fleetControl) RebuildImage(_ context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebuilds = append(f.rebuilds, target)
	return nil
}

func (f *fleetControl) SetResourceLimits(context.Context, string, int64) error { return nil }
func (f *fleetControl) ReassignPort(context.Context, string) error             { return nil }
func (f *fleetControl) FixPermissions(context.Context, string) error           { return nil }
func (f *fleetControl) RedownloadBinary(context.Context, string) error         { return nil }
func (f *fleetControl) ProbeNetwork(context.Context, string) error             { return nil }
func (f *fleetControl) Snapshot(context.Context, string) error                 { return nil }

type harness struct {
	monitor    *Monitor
	classifier *classifier.Classifier
	ledger     *ledger.Ledger
	control    *fleetControl
}

type harnessOptions struct {
	monitor config.MonitorConfig
	remedy  config.RemedyConfig
	cls     classifier.Options
}

func defaultHarnessOptions() harnessOptions {
	return harnessOptions{
		monitor: config.MonitorConfig{
			Interval:                   50 * time.Millisecond,
			LogTailLines:               100,
			SilencePeriod:              time.Hour,
			CollectionFailureThreshold: 3,
		},
		remedy: config.RemedyConfig{
			MaxRetryAttempts:      3,
			ActionTimeout:         time.Second,
			AutoRebuildImages:     true,
			AutoRestartContainers: true,
			EnableDockerCommands:  true,
			EnableFileOperations:  true,
			EnableNetworkChecks:   true,
		},
		cls: classifier.Options{CollectionFailureThreshold: 3},
	}
}

func newHarness(t *testing.T, control *fleetControl, opts harnessOptions) *harness {
	t.Helper()
	cat, err := catalog.New(nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.New(64)
	cls := classifier.New(cat, led, logger, opts.cls)
	col := collector.New(control, logger, opts.monitor.LogTailLines)
	eng := remedy.New(control, cat, cls, led, nil, nil, logger, opts.remedy, time.Minute)
	return &harness{
		monitor:    New(control, col, cls, eng, led, logger, opts.monitor),
		classifier: cls,
		ledger:     led,
		control:    control,
	}
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t, newFleetControl(), defaultHarnessOptions())

	if h.monitor.Running() {
		t.Fatalf("monitor must start stopped")
	}
	if err := h.monitor.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.monitor.Start(); err == nil {
		t.Fatalf("double start must error")
	}
	if !h.monitor.Running() {
		t.Fatalf("monitor should report running")
	}

	h.monitor.Stop()
	if h.monitor.Running() {
		t.Fatalf("monitor should report stopped")
	}
	h.monitor.Stop() // second stop is a no-op
}

func TestStopLetsInFlightCycleFinish(t *testing.T) {
	control := newFleetControl("slow1", "crash1")
	control.stateDelay["slow1"] = 150 * time.Millisecond
	control.states["crash1"] = models.ContainerExited
	control.restartHeals = true

	opts := defaultHarnessOptions()
	opts.monitor.Interval = time.Hour // only the first cycle runs
	h := newHarness(t, control, opts)

	if err := h.monitor.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // first cycle is mid-collection
	h.monitor.Stop()

	// The cycle in flight when Stop was called must still classify and
	// remediate every target, and record the results.
	if h.ledger.ErrorCount() != 1 {
		t.Fatalf("recorded %d incidents, want 1 (crashed target)", h.ledger.ErrorCount())
	}
	status := h.monitor.Status()
	if status.FixCount != 1 {
		t.Fatalf("fix count = %d, the in-flight remediation must complete", status.FixCount)
	}
	if status.Monitoring {
		t.Fatalf("monitor should report stopped")
	}
}

func TestCycleDeduplicatesAcrossCycles(t *testing.T) {
	control := newFleetControl("srv1")
	control.states["srv1"] = models.ContainerExited
	control.restartErr = errors.New("daemon busy")

	opts := defaultHarnessOptions()
	// A long fallback delay parks the incident after the first failed
	// attempt so repeated cycles only fold in new occurrences.
	opts.cls.FallbackDelay = time.Hour
	opts.remedy.FallbackDelay = time.Hour
	h := newHarness(t, control, opts)

	for i := 0; i < 3; i++ {
		h.monitor.RunCycle(context.Background())
	}

	active := h.classifier.Active()
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1 deduplicated incident", len(active))
	}
	if active[0].Kind != models.KindContainerCrash || active[0].OccurrenceCount != 3 {
		t.Fatalf("incident = %s x%d, want container_crash x3",
			active[0].Kind, active[0].OccurrenceCount)
	}
	if active[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 while fallback is parked", active[0].Attempts)
	}
	if h.ledger.ErrorCount() != 1 {
		t.Fatalf("ledger opened %d incidents, want 1", h.ledger.ErrorCount())
	}
}

func TestCycleDetectsAndHeals(t *testing.T) {
	control := newFleetControl("srv1")
	control.states["srv1"] = models.ContainerExited
	control.restartHeals = true

	h := newHarness(t, control, defaultHarnessOptions())
	h.monitor.RunCycle(context.Background())

	status := h.monitor.Status()
	if status.ErrorCount != 1 || status.FixCount != 1 {
		t.Fatalf("errors=%d fixes=%d, want 1/1", status.ErrorCount, status.FixCount)
	}
	if len(status.ActiveIncidents) != 0 {
		t.Fatalf("healed incident must leave the active table")
	}
	if status.RecentErrors[0].State != models.StateFixed {
		t.Fatalf("history state = %s, want fixed after remediation", status.RecentErrors[0].State)
	}
	if len(control.restarts) != 1 || control.restarts[0] != "srv1" {
		t.Fatalf("restarts = %v, want [srv1]", control.restarts)
	}
}

func TestCycleCollectionFailureStreak(t *testing.T) {
	control := newFleetControl("srv1")
	control.stateErr = errors.New("connection refused")

	opts := defaultHarnessOptions()
	opts.cls.CollectionFailureThreshold = 2
	h := newHarness(t, control, opts)

	h.monitor.RunCycle(context.Background())
	if h.ledger.ErrorCount() != 0 {
		t.Fatalf("incident raised below failure threshold")
	}

	h.monitor.RunCycle(context.Background())
	snap := h.monitor.Status()
	if snap.ErrorCount != 1 || snap.RecentErrors[0].Kind != models.KindCollectionFailure {
		t.Fatalf("expected one collection_failure incident, got %+v", snap.RecentErrors)
	}
}

func TestCyclePerTargetIsolation(t *testing.T) {
	control := newFleetControl("srv1", "srv2")
	control.states["srv1"] = models.ContainerExited
	control.restartHeals = true
	control.logs["srv2"] = []string{"[INFO] ticking along"}

	h := newHarness(t, control, defaultHarnessOptions())
	h.monitor.RunCycle(context.Background())

	status := h.monitor.Status()
	if status.ErrorCount != 1 {
		t.Fatalf("healthy srv2 must not produce incidents: %+v", status.RecentErrors)
	}
}

func TestTargetsFallBackToConfigured(t *testing.T) {
	control := newFleetControl()
	control.listErr = errors.New("listing down")
	control.states["static1"] = models.ContainerExited
	control.restartHeals = true

	opts := defaultHarnessOptions()
	opts.monitor.Targets = []string{"static1"}
	h := newHarness(t, control, opts)

	h.monitor.RunCycle(context.Background())
	if h.ledger.ErrorCount() != 1 {
		t.Fatalf("configured fallback targets were not monitored")
	}
}

func TestManualFix(t *testing.T) {
	control := newFleetControl("srv1")
	h := newHarness(t, control, defaultHarnessOptions())

	if _, err := h.monitor.ManualFix(context.Background(), models.ManualFixRequest{
		Kind:   "disk_on_fire",
		Target: "srv1",
	}); err == nil {
		t.Fatalf("unknown kind must be rejected")
	}

	inc, err := h.monitor.ManualFix(context.Background(), models.ManualFixRequest{
		Kind:   models.KindJarCorruption,
		Target: "srv1",
	})
	if err != nil {
		t.Fatalf("manual fix: %v", err)
	}
	if inc.State != models.StateFixed || inc.Attempts != 1 {
		t.Fatalf("manual fix state=%s attempts=%d, want fixed/1", inc.State, inc.Attempts)
	}
}

func TestRestartAll(t *testing.T) {
	control := newFleetControl("srv1", "srv2")
	h := newHarness(t, control, defaultHarnessOptions())

	if err := h.monitor.RestartAll(context.Background()); err != nil {
		t.Fatalf("restart all: %v", err)
	}
	if len(control.restarts) != 2 {
		t.Fatalf("restarts = %v, want both targets", control.restarts)
	}

	control.restartErr = errors.New("daemon down")
	if err := h.monitor.RestartAll(context.Background()); err == nil {
		t.Fatalf("restart failures must surface")
	}
}

func TestRebuild(t *testing.T) {
	control := newFleetControl("srv1", "srv2")
	h := newHarness(t, control, defaultHarnessOptions())

	if err := h.monitor.Rebuild(context.Background(), "srv1"); err != nil {
		t.Fatalf("rebuild one: %v", err)
	}
	if len(control.rebuilds) != 1 || control.rebuilds[0] != "srv1" {
		t.Fatalf("rebuilds = %v, want [srv1]", control.rebuilds)
	}

	control.rebuilds = nil
	if err := h.monitor.Rebuild(context.Background(), ""); err != nil {
		t.Fatalf("rebuild all: %v", err)
	}
	if len(control.rebuilds) != 2 {
		t.Fatalf("rebuilds = %v, want both targets", control.rebuilds)
	}
}

func TestCleanupReleasesQuarantine(t *testing.T) {
	control := newFleetControl("srv1")
	control.states["srv1"] = models.ContainerExited
	control.restartErr = errors.New("broken")

	opts := defaultHarnessOptions()
	opts.remedy.MaxRetryAttempts = 1
	h := newHarness(t, control, opts)

	h.monitor.RunCycle(context.Background())
	if h.classifier.ActiveCount() != 0 {
		t.Fatalf("incident should have failed terminally")
	}

	// Still broken, but quarantined: no new incident.
	h.monitor.RunCycle(context.Background())
	if h.ledger.ErrorCount() != 1 {
		t.Fatalf("quarantined pair must not reopen")
	}

	h.monitor.Cleanup()
	h.monitor.RunCycle(context.Background())
	if h.ledger.ErrorCount() != 2 {
		t.Fatalf("cleanup must allow the pair to reopen, got %d opens", h.ledger.ErrorCount())
	}
}
