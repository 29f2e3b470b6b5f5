package classifier

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fleetforge/fleet-medic/internal/catalog"
	"github.com/fleetforge/fleet-medic/internal/ledger"
	"github.com/fleetforge/fleet-medic/internal/models"
)

func newTestClassifier(t *testing.T, opts Options) (*Classifier, *ledger.Ledger) {
	t.Helper()
	cat, err := catalog.New(nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	led := ledger.New(64)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cat, led, logger, opts), led
}

func runningEvidence(target string, lines ...string) models.Evidence {
	return models.Evidence{
		Target:      target,
		LogTail:     lines,
		State:       models.ContainerRunning,
		CollectedAt: time.Now(),
	}
}

func TestObserveOpensIncident(t *testing.T) {
	c, led := newTestClassifier(t, Options{})
	now := time.Now()

	c.Observe(runningEvidence("srv1", "Error: Invalid or corrupt jarfile server.jar"), now)

	active := c.Active()
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}
	inc := active[0]
	if inc.Kind != models.KindJarCorruption || inc.Severity != models.SeverityCritical {
		t.Fatalf("got %s/%s, want jar_corruption/critical", inc.Kind, inc.Severity)
	}
	if inc.State != models.StateDetected || inc.OccurrenceCount != 1 {
		t.Fatalf("state=%s occurrences=%d, want detected/1", inc.State, inc.OccurrenceCount)
	}
	if led.ErrorCount() != 1 {
		t.Fatalf("ledger error count = %d, want 1", led.ErrorCount())
	}
}

func TestObserveDeduplicates(t *testing.T) {
	c, led := newTestClassifier(t, Options{})
	base := time.Now()

	for i := 0; i < 3; i++ {
		// Distinct lines so the cursor does not swallow repeats.
		line := "Error: Invalid or corrupt jarfile attempt " + string(rune('a'+i))
		c.Observe(runningEvidence("srv1", line), base.Add(time.Duration(i)*time.Minute))
	}

	active := c.Active()
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1 deduplicated incident", len(active))
	}
	if active[0].OccurrenceCount != 3 {
		t.Fatalf("occurrences = %d, want 3", active[0].OccurrenceCount)
	}
	if !active[0].LastSeen.After(active[0].FirstSeen) {
		t.Fatalf("LastSeen must advance on repeat matches")
	}
	if led.ErrorCount() != 1 {
		t.Fatalf("ledger counted %d opens, want 1", led.ErrorCount())
	}
}

func TestCursorSkipsOverlappingTail(t *testing.T) {
	c, _ := newTestClassifier(t, Options{})
	now := time.Now()

	c.Observe(runningEvidence("srv1",
		"[INFO] booting",
		"Error: Invalid or corrupt jarfile server.jar",
	), now)
	// Same tail again, nothing new appended.
	c.Observe(runningEvidence("srv1",
		"[INFO] booting",
		"Error: Invalid or corrupt jarfile server.jar",
	), now.Add(time.Second))

	if got := c.Active()[0].OccurrenceCount; got != 1 {
		t.Fatalf("occurrences = %d, overlapping tail must not re-count", got)
	}
}

func TestSeverityEscalation(t *testing.T) {
	c, _ := newTestClassifier(t, Options{})
	now := time.Now()

	// Memory pressure trips the resource rule at high severity.
	c.Observe(models.Evidence{
		Target:    "srv1",
		State:     models.ContainerRunning,
		Resources: models.ResourceSample{MemoryUsed: 95, MemoryLimit: 100},
	}, now)

	active := c.Active()
	if len(active) != 1 || active[0].Kind != models.KindOutOfMemory {
		t.Fatalf("expected one out_of_memory incident, got %+v", active)
	}
	if active[0].Severity != models.SeverityHigh {
		t.Fatalf("severity = %s, want high", active[0].Severity)
	}
}

func TestDistinctKindsDistinctIncidents(t *testing.T) {
	c, _ := newTestClassifier(t, Options{})
	now := time.Now()

	c.Observe(runningEvidence("srv1",
		"Error: Invalid or corrupt jarfile server.jar",
		"bind: address already in use",
	), now)
	c.Observe(runningEvidence("srv2",
		"Error: Invalid or corrupt jarfile server.jar",
	), now)

	if got := len(c.Active()); got != 3 {
		t.Fatalf("active = %d, want 3 (two kinds on srv1, one on srv2)", got)
	}
}

func TestFailedIncidentQuarantined(t *testing.T) {
	c, led := newTestClassifier(t, Options{})
	now := time.Now()

	c.Observe(runningEvidence("srv1", "Error: Invalid or corrupt jarfile one"), now)
	inc := c.Active()[0]
	inc.State = models.StateFailed
	c.Apply(inc, now)

	if got := len(c.Active()); got != 0 {
		t.Fatalf("failed incident still active: %d", got)
	}
	if got := led.Snapshot(false, nil).RecentErrors[0].State; got != models.StateFailed {
		t.Fatalf("history state = %s, retirement must record the terminal state", got)
	}

	// The same kind keeps matching but must not reopen automatically.
	c.Observe(runningEvidence("srv1", "Error: Invalid or corrupt jarfile two"), now.Add(time.Minute))
	if got := len(c.Active()); got != 0 {
		t.Fatalf("quarantined pair reopened automatically")
	}

	// A manual fix releases the quarantine with a fresh incident.
	fresh, err := c.OpenManual(models.KindJarCorruption, "srv1", now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("manual open: %v", err)
	}
	if fresh.ID == inc.ID || fresh.State != models.StateDetected {
		t.Fatalf("manual open must mint a fresh detected incident")
	}
}

func TestOpenManualRejectsUnknownKind(t *testing.T) {
	c, _ := newTestClassifier(t, Options{})
	if _, err := c.OpenManual("disk_on_fire", "srv1", time.Now()); err == nil {
		t.Fatalf("expected error for uncatalogued kind")
	}
	if _, err := c.OpenManual(models.KindJarCorruption, "", time.Now()); err == nil {
		t.Fatalf("expected error for empty target")
	}
}

func TestOpenManualReusesActiveIncident(t *testing.T) {
	c, _ := newTestClassifier(t, Options{})
	now := time.Now()

	c.Observe(runningEvidence("srv1", "Error: Invalid or corrupt jarfile x"), now)
	existing := c.Active()[0]

	reused, err := c.OpenManual(models.KindJarCorruption, "srv1", now)
	if err != nil {
		t.Fatalf("manual open: %v", err)
	}
	if reused.ID != existing.ID {
		t.Fatalf("manual fix on an active pair must reuse the incident")
	}
}

func TestActionableHonorsFallbackDelay(t *testing.T) {
	c, _ := newTestClassifier(t, Options{FallbackDelay: time.Minute})
	now := time.Now()

	c.Observe(runningEvidence("srv1", "Error: Invalid or corrupt jarfile x"), now)
	inc := c.Actionable("srv1", now)[0]

	inc.State = models.StateFallbackPending
	inc.Attempts = 1
	inc.NextStrategy = 1
	c.Apply(inc, now)

	if got := c.Actionable("srv1", now.Add(30*time.Second)); len(got) != 0 {
		t.Fatalf("incident actionable before fallback delay elapsed")
	}
	got := c.Actionable("srv1", now.Add(61*time.Second))
	if len(got) != 1 || got[0].NextStrategy != 1 {
		t.Fatalf("incident not actionable after delay: %+v", got)
	}
}

func TestCollectionFailureThreshold(t *testing.T) {
	c, _ := newTestClassifier(t, Options{CollectionFailureThreshold: 3})
	now := time.Now()
	cause := errors.New("dial tcp: connection refused")

	c.RecordCollectionFailure("srv1", cause, now)
	c.RecordCollectionFailure("srv1", cause, now)
	if got := len(c.Active()); got != 0 {
		t.Fatalf("incident raised below threshold")
	}

	c.RecordCollectionFailure("srv1", cause, now)
	active := c.Active()
	if len(active) != 1 || active[0].Kind != models.KindCollectionFailure {
		t.Fatalf("expected collection_failure incident, got %+v", active)
	}
	if active[0].Severity != models.SeverityLow {
		t.Fatalf("severity = %s, want low", active[0].Severity)
	}
}

func TestCollectionStreakResetsOnSuccess(t *testing.T) {
	c, _ := newTestClassifier(t, Options{CollectionFailureThreshold: 2})
	now := time.Now()
	cause := errors.New("timeout")

	c.RecordCollectionFailure("srv1", cause, now)
	c.Observe(runningEvidence("srv1", "[INFO] all good"), now)
	c.RecordCollectionFailure("srv1", cause, now)

	if got := len(c.Active()); got != 0 {
		t.Fatalf("streak must reset after a successful pass")
	}
}

func TestExpireStale(t *testing.T) {
	c, led := newTestClassifier(t, Options{SilencePeriod: 10 * time.Minute})
	base := time.Now()

	c.Observe(runningEvidence("srv1", "Error: Invalid or corrupt jarfile x"), base)
	c.Observe(runningEvidence("srv1", "Error: Invalid or corrupt jarfile y"), base.Add(time.Minute))

	if n := c.ExpireStale(base.Add(5 * time.Minute)); n != 0 {
		t.Fatalf("expired %d incidents before silence period", n)
	}
	if n := c.ExpireStale(base.Add(12 * time.Minute)); n != 1 {
		t.Fatalf("expired %d incidents, want 1", n)
	}
	if got := len(c.Active()); got != 0 {
		t.Fatalf("stale incident still active")
	}
	if got := led.Snapshot(false, nil).RecentErrors[0].OccurrenceCount; got != 2 {
		t.Fatalf("history occurrences = %d, retirement must record the final snapshot", got)
	}
}

func TestExpireStaleSkipsRemediating(t *testing.T) {
	c, _ := newTestClassifier(t, Options{SilencePeriod: time.Minute})
	base := time.Now()

	c.Observe(runningEvidence("srv1", "Error: Invalid or corrupt jarfile x"), base)
	inc := c.Active()[0]
	inc.State = models.StateFallbackPending
	c.Apply(inc, base)

	if n := c.ExpireStale(base.Add(time.Hour)); n != 0 {
		t.Fatalf("mid-remediation incident must not be retired")
	}
}

func TestEvidenceBounded(t *testing.T) {
	c, _ := newTestClassifier(t, Options{})
	now := time.Now()

	for i := 0; i < maxEvidenceLines+10; i++ {
		line := "Error: Invalid or corrupt jarfile run " + string(rune('A'+i))
		c.Observe(runningEvidence("srv1", line), now)
	}

	if got := len(c.Active()[0].Evidence); got != maxEvidenceLines {
		t.Fatalf("evidence length = %d, want bounded at %d", got, maxEvidenceLines)
	}
}
