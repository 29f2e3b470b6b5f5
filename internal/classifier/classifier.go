package classifier

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetforge/fleet-medic/internal/catalog"
	"github.com/fleetforge/fleet-medic/internal/ledger"
	"github.com/fleetforge/fleet-medic/internal/metrics"
	"github.com/fleetforge/fleet-medic/internal/models"
)

// maxEvidenceLines bounds how many matched fragments one incident retains.
const maxEvidenceLines = 20

// Options tunes classification behaviour.
type Options struct {
	// SilencePeriod retires an incident that has not re-matched for this long.
	SilencePeriod time.Duration
	// CollectionFailureThreshold is how many consecutive failed collection
	// passes one target tolerates before an incident is raised.
	CollectionFailureThreshold int
	// FallbackDelay postpones the next strategy after a failed attempt.
	FallbackDelay time.Duration
}

type incidentKey struct {
	target string
	kind   models.ErrorKind
}

// Classifier turns raw evidence into deduplicated incidents. It owns the
// active incident table: at most one non-terminal incident exists per
// (target, kind) pair, and a pair that ended in failure stays quarantined
// until a manual fix or cleanup reopens it.
type Classifier struct {
	catalog *catalog.Catalog
	ledger  *ledger.Ledger
	logger  *slog.Logger
	opts    Options

	mu            sync.Mutex
	active        map[incidentKey]*models.Incident
	failed        map[incidentKey]time.Time
	fallbackAfter map[incidentKey]time.Time
	// cursor remembers the last log line processed per target so overlapping
	// tails between cycles are not classified twice.
	cursor      map[string]string
	failStreaks map[string]int
}

// New creates a Classifier over the given catalogue and ledger.
func New(cat *catalog.Catalog, led *ledger.Ledger, logger *slog.Logger, opts Options) *Classifier {
	if opts.CollectionFailureThreshold <= 0 {
		opts.CollectionFailureThreshold = 3
	}
	return &Classifier{
		catalog:       cat,
		ledger:        led,
		logger:        logger,
		opts:          opts,
		active:        make(map[incidentKey]*models.Incident),
		failed:        make(map[incidentKey]time.Time),
		fallbackAfter: make(map[incidentKey]time.Time),
		cursor:        make(map[string]string),
		failStreaks:   make(map[string]int),
	}
}

// Observe classifies one collection pass for a target. Matching evidence
// opens new incidents or folds into existing ones; a successful pass resets
// the target's collection failure streak.
func (c *Classifier) Observe(ev models.Evidence, now time.Time) {
	matches := c.match(ev)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.failStreaks[ev.Target] = 0
	for _, m := range matches {
		c.record(ev.Target, m, now)
	}
}

// match evaluates the catalogue outside the lock; regex work can be slow.
func (c *Classifier) match(ev models.Evidence) []catalog.Match {
	var matches []catalog.Match

	lines := ev.LogTail
	c.mu.Lock()
	if last := c.cursor[ev.Target]; last != "" {
		for i := len(lines) - 1; i >= 0; i-- {
			if lines[i] == last {
				lines = lines[i+1:]
				break
			}
		}
	}
	if len(ev.LogTail) > 0 {
		c.cursor[ev.Target] = ev.LogTail[len(ev.LogTail)-1]
	}
	c.mu.Unlock()

	for _, line := range lines {
		matches = append(matches, c.catalog.Lookup(line)...)
	}
	matches = append(matches, c.catalog.LookupResources(ev.Resources)...)
	matches = append(matches, c.catalog.LookupState(ev.State)...)
	return matches
}

// record folds one match into the incident table. Caller holds the lock.
func (c *Classifier) record(target string, m catalog.Match, now time.Time) {
	k := incidentKey{target: target, kind: m.Kind}

	if _, quarantined := c.failed[k]; quarantined {
		return
	}

	if inc, ok := c.active[k]; ok {
		inc.LastSeen = now
		inc.OccurrenceCount++
		inc.Severity = models.MaxSeverity(inc.Severity, m.Severity)
		inc.Evidence = appendEvidence(inc.Evidence, m.Span)
		return
	}

	inc := &models.Incident{
		ID:              uuid.NewString(),
		Kind:            m.Kind,
		Severity:        m.Severity,
		Target:          target,
		Evidence:        []string{m.Span},
		FirstSeen:       now,
		LastSeen:        now,
		OccurrenceCount: 1,
		State:           models.StateDetected,
	}
	c.active[k] = inc
	c.ledger.RecordError(*inc)
	metrics.CountIncident(m.Kind)
	c.logger.Warn("incident opened",
		"incident_id", inc.ID,
		"target", target,
		"kind", m.Kind,
		"severity", m.Severity)
}

// RecordCollectionFailure notes that evidence could not be gathered for a
// target. Once the consecutive streak crosses the threshold a low-severity
// incident is raised so the outage itself becomes visible.
func (c *Classifier) RecordCollectionFailure(target string, cause error, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failStreaks[target]++
	if c.failStreaks[target] < c.opts.CollectionFailureThreshold {
		return
	}
	c.failStreaks[target] = 0
	c.record(target, catalog.Match{
		Kind:     models.KindCollectionFailure,
		Severity: models.SeverityLow,
		Span:     fmt.Sprintf("evidence collection failed repeatedly: %v", cause),
	}, now)
}

// Actionable returns copies of the target's incidents that are ready for a
// remediation step: freshly detected, or past their fallback delay.
func (c *Classifier) Actionable(target string, now time.Time) []models.Incident {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.Incident
	for k, inc := range c.active {
		if k.target != target {
			continue
		}
		switch inc.State {
		case models.StateDetected:
			out = append(out, inc.Clone())
		case models.StateFallbackPending:
			if !now.Before(c.fallbackAfter[k]) {
				out = append(out, inc.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Refresh returns the live copy of an incident if it is still active under
// the same ID. Callers that held a clone across a wait use it to pick up
// transitions applied in the meantime.
func (c *Classifier) Refresh(inc models.Incident) (models.Incident, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.active[incidentKey{target: inc.Target, kind: inc.Kind}]
	if !ok || current.ID != inc.ID {
		return models.Incident{}, false
	}
	return current.Clone(), true
}

// Apply writes back an incident mutated by the remediation engine. Terminal
// incidents leave the active table; failures are quarantined so the same
// (target, kind) pair is not reopened until a manual fix or cleanup.
func (c *Classifier) Apply(inc models.Incident, now time.Time) {
	k := incidentKey{target: inc.Target, kind: inc.Kind}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.active[k]
	if !ok || current.ID != inc.ID {
		return
	}

	*current = inc
	switch inc.State {
	case models.StateFallbackPending:
		c.fallbackAfter[k] = now.Add(c.opts.FallbackDelay)
	case models.StateFixed:
		delete(c.active, k)
		delete(c.fallbackAfter, k)
		c.ledger.UpdateError(inc)
	case models.StateFailed:
		delete(c.active, k)
		delete(c.fallbackAfter, k)
		c.failed[k] = now
		c.ledger.UpdateError(inc)
		c.logger.Error("incident exhausted all strategies",
			"incident_id", inc.ID,
			"target", inc.Target,
			"kind", inc.Kind,
			"attempts", inc.Attempts)
	}
}

// OpenManual creates or reuses an incident for an operator-triggered fix.
// The kind must be catalogued. A quarantined (target, kind) pair is released
// and reopened with a fresh incident.
func (c *Classifier) OpenManual(kind models.ErrorKind, target string, now time.Time) (models.Incident, error) {
	if !c.catalog.Known(kind) {
		return models.Incident{}, fmt.Errorf("unknown error kind %q", kind)
	}
	if target == "" {
		return models.Incident{}, fmt.Errorf("target is required")
	}

	k := incidentKey{target: target, kind: kind}

	c.mu.Lock()
	defer c.mu.Unlock()

	if inc, ok := c.active[k]; ok {
		if inc.State == models.StateFallbackPending {
			// Skip the remaining delay; the operator asked for action now.
			c.fallbackAfter[k] = now
		}
		return inc.Clone(), nil
	}

	delete(c.failed, k)
	inc := &models.Incident{
		ID:              uuid.NewString(),
		Kind:            kind,
		Severity:        models.SeverityMedium,
		Target:          target,
		Evidence:        []string{"manual fix requested"},
		FirstSeen:       now,
		LastSeen:        now,
		OccurrenceCount: 1,
		State:           models.StateDetected,
	}
	c.active[k] = inc
	c.ledger.RecordError(*inc)
	metrics.CountIncident(kind)
	c.logger.Info("manual incident opened",
		"incident_id", inc.ID, "target", target, "kind", kind)
	return inc.Clone(), nil
}

// ExpireStale retires detected incidents whose evidence dried up for longer
// than the silence period. Incidents mid-remediation are left alone.
func (c *Classifier) ExpireStale(now time.Time) int {
	if c.opts.SilencePeriod <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for k, inc := range c.active {
		if inc.State != models.StateDetected {
			continue
		}
		if now.Sub(inc.LastSeen) < c.opts.SilencePeriod {
			continue
		}
		delete(c.active, k)
		c.ledger.UpdateError(*inc)
		expired++
		c.logger.Info("incident retired after silence",
			"incident_id", inc.ID,
			"target", inc.Target,
			"kind", inc.Kind,
			"silent_for", now.Sub(inc.LastSeen).String())
	}
	return expired
}

// Active returns clones of all non-terminal incidents, ordered by target
// then kind for stable output.
func (c *Classifier) Active() []models.Incident {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.Incident, 0, len(c.active))
	for _, inc := range c.active {
		out = append(out, inc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// ActiveCount returns the size of the active table.
func (c *Classifier) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Cleanup drops quarantine markers, failure streaks, and log cursors. Active
// incidents are kept; the next cycle re-evaluates everything from scratch.
func (c *Classifier) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failed = make(map[incidentKey]time.Time)
	c.failStreaks = make(map[string]int)
	c.cursor = make(map[string]string)
}

func appendEvidence(evidence []string, span string) []string {
	evidence = append(evidence, span)
	if len(evidence) > maxEvidenceLines {
		evidence = evidence[len(evidence)-maxEvidenceLines:]
	}
	return evidence
}
