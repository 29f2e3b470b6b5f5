package ledger

import (
	"sync"
	"time"

	"github.com/fleetforge/fleet-medic/internal/models"
)

// Ledger keeps the bounded remediation history behind the status endpoint.
// Recent errors and fixes are rings: once capacity is reached the oldest
// entry is dropped. The lifetime counters are monotonic and survive ring
// eviction.
type Ledger struct {
	mu        sync.Mutex
	capacity  int
	errors    []models.Incident
	fixes     []models.FixAttempt
	errorOps  uint64
	fixOps    uint64
	lastCycle time.Time
}

// New creates a Ledger retaining up to capacity recent errors and fixes.
func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ledger{
		capacity: capacity,
		errors:   make([]models.Incident, 0, capacity),
		fixes:    make([]models.FixAttempt, 0, capacity),
	}
}

// RecordError registers a newly opened incident.
func (l *Ledger) RecordError(incident models.Incident) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errorOps++
	l.errors = append(l.errors, incident.Clone())
	if len(l.errors) > l.capacity {
		l.errors = l.errors[len(l.errors)-l.capacity:]
	}
}

// UpdateError writes an incident's final snapshot back into the history
// ring so retired entries show their terminal state and occurrence counts.
// An incident already evicted from the ring is appended again.
func (l *Ledger) UpdateError(incident models.Incident) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.errors {
		if l.errors[i].ID == incident.ID {
			l.errors[i] = incident.Clone()
			return
		}
	}
	l.errors = append(l.errors, incident.Clone())
	if len(l.errors) > l.capacity {
		l.errors = l.errors[len(l.errors)-l.capacity:]
	}
}

// RecordAttempt appends one fix attempt to the audit ring. Only successful
// attempts advance the lifetime fix counter.
func (l *Ledger) RecordAttempt(attempt models.FixAttempt) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if attempt.Outcome == models.OutcomeSuccess {
		l.fixOps++
	}
	l.fixes = append(l.fixes, attempt)
	if len(l.fixes) > l.capacity {
		l.fixes = l.fixes[len(l.fixes)-l.capacity:]
	}
}

// MarkCycle records the completion time of the latest monitoring cycle.
func (l *Ledger) MarkCycle(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastCycle = t
}

// ErrorCount returns the lifetime number of opened incidents.
func (l *Ledger) ErrorCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errorOps
}

// FixCount returns the lifetime number of successful fixes.
func (l *Ledger) FixCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fixOps
}

// Snapshot assembles the status view. The caller supplies the monitoring
// flag and the current active incidents; the ledger contributes history and
// counters. Returned slices are copies.
func (l *Ledger) Snapshot(monitoring bool, active []models.Incident) models.StatusSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	recentErrors := make([]models.Incident, 0, len(l.errors))
	for _, inc := range l.errors {
		recentErrors = append(recentErrors, inc.Clone())
	}
	recentFixes := append([]models.FixAttempt(nil), l.fixes...)

	return models.StatusSnapshot{
		Monitoring:      monitoring,
		ErrorCount:      l.errorOps,
		FixCount:        l.fixOps,
		ActiveIncidents: active,
		RecentErrors:    recentErrors,
		RecentFixes:     recentFixes,
		LastCycle:       l.lastCycle,
	}
}
