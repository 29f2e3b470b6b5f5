package models

import "time"

// ErrorKind enumerates the catalogued operational failure classes.
type ErrorKind string

const (
	KindJarCorruption       ErrorKind = "jar_corruption"
	KindJavaVersionMismatch ErrorKind = "java_version_mismatch"
	KindContainerCrash      ErrorKind = "container_crash"
	KindOutOfMemory         ErrorKind = "out_of_memory"
	KindPortConflict        ErrorKind = "port_conflict"
	KindPermissionDenied    ErrorKind = "permission_denied"
	KindNetworkUnreachable  ErrorKind = "network_unreachable"
	KindDownloadFailure     ErrorKind = "download_failure"
	KindCollectionFailure   ErrorKind = "collection_failure"
)

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so escalation can pick the maximum. Unknown values
// rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// IncidentState tracks an incident through the remediation state machine.
type IncidentState string

const (
	StateDetected        IncidentState = "detected"
	StateFixing          IncidentState = "fixing"
	StateFixed           IncidentState = "fixed"
	StateFallbackPending IncidentState = "fallback_pending"
	StateFailed          IncidentState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s IncidentState) Terminal() bool {
	return s == StateFixed || s == StateFailed
}

// Incident is a deduplicated, ongoing occurrence of one error kind on one
// target. At most one non-terminal Incident exists per (target, kind) pair.
type Incident struct {
	ID              string        `json:"id"`
	Kind            ErrorKind     `json:"kind"`
	Severity        Severity      `json:"severity"`
	Target          string        `json:"target"`
	Evidence        []string      `json:"evidence"`
	FirstSeen       time.Time     `json:"first_seen"`
	LastSeen        time.Time     `json:"last_seen"`
	OccurrenceCount int           `json:"occurrence_count"`
	State           IncidentState `json:"state"`

	// Attempts counts executed fix strategies; it never exceeds the
	// configured retry limit. NextStrategy indexes into the catalogue's
	// ordered strategy list for Kind.
	Attempts     int `json:"attempts"`
	NextStrategy int `json:"-"`
}

// Clone returns a deep copy safe to hand to snapshot readers.
func (i Incident) Clone() Incident {
	out := i
	out.Evidence = append([]string(nil), i.Evidence...)
	return out
}

// AttemptOutcome labels the result of one fix attempt.
type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeFailure AttemptOutcome = "failure"
	OutcomeTimeout AttemptOutcome = "timeout"
)

// FixAttempt is the append-only audit record of one strategy execution.
type FixAttempt struct {
	ID         string         `json:"id"`
	IncidentID string         `json:"incident_id"`
	Target     string         `json:"target"`
	Kind       ErrorKind      `json:"kind"`
	Strategy   StrategyRef    `json:"strategy"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
	Outcome    AttemptOutcome `json:"outcome"`
	Detail     string         `json:"detail"`
}
