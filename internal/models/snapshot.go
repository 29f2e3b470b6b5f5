package models

import "time"

// StatusSnapshot is the read-only view served to the external dashboard.
type StatusSnapshot struct {
	Monitoring      bool         `json:"monitoring"`
	ErrorCount      uint64       `json:"error_count"`
	FixCount        uint64       `json:"fix_count"`
	ActiveIncidents []Incident   `json:"active_incidents"`
	RecentErrors    []Incident   `json:"recent_errors"`
	RecentFixes     []FixAttempt `json:"recent_fixes"`
	LastCycle       time.Time    `json:"last_cycle"`
}

// ManualFixRequest asks the engine to open and remediate a fresh incident
// outside the scheduled cycle.
type ManualFixRequest struct {
	Kind   ErrorKind `json:"error_kind"`
	Target string    `json:"target"`
}
