package models

import "time"

// ContainerState mirrors the container-control collaborator's view of a target.
type ContainerState string

const (
	ContainerRunning    ContainerState = "running"
	ContainerExited     ContainerState = "exited"
	ContainerRestarting ContainerState = "restarting"
	ContainerMissing    ContainerState = "missing"
)

// ResourceSample is one point-in-time resource reading for a target.
type ResourceSample struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsed  int64   `json:"memory_used"`
	MemoryLimit int64   `json:"memory_limit"`
}

// MemoryRatio returns used/limit, or 0 when no limit is set.
func (r ResourceSample) MemoryRatio() float64 {
	if r.MemoryLimit <= 0 {
		return 0
	}
	return float64(r.MemoryUsed) / float64(r.MemoryLimit)
}

// Evidence is the raw material one collection pass gathers for a target.
// LogTail is ordered most-recent last.
type Evidence struct {
	Target      string         `json:"target"`
	LogTail     []string       `json:"log_tail"`
	Resources   ResourceSample `json:"resources"`
	State       ContainerState `json:"state"`
	CollectedAt time.Time      `json:"collected_at"`
}
