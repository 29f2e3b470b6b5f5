package models

// StrategyRef identifies one remediation action. Execution is delegated to
// the container-control collaborator; the engine switches on the ref.
type StrategyRef string

const (
	StrategyRedownloadBinary  StrategyRef = "redownload-binary"
	StrategyRestartContainer  StrategyRef = "restart-container"
	StrategyRecreateContainer StrategyRef = "recreate-container"
	StrategyRebuildImage      StrategyRef = "rebuild-image"
	StrategyRaiseMemoryLimit  StrategyRef = "raise-memory-limit"
	StrategyReassignPort      StrategyRef = "reassign-port"
	StrategyFixPermissions    StrategyRef = "fix-permissions"
	StrategyProbeNetwork      StrategyRef = "probe-network"
	StrategySnapshotState     StrategyRef = "snapshot-state"
)

// ActionCategory groups strategies for configuration gating.
type ActionCategory string

const (
	CategoryDocker  ActionCategory = "docker"
	CategoryFile    ActionCategory = "file"
	CategoryNetwork ActionCategory = "network"
)

// Category returns the configuration gate governing the strategy.
func (s StrategyRef) Category() ActionCategory {
	switch s {
	case StrategyRedownloadBinary, StrategyFixPermissions, StrategySnapshotState:
		return CategoryFile
	case StrategyProbeNetwork:
		return CategoryNetwork
	default:
		return CategoryDocker
	}
}

// Destructive reports whether the strategy discards container state, which
// triggers the pre-fix backup policy.
func (s StrategyRef) Destructive() bool {
	return s == StrategyRecreateContainer || s == StrategyRebuildImage
}
