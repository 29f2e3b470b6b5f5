package remedy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetforge/fleet-medic/internal/cache"
	"github.com/fleetforge/fleet-medic/internal/catalog"
	"github.com/fleetforge/fleet-medic/internal/classifier"
	"github.com/fleetforge/fleet-medic/internal/config"
	"github.com/fleetforge/fleet-medic/internal/ledger"
	"github.com/fleetforge/fleet-medic/internal/metrics"
	"github.com/fleetforge/fleet-medic/internal/models"
)

// defaultMemoryLimit is applied when a target has no limit to raise from.
const defaultMemoryLimit = 2 << 30

// ControlAPI is the slice of the container-control collaborator the engine
// drives. Execution of every strategy is delegated; the engine only decides
// what to run and when.
type ControlAPI interface {
	State(ctx context.Context, target string) (models.ContainerState, error)
	Stats(ctx context.Context, target string) (models.ResourceSample, error)
	Restart(ctx context.Context, target string) error
	Recreate(ctx context.Context, target string) error
	RebuildImage(ctx context.Context, target string) error
	SetResourceLimits(ctx context.Context, target string, memoryBytes int64) error
	ReassignPort(ctx context.Context, target string) error
	FixPermissions(ctx context.Context, target string) error
	RedownloadBinary(ctx context.Context, target string) error
	ProbeNetwork(ctx context.Context, target string) error
	Snapshot(ctx context.Context, target string) error
}

// Notifier publishes incident lifecycle events. Failures are best-effort.
type Notifier interface {
	NotifyIncident(ctx context.Context, event string, incident models.Incident)
}

// Engine runs the remediation state machine. One call to Remediate executes
// at most one strategy attempt; the classifier decides when the incident is
// eligible for the next step.
type Engine struct {
	control    ControlAPI
	catalog    *catalog.Catalog
	classifier *classifier.Classifier
	ledger     *ledger.Ledger
	locks      cache.Provider
	notifier   Notifier
	logger     *slog.Logger
	cfg        config.RemedyConfig
	lockTTL    time.Duration

	// localMu guards localLocks. The per-target mutex serializes manual and
	// scheduled attempts within this process; the cache SetNX lock only
	// fences sibling replicas.
	localMu    sync.Mutex
	localLocks map[string]*sync.Mutex
}

// New assembles a remediation engine.
func New(
	control ControlAPI,
	cat *catalog.Catalog,
	cls *classifier.Classifier,
	led *ledger.Ledger,
	locks cache.Provider,
	notifier Notifier,
	logger *slog.Logger,
	cfg config.RemedyConfig,
	lockTTL time.Duration,
) *Engine {
	if locks == nil {
		locks = cache.NoopProvider{}
	}
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Engine{
		control:    control,
		catalog:    cat,
		classifier: cls,
		ledger:     led,
		locks:      locks,
		notifier:   notifier,
		logger:     logger,
		cfg:        cfg,
		lockTTL:    lockTTL,
		localLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) localLock(target string) *sync.Mutex {
	e.localMu.Lock()
	defer e.localMu.Unlock()

	l, ok := e.localLocks[target]
	if !ok {
		l = &sync.Mutex{}
		e.localLocks[target] = l
	}
	return l
}

// Remediate drives the incident's state machine. With no fallback delay
// configured, failed attempts roll straight into the next strategy within
// the same call; otherwise the incident parks in fallback_pending and a
// later cycle picks it up. The returned incident reflects the final state.
func (e *Engine) Remediate(ctx context.Context, inc models.Incident, now time.Time) models.Incident {
	for {
		next := e.attemptOnce(ctx, inc, now)
		if next.State != models.StateFallbackPending || e.cfg.FallbackDelay > 0 {
			return next
		}
		if next.Attempts == inc.Attempts && next.NextStrategy == inc.NextStrategy {
			// No progress was made (lock contention); leave it for later.
			return next
		}
		inc = next
	}
}

// attemptOnce executes at most one strategy attempt and writes the
// resulting transition back to the classifier.
func (e *Engine) attemptOnce(ctx context.Context, inc models.Incident, now time.Time) models.Incident {
	if inc.State != models.StateDetected && inc.State != models.StateFallbackPending {
		return inc
	}

	lock := e.localLock(inc.Target)
	lock.Lock()
	defer lock.Unlock()

	// The caller's clone may be stale if another goroutine remediated the
	// target while we waited for the lock. Work on the live incident, and
	// stand down if it was concluded in the meantime.
	current, ok := e.classifier.Refresh(inc)
	if !ok {
		return inc
	}
	inc = current
	if inc.State != models.StateDetected && inc.State != models.StateFallbackPending {
		return inc
	}

	strategies := e.catalog.Strategies(inc.Kind)
	if inc.NextStrategy >= len(strategies) || inc.Attempts >= e.cfg.MaxRetryAttempts {
		return e.conclude(ctx, inc, now)
	}

	// Skip past strategies the configuration forbids. Each skip is audited
	// as a failed attempt but does not consume the retry budget.
	var strategy models.StrategyRef
	for {
		strategy = strategies[inc.NextStrategy]
		ok, reason := e.strategyEnabled(strategy)
		if ok {
			break
		}
		e.ledger.RecordAttempt(models.FixAttempt{
			ID:         uuid.NewString(),
			IncidentID: inc.ID,
			Target:     inc.Target,
			Kind:       inc.Kind,
			Strategy:   strategy,
			StartedAt:  now,
			Outcome:    models.OutcomeFailure,
			Detail:     reason,
		})
		metrics.CountFixAttempt(strategy, models.OutcomeFailure)
		e.logger.Warn("fix strategy skipped",
			"incident_id", inc.ID,
			"target", inc.Target,
			"strategy", strategy,
			"detail", reason)
		inc.NextStrategy++
		if inc.NextStrategy >= len(strategies) {
			return e.conclude(ctx, inc, now)
		}
	}

	lockKey := "fleet-medic:lock:" + inc.Target
	acquired, err := e.locks.SetNX(ctx, lockKey, []byte(inc.ID), e.lockTTL)
	if err != nil {
		e.logger.Warn("remediation lock unavailable",
			"target", inc.Target, "error", err)
		return inc
	}
	if !acquired {
		e.logger.Info("target already under remediation elsewhere",
			"target", inc.Target, "incident_id", inc.ID)
		return inc
	}
	defer func() {
		if err := e.locks.Del(context.WithoutCancel(ctx), lockKey); err != nil {
			e.logger.Warn("release remediation lock", "target", inc.Target, "error", err)
		}
	}()

	inc.State = models.StateFixing
	inc.Attempts++

	attempt := models.FixAttempt{
		ID:         uuid.NewString(),
		IncidentID: inc.ID,
		Target:     inc.Target,
		Kind:       inc.Kind,
		Strategy:   strategy,
		StartedAt:  now,
	}

	e.logger.Info("executing fix strategy",
		"incident_id", inc.ID,
		"target", inc.Target,
		"kind", inc.Kind,
		"strategy", strategy,
		"attempt", inc.Attempts)

	e.backup(ctx, inc.Target, strategy)

	actionCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	err = e.execute(actionCtx, strategy, inc.Target)
	cancel()

	attempt.Duration = time.Since(now)
	switch {
	case err == nil:
		if verr := e.verify(ctx, inc.Target); verr != nil {
			attempt.Outcome = models.OutcomeFailure
			attempt.Detail = fmt.Sprintf("action completed but verification failed: %v", verr)
		} else {
			attempt.Outcome = models.OutcomeSuccess
			attempt.Detail = "target healthy after " + string(strategy)
		}
	case errors.Is(err, context.DeadlineExceeded):
		attempt.Outcome = models.OutcomeTimeout
		attempt.Detail = fmt.Sprintf("strategy exceeded %s", e.cfg.ActionTimeout)
	default:
		attempt.Outcome = models.OutcomeFailure
		attempt.Detail = err.Error()
	}

	return e.finish(ctx, inc, attempt, len(strategies), now)
}

// finish records the attempt and applies the state transition.
func (e *Engine) finish(ctx context.Context, inc models.Incident, attempt models.FixAttempt, strategyCount int, now time.Time) models.Incident {
	e.ledger.RecordAttempt(attempt)
	metrics.CountFixAttempt(attempt.Strategy, attempt.Outcome)

	if attempt.Outcome == models.OutcomeSuccess {
		inc.State = models.StateFixed
		e.logger.Info("incident fixed",
			"incident_id", inc.ID,
			"target", inc.Target,
			"strategy", attempt.Strategy,
			"attempts", inc.Attempts)
		e.notify(ctx, "incident_fixed", inc)
		e.classifier.Apply(inc, now)
		return inc
	}

	e.logger.Warn("fix strategy did not resolve the incident",
		"incident_id", inc.ID,
		"target", inc.Target,
		"strategy", attempt.Strategy,
		"outcome", attempt.Outcome,
		"detail", attempt.Detail)

	inc.NextStrategy++
	if inc.Attempts >= e.cfg.MaxRetryAttempts || inc.NextStrategy >= strategyCount {
		return e.conclude(ctx, inc, now)
	}

	inc.State = models.StateFallbackPending
	e.classifier.Apply(inc, now)
	return inc
}

// conclude marks the incident failed once retries or strategies run out.
func (e *Engine) conclude(ctx context.Context, inc models.Incident, now time.Time) models.Incident {
	inc.State = models.StateFailed
	e.notify(ctx, "incident_failed", inc)
	e.classifier.Apply(inc, now)
	return inc
}

// strategyEnabled checks the configuration gates for a strategy.
func (e *Engine) strategyEnabled(s models.StrategyRef) (bool, string) {
	switch s.Category() {
	case models.CategoryFile:
		if !e.cfg.EnableFileOperations {
			return false, "file operations disabled by configuration"
		}
	case models.CategoryNetwork:
		if !e.cfg.EnableNetworkChecks {
			return false, "network checks disabled by configuration"
		}
	default:
		if !e.cfg.EnableDockerCommands {
			return false, "docker commands disabled by configuration"
		}
	}

	switch s {
	case models.StrategyRestartContainer:
		if !e.cfg.AutoRestartContainers {
			return false, "automatic container restarts disabled by configuration"
		}
	case models.StrategyRebuildImage:
		if !e.cfg.AutoRebuildImages {
			return false, "automatic image rebuilds disabled by configuration"
		}
	}
	return true, ""
}

// backup snapshots the target's volume ahead of a destructive strategy. A
// failed snapshot is logged and remediation proceeds.
func (e *Engine) backup(ctx context.Context, target string, strategy models.StrategyRef) {
	if !e.cfg.BackupBeforeFix || !strategy.Destructive() || !e.cfg.EnableFileOperations {
		return
	}
	snapCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	defer cancel()
	if err := e.control.Snapshot(snapCtx, target); err != nil {
		e.logger.Warn("pre-fix snapshot failed, continuing",
			"target", target, "strategy", strategy, "error", err)
	}
}

// execute dispatches one strategy to the collaborator.
func (e *Engine) execute(ctx context.Context, strategy models.StrategyRef, target string) error {
	switch strategy {
	case models.StrategyRedownloadBinary:
		if err := e.control.RedownloadBinary(ctx, target); err != nil {
			return err
		}
		// Restart so the repaired binary is actually loaded.
		return e.control.Restart(ctx, target)
	case models.StrategyRestartContainer:
		return e.control.Restart(ctx, target)
	case models.StrategyRecreateContainer:
		return e.control.Recreate(ctx, target)
	case models.StrategyRebuildImage:
		return e.control.RebuildImage(ctx, target)
	case models.StrategyRaiseMemoryLimit:
		return e.raiseMemoryLimit(ctx, target)
	case models.StrategyReassignPort:
		return e.control.ReassignPort(ctx, target)
	case models.StrategyFixPermissions:
		if err := e.control.FixPermissions(ctx, target); err != nil {
			return err
		}
		return e.control.Restart(ctx, target)
	case models.StrategyProbeNetwork:
		return e.control.ProbeNetwork(ctx, target)
	case models.StrategySnapshotState:
		return e.control.Snapshot(ctx, target)
	default:
		return fmt.Errorf("no executor for strategy %q", strategy)
	}
}

// raiseMemoryLimit grows the target's memory limit by half, restarting to
// apply it.
func (e *Engine) raiseMemoryLimit(ctx context.Context, target string) error {
	newLimit := int64(defaultMemoryLimit)
	if sample, err := e.control.Stats(ctx, target); err == nil && sample.MemoryLimit > 0 {
		newLimit = sample.MemoryLimit + sample.MemoryLimit/2
	}
	if err := e.control.SetResourceLimits(ctx, target, newLimit); err != nil {
		return err
	}
	return e.control.Restart(ctx, target)
}

// verify waits out the grace period and confirms the target is running.
func (e *Engine) verify(ctx context.Context, target string) error {
	if e.cfg.GracePeriod > 0 {
		timer := time.NewTimer(e.cfg.GracePeriod)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	stateCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	defer cancel()
	state, err := e.control.State(stateCtx, target)
	if err != nil {
		return err
	}
	if state != models.ContainerRunning {
		return fmt.Errorf("target is %s after fix", state)
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, event string, inc models.Incident) {
	if e.notifier == nil {
		return
	}
	e.notifier.NotifyIncident(ctx, event, inc)
}
