package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetforge/fleet-medic/internal/cache"
	"github.com/fleetforge/fleet-medic/internal/classifier"
	"github.com/fleetforge/fleet-medic/internal/collector"
	"github.com/fleetforge/fleet-medic/internal/config"
	"github.com/fleetforge/fleet-medic/internal/ledger"
	"github.com/fleetforge/fleet-medic/internal/metrics"
	"github.com/fleetforge/fleet-medic/internal/models"
	"github.com/fleetforge/fleet-medic/internal/remedy"
	"github.com/fleetforge/fleet-medic/internal/utils"
)

// collectConcurrency bounds parallel evidence collection per cycle.
const collectConcurrency = 8

// ControlAPI is the slice of the container-control collaborator the monitor
// itself needs. Evidence reads and fix actions go through the collector and
// the remediation engine.
type ControlAPI interface {
	ListTargets(ctx context.Context) ([]string, error)
	Restart(ctx context.Context, target string) error
	RebuildImage(ctx context.Context, target string) error
}

// Monitor owns the scheduled detection-and-remediation cycle and the
// operator-facing operations built on top of it.
type Monitor struct {
	control    ControlAPI
	collector  *collector.Collector
	classifier *classifier.Classifier
	engine     *remedy.Engine
	ledger     *ledger.Ledger
	logger     *slog.Logger
	latency    *utils.LatencyTracker
	cfg        config.MonitorConfig

	statusCache cache.Provider
	statusTTL   time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// statusCacheKey is where the latest snapshot is published for dashboards
// and sibling replicas.
const statusCacheKey = "fleet-medic:status"

// New assembles a Monitor. It starts stopped; call Start to begin cycles.
func New(
	control ControlAPI,
	col *collector.Collector,
	cls *classifier.Classifier,
	eng *remedy.Engine,
	led *ledger.Ledger,
	logger *slog.Logger,
	cfg config.MonitorConfig,
) *Monitor {
	return &Monitor{
		control:    control,
		collector:  col,
		classifier: cls,
		engine:     eng,
		ledger:     led,
		logger:     logger,
		latency:    utils.NewLatencyTracker(256),
		cfg:        cfg,
	}
}

// Start launches the cycle loop. Starting an already-running monitor is an
// error so operators notice double-start mistakes.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("monitoring already running")
	}

	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.run()
	m.logger.Info("monitoring started", "interval", m.cfg.Interval.String())
	return nil
}

// Stop halts the cycle loop. An in-flight cycle runs to completion and its
// results are recorded; the stop signal is only consulted between cycles.
// Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
	m.logger.Info("monitoring stopped")
}

// Running reports whether the cycle loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	// Cycles run under their own context so stopping the monitor never
	// cancels collaborator calls mid-attempt.
	m.RunCycle(context.Background())
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.RunCycle(context.Background())
		}
	}
}

// RunCycle executes one full detection-and-remediation pass: collect
// evidence for every target in parallel, classify and remediate per target
// in order, then retire incidents that went silent.
func (m *Monitor) RunCycle(ctx context.Context) {
	start := time.Now()
	cycleCtx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
	defer cancel()

	targets := m.targets(cycleCtx)
	if len(targets) == 0 {
		m.logger.Debug("no targets to monitor")
		return
	}

	evidence := make([]*models.Evidence, len(targets))
	var g errgroup.Group
	g.SetLimit(collectConcurrency)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			ev, err := m.collector.Collect(cycleCtx, target)
			if err != nil {
				m.logger.Warn("evidence collection failed", "target", target, "error", err)
				m.classifier.RecordCollectionFailure(target, err, time.Now())
				return nil
			}
			evidence[i] = &ev
			return nil
		})
	}
	_ = g.Wait()

	for i, target := range targets {
		if cycleCtx.Err() != nil {
			break
		}
		if evidence[i] != nil {
			m.classifier.Observe(*evidence[i], time.Now())
		}
		for _, inc := range m.classifier.Actionable(target, time.Now()) {
			m.engine.Remediate(cycleCtx, inc, time.Now())
		}
	}

	m.classifier.ExpireStale(time.Now())

	elapsed := time.Since(start)
	m.latency.Observe(elapsed)
	metrics.ObserveCycle(elapsed)
	metrics.SetActiveIncidents(m.classifier.ActiveCount())
	m.ledger.MarkCycle(time.Now())
	m.publishStatus(cycleCtx)

	m.logger.Debug("cycle complete",
		"targets", len(targets),
		"active_incidents", m.classifier.ActiveCount(),
		"elapsed", elapsed.String(),
		"p95", m.latency.Percentile(95).String())
}

// targets asks the collaborator for the managed fleet, falling back to the
// configured static list when the listing is empty or unavailable.
func (m *Monitor) targets(ctx context.Context) []string {
	targets, err := m.control.ListTargets(ctx)
	if err != nil {
		m.logger.Warn("target listing unavailable, using configured targets", "error", err)
		return m.cfg.Targets
	}
	if len(targets) == 0 {
		return m.cfg.Targets
	}
	return targets
}

// ManualFix opens (or reuses) an incident for the requested kind and target
// and runs one remediation step immediately.
func (m *Monitor) ManualFix(ctx context.Context, req models.ManualFixRequest) (models.Incident, error) {
	inc, err := m.classifier.OpenManual(req.Kind, req.Target, time.Now())
	if err != nil {
		return models.Incident{}, err
	}
	return m.engine.Remediate(ctx, inc, time.Now()), nil
}

// RestartAll restarts every managed target, continuing past individual
// failures and reporting them together.
func (m *Monitor) RestartAll(ctx context.Context) error {
	targets := m.targets(ctx)
	if len(targets) == 0 {
		return errors.New("no targets to restart")
	}

	var errs []error
	for _, target := range targets {
		if err := m.control.Restart(ctx, target); err != nil {
			errs = append(errs, fmt.Errorf("restart %s: %w", target, err))
			continue
		}
		m.logger.Info("target restarted", "target", target)
	}
	return errors.Join(errs...)
}

// Rebuild rebuilds one target's image, or every target's when target is
// empty.
func (m *Monitor) Rebuild(ctx context.Context, target string) error {
	if target != "" {
		return m.control.RebuildImage(ctx, target)
	}

	targets := m.targets(ctx)
	if len(targets) == 0 {
		return errors.New("no targets to rebuild")
	}
	var errs []error
	for _, t := range targets {
		if err := m.control.RebuildImage(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("rebuild %s: %w", t, err))
			continue
		}
		m.logger.Info("image rebuilt", "target", t)
	}
	return errors.Join(errs...)
}

// Cleanup drops classification bookkeeping (quarantines, failure streaks,
// log cursors) so the next cycle starts from a clean slate.
func (m *Monitor) Cleanup() {
	m.classifier.Cleanup()
	m.logger.Info("classification state cleaned")
}

// Status returns the current status snapshot.
func (m *Monitor) Status() models.StatusSnapshot {
	return m.ledger.Snapshot(m.Running(), m.classifier.Active())
}

// PublishStatus makes the monitor write each cycle's snapshot to the cache
// so dashboards and sibling replicas can read it without hitting the API.
func (m *Monitor) PublishStatus(provider cache.Provider, ttl time.Duration) {
	m.statusCache = provider
	m.statusTTL = ttl
}

func (m *Monitor) publishStatus(ctx context.Context) {
	if m.statusCache == nil {
		return
	}
	data, err := json.Marshal(m.Status())
	if err != nil {
		m.logger.Warn("marshal status snapshot", "error", err)
		return
	}
	if err := m.statusCache.Set(ctx, statusCacheKey, data, m.statusTTL); err != nil {
		m.logger.Warn("publish status snapshot", "error", err)
	}
}
