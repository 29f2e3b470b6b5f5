package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetforge/fleet-medic/internal/models"
	"github.com/fleetforge/fleet-medic/internal/utils"
)

// ControlAPI is the read-only slice of the container-control collaborator
// the collector needs.
type ControlAPI interface {
	State(ctx context.Context, target string) (models.ContainerState, error)
	TailLogs(ctx context.Context, target string, n int) ([]string, error)
	Stats(ctx context.Context, target string) (models.ResourceSample, error)
}

// Collector gathers one evidence bundle per target per cycle: lifecycle
// state, a bounded log tail, and a resource sample.
type Collector struct {
	control   ControlAPI
	logger    *slog.Logger
	tailLines int
}

// New creates a Collector pulling up to tailLines log lines per pass.
func New(control ControlAPI, logger *slog.Logger, tailLines int) *Collector {
	if tailLines <= 0 {
		tailLines = 200
	}
	return &Collector{control: control, logger: logger, tailLines: tailLines}
}

// Collect gathers evidence for one target. The lifecycle state is
// authoritative: when the container is not running, missing logs or stats
// are expected and the partial bundle is still returned. When the container
// claims to be running, a failed log or stats read fails the whole pass.
func (c *Collector) Collect(ctx context.Context, target string) (models.Evidence, error) {
	ev := models.Evidence{Target: target, CollectedAt: time.Now()}

	state, err := c.control.State(ctx, target)
	if err != nil {
		return models.Evidence{}, utils.NewAppError("collect", target, err)
	}
	ev.State = state

	lines, err := c.control.TailLogs(ctx, target, c.tailLines)
	if err != nil {
		if state == models.ContainerRunning {
			return models.Evidence{}, utils.NewAppError("collect", target, err)
		}
		c.logger.Debug("log tail unavailable for stopped target",
			"target", target, "state", state, "error", err)
	} else {
		ev.LogTail = lines
	}

	sample, err := c.control.Stats(ctx, target)
	if err != nil {
		if state == models.ContainerRunning {
			return models.Evidence{}, utils.NewAppError("collect", target, err)
		}
		c.logger.Debug("stats unavailable for stopped target",
			"target", target, "state", state, "error", err)
	} else {
		ev.Resources = sample
	}

	return ev, nil
}
