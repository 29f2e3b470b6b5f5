package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/fleetforge/fleet-medic/internal/models"
)

type fakeControl struct {
	state    models.ContainerState
	stateErr error
	lines    []string
	linesErr error
	sample   models.ResourceSample
	statsErr error

	tailRequested int
}

func (f *fakeControl) State(context.Context, string) (models.ContainerState, error) {
	return f.state, f.stateErr
}

func (f *fakeControl) TailLogs(_ context.Context, _ string, n int) ([]string, error) {
	f.tailRequested = n
	return f.lines, f.linesErr
}

func (f *fakeControl) Stats(context.Context, string) (models.ResourceSample, error) {
	return f.sample, f.statsErr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCollectRunningTarget(t *testing.T) {
	ctl := &fakeControl{
		state:  models.ContainerRunning,
		lines:  []string{"[INFO] started", "[INFO] listening on 25565"},
		sample: models.ResourceSample{CPUPercent: 12.5, MemoryUsed: 512, MemoryLimit: 1024},
	}
	c := New(ctl, discardLogger(), 100)

	ev, err := c.Collect(context.Background(), "srv1")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if ev.State != models.ContainerRunning || len(ev.LogTail) != 2 {
		t.Fatalf("unexpected evidence %+v", ev)
	}
	if ev.Resources.MemoryRatio() != 0.5 {
		t.Fatalf("memory ratio = %f, want 0.5", ev.Resources.MemoryRatio())
	}
	if ctl.tailRequested != 100 {
		t.Fatalf("tail lines = %d, want configured 100", ctl.tailRequested)
	}
}

func TestCollectStateErrorFailsPass(t *testing.T) {
	ctl := &fakeControl{stateErr: errors.New("connection refused")}
	c := New(ctl, discardLogger(), 100)

	if _, err := c.Collect(context.Background(), "srv1"); err == nil {
		t.Fatalf("state error must fail the pass")
	}
}

func TestCollectRunningLogErrorFailsPass(t *testing.T) {
	ctl := &fakeControl{
		state:    models.ContainerRunning,
		linesErr: errors.New("log stream broken"),
	}
	c := New(ctl, discardLogger(), 100)

	if _, err := c.Collect(context.Background(), "srv1"); err == nil {
		t.Fatalf("log failure on a running target must fail the pass")
	}
}

func TestCollectStoppedTargetToleratesPartialEvidence(t *testing.T) {
	ctl := &fakeControl{
		state:    models.ContainerExited,
		linesErr: errors.New("no log stream"),
		statsErr: errors.New("no cgroup"),
	}
	c := New(ctl, discardLogger(), 100)

	ev, err := c.Collect(context.Background(), "srv1")
	if err != nil {
		t.Fatalf("exited target should still yield state evidence: %v", err)
	}
	if ev.State != models.ContainerExited || len(ev.LogTail) != 0 {
		t.Fatalf("unexpected evidence %+v", ev)
	}
}
