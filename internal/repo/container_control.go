package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/fleetforge/fleet-medic/internal/models"
)

// ControlClient wraps the container-control collaborator's HTTP API. Every
// call carries the client's bounded timeout; a failed call never corrupts
// engine state.
type ControlClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewControlClient constructs a client targeting the configured collaborator.
func NewControlClient(baseURL string, timeout time.Duration) *ControlClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ControlClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListTargets returns the identifiers of all managed instances.
func (c *ControlClient) ListTargets(ctx context.Context) ([]string, error) {
	var response struct {
		Targets []string `json:"targets"`
	}
	if err := c.getJSON(ctx, c.resolvePath("/api/v1/containers"), nil, &response); err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return response.Targets, nil
}

// State returns the container lifecycle state for a target.
func (c *ControlClient) State(ctx context.Context, target string) (models.ContainerState, error) {
	var response struct {
		State  string `json:"state"`
		Detail string `json:"detail"`
	}
	endpoint := c.resolvePath("/api/v1/containers/" + url.PathEscape(target) + "/state")
	if err := c.getJSON(ctx, endpoint, nil, &response); err != nil {
		return "", fmt.Errorf("state of %s: %w", target, err)
	}
	switch models.ContainerState(response.State) {
	case models.ContainerRunning, models.ContainerExited, models.ContainerRestarting, models.ContainerMissing:
		return models.ContainerState(response.State), nil
	default:
		return "", fmt.Errorf("state of %s: unknown state %q", target, response.State)
	}
}

// TailLogs returns up to n recent log lines, most-recent last.
func (c *ControlClient) TailLogs(ctx context.Context, target string, n int) ([]string, error) {
	var response struct {
		Lines []string `json:"lines"`
	}
	endpoint := c.resolvePath("/api/v1/containers/" + url.PathEscape(target) + "/logs")
	query := url.Values{"lines": []string{strconv.Itoa(n)}}
	if err := c.getJSON(ctx, endpoint, query, &response); err != nil {
		return nil, fmt.Errorf("tail logs of %s: %w", target, err)
	}
	return response.Lines, nil
}

// Stats returns the current resource sample for a target.
func (c *ControlClient) Stats(ctx context.Context, target string) (models.ResourceSample, error) {
	var response struct {
		CPUPercent  float64 `json:"cpu_percent"`
		MemoryUsed  int64   `json:"memory_used"`
		MemoryLimit int64   `json:"memory_limit"`
	}
	endpoint := c.resolvePath("/api/v1/containers/" + url.PathEscape(target) + "/stats")
	if err := c.getJSON(ctx, endpoint, nil, &response); err != nil {
		return models.ResourceSample{}, fmt.Errorf("stats of %s: %w", target, err)
	}
	return models.ResourceSample{
		CPUPercent:  response.CPUPercent,
		MemoryUsed:  response.MemoryUsed,
		MemoryLimit: response.MemoryLimit,
	}, nil
}

// Restart restarts the target container.
func (c *ControlClient) Restart(ctx context.Context, target string) error {
	return c.action(ctx, target, "restart", nil)
}

// Recreate destroys and recreates the target container from its spec.
func (c *ControlClient) Recreate(ctx context.Context, target string) error {
	return c.action(ctx, target, "recreate", nil)
}

// RebuildImage rebuilds the target's image and recreates the container.
func (c *ControlClient) RebuildImage(ctx context.Context, target string) error {
	return c.action(ctx, target, "rebuild", nil)
}

// SetResourceLimits applies new resource limits to the target.
func (c *ControlClient) SetResourceLimits(ctx context.Context, target string, memoryBytes int64) error {
	return c.action(ctx, target, "limits", map[string]any{"memory_limit": memoryBytes})
}

// ReassignPort moves the target to a free host port.
func (c *ControlClient) ReassignPort(ctx context.Context, target string) error {
	return c.action(ctx, target, "reassign-port", nil)
}

// FixPermissions repairs ownership/permissions on the target's data volume.
func (c *ControlClient) FixPermissions(ctx context.Context, target string) error {
	return c.action(ctx, target, "fix-permissions", nil)
}

// RedownloadBinary re-fetches the server binary into the target's volume.
func (c *ControlClient) RedownloadBinary(ctx context.Context, target string) error {
	return c.action(ctx, target, "redownload", nil)
}

// ProbeNetwork runs a connectivity check from inside the target.
func (c *ControlClient) ProbeNetwork(ctx context.Context, target string) error {
	return c.action(ctx, target, "probe-network", nil)
}

// Snapshot captures the target's data volume before a destructive action.
func (c *ControlClient) Snapshot(ctx context.Context, target string) error {
	return c.action(ctx, target, "snapshot", nil)
}

func (c *ControlClient) action(ctx context.Context, target, verb string, payload any) error {
	endpoint := c.resolvePath("/api/v1/containers/" + url.PathEscape(target) + "/" + verb)
	var response struct {
		Status string `json:"status"`
		Detail string `json:"detail"`
	}
	if err := c.postJSON(ctx, endpoint, payload, &response); err != nil {
		return fmt.Errorf("%s %s: %w", verb, target, err)
	}
	if response.Status != "" && !strings.EqualFold(response.Status, "ok") {
		return fmt.Errorf("%s %s: collaborator reported %s: %s", verb, target, response.Status, response.Detail)
	}
	return nil
}

func (c *ControlClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *ControlClient) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	if endpoint == "" {
		return fmt.Errorf("container-control base URL not configured")
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *ControlClient) postJSON(ctx context.Context, endpoint string, payload, out any) error {
	if endpoint == "" {
		return fmt.Errorf("container-control base URL not configured")
	}
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *ControlClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("container-control returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
