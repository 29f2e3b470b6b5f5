package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetforge/fleet-medic/internal/models"
)

// Notifier publishes incident outcomes to an external webhook. Delivery is
// best-effort: failures are logged and never block remediation.
type Notifier struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewNotifier builds a webhook notifier; an empty URL disables delivery.
func NewNotifier(url string, timeout time.Duration, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// NotifyIncident posts the incident's terminal outcome.
func (n *Notifier) NotifyIncident(ctx context.Context, event string, incident models.Incident) {
	if n == nil || n.url == "" {
		return
	}
	payload := map[string]any{
		"event":    event,
		"incident": incident,
		"sent_at":  time.Now().UTC(),
	}
	if err := n.post(ctx, payload); err != nil {
		n.logger.Warn("webhook delivery failed",
			slog.String("event", event),
			slog.String("incident_id", incident.ID),
			slog.Any("error", err))
	}
}

func (n *Notifier) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
