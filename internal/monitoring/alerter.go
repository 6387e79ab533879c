// Package monitoring watches run history and posts failure and staleness
// alerts to a webhook.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sector-refresh/internal/config"
	"github.com/sells-group/sector-refresh/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailure    AlertType = "run_failure"
	AlertStaleArtifact AlertType = "stale_artifact"
)

const defaultStaleAfter = 192 * time.Hour

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	// key identifies the condition for de-duplication.
	key string
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *Alerter) staleAfter() time.Duration {
	if a.cfg.StaleAfterHours <= 0 {
		return defaultStaleAfter
	}
	return time.Duration(a.cfg.StaleAfterHours) * time.Hour
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Any failed run in the window.
	if snap.RunsFailed > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailure,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d refresh run(s) failed in last %dh (latest %s: %s)",
				snap.RunsFailed, snap.LookbackHours, snap.LastFailureID, snap.LastFailureError,
			),
			Details: map[string]any{
				"failed":         snap.RunsFailed,
				"total":          snap.RunsTotal,
				"fail_rate":      snap.FailRate,
				"last_failure":   snap.LastFailureID,
				"last_error":     snap.LastFailureError,
				"lookback_hours": snap.LookbackHours,
			},
			Timestamp: now,
			key:       string(AlertRunFailure) + ":" + snap.LastFailureID,
		})
	}

	// No successful run recently enough.
	stale := a.staleAfter()
	if snap.LastSuccess == nil || now.Sub(*snap.LastSuccess) > stale {
		msg := fmt.Sprintf("no successful refresh run ever recorded (threshold %s)", stale)
		details := map[string]any{"stale_after_hours": stale.Hours()}
		key := string(AlertStaleArtifact) + ":never"
		if snap.LastSuccess != nil {
			age := now.Sub(*snap.LastSuccess).Truncate(time.Minute)
			msg = fmt.Sprintf("artifact is stale: last successful run %s ago (threshold %s)", age, stale)
			details["last_success"] = snap.LastSuccess.UTC()
			key = string(AlertStaleArtifact) + ":" + snap.LastSuccess.UTC().Format(time.RFC3339)
		}
		alerts = append(alerts, Alert{
			Type:      AlertStaleArtifact,
			Severity:  "medium",
			Message:   msg,
			Details:   details,
			Timestamp: now,
			key:       key,
		})
	}

	return alerts
}

// NotifyRunFailure sends an immediate alert for a failed run.
func (a *Alerter) NotifyRunFailure(ctx context.Context, run *model.Run) {
	details := map[string]any{
		"run_id":  run.ID,
		"trigger": run.Trigger.String(),
	}
	for _, s := range run.Stages {
		if s.Status == model.StageStatusFailed {
			details["stage"] = string(s.Stage)
		}
	}
	a.SendAlerts(ctx, []Alert{{
		Type:      AlertRunFailure,
		Severity:  "high",
		Message:   fmt.Sprintf("refresh run %s failed: %s", run.ID, run.Error),
		Details:   details,
		Timestamp: time.Now().UTC(),
		key:       string(AlertRunFailure) + ":" + run.ID,
	}})
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
