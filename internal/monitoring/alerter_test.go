package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sector-refresh/internal/config"
	"github.com/sells-group/sector-refresh/internal/model"
)

func ago(d time.Duration) *time.Time {
	t := time.Now().UTC().Add(-d)
	return &t
}

// webhook records posted alerts.
type webhook struct {
	mu     sync.Mutex
	alerts []Alert
	status int
}

func newWebhook(t *testing.T, status int) (*webhook, string) {
	t.Helper()
	w := &webhook{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var a Alert
		w.mu.Lock()
		defer w.mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&a); err == nil && w.status < 400 {
			w.alerts = append(w.alerts, a)
		}
		rw.WriteHeader(w.status)
	}))
	t.Cleanup(srv.Close)
	return w, srv.URL
}

func (w *webhook) setStatus(status int) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

func (w *webhook) received() []Alert {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Alert(nil), w.alerts...)
}

func TestAlerter_Evaluate_Healthy(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{StaleAfterHours: 192})
	alerts := a.Evaluate(&MetricsSnapshot{
		RunsTotal:     1,
		RunsComplete:  1,
		LastSuccess:   ago(24 * time.Hour),
		LookbackHours: 168,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_RunFailure(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	alerts := a.Evaluate(&MetricsSnapshot{
		RunsTotal:        3,
		RunsFailed:       2,
		LastFailureID:    "r4",
		LastFailureError: "publish: denied",
		LastSuccess:      ago(time.Hour),
		LookbackHours:    168,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailure, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "2 refresh run(s)")
	assert.Contains(t, alerts[0].Message, "publish: denied")
}

func TestAlerter_Evaluate_Stale(t *testing.T) {
	tests := []struct {
		name        string
		cfgHours    int
		lastSuccess *time.Time
		want        bool
		contains    string
	}{
		{"never succeeded", 192, nil, true, "never"},
		{"older than default threshold", 0, ago(200 * time.Hour), true, "stale"},
		{"within default threshold", 0, ago(190 * time.Hour), false, ""},
		{"custom threshold", 24, ago(25 * time.Hour), true, "stale"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAlerter(config.MonitoringConfig{StaleAfterHours: tt.cfgHours})
			alerts := a.Evaluate(&MetricsSnapshot{LastSuccess: tt.lastSuccess})
			if !tt.want {
				assert.Empty(t, alerts)
				return
			}
			require.Len(t, alerts, 1)
			assert.Equal(t, AlertStaleArtifact, alerts[0].Type)
			assert.Contains(t, alerts[0].Message, tt.contains)
		})
	}
}

func TestAlerter_SendAlerts(t *testing.T) {
	hook, url := newWebhook(t, http.StatusOK)
	a := NewAlerter(config.MonitoringConfig{WebhookURL: url})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertRunFailure, Severity: "high", Message: "a"},
		{Type: AlertStaleArtifact, Severity: "medium", Message: "b"},
	})
	assert.Equal(t, 2, sent)
	got := hook.received()
	require.Len(t, got, 2)
	assert.Equal(t, AlertStaleArtifact, got[1].Type)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailure}}))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	_, url := newWebhook(t, http.StatusInternalServerError)
	a := NewAlerter(config.MonitoringConfig{WebhookURL: url})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailure}}))
}

func TestAlerter_NotifyRunFailure(t *testing.T) {
	hook, url := newWebhook(t, http.StatusOK)
	a := NewAlerter(config.MonitoringConfig{WebhookURL: url})

	a.NotifyRunFailure(context.Background(), &model.Run{
		ID:      "run-9",
		Trigger: model.ManualTrigger("cli"),
		Error:   "commit: pipeline: commit conflict",
		Stages: []model.StageRecord{
			{Stage: model.StageFetch, Status: model.StageStatusComplete},
			{Stage: model.StageGenerate, Status: model.StageStatusComplete},
			{Stage: model.StageCommit, Status: model.StageStatusFailed},
		},
	})

	got := hook.received()
	require.Len(t, got, 1)
	assert.Equal(t, AlertRunFailure, got[0].Type)
	assert.Contains(t, got[0].Message, "run-9")
	assert.Equal(t, "commit", got[0].Details["stage"])
}
