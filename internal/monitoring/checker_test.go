package monitoring

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/sells-group/sector-refresh/internal/config"
	"github.com/sells-group/sector-refresh/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(&mockHistory{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockHistory{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_DeduplicatesAlerts(t *testing.T) {
	hook, url := newWebhook(t, http.StatusOK)
	cfg := config.MonitoringConfig{WebhookURL: url, LookbackWindowHours: 168}
	h := &mockHistory{
		runs:        []model.Run{{ID: "r1", Status: model.RunStatusFailed, StartedAt: time.Now()}},
		lastSuccess: ago(time.Hour),
	}
	checker := NewChecker(NewCollector(h), NewAlerter(cfg), cfg)
	ctx := context.Background()

	assert.Equal(t, 1, checker.check(ctx, zap.NewNop()))
	assert.Equal(t, 0, checker.check(ctx, zap.NewNop()), "same failure is not re-sent")

	h.runs = append([]model.Run{{ID: "r2", Status: model.RunStatusFailed, StartedAt: time.Now()}}, h.runs...)
	assert.Equal(t, 1, checker.check(ctx, zap.NewNop()), "a newer failure is reported")
	assert.Len(t, hook.received(), 2)
}

func TestChecker_RetriesUndelivered(t *testing.T) {
	hook, url := newWebhook(t, http.StatusBadGateway)
	cfg := config.MonitoringConfig{WebhookURL: url, LookbackWindowHours: 168}
	h := &mockHistory{}
	checker := NewChecker(NewCollector(h), NewAlerter(cfg), cfg)

	assert.Equal(t, 0, checker.check(context.Background(), zap.NewNop()))
	hook.setStatus(http.StatusOK)
	assert.Equal(t, 1, checker.check(context.Background(), zap.NewNop()), "stale alert retried")
}
