package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sector-refresh/internal/model"
	"github.com/sells-group/sector-refresh/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Runs started within the lookback window.
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	FailRate     float64 `json:"fail_rate"`

	// Most recent failure in the window, if any.
	LastFailureID    string `json:"last_failure_id,omitempty"`
	LastFailureError string `json:"last_failure_error,omitempty"`

	// Start of the last successful run, regardless of window.
	LastSuccess *time.Time `json:"last_success,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunHistory is the subset of the run store read by the collector.
type RunHistory interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	LastSuccess(ctx context.Context) (*time.Time, error)
}

// Collector gathers metrics from the run store.
type Collector struct {
	runs RunHistory
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunHistory) *Collector {
	return &Collector{runs: runs}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{
		StartedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	// Runs are newest first, so the first failure seen is the latest.
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
			if snap.LastFailureID == "" {
				snap.LastFailureID = r.ID
				snap.LastFailureError = r.Error
			}
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
	}
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	snap.LastSuccess, err = c.runs.LastSuccess(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: last success")
	}

	return snap, nil
}
