// Package store persists pipeline run history and the run-level lock.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sector-refresh/internal/model"
)

// ErrNotFound is returned when a run or stage does not exist.
var ErrNotFound = eris.New("store: not found")

// PipelineLock is the lock name held for the duration of a pipeline run.
const PipelineLock = "pipeline"

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	StartedAfter time.Time       `json:"started_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the refresh pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, trigger model.Trigger) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, outcome *model.RunOutcome) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	LastSuccess(ctx context.Context) (*time.Time, error)

	// Stages
	StartStage(ctx context.Context, runID string, stage model.StageName) (*model.StageRecord, error)
	FinishStage(ctx context.Context, stageID string, result *model.StageResult) error

	// Run lock
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
