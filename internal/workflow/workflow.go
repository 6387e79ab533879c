// Package workflow runs the refresh pipeline as a Temporal workflow so the
// weekly trigger can be driven by a Temporal schedule.
package workflow

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/sector-refresh/internal/model"
	"github.com/sells-group/sector-refresh/internal/pipeline"
)

// DefaultRunTimeout bounds one pipeline activity.
const DefaultRunTimeout = 2 * time.Hour

// Error types reported on the non-retryable activity error.
const (
	ErrTypeRunInProgress = "RunInProgress"
	ErrTypeRunFailed     = "RunFailed"
)

// RefreshInput starts a RefreshWorkflow.
type RefreshInput struct {
	Kind       model.TriggerKind `json:"kind"`
	Source     string            `json:"source,omitempty"`
	RunTimeout time.Duration     `json:"run_timeout,omitempty"`
}

// RunInput is passed to the RunPipeline activity.
type RunInput struct {
	Kind   model.TriggerKind `json:"kind"`
	At     time.Time         `json:"at"`
	Source string            `json:"source,omitempty"`
}

// RunResult summarizes a finished pipeline run.
type RunResult struct {
	RunID   string          `json:"run_id"`
	Status  model.RunStatus `json:"status"`
	HeadSHA string          `json:"head_sha,omitempty"`
	Digest  string          `json:"digest,omitempty"`
	Tags    []string        `json:"tags,omitempty"`
}

// RefreshWorkflow runs the pipeline exactly once. Stage failures are not
// retried.
func RefreshWorkflow(ctx workflow.Context, in RefreshInput) (*RunResult, error) {
	timeout := in.RunTimeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	kind := in.Kind
	if kind == "" {
		kind = model.TriggerScheduled
	}
	source := in.Source
	if source == "" {
		source = "temporal"
	}

	var act *Activities
	var res RunResult
	err := workflow.ExecuteActivity(ctx, act.RunPipeline, RunInput{
		Kind:   kind,
		At:     workflow.Now(ctx).UTC(),
		Source: source,
	}).Get(ctx, &res)
	if err != nil {
		workflow.GetLogger(ctx).Error("refresh run failed", "error", err)
		return nil, err
	}
	return &res, nil
}

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, trigger model.Trigger) (*model.Run, error)
}

// Activities holds the activity implementations.
type Activities struct {
	Runner Runner
}

// RunPipeline executes the pipeline for one trigger.
func (a *Activities) RunPipeline(ctx context.Context, in RunInput) (*RunResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("running pipeline", "kind", string(in.Kind), "at", in.At)

	run, err := a.Runner.Run(ctx, model.Trigger{Kind: in.Kind, At: in.At, Source: in.Source})
	if err != nil {
		errType := ErrTypeRunFailed
		if errors.Is(err, pipeline.ErrRunInProgress) {
			errType = ErrTypeRunInProgress
		}
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), errType, err)
	}
	return &RunResult{
		RunID:   run.ID,
		Status:  run.Status,
		HeadSHA: run.HeadSHA,
		Digest:  run.Digest,
		Tags:    run.Tags,
	}, nil
}
