package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sector-refresh/internal/model"
	"github.com/sells-group/sector-refresh/internal/store"
)

// DefaultLockTTL bounds how long a crashed run can block new runs.
const DefaultLockTTL = 6 * time.Hour

// Notifier is told about failed runs.
type Notifier interface {
	NotifyRunFailure(ctx context.Context, run *model.Run)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLockTTL sets the run lock expiry.
func WithLockTTL(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.lockTTL = d
		}
	}
}

// WithNotifier sets the failure notifier.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// Orchestrator runs the stages in order for one trigger at a time.
type Orchestrator struct {
	store    store.Store
	stages   []Stage
	lockTTL  time.Duration
	notifier Notifier
}

// New creates an Orchestrator over the given stages.
func New(st store.Store, stages []Stage, opts ...Option) *Orchestrator {
	o := &Orchestrator{store: st, stages: stages, lockTTL: DefaultLockTTL}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one pipeline run for trigger. Stages run strictly in order
// and the first fatal error stops the run. The returned run is always
// non-nil once the run record exists, including on failure.
func (o *Orchestrator) Run(ctx context.Context, trigger model.Trigger) (*model.Run, error) {
	run, err := o.store.CreateRun(ctx, trigger)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("run_id", run.ID),
		zap.String("trigger", trigger.String()),
	)

	// Bookkeeping survives cancellation of the run itself.
	bg := context.WithoutCancel(ctx)

	acquired, err := o.store.AcquireLock(ctx, store.PipelineLock, run.ID, o.lockTTL)
	if err != nil {
		err = eris.Wrap(err, "pipeline: acquire lock")
		o.finish(bg, log, run, &State{}, err)
		return run, err
	}
	if !acquired {
		log.Warn("pipeline: run rejected, another run holds the lock")
		o.finish(bg, log, run, &State{}, ErrRunInProgress)
		return run, ErrRunInProgress
	}
	defer func() {
		if relErr := o.store.ReleaseLock(bg, store.PipelineLock, run.ID); relErr != nil {
			log.Warn("pipeline: release lock", zap.Error(relErr))
		}
	}()

	log.Info("pipeline: run started")
	state := &State{RunID: run.ID, Trigger: trigger}

	var runErr error
	for _, stage := range o.stages {
		err := o.runStage(ctx, bg, log, run, state, stage)
		if IsFatal(err) {
			runErr = err
			break
		}
	}

	o.finish(bg, log, run, state, runErr)
	return run, runErr
}

func (o *Orchestrator) runStage(ctx, bg context.Context, log *zap.Logger, run *model.Run, state *State, stage Stage) error {
	name := stage.Name()
	stageLog := log.With(zap.String("stage", string(name)))

	rec, recErr := o.store.StartStage(bg, run.ID, name)
	if recErr != nil {
		stageLog.Warn("pipeline: failed to record stage start", zap.Error(recErr))
		rec = &model.StageRecord{RunID: run.ID, Stage: name, StartedAt: time.Now().UTC()}
	}

	start := time.Now()
	var err error
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	} else {
		err = stage.Run(ctx, state)
	}
	err = classify(name, err)
	duration := time.Since(start).Milliseconds()

	result := &model.StageResult{
		Status:     model.StageStatusComplete,
		DurationMs: duration,
		Metadata:   state.takeMeta(),
	}
	switch {
	case err == nil:
		stageLog.Info("pipeline: stage complete", zap.Int64("duration_ms", duration))
	case errors.Is(err, ErrNoChanges):
		result.Status = model.StageStatusUnchanged
		stageLog.Info("pipeline: stage unchanged", zap.Int64("duration_ms", duration))
	default:
		result.Status = model.StageStatusFailed
		result.Error = err.Error()
		stageLog.Error("pipeline: stage failed", zap.Int64("duration_ms", duration), zap.Error(err))
	}

	if rec.ID != "" {
		if finErr := o.store.FinishStage(bg, rec.ID, result); finErr != nil {
			stageLog.Warn("pipeline: failed to record stage result", zap.Error(finErr))
		}
	}

	completed := time.Now().UTC()
	rec.Status = result.Status
	rec.DurationMs = result.DurationMs
	rec.Error = result.Error
	rec.Metadata = result.Metadata
	rec.CompletedAt = &completed
	run.Stages = append(run.Stages, *rec)
	return err
}

func (o *Orchestrator) finish(ctx context.Context, log *zap.Logger, run *model.Run, state *State, runErr error) {
	outcome := &model.RunOutcome{
		Status:  model.RunStatusComplete,
		HeadSHA: state.HeadSHA,
		Branch:  state.Branch,
		Image:   state.Image,
		Digest:  state.Digest,
		Tags:    state.Tags,
	}
	if runErr != nil {
		outcome.Status = model.RunStatusFailed
		outcome.Error = runErr.Error()
	}

	if err := o.store.FinishRun(ctx, run.ID, outcome); err != nil {
		log.Warn("pipeline: failed to record run result", zap.Error(err))
	}

	completed := time.Now().UTC()
	run.Status = outcome.Status
	run.Error = outcome.Error
	run.HeadSHA = outcome.HeadSHA
	run.Branch = outcome.Branch
	run.Image = outcome.Image
	run.Digest = outcome.Digest
	run.Tags = outcome.Tags
	run.CompletedAt = &completed

	if runErr == nil {
		log.Info("pipeline: run complete",
			zap.String("head_sha", run.HeadSHA),
			zap.String("digest", run.Digest),
			zap.Duration("duration", run.Duration()),
		)
		return
	}

	log.Error("pipeline: run failed", zap.Error(runErr), zap.Duration("duration", run.Duration()))
	if o.notifier != nil && !errors.Is(runErr, ErrRunInProgress) {
		o.notifier.NotifyRunFailure(ctx, run)
	}
}
