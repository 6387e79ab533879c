package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sector-refresh/internal/model"
	"github.com/sells-group/sector-refresh/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// recorder builds stages that append their name to a shared log.
type recorder struct {
	order []model.StageName
}

func (r *recorder) stage(name model.StageName, err error) Stage {
	return &funcStage{name: name, fn: func(_ context.Context, st *State) error {
		r.order = append(r.order, name)
		st.Set("ran", true)
		return err
	}}
}

func (r *recorder) commit(err error) Stage {
	return &funcStage{name: model.StageCommit, fn: func(_ context.Context, st *State) error {
		r.order = append(r.order, model.StageCommit)
		st.HeadSHA, st.Branch = sha, "main"
		return err
	}}
}

func (r *recorder) publish() Stage {
	return &funcStage{name: model.StagePublish, fn: func(_ context.Context, st *State) error {
		r.order = append(r.order, model.StagePublish)
		st.Image, st.Digest = "ghcr.io/acme/sectors", "sha256:abc"
		st.Tags = []string{"sha-" + st.HeadSHA, st.Branch, "latest"}
		return nil
	}}
}

func TestOrchestrator_AllStagesSucceed(t *testing.T) {
	st := newTestStore(t)
	rec := &recorder{}
	o := New(st, []Stage{
		rec.stage(model.StageFetch, nil),
		rec.stage(model.StageGenerate, nil),
		rec.commit(nil),
		rec.publish(),
	})

	run, err := o.Run(context.Background(), model.ManualTrigger("test"))
	require.NoError(t, err)
	assert.Equal(t, model.Stages, rec.order)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, sha, run.HeadSHA)
	assert.Equal(t, []string{"sha-" + sha, "main", "latest"}, run.Tags)
	require.Len(t, run.Stages, 4)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	assert.Equal(t, "sha256:abc", got.Digest)
	require.Len(t, got.Stages, 4)
	for i, s := range got.Stages {
		assert.Equal(t, model.Stages[i], s.Stage)
		assert.Equal(t, model.StageStatusComplete, s.Status)
	}
	assert.Equal(t, true, got.Stages[0].Metadata["ran"])

	ok, err := st.AcquireLock(context.Background(), store.PipelineLock, "next", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "lock released after the run")
}

func TestOrchestrator_NoChangesStillPublishes(t *testing.T) {
	st := newTestStore(t)
	rec := &recorder{}
	o := New(st, []Stage{
		rec.stage(model.StageFetch, nil),
		rec.stage(model.StageGenerate, nil),
		rec.commit(stageErr(model.StageCommit, ErrNoChanges, nil)),
		rec.publish(),
	})

	run, err := o.Run(context.Background(), model.ScheduledTrigger(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, model.Stages, rec.order)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, model.StageStatusUnchanged, run.Stages[2].Status)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusUnchanged, got.Stages[2].Status)
	assert.Equal(t, model.StageStatusComplete, got.Stages[3].Status)
}

func TestOrchestrator_HaltsOnFirstFailure(t *testing.T) {
	st := newTestStore(t)
	rec := &recorder{}
	n := &mockNotifier{}
	n.On("NotifyRunFailure", mock.Anything, mock.AnythingOfType("*model.Run")).Once()

	o := New(st, []Stage{
		rec.stage(model.StageFetch, nil),
		rec.stage(model.StageGenerate, stageErr(model.StageGenerate, ErrGenerate, errors.New("no rows survived"))),
		rec.commit(nil),
		rec.publish(),
	}, WithNotifier(n))

	run, err := o.Run(context.Background(), model.ManualTrigger("test"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerate)
	assert.Equal(t, []model.StageName{model.StageFetch, model.StageGenerate}, rec.order)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "no rows survived")
	require.Len(t, run.Stages, 2)
	assert.Equal(t, model.StageStatusFailed, run.Stages[1].Status)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.Len(t, got.Stages, 2)
	assert.Contains(t, got.Stages[1].Error, "no rows survived")
	n.AssertExpectations(t)
}

func TestOrchestrator_UnclassifiedErrorGetsStageKind(t *testing.T) {
	st := newTestStore(t)
	rec := &recorder{}
	o := New(st, []Stage{
		rec.stage(model.StageFetch, nil),
		rec.stage(model.StageGenerate, nil),
		rec.commit(nil),
		&funcStage{name: model.StagePublish, fn: func(context.Context, *State) error { return errors.New("raw") }},
	})

	_, err := o.Run(context.Background(), model.ManualTrigger("test"))
	assert.ErrorIs(t, err, ErrPublish)
}

func TestOrchestrator_RejectsConcurrentRun(t *testing.T) {
	st := newTestStore(t)
	ok, err := st.AcquireLock(context.Background(), store.PipelineLock, "other-run", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	rec := &recorder{}
	n := &mockNotifier{}
	o := New(st, []Stage{rec.stage(model.StageFetch, nil)}, WithNotifier(n))

	run, err := o.Run(context.Background(), model.ManualTrigger("test"))
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Empty(t, rec.order, "no stages run")
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	n.AssertNotCalled(t, "NotifyRunFailure", mock.Anything, mock.Anything)

	// The other run's lock is untouched.
	ok, err = st.AcquireLock(context.Background(), store.PipelineLock, "third", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOrchestrator_CancelledContext(t *testing.T) {
	st := newTestStore(t)
	rec := &recorder{}
	o := New(st, []Stage{rec.stage(model.StageFetch, nil), rec.stage(model.StageGenerate, nil)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Run(ctx, model.ManualTrigger("test"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOrchestrator_CancelBetweenStages(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	o := New(st, []Stage{
		&funcStage{name: model.StageFetch, fn: func(context.Context, *State) error {
			rec.order = append(rec.order, model.StageFetch)
			cancel()
			return nil
		}},
		rec.stage(model.StageGenerate, nil),
	})

	run, err := o.Run(ctx, model.ManualTrigger("test"))
	assert.ErrorIs(t, err, ErrGenerate)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []model.StageName{model.StageFetch}, rec.order)

	got, getErr := st.GetRun(context.Background(), run.ID)
	require.NoError(t, getErr)
	assert.Equal(t, model.RunStatusFailed, got.Status, "bookkeeping survives cancellation")
}

func TestWithLockTTL(t *testing.T) {
	o := New(nil, nil, WithLockTTL(time.Minute))
	assert.Equal(t, time.Minute, o.lockTTL)
	o = New(nil, nil, WithLockTTL(0))
	assert.Equal(t, DefaultLockTTL, o.lockTTL)
}
