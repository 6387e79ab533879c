package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/sector-refresh/internal/model"
	"github.com/sells-group/sector-refresh/internal/publish"
)

// --- Job Mock ---

type mockJob struct {
	mock.Mock
}

func (m *mockJob) Run(ctx context.Context) (map[string]any, error) {
	args := m.Called(ctx)
	meta, _ := args.Get(0).(map[string]any)
	return meta, args.Error(1)
}

// --- Committer Mock ---

type mockCommitter struct {
	mock.Mock
}

func (m *mockCommitter) Commit(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockCommitter) Push(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockCommitter) Head() (string, string, error) {
	args := m.Called()
	return args.String(0), args.String(1), args.Error(2)
}

// --- Publisher Mock ---

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, req publish.Request) (*publish.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*publish.Result), args.Error(1)
}

// --- Notifier Mock ---

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyRunFailure(ctx context.Context, run *model.Run) {
	m.Called(ctx, run)
}

// funcStage adapts a function into a Stage.
type funcStage struct {
	name model.StageName
	fn   func(ctx context.Context, st *State) error
}

func (f *funcStage) Name() model.StageName { return f.name }

func (f *funcStage) Run(ctx context.Context, st *State) error { return f.fn(ctx, st) }

// funcJob adapts a function into a Job.
type funcJob func(ctx context.Context) (map[string]any, error)

func (f funcJob) Run(ctx context.Context) (map[string]any, error) { return f(ctx) }
