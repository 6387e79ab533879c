package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sector-refresh/internal/command"
	"github.com/sells-group/sector-refresh/internal/gitrepo"
	"github.com/sells-group/sector-refresh/internal/publish"
)

const sha = "0123456789abcdef0123456789abcdef01234567"

func TestFetchStage(t *testing.T) {
	job := &mockJob{}
	job.On("Run", mock.Anything).Return(map[string]any{"rows": 40}, nil).Once()
	st := &State{}

	require.NoError(t, (&FetchStage{Job: job}).Run(context.Background(), st))
	assert.Equal(t, map[string]any{"rows": 40}, st.takeMeta())

	job.On("Run", mock.Anything).Return(nil, errors.New("yahoo down")).Once()
	err := (&FetchStage{Job: job}).Run(context.Background(), st)
	assert.ErrorIs(t, err, ErrFetch)
	job.AssertExpectations(t)
}

func TestGenerateStage_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sector_analysis.csv")
	job := funcJob(func(context.Context) (map[string]any, error) {
		return map[string]any{"output_rows": 3}, os.WriteFile(path, []byte("new"), 0o644)
	})

	st := &State{}
	require.NoError(t, (&GenerateStage{Job: job, Artifact: path}).Run(context.Background(), st))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.Equal(t, 3, st.takeMeta()["output_rows"])
}

func TestGenerateStage_FailureRestoresArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sector_analysis.csv")
	require.NoError(t, os.WriteFile(path, []byte("previous"), 0o644))

	job := funcJob(func(context.Context) (map[string]any, error) {
		_ = os.WriteFile(path, []byte("part"), 0o644)
		return nil, errors.New("generator crashed")
	})

	err := (&GenerateStage{Job: job, Artifact: path}).Run(context.Background(), &State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerate)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(data))
}

func TestGenerateStage_FailureRemovesNewArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sector_analysis.csv")
	job := funcJob(func(context.Context) (map[string]any, error) {
		_ = os.WriteFile(path, []byte("part"), 0o644)
		return nil, errors.New("generator crashed")
	})

	err := (&GenerateStage{Job: job, Artifact: path}).Run(context.Background(), &State{})
	assert.ErrorIs(t, err, ErrGenerate)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestGenerateStage_MissingArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sector_analysis.csv")
	job := funcJob(func(context.Context) (map[string]any, error) { return nil, nil })

	err := (&GenerateStage{Job: job, Artifact: path}).Run(context.Background(), &State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerate)
	assert.Contains(t, err.Error(), "not produced")
}

func TestCommitStage(t *testing.T) {
	t.Run("committed", func(t *testing.T) {
		c := &mockCommitter{}
		c.On("Commit", mock.Anything).Return(sha, nil)
		c.On("Push", mock.Anything).Return(nil)
		c.On("Head").Return(sha, "main", nil)

		st := &State{}
		require.NoError(t, (&CommitStage{Committer: c}).Run(context.Background(), st))
		assert.True(t, st.Committed)
		assert.Equal(t, sha, st.HeadSHA)
		assert.Equal(t, "main", st.Branch)
		c.AssertExpectations(t)
	})

	t.Run("no changes still pushes and records head", func(t *testing.T) {
		c := &mockCommitter{}
		c.On("Commit", mock.Anything).Return("", gitrepo.ErrNoChanges)
		c.On("Push", mock.Anything).Return(nil)
		c.On("Head").Return(sha, "main", nil)

		st := &State{}
		err := (&CommitStage{Committer: c}).Run(context.Background(), st)
		assert.ErrorIs(t, err, ErrNoChanges)
		assert.False(t, IsFatal(err))
		assert.False(t, st.Committed)
		assert.Equal(t, sha, st.HeadSHA)
		c.AssertExpectations(t)
	})

	t.Run("no changes with unpushable head is fatal", func(t *testing.T) {
		c := &mockCommitter{}
		c.On("Commit", mock.Anything).Return("", gitrepo.ErrNoChanges)
		c.On("Push", mock.Anything).Return(gitrepo.ErrConflict)

		st := &State{}
		err := (&CommitStage{Committer: c}).Run(context.Background(), st)
		assert.ErrorIs(t, err, ErrCommitConflict)
		assert.True(t, IsFatal(err))
		assert.Empty(t, st.HeadSHA)
		c.AssertNotCalled(t, "Head")
	})

	t.Run("head on wrong branch", func(t *testing.T) {
		c := &mockCommitter{}
		c.On("Commit", mock.Anything).Return("", gitrepo.ErrBranchMismatch)

		err := (&CommitStage{Committer: c}).Run(context.Background(), &State{})
		assert.ErrorIs(t, err, ErrCommit)
		assert.True(t, IsFatal(err))
		c.AssertNotCalled(t, "Push", mock.Anything)
	})

	t.Run("push conflict", func(t *testing.T) {
		c := &mockCommitter{}
		c.On("Commit", mock.Anything).Return(sha, nil)
		c.On("Push", mock.Anything).Return(gitrepo.ErrConflict)

		err := (&CommitStage{Committer: c}).Run(context.Background(), &State{})
		assert.ErrorIs(t, err, ErrCommitConflict)
		assert.True(t, IsFatal(err))
	})

	t.Run("commit error", func(t *testing.T) {
		c := &mockCommitter{}
		c.On("Commit", mock.Anything).Return("", errors.New("index locked"))

		err := (&CommitStage{Committer: c}).Run(context.Background(), &State{})
		assert.ErrorIs(t, err, ErrCommit)
		assert.NotErrorIs(t, err, ErrCommitConflict)
	})

	t.Run("push error", func(t *testing.T) {
		c := &mockCommitter{}
		c.On("Commit", mock.Anything).Return(sha, nil)
		c.On("Push", mock.Anything).Return(errors.New("network unreachable"))

		err := (&CommitStage{Committer: c}).Run(context.Background(), &State{})
		assert.ErrorIs(t, err, ErrCommit)
	})
}

func TestPublishStage(t *testing.T) {
	req := publish.Request{SHA: sha, Branch: "main"}

	t.Run("success", func(t *testing.T) {
		p := &mockPublisher{}
		p.On("Publish", mock.Anything, req).Return(&publish.Result{
			Image:  "ghcr.io/acme/sectors",
			Digest: "sha256:abc",
			Tags:   []string{"sha-" + sha, "main", "latest"},
		}, nil)

		st := &State{HeadSHA: sha, Branch: "main"}
		require.NoError(t, (&PublishStage{Publisher: p}).Run(context.Background(), st))
		assert.Equal(t, "sha256:abc", st.Digest)
		assert.Len(t, st.Tags, 3)
	})

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"auth", publish.ErrAuth, ErrAuth},
		{"build", publish.ErrBuild, ErrBuild},
		{"publish", publish.ErrPublish, ErrPublish},
		{"other", errors.New("boom"), ErrPublish},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockPublisher{}
			p.On("Publish", mock.Anything, req).Return(nil, tt.err)

			err := (&PublishStage{Publisher: p}).Run(context.Background(), &State{HeadSHA: sha, Branch: "main"})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("no head", func(t *testing.T) {
		p := &mockPublisher{}
		err := (&PublishStage{Publisher: p}).Run(context.Background(), &State{})
		assert.ErrorIs(t, err, ErrPublish)
		p.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})
}

type stubRunner struct {
	res *command.Result
	err error
	got command.Spec
	ctx context.Context
}

func (s *stubRunner) Run(ctx context.Context, spec command.Spec) (*command.Result, error) {
	s.got, s.ctx = spec, ctx
	return s.res, s.err
}

func TestCommandJob(t *testing.T) {
	r := &stubRunner{res: &command.Result{ExitCode: 0, Duration: 1500 * time.Millisecond}}
	job := &CommandJob{Runner: r, Spec: command.Spec{Name: "python", Args: []string{"data.py"}}, Timeout: time.Minute}

	meta, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "python data.py", meta["command"])
	assert.Equal(t, 0, meta["exit_code"])
	assert.Equal(t, int64(1500), meta["command_ms"])
	_, hasDeadline := r.ctx.Deadline()
	assert.True(t, hasDeadline)

	r = &stubRunner{res: &command.Result{ExitCode: 2}, err: &command.ExitError{Command: "python data.py", ExitCode: 2}}
	meta, err = (&CommandJob{Runner: r, Spec: command.Spec{Name: "python"}}).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, meta["exit_code"])
	_, hasDeadline = r.ctx.Deadline()
	assert.False(t, hasDeadline)
}

func TestState_Meta(t *testing.T) {
	st := &State{}
	assert.Nil(t, st.takeMeta())
	st.Set("a", 1)
	st.merge(map[string]any{"b": 2})
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, st.takeMeta())
	assert.Nil(t, st.takeMeta())
}
