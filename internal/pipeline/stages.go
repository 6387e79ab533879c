package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sector-refresh/internal/gitrepo"
	"github.com/sells-group/sector-refresh/internal/model"
	"github.com/sells-group/sector-refresh/internal/publish"
)

// FetchStage refreshes the dataset.
type FetchStage struct {
	Job Job
}

func (s *FetchStage) Name() model.StageName { return model.StageFetch }

func (s *FetchStage) Run(ctx context.Context, st *State) error {
	meta, err := s.Job.Run(ctx)
	st.merge(meta)
	if err != nil {
		return stageErr(model.StageFetch, ErrFetch, err)
	}
	return nil
}

// GenerateStage produces the analysis artifact. A failed job leaves the
// artifact exactly as it was before the stage started.
type GenerateStage struct {
	Job      Job
	Artifact string
}

func (s *GenerateStage) Name() model.StageName { return model.StageGenerate }

func (s *GenerateStage) Run(ctx context.Context, st *State) error {
	snap, err := snapshotFile(s.Artifact)
	if err != nil {
		return stageErr(model.StageGenerate, ErrGenerate, err)
	}

	meta, err := s.Job.Run(ctx)
	st.merge(meta)
	if err == nil {
		if _, statErr := os.Stat(s.Artifact); statErr != nil {
			err = eris.Wrapf(statErr, "pipeline: artifact %s not produced", s.Artifact)
		}
	}
	if err != nil {
		if restoreErr := snap.restore(); restoreErr != nil {
			zap.L().Error("pipeline: restore artifact", zap.String("path", s.Artifact), zap.Error(restoreErr))
		}
		return stageErr(model.StageGenerate, ErrGenerate, err)
	}
	return nil
}

type fileSnapshot struct {
	path    string
	data    []byte
	existed bool
}

func snapshotFile(path string) (*fileSnapshot, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return &fileSnapshot{path: path, data: data, existed: true}, nil
	case errors.Is(err, os.ErrNotExist):
		return &fileSnapshot{path: path}, nil
	default:
		return nil, eris.Wrapf(err, "pipeline: snapshot %s", path)
	}
}

func (f *fileSnapshot) restore() error {
	if !f.existed {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return eris.Wrapf(err, "pipeline: remove %s", f.path)
		}
		return nil
	}
	current, err := os.ReadFile(f.path)
	if err == nil && string(current) == string(f.data) {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".restore-*")
	if err != nil {
		return eris.Wrap(err, "pipeline: restore temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(f.data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "pipeline: restore write")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "pipeline: restore close")
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return eris.Wrap(err, "pipeline: restore chmod")
	}
	return eris.Wrap(os.Rename(tmp.Name(), f.path), "pipeline: restore rename")
}

// Committer is the repository side of the commit stage.
type Committer interface {
	Commit(ctx context.Context) (string, error)
	Push(ctx context.Context) error
	Head() (sha string, branch string, err error)
}

// CommitStage commits and pushes the artifact. An unchanged artifact is
// reported as ErrNoChanges, which the orchestrator tolerates. HEAD is pushed
// either way so publish never tags a commit the remote lacks.
type CommitStage struct {
	Committer Committer
}

func (s *CommitStage) Name() model.StageName { return model.StageCommit }

func (s *CommitStage) Run(ctx context.Context, st *State) error {
	sha, err := s.Committer.Commit(ctx)
	unchanged := errors.Is(err, gitrepo.ErrNoChanges)
	if err != nil && !unchanged {
		return stageErr(model.StageCommit, ErrCommit, err)
	}
	if !unchanged {
		st.Set("commit", sha)
	}

	if err := s.Committer.Push(ctx); err != nil {
		if errors.Is(err, gitrepo.ErrConflict) {
			return stageErr(model.StageCommit, ErrCommitConflict, err)
		}
		return stageErr(model.StageCommit, ErrCommit, err)
	}
	if err := s.recordHead(st); err != nil {
		return err
	}
	if unchanged {
		return stageErr(model.StageCommit, ErrNoChanges, gitrepo.ErrNoChanges)
	}
	st.Committed = true
	return nil
}

func (s *CommitStage) recordHead(st *State) error {
	sha, branch, err := s.Committer.Head()
	if err != nil {
		return stageErr(model.StageCommit, ErrCommit, err)
	}
	st.HeadSHA, st.Branch = sha, branch
	st.Set("head_sha", sha)
	st.Set("branch", branch)
	return nil
}

// Publisher is the registry side of the publish stage.
type Publisher interface {
	Publish(ctx context.Context, req publish.Request) (*publish.Result, error)
}

// PublishStage builds and publishes the image for the commit recorded by the
// commit stage.
type PublishStage struct {
	Publisher Publisher
}

func (s *PublishStage) Name() model.StageName { return model.StagePublish }

func (s *PublishStage) Run(ctx context.Context, st *State) error {
	if st.HeadSHA == "" {
		return stageErr(model.StagePublish, ErrPublish, eris.New("pipeline: no commit to publish"))
	}

	res, err := s.Publisher.Publish(ctx, publish.Request{SHA: st.HeadSHA, Branch: st.Branch})
	switch {
	case errors.Is(err, publish.ErrAuth):
		return stageErr(model.StagePublish, ErrAuth, err)
	case errors.Is(err, publish.ErrBuild):
		return stageErr(model.StagePublish, ErrBuild, err)
	case err != nil:
		return stageErr(model.StagePublish, ErrPublish, err)
	}

	st.Image, st.Digest, st.Tags = res.Image, res.Digest, res.Tags
	st.Set("image", res.Image)
	st.Set("digest", res.Digest)
	st.Set("tags", res.Tags)
	return nil
}
