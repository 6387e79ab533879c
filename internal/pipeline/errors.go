package pipeline

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sector-refresh/internal/model"
)

// Error kinds. Every stage failure unwraps to exactly one of these.
var (
	ErrFetch          = eris.New("pipeline: fetch failed")
	ErrGenerate       = eris.New("pipeline: generate failed")
	ErrCommit         = eris.New("pipeline: commit failed")
	ErrCommitConflict = eris.New("pipeline: commit conflict")
	ErrNoChanges      = eris.New("pipeline: no changes to commit")
	ErrAuth           = eris.New("pipeline: registry authentication failed")
	ErrBuild          = eris.New("pipeline: image build failed")
	ErrPublish        = eris.New("pipeline: image publish failed")
	ErrRunInProgress  = eris.New("pipeline: another run is in progress")
)

// StageError ties a failure to the stage that produced it. It unwraps to
// both the error kind and the underlying cause.
type StageError struct {
	Stage model.StageName
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes the kind and the cause to errors.Is and errors.As.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsFatal reports whether err must stop the pipeline. Only ErrNoChanges is
// tolerated.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrNoChanges)
}

func stageErr(stage model.StageName, kind, err error) error {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// defaultKind classifies an unclassified error by the stage it came from.
func defaultKind(stage model.StageName) error {
	switch stage {
	case model.StageFetch:
		return ErrFetch
	case model.StageGenerate:
		return ErrGenerate
	case model.StageCommit:
		return ErrCommit
	default:
		return ErrPublish
	}
}

// classify wraps a raw stage error in a StageError unless it already is one.
func classify(stage model.StageName, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return stageErr(stage, defaultKind(stage), err)
}
