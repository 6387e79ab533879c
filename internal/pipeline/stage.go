// Package pipeline sequences the fetch, generate, commit and publish stages
// of a refresh run and records every step in the run store.
package pipeline

import (
	"context"
	"time"

	"github.com/sells-group/sector-refresh/internal/command"
	"github.com/sells-group/sector-refresh/internal/model"
)

// State carries values between stages of one run.
type State struct {
	RunID   string
	Trigger model.Trigger

	// Set by the commit stage, consumed by publish.
	HeadSHA   string
	Branch    string
	Committed bool

	// Set by the publish stage.
	Image  string
	Digest string
	Tags   []string

	meta map[string]any
}

// Set records a metadata value for the stage currently running.
func (s *State) Set(key string, value any) {
	if s.meta == nil {
		s.meta = make(map[string]any)
	}
	s.meta[key] = value
}

func (s *State) merge(m map[string]any) {
	for k, v := range m {
		s.Set(k, v)
	}
}

func (s *State) takeMeta() map[string]any {
	m := s.meta
	s.meta = nil
	return m
}

// Stage is one step of the pipeline.
type Stage interface {
	Name() model.StageName
	Run(ctx context.Context, st *State) error
}

// Job produces a file for the fetch or generate stage. The returned map is
// recorded as stage metadata.
type Job interface {
	Run(ctx context.Context) (map[string]any, error)
}

// CommandJob runs an external program as a Job.
type CommandJob struct {
	Runner  command.Runner
	Spec    command.Spec
	Timeout time.Duration
}

// Run executes the command. Any non-zero exit is an error.
func (j *CommandJob) Run(ctx context.Context) (map[string]any, error) {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	meta := map[string]any{"command": j.Spec.String()}
	res, err := j.Runner.Run(ctx, j.Spec)
	if res != nil {
		meta["exit_code"] = res.ExitCode
		meta["command_ms"] = res.Duration.Milliseconds()
	}
	return meta, err
}
