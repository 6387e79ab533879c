package model

import "time"

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// StageName identifies one ordered step of the pipeline.
type StageName string

const (
	StageFetch    StageName = "fetch"
	StageGenerate StageName = "generate"
	StageCommit   StageName = "commit"
	StagePublish  StageName = "publish"
)

// Stages lists the pipeline stages in execution order.
var Stages = []StageName{StageFetch, StageGenerate, StageCommit, StagePublish}

// StageStatus represents the outcome of a single stage.
type StageStatus string

const (
	StageStatusRunning   StageStatus = "running"
	StageStatusComplete  StageStatus = "complete"
	StageStatusUnchanged StageStatus = "unchanged" // commit stage found nothing to commit
	StageStatusFailed    StageStatus = "failed"
)

// Run represents a single execution of the refresh pipeline.
type Run struct {
	ID          string        `json:"id" yaml:"id"`
	Trigger     Trigger       `json:"trigger" yaml:"trigger"`
	Status      RunStatus     `json:"status" yaml:"status"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
	HeadSHA     string        `json:"head_sha,omitempty" yaml:"head_sha,omitempty"`
	Branch      string        `json:"branch,omitempty" yaml:"branch,omitempty"`
	Image       string        `json:"image,omitempty" yaml:"image,omitempty"`
	Digest      string        `json:"digest,omitempty" yaml:"digest,omitempty"`
	Tags        []string      `json:"tags,omitempty" yaml:"tags,omitempty"`
	StartedAt   time.Time     `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Stages      []StageRecord `json:"stages,omitempty" yaml:"stages,omitempty"`
}

// Duration returns the wall time of a finished run, or zero while running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunOutcome holds the fields written when a run finishes.
type RunOutcome struct {
	Status  RunStatus `json:"status"`
	Error   string    `json:"error,omitempty"`
	HeadSHA string    `json:"head_sha,omitempty"`
	Branch  string    `json:"branch,omitempty"`
	Image   string    `json:"image,omitempty"`
	Digest  string    `json:"digest,omitempty"`
	Tags    []string  `json:"tags,omitempty"`
}

// StageRecord represents a stage within a run.
type StageRecord struct {
	ID          string         `json:"id" yaml:"id"`
	RunID       string         `json:"run_id" yaml:"run_id"`
	Stage       StageName      `json:"stage" yaml:"stage"`
	Status      StageStatus    `json:"status" yaml:"status"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	DurationMs  int64          `json:"duration_ms" yaml:"duration_ms"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StageResult holds the outcome of a stage, passed to FinishStage.
type StageResult struct {
	Status     StageStatus    `json:"status"`
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
