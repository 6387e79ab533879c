package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// TriggerKind describes what started a run.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
)

// ParseTriggerKind converts "manual" or "scheduled" into a TriggerKind.
func ParseTriggerKind(s string) (TriggerKind, error) {
	switch TriggerKind(s) {
	case TriggerManual, TriggerScheduled:
		return TriggerKind(s), nil
	default:
		return "", eris.Errorf("unknown trigger kind: %q (valid: manual, scheduled)", s)
	}
}

// Trigger is the event fed into the orchestrator. Scheduled triggers carry
// the schedule's fire time; manual triggers carry the request time and an
// optional source (cli, http, temporal).
type Trigger struct {
	Kind   TriggerKind `json:"kind" yaml:"kind"`
	At     time.Time   `json:"at" yaml:"at"`
	Source string      `json:"source,omitempty" yaml:"source,omitempty"`
}

// ManualTrigger returns a manual trigger stamped with the current UTC time.
func ManualTrigger(source string) Trigger {
	return Trigger{Kind: TriggerManual, At: time.Now().UTC(), Source: source}
}

// ScheduledTrigger returns a scheduled trigger for the given fire time.
func ScheduledTrigger(at time.Time) Trigger {
	return Trigger{Kind: TriggerScheduled, At: at.UTC(), Source: "schedule"}
}

// String returns a short human-readable form, e.g. "scheduled@2025-01-06T06:00:00Z".
func (t Trigger) String() string {
	return string(t.Kind) + "@" + t.At.Format(time.RFC3339)
}
