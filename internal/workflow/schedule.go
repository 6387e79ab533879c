package workflow

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/sells-group/sector-refresh/internal/model"
)

// ScheduleConfig describes the Temporal schedule that starts refresh runs.
type ScheduleConfig struct {
	ID        string
	Cron      string
	TimeZone  string
	TaskQueue string
}

// WorkflowID is the fixed workflow ID for scheduled runs.
const WorkflowID = "sector-refresh"

func (c ScheduleConfig) spec() client.ScheduleSpec {
	return client.ScheduleSpec{
		CronExpressions: []string{c.Cron},
		TimeZoneName:    c.TimeZone,
	}
}

func (c ScheduleConfig) action() *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        WorkflowID,
		Workflow:  RefreshWorkflow,
		Args:      []any{RefreshInput{Kind: model.TriggerScheduled, Source: "schedule"}},
		TaskQueue: c.TaskQueue,
	}
}

// scheduleOptions builds the create request. Overlapping fires are skipped.
func (c ScheduleConfig) scheduleOptions() client.ScheduleOptions {
	return client.ScheduleOptions{
		ID:      c.ID,
		Spec:    c.spec(),
		Action:  c.action(),
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	}
}

// ApplySchedule creates the schedule, or updates it in place when it
// already exists.
func ApplySchedule(ctx context.Context, c client.Client, cfg ScheduleConfig) error {
	if cfg.ID == "" || cfg.Cron == "" || cfg.TaskQueue == "" {
		return eris.New("workflow: schedule id, cron and task queue are required")
	}
	log := zap.L().With(zap.String("component", "workflow.schedule"), zap.String("schedule_id", cfg.ID))

	sc := c.ScheduleClient()
	_, err := sc.Create(ctx, cfg.scheduleOptions())
	if err == nil {
		log.Info("schedule created", zap.String("cron", cfg.Cron))
		return nil
	}
	if !errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
		return eris.Wrap(err, "workflow: create schedule")
	}

	handle := sc.GetHandle(ctx, cfg.ID)
	err = handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			sched := in.Description.Schedule
			spec := cfg.spec()
			sched.Spec = &spec
			sched.Action = cfg.action()
			if sched.Policy == nil {
				sched.Policy = &client.SchedulePolicies{}
			}
			sched.Policy.Overlap = enumspb.SCHEDULE_OVERLAP_POLICY_SKIP
			return &client.ScheduleUpdate{Schedule: &sched}, nil
		},
	})
	if err != nil {
		return eris.Wrap(err, "workflow: update schedule")
	}
	log.Info("schedule updated", zap.String("cron", cfg.Cron))
	return nil
}
