package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/sector-refresh/internal/schedule"
	"github.com/sells-group/sector-refresh/internal/workflow"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect or register the weekly refresh schedule",
}

var scheduleApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update the Temporal schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("schedule"); err != nil {
			return err
		}
		// Reject a bad expression locally before Temporal does.
		if _, err := schedule.Parse(cfg.Schedule.Cron, cfg.Schedule.Timezone); err != nil {
			return err
		}

		c, err := workflow.Dial(cfg.Temporal.HostPort, cfg.Temporal.Namespace)
		if err != nil {
			return eris.Wrap(err, "dial temporal")
		}
		defer c.Close()

		return workflow.ApplySchedule(cmd.Context(), c, workflow.ScheduleConfig{
			ID:        cfg.Temporal.ScheduleID,
			Cron:      cfg.Schedule.Cron,
			TimeZone:  cfg.Schedule.Timezone,
			TaskQueue: cfg.Temporal.TaskQueue,
		})
	},
}

var scheduleNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Print the next fire times",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("count")
		if n < 1 {
			return eris.New("--count must be at least 1")
		}

		sched, err := schedule.Parse(cfg.Schedule.Cron, cfg.Schedule.Timezone)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, t := range sched.NextN(time.Now(), n) {
			_, _ = fmt.Fprintln(out, t.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	scheduleNextCmd.Flags().Int("count", 5, "number of fire times to print")

	scheduleCmd.AddCommand(scheduleApplyCmd, scheduleNextCmd)
	rootCmd.AddCommand(scheduleCmd)
}
