package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sector-refresh/internal/command"
	"github.com/sells-group/sector-refresh/internal/model"
	"github.com/sells-group/sector-refresh/internal/pipeline"
	"github.com/sells-group/sector-refresh/internal/schedule"
)

var (
	runTrigger string
	runIfDue   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the refresh pipeline once",
	Long: "Runs fetch, generate, commit and publish in order. With --if-due the run " +
		"is skipped unless a scheduled fire time has passed since the last successful run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		kind, err := model.ParseTriggerKind(runTrigger)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		now := time.Now()
		if runIfDue {
			due, err := isDue(cmd, env, now)
			if err != nil {
				return err
			}
			if !due {
				zap.L().Info("run not due, skipping")
				return nil
			}
		}

		trigger := model.ManualTrigger("cli")
		if kind == model.TriggerScheduled {
			trigger = model.ScheduledTrigger(now)
		}

		run, err := env.Orchestrator.Run(ctx, trigger)
		if run != nil {
			printRunSummary(cmd, run)
		}
		if err != nil {
			return eris.Wrap(err, "run pipeline")
		}
		return nil
	},
}

func isDue(cmd *cobra.Command, env *pipelineEnv, now time.Time) (bool, error) {
	sched, err := schedule.Parse(cfg.Schedule.Cron, cfg.Schedule.Timezone)
	if err != nil {
		return false, err
	}
	last, err := env.Store.LastSuccess(cmd.Context())
	if err != nil {
		return false, eris.Wrap(err, "last success")
	}
	return sched.Due(now, last), nil
}

func printRunSummary(cmd *cobra.Command, run *model.Run) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "run %s %s (%s)\n", truncateID(run.ID), run.Status, run.Duration().Round(time.Millisecond))
	for _, s := range run.Stages {
		_, _ = fmt.Fprintf(out, "  %-8s %-9s %dms\n", s.Stage, s.Status, s.DurationMs)
	}
	if run.Digest != "" {
		_, _ = fmt.Fprintf(out, "image %s@%s\n", run.Image, run.Digest)
	}
	if run.Error != "" {
		_, _ = fmt.Fprintf(out, "error: %s\n", run.Error)
	}
}

// -- fetch / generate --

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Refresh the sector dataset without committing or publishing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStandalone(cmd, model.StageFetch, fetchJob(cfg, command.NewExecRunner()))
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Regenerate the analysis artifact from the current dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStandalone(cmd, model.StageGenerate, generateJob(cfg, command.NewExecRunner()))
	},
}

func runStandalone(cmd *cobra.Command, stage model.StageName, job pipeline.Job) error {
	log := zap.L().With(zap.String("component", "cli"), zap.String("stage", string(stage)))

	start := time.Now()
	meta, err := job.Run(cmd.Context())
	if err != nil {
		return eris.Wrapf(err, "%s", stage)
	}
	log.Info("stage complete", zap.Duration("elapsed", time.Since(start)), zap.Any("metadata", meta))
	return nil
}

func init() {
	runCmd.Flags().StringVar(&runTrigger, "trigger", string(model.TriggerManual), "trigger kind (manual, scheduled)")
	runCmd.Flags().BoolVar(&runIfDue, "if-due", false, "skip unless a scheduled fire time was missed")
	rootCmd.AddCommand(runCmd, fetchCmd, generateCmd)
}
