package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sector-refresh/internal/schedule"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the weekly schedule in-process",
	Long: "Fires a scheduled run on every cron match (schedule.cron in schedule.timezone). " +
		"A missed fire is caught up at startup, and fires overlapping a running refresh are skipped.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sched, err := schedule.Parse(cfg.Schedule.Cron, cfg.Schedule.Timezone)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "daemon")
		if err != nil {
			return err
		}
		defer env.Close()

		startChecker(ctx, env)

		zap.L().Info("starting daemon",
			zap.String("cron", sched.String()),
			zap.String("timezone", sched.Location().String()),
		)
		return schedule.NewDaemon(sched, env.Orchestrator, env.Store.LastSuccess).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
