package schedule

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sells-group/sector-refresh/internal/model"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, trigger model.Trigger) (*model.Run, error)
}

// LastSuccessFunc returns the start time of the last successful run, or nil.
type LastSuccessFunc func(ctx context.Context) (*time.Time, error)

// Daemon fires scheduled runs in-process. A fire that arrives while the
// previous run is still going is skipped.
type Daemon struct {
	sched       *Schedule
	runner      Runner
	lastSuccess LastSuccessFunc
	log         *zap.Logger
}

// NewDaemon creates a Daemon. When lastSuccess is non-nil the daemon runs
// once at startup if a fire time was missed.
func NewDaemon(s *Schedule, r Runner, lastSuccess LastSuccessFunc) *Daemon {
	return &Daemon{
		sched:       s,
		runner:      r,
		lastSuccess: lastSuccess,
		log:         zap.L().With(zap.String("component", "schedule.daemon")),
	}
}

// Run blocks until ctx is cancelled, then waits for an in-flight run.
func (d *Daemon) Run(ctx context.Context) error {
	logger := cronLogger{s: d.log.Sugar()}
	c := cron.New(
		cron.WithLocation(d.sched.Location()),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(d.sched.sched, cron.FuncJob(func() {
		d.fire(ctx, time.Now().In(d.sched.Location()).Truncate(time.Minute))
	}))

	if d.lastSuccess != nil {
		if err := d.catchUp(ctx); err != nil {
			d.log.Warn("catch-up check failed", zap.Error(err))
		}
	}

	c.Start()
	d.log.Info("daemon started",
		zap.String("cron", d.sched.String()),
		zap.Time("next", d.sched.Next(time.Now())),
	)

	<-ctx.Done()
	d.log.Info("daemon stopping, waiting for in-flight run")
	<-c.Stop().Done()
	return nil
}

func (d *Daemon) catchUp(ctx context.Context) error {
	last, err := d.lastSuccess(ctx)
	if err != nil {
		return err
	}
	if d.sched.Due(time.Now(), last) {
		d.log.Info("missed a scheduled run, running now")
		d.fire(ctx, time.Now())
	}
	return nil
}

func (d *Daemon) fire(ctx context.Context, at time.Time) {
	if ctx.Err() != nil {
		return
	}
	run, err := d.runner.Run(ctx, model.ScheduledTrigger(at))
	if err != nil {
		d.log.Error("scheduled run failed", zap.Error(err))
		return
	}
	d.log.Info("scheduled run complete", zap.String("run_id", run.ID))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
