package retention

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule runs the sweep daily at 03:15:00.
const DefaultSchedule = "0 15 3 * * *"

const defaultSweepTimeout = 10 * time.Minute

var scheduleParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a cron spec with a seconds field.
func ValidateSchedule(spec string) error {
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// Scheduler triggers sweeps on a cron schedule. A run that is still going
// when the next one is due makes that one skip.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	log     zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewScheduler(sweeper *Sweeper, log zerolog.Logger) *Scheduler {
	log = log.With().Str("system", "cron").Logger()
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(scheduleParser),
			cron.WithLogger(cl),
			cron.WithChain(
				recoverWrapper(log),
				cron.SkipIfStillRunning(cl),
			),
		),
		sweeper: sweeper,
		log:     log,
		timeout: defaultSweepTimeout,
		now:     time.Now,
	}
}

// Register adds the sweep job under spec.
func (s *Scheduler) Register(spec string) error {
	if _, err := s.cron.AddJob(spec, s.job()); err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}
	s.log.Info().Str("schedule", spec).Msg("retention sweep registered")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("cron scheduler started")
}

// Stop waits for a running sweep to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info().Msg("cron scheduler stopped")
	case <-ctx.Done():
		s.log.Warn().Msg("cron scheduler stop timed out")
	}
}

func (s *Scheduler) job() cron.Job {
	return &sweepJob{s: s}
}

type sweepJob struct {
	s *Scheduler
}

func (j *sweepJob) Name() string { return "retention-sweep" }

func (j *sweepJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.s.timeout)
	defer cancel()
	// Errors are logged by the sweeper.
	_, _ = j.s.sweeper.Sweep(ctx, j.s.now())
}

func recoverWrapper(log zerolog.Logger) cron.JobWrapper {
	return func(j cron.Job) cron.Job {
		return cron.FuncJob(func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Str("job_name", jobName(j)).
						Interface("panic", r).
						Str("stack_trace", string(debug.Stack())).
						Msg("job panicked")
				}
			}()
			j.Run()
		})
	}
}

func jobName(j cron.Job) string {
	if named, ok := j.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", j)
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
