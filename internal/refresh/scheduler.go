// internal/refresh/scheduler.go
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/colebrumley/agentq/internal/config"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Job refreshes one group of cached queries.
type Job func(ctx context.Context) error

// Scheduler runs refresh jobs on cron schedules
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]Job
}

// New creates a scheduler. Runs of the same job never overlap.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	return &Scheduler{
		// Use cron with seconds field support
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    context.Background(),
		jobs:   make(map[string]Job),
	}
}

// Add registers job under name. Disabled schedules are skipped.
func (s *Scheduler) Add(name string, sched config.Schedule, job Job) error {
	if sched.Disabled {
		s.logger.Debug("refresh job disabled", "job", name)
		return nil
	}

	expr := Expr(sched)
	if _, err := s.cron.AddFunc(expr, func() { s.run(name, job) }); err != nil {
		return fmt.Errorf("scheduling %s (%q): %w", name, expr, err)
	}

	s.mu.Lock()
	s.jobs[name] = job
	s.mu.Unlock()
	s.logger.Debug("refresh job scheduled", "job", name, "schedule", expr)
	return nil
}

// Names returns the registered job names.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	return names
}

// Start runs the schedule until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	<-ctx.Done()
	return ctx.Err()
}

// Stop halts the schedule and waits for running jobs.
func (s *Scheduler) Stop() error {
	<-s.cron.Stop().Done()
	return nil
}

// Prefetch runs every registered job once, in parallel.
func (s *Scheduler) Prefetch(ctx context.Context) error {
	s.mu.Lock()
	jobs := make([]Job, 0, len(s.jobs))
	for name, job := range s.jobs {
		name, job := name, job
		jobs = append(jobs, func(ctx context.Context) error {
			if err := job(ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	s.mu.Unlock()
	return Prefetch(ctx, jobs...)
}

func (s *Scheduler) run(name string, job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	if err := job(ctx); err != nil {
		s.logger.Warn("refresh failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("refresh complete", "job", name, "duration", time.Since(start))
}

// Prefetch runs jobs concurrently and returns the first error after all of
// them finish. A failing job does not cancel the others.
func Prefetch(ctx context.Context, jobs ...Job) error {
	var g errgroup.Group
	g.SetLimit(4)
	for _, job := range jobs {
		job := job
		g.Go(func() error { return job(ctx) })
	}
	return g.Wait()
}

// Expr returns the cron expression (with seconds) for sched.
func Expr(sched config.Schedule) string {
	if sched.CronExpression != "" {
		return sched.CronExpression
	}
	// Convert simple syntax to cron
	return convertSimpleToCron(sched.RunEvery, sched.RunAt)
}

// convertSimpleToCron converts run_every or run_at to cron expression
func convertSimpleToCron(runEvery, runAt string) string {
	// Default: every hour
	if runEvery == "" && runAt == "" {
		return "0 0 * * * *"
	}

	// run_at: "HH:MM" -> run daily at that time
	if runAt != "" {
		if len(runAt) == 5 && runAt[2] == ':' {
			hour := runAt[0:2]
			min := runAt[3:5]
			return "0 " + min + " " + hour + " * * *"
		}
	}

	// run_every: "1h", "30m", "6h", etc. Steps that divide the hour or day
	// stay aligned to the clock; others ("90m", "5h") run at a fixed
	// interval from start.
	if len(runEvery) >= 2 {
		unit := runEvery[len(runEvery)-1]
		val := runEvery[:len(runEvery)-1]
		n, err := strconv.Atoi(val)
		if err != nil || n <= 0 {
			return "0 0 * * * *"
		}

		switch {
		case unit == 'h' && 24%n == 0:
			return "0 0 */" + val + " * * *"
		case unit == 'm' && 60%n == 0:
			return "0 */" + val + " * * * *"
		case unit == 'h' || unit == 'm':
			return "@every " + runEvery
		}
	}

	return "0 0 * * * *"
}

// cronLogger routes cron's own logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
