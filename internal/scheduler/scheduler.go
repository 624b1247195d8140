// Package scheduler runs periodic maintenance jobs on gocron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// AttachmentSweepJob is the name of the orphan attachment cleanup job.
const AttachmentSweepJob = "attachments.sweep"

// Scheduler wraps a gocron scheduler with a slog logger.
type Scheduler struct {
	s      gocron.Scheduler
	logger *slog.Logger
}

// New creates a stopped scheduler. Call Start after registering jobs.
func New(logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(gocronLogger{logger}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	return &Scheduler{s: s, logger: logger}, nil
}

// Every registers task to run every interval. A run that is still going
// when the next is due is skipped. Each run gets a context bounded by timeout.
func (s *Scheduler) Every(name string, interval, timeout time.Duration, immediately bool, task func(ctx context.Context) error) error {
	opts := []gocron.JobOption{
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if immediately {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		start := time.Now()
		if err := task(ctx); err != nil {
			s.logger.Error("job failed", "job", name, "error", err)
			return
		}
		s.logger.Debug("job finished", "job", name, "duration", time.Since(start))
	}

	if _, err := s.s.NewJob(gocron.DurationJob(interval), gocron.NewTask(run), opts...); err != nil {
		return fmt.Errorf("scheduling job %q: %w", name, err)
	}
	s.logger.Info("job scheduled", "job", name, "interval", interval)
	return nil
}

// Jobs returns the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	jobs := s.s.Jobs()
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.Name()
	}
	return names
}

func (s *Scheduler) Start() {
	s.s.Start()
}

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	if err := s.s.Shutdown(); err != nil {
		return fmt.Errorf("shutting down scheduler: %w", err)
	}
	return nil
}

// OrphanSweeper removes attachments that were never bound to a message.
type OrphanSweeper interface {
	SweepOrphans(ctx context.Context, maxAge time.Duration) (int, error)
}

// SweepOptions configures the attachment sweep job.
type SweepOptions struct {
	Interval time.Duration
	MaxAge   time.Duration
	Timeout  time.Duration
}

// AddAttachmentSweep registers the orphan attachment cleanup job.
func (s *Scheduler) AddAttachmentSweep(sweeper OrphanSweeper, opts SweepOptions) error {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return s.Every(AttachmentSweepJob, opts.Interval, opts.Timeout, false, func(ctx context.Context) error {
		n, err := sweeper.SweepOrphans(ctx, opts.MaxAge)
		if n > 0 {
			s.logger.Info("orphan attachments removed", "count", n)
		}
		return err
	})
}

// gocronLogger routes gocron's own logging into slog.
type gocronLogger struct {
	l *slog.Logger
}

func (g gocronLogger) Debug(msg string, args ...any) { g.l.Debug(msg, args...) }
func (g gocronLogger) Info(msg string, args ...any)  { g.l.Info(msg, args...) }
func (g gocronLogger) Warn(msg string, args ...any)  { g.l.Warn(msg, args...) }
func (g gocronLogger) Error(msg string, args ...any) { g.l.Error(msg, args...) }
