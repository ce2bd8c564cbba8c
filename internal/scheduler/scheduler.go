// Package scheduler rebuilds narrative bundles on a cron cadence so owners
// always have a recent bundle without asking for one.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/glancehq/eventmesh/internal/core/domain"
)

// runTimeout bounds a full materialization sweep.
const runTimeout = 5 * time.Minute

// OwnerLister finds owners with recent activity worth bundling.
type OwnerLister interface {
	ListOwners(ctx context.Context, since time.Time) ([]string, error)
}

// Builder materializes one bundle per (owner, window).
type Builder interface {
	BuildBundle(ctx context.Context, owner string, window domain.BundleWindow) (*domain.Bundle, error)
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config tunes the materialization runs.
type Config struct {
	// Schedule is the cron expression runs fire on. Defaults to every six
	// hours.
	Schedule string

	// Windows names the bundle windows each run materializes. Invalid names
	// are skipped with a warning; an empty list defaults to day and week.
	Windows []string
}

// Scheduler fires bundle materialization runs from a cron ticker.
type Scheduler struct {
	store   OwnerLister
	builder Builder
	cfg     Config
	logger  *slog.Logger
	clock   func() time.Time
	cron    *cron.Cron

	windows []domain.BundleWindow
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock overrides the time source used to anchor run windows.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// New creates a Scheduler over the given store and bundle builder.
func New(store OwnerLister, builder Builder, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		builder: builder,
		cfg:     cfg,
		logger:  slog.Default(),
		clock:   time.Now,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the cron entry and starts the ticker. An invalid schedule
// is returned as an error so the caller can run without the scheduler.
func (s *Scheduler) Start() error {
	s.windows = s.resolveWindows()

	schedule := s.cfg.Schedule
	if schedule == "" {
		schedule = "0 */6 * * *"
	}

	if _, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		s.RunOnce(ctx)
	}); err != nil {
		return domain.ErrValidation("invalid bundle schedule").
			WithParam("scheduler.schedule").WithCause(err)
	}

	s.cron.Start()
	s.logger.Info("bundle scheduler started",
		slog.String("schedule", schedule),
		slog.Int("windows", len(s.windows)))
	return nil
}

// RunOnce performs a single materialization sweep: every owner active within
// the widest configured window gets each window's bundle rebuilt. Individual
// build failures are logged and skipped; a sweep never fails as a whole.
func (s *Scheduler) RunOnce(ctx context.Context) {
	windows := s.windows
	if len(windows) == 0 {
		windows = s.resolveWindows()
	}

	start := s.clock().UTC()
	since := start
	for _, w := range windows {
		if lower := start.Add(-w.Duration()); lower.Before(since) {
			since = lower
		}
	}

	owners, err := s.store.ListOwners(ctx, since)
	if err != nil {
		s.logger.Error("bundle run could not list owners", slog.String("error", err.Error()))
		return
	}

	built, failed := 0, 0
	for _, owner := range owners {
		for _, w := range windows {
			if _, err := s.builder.BuildBundle(ctx, owner, w); err != nil {
				failed++
				s.logger.Error("bundle build failed",
					slog.String("owner", owner),
					slog.String("window", string(w)),
					slog.String("error", err.Error()))
				continue
			}
			built++
		}
	}

	s.logger.Info("bundle run complete",
		slog.Int("owners", len(owners)),
		slog.Int("built", built),
		slog.Int("failed", failed),
		slog.Duration("duration", time.Since(start)))
}

// Stop stops the cron ticker. Runs already in flight finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) resolveWindows() []domain.BundleWindow {
	var windows []domain.BundleWindow
	for _, name := range s.cfg.Windows {
		w, err := domain.ParseBundleWindow(name)
		if err != nil {
			s.logger.Warn("skipping unknown bundle window", slog.String("window", name))
			continue
		}
		windows = append(windows, w)
	}
	if len(windows) == 0 {
		windows = []domain.BundleWindow{domain.BundleWindowDay, domain.BundleWindowWeek}
	}
	return windows
}
