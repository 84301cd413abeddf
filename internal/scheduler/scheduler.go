package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TickFunc is invoked at every scheduled fire time.
type TickFunc func(ctx context.Context, fired time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// Spec is a standard five-field cron expression.
	Spec         string
	Location     *time.Location
	StartupDelay time.Duration
	RunOnStart   bool
}

// Scheduler drives the daily recompute job.
type Scheduler struct {
	opts     Options
	schedule cron.Schedule
	logger   zerolog.Logger
}

// New parses the cron spec and constructs a Scheduler.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(opts.Spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron spec %q: %w", opts.Spec, err)
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Scheduler{
		opts:     opts,
		schedule: schedule,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Next returns the first fire time strictly after now, in the scheduler location.
func (s *Scheduler) Next(now time.Time) time.Time {
	return s.schedule.Next(now.In(s.opts.Location))
}

// Run blocks, invoking tick at each fire time until ctx is cancelled.
// Tick errors are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunOnStart {
		s.fire(ctx, tick, time.Now().In(s.opts.Location))
	}

	for {
		next := s.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		s.logger.Debug().Time("next_run", next).Msg("waiting for next run")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.fire(ctx, tick, next)
	}
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, fired time.Time) {
	s.logger.Info().Time("fired", fired).Msg("executing scheduled run")
	if err := tick(ctx, fired); err != nil {
		s.logger.Error().Err(err).Time("fired", fired).Msg("scheduled run failed")
	}
}

// DataReadyHour is the local hour after which the exchanges have published
// the day's institutional flows.
const DataReadyHour = 15

// TradeDateFor returns the trading date a run fired at t should target: the
// same day in loc once DataReadyHour has passed, otherwise the previous day,
// stepping back over weekends.
func TradeDateFor(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	d := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	if local.Hour() < DataReadyHour {
		d = d.AddDate(0, 0, -1)
	}
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
