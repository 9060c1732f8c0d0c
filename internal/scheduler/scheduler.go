package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cewatcher/internal/metrics"
)

// ErrBusy is returned by Trigger while another run is in flight.
var ErrBusy = errors.New("scheduler: job already running")

// JobFunc is invoked on every fire with the time it was due.
type JobFunc func(ctx context.Context, due time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// Hour and Minute of the daily run, read in ReferenceZone.
	Hour          int
	Minute        int
	ReferenceZone *time.Location
	// LocalZone is the zone the run is pinned to. Defaults to time.Local.
	LocalZone  *time.Location
	RunOnStart bool
	Now        func() time.Time
}

// Scheduler fires one job per day at a fixed local wall-clock time. The
// reference time is converted to local time once, at construction, so a DST
// change in either zone after startup shifts the effective run by an hour.
type Scheduler struct {
	opts        Options
	localHour   int
	localMinute int
	running     sync.Mutex
	logger      zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Hour < 0 || opts.Hour > 23 {
		return nil, fmt.Errorf("scheduler hour %d out of range", opts.Hour)
	}
	if opts.Minute < 0 || opts.Minute > 59 {
		return nil, fmt.Errorf("scheduler minute %d out of range", opts.Minute)
	}
	if opts.ReferenceZone == nil {
		opts.ReferenceZone = time.UTC
	}
	if opts.LocalZone == nil {
		opts.LocalZone = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	hour, minute := LocalClock(opts.Hour, opts.Minute, opts.ReferenceZone, opts.LocalZone, opts.Now())
	s := &Scheduler{
		opts:        opts,
		localHour:   hour,
		localMinute: minute,
		logger:      logger.With().Str("component", "scheduler").Logger(),
	}
	s.logger.Info().
		Str("reference", fmt.Sprintf("%02d:%02d %s", opts.Hour, opts.Minute, opts.ReferenceZone)).
		Str("local", fmt.Sprintf("%02d:%02d %s", hour, minute, opts.LocalZone)).
		Msg("daily run time resolved")
	return s, nil
}

// LocalClock converts hour:minute in ref, on the day of now, to the wall clock in local.
func LocalClock(hour, minute int, ref, local *time.Location, now time.Time) (int, int) {
	day := now.In(ref)
	at := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, ref).In(local)
	return at.Hour(), at.Minute()
}

// LocalTime returns the resolved local run time.
func (s *Scheduler) LocalTime() (hour, minute int) {
	return s.localHour, s.localMinute
}

// NextRun returns the next scheduled fire time. It never waits on a running job.
func (s *Scheduler) NextRun() time.Time {
	return s.nextAfter(s.opts.Now())
}

func (s *Scheduler) nextAfter(t time.Time) time.Time {
	local := t.In(s.opts.LocalZone)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.localHour, s.localMinute, 0, 0, s.opts.LocalZone)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.localHour, s.localMinute, 0, 0, s.opts.LocalZone)
	}
	return next
}

// Run blocks, invoking job once a day until ctx is cancelled. A failed job is
// logged and the next day is scheduled regardless.
func (s *Scheduler) Run(ctx context.Context, job JobFunc) error {
	if s.opts.RunOnStart {
		s.fire(ctx, job, s.opts.Now())
	}

	for {
		now := s.opts.Now()
		next := s.nextAfter(now)
		metrics.NextRunTimestamp.Set(float64(next.Unix()))
		s.logger.Debug().Time("next_run", next).Msg("waiting for next run")

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.fire(ctx, job, next)
	}
}

// Trigger runs job immediately outside the schedule.
func (s *Scheduler) Trigger(ctx context.Context, job JobFunc) error {
	if !s.running.TryLock() {
		return ErrBusy
	}
	defer s.running.Unlock()

	s.logger.Info().Msg("executing manual run")
	return job(ctx, s.opts.Now())
}

func (s *Scheduler) fire(ctx context.Context, job JobFunc, due time.Time) {
	if !s.running.TryLock() {
		metrics.CyclesTotal.WithLabelValues("busy").Inc()
		s.logger.Warn().Time("due", due).Msg("previous run still in flight, dropping scheduled run")
		return
	}
	defer s.running.Unlock()

	s.logger.Info().Time("due", due).Msg("executing scheduled run")
	if err := job(ctx, due); err != nil {
		s.logger.Error().Err(err).Time("due", due).Msg("scheduled run failed")
	}
}
