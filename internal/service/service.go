package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cewatcher/internal/alerting"
	"cewatcher/internal/detector"
	"cewatcher/internal/fetcher"
	"cewatcher/internal/metrics"
	"cewatcher/internal/scheduler"
	"cewatcher/internal/storage"
)

// ErrNotConfigured is returned by scheduled operations when no scheduler was supplied.
var ErrNotConfigured = errors.New("scheduler not configured")

// Options tune one watch cycle.
type Options struct {
	AlertsEnabled bool
	FetchTimeout  time.Duration
	NotifyTimeout time.Duration
	LockKey       int64
}

// CycleResult summarises one watch cycle.
type CycleResult struct {
	ID       string
	Due      time.Time
	Observed int
	Events   []storage.Event
	Notified bool
	Skipped  string
	Err      error
	Duration time.Duration
}

// Service orchestrates fetching, detection, and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	source    fetcher.RateSource
	detector  *detector.Detector
	notifier  alerting.Notifier
	locker    storage.AdvisoryLocker
	opts      Options
	logger    zerolog.Logger

	mu   sync.Mutex
	last *CycleResult
}

// New constructs the watcher service. sched, notifier, and locker may be nil.
func New(opts Options, sched *scheduler.Scheduler, source fetcher.RateSource, det *detector.Detector, notifier alerting.Notifier, locker storage.AdvisoryLocker, logger zerolog.Logger) *Service {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = time.Minute
	}
	return &Service{
		scheduler: sched,
		source:    source,
		detector:  det,
		notifier:  notifier,
		locker:    locker,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the daily loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return ErrNotConfigured
	}
	return s.scheduler.Run(ctx, s.ProcessCycle)
}

// Trigger runs a cycle now through the scheduler, so it never overlaps a
// scheduled run. scheduler.ErrBusy is returned while one is in flight.
func (s *Service) Trigger(ctx context.Context) (CycleResult, error) {
	if s.scheduler == nil {
		return CycleResult{}, ErrNotConfigured
	}
	var result CycleResult
	err := s.scheduler.Trigger(ctx, func(ctx context.Context, due time.Time) error {
		result = s.RunOnce(ctx, due)
		return result.Err
	})
	return result, err
}

// NextRun reports the next scheduled cycle.
func (s *Service) NextRun() (time.Time, bool) {
	if s.scheduler == nil {
		return time.Time{}, false
	}
	return s.scheduler.NextRun(), true
}

// LastResult returns the most recently completed cycle.
func (s *Service) LastResult() (CycleResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return CycleResult{}, false
	}
	return *s.last, true
}

// ProcessCycle is the scheduler job.
func (s *Service) ProcessCycle(ctx context.Context, due time.Time) error {
	return s.RunOnce(ctx, due).Err
}

// RunOnce 执行一次完整的抓取、检测与通知流程。
func (s *Service) RunOnce(ctx context.Context, due time.Time) CycleResult {
	started := time.Now()
	result := CycleResult{ID: uuid.NewString(), Due: due}
	log := s.logger.With().Str("cycle_id", result.ID).Logger()

	outcome := s.execute(ctx, log, &result)

	result.Duration = time.Since(started)
	metrics.CycleDuration.Observe(result.Duration.Seconds())
	metrics.CyclesTotal.WithLabelValues(outcome).Inc()

	ev := log.Info()
	if result.Err != nil {
		ev = log.Error().Err(result.Err)
	}
	ev.Str("outcome", outcome).
		Int("observed", result.Observed).
		Int("events", len(result.Events)).
		Bool("notified", result.Notified).
		Dur("duration", result.Duration).
		Msg("cycle finished")

	s.mu.Lock()
	s.last = &result
	s.mu.Unlock()
	return result
}

func (s *Service) execute(ctx context.Context, log zerolog.Logger, result *CycleResult) string {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		result.Err = err
		return "store_failed"
	}
	if !proceed {
		result.Skipped = "advisory lock held elsewhere"
		log.Info().Msg("skip cycle because advisory lock held elsewhere")
		return "skipped"
	}
	if unlock != nil {
		defer unlock()
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	current, err := s.source.FetchRates(fetchCtx, s.detector.RateIDs())
	cancel()
	if err != nil {
		metrics.FetchFailuresTotal.Inc()
		result.Err = fmt.Errorf("fetch rates: %w", err)
		return "fetch_failed"
	}
	result.Observed = len(current)
	if len(current) == 0 {
		result.Skipped = "source returned no configured rates"
		log.Warn().Msg("source returned no configured rates, nothing stored")
		return "skipped"
	}

	events, detectErr := s.detector.RunCycle(ctx, current)
	result.Events = events
	if detectErr != nil {
		result.Err = fmt.Errorf("detect changes: %w", detectErr)
	}

	if len(events) > 0 {
		s.notify(ctx, log, result)
	}

	if detectErr != nil {
		return "store_failed"
	}
	return "ok"
}

func (s *Service) notify(ctx context.Context, log zerolog.Logger, result *CycleResult) {
	if !s.opts.AlertsEnabled || s.notifier == nil {
		log.Info().Int("events", len(result.Events)).Msg("alerting disabled, events recorded only")
		return
	}
	// 事件和通知记录已经写入，发送不能随调用方取消而丢失。
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.NotifyTimeout)
	defer cancel()
	// 通知失败不回滚已记录的事件。
	if err := s.notifier.Send(sendCtx, result.Events); err != nil {
		log.Error().Err(err).Msg("failed to dispatch notification")
		return
	}
	result.Notified = true
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
