package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cewatcher/internal/metrics"
	"cewatcher/internal/rules"
	"cewatcher/internal/storage"
)

// ErrStoreFailure marks a read or write against one of the logs that failed.
var ErrStoreFailure = errors.New("store failure")

const (
	defaultWorkers      = 4
	defaultWriteTimeout = 10 * time.Second
)

// Rate is a configured rate of interest together with its rules.
type Rate struct {
	ID    string
	Name  string
	Rules []rules.ThresholdRule
}

// Store is the subset of persistence the detector needs.
type Store interface {
	storage.PullStore
	storage.EventStore
	storage.NotificationStore
}

// Options configures a Detector.
type Options struct {
	Rates []Rate
	// Window is the suppression window for repeat notifications of the same rule.
	Window       time.Duration
	Workers      int
	WriteTimeout time.Duration
	Now          func() time.Time
	NewID        func() string
}

// Detector turns one set of observed rates into change events.
type Detector struct {
	store  Store
	opts   Options
	logger zerolog.Logger
}

// New constructs a Detector. Rate ids must be unique.
func New(store Store, opts Options, logger zerolog.Logger) (*Detector, error) {
	if store == nil {
		return nil, fmt.Errorf("detector store is nil")
	}
	seen := make(map[string]struct{}, len(opts.Rates))
	for _, r := range opts.Rates {
		if r.ID == "" {
			return nil, fmt.Errorf("rate with empty id")
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rate id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	if opts.Window < 0 {
		return nil, fmt.Errorf("suppression window cannot be negative")
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}

	return &Detector{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "detector").Logger(),
	}, nil
}

// Rates returns the configured rates in configuration order.
func (d *Detector) Rates() []Rate {
	return d.opts.Rates
}

// RateIDs returns the configured rate ids in configuration order.
func (d *Detector) RateIDs() []string {
	ids := make([]string, len(d.opts.Rates))
	for i, r := range d.opts.Rates {
		ids[i] = r.ID
	}
	return ids
}

type rateOutcome struct {
	// evaluated is false for rates the cycle never got to before cancellation.
	evaluated bool
	event     *storage.Event
	err       error
}

// RunCycle evaluates current against the configured rules, records an Event
// and a Notification for every rate that should notify, and stores current as
// a Pull when anything was emitted or no Pull existed yet. Events are returned
// in configuration order.
//
// A failure reading the last Pull aborts before any write. Per-rate failures
// are joined into the returned error while other rates continue.
func (d *Detector) RunCycle(ctx context.Context, current map[string]storage.RateObservation) ([]storage.Event, error) {
	now := d.opts.Now()

	var lastPull *storage.Pull
	pull, err := d.store.LatestPull(ctx)
	switch {
	case err == nil:
		lastPull = &pull
	case errors.Is(err, storage.ErrNotFound):
	default:
		metrics.StoreErrorsTotal.WithLabelValues("latest_pull").Inc()
		return nil, fmt.Errorf("%w: latest pull: %w", ErrStoreFailure, err)
	}

	outcomes := make([]rateOutcome, len(d.opts.Rates))
	sem := make(chan struct{}, d.opts.Workers)
	var wg sync.WaitGroup

dispatch:
	for i, rate := range d.opts.Rates {
		obs, ok := current[rate.ID]
		if !ok {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		}
		wg.Add(1)
		go func(i int, rate Rate, obs storage.RateObservation) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = d.processRate(ctx, rate, obs, lastPull, now)
		}(i, rate, obs)
	}
	wg.Wait()

	events := make([]storage.Event, 0)
	var errs []error
	for _, o := range outcomes {
		if o.err != nil {
			errs = append(errs, o.err)
		}
		if o.event != nil {
			events = append(events, *o.event)
		}
	}

	if len(events) > 0 || lastPull == nil {
		if err := d.writePull(ctx, d.snapshot(current, outcomes, lastPull), now); err != nil {
			errs = append(errs, err)
		}
	}

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	d.logger.Debug().
		Int("observed", len(current)).
		Int("events", len(events)).
		Bool("bootstrap", lastPull == nil).
		Msg("cycle evaluated")

	return events, errors.Join(errs...)
}

func (d *Detector) processRate(ctx context.Context, rate Rate, obs storage.RateObservation, lastPull *storage.Pull, now time.Time) rateOutcome {
	if ctx.Err() != nil {
		return rateOutcome{}
	}
	log := d.logger.With().Str("rate_id", rate.ID).Logger()

	result := rules.EvaluateAll(rate.Rules, obs.Value)
	for _, err := range result.Errors {
		metrics.RuleErrorsTotal.WithLabelValues(rate.ID).Inc()
		log.Warn().Err(err).Msg("rule evaluation failed")
	}
	if !result.Triggered {
		return rateOutcome{evaluated: true}
	}

	var lastNote *storage.Notification
	note, err := d.store.LatestNotification(ctx, rate.ID)
	switch {
	case err == nil:
		lastNote = &note
	case errors.Is(err, storage.ErrNotFound):
	default:
		if ctx.Err() != nil {
			return rateOutcome{}
		}
		metrics.StoreErrorsTotal.WithLabelValues("latest_notification").Inc()
		log.Error().Err(err).Msg("failed to read last notification")
		return rateOutcome{evaluated: true, err: fmt.Errorf("%w: latest notification for %s: %w", ErrStoreFailure, rate.ID, err)}
	}

	if !ShouldNotify(result.TriggeredRuleIDs, lastNote, now, d.opts.Window) {
		metrics.SuppressedTotal.WithLabelValues(rate.ID).Inc()
		log.Debug().Strs("rules", result.TriggeredRuleIDs.Sorted()).Msg("notification suppressed")
		return rateOutcome{evaluated: true}
	}

	var old decimal.NullDecimal
	if lastPull != nil {
		if prev, ok := lastPull.Rates[rate.ID]; ok {
			old = prev.Value
		}
	}
	event := storage.Event{
		ID:          d.opts.NewID(),
		RateID:      rate.ID,
		RateName:    rate.Name,
		OldValue:    old,
		NewValue:    obs.Value.Decimal,
		Description: Describe(rate.Name, rate.ID, old, obs.Value.Decimal),
		CreatedAt:   now,
	}

	// Once writes start they finish even if the cycle is cancelled.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.WriteTimeout)
	defer cancel()

	if err := d.store.InsertEvent(writeCtx, event); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("insert_event").Inc()
		log.Error().Err(err).Msg("failed to record event")
		return rateOutcome{evaluated: true, err: fmt.Errorf("%w: insert event for %s: %w", ErrStoreFailure, rate.ID, err)}
	}
	metrics.EventsTotal.WithLabelValues(rate.ID).Inc()

	record := storage.Notification{
		ID:               d.opts.NewID(),
		RateID:           rate.ID,
		RateName:         rate.Name,
		TriggeredRuleIDs: result.TriggeredRuleIDs.Sorted(),
		CreatedAt:        now,
	}
	if err := d.store.InsertNotification(writeCtx, record); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("insert_notification").Inc()
		log.Error().Err(err).Msg("failed to record notification")
		return rateOutcome{
			evaluated: true,
			event:     &event,
			err:       fmt.Errorf("%w: insert notification for %s: %w", ErrStoreFailure, rate.ID, err),
		}
	}

	log.Info().
		Str("old", renderValue(old)).
		Str("new", event.NewValue.String()).
		Strs("rules", record.TriggeredRuleIDs).
		Msg("rate change recorded")
	return rateOutcome{evaluated: true, event: &event}
}

// snapshot copies current for storage. Configured rates the cycle did not
// evaluate keep their value from lastPull, or are left out when it has none,
// so the next cycle still compares them against what was last judged.
func (d *Detector) snapshot(current map[string]storage.RateObservation, outcomes []rateOutcome, lastPull *storage.Pull) map[string]storage.RateObservation {
	rates := make(map[string]storage.RateObservation, len(current))
	for id, obs := range current {
		rates[id] = obs
	}
	for i, rate := range d.opts.Rates {
		if _, ok := rates[rate.ID]; !ok || outcomes[i].evaluated {
			continue
		}
		if lastPull != nil {
			if prev, ok := lastPull.Rates[rate.ID]; ok {
				rates[rate.ID] = prev
				continue
			}
		}
		delete(rates, rate.ID)
	}
	return rates
}

func (d *Detector) writePull(ctx context.Context, rates map[string]storage.RateObservation, now time.Time) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.WriteTimeout)
	defer cancel()

	pull := storage.Pull{ID: d.opts.NewID(), CreatedAt: now, Rates: rates}
	if err := d.store.InsertPull(writeCtx, pull); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("insert_pull").Inc()
		d.logger.Error().Err(err).Msg("failed to record pull")
		return fmt.Errorf("%w: insert pull: %w", ErrStoreFailure, err)
	}
	return nil
}

// Describe renders the human readable line used in notifications.
func Describe(name, id string, old decimal.NullDecimal, current decimal.Decimal) string {
	return fmt.Sprintf("%s (%s) changed rate from %s to %s.", name, id, renderValue(old), current.String())
}

func renderValue(v decimal.NullDecimal) string {
	if !v.Valid {
		return "unknown"
	}
	return v.Decimal.String()
}
