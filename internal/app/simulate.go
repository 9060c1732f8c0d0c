package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cewatcher/internal/fetcher"
	"cewatcher/internal/storage"
)

// SimulateOptions configure a simulated cycle.
type SimulateOptions struct {
	// Values are "id=value" pairs; a value that is not a number is stored as invalid.
	Values []string
	// Persist runs against the configured store instead of an in-memory one.
	Persist bool
	// Notify delivers the resulting events through the configured channels.
	Notify bool
}

// ParseValues turns "id=value" pairs into observations.
func ParseValues(pairs []string) (map[string]storage.RateObservation, error) {
	out := make(map[string]storage.RateObservation, len(pairs))
	for _, pair := range pairs {
		id, raw, ok := strings.Cut(pair, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid rate %q, want id=value", pair)
		}
		obs := storage.RateObservation{ID: id, RawID: id}
		if v, err := decimal.NewFromString(strings.TrimSpace(raw)); err == nil {
			obs.Value = decimal.NewNullDecimal(v)
		}
		out[id] = obs
	}
	return out, nil
}

// Simulate 使用给定的汇率值执行一次检测流程。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if len(opts.Values) == 0 {
		return errors.New("at least one --rate id=value is required")
	}
	values, err := ParseValues(opts.Values)
	if err != nil {
		return err
	}

	cfg := *a.Config
	if !opts.Persist {
		cfg.Database.Driver = "memory"
	}
	cfg.Alerting.Enabled = opts.Notify && cfg.Alerting.Enabled
	cfg.Scheduler.AdvisoryLockKey = 0

	sim := &App{Config: &cfg, Logger: a.Logger, Tail: a.Tail, Out: a.Out}
	p, err := sim.buildPipeline(ctx, &fetcher.StaticSource{Rates: values}, nil)
	if err != nil {
		return err
	}
	defer p.close()

	result := p.service.RunOnce(ctx, time.Now())
	sim.printCycle(result)
	return result.Err
}
