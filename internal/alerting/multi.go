package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cewatcher/internal/metrics"
	"cewatcher/internal/storage"
)

// Channel is a named notifier.
type Channel struct {
	Name     string
	Notifier Notifier
}

// Fanout delivers to every channel. A failing channel does not stop the others.
type Fanout struct {
	channels []Channel
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewFanout builds a notifier over channels; each delivery is bounded by timeout.
func NewFanout(channels []Channel, timeout time.Duration, logger zerolog.Logger) *Fanout {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fanout{
		channels: channels,
		timeout:  timeout,
		logger:   logger.With().Str("component", "alert_fanout").Logger(),
	}
}

// Channels returns the channel names in delivery order.
func (f *Fanout) Channels() []string {
	names := make([]string, len(f.channels))
	for i, c := range f.channels {
		names[i] = c.Name
	}
	return names
}

// Send delivers events to every channel and joins the failures.
func (f *Fanout) Send(ctx context.Context, events []storage.Event) error {
	if len(events) == 0 {
		return nil
	}

	var errs []error
	for _, ch := range f.channels {
		sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
		err := ch.Notifier.Send(sendCtx, events)
		cancel()

		if err != nil {
			metrics.NotificationsSentTotal.WithLabelValues(ch.Name, "failed").Inc()
			f.logger.Error().Err(err).Str("channel", ch.Name).Msg("failed to dispatch notification")
			if !errors.Is(err, ErrNotify) {
				err = fmt.Errorf("%w: %w", ErrNotify, err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
			continue
		}
		metrics.NotificationsSentTotal.WithLabelValues(ch.Name, "success").Inc()
	}
	return errors.Join(errs...)
}

var _ Notifier = (*Fanout)(nil)
