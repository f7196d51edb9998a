package alerting

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rate-watch/internal/storage"
)

// DeltaPlaces is the precision the change is rounded to before comparison.
const DeltaPlaces = 4

// State is the memory carried between cycles. LastPrice is unset until the
// first successful observation.
type State struct {
	LastPrice decimal.NullDecimal
}

// ChangeNotifier decides whether a new observation moved far enough from the
// last one to alert.
type ChangeNotifier struct {
	notifier  Notifier
	threshold decimal.Decimal
	channels  []string
	alerts    storage.AlertStore
	logger    zerolog.Logger
}

// ChangeOption customises a ChangeNotifier.
type ChangeOption func(*ChangeNotifier)

// WithAlertStore records every fired alert.
func WithAlertStore(store storage.AlertStore) ChangeOption {
	return func(c *ChangeNotifier) { c.alerts = store }
}

// WithChannels labels recorded alerts with the channels they went to.
func WithChannels(channels []string) ChangeOption {
	return func(c *ChangeNotifier) { c.channels = channels }
}

// NewChangeNotifier builds a ChangeNotifier firing at threshold.
func NewChangeNotifier(notifier Notifier, threshold decimal.Decimal, logger zerolog.Logger, opts ...ChangeOption) *ChangeNotifier {
	c := &ChangeNotifier{
		notifier:  notifier,
		threshold: threshold,
		logger:    logger.With().Str("component", "change_notifier").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Threshold returns the configured threshold.
func (c *ChangeNotifier) Threshold() decimal.Decimal {
	return c.threshold
}

// Delta is |current-previous| rounded to DeltaPlaces.
func Delta(previous, current decimal.Decimal) decimal.Decimal {
	return current.Sub(previous).Abs().Round(DeltaPlaces)
}

// Consider compares obs against state, pushes a notification when the move
// reaches the threshold, and returns the state to carry forward. Delivery
// problems are logged; they never stop the monitor.
func (c *ChangeNotifier) Consider(ctx context.Context, obs storage.Observation, state State) State {
	next := State{LastPrice: decimal.NewNullDecimal(obs.BuyTransfer)}

	if !state.LastPrice.Valid {
		c.logger.Debug().Str("price", obs.BuyTransfer.String()).Msg("first observation, baseline set")
		return next
	}

	previous := state.LastPrice.Decimal
	delta := Delta(previous, obs.BuyTransfer)
	if delta.LessThan(c.threshold) {
		c.logger.Debug().
			Str("previous", previous.String()).
			Str("current", obs.BuyTransfer.String()).
			Str("delta", delta.String()).
			Msg("change below threshold")
		return next
	}

	note := Notification{
		ObservedAt: obs.Timestamp,
		Currency:   obs.Currency,
		Previous:   previous,
		Current:    obs.BuyTransfer,
		Delta:      delta,
		Threshold:  c.threshold,
	}

	delivered := true
	if err := c.notifier.Notify(ctx, note); err != nil {
		delivered = false
		c.logger.Error().Err(err).Str("delta", delta.String()).Msg("❌ 通知失败")
	}

	c.record(ctx, note, delivered)
	return next
}

func (c *ChangeNotifier) record(ctx context.Context, note Notification, delivered bool) {
	if c.alerts == nil {
		return
	}
	_, err := c.alerts.InsertAlert(ctx, storage.AlertRecord{
		ObservedAt: note.ObservedAt,
		Currency:   note.Currency,
		Previous:   note.Previous,
		Current:    note.Current,
		Delta:      note.Delta,
		Threshold:  note.Threshold,
		Channels:   c.channels,
		Delivered:  delivered,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to record alert")
	}
}
