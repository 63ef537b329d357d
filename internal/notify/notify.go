// Package notify delivers human-facing notices about pipeline and position
// lifecycle transitions. Delivery is best-effort: a failed notice is logged
// by the caller and never changes engine state.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies a Notification.
type Kind string

const (
	KindIntent      Kind = "position.intent"
	KindBuyFilled   Kind = "position.opened"
	KindSellFilled  Kind = "position.closed"
	KindLiquidation Kind = "position.liquidated"
	KindAbandoned   Kind = "position.abandoned"
	KindFailure     Kind = "pipeline.failed"
	KindSummary     Kind = "summary.daily"
)

// Notification is one lifecycle notice.
type Notification struct {
	Kind       Kind            `json:"type"`
	ConsumerID string          `json:"consumer_id"`
	EventID    string          `json:"event_id,omitempty"`
	PositionID string          `json:"position_id,omitempty"`
	Instrument string          `json:"instrument,omitempty"`
	Name       string          `json:"instrument_name,omitempty"`
	Quantity   int64           `json:"quantity,omitempty"`
	Price      decimal.Decimal `json:"price"`
	ReturnPct  decimal.Decimal `json:"return_pct"`
	Reason     string          `json:"reason,omitempty"`
	Message    string          `json:"message,omitempty"`
	At         time.Time       `json:"at"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans one notification out to several notifiers. All are tried;
// their errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }
