// Package capability declares the narrow contracts of the external
// collaborators the engine drives: the disclosure feed, the recommendation
// and prediction models, market data and the brokerage. Implementations live
// in sub-packages; the engine only ever sees these interfaces.
package capability

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wkf/trade-engine/internal/model"
)

var (
	// ErrUnavailable is a transient failure (network, auth, 5xx). Retryable.
	ErrUnavailable = errors.New("capability: unavailable")
	// ErrTimeout is returned when a call exceeds its deadline. Retryable.
	ErrTimeout = errors.New("capability: timeout")
	// ErrInvalidResponse marks malformed output. Not retryable for that item.
	ErrInvalidResponse = errors.New("capability: invalid response")
	// ErrNotFound marks an unknown or delisted instrument or order.
	ErrNotFound = errors.New("capability: not found")
	// ErrRejected is a brokerage refusal (insufficient funds, invalid instrument).
	ErrRejected = errors.New("capability: rejected")
)

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidResponse), errors.Is(err, ErrNotFound), errors.Is(err, ErrRejected):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// RawEvent is an upstream disclosure before normalization.
type RawEvent struct {
	ExternalRef string    `json:"external_ref"`
	Subject     string    `json:"subject"`
	SubjectName string    `json:"subject_name"`
	Category    string    `json:"category"`
	OccurredAt  time.Time `json:"occurred_at"`
	Content     string    `json:"content"`
}

// EventSource is the upstream disclosure feed.
type EventSource interface {
	FetchSince(ctx context.Context, since time.Time) ([]RawEvent, error)
}

// Recommendation is one instrument nominated in Phase 1.
type Recommendation struct {
	Instrument     string `json:"instrument"`
	InstrumentName string `json:"instrument_name"`
	Justification  string `json:"justification"`
}

// RecommendInput is what Phase 1 sees of an event.
type RecommendInput struct {
	Subject     string
	SubjectName string
	Category    string
	Content     string
	Max         int
}

// Recommender is the Phase 1 language-model capability.
type Recommender interface {
	Recommend(ctx context.Context, in RecommendInput) ([]Recommendation, error)
}

// PredictInput carries a candidate with its priced history.
type PredictInput struct {
	Instrument     string
	InstrumentName string
	Daily          []model.Bar
	Intraday       []model.Bar
	EventContent   string
	EventCategory  string
}

// PredictionResult is the Phase 2 model output.
type PredictionResult struct {
	Confidence    int             `json:"confidence"`
	TargetPrice   decimal.Decimal `json:"target_price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	Justification string          `json:"justification"`
}

// Predictor is the Phase 2 language-model capability.
type Predictor interface {
	Predict(ctx context.Context, in PredictInput) (PredictionResult, error)
}

// Model identifies the model behind a consumer's Recommender/Predictor.
type Model struct {
	Name    string
	Version string
}

// MarketData serves bars and quotes.
type MarketData interface {
	DailyBars(ctx context.Context, instrument string, days int) ([]model.Bar, error)
	IntradayBars(ctx context.Context, instrument string, date time.Time) ([]model.Bar, error)
	CurrentPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// Order statuses reported by a brokerage.
const (
	OrderPending   = "pending"
	OrderFilled    = "filled"
	OrderRejected  = "rejected"
	OrderCancelled = "cancelled"
)

// OrderRequest is a market order. ClientRef is the caller's idempotency key.
type OrderRequest struct {
	Instrument string `json:"instrument"`
	Quantity   int64  `json:"quantity"`
	ClientRef  string `json:"client_ref"`
}

// Order is the brokerage's view of a submitted order.
type Order struct {
	Ref       string          `json:"ref"`
	ClientRef string          `json:"client_ref"`
	Status    string          `json:"status"`
	FilledQty int64           `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
}

// Brokerage executes market orders.
type Brokerage interface {
	MarketBuy(ctx context.Context, req OrderRequest) (string, error)
	MarketSell(ctx context.Context, req OrderRequest) (string, error)
	OrderStatus(ctx context.Context, ref string) (Order, error)
	// FindOrder looks an order up by client reference; ErrNotFound when the
	// brokerage never received it.
	FindOrder(ctx context.Context, clientRef string) (Order, error)
}
