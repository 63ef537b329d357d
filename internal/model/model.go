// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is an ingested disclosure. Immutable once stored; never deleted.
type Event struct {
	ID          string    `json:"id" db:"id"`
	ExternalRef string    `json:"external_ref" db:"external_ref"` // upstream receipt number
	Subject     string    `json:"subject" db:"subject"`           // issuer instrument code, may be empty
	SubjectName string    `json:"subject_name" db:"subject_name"`
	Category    string    `json:"category" db:"category"` // free-text report label
	OccurredAt  time.Time `json:"occurred_at" db:"occurred_at"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	Content     string    `json:"content" db:"content"`
	IngestedAt  time.Time `json:"ingested_at" db:"ingested_at"`
}

// Candidate statuses.
const (
	CandidateGenerated = "generated"
	CandidatePriced    = "priced"
	CandidatePredicted = "predicted"
	CandidateFailed    = "failed"
)

// Candidate is an instrument nominated by one consumer for one event.
// Unique per (event, instrument, consumer).
type Candidate struct {
	ID             string    `json:"id" db:"id"`
	EventID        string    `json:"event_id" db:"event_id"`
	ConsumerID     string    `json:"consumer_id" db:"consumer_id"`
	Instrument     string    `json:"instrument" db:"instrument"`
	InstrumentName string    `json:"instrument_name" db:"instrument_name"`
	Justification  string    `json:"justification" db:"justification"`
	Model          string    `json:"model" db:"model"`
	ModelVersion   string    `json:"model_version" db:"model_version"`
	Status         string    `json:"status" db:"status"`
	FailedStep     string    `json:"failed_step,omitempty" db:"failed_step"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Prediction is the scored assessment of exactly one Candidate.
type Prediction struct {
	ID            string          `json:"id" db:"id"`
	CandidateID   string          `json:"candidate_id" db:"candidate_id"`
	ConsumerID    string          `json:"consumer_id" db:"consumer_id"`
	Instrument    string          `json:"instrument" db:"instrument"`
	Confidence    int             `json:"confidence" db:"confidence"` // 0..100
	TargetPrice   decimal.Decimal `json:"target_price" db:"target_price"`
	StopPrice     decimal.Decimal `json:"stop_price" db:"stop_price"`
	Justification string          `json:"justification" db:"justification"`
	Model         string          `json:"model" db:"model"`
	ModelVersion  string          `json:"model_version" db:"model_version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// PositionState is the lifecycle state of a Position. Transitions only
// move forward: intent -> opened -> closed.
type PositionState string

const (
	StateIntent PositionState = "intent"
	StateOpened PositionState = "opened"
	StateClosed PositionState = "closed"
)

// CloseReason records why an opened position was closed.
type CloseReason string

const (
	CloseTarget      CloseReason = "target"
	CloseStop        CloseReason = "stop"
	CloseLiquidation CloseReason = "forced-liquidation"
	CloseManual      CloseReason = "manual"
)

// Position is a tracked trading exposure owned by one consumer.
type Position struct {
	ID               string          `json:"id" db:"id"`
	PredictionID     string          `json:"prediction_id" db:"prediction_id"`
	ConsumerID       string          `json:"consumer_id" db:"consumer_id"`
	Instrument       string          `json:"instrument" db:"instrument"`
	InstrumentName   string          `json:"instrument_name" db:"instrument_name"`
	Quantity         int64           `json:"quantity" db:"quantity"`
	AcquisitionPrice decimal.Decimal `json:"acquisition_price" db:"acquisition_price"`
	TargetPrice      decimal.Decimal `json:"target_price" db:"target_price"`
	StopPrice        decimal.Decimal `json:"stop_price" db:"stop_price"`
	State            PositionState   `json:"state" db:"state"`
	CloseReason      CloseReason     `json:"close_reason,omitempty" db:"close_reason"`
	AbandonedReason  string          `json:"abandoned_reason,omitempty" db:"abandoned_reason"` // terminal failure while still intent
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	OpenedAt         *time.Time      `json:"opened_at,omitempty" db:"opened_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// Side is an order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TradeStatus is the execution status of a Trade row.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"   // written before the brokerage call
	TradeSubmitted TradeStatus = "submitted" // brokerage accepted, fill unconfirmed
	TradeFilled    TradeStatus = "filled"
	TradeFailed    TradeStatus = "failed"
)

// Trade is one order executed against a Position.
type Trade struct {
	ID         string          `json:"id" db:"id"`
	PositionID string          `json:"position_id" db:"position_id"`
	ConsumerID string          `json:"consumer_id" db:"consumer_id"`
	Instrument string          `json:"instrument" db:"instrument"`
	Side       Side            `json:"side" db:"side"`
	Quantity   int64           `json:"quantity" db:"quantity"`
	Price      decimal.Decimal `json:"price" db:"price"` // fill price once filled
	OrderRef   string          `json:"order_ref,omitempty" db:"order_ref"`
	Status     TradeStatus     `json:"status" db:"status"`
	Reason     CloseReason     `json:"reason,omitempty" db:"reason"` // sells only
	Error      string          `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// PerformanceRecord is the immutable ledger row written when a Position closes.
type PerformanceRecord struct {
	ID              string          `json:"id" db:"id"`
	PositionID      string          `json:"position_id" db:"position_id"`
	ConsumerID      string          `json:"consumer_id" db:"consumer_id"`
	Instrument      string          `json:"instrument" db:"instrument"`
	Quantity        int64           `json:"quantity" db:"quantity"`
	BuyPrice        decimal.Decimal `json:"buy_price" db:"buy_price"`
	SellPrice       decimal.Decimal `json:"sell_price" db:"sell_price"`
	ProfitLoss      decimal.Decimal `json:"profit_loss" db:"profit_loss"`
	ReturnPct       decimal.Decimal `json:"return_pct" db:"return_pct"`
	HoldingDuration time.Duration   `json:"holding_duration" db:"holding_seconds"`
	CloseReason     CloseReason     `json:"close_reason" db:"close_reason"`
	OpenedAt        time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt        time.Time       `json:"closed_at" db:"closed_at"`
}

// Analysis stages of one event inside one consumer's pipeline.
const (
	StageReceived            = "received"
	StageCandidatesGenerated = "candidates-generated"
	StagePriced              = "priced"
	StagePredicted           = "predicted"
	StageGated               = "gated"
	StagePositionCreated     = "position-created"
	StageRejected            = "rejected"
	StageFailed              = "failed"
)

// TerminalStage reports whether an analysis stage ends the pipeline.
func TerminalStage(stage string) bool {
	switch stage {
	case StagePositionCreated, StageRejected, StageFailed:
		return true
	}
	return false
}

// Run-log components and statuses.
const (
	ComponentIngest   = "ingest"
	ComponentAnalysis = "analysis"

	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// RunLog is an append-only observability record of an ingestion or analysis run.
type RunLog struct {
	ID         string        `json:"id" db:"id"`
	Component  string        `json:"component" db:"component"`
	ConsumerID string        `json:"consumer_id,omitempty" db:"consumer_id"`
	EventID    string        `json:"event_id,omitempty" db:"event_id"`
	Status     string        `json:"status" db:"status"`
	Step       string        `json:"step,omitempty" db:"step"`
	Subject    string        `json:"subject,omitempty" db:"subject"` // e.g. candidate instrument
	Fetched    int           `json:"fetched" db:"fetched"`
	New        int           `json:"new" db:"new_count"`
	Duplicates int           `json:"duplicates" db:"duplicate_count"`
	Errors     int           `json:"errors" db:"error_count"`
	ErrorText  string        `json:"error_text,omitempty" db:"error_text"`
	Duration   time.Duration `json:"duration" db:"duration_ms"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}

// Bar is one OHLCV price bar.
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}
