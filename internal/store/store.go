// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth shared by every
// process), Redis (read-through cache), and in-memory (for testing).
//
// Every lifecycle transition is a conditional update guarded by the stored
// state, so overlapping ticks or processes can never apply one twice.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wkf/trade-engine/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a uniqueness rule or a state guard
	// rejects a write.
	ErrConflict = errors.New("store: conflict")
)

// PositionFilter narrows ListPositions. Zero values match everything.
type PositionFilter struct {
	ConsumerID string
	State      model.PositionState
	// Actionable drops intents that were abandoned.
	Actionable bool
	Limit      int
}

// PerformanceFilter narrows ListPerformance by consumer and close time.
type PerformanceFilter struct {
	ConsumerID string
	Since      time.Time
	Until      time.Time
}

// Fill is a confirmed brokerage execution.
type Fill struct {
	Quantity int64
	Price    decimal.Decimal
	At       time.Time
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Events (append-only) ---

	// InsertEvent stores e unless an event with the same fingerprint exists.
	// It returns the stored event's ID and whether this call inserted it.
	InsertEvent(ctx context.Context, e *model.Event) (id string, inserted bool, err error)

	GetEvent(ctx context.Context, id string) (*model.Event, error)

	// ListEvents returns the most recently ingested events first.
	ListEvents(ctx context.Context, limit int) ([]model.Event, error)

	// ListUnprocessed returns events ingested at or after since that the
	// consumer has not claimed, or whose non-terminal claim is older than
	// staleBefore. Oldest first.
	ListUnprocessed(ctx context.Context, consumerID string, since, staleBefore time.Time, limit int) ([]model.Event, error)

	// --- Analysis claims ---

	// ClaimEvent takes ownership of an event for a consumer. It reports
	// false when the event is already finished or claimed by a live run.
	ClaimEvent(ctx context.Context, eventID, consumerID string, staleBefore time.Time) (bool, error)

	SetAnalysisStage(ctx context.Context, eventID, consumerID, stage string) error

	// --- Candidates & predictions ---

	// SaveCandidate returns ErrConflict for a second (event, instrument, consumer).
	SaveCandidate(ctx context.Context, c *model.Candidate) error
	UpdateCandidateStatus(ctx context.Context, id, status, failedStep string) error
	ListCandidates(ctx context.Context, eventID, consumerID string) ([]model.Candidate, error)

	// SavePrediction returns ErrConflict when the candidate already has one.
	SavePrediction(ctx context.Context, p *model.Prediction) error
	GetPrediction(ctx context.Context, candidateID string) (*model.Prediction, error)

	// --- Positions ---

	// CreatePosition stores an intent. ErrConflict when the prediction
	// already produced a position.
	CreatePosition(ctx context.Context, p *model.Position) error
	GetPosition(ctx context.Context, id string) (*model.Position, error)
	ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error)
	HasOpenPosition(ctx context.Context, consumerID, instrument string) (bool, error)

	// AbandonPosition marks an intent as terminally failed. It reports false
	// if the position is no longer a live intent or its buy order is still
	// pending or submitted.
	AbandonPosition(ctx context.Context, id, reason string) (bool, error)

	// --- Trades ---

	// BeginTrade records a pending order before the brokerage is called.
	// ErrConflict when a non-failed trade already exists for the position
	// and side.
	BeginTrade(ctx context.Context, t *model.Trade) error
	MarkTradeSubmitted(ctx context.Context, id, orderRef string) error
	MarkTradeFailed(ctx context.Context, id, reason string) error
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListActiveTrades returns the consumer's pending and submitted trades.
	ListActiveTrades(ctx context.Context, consumerID string) ([]model.Trade, error)
	ListTrades(ctx context.Context, positionID string) ([]model.Trade, error)

	// CompleteBuy fills the buy trade and moves its position from intent to
	// opened in one transaction. ErrConflict if the position is not an
	// intent or the consumer already holds the instrument.
	CompleteBuy(ctx context.Context, tradeID string, fill Fill) error

	// CompleteSell fills the sell trade, moves the position from opened to
	// closed and appends rec in one transaction.
	CompleteSell(ctx context.Context, tradeID string, rec *model.PerformanceRecord) error

	// --- Performance ---

	ListPerformance(ctx context.Context, f PerformanceFilter) ([]model.PerformanceRecord, error)

	// --- Run log & cursors ---

	AppendRunLog(ctx context.Context, l *model.RunLog) error
	ListRunLogs(ctx context.Context, component string, limit int) ([]model.RunLog, error)

	// GetCursor returns the persisted marker for name; ok is false when none
	// was ever stored.
	GetCursor(ctx context.Context, name string) (at time.Time, ok bool, err error)
	SetCursor(ctx context.Context, name string, at time.Time) error

	Ping(ctx context.Context) error
}
