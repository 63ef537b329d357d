package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wkf/trade-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var terminalStages = []string{model.StagePositionCreated, model.StageRejected, model.StageFailed}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Events ---

const eventColumns = `id, external_ref, subject, subject_name, category, occurred_at, fingerprint, content, ingested_at`

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) (string, bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.IngestedAt.IsZero() {
		e.IngestedAt = time.Now().UTC()
	}

	// The unique fingerprint resolves concurrent inserts; no pre-check.
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (fingerprint) DO NOTHING
		 RETURNING id`,
		e.ID, e.ExternalRef, e.Subject, e.SubjectName, e.Category,
		e.OccurredAt, e.Fingerprint, e.Content, e.IngestedAt,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("insert event: %w", err)
	}

	err = s.pool.QueryRow(ctx, `SELECT id FROM events WHERE fingerprint = $1`, e.Fingerprint).Scan(&id)
	if err != nil {
		return "", false, fmt.Errorf("lookup duplicate event: %w", err)
	}
	return id, false, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "event %s", id)
	}
	return e, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 ORDER BY ingested_at DESC
		 LIMIT NULLIF($1::INTEGER, 0)`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) ListUnprocessed(ctx context.Context, consumerID string, since, staleBefore time.Time, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.id, e.external_ref, e.subject, e.subject_name, e.category,
		        e.occurred_at, e.fingerprint, e.content, e.ingested_at
		 FROM events e
		 LEFT JOIN event_analyses a ON a.event_id = e.id AND a.consumer_id = $1
		 WHERE e.ingested_at >= $2
		   AND (a.event_id IS NULL OR (a.stage <> ALL($4) AND a.claimed_at < $3))
		 ORDER BY e.ingested_at
		 LIMIT NULLIF($5::INTEGER, 0)`,
		consumerID, since, staleBefore, terminalStages, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// --- Analysis claims ---

func (s *PostgresStore) ClaimEvent(ctx context.Context, eventID, consumerID string, staleBefore time.Time) (bool, error) {
	var claimed string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO event_analyses (event_id, consumer_id, stage, attempts, claimed_at, updated_at)
		 VALUES ($1, $2, $3, 1, now(), now())
		 ON CONFLICT (event_id, consumer_id) DO UPDATE
		 SET attempts = event_analyses.attempts + 1, claimed_at = now(), updated_at = now()
		 WHERE event_analyses.stage <> ALL($4) AND event_analyses.claimed_at < $5
		 RETURNING event_id`,
		eventID, consumerID, model.StageReceived, terminalStages, staleBefore,
	).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	return true, nil
}

func (s *PostgresStore) SetAnalysisStage(ctx context.Context, eventID, consumerID, stage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE event_analyses SET stage = $3, updated_at = now()
		 WHERE event_id = $1 AND consumer_id = $2`,
		eventID, consumerID, stage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("analysis %s/%s: %w", eventID, consumerID, ErrNotFound)
	}
	return nil
}

// --- Candidates & predictions ---

func (s *PostgresStore) SaveCandidate(ctx context.Context, c *model.Candidate) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO candidates (id, event_id, consumer_id, instrument, instrument_name, justification,
		                         model, model_version, status, failed_step, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.EventID, c.ConsumerID, c.Instrument, c.InstrumentName, c.Justification,
		c.Model, c.ModelVersion, c.Status, c.FailedStep, c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("candidate %s for event %s: %w", c.Instrument, c.EventID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) UpdateCandidateStatus(ctx context.Context, id, status, failedStep string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE candidates SET status = $2, failed_step = $3 WHERE id = $1`, id, status, failedStep)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("candidate %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListCandidates(ctx context.Context, eventID, consumerID string) ([]model.Candidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, consumer_id, instrument, instrument_name, justification,
		        model, model_version, status, failed_step, created_at
		 FROM candidates WHERE event_id = $1 AND consumer_id = $2
		 ORDER BY created_at`, eventID, consumerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Candidate
	for rows.Next() {
		var c model.Candidate
		if err := rows.Scan(&c.ID, &c.EventID, &c.ConsumerID, &c.Instrument, &c.InstrumentName,
			&c.Justification, &c.Model, &c.ModelVersion, &c.Status, &c.FailedStep, &c.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SavePrediction(ctx context.Context, p *model.Prediction) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO predictions (id, candidate_id, consumer_id, instrument, confidence,
		                          target_price, stop_price, justification, model, model_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)`,
		p.ID, p.CandidateID, p.ConsumerID, p.Instrument, p.Confidence,
		p.TargetPrice.String(), p.StopPrice.String(), p.Justification,
		p.Model, p.ModelVersion, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("prediction for candidate %s: %w", p.CandidateID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetPrediction(ctx context.Context, candidateID string) (*model.Prediction, error) {
	var p model.Prediction
	var targetS, stopS string
	err := s.pool.QueryRow(ctx,
		`SELECT id, candidate_id, consumer_id, instrument, confidence, target_price::TEXT, stop_price::TEXT,
		        justification, model, model_version, created_at
		 FROM predictions WHERE candidate_id = $1`, candidateID).Scan(
		&p.ID, &p.CandidateID, &p.ConsumerID, &p.Instrument, &p.Confidence, &targetS, &stopS,
		&p.Justification, &p.Model, &p.ModelVersion, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, "prediction for candidate %s", candidateID)
	}
	p.TargetPrice, _ = decimal.NewFromString(targetS)
	p.StopPrice, _ = decimal.NewFromString(stopS)
	return &p, nil
}

// --- Positions ---

const positionColumns = `id, prediction_id, consumer_id, instrument, instrument_name, quantity,
	acquisition_price::TEXT, target_price::TEXT, stop_price::TEXT,
	state, close_reason, abandoned_reason, created_at, opened_at, closed_at`

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.State = model.StateIntent
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, prediction_id, consumer_id, instrument, instrument_name,
		                        target_price, stop_price, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		p.ID, p.PredictionID, p.ConsumerID, p.Instrument, p.InstrumentName,
		p.TargetPrice.String(), p.StopPrice.String(), p.State, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("position for prediction %s: %w", p.PredictionID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "position %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	var where []string
	var args []any
	if f.ConsumerID != "" {
		args = append(args, f.ConsumerID)
		where = append(where, fmt.Sprintf("consumer_id = $%d", len(args)))
	}
	if f.State != "" {
		args = append(args, f.State)
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if f.Actionable {
		where = append(where, "abandoned_reason = ''")
	}

	q := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) HasOpenPosition(ctx context.Context, consumerID, instrument string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM positions
		                WHERE consumer_id = $1 AND instrument = $2 AND state = 'opened')`,
		consumerID, instrument).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) AbandonPosition(ctx context.Context, id, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET abandoned_reason = $2
		 WHERE id = $1 AND state = 'intent' AND abandoned_reason = ''
		   AND NOT EXISTS (SELECT 1 FROM trades
		                   WHERE position_id = $1 AND side = 'buy' AND status IN ('pending', 'submitted'))`, id, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// --- Trades ---

const tradeColumns = `id, position_id, consumer_id, instrument, side, quantity, price::TEXT,
	order_ref, status, reason, error, created_at, updated_at`

func (s *PostgresStore) BeginTrade(ctx context.Context, t *model.Trade) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.Status = model.TradePending
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, position_id, consumer_id, instrument, side, quantity, price,
		                     status, reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11)`,
		t.ID, t.PositionID, t.ConsumerID, t.Instrument, t.Side, t.Quantity, t.Price.String(),
		t.Status, t.Reason, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s trade for position %s: %w", t.Side, t.PositionID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) MarkTradeSubmitted(ctx context.Context, id, orderRef string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades SET status = 'submitted', order_ref = $2, updated_at = now()
		 WHERE id = $1 AND status = 'pending'`, id, orderRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s not pending: %w", id, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) MarkTradeFailed(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades SET status = 'failed', error = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'submitted')`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s not active: %w", id, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "trade %s", id)
	}
	return t, nil
}

func (s *PostgresStore) ListActiveTrades(ctx context.Context, consumerID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE consumer_id = $1 AND status IN ('pending', 'submitted')
		 ORDER BY created_at`, consumerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListTrades(ctx context.Context, positionID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE position_id = $1 ORDER BY created_at`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) CompleteBuy(ctx context.Context, tradeID string, fill Fill) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var positionID string
		err := tx.QueryRow(ctx,
			`UPDATE trades SET status = 'filled', quantity = $2, price = $3::NUMERIC, updated_at = now()
			 WHERE id = $1 AND side = 'buy' AND status IN ('pending', 'submitted')
			 RETURNING position_id`,
			tradeID, fill.Quantity, fill.Price.String()).Scan(&positionID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("buy trade %s not active: %w", tradeID, ErrConflict)
		}
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE positions
			 SET state = 'opened', quantity = $2, acquisition_price = $3::NUMERIC, opened_at = $4
			 WHERE id = $1 AND state = 'intent' AND abandoned_reason = ''`,
			positionID, fill.Quantity, fill.Price.String(), fill.At.UTC())
		if isUniqueViolation(err) {
			return fmt.Errorf("position %s: instrument already opened: %w", positionID, ErrConflict)
		}
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("position %s not an intent: %w", positionID, ErrConflict)
		}
		return nil
	})
}

func (s *PostgresStore) CompleteSell(ctx context.Context, tradeID string, rec *model.PerformanceRecord) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var positionID string
		var reason model.CloseReason
		err := tx.QueryRow(ctx,
			`UPDATE trades SET status = 'filled', price = $2::NUMERIC, updated_at = now()
			 WHERE id = $1 AND side = 'sell' AND status IN ('pending', 'submitted')
			 RETURNING position_id, reason`,
			tradeID, rec.SellPrice.String()).Scan(&positionID, &reason)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("sell trade %s not active: %w", tradeID, ErrConflict)
		}
		if err != nil {
			return err
		}
		if rec.CloseReason == "" {
			rec.CloseReason = reason
		}

		tag, err := tx.Exec(ctx,
			`UPDATE positions SET state = 'closed', close_reason = $2, closed_at = $3
			 WHERE id = $1 AND state = 'opened'`,
			positionID, rec.CloseReason, rec.ClosedAt.UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("position %s not opened: %w", positionID, ErrConflict)
		}

		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		rec.PositionID = positionID
		_, err = tx.Exec(ctx,
			`INSERT INTO performance_records (id, position_id, consumer_id, instrument, quantity,
			                                  buy_price, sell_price, profit_loss, return_pct,
			                                  holding_seconds, close_reason, opened_at, closed_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13)`,
			rec.ID, rec.PositionID, rec.ConsumerID, rec.Instrument, rec.Quantity,
			rec.BuyPrice.String(), rec.SellPrice.String(), rec.ProfitLoss.String(), rec.ReturnPct.String(),
			int64(rec.HoldingDuration/time.Second), rec.CloseReason, rec.OpenedAt.UTC(), rec.ClosedAt.UTC(),
		)
		return err
	})
}

// --- Performance ---

func (s *PostgresStore) ListPerformance(ctx context.Context, f PerformanceFilter) ([]model.PerformanceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, consumer_id, instrument, quantity,
		        buy_price::TEXT, sell_price::TEXT, profit_loss::TEXT, return_pct::TEXT,
		        holding_seconds, close_reason, opened_at, closed_at
		 FROM performance_records
		 WHERE ($1 = '' OR consumer_id = $1)
		   AND ($2::TIMESTAMPTZ IS NULL OR closed_at >= $2)
		   AND ($3::TIMESTAMPTZ IS NULL OR closed_at < $3)
		 ORDER BY closed_at`,
		f.ConsumerID, nullTime(f.Since), nullTime(f.Until))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PerformanceRecord
	for rows.Next() {
		var r model.PerformanceRecord
		var buyS, sellS, plS, retS string
		var holdingSecs int64
		if err := rows.Scan(&r.ID, &r.PositionID, &r.ConsumerID, &r.Instrument, &r.Quantity,
			&buyS, &sellS, &plS, &retS,
			&holdingSecs, &r.CloseReason, &r.OpenedAt, &r.ClosedAt); err != nil {
			return nil, err
		}
		r.BuyPrice, _ = decimal.NewFromString(buyS)
		r.SellPrice, _ = decimal.NewFromString(sellS)
		r.ProfitLoss, _ = decimal.NewFromString(plS)
		r.ReturnPct, _ = decimal.NewFromString(retS)
		r.HoldingDuration = time.Duration(holdingSecs) * time.Second
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- Run log & cursors ---

func (s *PostgresStore) AppendRunLog(ctx context.Context, l *model.RunLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_logs (id, component, consumer_id, event_id, status, step, subject,
		                       fetched, new_count, duplicate_count, error_count, error_text,
		                       duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		l.ID, l.Component, l.ConsumerID, l.EventID, l.Status, l.Step, l.Subject,
		l.Fetched, l.New, l.Duplicates, l.Errors, l.ErrorText,
		l.Duration.Milliseconds(), l.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListRunLogs(ctx context.Context, component string, limit int) ([]model.RunLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, component, consumer_id, event_id, status, step, subject,
		        fetched, new_count, duplicate_count, error_count, error_text, duration_ms, created_at
		 FROM run_logs
		 WHERE ($1 = '' OR component = $1)
		 ORDER BY created_at DESC
		 LIMIT NULLIF($2::INTEGER, 0)`, component, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.RunLog
	for rows.Next() {
		var l model.RunLog
		var durationMs int64
		if err := rows.Scan(&l.ID, &l.Component, &l.ConsumerID, &l.EventID, &l.Status, &l.Step, &l.Subject,
			&l.Fetched, &l.New, &l.Duplicates, &l.Errors, &l.ErrorText, &durationMs, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Duration = time.Duration(durationMs) * time.Millisecond
		result = append(result, l)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetCursor(ctx context.Context, name string) (time.Time, bool, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx, `SELECT position FROM cursors WHERE name = $1`, name).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (s *PostgresStore) SetCursor(ctx context.Context, name string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cursors (name, position, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET position = EXCLUDED.position, updated_at = now()`,
		name, at.UTC())
	return err
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	rowScanner
	Next() bool
	Err() error
}

func scanEvent(row rowScanner) (*model.Event, error) {
	var e model.Event
	if err := row.Scan(&e.ID, &e.ExternalRef, &e.Subject, &e.SubjectName, &e.Category,
		&e.OccurredAt, &e.Fingerprint, &e.Content, &e.IngestedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var acqS, targetS, stopS string
	if err := row.Scan(&p.ID, &p.PredictionID, &p.ConsumerID, &p.Instrument, &p.InstrumentName, &p.Quantity,
		&acqS, &targetS, &stopS,
		&p.State, &p.CloseReason, &p.AbandonedReason, &p.CreatedAt, &p.OpenedAt, &p.ClosedAt); err != nil {
		return nil, err
	}
	p.AcquisitionPrice, _ = decimal.NewFromString(acqS)
	p.TargetPrice, _ = decimal.NewFromString(targetS)
	p.StopPrice, _ = decimal.NewFromString(stopS)
	return &p, nil
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var priceS string
	if err := row.Scan(&t.ID, &t.PositionID, &t.ConsumerID, &t.Instrument, &t.Side, &t.Quantity, &priceS,
		&t.OrderRef, &t.Status, &t.Reason, &t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Price, _ = decimal.NewFromString(priceS)
	return &t, nil
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
