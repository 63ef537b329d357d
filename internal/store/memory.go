package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wkf/trade-engine/internal/model"
)

type analysisKey struct {
	eventID    string
	consumerID string
}

type analysis struct {
	stage     string
	attempts  int
	claimedAt time.Time
	updatedAt time.Time
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence, no
// cross-process coordination).
type MemoryStore struct {
	mu sync.RWMutex

	events        map[string]*model.Event
	eventOrder    []string
	byFingerprint map[string]string

	analyses        map[analysisKey]*analysis
	candidates      map[string]*model.Candidate
	candidateOrder  []string
	predByCandidate map[string]*model.Prediction

	positions     map[string]*model.Position
	posOrder      []string
	posPrediction map[string]string

	trades     map[string]*model.Trade
	tradeOrder []string

	perf    []model.PerformanceRecord
	runs    []model.RunLog
	cursors map[string]time.Time

	pingErr error

	// Now stamps claims and run logs. Tests replace it.
	Now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:          make(map[string]*model.Event),
		byFingerprint:   make(map[string]string),
		analyses:        make(map[analysisKey]*analysis),
		candidates:      make(map[string]*model.Candidate),
		predByCandidate: make(map[string]*model.Prediction),
		positions:       make(map[string]*model.Position),
		posPrediction:   make(map[string]string),
		trades:          make(map[string]*model.Trade),
		cursors:         make(map[string]time.Time),
		Now:             time.Now,
	}
}

// SetPingError makes Ping fail with err until cleared with nil.
func (s *MemoryStore) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pingErr
}

// --- Events ---

func (s *MemoryStore) InsertEvent(_ context.Context, e *model.Event) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byFingerprint[e.Fingerprint]; ok {
		return id, false, nil
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.IngestedAt.IsZero() {
		e.IngestedAt = s.Now().UTC()
	}

	// Store a copy to avoid external mutation.
	copy := *e
	s.events[e.ID] = &copy
	s.eventOrder = append(s.eventOrder, e.ID)
	s.byFingerprint[e.Fingerprint] = e.ID
	return e.ID, true, nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	copy := *e
	return &copy, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]model.Event, 0, len(s.eventOrder))
	for i := len(s.eventOrder) - 1; i >= 0; i-- {
		events = append(events, *s.events[s.eventOrder[i]])
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

func (s *MemoryStore) ListUnprocessed(_ context.Context, consumerID string, since, staleBefore time.Time, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []model.Event
	for _, id := range s.eventOrder {
		e := s.events[id]
		if e.IngestedAt.Before(since) {
			continue
		}
		if a, ok := s.analyses[analysisKey{id, consumerID}]; ok {
			if model.TerminalStage(a.stage) || !a.claimedAt.Before(staleBefore) {
				continue
			}
		}
		events = append(events, *e)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

// --- Analysis claims ---

func (s *MemoryStore) ClaimEvent(_ context.Context, eventID, consumerID string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[eventID]; !ok {
		return false, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}

	now := s.Now().UTC()
	key := analysisKey{eventID, consumerID}
	a, ok := s.analyses[key]
	if !ok {
		s.analyses[key] = &analysis{stage: model.StageReceived, attempts: 1, claimedAt: now, updatedAt: now}
		return true, nil
	}
	if model.TerminalStage(a.stage) || !a.claimedAt.Before(staleBefore) {
		return false, nil
	}
	a.attempts++
	a.claimedAt = now
	a.updatedAt = now
	return true, nil
}

func (s *MemoryStore) SetAnalysisStage(_ context.Context, eventID, consumerID, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.analyses[analysisKey{eventID, consumerID}]
	if !ok {
		return fmt.Errorf("analysis %s/%s: %w", eventID, consumerID, ErrNotFound)
	}
	a.stage = stage
	a.updatedAt = s.Now().UTC()
	return nil
}

// AnalysisStage returns the recorded stage and attempt count, for tests.
func (s *MemoryStore) AnalysisStage(eventID, consumerID string) (string, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.analyses[analysisKey{eventID, consumerID}]
	if !ok {
		return "", 0
	}
	return a.stage, a.attempts
}

// --- Candidates & predictions ---

func (s *MemoryStore) SaveCandidate(_ context.Context, c *model.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.candidates {
		if existing.EventID == c.EventID && existing.Instrument == c.Instrument && existing.ConsumerID == c.ConsumerID {
			return fmt.Errorf("candidate %s for event %s: %w", c.Instrument, c.EventID, ErrConflict)
		}
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.Now().UTC()
	}
	copy := *c
	s.candidates[c.ID] = &copy
	s.candidateOrder = append(s.candidateOrder, c.ID)
	return nil
}

func (s *MemoryStore) UpdateCandidateStatus(_ context.Context, id, status, failedStep string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.candidates[id]
	if !ok {
		return fmt.Errorf("candidate %s: %w", id, ErrNotFound)
	}
	c.Status = status
	c.FailedStep = failedStep
	return nil
}

func (s *MemoryStore) ListCandidates(_ context.Context, eventID, consumerID string) ([]model.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Candidate
	for _, id := range s.candidateOrder {
		c := s.candidates[id]
		if c.EventID == eventID && c.ConsumerID == consumerID {
			result = append(result, *c)
		}
	}
	return result, nil
}

func (s *MemoryStore) SavePrediction(_ context.Context, p *model.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.candidates[p.CandidateID]; !ok {
		return fmt.Errorf("candidate %s: %w", p.CandidateID, ErrNotFound)
	}
	if _, ok := s.predByCandidate[p.CandidateID]; ok {
		return fmt.Errorf("prediction for candidate %s: %w", p.CandidateID, ErrConflict)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.Now().UTC()
	}
	copy := *p
	s.predByCandidate[p.CandidateID] = &copy
	return nil
}

func (s *MemoryStore) GetPrediction(_ context.Context, candidateID string) (*model.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.predByCandidate[candidateID]
	if !ok {
		return nil, fmt.Errorf("prediction for candidate %s: %w", candidateID, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

// --- Positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.posPrediction[p.PredictionID]; ok {
		return fmt.Errorf("position for prediction %s: %w", p.PredictionID, ErrConflict)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.Now().UTC()
	}
	p.State = model.StateIntent
	copy := *p
	s.positions[p.ID] = &copy
	s.posOrder = append(s.posOrder, p.ID)
	s.posPrediction[p.PredictionID] = p.ID
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, f PositionFilter) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, id := range s.posOrder {
		p := s.positions[id]
		if f.ConsumerID != "" && p.ConsumerID != f.ConsumerID {
			continue
		}
		if f.State != "" && p.State != f.State {
			continue
		}
		if f.Actionable && p.AbandonedReason != "" {
			continue
		}
		result = append(result, *p)
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) HasOpenPosition(_ context.Context, consumerID, instrument string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openedLocked(consumerID, instrument) != nil, nil
}

func (s *MemoryStore) openedLocked(consumerID, instrument string) *model.Position {
	for _, p := range s.positions {
		if p.ConsumerID == consumerID && p.Instrument == instrument && p.State == model.StateOpened {
			return p
		}
	}
	return nil
}

func (s *MemoryStore) AbandonPosition(_ context.Context, id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return false, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if p.State != model.StateIntent || p.AbandonedReason != "" {
		return false, nil
	}
	for _, t := range s.trades {
		if t.PositionID == id && t.Side == model.SideBuy && activeTrade(t.Status) {
			return false, nil
		}
	}
	p.AbandonedReason = reason
	return true, nil
}

// --- Trades ---

func (s *MemoryStore) BeginTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[t.PositionID]; !ok {
		return fmt.Errorf("position %s: %w", t.PositionID, ErrNotFound)
	}
	for _, existing := range s.trades {
		if existing.PositionID == t.PositionID && existing.Side == t.Side && existing.Status != model.TradeFailed {
			return fmt.Errorf("%s trade for position %s: %w", t.Side, t.PositionID, ErrConflict)
		}
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := s.Now().UTC()
	t.Status = model.TradePending
	t.CreatedAt = now
	t.UpdatedAt = now
	copy := *t
	s.trades[t.ID] = &copy
	s.tradeOrder = append(s.tradeOrder, t.ID)
	return nil
}

func (s *MemoryStore) MarkTradeSubmitted(_ context.Context, id, orderRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	if t.Status != model.TradePending {
		return fmt.Errorf("trade %s is %s: %w", id, t.Status, ErrConflict)
	}
	t.Status = model.TradeSubmitted
	t.OrderRef = orderRef
	t.UpdatedAt = s.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkTradeFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	if !activeTrade(t.Status) {
		return fmt.Errorf("trade %s is %s: %w", id, t.Status, ErrConflict)
	}
	t.Status = model.TradeFailed
	t.Error = reason
	t.UpdatedAt = s.Now().UTC()
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) ListActiveTrades(_ context.Context, consumerID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, id := range s.tradeOrder {
		t := s.trades[id]
		if t.ConsumerID == consumerID && activeTrade(t.Status) {
			result = append(result, *t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, positionID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, id := range s.tradeOrder {
		if t := s.trades[id]; t.PositionID == positionID {
			result = append(result, *t)
		}
	}
	return result, nil
}

func (s *MemoryStore) CompleteBuy(_ context.Context, tradeID string, fill Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, p, err := s.tradeAndPositionLocked(tradeID, model.SideBuy)
	if err != nil {
		return err
	}
	if p.State != model.StateIntent || p.AbandonedReason != "" {
		return fmt.Errorf("position %s is %s: %w", p.ID, p.State, ErrConflict)
	}
	if s.openedLocked(p.ConsumerID, p.Instrument) != nil {
		return fmt.Errorf("%s already opened for %s: %w", p.Instrument, p.ConsumerID, ErrConflict)
	}

	t.Status = model.TradeFilled
	t.Quantity = fill.Quantity
	t.Price = fill.Price
	t.UpdatedAt = s.Now().UTC()

	openedAt := fill.At.UTC()
	p.State = model.StateOpened
	p.Quantity = fill.Quantity
	p.AcquisitionPrice = fill.Price
	p.OpenedAt = &openedAt
	return nil
}

func (s *MemoryStore) CompleteSell(_ context.Context, tradeID string, rec *model.PerformanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, p, err := s.tradeAndPositionLocked(tradeID, model.SideSell)
	if err != nil {
		return err
	}
	if p.State != model.StateOpened {
		return fmt.Errorf("position %s is %s: %w", p.ID, p.State, ErrConflict)
	}

	if rec.CloseReason == "" {
		rec.CloseReason = t.Reason
	}

	t.Status = model.TradeFilled
	t.Price = rec.SellPrice
	t.UpdatedAt = s.Now().UTC()

	closedAt := rec.ClosedAt.UTC()
	p.State = model.StateClosed
	p.CloseReason = rec.CloseReason
	p.ClosedAt = &closedAt

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.PositionID = p.ID
	s.perf = append(s.perf, *rec)
	return nil
}

func (s *MemoryStore) tradeAndPositionLocked(tradeID string, side model.Side) (*model.Trade, *model.Position, error) {
	t, ok := s.trades[tradeID]
	if !ok {
		return nil, nil, fmt.Errorf("trade %s: %w", tradeID, ErrNotFound)
	}
	if t.Side != side || !activeTrade(t.Status) {
		return nil, nil, fmt.Errorf("trade %s is %s %s: %w", tradeID, t.Side, t.Status, ErrConflict)
	}
	p, ok := s.positions[t.PositionID]
	if !ok {
		return nil, nil, fmt.Errorf("position %s: %w", t.PositionID, ErrNotFound)
	}
	return t, p, nil
}

func activeTrade(st model.TradeStatus) bool {
	return st == model.TradePending || st == model.TradeSubmitted
}

// --- Performance ---

func (s *MemoryStore) ListPerformance(_ context.Context, f PerformanceFilter) ([]model.PerformanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PerformanceRecord
	for _, r := range s.perf {
		if f.ConsumerID != "" && r.ConsumerID != f.ConsumerID {
			continue
		}
		if !f.Since.IsZero() && r.ClosedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !r.ClosedAt.Before(f.Until) {
			continue
		}
		result = append(result, r)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].ClosedAt.Before(result[j].ClosedAt) })
	return result, nil
}

// --- Run log & cursors ---

func (s *MemoryStore) AppendRunLog(_ context.Context, l *model.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.Now().UTC()
	}
	s.runs = append(s.runs, *l)
	return nil
}

func (s *MemoryStore) ListRunLogs(_ context.Context, component string, limit int) ([]model.RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.RunLog
	for i := len(s.runs) - 1; i >= 0; i-- {
		if component != "" && s.runs[i].Component != component {
			continue
		}
		result = append(result, s.runs[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) GetCursor(_ context.Context, name string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.cursors[name]
	return at, ok, nil
}

func (s *MemoryStore) SetCursor(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = at
	return nil
}
