// Package api serves the read-only reporting HTTP API: events, positions,
// trades, run logs and performance summaries, plus a WebSocket feed of
// lifecycle notifications.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wkf/trade-engine/internal/model"
	"github.com/wkf/trade-engine/internal/performance"
	"github.com/wkf/trade-engine/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Service handles reporting requests.
type Service struct {
	store    store.Store
	reporter *performance.Reporter
}

// NewService creates a reporting service. Performance buckets are computed
// in loc.
func NewService(st store.Store, loc *time.Location) *Service {
	return &Service{store: st, reporter: performance.NewReporter(st, loc)}
}

// ListEvents handles GET /api/v1/events?limit=
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	events, err := s.store.ListEvents(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, events)
}

// GetEvent handles GET /api/v1/events/{eventID}
func (s *Service) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.store.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeStoreError(w, "event", err)
		return
	}
	writeJSON(w, event)
}

// ListPositions handles GET /api/v1/positions?consumer=&state=&limit=
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	state := model.PositionState(q.Get("state"))
	switch state {
	case "", model.StateIntent, model.StateOpened, model.StateClosed:
	default:
		writeError(w, "state must be intent, opened or closed", http.StatusBadRequest)
		return
	}

	positions, err := s.store.ListPositions(r.Context(), store.PositionFilter{
		ConsumerID: q.Get("consumer"),
		State:      state,
		Limit:      limit,
	})
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, positions)
}

// ListTrades handles GET /api/v1/positions/{positionID}/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "positionID")
	if _, err := s.store.GetPosition(r.Context(), id); err != nil {
		writeStoreError(w, "position", err)
		return
	}
	trades, err := s.store.ListTrades(r.Context(), id)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, trades)
}

// ListRuns handles GET /api/v1/runs?component=&limit=
func (s *Service) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	runs, err := s.store.ListRunLogs(r.Context(), r.URL.Query().Get("component"), limit)
	if err != nil {
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.RunLog{}
	}
	writeJSON(w, runs)
}

// GetPerformance handles GET /api/v1/performance?consumer=&bucket=&since=&until=
// since and until are RFC 3339 timestamps.
func (s *Service) GetPerformance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bucket, err := performance.ParseBucket(q.Get("bucket"))
	if err != nil {
		writeError(w, "bucket must be day, week, month or all", http.StatusBadRequest)
		return
	}
	f := store.PerformanceFilter{ConsumerID: q.Get("consumer")}
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, "invalid since", http.StatusBadRequest)
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		writeError(w, "invalid until", http.StatusBadRequest)
		return
	}

	sums, err := s.reporter.Summaries(r.Context(), f, bucket)
	if err != nil {
		writeError(w, "failed to load performance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sums)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return min(n, maxLimit), true
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeStoreError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, what+" not found", http.StatusNotFound)
		return
	}
	writeError(w, "failed to load "+what, http.StatusInternalServerError)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
