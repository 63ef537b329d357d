// Package ingest pulls disclosures from the upstream feed into the shared
// event store and announces each first insert on the fan-out channel.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wkf/trade-engine/internal/capability"
	"github.com/wkf/trade-engine/internal/fanout"
	"github.com/wkf/trade-engine/internal/instrument"
	"github.com/wkf/trade-engine/internal/metrics"
	"github.com/wkf/trade-engine/internal/model"
)

// EventWriter is the part of the store the event store writes through.
type EventWriter interface {
	InsertEvent(ctx context.Context, e *model.Event) (id string, inserted bool, err error)
}

// Result is the outcome of one Ingest call.
type Result struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

// EventStore is the idempotent entry point for new events.
type EventStore struct {
	store  EventWriter
	pub    fanout.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewEventStore creates an event store. pub may be nil when nothing listens.
func NewEventStore(st EventWriter, pub fanout.Publisher) *EventStore {
	return &EventStore{
		store:  st,
		pub:    pub,
		logger: slog.With("component", "event-store"),
		now:    time.Now,
	}
}

// Normalize turns a raw upstream record into an Event with its fingerprint.
func Normalize(raw capability.RawEvent) *model.Event {
	e := &model.Event{
		ExternalRef: strings.TrimSpace(raw.ExternalRef),
		SubjectName: strings.TrimSpace(raw.SubjectName),
		Category:    strings.TrimSpace(raw.Category),
		OccurredAt:  raw.OccurredAt.UTC(),
		Content:     strings.TrimSpace(raw.Content),
	}
	if raw.Subject != "" {
		e.Subject = instrument.Normalize(raw.Subject)
	}
	e.Fingerprint = model.Fingerprint(e)
	return e
}

// Ingest stores raw unless an event with the same fingerprint exists. A
// duplicate is reported, not returned as an error. Only a first insert is
// published; a publish failure is logged and left to the consumers'
// reconciliation sweeps.
func (s *EventStore) Ingest(ctx context.Context, raw capability.RawEvent) (Result, error) {
	e := Normalize(raw)
	e.IngestedAt = s.now().UTC()

	id, inserted, err := s.store.InsertEvent(ctx, e)
	if err != nil {
		metrics.EventsIngested.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("ingest %s: %w", e.ExternalRef, err)
	}
	if !inserted {
		metrics.EventsIngested.WithLabelValues("duplicate").Inc()
		s.logger.Debug("duplicate event", "external_ref", e.ExternalRef, "event_id", id)
		return Result{ID: id, Duplicate: true}, nil
	}

	metrics.EventsIngested.WithLabelValues("new").Inc()
	s.logger.Info("event stored",
		"event_id", id,
		"external_ref", e.ExternalRef,
		"subject", e.Subject,
		"category", e.Category,
	)

	if s.pub != nil {
		if err := s.pub.Publish(ctx, id); err != nil {
			s.logger.Warn("publish failed, consumers will reconcile", "event_id", id, "err", err)
		}
	}
	return Result{ID: id}, nil
}
