package fanout

import (
	"context"
	"sync"

	"github.com/wkf/trade-engine/internal/metrics"
)

// Hub is an in-process Channel. Used by tests and single-binary setups.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan string]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan string]struct{})}
}

func (h *Hub) Publish(_ context.Context, eventID string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrClosed
	}
	metrics.FanoutMessages.WithLabelValues("published").Inc()
	for ch := range h.subs {
		select {
		case ch <- eventID:
		default:
			// Drop for a full subscriber; the reconciliation sweep picks it up.
			metrics.FanoutMessages.WithLabelValues("dropped").Inc()
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context) (<-chan string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	ch := make(chan string, subscriberBuffer)
	h.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
