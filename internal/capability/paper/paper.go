// Package paper is a simulated brokerage. Market orders fill immediately
// and completely at the current market price.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/wkf/trade-engine/internal/capability"
)

// Broker implements capability.Brokerage against a price source.
type Broker struct {
	prices capability.MarketData

	mu       sync.Mutex
	orders   map[string]capability.Order
	byClient map[string]string
}

// New creates a paper broker that fills at prices from md.
func New(md capability.MarketData) *Broker {
	return &Broker{
		prices:   md,
		orders:   make(map[string]capability.Order),
		byClient: make(map[string]string),
	}
}

func (b *Broker) MarketBuy(ctx context.Context, req capability.OrderRequest) (string, error) {
	return b.submit(ctx, "buy", req)
}

func (b *Broker) MarketSell(ctx context.Context, req capability.OrderRequest) (string, error) {
	return b.submit(ctx, "sell", req)
}

func (b *Broker) submit(ctx context.Context, side string, req capability.OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("paper %s %s: quantity %d: %w", side, req.Instrument, req.Quantity, capability.ErrRejected)
	}

	b.mu.Lock()
	if ref, ok := b.byClient[req.ClientRef]; ok && req.ClientRef != "" {
		b.mu.Unlock()
		return ref, nil
	}
	b.mu.Unlock()

	price, err := b.prices.CurrentPrice(ctx, req.Instrument)
	if err != nil {
		return "", fmt.Errorf("paper %s %s: %w", side, req.Instrument, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ref, ok := b.byClient[req.ClientRef]; ok && req.ClientRef != "" {
		return ref, nil
	}
	order := capability.Order{
		Ref:       uuid.NewString(),
		ClientRef: req.ClientRef,
		Status:    capability.OrderFilled,
		FilledQty: req.Quantity,
		AvgPrice:  price,
	}
	b.orders[order.Ref] = order
	if req.ClientRef != "" {
		b.byClient[req.ClientRef] = order.Ref
	}
	slog.Info("paper order filled",
		"side", side,
		"instrument", req.Instrument,
		"quantity", req.Quantity,
		"price", price.String(),
		"ref", order.Ref,
	)
	return order.Ref, nil
}

func (b *Broker) OrderStatus(_ context.Context, ref string) (capability.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[ref]
	if !ok {
		return capability.Order{}, fmt.Errorf("paper order %s: %w", ref, capability.ErrNotFound)
	}
	return o, nil
}

func (b *Broker) FindOrder(_ context.Context, clientRef string) (capability.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, ok := b.byClient[clientRef]
	if !ok {
		return capability.Order{}, fmt.Errorf("paper order for %s: %w", clientRef, capability.ErrNotFound)
	}
	return b.orders[ref], nil
}
