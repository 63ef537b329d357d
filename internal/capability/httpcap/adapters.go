package httpcap

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wkf/trade-engine/internal/capability"
	"github.com/wkf/trade-engine/internal/model"
)

// --- Event source ---

// EventSource polls GET /events?since=.
type EventSource struct{ c *Client }

func NewEventSource(c *Client) *EventSource { return &EventSource{c: c} }

func (s *EventSource) FetchSince(ctx context.Context, since time.Time) ([]capability.RawEvent, error) {
	var out struct {
		Events []capability.RawEvent `json:"events"`
	}
	q := url.Values{"since": {since.UTC().Format(time.RFC3339)}}
	if err := s.c.do(ctx, http.MethodGet, "/events", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// --- Recommender ---

type recommendRequest struct {
	Subject     string `json:"subject,omitempty"`
	SubjectName string `json:"subject_name,omitempty"`
	Category    string `json:"category"`
	Content     string `json:"content"`
	Max         int    `json:"max"`
	Model       string `json:"model,omitempty"`
	Version     string `json:"model_version,omitempty"`
}

// Recommender calls POST /recommend.
type Recommender struct {
	c     *Client
	model capability.Model
}

func NewRecommender(c *Client, m capability.Model) *Recommender {
	return &Recommender{c: c, model: m}
}

func (r *Recommender) Recommend(ctx context.Context, in capability.RecommendInput) ([]capability.Recommendation, error) {
	var out struct {
		Recommendations []capability.Recommendation `json:"recommendations"`
	}
	req := recommendRequest{
		Subject:     in.Subject,
		SubjectName: in.SubjectName,
		Category:    in.Category,
		Content:     in.Content,
		Max:         in.Max,
		Model:       r.model.Name,
		Version:     r.model.Version,
	}
	if err := r.c.do(ctx, http.MethodPost, "/recommend", nil, req, &out); err != nil {
		return nil, err
	}
	return out.Recommendations, nil
}

// --- Predictor ---

type predictRequest struct {
	Instrument     string      `json:"instrument"`
	InstrumentName string      `json:"instrument_name,omitempty"`
	Daily          []model.Bar `json:"daily"`
	Intraday       []model.Bar `json:"intraday"`
	EventContent   string      `json:"event_content"`
	EventCategory  string      `json:"event_category,omitempty"`
	Model          string      `json:"model,omitempty"`
	Version        string      `json:"model_version,omitempty"`
}

// Predictor calls POST /predict.
type Predictor struct {
	c     *Client
	model capability.Model
}

func NewPredictor(c *Client, m capability.Model) *Predictor {
	return &Predictor{c: c, model: m}
}

func (p *Predictor) Predict(ctx context.Context, in capability.PredictInput) (capability.PredictionResult, error) {
	var out capability.PredictionResult
	req := predictRequest{
		Instrument:     in.Instrument,
		InstrumentName: in.InstrumentName,
		Daily:          in.Daily,
		Intraday:       in.Intraday,
		EventContent:   in.EventContent,
		EventCategory:  in.EventCategory,
		Model:          p.model.Name,
		Version:        p.model.Version,
	}
	if err := p.c.do(ctx, http.MethodPost, "/predict", nil, req, &out); err != nil {
		return capability.PredictionResult{}, err
	}
	if out.Confidence < 0 || out.Confidence > 100 {
		return capability.PredictionResult{}, fmt.Errorf("predict %s: confidence %d: %w", in.Instrument, out.Confidence, capability.ErrInvalidResponse)
	}
	return out, nil
}

// --- Market data ---

// MarketData serves /instruments/{code}/{daily,intraday,quote}.
type MarketData struct{ c *Client }

func NewMarketData(c *Client) *MarketData { return &MarketData{c: c} }

func (m *MarketData) DailyBars(ctx context.Context, instrument string, days int) ([]model.Bar, error) {
	q := url.Values{"days": {strconv.Itoa(days)}}
	return m.bars(ctx, "/instruments/"+url.PathEscape(instrument)+"/daily", q)
}

func (m *MarketData) IntradayBars(ctx context.Context, instrument string, date time.Time) ([]model.Bar, error) {
	q := url.Values{"date": {date.Format(time.DateOnly)}}
	return m.bars(ctx, "/instruments/"+url.PathEscape(instrument)+"/intraday", q)
}

func (m *MarketData) bars(ctx context.Context, path string, q url.Values) ([]model.Bar, error) {
	var out struct {
		Bars []model.Bar `json:"bars"`
	}
	if err := m.c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	slices.SortStableFunc(out.Bars, func(a, b model.Bar) int { return a.Time.Compare(b.Time) })
	return out.Bars, nil
}

func (m *MarketData) CurrentPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	var out struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := m.c.do(ctx, http.MethodGet, "/instruments/"+url.PathEscape(instrument)+"/quote", nil, nil, &out); err != nil {
		return decimal.Zero, err
	}
	if !out.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("quote %s: price %s: %w", instrument, out.Price, capability.ErrInvalidResponse)
	}
	return out.Price, nil
}

// --- Brokerage ---

type orderRequest struct {
	Side string `json:"side"`
	capability.OrderRequest
}

// Broker submits orders to POST /orders and reads them back from
// GET /orders/{ref} or GET /orders?client_ref=.
type Broker struct{ c *Client }

// NewBroker creates a brokerage adapter. 400 and 422 answers are treated as
// order rejections.
func NewBroker(c *Client) *Broker {
	c.rejectStatus = true
	return &Broker{c: c}
}

func (b *Broker) MarketBuy(ctx context.Context, req capability.OrderRequest) (string, error) {
	return b.submit(ctx, "buy", req)
}

func (b *Broker) MarketSell(ctx context.Context, req capability.OrderRequest) (string, error) {
	return b.submit(ctx, "sell", req)
}

func (b *Broker) submit(ctx context.Context, side string, req capability.OrderRequest) (string, error) {
	var out struct {
		Ref string `json:"ref"`
	}
	if err := b.c.do(ctx, http.MethodPost, "/orders", nil, orderRequest{Side: side, OrderRequest: req}, &out); err != nil {
		return "", err
	}
	if out.Ref == "" {
		return "", fmt.Errorf("%s %s: empty order ref: %w", side, req.Instrument, capability.ErrInvalidResponse)
	}
	return out.Ref, nil
}

func (b *Broker) OrderStatus(ctx context.Context, ref string) (capability.Order, error) {
	var out capability.Order
	err := b.c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(ref), nil, nil, &out)
	return out, err
}

func (b *Broker) FindOrder(ctx context.Context, clientRef string) (capability.Order, error) {
	var out capability.Order
	err := b.c.do(ctx, http.MethodGet, "/orders", url.Values{"client_ref": {clientRef}}, nil, &out)
	return out, err
}
