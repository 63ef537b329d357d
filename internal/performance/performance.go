// Package performance derives closed-position records and aggregates them
// by consumer and time bucket.
package performance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/wkf/trade-engine/internal/model"
	"github.com/wkf/trade-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// ErrBucket is returned for an unknown bucket name.
var ErrBucket = errors.New("performance: unknown bucket")

// ReturnPct is the percentage change from buy to current, rounded to four
// decimal places. A zero buy price yields zero.
func ReturnPct(buy, current decimal.Decimal) decimal.Decimal {
	if buy.IsZero() {
		return decimal.Zero
	}
	return current.Sub(buy).Div(buy).Mul(hundred).Round(4)
}

// Build derives the record for an opened position sold at sellPrice.
func Build(p *model.Position, sellPrice decimal.Decimal, reason model.CloseReason, closedAt time.Time) *model.PerformanceRecord {
	var openedAt time.Time
	if p.OpenedAt != nil {
		openedAt = *p.OpenedAt
	}
	qty := decimal.NewFromInt(p.Quantity)
	return &model.PerformanceRecord{
		PositionID:      p.ID,
		ConsumerID:      p.ConsumerID,
		Instrument:      p.Instrument,
		Quantity:        p.Quantity,
		BuyPrice:        p.AcquisitionPrice,
		SellPrice:       sellPrice,
		ProfitLoss:      sellPrice.Sub(p.AcquisitionPrice).Mul(qty),
		ReturnPct:       ReturnPct(p.AcquisitionPrice, sellPrice),
		HoldingDuration: closedAt.Sub(openedAt),
		CloseReason:     reason,
		OpenedAt:        openedAt,
		ClosedAt:        closedAt,
	}
}

// Bucket is an aggregation period.
type Bucket string

const (
	Day   Bucket = "day"
	Week  Bucket = "week"
	Month Bucket = "month"
	All   Bucket = "all"
)

// ParseBucket accepts day, week, month or all. Empty means day.
func ParseBucket(s string) (Bucket, error) {
	switch b := Bucket(s); b {
	case "":
		return Day, nil
	case Day, Week, Month, All:
		return b, nil
	}
	return "", fmt.Errorf("%w: %q", ErrBucket, s)
}

// Start returns the beginning of the bucket containing t in loc. Weeks
// start on Monday.
func (b Bucket) Start(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	switch b {
	case Week:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	case All:
		return time.Time{}
	}
	return day
}

// Summary aggregates the closed positions of one consumer in one bucket.
type Summary struct {
	ConsumerID   string          `json:"consumer_id"`
	Bucket       Bucket          `json:"bucket"`
	Start        time.Time       `json:"start"`
	Trades       int             `json:"trades"`
	Wins         int             `json:"wins"`
	WinRate      float64         `json:"win_rate"`
	AvgReturnPct float64         `json:"avg_return_pct"`
	StdReturnPct float64         `json:"std_return_pct"`
	TotalPL      decimal.Decimal `json:"total_pl"`
	Reasons      map[string]int  `json:"close_reasons"`
}

// Summarize groups records by consumer and bucket, ordered by consumer then
// bucket start.
func Summarize(records []model.PerformanceRecord, bucket Bucket, loc *time.Location) []Summary {
	if loc == nil {
		loc = time.UTC
	}
	type key struct {
		consumer string
		start    time.Time
	}
	groups := make(map[key][]model.PerformanceRecord)
	for _, r := range records {
		k := key{r.ConsumerID, bucket.Start(r.ClosedAt, loc)}
		groups[k] = append(groups[k], r)
	}

	out := make([]Summary, 0, len(groups))
	for k, recs := range groups {
		s := aggregate(recs)
		s.ConsumerID = k.consumer
		s.Bucket = bucket
		s.Start = k.start
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConsumerID != out[j].ConsumerID {
			return out[i].ConsumerID < out[j].ConsumerID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

func aggregate(recs []model.PerformanceRecord) Summary {
	s := Summary{Trades: len(recs), TotalPL: decimal.Zero, Reasons: make(map[string]int)}
	returns := make([]float64, 0, len(recs))
	for _, r := range recs {
		if r.ProfitLoss.IsPositive() {
			s.Wins++
		}
		s.TotalPL = s.TotalPL.Add(r.ProfitLoss)
		s.Reasons[string(r.CloseReason)]++
		returns = append(returns, r.ReturnPct.InexactFloat64())
	}
	if s.Trades == 0 {
		return s
	}
	s.WinRate = float64(s.Wins) / float64(s.Trades)
	s.AvgReturnPct = round(stat.Mean(returns, nil))
	if len(returns) > 1 {
		s.StdReturnPct = round(stat.StdDev(returns, nil))
	}
	return s
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Lister reads performance records.
type Lister interface {
	ListPerformance(ctx context.Context, f store.PerformanceFilter) ([]model.PerformanceRecord, error)
}

// Reporter answers aggregate queries over the ledger.
type Reporter struct {
	records Lister
	loc     *time.Location
}

// NewReporter creates a reporter that buckets in the market time zone.
func NewReporter(records Lister, loc *time.Location) *Reporter {
	return &Reporter{records: records, loc: loc}
}

// Summaries aggregates the records matching f by bucket.
func (r *Reporter) Summaries(ctx context.Context, f store.PerformanceFilter, bucket Bucket) ([]Summary, error) {
	recs, err := r.records.ListPerformance(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list performance: %w", err)
	}
	return Summarize(recs, bucket, r.loc), nil
}
