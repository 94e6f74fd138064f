package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-rate-tracker/internal/storage"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04:05"

	maxSearchResults = 50
	explainWindow    = 24 * time.Hour
)

// BootstrapSymbols is served by symbol listing and search until the store knows any symbol.
var BootstrapSymbols = []string{
	"BTC", "ETH", "BNB", "SOL", "XRP", "DOGE", "ADA", "AVAX", "DOT", "MATIC",
	"LINK", "UNI", "LTC", "ATOM", "ETC", "XLM", "BCH", "NEAR", "APT", "FIL",
}

var summaryRanges = map[string]int{"7d": 7, "30d": 30}

// ValidationError reports a malformed read-side query.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// LatestRate is the most recent stored sample of one symbol.
type LatestRate struct {
	Symbol     string          `json:"symbol"`
	Rate       decimal.Decimal `json:"rate"`
	Timestamp  int64           `json:"timestamp"`
	LastUpdate string          `json:"lastUpdate"`
}

// HistoryPoint is one stored sample labelled with its calendar day.
type HistoryPoint struct {
	Date      string          `json:"date"`
	Rate      decimal.Decimal `json:"rate"`
	Timestamp int64           `json:"timestamp"`
}

// StatsSummary describes a symbol over a trailing window. It is recomputed on every call.
type StatsSummary struct {
	Symbol        string
	Range         string
	Max           decimal.Decimal
	Min           decimal.Decimal
	Avg           decimal.Decimal
	Change        decimal.Decimal
	ChangePercent string
	Samples       int
}

// MarketReport is the templated 24 hour commentary for a symbol.
type MarketReport struct {
	Symbol        string
	Report        string
	HasData       bool
	Trend         string
	Volatility    string
	Max           decimal.Decimal
	Min           decimal.Decimal
	Change        decimal.Decimal
	ChangePercent string
}

// Engine computes derived views over the rate history. All operations are reads.
type Engine struct {
	store  storage.RateReader
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New constructs an Engine. Calendar days are interpreted in loc.
func New(store storage.RateReader, loc *time.Location, logger zerolog.Logger, opts ...Option) *Engine {
	if loc == nil {
		loc = time.Local
	}
	e := &Engine{
		store:  store,
		loc:    loc,
		now:    time.Now,
		logger: logger.With().Str("component", "analytics").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Location returns the zone used for calendar-day conversion.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Latest returns the newest sample of symbol, or of every symbol when symbol is empty.
func (e *Engine) Latest(ctx context.Context, symbol string) ([]LatestRate, error) {
	symbol = normalise(symbol)

	var samples []storage.RateSample
	if symbol == "" {
		all, err := e.store.AllLatest(ctx)
		if err != nil {
			return nil, fmt.Errorf("load latest rates: %w", err)
		}
		samples = all
	} else {
		sample, ok, err := e.store.LatestBySymbol(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("load latest %s rate: %w", symbol, err)
		}
		if ok {
			samples = append(samples, sample)
		}
	}

	out := make([]LatestRate, 0, len(samples))
	for _, sample := range samples {
		out = append(out, LatestRate{
			Symbol:     sample.Symbol,
			Rate:       sample.Rate,
			Timestamp:  sample.ObservedAt,
			LastUpdate: sample.ObservedTime(e.loc).Format(dateTimeLayout),
		})
	}
	return out, nil
}

// History returns the samples of symbol between two inclusive calendar days (yyyy-mm-dd).
func (e *Engine) History(ctx context.Context, symbol, start, end string) ([]HistoryPoint, error) {
	symbol = normalise(symbol)
	if symbol == "" {
		return nil, &ValidationError{Field: "symbol", Message: "is required"}
	}
	startDay, err := e.parseDay("start", start)
	if err != nil {
		return nil, err
	}
	endDay, err := e.parseDay("end", end)
	if err != nil {
		return nil, err
	}
	if endDay.Before(startDay) {
		return nil, &ValidationError{Field: "end", Message: "must not be before start"}
	}

	from := startDay.Unix()
	to := endDay.AddDate(0, 0, 1).Unix() - 1

	samples, err := e.store.InRange(ctx, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("load %s history: %w", symbol, err)
	}

	out := make([]HistoryPoint, 0, len(samples))
	for _, sample := range samples {
		out = append(out, HistoryPoint{
			Date:      sample.ObservedTime(e.loc).Format(dateLayout),
			Rate:      sample.Rate,
			Timestamp: sample.ObservedAt,
		})
	}
	return out, nil
}

func (e *Engine) parseDay(field, value string) (time.Time, error) {
	day, err := time.ParseInLocation(dateLayout, strings.TrimSpace(value), e.loc)
	if err != nil {
		return time.Time{}, &ValidationError{Field: field, Message: fmt.Sprintf("%q is not a yyyy-mm-dd date", value)}
	}
	return day, nil
}

// Summary computes max, min, average and change of symbol over the trailing
// 7d or 30d window. An empty range means 7d.
func (e *Engine) Summary(ctx context.Context, symbol, rng string) (StatsSummary, error) {
	symbol = normalise(symbol)
	if symbol == "" {
		return StatsSummary{}, &ValidationError{Field: "symbol", Message: "is required"}
	}
	rng = strings.ToLower(strings.TrimSpace(rng))
	if rng == "" {
		rng = "7d"
	}
	days, ok := summaryRanges[rng]
	if !ok {
		return StatsSummary{}, &ValidationError{Field: "range", Message: fmt.Sprintf("%q is not one of 7d, 30d", rng)}
	}

	now := e.now()
	from := now.Add(-time.Duration(days) * 24 * time.Hour).Unix()
	to := now.Unix()

	w, err := e.window(ctx, symbol, from, to)
	if err != nil {
		return StatsSummary{}, err
	}

	return StatsSummary{
		Symbol:        symbol,
		Range:         rng,
		Max:           w.max,
		Min:           w.min,
		Avg:           w.avg.Round(2),
		Change:        w.change.Round(2),
		ChangePercent: formatPercent(w.percent),
		Samples:       len(w.samples),
	}, nil
}

// ExplainMarket renders a commentary on symbol's last 24 hours.
func (e *Engine) ExplainMarket(ctx context.Context, symbol string) (MarketReport, error) {
	symbol = normalise(symbol)
	if symbol == "" {
		return MarketReport{}, &ValidationError{Field: "symbol", Message: "is required"}
	}

	now := e.now()
	w, err := e.window(ctx, symbol, now.Add(-explainWindow).Unix(), now.Unix())
	if err != nil {
		return MarketReport{}, err
	}

	if len(w.samples) == 0 {
		return MarketReport{
			Symbol:        symbol,
			Report:        fmt.Sprintf("%s has no data for the last 24 hours.", symbol),
			ChangePercent: formatPercent(decimal.Zero),
		}, nil
	}

	report := MarketReport{
		Symbol:        symbol,
		HasData:       true,
		Trend:         trendOf(w.percent),
		Volatility:    volatilityOf(w.percent),
		Max:           w.max,
		Min:           w.min,
		Change:        w.change.Round(2),
		ChangePercent: formatPercent(w.percent),
	}
	report.Report = renderReport(report, w.percent)
	return report, nil
}

type window struct {
	samples []storage.RateSample
	max     decimal.Decimal
	min     decimal.Decimal
	avg     decimal.Decimal
	change  decimal.Decimal
	percent decimal.Decimal
}

func (e *Engine) window(ctx context.Context, symbol string, from, to int64) (window, error) {
	var w window
	var err error

	if w.max, _, err = e.store.MaxIn(ctx, symbol, from, to); err != nil {
		return w, fmt.Errorf("max %s rate: %w", symbol, err)
	}
	if w.min, _, err = e.store.MinIn(ctx, symbol, from, to); err != nil {
		return w, fmt.Errorf("min %s rate: %w", symbol, err)
	}
	if w.avg, _, err = e.store.AvgIn(ctx, symbol, from, to); err != nil {
		return w, fmt.Errorf("avg %s rate: %w", symbol, err)
	}
	if w.samples, err = e.store.InRange(ctx, symbol, from, to); err != nil {
		return w, fmt.Errorf("load %s window: %w", symbol, err)
	}

	w.change, w.percent = priceChange(w.samples)
	return w, nil
}

// Symbols lists every stored symbol, or the bootstrap catalog while the store is empty.
func (e *Engine) Symbols(ctx context.Context) ([]string, error) {
	symbols, err := e.store.AllSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("load symbols: %w", err)
	}
	if len(symbols) == 0 {
		e.logger.Debug().Int("count", len(BootstrapSymbols)).Msg("store has no symbols yet, using bootstrap catalog")
		return append([]string(nil), BootstrapSymbols...), nil
	}
	return symbols, nil
}

// SearchSymbols returns at most 50 symbols containing keyword, case-insensitively.
func (e *Engine) SearchSymbols(ctx context.Context, keyword string) ([]string, error) {
	symbols, err := e.Symbols(ctx)
	if err != nil {
		return nil, err
	}

	keyword = normalise(keyword)
	out := make([]string, 0, min(len(symbols), maxSearchResults))
	for _, symbol := range symbols {
		if len(out) == maxSearchResults {
			break
		}
		if keyword == "" || strings.Contains(strings.ToUpper(symbol), keyword) {
			out = append(out, symbol)
		}
	}
	return out, nil
}

func normalise(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
