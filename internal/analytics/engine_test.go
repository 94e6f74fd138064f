package analytics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"crypto-rate-tracker/internal/storage"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, samples ...storage.RateSample) (*Engine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	if len(samples) > 0 {
		_, err := store.Append(context.Background(), samples)
		require.NoError(t, err)
	}
	engine := New(store, time.UTC, zerolog.Nop(), WithClock(func() time.Time { return testNow }))
	return engine, store
}

func at(symbol, rate string, observed time.Time) storage.RateSample {
	return storage.RateSample{
		Symbol:     symbol,
		Rate:       decimal.RequireFromString(rate),
		ObservedAt: observed.Unix(),
		RecordedAt: observed,
	}
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func TestSummaryEmptyWindow(t *testing.T) {
	engine, _ := newEngine(t)

	summary, err := engine.Summary(t.Context(), "BTC", "7d")
	require.NoError(t, err)
	require.True(t, summary.Max.IsZero())
	require.True(t, summary.Min.IsZero())
	require.True(t, summary.Avg.IsZero())
	require.True(t, summary.Change.IsZero())
	require.Equal(t, "0.0%", summary.ChangePercent)
	require.Zero(t, summary.Samples)
}

func TestSummaryAndExplainUpTrend(t *testing.T) {
	engine, _ := newEngine(t,
		at("BTC", "100", testNow.Add(-20*time.Hour)),
		at("BTC", "110", testNow.Add(-2*time.Hour)),
		at("ETH", "5", testNow.Add(-time.Hour)),
	)

	summary, err := engine.Summary(t.Context(), "btc", "7d")
	require.NoError(t, err)
	require.Equal(t, "BTC", summary.Symbol)
	requireDecimal(t, "110", summary.Max)
	requireDecimal(t, "100", summary.Min)
	requireDecimal(t, "105", summary.Avg)
	requireDecimal(t, "10.00", summary.Change)
	require.Equal(t, "10.0%", summary.ChangePercent)
	require.Equal(t, 2, summary.Samples)

	again, err := engine.Summary(t.Context(), "BTC", "7d")
	require.NoError(t, err)
	require.Equal(t, summary, again)

	report, err := engine.ExplainMarket(t.Context(), "BTC")
	require.NoError(t, err)
	require.True(t, report.HasData)
	require.Equal(t, "up", report.Trend)
	require.Equal(t, "volatile", report.Volatility)
	require.Equal(t, "10.0%", report.ChangePercent)
	require.Contains(t, report.Report, "high $110.00")
	require.Contains(t, report.Report, "low $100.00")
	require.Contains(t, report.Report, "moved up 10.0%")
}

func TestSummaryUsesTimeOrderNotValueOrder(t *testing.T) {
	engine, _ := newEngine(t,
		at("SOL", "200", testNow.Add(-3*24*time.Hour)),
		at("SOL", "250", testNow.Add(-2*24*time.Hour)),
		at("SOL", "150", testNow.Add(-time.Hour)),
	)

	summary, err := engine.Summary(t.Context(), "SOL", "")
	require.NoError(t, err)
	require.Equal(t, "7d", summary.Range)
	requireDecimal(t, "-50", summary.Change)
	require.Equal(t, "-25.0%", summary.ChangePercent)
	requireDecimal(t, "200", summary.Avg)

	report, err := engine.ExplainMarket(t.Context(), "SOL")
	require.NoError(t, err)
	require.Equal(t, "flat", report.Trend)
	require.Equal(t, "stable", report.Volatility)
}

func TestSummaryWindowRanges(t *testing.T) {
	engine, _ := newEngine(t,
		at("ETH", "1000", testNow.Add(-20*24*time.Hour)),
		at("ETH", "1200", testNow.Add(-24*time.Hour)),
	)

	week, err := engine.Summary(t.Context(), "ETH", "7d")
	require.NoError(t, err)
	require.Equal(t, 1, week.Samples)
	require.Equal(t, "0.0%", week.ChangePercent)

	month, err := engine.Summary(t.Context(), "ETH", "30D")
	require.NoError(t, err)
	require.Equal(t, 2, month.Samples)
	require.Equal(t, "20.0%", month.ChangePercent)
	requireDecimal(t, "1100", month.Avg)
}

func TestSummaryRejectsUnknownRange(t *testing.T) {
	engine, _ := newEngine(t)

	_, err := engine.Summary(t.Context(), "BTC", "1y")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "range", verr.Field)
}

func TestPercentRoundsHalfUp(t *testing.T) {
	engine, _ := newEngine(t,
		at("ADA", "100", testNow.Add(-3*time.Hour)),
		at("ADA", "100.05", testNow.Add(-time.Hour)),
	)

	summary, err := engine.Summary(t.Context(), "ADA", "7d")
	require.NoError(t, err)
	require.Equal(t, "0.1%", summary.ChangePercent)
	requireDecimal(t, "0.05", summary.Change)

	report, err := engine.ExplainMarket(t.Context(), "ADA")
	require.NoError(t, err)
	require.Equal(t, "up", report.Trend)
	require.Equal(t, "stable", report.Volatility)
}

func TestExplainWithoutData(t *testing.T) {
	engine, _ := newEngine(t, at("BTC", "100", testNow.Add(-48*time.Hour)))

	report, err := engine.ExplainMarket(t.Context(), "btc")
	require.NoError(t, err)
	require.False(t, report.HasData)
	require.Equal(t, "BTC has no data for the last 24 hours.", report.Report)
}

func TestExplainDownTrendMild(t *testing.T) {
	engine, _ := newEngine(t,
		at("DOGE", "1000", testNow.Add(-10*time.Hour)),
		at("DOGE", "995", testNow.Add(-time.Hour)),
	)

	report, err := engine.ExplainMarket(t.Context(), "DOGE")
	require.NoError(t, err)
	require.Equal(t, "down", report.Trend)
	require.Equal(t, "mild", report.Volatility)
	require.Equal(t, "-0.5%", report.ChangePercent)
	require.Contains(t, report.Report, "moved down 0.5%")
	require.Contains(t, report.Report, "-$5.00")
}

func TestHistorySingleDayIsInclusive(t *testing.T) {
	day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	engine, _ := newEngine(t,
		at("BTC", "1", day.Add(-time.Second)),
		at("BTC", "3", day.Add(24*time.Hour-time.Second)),
		at("BTC", "2", day),
		at("BTC", "4", day.Add(24*time.Hour)),
		at("ETH", "9", day.Add(time.Hour)),
	)

	points, err := engine.History(t.Context(), "btc", "2024-03-09", "2024-03-09")
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, "2024-03-09", points[0].Date)
	require.Equal(t, "2024-03-09", points[1].Date)
	requireDecimal(t, "2", points[0].Rate)
	requireDecimal(t, "3", points[1].Rate)
	require.Less(t, points[0].Timestamp, points[1].Timestamp)
}

func TestHistoryUsesConfiguredZone(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	store := storage.NewMemoryStore()
	_, err := store.Append(t.Context(), []storage.RateSample{
		at("BTC", "1", time.Date(2024, 3, 8, 17, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	engine := New(store, loc, zerolog.Nop())

	points, err := engine.History(t.Context(), "BTC", "2024-03-09", "2024-03-09")
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, "2024-03-09", points[0].Date)
}

func TestHistoryValidation(t *testing.T) {
	engine, _ := newEngine(t)

	cases := []struct {
		symbol, start, end, field string
	}{
		{"", "2024-01-01", "2024-01-02", "symbol"},
		{"BTC", "01/01/2024", "2024-01-02", "start"},
		{"BTC", "2024-01-01", "tomorrow", "end"},
		{"BTC", "2024-01-05", "2024-01-01", "end"},
	}
	for _, tc := range cases {
		_, err := engine.History(t.Context(), tc.symbol, tc.start, tc.end)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), "expected validation error for %+v", tc)
		require.Equal(t, tc.field, verr.Field)
	}
}

func TestLatest(t *testing.T) {
	engine, _ := newEngine(t,
		at("BTC", "100", testNow.Add(-2*time.Hour)),
		at("BTC", "101", testNow.Add(-time.Hour)),
		at("ETH", "5", testNow.Add(-time.Hour)),
	)

	all, err := engine.Latest(t.Context(), "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	btc, err := engine.Latest(t.Context(), " btc ")
	require.NoError(t, err)
	require.Len(t, btc, 1)
	requireDecimal(t, "101", btc[0].Rate)
	require.Equal(t, "2024-03-10 11:00:00", btc[0].LastUpdate)

	none, err := engine.Latest(t.Context(), "XYZ")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSymbolsFallBackToBootstrapCatalog(t *testing.T) {
	engine, _ := newEngine(t)

	symbols, err := engine.Symbols(t.Context())
	require.NoError(t, err)
	require.Equal(t, BootstrapSymbols, symbols)

	symbols[0] = "MUTATED"
	require.Equal(t, "BTC", BootstrapSymbols[0])

	matched, err := engine.SearchSymbols(t.Context(), "doge")
	require.NoError(t, err)
	require.Equal(t, []string{"DOGE"}, matched)
}

func TestSymbolsPreferStoredData(t *testing.T) {
	engine, _ := newEngine(t, at("PEPE", "0.000001", testNow))

	symbols, err := engine.Symbols(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"PEPE"}, symbols)
}

func TestSearchSymbolsCapsResults(t *testing.T) {
	samples := make([]storage.RateSample, 0, 60)
	for i := range 60 {
		samples = append(samples, at(fmt.Sprintf("S%02d", i), "1", testNow))
	}
	engine, _ := newEngine(t, samples...)

	all, err := engine.SearchSymbols(t.Context(), "")
	require.NoError(t, err)
	require.Len(t, all, 50)

	matched, err := engine.SearchSymbols(t.Context(), "s")
	require.NoError(t, err)
	require.Len(t, matched, 50)

	few, err := engine.SearchSymbols(t.Context(), "s5")
	require.NoError(t, err)
	require.Equal(t, []string{"S50", "S51", "S52", "S53", "S54", "S55", "S56", "S57", "S58", "S59"}, few)
}

func TestPriceChangeGuardsZeroFirstPrice(t *testing.T) {
	change, pct := priceChange([]storage.RateSample{
		{Rate: decimal.Zero},
		{Rate: decimal.NewFromInt(5)},
	})
	requireDecimal(t, "5", change)
	require.True(t, pct.IsZero())
}

func TestFormatUSD(t *testing.T) {
	cases := map[string]string{
		"1234567.891": "$1,234,567.89",
		"999.995":     "$1,000.00",
		"100":         "$100.00",
		"0":           "$0.00",
		"-5":          "-$5.00",
		"-0.001":      "$0.00",
	}
	for in, want := range cases {
		require.Equal(t, want, formatUSD(decimal.RequireFromString(in)), in)
	}
	require.Equal(t, "+$10.00", formatSignedUSD(decimal.NewFromInt(10)))
}
