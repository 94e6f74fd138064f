package fetcher

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is the symbol→rate mapping returned by one provider call.
type Snapshot struct {
	// Timestamp is the provider-reported observation time in epoch seconds; zero when absent.
	Timestamp int64
	Target    string
	Rates     map[string]decimal.Decimal
}

// Symbols returns the snapshot's symbols in ascending order.
func (s Snapshot) Symbols() []string {
	symbols := make([]string, 0, len(s.Rates))
	for symbol := range s.Rates {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// RateFetcher retrieves the latest rates with exactly one provider call.
type RateFetcher interface {
	FetchLatest(ctx context.Context) (Snapshot, error)
}

// HistoricalFetcher retrieves the end-of-day rates of a past calendar day.
type HistoricalFetcher interface {
	FetchHistorical(ctx context.Context, day time.Time) (Snapshot, error)
}

// Provider is a pricing source supporting both live and historical lookups.
type Provider interface {
	RateFetcher
	HistoricalFetcher
}
