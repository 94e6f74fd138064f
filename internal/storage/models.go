package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RateSample is one observation of one symbol's price. Samples are append-only.
type RateSample struct {
	ID         int64
	Symbol     string
	Rate       decimal.Decimal
	ObservedAt int64
	RecordedAt time.Time
}

// ObservedTime returns ObservedAt as a time in loc.
func (s RateSample) ObservedTime(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Unix(s.ObservedAt, 0).In(loc)
}

// RateAppender persists batches of samples.
type RateAppender interface {
	Append(ctx context.Context, samples []RateSample) (int64, error)
}

// RateReader serves read-side queries over the stored series. Range bounds are
// inclusive epoch seconds.
type RateReader interface {
	LatestBySymbol(ctx context.Context, symbol string) (RateSample, bool, error)
	AllLatest(ctx context.Context) ([]RateSample, error)
	AllSymbols(ctx context.Context) ([]string, error)
	InRange(ctx context.Context, symbol string, start, end int64) ([]RateSample, error)
	MaxIn(ctx context.Context, symbol string, start, end int64) (decimal.Decimal, bool, error)
	MinIn(ctx context.Context, symbol string, start, end int64) (decimal.Decimal, bool, error)
	AvgIn(ctx context.Context, symbol string, start, end int64) (decimal.Decimal, bool, error)
}

// RateHistoryStore is the full time-series contract.
type RateHistoryStore interface {
	RateAppender
	RateReader
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}
