package storage

import (
	"context"
	"math"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// MemoryStore keeps the rate history in an ordered in-process tree keyed by
// (symbol, observed_at, id). It is used when no database is configured and
// loses its contents on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[RateSample]
	nextID int64
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree: btree.NewBTreeGOptions(lessSample, btree.Options{NoLocks: true}),
	}
}

func lessSample(a, b RateSample) bool {
	if a.Symbol != b.Symbol {
		return a.Symbol < b.Symbol
	}
	if a.ObservedAt != b.ObservedAt {
		return a.ObservedAt < b.ObservedAt
	}
	return a.ID < b.ID
}

// Append assigns ids and stores every sample of the batch.
func (m *MemoryStore) Append(ctx context.Context, samples []RateSample) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sample := range samples {
		m.nextID++
		sample.ID = m.nextID
		m.tree.Set(sample)
	}
	return int64(len(samples)), nil
}

// LatestBySymbol returns the newest sample for symbol.
func (m *MemoryStore) LatestBySymbol(ctx context.Context, symbol string) (RateSample, bool, error) {
	if err := ctx.Err(); err != nil {
		return RateSample{}, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		latest RateSample
		found  bool
	)
	pivot := RateSample{Symbol: symbol, ObservedAt: math.MaxInt64, ID: math.MaxInt64}
	m.tree.Descend(pivot, func(item RateSample) bool {
		if item.Symbol == symbol {
			latest, found = item, true
		}
		return false
	})
	return latest, found, nil
}

// AllLatest returns the newest sample of every symbol ordered by symbol.
func (m *MemoryStore) AllLatest(ctx context.Context) ([]RateSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make([]RateSample, 0)
	m.tree.Scan(func(item RateSample) bool {
		if n := len(latest); n > 0 && latest[n-1].Symbol == item.Symbol {
			latest[n-1] = item
			return true
		}
		latest = append(latest, item)
		return true
	})
	return latest, nil
}

// AllSymbols lists every symbol with at least one sample.
func (m *MemoryStore) AllSymbols(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	symbols := make([]string, 0)
	m.tree.Scan(func(item RateSample) bool {
		if n := len(symbols); n == 0 || symbols[n-1] != item.Symbol {
			symbols = append(symbols, item.Symbol)
		}
		return true
	})
	return symbols, nil
}

// InRange lists samples of symbol with start <= observed_at <= end in time order.
func (m *MemoryStore) InRange(ctx context.Context, symbol string, start, end int64) ([]RateSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.inRange(symbol, start, end), nil
}

func (m *MemoryStore) inRange(symbol string, start, end int64) []RateSample {
	samples := make([]RateSample, 0)
	pivot := RateSample{Symbol: symbol, ObservedAt: start}
	m.tree.Ascend(pivot, func(item RateSample) bool {
		if item.Symbol != symbol || item.ObservedAt > end {
			return false
		}
		samples = append(samples, item)
		return true
	})
	return samples
}

// MaxIn returns the highest rate in the window.
func (m *MemoryStore) MaxIn(ctx context.Context, symbol string, start, end int64) (decimal.Decimal, bool, error) {
	return m.fold(ctx, symbol, start, end, func(acc, rate decimal.Decimal) decimal.Decimal {
		return decimal.Max(acc, rate)
	})
}

// MinIn returns the lowest rate in the window.
func (m *MemoryStore) MinIn(ctx context.Context, symbol string, start, end int64) (decimal.Decimal, bool, error) {
	return m.fold(ctx, symbol, start, end, func(acc, rate decimal.Decimal) decimal.Decimal {
		return decimal.Min(acc, rate)
	})
}

// AvgIn returns the mean rate in the window.
func (m *MemoryStore) AvgIn(ctx context.Context, symbol string, start, end int64) (decimal.Decimal, bool, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Decimal{}, false, err
	}

	m.mu.RLock()
	samples := m.inRange(symbol, start, end)
	m.mu.RUnlock()

	if len(samples) == 0 {
		return decimal.Zero, false, nil
	}
	rates := make([]decimal.Decimal, len(samples))
	for i, sample := range samples {
		rates[i] = sample.Rate
	}
	return decimal.Avg(rates[0], rates[1:]...), true, nil
}

func (m *MemoryStore) fold(ctx context.Context, symbol string, start, end int64, step func(acc, rate decimal.Decimal) decimal.Decimal) (decimal.Decimal, bool, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Decimal{}, false, err
	}

	m.mu.RLock()
	samples := m.inRange(symbol, start, end)
	m.mu.RUnlock()

	if len(samples) == 0 {
		return decimal.Zero, false, nil
	}
	acc := samples[0].Rate
	for _, sample := range samples[1:] {
		acc = step(acc, sample.Rate)
	}
	return acc, true, nil
}

var _ RateHistoryStore = (*MemoryStore)(nil)
