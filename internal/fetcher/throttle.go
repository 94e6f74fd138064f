package fetcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MinInterval wraps a provider and enforces a minimum time between calls.
// A waiting call returns early if its context is canceled.
type MinInterval struct {
	P        Provider
	Interval time.Duration

	once    sync.Once
	limiter *rate.Limiter
}

// FetchLatest waits for the next free slot and then calls the wrapped provider.
func (m *MinInterval) FetchLatest(ctx context.Context) (Snapshot, error) {
	return m.gate(ctx, m.P.FetchLatest)
}

// FetchHistorical waits for the next free slot and then calls the wrapped provider.
func (m *MinInterval) FetchHistorical(ctx context.Context, day time.Time) (Snapshot, error) {
	return m.gate(ctx, func(ctx context.Context) (Snapshot, error) {
		return m.P.FetchHistorical(ctx, day)
	})
}

func (m *MinInterval) gate(ctx context.Context, call func(context.Context) (Snapshot, error)) (Snapshot, error) {
	if m.Interval <= 0 {
		return call(ctx)
	}

	m.once.Do(func() {
		m.limiter = rate.NewLimiter(rate.Every(m.Interval), 1)
	})

	reservation := m.limiter.Reserve()
	if wait := reservation.Delay(); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			reservation.Cancel()
			return Snapshot{}, ctx.Err()
		case <-t.C:
		}
	}

	return call(ctx)
}
