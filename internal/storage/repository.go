package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	appendSamplesSQL = `INSERT INTO rate_history (
        symbol,
        rate,
        observed_at,
        recorded_at
    )
    SELECT s, r::numeric, o, c
    FROM unnest($1::text[], $2::text[], $3::bigint[], $4::timestamptz[]) AS t(s, r, o, c);`

	latestBySymbolSQL = `SELECT
        id,
        symbol,
        rate::text,
        observed_at,
        recorded_at
    FROM rate_history
    WHERE symbol = $1
    ORDER BY observed_at DESC, id DESC
    LIMIT 1;`

	allLatestSQL = `SELECT DISTINCT ON (symbol)
        id,
        symbol,
        rate::text,
        observed_at,
        recorded_at
    FROM rate_history
    ORDER BY symbol, observed_at DESC, id DESC;`

	allSymbolsSQL = `SELECT DISTINCT symbol FROM rate_history ORDER BY symbol;`

	inRangeSQL = `SELECT
        id,
        symbol,
        rate::text,
        observed_at,
        recorded_at
    FROM rate_history
    WHERE symbol = $1
      AND observed_at >= $2
      AND observed_at <= $3
    ORDER BY observed_at, id;`

	maxInSQL = `SELECT MAX(rate)::text FROM rate_history WHERE symbol = $1 AND observed_at >= $2 AND observed_at <= $3;`
	minInSQL = `SELECT MIN(rate)::text FROM rate_history WHERE symbol = $1 AND observed_at >= $2 AND observed_at <= $3;`
	avgInSQL = `SELECT AVG(rate)::text FROM rate_history WHERE symbol = $1 AND observed_at >= $2 AND observed_at <= $3;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL-backed rate history.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Append inserts the batch with a single statement and reports the rows written.
func (s *Store) Append(ctx context.Context, samples []RateSample) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, nil
	}

	symbols := make([]string, len(samples))
	rates := make([]string, len(samples))
	observed := make([]int64, len(samples))
	recorded := make([]time.Time, len(samples))
	for i, sample := range samples {
		symbols[i] = sample.Symbol
		rates[i] = sample.Rate.String()
		observed[i] = sample.ObservedAt
		recorded[i] = sample.RecordedAt
	}

	tag, execErr := pool.Exec(ctx, appendSamplesSQL, symbols, rates, observed, recorded)
	if execErr != nil {
		return 0, fmt.Errorf("append rate samples: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// LatestBySymbol returns the newest sample for symbol.
func (s *Store) LatestBySymbol(ctx context.Context, symbol string) (RateSample, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return RateSample{}, false, err
	}

	rows, queryErr := pool.Query(ctx, latestBySymbolSQL, symbol)
	if queryErr != nil {
		return RateSample{}, false, fmt.Errorf("latest by symbol: %w", queryErr)
	}
	samples, err := collectSamples(rows, 1)
	if err != nil {
		return RateSample{}, false, err
	}
	if len(samples) == 0 {
		return RateSample{}, false, nil
	}
	return samples[0], true, nil
}

// AllLatest returns the newest sample of every symbol ordered by symbol.
func (s *Store) AllLatest(ctx context.Context) ([]RateSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, allLatestSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("all latest: %w", queryErr)
	}
	return collectSamples(rows, 0)
}

// AllSymbols lists every symbol with at least one sample.
func (s *Store) AllSymbols(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, allSymbolsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("all symbols: %w", queryErr)
	}
	defer rows.Close()

	symbols := make([]string, 0)
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, err
		}
		symbols = append(symbols, symbol)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return symbols, nil
}

// InRange lists samples of symbol with start <= observed_at <= end in time order.
func (s *Store) InRange(ctx context.Context, symbol string, start, end int64) ([]RateSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, inRangeSQL, symbol, start, end)
	if queryErr != nil {
		return nil, fmt.Errorf("samples in range: %w", queryErr)
	}
	return collectSamples(rows, 0)
}

// MaxIn returns the highest rate in the window.
func (s *Store) MaxIn(ctx context.Context, symbol string, start, end int64) (decimal.Decimal, bool, error) {
	return s.aggregate(ctx, maxInSQL, symbol, start, end)
}

// MinIn returns the lowest rate in the window.
func (s *Store) MinIn(ctx context.Context, symbol string, start, end int64) (decimal.Decimal, bool, error) {
	return s.aggregate(ctx, minInSQL, symbol, start, end)
}

// AvgIn returns the mean rate in the window.
func (s *Store) AvgIn(ctx context.Context, symbol string, start, end int64) (decimal.Decimal, bool, error) {
	return s.aggregate(ctx, avgInSQL, symbol, start, end)
}

func (s *Store) aggregate(ctx context.Context, query, symbol string, start, end int64) (decimal.Decimal, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, false, err
	}

	var value sql.NullString
	if scanErr := pool.QueryRow(ctx, query, symbol, start, end).Scan(&value); scanErr != nil {
		return decimal.Decimal{}, false, fmt.Errorf("aggregate rate: %w", scanErr)
	}
	if !value.Valid {
		return decimal.Zero, false, nil
	}
	parsed, convErr := decimal.NewFromString(value.String)
	if convErr != nil {
		return decimal.Decimal{}, false, fmt.Errorf("parse aggregate rate: %w", convErr)
	}
	return parsed, true, nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]RateSample, error) {
	defer rows.Close()

	samples := make([]RateSample, 0, capacity)
	for rows.Next() {
		sample, scanErr := scanRateSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanRateSample(rows pgx.Rows) (RateSample, error) {
	var (
		sample  RateSample
		rateStr string
	)

	if err := rows.Scan(
		&sample.ID,
		&sample.Symbol,
		&rateStr,
		&sample.ObservedAt,
		&sample.RecordedAt,
	); err != nil {
		return RateSample{}, err
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return RateSample{}, fmt.Errorf("parse rate: %w", err)
	}
	sample.Rate = rate
	return sample, nil
}

var (
	_ RateHistoryStore = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
