package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"crypto-rate-tracker/internal/alerting"
	"crypto-rate-tracker/internal/config"
	"crypto-rate-tracker/internal/fetcher"
	"crypto-rate-tracker/internal/metrics"
	"crypto-rate-tracker/internal/scheduler"
	"crypto-rate-tracker/internal/storage"
)

var (
	// ErrStorage marks a failed batch append, as opposed to a provider failure.
	ErrStorage = errors.New("storage error")
	// ErrSyncInProgress is returned when another process holds the sync lock.
	ErrSyncInProgress = errors.New("sync already in progress")
)

const syncKey = "sync"

// storageAllowance bounds the lock, append and publish steps of one cycle.
const storageAllowance = 30 * time.Second

const defaultRequestTimeout = 5 * time.Second

// Sources of a sync cycle.
const (
	SourceManual    = "manual"
	SourceScheduler = "scheduler"
	SourceBackfill  = "backfill"
)

// Publisher receives every successfully stored batch.
type Publisher interface {
	PublishBatch(ctx context.Context, runID string, samples []storage.RateSample) error
}

// Service orchestrates fetching, persistence, and failure reporting.
type Service struct {
	scheduler *scheduler.Scheduler
	fetcher   fetcher.RateFetcher
	store     storage.RateAppender
	publisher Publisher
	notifier  alerting.Notifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	retryDelay    time.Duration
	flightTimeout time.Duration
	locker        storage.AdvisoryLocker
	lockKey       int64

	group singleflight.Group

	// lifetime is canceled when Run returns and stops any in-flight cycle.
	lifetime context.Context
	stop     context.CancelFunc
}

type syncResult struct {
	rows  int64
	runID string
}

// Option customises a Service.
type Option func(*Service)

// WithScheduler attaches the periodic driver used by Run.
func WithScheduler(sched *scheduler.Scheduler) Option {
	return func(s *Service) { s.scheduler = sched }
}

// WithPublisher publishes stored batches.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithNotifier reports failed scheduled and backfill cycles.
func WithNotifier(n alerting.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics records sync and provider metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs the sync service.
func New(cfg *config.Config, f fetcher.RateFetcher, store storage.RateAppender, logger zerolog.Logger, opts ...Option) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	requestTimeout := cfg.Provider.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	s := &Service{
		fetcher:       f,
		store:         store,
		logger:        logger.With().Str("component", "service").Logger(),
		now:           time.Now,
		retryDelay:    cfg.Provider.RetryDelay,
		flightTimeout: 2*requestTimeout + cfg.Provider.RetryDelay + storageAllowance,
		locker:        locker,
		lockKey:       cfg.Scheduler.AdvisoryLockKey,
	}
	s.lifetime, s.stop = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run begins the scheduled sync loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	defer s.stop()
	return s.scheduler.Run(ctx, s.Tick)
}

// Tick runs one scheduled sync. Failures are reported to the notifier and
// returned for the scheduler to log.
func (s *Service) Tick(ctx context.Context, _ time.Time) error {
	_, err := s.sync(ctx, SourceScheduler)
	return err
}

// SyncToStore fetches the latest rates and appends them as one batch,
// returning the number of rows written. Concurrent callers share one cycle.
func (s *Service) SyncToStore(ctx context.Context) (int64, error) {
	return s.sync(ctx, SourceManual)
}

// sync joins or starts the in-flight cycle. The cycle runs detached from
// the caller that started it, so a caller that stops waiting does not cancel
// it for the others.
func (s *Service) sync(ctx context.Context, source string) (int64, error) {
	result := s.group.DoChan(syncKey, func() (any, error) {
		flightCtx, cancel := s.flightContext(ctx)
		defer cancel()
		return s.syncOnce(flightCtx, source)
	})

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-result:
		if res.Shared {
			s.logger.Debug().Str("source", source).Msg("joined in-flight sync")
		}
		out, _ := res.Val.(syncResult)
		if res.Err != nil {
			if source != SourceManual {
				s.notify(ctx, source, out.runID, res.Err)
			}
			return 0, res.Err
		}
		return out.rows, nil
	}
}

// flightContext keeps the caller's values but not its cancellation. The
// cycle is bounded by flightTimeout and by the service lifetime.
func (s *Service) flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.flightTimeout)
	stopAfter := context.AfterFunc(s.lifetime, cancel)
	return flightCtx, func() {
		stopAfter()
		cancel()
	}
}

func (s *Service) syncOnce(ctx context.Context, source string) (syncResult, error) {
	runID := uuid.NewString()
	logger := s.logger.With().Str("run_id", runID).Str("source", source).Logger()
	started := time.Now()

	rows, err := s.lockedSync(ctx, runID, logger)
	s.metrics.RecordSync(ErrorKind(err), rows, time.Since(started))
	if err != nil {
		return syncResult{runID: runID}, err
	}

	logger.Info().Int64("rows", rows).Dur("elapsed", time.Since(started)).Msg("sync completed")
	return syncResult{rows: rows, runID: runID}, nil
}

func (s *Service) lockedSync(ctx context.Context, runID string, logger zerolog.Logger) (int64, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return 0, err
	}
	if !proceed {
		logger.Debug().Msg("skip sync because advisory lock held elsewhere")
		return 0, ErrSyncInProgress
	}
	if unlock != nil {
		defer unlock()
	}

	snapshot, err := s.FetchWithRetry(ctx)
	if err != nil {
		return 0, err
	}
	return s.write(ctx, runID, toSamples(snapshot, s.now()), logger)
}

// FetchWithRetry calls the provider once and, unless the failure is a rate
// limit, retries exactly once after the configured delay. The second error
// is returned unmodified.
func (s *Service) FetchWithRetry(ctx context.Context) (fetcher.Snapshot, error) {
	return s.fetchWithRetry(ctx, s.fetcher.FetchLatest)
}

func (s *Service) fetchWithRetry(ctx context.Context, call func(context.Context) (fetcher.Snapshot, error)) (fetcher.Snapshot, error) {
	snapshot, err := s.fetchOnce(ctx, call)
	if err == nil {
		return snapshot, nil
	}
	if !fetcher.Retriable(err) || ctx.Err() != nil {
		return fetcher.Snapshot{}, err
	}

	s.logger.Warn().Err(err).Dur("retry_in", s.retryDelay).Msg("fetch failed, retrying once")
	if err := sleep(ctx, s.retryDelay); err != nil {
		return fetcher.Snapshot{}, err
	}
	return s.fetchOnce(ctx, call)
}

func (s *Service) fetchOnce(ctx context.Context, call func(context.Context) (fetcher.Snapshot, error)) (fetcher.Snapshot, error) {
	snapshot, err := call(ctx)
	if err != nil {
		s.metrics.RecordFetch(ErrorKind(err))
		return fetcher.Snapshot{}, err
	}
	s.metrics.RecordFetch("ok")
	return snapshot, nil
}

// write appends one batch and publishes it. Publication failures are logged only.
func (s *Service) write(ctx context.Context, runID string, samples []storage.RateSample, logger zerolog.Logger) (int64, error) {
	if s.store == nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, storage.ErrNotConfigured)
	}

	rows, err := s.store.Append(ctx, samples)
	if err != nil {
		return 0, fmt.Errorf("%w: append %d samples: %w", ErrStorage, len(samples), err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishBatch(ctx, runID, samples); err != nil {
			s.metrics.RecordPublishError()
			logger.Error().Err(err).Msg("failed to publish batch")
		}
	}
	return rows, nil
}

// toSamples stamps every rate with the snapshot's timestamp (wall clock when
// absent) and one shared persistence time.
func toSamples(snapshot fetcher.Snapshot, now time.Time) []storage.RateSample {
	observedAt := snapshot.Timestamp
	if observedAt <= 0 {
		observedAt = now.Unix()
	}

	samples := make([]storage.RateSample, 0, len(snapshot.Rates))
	for _, symbol := range snapshot.Symbols() {
		samples = append(samples, storage.RateSample{
			Symbol:     symbol,
			Rate:       snapshot.Rates[symbol],
			ObservedAt: observedAt,
			RecordedAt: now,
		})
	}
	return samples
}

func (s *Service) notify(ctx context.Context, source, runID string, err error) {
	if s.notifier == nil || errors.Is(err, ErrSyncInProgress) || ctx.Err() != nil {
		return
	}
	_, hint := Classify(err)
	note := alerting.Notification{
		At:      s.now(),
		RunID:   runID,
		Kind:    ErrorKind(err),
		Message: err.Error(),
		Hint:    hint,
		Source:  source,
	}
	if notifyErr := s.notifier.Notify(ctx, note); notifyErr != nil {
		s.logger.Error().Err(notifyErr).Str("run_id", runID).Msg("failed to dispatch alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("%w: acquire advisory lock: %w", ErrStorage, err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
