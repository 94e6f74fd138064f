package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"crypto-rate-tracker/internal/alerting"
	"crypto-rate-tracker/internal/config"
	"crypto-rate-tracker/internal/fetcher"
	"crypto-rate-tracker/internal/scheduler"
	"crypto-rate-tracker/internal/service"
	"crypto-rate-tracker/internal/storage"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Provider.RetryDelay = time.Millisecond
	return cfg
}

func newService(cfg *config.Config, provider fetcher.RateFetcher, store storage.RateAppender, opts ...service.Option) *service.Service {
	opts = append([]service.Option{service.WithClock(func() time.Time { return fixedNow })}, opts...)
	return service.New(cfg, provider, store, zerolog.Nop(), opts...)
}

func snapshotOf(ts int64, rates map[string]string) fetcher.Snapshot {
	out := fetcher.Snapshot{Timestamp: ts, Target: "USD", Rates: map[string]decimal.Decimal{}}
	for symbol, rate := range rates {
		out.Rates[symbol] = decimal.RequireFromString(rate)
	}
	return out
}

func allSamples(t *testing.T, store *storage.MemoryStore) []storage.RateSample {
	t.Helper()
	symbols, err := store.AllSymbols(t.Context())
	require.NoError(t, err)

	var out []storage.RateSample
	for _, symbol := range symbols {
		samples, err := store.InRange(t.Context(), symbol, 0, 1<<62)
		require.NoError(t, err)
		out = append(out, samples...)
	}
	return out
}

type failingStore struct{ err error }

func (f failingStore) Append(context.Context, []storage.RateSample) (int64, error) {
	return 0, f.err
}

type lockedStore struct {
	*storage.MemoryStore
}

func (lockedStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return nil
}

type recordingPublisher struct {
	runID   string
	samples []storage.RateSample
	err     error
}

func (r *recordingPublisher) PublishBatch(_ context.Context, runID string, samples []storage.RateSample) error {
	r.runID = runID
	r.samples = samples
	return r.err
}

func TestSyncToStoreWritesOneRowPerSymbol(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().
		FetchLatest(gomock.Any()).
		Return(snapshotOf(1700000000, map[string]string{"BTC": "37000.5", "ETH": "2000", "SOL": "55.1"}), nil).
		Times(1)

	store := storage.NewMemoryStore()
	rows, err := newService(testConfig(), provider, store).SyncToStore(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(3), rows)

	samples := allSamples(t, store)
	require.Len(t, samples, 3)
	for _, sample := range samples {
		require.Equal(t, int64(1700000000), sample.ObservedAt)
		require.True(t, fixedNow.Equal(sample.RecordedAt))
	}
}

func TestSyncToStoreFallsBackToWallClock(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().
		FetchLatest(gomock.Any()).
		Return(snapshotOf(0, map[string]string{"BTC": "1"}), nil)

	store := storage.NewMemoryStore()
	_, err := newService(testConfig(), provider, store).SyncToStore(t.Context())
	require.NoError(t, err)

	samples := allSamples(t, store)
	require.Len(t, samples, 1)
	require.Equal(t, fixedNow.Unix(), samples[0].ObservedAt)
}

func TestSyncToStoreNeverRetriesRateLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().
		FetchLatest(gomock.Any()).
		Return(fetcher.Snapshot{}, &fetcher.Error{Kind: fetcher.ErrRateLimited, Status: 429}).
		Times(1)

	store := storage.NewMemoryStore()
	rows, err := newService(testConfig(), provider, store).SyncToStore(t.Context())
	require.ErrorIs(t, err, fetcher.ErrRateLimited)
	require.Zero(t, rows)
	require.Empty(t, allSamples(t, store))
}

func TestSyncToStoreRetriesOnceAndSurfacesSecondError(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)

	first := &fetcher.Error{Kind: fetcher.ErrProvider, Status: 503}
	second := &fetcher.Error{Kind: fetcher.ErrProvider, Status: 502}
	gomock.InOrder(
		provider.EXPECT().FetchLatest(gomock.Any()).Return(fetcher.Snapshot{}, first),
		provider.EXPECT().FetchLatest(gomock.Any()).Return(fetcher.Snapshot{}, second),
	)

	_, err := newService(testConfig(), provider, storage.NewMemoryStore()).SyncToStore(t.Context())
	require.Same(t, second, err)
}

func TestSyncToStoreRecoversOnRetry(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	gomock.InOrder(
		provider.EXPECT().FetchLatest(gomock.Any()).Return(fetcher.Snapshot{}, &fetcher.Error{Kind: fetcher.ErrProvider}),
		provider.EXPECT().FetchLatest(gomock.Any()).Return(snapshotOf(1700000000, map[string]string{"BTC": "1", "ETH": "2"}), nil),
	)

	rows, err := newService(testConfig(), provider, storage.NewMemoryStore()).SyncToStore(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(2), rows)
}

func TestSyncToStoreEmptyResultTwice(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().
		FetchLatest(gomock.Any()).
		Return(fetcher.Snapshot{}, &fetcher.Error{Kind: fetcher.ErrEmptyResult}).
		Times(2)

	store := storage.NewMemoryStore()
	rows, err := newService(testConfig(), provider, store).SyncToStore(t.Context())
	require.ErrorIs(t, err, fetcher.ErrEmptyResult)
	require.Zero(t, rows)
	require.Empty(t, allSamples(t, store))
}

func TestSyncToStoreWrapsStorageFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().
		FetchLatest(gomock.Any()).
		Return(snapshotOf(1700000000, map[string]string{"BTC": "1"}), nil).
		Times(1)

	cause := errors.New("relation rate_history does not exist")
	_, err := newService(testConfig(), provider, failingStore{err: cause}).SyncToStore(t.Context())
	require.ErrorIs(t, err, service.ErrStorage)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, fetcher.ErrProvider)
}

func TestSyncToStoreRetryWaitHonoursCancellation(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().
		FetchLatest(gomock.Any()).
		Return(fetcher.Snapshot{}, &fetcher.Error{Kind: fetcher.ErrProvider}).
		Times(1)

	cfg := testConfig()
	cfg.Provider.RetryDelay = time.Hour

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := newService(cfg, provider, storage.NewMemoryStore()).SyncToStore(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSyncToStoreCollapsesConcurrentCalls(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)

	started := make(chan struct{})
	release := make(chan struct{})
	provider.EXPECT().
		FetchLatest(gomock.Any()).
		DoAndReturn(func(context.Context) (fetcher.Snapshot, error) {
			close(started)
			<-release
			return snapshotOf(1700000000, map[string]string{"BTC": "1", "ETH": "2"}), nil
		}).
		Times(1)

	svc := newService(testConfig(), provider, storage.NewMemoryStore())

	type result struct {
		rows int64
		err  error
	}
	results := make(chan result, 2)
	run := func() {
		rows, err := svc.SyncToStore(context.Background())
		results <- result{rows, err}
	}

	go run()
	<-started
	go run()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for range 2 {
		res := <-results
		require.NoError(t, res.err)
		require.Equal(t, int64(2), res.rows)
	}
}

func TestSyncToStoreRespectsAdvisoryLock(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().FetchLatest(gomock.Any()).Times(0)

	cfg := testConfig()
	cfg.Scheduler.AdvisoryLockKey = 42

	_, err := newService(cfg, provider, lockedStore{storage.NewMemoryStore()}).SyncToStore(t.Context())
	require.ErrorIs(t, err, service.ErrSyncInProgress)
}

func TestSyncToStorePublishesBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().
		FetchLatest(gomock.Any()).
		Return(snapshotOf(1700000000, map[string]string{"ETH": "2", "BTC": "1"}), nil).
		Times(2)

	pub := &recordingPublisher{}
	svc := newService(testConfig(), provider, storage.NewMemoryStore(), service.WithPublisher(pub))

	rows, err := svc.SyncToStore(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(2), rows)
	require.NotEmpty(t, pub.runID)
	require.Len(t, pub.samples, 2)
	require.Equal(t, "BTC", pub.samples[0].Symbol)

	pub.err = errors.New("broker down")
	rows, err = svc.SyncToStore(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(2), rows)
}

func TestTickNotifiesOnFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().
		FetchLatest(gomock.Any()).
		Return(fetcher.Snapshot{}, &fetcher.Error{Kind: fetcher.ErrRateLimited, Status: 429})

	notifier := &recordingNotifier{}
	svc := newService(testConfig(), provider, storage.NewMemoryStore(), service.WithNotifier(notifier))

	err := svc.Tick(t.Context(), fixedNow)
	require.ErrorIs(t, err, fetcher.ErrRateLimited)

	require.Len(t, notifier.notes, 1)
	note := notifier.notes[0]
	require.Equal(t, "rate_limited", note.Kind)
	require.Equal(t, service.SourceScheduler, note.Source)
	require.NotEmpty(t, note.RunID)
	require.NotEmpty(t, note.Hint)
}

func TestManualSyncDoesNotNotify(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().
		FetchLatest(gomock.Any()).
		Return(fetcher.Snapshot{}, &fetcher.Error{Kind: fetcher.ErrRateLimited})

	notifier := &recordingNotifier{}
	svc := newService(testConfig(), provider, storage.NewMemoryStore(), service.WithNotifier(notifier))

	_, err := svc.SyncToStore(t.Context())
	require.Error(t, err)
	require.Empty(t, notifier.notes)
}

func TestRunRequiresScheduler(t *testing.T) {
	svc := newService(testConfig(), nil, storage.NewMemoryStore())
	require.Error(t, svc.Run(t.Context()))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err      error
		kind     string
		severity scheduler.Severity
	}{
		{&fetcher.Error{Kind: fetcher.ErrRateLimited}, "rate_limited", scheduler.SeverityWarn},
		{&fetcher.Error{Kind: fetcher.ErrProvider}, "provider", scheduler.SeverityWarn},
		{&fetcher.Error{Kind: fetcher.ErrEmptyResult}, "empty_result", scheduler.SeverityWarn},
		{service.ErrSyncInProgress, "in_progress", scheduler.SeverityWarn},
		{errors.Join(service.ErrStorage, errors.New("disk full")), "storage", scheduler.SeverityError},
		{errors.New("boom"), "unknown", scheduler.SeverityError},
	}

	for _, tc := range cases {
		require.Equal(t, tc.kind, service.ErrorKind(tc.err))
		severity, _ := service.Classify(tc.err)
		require.Equal(t, tc.severity, severity, tc.kind)
	}
	require.Equal(t, "success", service.ErrorKind(nil))
}

func TestSyncSurvivesLeaderCancellation(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)

	started := make(chan struct{})
	release := make(chan struct{})
	provider.EXPECT().
		FetchLatest(gomock.Any()).
		DoAndReturn(func(ctx context.Context) (fetcher.Snapshot, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				return fetcher.Snapshot{}, ctx.Err()
			}
			return snapshotOf(1700000000, map[string]string{"BTC": "1", "ETH": "2"}), nil
		}).
		Times(1)

	store := storage.NewMemoryStore()
	svc := newService(testConfig(), provider, store)

	manualCtx, cancelManual := context.WithCancel(context.Background())
	defer cancelManual()
	manualErr := make(chan error, 1)
	go func() {
		_, err := svc.SyncToStore(manualCtx)
		manualErr <- err
	}()
	<-started

	type result struct {
		rows int64
		err  error
	}
	tickResult := make(chan result, 1)
	go func() {
		rows, err := svc.SyncToStore(context.Background())
		tickResult <- result{rows, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelManual()
	require.ErrorIs(t, <-manualErr, context.Canceled)
	close(release)

	res := <-tickResult
	require.NoError(t, res.err)
	require.Equal(t, int64(2), res.rows)
	require.Len(t, allSamples(t, store), 2)
}

func TestTickJoiningManualSyncStillNotifies(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	provider.EXPECT().
		FetchLatest(gomock.Any()).
		DoAndReturn(func(context.Context) (fetcher.Snapshot, error) {
			once.Do(func() { close(started) })
			<-release
			return fetcher.Snapshot{}, &fetcher.Error{Kind: fetcher.ErrProvider, Status: 503}
		}).
		Times(2)

	notifier := &recordingNotifier{}
	svc := newService(testConfig(), provider, storage.NewMemoryStore(), service.WithNotifier(notifier))

	manualErr := make(chan error, 1)
	go func() {
		_, err := svc.SyncToStore(context.Background())
		manualErr <- err
	}()
	<-started

	tickErr := make(chan error, 1)
	go func() {
		tickErr <- svc.Tick(context.Background(), fixedNow)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.ErrorIs(t, <-manualErr, fetcher.ErrProvider)
	require.ErrorIs(t, <-tickErr, fetcher.ErrProvider)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.notes, 1)
	require.Equal(t, service.SourceScheduler, notifier.notes[0].Source)
	require.Equal(t, "provider", notifier.notes[0].Kind)
	require.NotEmpty(t, notifier.notes[0].RunID)
}
