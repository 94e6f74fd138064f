package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"crypto-rate-tracker/internal/alerting"
	"crypto-rate-tracker/internal/analytics"
	"crypto-rate-tracker/internal/api"
	"crypto-rate-tracker/internal/config"
	"crypto-rate-tracker/internal/fetcher"
	"crypto-rate-tracker/internal/metrics"
	"crypto-rate-tracker/internal/publisher"
	"crypto-rate-tracker/internal/scheduler"
	"crypto-rate-tracker/internal/service"
	"crypto-rate-tracker/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Live   *config.Live
	Logger zerolog.Logger
}

// NewApp constructs a new application handle. A nil live snapshot pins the
// scheduler settings to cfg.
func NewApp(cfg *config.Config, live *config.Live, logger zerolog.Logger) *App {
	if live == nil {
		live = config.NewLive(cfg.Scheduler)
	}
	return &App{Config: cfg, Live: live, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newProvider() fetcher.Provider {
	cfg := a.Config.Provider
	coinlayer := fetcher.NewCoinlayer(fetcher.CoinlayerOptions{
		AccessKey: cfg.AccessKey,
		Target:    cfg.Target,
		Symbols:   cfg.Symbols,
		Timeout:   cfg.RequestTimeout,
		UserAgent: cfg.UserAgent,
	}, a.Logger, fetcher.WithBaseURL(cfg.BaseURL))

	if cfg.MinRequestInterval <= 0 {
		return coinlayer
	}
	return &fetcher.MinInterval{P: coinlayer, Interval: cfg.MinRequestInterval}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newPublisher() *publisher.KafkaPublisher {
	cfg := a.Config.Kafka
	if !cfg.Enabled {
		return nil
	}
	return publisher.NewKafkaPublisher(cfg.Brokers, cfg.Topic, cfg.WriteTimeout, a.Logger)
}

// openStore connects to PostgreSQL. It returns a nil store when database.dsn is empty.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	if a.Config.Database.AutoMigrate {
		if err := storage.Migrate(a.Config.Database.DSN); err != nil {
			return nil, nil, err
		}
		a.Logger.Info().Msg("database schema is current")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// requireStore is openStore for commands that cannot work without PostgreSQL.
func (a *App) requireStore(ctx context.Context, action string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database.dsn not configured; cannot %s", action)
	}
	return store, closeStore, nil
}

func (a *App) newEngine(store storage.RateReader) (*analytics.Engine, error) {
	loc, err := a.Config.Location()
	if err != nil {
		return nil, err
	}
	return analytics.New(store, loc, a.Logger), nil
}

func (a *App) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		InitialDelay: a.Config.Scheduler.InitialDelay,
		Settings: func() scheduler.Settings {
			current := a.Live.Scheduler()
			return scheduler.Settings{Enabled: current.Enabled, Interval: current.Interval}
		},
		Classify: service.Classify,
	}, a.Logger)
}

// Run executes the long-running sync service and the HTTP API until a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var history storage.RateHistoryStore
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; rates are kept in memory only")
		history = storage.NewMemoryStore()
	} else {
		history = store
		defer closeStore()
	}

	m := metrics.New()
	sched := a.newScheduler()

	opts := []service.Option{service.WithScheduler(sched), service.WithMetrics(m)}
	if notifier := a.newNotifier(); notifier != nil {
		opts = append(opts, service.WithNotifier(notifier))
	}
	if pub := a.newPublisher(); pub != nil {
		defer func() {
			if err := pub.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("closing kafka writer")
			}
		}()
		opts = append(opts, service.WithPublisher(pub))
	}
	svc := service.New(a.Config, a.newProvider(), history, a.Logger, opts...)

	engine, err := a.newEngine(history)
	if err != nil {
		return err
	}

	if a.Config.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(engine, svc, api.Options{
		AdminToken:     a.Config.HTTP.AdminToken,
		SchedulerState: func() string { return sched.State().String() },
		Metrics:        m,
	}, a.Logger)

	httpServer := &http.Server{
		Addr:         a.Config.HTTP.Addr,
		Handler:      server.Router(),
		ReadTimeout:  a.Config.HTTP.ReadTimeout,
		WriteTimeout: a.Config.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("addr", httpServer.Addr).Msg("http api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.Logger.Info().Msg("starting rate sync service")
		err := svc.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("rate sync service stopped")
	return nil
}

// Sync runs one manual sync against the configured store.
func (a *App) Sync(ctx context.Context) (int64, error) {
	store, closeStore, err := a.requireStore(ctx, "sync")
	if err != nil {
		return 0, err
	}
	defer closeStore()

	svc := service.New(a.Config, a.newProvider(), store, a.Logger)
	return svc.SyncToStore(ctx)
}

// Migrate applies the embedded schema migrations.
func (a *App) Migrate() error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	if err := storage.Migrate(a.Config.Database.DSN); err != nil {
		return err
	}
	a.Logger.Info().Msg("migrations applied")
	return nil
}

// ExportOptions hold parameters for exporting a symbol's history.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Symbol string
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}
