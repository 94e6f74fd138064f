package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"crypto-rate-tracker/internal/analytics"
	"crypto-rate-tracker/internal/metrics"
	"crypto-rate-tracker/internal/version"
)

// Reader is the read-side surface served over HTTP.
type Reader interface {
	Latest(ctx context.Context, symbol string) ([]analytics.LatestRate, error)
	History(ctx context.Context, symbol, start, end string) ([]analytics.HistoryPoint, error)
	Summary(ctx context.Context, symbol, rng string) (analytics.StatsSummary, error)
	ExplainMarket(ctx context.Context, symbol string) (analytics.MarketReport, error)
	Symbols(ctx context.Context) ([]string, error)
	SearchSymbols(ctx context.Context, keyword string) ([]string, error)
}

// Syncer runs one manual sync.
type Syncer interface {
	SyncToStore(ctx context.Context) (int64, error)
}

// Options configure the HTTP server.
type Options struct {
	// AdminToken, when set, must be sent as X-Admin-Token on admin routes.
	AdminToken     string
	SchedulerState func() string
	Metrics        *metrics.Metrics
}

// Server exposes the aggregation engine and the manual sync trigger.
type Server struct {
	router *gin.Engine
	reader Reader
	syncer Syncer
	opts   Options
	logger zerolog.Logger
}

// NewServer builds the gin router.
func NewServer(reader Reader, syncer Syncer, opts Options, logger zerolog.Logger) *Server {
	s := &Server{
		router: gin.New(),
		reader: reader,
		syncer: syncer,
		opts:   opts,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes()
	return s
}

// Router returns the underlying gin engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.health)
	if s.opts.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/api/v1")

	rates := v1.Group("/rates")
	rates.GET("/symbols", s.symbols)
	rates.GET("/search", s.search)
	rates.GET("/latest", s.latest)
	rates.GET("/history", s.history)

	v1.GET("/stats/summary/:symbol", s.summary)
	v1.GET("/analysis/explain/:symbol", s.explain)

	admin := v1.Group("/admin", s.adminAuth())
	admin.POST("/sync", s.sync)
}

func (s *Server) health(c *gin.Context) {
	state := "unknown"
	if s.opts.SchedulerState != nil {
		state = s.opts.SchedulerState()
	}
	ok(c, gin.H{
		"status":    "ok",
		"scheduler": state,
		"version":   version.String(),
	})
}

func (s *Server) symbols(c *gin.Context) {
	symbols, err := s.reader.Symbols(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	ok(c, symbols)
}

func (s *Server) search(c *gin.Context) {
	symbols, err := s.reader.SearchSymbols(c.Request.Context(), c.Query("keyword"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	ok(c, symbols)
}

func (s *Server) latest(c *gin.Context) {
	rates, err := s.reader.Latest(c.Request.Context(), c.Query("symbol"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	ok(c, rates)
}

func (s *Server) history(c *gin.Context) {
	points, err := s.reader.History(c.Request.Context(), c.Query("symbol"), c.Query("start"), c.Query("end"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	ok(c, points)
}

type summaryDTO struct {
	Symbol             string `json:"symbol"`
	Range              string `json:"range"`
	MaxValue           string `json:"maxValue"`
	MinValue           string `json:"minValue"`
	AvgValue           string `json:"avgValue"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	Samples            int    `json:"samples"`
}

func (s *Server) summary(c *gin.Context) {
	summary, err := s.reader.Summary(c.Request.Context(), c.Param("symbol"), c.DefaultQuery("range", "7d"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	ok(c, summaryDTO{
		Symbol:             summary.Symbol,
		Range:              summary.Range,
		MaxValue:           summary.Max.String(),
		MinValue:           summary.Min.String(),
		AvgValue:           summary.Avg.StringFixed(2),
		PriceChange:        summary.Change.StringFixed(2),
		PriceChangePercent: summary.ChangePercent,
		Samples:            summary.Samples,
	})
}

type reportDTO struct {
	Symbol        string `json:"symbol"`
	Report        string `json:"report"`
	Trend         string `json:"trend,omitempty"`
	Volatility    string `json:"volatility,omitempty"`
	ChangePercent string `json:"changePercent"`
}

func (s *Server) explain(c *gin.Context) {
	report, err := s.reader.ExplainMarket(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	ok(c, reportDTO{
		Symbol:        report.Symbol,
		Report:        report.Report,
		Trend:         report.Trend,
		Volatility:    report.Volatility,
		ChangePercent: report.ChangePercent,
	})
}

func (s *Server) sync(c *gin.Context) {
	rows, err := s.syncer.SyncToStore(c.Request.Context())
	if err != nil {
		s.writeError(c, fmt.Errorf("sync failed: %w", err))
		return
	}
	ok(c, gin.H{
		"rows":    rows,
		"message": fmt.Sprintf("synced %d rates", rows),
	})
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	fail(c, status, err.Error())
}

func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.AdminToken == "" {
			c.Next()
			return
		}
		token := c.GetHeader("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			fail(c, http.StatusUnauthorized, "invalid admin token")
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(started)
		status := c.Writer.Status()
		s.opts.Metrics.RecordHTTP(c.Request.Method, route, status, elapsed)

		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("request served")
	}
}
