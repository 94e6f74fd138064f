package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultBaseURL   = "http://api.coinlayer.com"
	historicalLayout = "2006-01-02"
	maxResponseBytes = 4 << 20

	// usageLimitCode is the envelope code Coinlayer reports once the monthly quota is spent.
	usageLimitCode = 104
)

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=fetcher_test -destination=mock_http_client_test.go -source=coinlayer.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// CoinlayerOptions configures the Coinlayer client.
type CoinlayerOptions struct {
	AccessKey string
	// Target is the quote currency; empty keeps the provider default (USD).
	Target string
	// Symbols narrows the response; empty requests every listed asset.
	Symbols   []string
	Timeout   time.Duration
	UserAgent string
}

// Coinlayer fetches crypto rates from the Coinlayer REST API.
type Coinlayer struct {
	opts       CoinlayerOptions
	baseURL    string
	httpClient HTTPClient
	logger     zerolog.Logger
}

// CoinlayerOption is a configuration option for the Coinlayer client.
type CoinlayerOption func(*Coinlayer)

// WithBaseURL sets the base URL for the API.
func WithBaseURL(baseURL string) CoinlayerOption {
	return func(c *Coinlayer) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client for the API.
func WithHTTPClient(httpClient HTTPClient) CoinlayerOption {
	return func(c *Coinlayer) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewCoinlayer creates a Coinlayer client.
func NewCoinlayer(opts CoinlayerOptions, logger zerolog.Logger, options ...CoinlayerOption) *Coinlayer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Coinlayer{
		opts:       opts,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "fetcher").Str("provider", "coinlayer").Logger(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// FetchLatest performs exactly one /live call.
func (c *Coinlayer) FetchLatest(ctx context.Context) (Snapshot, error) {
	return c.fetch(ctx, "/live")
}

// FetchHistorical performs exactly one call for the given calendar day.
func (c *Coinlayer) FetchHistorical(ctx context.Context, day time.Time) (Snapshot, error) {
	return c.fetch(ctx, "/"+day.Format(historicalLayout))
}

type envelope struct {
	Success   *bool                      `json:"success"`
	Timestamp int64                      `json:"timestamp"`
	Target    string                     `json:"target"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	Error     *envelopeError             `json:"error"`
}

type envelopeError struct {
	Code int    `json:"code"`
	Type string `json:"type"`
	Info string `json:"info"`
}

func (c *Coinlayer) fetch(ctx context.Context, path string) (Snapshot, error) {
	if c.opts.AccessKey == "" {
		return Snapshot{}, &Error{Kind: ErrProvider, Info: "access key is not configured"}
	}

	query := url.Values{}
	query.Set("access_key", c.opts.AccessKey)
	if c.opts.Target != "" {
		query.Set("target", c.opts.Target)
	}
	if len(c.opts.Symbols) > 0 {
		query.Set("symbols", strings.Join(c.opts.Symbols, ","))
	}

	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, path, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return Snapshot{}, &Error{Kind: ErrProvider, Err: fmt.Errorf("creating request: %w", c.redact(err))}
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	started := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, &Error{Kind: ErrProvider, Err: fmt.Errorf("performing request: %w", c.redact(err))}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return Snapshot{}, &Error{Kind: ErrProvider, Status: res.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	c.logger.Debug().
		Str("path", path).
		Int("status", res.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("provider responded")

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return Snapshot{}, &Error{Kind: ErrRateLimited, Status: res.StatusCode, Info: envelopeInfo(body)}
	case res.StatusCode < 200 || res.StatusCode >= 300:
		return Snapshot{}, &Error{Kind: ErrProvider, Status: res.StatusCode, Info: envelopeInfo(body)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Snapshot{}, &Error{Kind: ErrProvider, Status: res.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}

	if env.Success == nil || !*env.Success {
		failure := &Error{Kind: ErrProvider, Status: res.StatusCode, Info: "unknown provider error"}
		if env.Error != nil {
			failure.Code = env.Error.Code
			failure.Info = env.Error.Info
			if isQuotaError(env.Error) {
				failure.Kind = ErrRateLimited
			}
		}
		return Snapshot{}, failure
	}

	rates := make(map[string]decimal.Decimal, len(env.Rates))
	dropped := 0
	for symbol, rate := range env.Rates {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" || !rate.IsPositive() {
			dropped++
			continue
		}
		rates[symbol] = rate
	}
	if dropped > 0 {
		c.logger.Debug().Int("dropped", dropped).Msg("ignored non-positive rates")
	}
	if len(rates) == 0 {
		return Snapshot{}, &Error{Kind: ErrEmptyResult, Status: res.StatusCode}
	}

	return Snapshot{
		Timestamp: env.Timestamp,
		Target:    env.Target,
		Rates:     rates,
	}, nil
}

// redact strips the query string from URL errors so the access key never reaches logs.
func (c *Coinlayer) redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if parsed, parseErr := url.Parse(urlErr.URL); parseErr == nil {
			parsed.RawQuery = ""
			urlErr.URL = parsed.String()
		} else {
			urlErr.URL = c.baseURL
		}
	}
	return err
}

func envelopeInfo(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		if env.Error.Code != 0 {
			return fmt.Sprintf("[%d] %s", env.Error.Code, env.Error.Info)
		}
		return env.Error.Info
	}
	return ""
}

func isQuotaError(e *envelopeError) bool {
	if e.Code == usageLimitCode {
		return true
	}
	kind := strings.ToLower(e.Type)
	return strings.Contains(kind, "rate_limit") || strings.Contains(kind, "usage_limit")
}
