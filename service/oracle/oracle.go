// Package oracle fetches the native coin spot price from an external quote API.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/brojonat/presale/service/cache"
	"github.com/brojonat/presale/service/metrics"
	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

const maxResponseSize = 64 << 10

var (
	// ErrUpstreamQuoteUnavailable wraps every fetch or parse failure. Callers of
	// GetQuote never see it; it reaches logs, metrics and Refresh callers.
	ErrUpstreamQuoteUnavailable = errors.New("upstream quote unavailable")
)

// Config configures the quote source.
type Config struct {
	URL     string
	JQ      string          // expression selecting the price from the JSON body
	Default decimal.Decimal // served until the first successful fetch
	Timeout time.Duration
}

// Oracle serves the last known good quote. All writes to the cached value go
// through refresh, which is serialized; reads never block.
type Oracle struct {
	url        string
	query      *gojq.Code
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	last       *cache.LastKnown[decimal.Decimal]
	refreshMu  sync.Mutex
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates an Oracle. If httpClient is nil, a client with cfg.Timeout is used.
// If m is nil, no metrics will be recorded.
func New(cfg Config, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) (*Oracle, error) {
	if !cfg.Default.IsPositive() {
		return nil, fmt.Errorf("default quote must be positive")
	}
	parsed, err := gojq.Parse(cfg.JQ)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression %q: %w", cfg.JQ, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq expression %q: %w", cfg.JQ, err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	o := &Oracle{
		url:        cfg.URL,
		query:      code,
		httpClient: httpClient,
		last:       cache.NewLastKnown(cfg.Default),
		metrics:    m,
		logger:     logger,
	}
	o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "price-oracle",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("price oracle circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return o, nil
}

// Quote returns the cached quote without touching the network.
func (o *Oracle) Quote() decimal.Decimal {
	return o.last.Load()
}

// QuoteUpdatedAt returns when the cached quote was last refreshed. It reports
// false while the configured default is still being served.
func (o *Oracle) QuoteUpdatedAt() (time.Time, bool) {
	if o.last.IsSeed() {
		return time.Time{}, false
	}
	return o.last.UpdatedAt(), true
}

// GetQuote fetches a fresh quote. On any failure it returns the last good
// value instead, so it never fails.
func (o *Oracle) GetQuote(ctx context.Context) decimal.Decimal {
	q, _ := o.refresh(ctx)
	return q
}

// Refresh fetches a fresh quote and reports whether it succeeded.
// Scheduled jobs use this so failures show up in their logs.
func (o *Oracle) Refresh(ctx context.Context) error {
	_, err := o.refresh(ctx)
	return err
}

func (o *Oracle) refresh(ctx context.Context) (decimal.Decimal, error) {
	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()

	out, err := o.breaker.Execute(func() (interface{}, error) {
		return o.fetch(ctx)
	})
	if err != nil {
		cached := o.last.Load()
		o.logger.WarnContext(ctx, "price quote fetch failed, serving cached value",
			"cached", cached.String(),
			"error", err,
		)
		o.record("fallback", cached)
		return cached, fmt.Errorf("%w: %w", ErrUpstreamQuoteUnavailable, err)
	}

	q := out.(decimal.Decimal)
	o.last.Store(q)
	o.record("success", q)
	return q, nil
}

func (o *Oracle) fetch(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Zero, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return decimal.Zero, fmt.Errorf("read body: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return decimal.Zero, fmt.Errorf("decode body: %w", err)
	}

	return o.extract(doc)
}

// extract runs the jq expression and accepts the first result as either a
// JSON number or a numeric string.
func (o *Oracle) extract(doc interface{}) (decimal.Decimal, error) {
	iter := o.query.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return decimal.Zero, fmt.Errorf("jq expression produced no result")
	}
	if err, isErr := v.(error); isErr {
		return decimal.Zero, fmt.Errorf("jq: %w", err)
	}

	var q decimal.Decimal
	switch x := v.(type) {
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Zero, fmt.Errorf("non-numeric price %q", x)
		}
		q = d
	case float64:
		q = decimal.NewFromFloat(x)
	case int:
		q = decimal.NewFromInt(int64(x))
	default:
		return decimal.Zero, fmt.Errorf("unexpected price type %T", v)
	}

	if !q.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s", q)
	}
	return q, nil
}

func (o *Oracle) record(outcome string, q decimal.Decimal) {
	if o.metrics != nil {
		o.metrics.RecordQuoteFetch(outcome, q.InexactFloat64())
	}
}
