package oracle

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// quoteServer serves whatever body is currently set.
type quoteServer struct {
	*httptest.Server
	body   atomic.Value
	status atomic.Int32
	hits   atomic.Int32
}

func newQuoteServer(t *testing.T, body string) *quoteServer {
	t.Helper()
	qs := &quoteServer{}
	qs.body.Store(body)
	qs.status.Store(http.StatusOK)
	qs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		qs.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(qs.status.Load()))
		w.Write([]byte(qs.body.Load().(string)))
	}))
	t.Cleanup(qs.Close)
	return qs
}

func newTestOracle(t *testing.T, url, jq string) *Oracle {
	t.Helper()
	o, err := New(Config{URL: url, JQ: jq, Default: decimal.NewFromInt(95)}, nil, nil, testLogger())
	require.NoError(t, err)
	return o
}

func TestGetQuote_StringPrice(t *testing.T) {
	qs := newQuoteServer(t, `{"symbol":"SOLUSDT","price":"142.35000000"}`)
	o := newTestOracle(t, qs.URL, ".price")

	q := o.GetQuote(context.Background())
	assert.True(t, decimal.RequireFromString("142.35").Equal(q), "got %s", q)
	assert.True(t, q.Equal(o.Quote()))
}

func TestGetQuote_NumberPriceCustomQuery(t *testing.T) {
	qs := newQuoteServer(t, `{"solana":{"usd":151.2}}`)
	o := newTestOracle(t, qs.URL, ".solana.usd")

	q := o.GetQuote(context.Background())
	assert.True(t, decimal.RequireFromString("151.2").Equal(q), "got %s", q)
}

func TestGetQuote_SeedBeforeFirstSuccess(t *testing.T) {
	qs := newQuoteServer(t, `not json`)
	o := newTestOracle(t, qs.URL, ".price")

	assert.True(t, decimal.NewFromInt(95).Equal(o.GetQuote(context.Background())))
}

func TestQuoteUpdatedAt(t *testing.T) {
	qs := newQuoteServer(t, `{"price":"100"}`)
	o := newTestOracle(t, qs.URL, ".price")

	_, ok := o.QuoteUpdatedAt()
	assert.False(t, ok)

	before := time.Now()
	require.NoError(t, o.Refresh(context.Background()))
	at, ok := o.QuoteUpdatedAt()
	require.True(t, ok)
	assert.False(t, at.Before(before))
}

func TestGetQuote_FallsBackToLastGood(t *testing.T) {
	qs := newQuoteServer(t, `{"price":"100"}`)
	o := newTestOracle(t, qs.URL, ".price")
	ctx := context.Background()

	require.True(t, decimal.NewFromInt(100).Equal(o.GetQuote(ctx)))

	bad := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{"price":`, http.StatusOK},
		{"non-numeric", `{"price":"NaN-ish"}`, http.StatusOK},
		{"zero", `{"price":"0"}`, http.StatusOK},
		{"negative", `{"price":-3}`, http.StatusOK},
		{"missing field", `{}`, http.StatusOK},
		{"server error", `{"price":"120"}`, http.StatusInternalServerError},
	}

	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			qs.body.Store(tt.body)
			qs.status.Store(int32(tt.status))

			q := o.GetQuote(ctx)
			assert.True(t, decimal.NewFromInt(100).Equal(q), "got %s", q)
		})
	}
}

func TestRefresh_ReportsFailure(t *testing.T) {
	qs := newQuoteServer(t, `{"price":"abc"}`)
	o := newTestOracle(t, qs.URL, ".price")

	err := o.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamQuoteUnavailable)
	assert.True(t, decimal.NewFromInt(95).Equal(o.Quote()))
}

func TestBreaker_StopsCallingUpstream(t *testing.T) {
	qs := newQuoteServer(t, `{"price":"77"}`)
	qs.status.Store(http.StatusBadGateway)
	o := newTestOracle(t, qs.URL, ".price")
	ctx := context.Background()

	for range 10 {
		o.GetQuote(ctx)
	}

	assert.Equal(t, int32(5), qs.hits.Load(), "breaker opens after five consecutive failures")
	assert.True(t, decimal.NewFromInt(95).Equal(o.Quote()))
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{URL: "http://x", JQ: ".price[", Default: decimal.NewFromInt(95)}, nil, nil, testLogger())
	assert.Error(t, err)

	_, err = New(Config{URL: "http://x", JQ: ".price", Default: decimal.Zero}, nil, nil, testLogger())
	assert.Error(t, err)
}
