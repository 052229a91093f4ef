package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/presale/service/config"
	"github.com/brojonat/presale/service/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	mu     sync.Mutex
	events chan *nats.PurchaseEvent
	opts   []nats.SubscribeOptions
	err    error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{events: make(chan *nats.PurchaseEvent, 4)}
}

func (f *fakeFeed) Subscribe(ctx context.Context, opts nats.SubscribeOptions) (<-chan *nats.PurchaseEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func (f *fakeFeed) lastOpts() nats.SubscribeOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[len(f.opts)-1]
}

// readEvent scans frames until one named name arrives and returns its data.
func readEvent(t *testing.T, r *bufio.Reader, name string) string {
	t.Helper()

	var current string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && current == name:
			return strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestStreamPurchases(t *testing.T) {
	feed := newFakeFeed()
	env := newTestEnv(t, func(cfg *config.Config, deps *Deps) {
		deps.Feed = feed
	})
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/stream/purchases/"+testWallet, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	assert.Contains(t, readEvent(t, r, "connected"), testWallet)
	assert.Equal(t, testWallet, feed.lastOpts().Buyer)

	feed.events <- &nats.PurchaseEvent{
		Signature:     "5sig",
		BuyerAddress:  testWallet,
		PaidAmount:    "0.5",
		TokenQuantity: 5000,
	}

	var got nats.PurchaseEvent
	require.NoError(t, json.Unmarshal([]byte(readEvent(t, r, "purchase")), &got))
	assert.Equal(t, "5sig", got.Signature)
	assert.Equal(t, "0.5", got.PaidAmount)
	assert.EqualValues(t, 5000, got.TokenQuantity)
}

func TestStreamPurchases_AllBuyers(t *testing.T) {
	feed := newFakeFeed()
	env := newTestEnv(t, func(cfg *config.Config, deps *Deps) {
		deps.Feed = feed
	})
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/stream/purchases", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	readEvent(t, bufio.NewReader(resp.Body), "connected")
	assert.Empty(t, feed.lastOpts().Buyer)
}

func TestStreamPurchases_Errors(t *testing.T) {
	feed := newFakeFeed()
	env := newTestEnv(t, func(cfg *config.Config, deps *Deps) {
		deps.Feed = feed
	})

	rec := env.do(http.MethodGet, "/api/v1/stream/purchases/0OIl", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	feed.err = errors.New("stream not found")
	rec = env.do(http.MethodGet, "/api/v1/stream/purchases", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStreamPurchases_NotRoutedWithoutFeed(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/v1/stream/purchases", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
