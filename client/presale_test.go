package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wallet = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

func TestRegisterWallet_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/user", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, wallet, body["walletAddress"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"walletAddress":%q,"createdAt":"2026-10-01T00:00:00Z"}`, wallet)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", nil, nil)
	user, err := client.RegisterWallet(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, wallet, user.WalletAddress)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), user.CreatedAt)
}

func TestRegisterWallet_Conflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "This wallet address is already registered"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.RegisterWallet(context.Background(), wallet)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestGetUser_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/"+wallet, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("plain text"))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.GetUser(context.Background(), wallet)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestListUsers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "20", r.URL.Query().Get("offset"))
		fmt.Fprintf(w, `{"users":[{"walletAddress":%q}],"count":1,"total":21,"limit":10,"offset":20}`, wallet)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	page, err := client.ListUsers(context.Background(), 10, 20)
	require.NoError(t, err)
	require.Len(t, page.Users, 1)
	assert.Equal(t, wallet, page.Users[0].WalletAddress)
	assert.EqualValues(t, 21, page.Total)
}

func TestTransfer_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfer", r.URL.Path)
		assert.Equal(t, "order-1", r.Header.Get("Idempotency-Key"))

		var body struct {
			BuyerPublicKey string          `json:"buyerPublicKey"`
			SolAmount      decimal.Decimal `json:"solAmount"`
			SolPrice       decimal.Decimal `json:"solPrice"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, wallet, body.BuyerPublicKey)
		assert.Equal(t, "0.5", body.SolAmount.String())

		w.Write([]byte(`{"success":true,"signature":"5sig"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	sig, err := client.Transfer(context.Background(), TransferRequest{
		BuyerPublicKey: wallet,
		SolAmount:      decimal.RequireFromString("0.5"),
		SolPrice:       decimal.NewFromInt(100),
	}, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "5sig", sig)
}

func TestTransfer_Envelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "Failed to transfer CDX tokens",
			"details": "Transaction confirmation failed after all retries",
			"stack":   "transaction confirmation timed out",
			"code":    "confirmation_timeout",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Transfer(context.Background(), TransferRequest{BuyerPublicKey: wallet}, "")
	require.Error(t, err)

	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "confirmation_timeout", te.Code)
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)
	assert.Equal(t, "Failed to transfer CDX tokens (confirmation_timeout): Transaction confirmation failed after all retries", te.Error())
}

func TestTransfer_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "Rate limit exceeded"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Transfer(context.Background(), TransferRequest{BuyerPublicKey: wallet}, "")
	require.Error(t, err)

	var te *TransferError
	assert.False(t, errors.As(err, &te))
	assert.Contains(t, err.Error(), "Rate limit exceeded")
}

func TestSaleEstimateQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/sale":
			w.Write([]byte(`{"solPrice":"100","cdxPrice":"0.01","remainingSupply":9585095,"totalForSale":10000000,"soldPercent":4.14905,"timeLeft":{"days":17,"isUrgent":false},"minPurchase":"0.001","maxPurchase":"50","quoteIsDefault":false,"quoteUpdatedAt":"2026-10-14T11:59:00Z"}`))
		case "/api/v1/estimate":
			assert.Equal(t, "0.5", r.URL.Query().Get("amount"))
			w.Write([]byte(`{"solAmount":"0.5","solPrice":"100","tokens":5000}`))
		case "/api/v1/quote":
			w.Write([]byte(`{"solPrice":"151.25"}`))
		case "/health":
			w.Write([]byte("OK"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ctx := context.Background()

	s, err := client.Sale(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 9585095, s.RemainingSupply)
	assert.Equal(t, "0.01", s.CDXPrice.String())
	assert.EqualValues(t, 17, s.TimeLeft.Days)
	assert.False(t, s.SolPriceDefault)
	require.NotNil(t, s.SolPriceAt)
	assert.Equal(t, 2026, s.SolPriceAt.Year())

	e, err := client.Estimate(ctx, decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.EqualValues(t, 5000, e.Tokens)

	q, err := client.Quote(ctx)
	require.NoError(t, err)
	assert.Equal(t, "151.25", q.String())

	assert.NoError(t, client.Health(ctx))
}

func TestAwait_MatchingPurchase(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/purchases/"+wallet, r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		fmt.Fprint(w, "event: connected\ndata: {}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: purchase\ndata: {\"signature\":\"small\",\"token_quantity\":10}\n\n")
		fmt.Fprint(w, "event: purchase\ndata: {\"signature\":\"big\",\"token_quantity\":5000}\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewClient(server.URL, nil, nil)
	p, err := client.Await(ctx, wallet, func(p *Purchase) bool { return p.TokenQuantity >= 1000 })
	require.NoError(t, err)
	assert.Equal(t, "big", p.Signature)
}

func TestAwait_StreamEndsWithoutMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: purchase\ndata: {\"signature\":\"other\"}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Await(context.Background(), "", func(p *Purchase) bool { return false })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream closed")
}

func TestAwait_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Await(ctx, "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
