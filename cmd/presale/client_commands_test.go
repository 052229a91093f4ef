package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brojonat/presale/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const buyer = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

func TestPurchaseMatcher(t *testing.T) {
	p := &client.Purchase{
		Signature:     "sig-1",
		BuyerAddress:  buyer,
		PaidAmount:    "0.5",
		TokenQuantity: 5000,
	}

	tests := []struct {
		name      string
		signature string
		jq        []string
		want      bool
	}{
		{name: "no filters", want: true},
		{name: "signature match", signature: "sig-1", want: true},
		{name: "signature mismatch", signature: "sig-2", want: false},
		{name: "jq numeric comparison", jq: []string{".token_quantity >= 1000"}, want: true},
		{name: "jq false", jq: []string{".token_quantity > 10000"}, want: false},
		{name: "jq null is falsy", jq: []string{".missing"}, want: false},
		{name: "jq string is truthy", jq: []string{".paid_amount"}, want: true},
		{name: "all filters must pass", jq: []string{".token_quantity == 5000", `.buyer_address == "other"`}, want: false},
		{name: "jq runtime error", jq: []string{".paid_amount | tonumber | . / 0"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filters, err := compileJQ(tt.jq)
			require.NoError(t, err)
			assert.Equal(t, tt.want, purchaseMatcher(tt.signature, filters)(p))
		})
	}
}

func TestCompileJQ_Invalid(t *testing.T) {
	_, err := compileJQ([]string{".foo |"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse jq filter")
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy([]interface{}{}))
}

func TestBuyCommand(t *testing.T) {
	var gotKey string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/quote":
			w.Write([]byte(`{"solPrice":"120"}`))
		case "/transfer":
			gotKey = r.Header.Get("Idempotency-Key")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			w.Write([]byte(`{"success":true,"signature":"5sig"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	out, err := runApp(t, "--server-url", server.URL, "--json", "client", "buy", "--amount", "0.25", buyer)
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "5sig", result["signature"])
	assert.Len(t, gotKey, 36)
	assert.Equal(t, gotKey, result["idempotency_key"])
	assert.Equal(t, buyer, gotBody["buyerPublicKey"])
	assert.Equal(t, "0.25", gotBody["solAmount"])
	assert.Equal(t, "120", gotBody["solPrice"])
}

func TestBuyCommand_TransferError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "Failed to transfer CDX tokens",
			"details": "token quantity must be greater than zero",
			"code":    "zero_quantity",
		})
	}))
	defer server.Close()

	_, err := runApp(t, "--server-url", server.URL, "client", "buy", "--amount", "0", "--price", "100", "-k", "order-9", buyer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero_quantity")
}

func TestSaleAndEstimateCommands(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/sale":
			w.Write([]byte(`{"solPrice":"100","cdxPrice":"0.01","remainingSupply":9585095,"totalForSale":10000000,"soldPercent":4.15,"timeLeft":{"days":3,"hours":4,"minutes":5,"seconds":6,"isUrgent":true},"minPurchase":"0.001","maxPurchase":"50"}`))
		case "/api/v1/estimate":
			fmt.Fprintf(w, `{"solAmount":%q,"solPrice":"100","tokens":5000}`, r.URL.Query().Get("amount"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	out, err := runApp(t, "--server-url", server.URL, "client", "sale")
	require.NoError(t, err)
	assert.Contains(t, out, "9585095 / 10000000")
	assert.Contains(t, out, "3d 04h 05m 06s")

	out, err = runApp(t, "--server-url", server.URL, "client", "estimate", "0.5")
	require.NoError(t, err)
	assert.Contains(t, out, "0.5 SOL at $100 buys 5000 CDX")

	_, err = runApp(t, "--server-url", server.URL, "client", "estimate", "lots")
	require.Error(t, err)
}
