package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordPurchase(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPurchase("success", 9500, 12.5)
	m.RecordPurchase("submission_exhausted", 0, 30)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.purchasesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.purchasesTotal.WithLabelValues("submission_exhausted")))
	assert.Equal(t, 9500.0, testutil.ToFloat64(m.tokensSoldTotal))
}

func TestRecordQuoteAndSupply(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordQuoteFetch("success", 142.5)
	m.RecordQuoteFetch("fallback", 142.5)
	m.RecordSupplyRefresh("success", 9585095)

	assert.Equal(t, 142.5, testutil.ToFloat64(m.quoteCurrent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quoteFetchesTotal.WithLabelValues("fallback")))
	assert.Equal(t, 9585095.0, testutil.ToFloat64(m.supplyRemaining))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	handler := HTTPMetricsMiddleware(m, "/user")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/user", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/user", "POST", "4xx")))
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusCodeToString(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeToString(200))
	assert.Equal(t, "4xx", statusCodeToString(409))
	assert.Equal(t, "5xx", statusCodeToString(500))
	assert.Equal(t, "unknown", statusCodeToString(99))
}
