package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/presale/service/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyPrefix    = "idempotency:v1:"
	inProgressMarker     = "__in_progress__"
	maxIdempotencyKeyLen = 255
	redisOpTimeout       = 2 * time.Second
)

type storedResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// idempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key, so a retried purchase never transfers twice. A request
// without the header passes straight through.
func idempotencyMiddleware(cache *redis.Client, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	reject := func(r *http.Request, reason string) {
		if m != nil {
			m.RecordHTTPRejected(r.URL.Path, reason)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(idempotencyKeyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				writeError(w, "Idempotency-Key too long", http.StatusBadRequest)
				return
			}

			cacheKey := idempotencyPrefix + key
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), redisOpTimeout)
			defer cancel()

			reserved, err := cache.SetNX(ctx, cacheKey, inProgressMarker, ttl).Result()
			if err != nil {
				logger.ErrorContext(ctx, "idempotency reservation failed", "key", key, "error", err)
				writeError(w, "idempotency store failure", http.StatusInternalServerError)
				return
			}

			if !reserved {
				cached, err := cache.Get(ctx, cacheKey).Result()
				switch {
				case errors.Is(err, redis.Nil):
					// Expired between SetNX and Get; treat as in progress.
					cached = inProgressMarker
				case err != nil:
					logger.ErrorContext(ctx, "idempotency lookup failed", "key", key, "error", err)
					writeError(w, "idempotency store failure", http.StatusInternalServerError)
					return
				}

				if cached == inProgressMarker {
					reject(r, "idempotency_in_progress")
					writeError(w, "duplicate request currently processing", http.StatusConflict)
					return
				}

				var stored storedResponse
				if err := json.Unmarshal([]byte(cached), &stored); err != nil {
					logger.WarnContext(ctx, "failed to decode stored idempotent response", "key", key, "error", err)
					reject(r, "idempotency_corrupt")
					writeError(w, "duplicate request", http.StatusConflict)
					return
				}

				reject(r, "idempotency_replay")
				for header, value := range stored.Headers {
					w.Header().Set(header, value)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(stored.Status)
				w.Write([]byte(stored.Body))
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			stored := storedResponse{
				Status:  rec.status,
				Body:    rec.body.String(),
				Headers: map[string]string{"Content-Type": w.Header().Get("Content-Type")},
			}
			persistCtx, persistCancel := context.WithTimeout(context.Background(), redisOpTimeout)
			defer persistCancel()

			payload, err := json.Marshal(stored)
			if err == nil {
				err = cache.Set(persistCtx, cacheKey, payload, ttl).Err()
			}
			if err != nil {
				// Drop the marker so retries are not blocked for the whole TTL.
				logger.Error("failed to persist idempotent response", "key", key, "error", err)
				cache.Del(persistCtx, cacheKey)
			}
		})
	}
}

// recordingWriter tees the response body so it can be stored.
type recordingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (w *recordingWriter) WriteHeader(statusCode int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
