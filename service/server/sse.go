package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/presale/service/nats"
)

// PurchaseFeed delivers confirmed purchase events as they are published.
type PurchaseFeed interface {
	Subscribe(ctx context.Context, opts nats.SubscribeOptions) (<-chan *nats.PurchaseEvent, error)
}

const sseKeepalive = 15 * time.Second

// handleStreamPurchases returns a handler that streams confirmed purchases
// as server-sent events.
// GET /api/v1/stream/purchases
// GET /api/v1/stream/purchases/{address}
func handleStreamPurchases(feed PurchaseFeed, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buyer := r.PathValue("address")
		if buyer != "" {
			if err := validateAddress(buyer); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		rc := http.NewResponseController(w)
		// Streams outlive the server's write timeout.
		if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			logger.WarnContext(r.Context(), "failed to clear write deadline", "error", err)
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		events, err := feed.Subscribe(ctx, nats.SubscribeOptions{Buyer: buyer})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to subscribe to purchases", "buyer", buyer, "error", err)
			writeError(w, "failed to subscribe to purchases", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		fmt.Fprintf(w, "event: connected\ndata: {\"buyer\":%q}\n\n", buyer)
		if err := rc.Flush(); err != nil {
			logger.WarnContext(r.Context(), "streaming not supported", "error", err)
			return
		}

		logger.DebugContext(r.Context(), "purchase stream opened",
			"buyer", buyer,
			"request_id", requestID(r.Context()),
		)

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.DebugContext(r.Context(), "purchase stream closed", "buyer", buyer)
				return
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				if err := rc.Flush(); err != nil {
					return
				}
			case event := <-events:
				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(ctx, "failed to marshal purchase event", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: purchase\nid: %s\ndata: %s\n\n", event.Signature, data)
				if err := rc.Flush(); err != nil {
					return
				}
			}
		}
	})
}
