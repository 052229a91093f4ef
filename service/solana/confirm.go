package solana

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

// Waiter waits for a submitted transaction to be confirmed.
type Waiter interface {
	// WaitConfirmed returns nil once sig reaches confirmed or finalized
	// commitment, an error wrapping ErrTransactionFailed if it landed with an
	// execution error, or another error if the wait itself failed or ctx ended.
	WaitConfirmed(ctx context.Context, active *Client, sig solana.Signature) error
}

// PollingWaiter polls getSignatureStatuses on the active endpoint.
type PollingWaiter struct {
	interval time.Duration
}

// NewPollingWaiter returns a waiter that polls every interval.
func NewPollingWaiter(interval time.Duration) *PollingWaiter {
	if interval <= 0 {
		interval = time.Second
	}
	return &PollingWaiter{interval: interval}
}

func (w *PollingWaiter) WaitConfirmed(ctx context.Context, active *Client, sig solana.Signature) error {
	for {
		status, err := active.SignatureStatus(ctx, sig)
		if err != nil {
			return fmt.Errorf("get signature status: %w", err)
		}
		if status != nil {
			if status.Err != nil {
				return fmt.Errorf("%w: %v", ErrTransactionFailed, status.Err)
			}
			if IsConfirmed(status) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.interval):
		}
	}
}

// WebsocketWaiter subscribes to signature notifications over the RPC
// websocket interface.
type WebsocketWaiter struct {
	url    string
	logger *slog.Logger
}

// NewWebsocketWaiter returns a waiter that connects to wsURL for each wait.
func NewWebsocketWaiter(wsURL string, logger *slog.Logger) *WebsocketWaiter {
	return &WebsocketWaiter{url: wsURL, logger: logger}
}

func (w *WebsocketWaiter) WaitConfirmed(ctx context.Context, _ *Client, sig solana.Signature) error {
	client, err := ws.Connect(ctx, w.url)
	if err != nil {
		return fmt.Errorf("connect websocket %s: %w", EndpointLabel(w.url), err)
	}
	defer client.Close()

	sub, err := client.SignatureSubscribe(sig, rpc.CommitmentConfirmed)
	if err != nil {
		return fmt.Errorf("subscribe to signature: %w", err)
	}
	defer sub.Unsubscribe()

	res, err := sub.Recv(ctx)
	if err != nil {
		return fmt.Errorf("receive signature notification: %w", err)
	}
	if res != nil && res.Value.Err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailed, res.Value.Err)
	}

	w.logger.DebugContext(ctx, "signature notification received", "signature", sig.String())
	return nil
}
