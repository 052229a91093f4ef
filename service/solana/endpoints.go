package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/presale/service/metrics"
	"github.com/gagliardetto/solana-go"
)

// ErrNoEndpointAvailable is returned when no configured endpoint answers a probe.
var ErrNoEndpointAvailable = errors.New("no RPC endpoint available")

// Dialer builds an RPCClient for a URL.
type Dialer func(rpcURL string) RPCClient

// EndpointList is a fixed, ordered set of RPC endpoints.
type EndpointList struct {
	clients []*Client
	logger  *slog.Logger
}

// NewEndpointList dials every URL in order. If dial is nil, NewRPCClient is used.
func NewEndpointList(urls []string, dial Dialer, m *metrics.Metrics, logger *slog.Logger) *EndpointList {
	if dial == nil {
		dial = NewRPCClient
	}
	clients := make([]*Client, 0, len(urls))
	for _, u := range urls {
		clients = append(clients, NewClient(dial(u), EndpointLabel(u), m, logger))
	}
	return &EndpointList{clients: clients, logger: logger}
}

// NewEndpointListFromClients is used when clients are built elsewhere.
func NewEndpointListFromClients(clients []*Client, logger *slog.Logger) *EndpointList {
	return &EndpointList{clients: clients, logger: logger}
}

// Len returns the number of endpoints.
func (l *EndpointList) Len() int {
	return len(l.clients)
}

// Primary returns the first configured endpoint, or nil if there are none.
func (l *EndpointList) Primary() *Client {
	if len(l.clients) == 0 {
		return nil
	}
	return l.clients[0]
}

// Probe returns the first endpoint, in order, whose blockhash fetch succeeds
// within timeout. Later endpoints are not contacted once one answers.
func (l *EndpointList) Probe(ctx context.Context, timeout time.Duration) (*Client, error) {
	for _, c := range l.clients {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := c.LatestBlockhash(probeCtx)
		cancel()
		if err == nil {
			l.logger.DebugContext(ctx, "rpc endpoint selected", "endpoint", c.Endpoint())
			return c, nil
		}
		l.logger.InfoContext(ctx, "rpc endpoint probe failed, trying next",
			"endpoint", c.Endpoint(),
			"error", err,
		)
	}
	return nil, ErrNoEndpointAvailable
}

// TokenBalance reads owner's balance of mint from the first endpoint that
// answers, in configured order. ErrTokenAccountNotFound from a live endpoint
// is final.
func (l *EndpointList) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, uint8, error) {
	var lastErr error
	for _, c := range l.clients {
		amount, decimals, err := c.TokenBalance(ctx, owner, mint)
		if err == nil || errors.Is(err, ErrTokenAccountNotFound) {
			return amount, decimals, err
		}
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		l.logger.InfoContext(ctx, "token balance lookup failed, trying next endpoint",
			"endpoint", c.Endpoint(),
			"error", err,
		)
		lastErr = err
	}
	if lastErr == nil {
		return 0, 0, ErrNoEndpointAvailable
	}
	return 0, 0, fmt.Errorf("%w: %w", ErrNoEndpointAvailable, lastErr)
}

// SubmissionOrder returns every endpoint other than active, in configured
// order, followed by active itself.
func (l *EndpointList) SubmissionOrder(active *Client) []*Client {
	out := make([]*Client, 0, len(l.clients))
	for _, c := range l.clients {
		if c != active {
			out = append(out, c)
		}
	}
	if active != nil {
		out = append(out, active)
	}
	return out
}
