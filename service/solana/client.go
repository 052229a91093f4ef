package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/brojonat/presale/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)

	// GetAccountInfo returns rpc.ErrNotFound when the account does not exist.
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)

	SendRawTransactionWithOpts(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (solana.Signature, error)

	GetSignatureStatuses(ctx context.Context, searchHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)

	GetTokenAccountsByOwner(
		ctx context.Context,
		owner solana.PublicKey,
		conf *rpc.GetTokenAccountsConfig,
		opts *rpc.GetTokenAccountsOpts,
	) (*rpc.GetTokenAccountsResult, error)

	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
}

var (
	// ErrTokenAccountNotFound is returned when an owner holds no account for a mint.
	ErrTokenAccountNotFound = errors.New("token account not found")

	// ErrTransactionFailed is returned when a transaction landed but its execution failed.
	ErrTransactionFailed = errors.New("transaction failed on chain")
)

// sendMaxRetries is how many times the RPC node itself rebroadcasts a raw send.
const sendMaxRetries uint = 5

// Client binds an RPCClient to one endpoint and records per-endpoint metrics.
type Client struct {
	rpc      RPCClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // host label, never the full URL
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling; pass EndpointLabel(url).
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:      rpcClient,
		logger:   logger,
		metrics:  m,
		endpoint: endpoint,
	}
}

// Endpoint returns the endpoint label.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// LatestBlockhash fetches a fresh blockhash at confirmed commitment.
// It doubles as the liveness probe for an endpoint.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	start := time.Now()
	out, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	c.record("GetLatestBlockhash", start, err)
	if err != nil {
		return solana.Hash{}, err
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, fmt.Errorf("empty blockhash response from %s", c.endpoint)
	}
	return out.Value.Blockhash, nil
}

// AccountExists reports whether an account is present on chain.
func (c *Client) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	start := time.Now()
	out, err := c.rpc.GetAccountInfo(ctx, account)
	if errors.Is(err, rpc.ErrNotFound) {
		c.record("GetAccountInfo", start, nil)
		return false, nil
	}
	c.record("GetAccountInfo", start, err)
	if err != nil {
		return false, err
	}
	return out != nil && out.Value != nil, nil
}

// SendRaw submits an already signed, serialized transaction with preflight
// simulation at confirmed commitment.
func (c *Client) SendRaw(ctx context.Context, raw []byte) (solana.Signature, error) {
	maxRetries := sendMaxRetries
	start := time.Now()
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
		MaxRetries:          &maxRetries,
	})
	c.record("SendRawTransaction", start, err)
	return sig, err
}

// SignatureStatus returns the status of sig, or nil if the cluster does not know it.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	c.record("GetSignatureStatuses", start, err)
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

// TokenBalance returns the raw amount and decimals held by owner's first
// token account for mint.
func (c *Client) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, uint8, error) {
	start := time.Now()
	accounts, err := c.rpc.GetTokenAccountsByOwner(ctx, owner,
		&rpc.GetTokenAccountsConfig{Mint: &mint},
		&rpc.GetTokenAccountsOpts{Encoding: solana.EncodingBase64},
	)
	c.record("GetTokenAccountsByOwner", start, err)
	if err != nil {
		return 0, 0, err
	}
	if accounts == nil || len(accounts.Value) == 0 {
		return 0, 0, ErrTokenAccountNotFound
	}

	start = time.Now()
	bal, err := c.rpc.GetTokenAccountBalance(ctx, accounts.Value[0].Pubkey, rpc.CommitmentConfirmed)
	c.record("GetTokenAccountBalance", start, err)
	if err != nil {
		return 0, 0, err
	}
	if bal == nil || bal.Value == nil {
		return 0, 0, ErrTokenAccountNotFound
	}

	amount, err := strconv.ParseUint(bal.Value.Amount, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid token amount %q: %w", bal.Value.Amount, err)
	}
	return amount, bal.Value.Decimals, nil
}

// IsConfirmed reports whether a status has reached confirmed or finalized.
func IsConfirmed(status *rpc.SignatureStatusesResult) bool {
	if status == nil {
		return false
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return true
	}
	return false
}

func (c *Client) record(method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		c.logger.Debug("solana rpc call failed",
			"method", method,
			"endpoint", c.endpoint,
			"error", err,
		)
	}
	if c.metrics != nil {
		c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
	}
}
