// Package supply tracks how many tokens remain in the treasury wallet.
package supply

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/brojonat/presale/service/cache"
	"github.com/brojonat/presale/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// BalanceReader is the ledger lookup the poller depends on.
type BalanceReader interface {
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (amount uint64, decimals uint8, err error)
}

// Poller serves the last known treasury balance in whole tokens.
type Poller struct {
	reader    BalanceReader
	treasury  solana.PublicKey
	mint      solana.PublicKey
	last      *cache.LastKnown[int64]
	refreshMu sync.Mutex
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewPoller creates a Poller seeded with fallback. If m is nil, no metrics will be recorded.
func NewPoller(reader BalanceReader, treasury, mint solana.PublicKey, fallback int64, m *metrics.Metrics, logger *slog.Logger) *Poller {
	return &Poller{
		reader:   reader,
		treasury: treasury,
		mint:     mint,
		last:     cache.NewLastKnown(fallback),
		metrics:  m,
		logger:   logger,
	}
}

// RemainingSupply returns the last known balance without touching the network.
func (p *Poller) RemainingSupply() int64 {
	return p.last.Load()
}

// Refresh reads the treasury balance. On failure the previous value is kept
// and the error is returned.
func (p *Poller) Refresh(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	amount, decimals, err := p.reader.TokenBalance(ctx, p.treasury, p.mint)
	if err != nil {
		p.record("fallback")
		return fmt.Errorf("read treasury balance: %w", err)
	}

	whole := decimal.NewFromUint64(amount).Shift(-int32(decimals)).IntPart()
	p.last.Store(whole)
	p.record("success")

	p.logger.DebugContext(ctx, "treasury balance refreshed",
		"treasury", p.treasury.String(),
		"remaining", whole,
	)
	return nil
}

func (p *Poller) record(outcome string) {
	if p.metrics != nil {
		p.metrics.RecordSupplyRefresh(outcome, p.last.Load())
	}
}
