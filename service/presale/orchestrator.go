// Package presale turns a verified native-coin payment into a confirmed token
// transfer from the operator's wallet to the buyer.
package presale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/brojonat/presale/service/db"
	"github.com/brojonat/presale/service/metrics"
	"github.com/brojonat/presale/service/nats"
	"github.com/brojonat/presale/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// PurchaseRequest is one buyer's request. It is never persisted.
type PurchaseRequest struct {
	BuyerAddress   string
	PaidAmount     decimal.Decimal
	ReferenceQuote decimal.Decimal
}

// Tier is one (compute budget, priority fee) submission step.
type Tier struct {
	ComputeUnits  uint32
	MicroLamports uint64
}

func (t Tier) label() string {
	return strconv.FormatUint(uint64(t.ComputeUnits), 10) + "/" + strconv.FormatUint(t.MicroLamports, 10)
}

// RetryPolicy is fixed at construction.
type RetryPolicy struct {
	Tiers             []Tier
	SubmitBackoff     time.Duration
	ConfirmMaxRetries int
	ConfirmTimeout    time.Duration
	ConfirmBackoff    time.Duration
	ProbeTimeout      time.Duration
}

// DefaultRetryPolicy returns the production submission schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Tiers: []Tier{
			{500000, 10},
			{800000, 25},
			{1000000, 50},
			{1200000, 100},
			{1400000, 200},
		},
		SubmitBackoff:     5 * time.Second,
		ConfirmMaxRetries: 10,
		ConfirmTimeout:    60 * time.Second,
		ConfirmBackoff:    2 * time.Second,
		ProbeTimeout:      10 * time.Second,
	}
}

// Budget is the longest SubmitPurchase can spend in probes, backoff sleeps and
// confirmation waits against the given number of endpoints. RPC round trips
// outside those windows are not counted.
func (p RetryPolicy) Budget(endpoints int) time.Duration {
	d := time.Duration(endpoints)*p.ProbeTimeout + time.Duration(p.ConfirmMaxRetries)*p.ConfirmTimeout
	if n := len(p.Tiers); n > 1 {
		d += time.Duration(n-1) * p.SubmitBackoff
	}
	if p.ConfirmMaxRetries > 1 {
		d += time.Duration(p.ConfirmMaxRetries-1) * p.ConfirmBackoff
	}
	return d
}

// Registrar records buyers after a successful purchase.
type Registrar interface {
	RegisterWallet(ctx context.Context, address string) (*db.User, error)
}

// SupplyRefresher schedules an out-of-band treasury balance refresh.
type SupplyRefresher interface {
	Trigger()
}

// QuoteSource serves the server's own cached quote.
type QuoteSource interface {
	Quote() decimal.Decimal
}

// Config holds everything the orchestrator needs besides the network.
type Config struct {
	Operator      solanago.PrivateKey
	Mint          solanago.PublicKey
	TokenDecimals uint8
	Policy        RetryPolicy

	// Zero disables the corresponding bound.
	MinPurchase decimal.Decimal
	MaxPurchase decimal.Decimal

	// MaxQuoteDeviation rejects a reference quote further than this fraction
	// from Quotes.Quote(). Zero or a nil Quotes disables the check.
	MaxQuoteDeviation decimal.Decimal
	Quotes            QuoteSource

	// Optional post-confirmation hooks.
	Registrar Registrar
	Supply    SupplyRefresher
	Publisher nats.Publisher
}

// Orchestrator executes purchases. It is safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	endpoints *solana.EndpointList
	waiter    solana.Waiter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	hooks sync.WaitGroup
}

// New creates an Orchestrator. If m is nil, no metrics will be recorded.
func New(cfg Config, endpoints *solana.EndpointList, waiter solana.Waiter, m *metrics.Metrics, logger *slog.Logger) (*Orchestrator, error) {
	if len(cfg.Operator) != 64 {
		return nil, errors.New("operator key must be 64 bytes")
	}
	if endpoints == nil || endpoints.Len() == 0 {
		return nil, errors.New("at least one RPC endpoint is required")
	}
	if waiter == nil {
		return nil, errors.New("confirmation waiter is required")
	}
	if len(cfg.Policy.Tiers) == 0 {
		return nil, errors.New("at least one fee tier is required")
	}
	if cfg.Policy.ConfirmMaxRetries < 1 {
		return nil, errors.New("confirm max retries must be at least 1")
	}

	return &Orchestrator{
		cfg:       cfg,
		endpoints: endpoints,
		waiter:    waiter,
		metrics:   m,
		logger:    logger,
		sleep:     sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// submission is an accepted transaction awaiting confirmation.
type submission struct {
	signature solanago.Signature
	tier      Tier
	endpoint  string
}

// SubmitPurchase transfers the purchased tokens to the buyer and returns the
// confirmed transaction signature.
func (o *Orchestrator) SubmitPurchase(ctx context.Context, req PurchaseRequest) (_ solanago.Signature, err error) {
	start := time.Now()
	var quantity int64
	defer func() {
		if o.metrics != nil {
			outcome, sold := "success", quantity
			if err != nil {
				outcome, sold = Code(err), 0
			}
			o.metrics.RecordPurchase(outcome, sold, time.Since(start).Seconds())
		}
	}()

	buyer, err := o.validate(req)
	if err != nil {
		return solanago.Signature{}, err
	}

	quantity, err = TokenQuantity(req.PaidAmount, req.ReferenceQuote)
	if err != nil {
		return solanago.Signature{}, err
	}
	if quantity <= 0 {
		return solanago.Signature{}, ErrZeroQuantity
	}
	amount, err := o.baseUnits(quantity)
	if err != nil {
		return solanago.Signature{}, err
	}

	logger := o.logger.With("buyer", buyer.String(), "tokens", quantity)

	active, err := o.endpoints.Probe(ctx, o.cfg.Policy.ProbeTimeout)
	if err != nil {
		return solanago.Signature{}, fmt.Errorf("%w: %w", ErrNoEndpointAvailable, err)
	}

	buyerATA, err := solana.AssociatedTokenAddress(buyer, o.cfg.Mint)
	if err != nil {
		return solanago.Signature{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	exists, err := active.AccountExists(ctx, buyerATA)
	if err != nil {
		return solanago.Signature{}, fmt.Errorf("%w: look up buyer token account on %s: %w", ErrNoEndpointAvailable, active.Endpoint(), err)
	}
	if !exists {
		logger.InfoContext(ctx, "buyer token account missing, will create", "account", buyerATA.String())
	}

	params := solana.TransferParams{
		Operator:           o.cfg.Operator,
		Mint:               o.cfg.Mint,
		Buyer:              buyer,
		Amount:             amount,
		CreateBuyerAccount: !exists,
	}

	sub, err := o.submit(ctx, logger, active, params)
	if err != nil {
		return solanago.Signature{}, err
	}
	logger = logger.With("signature", sub.signature.String())

	if err := o.confirm(ctx, logger, active, sub.signature); err != nil {
		return solanago.Signature{}, err
	}

	logger.InfoContext(ctx, "purchase confirmed",
		"tier", sub.tier.label(),
		"endpoint", sub.endpoint,
		"duration", time.Since(start),
	)

	o.afterConfirm(ctx, req, buyer, quantity, sub, !exists)
	return sub.signature, nil
}

func (o *Orchestrator) validate(req PurchaseRequest) (solanago.PublicKey, error) {
	buyer, err := solana.ParseWallet(req.BuyerAddress)
	if err != nil {
		return solanago.PublicKey{}, fmt.Errorf("%w: buyer address: %w", ErrInvalidInput, err)
	}
	if !req.PaidAmount.IsPositive() {
		return solanago.PublicKey{}, fmt.Errorf("%w: paid amount must be positive", ErrInvalidInput)
	}
	if o.cfg.MinPurchase.IsPositive() && req.PaidAmount.LessThan(o.cfg.MinPurchase) {
		return solanago.PublicKey{}, fmt.Errorf("%w: paid amount below minimum %s", ErrInvalidInput, o.cfg.MinPurchase)
	}
	if o.cfg.MaxPurchase.IsPositive() && req.PaidAmount.GreaterThan(o.cfg.MaxPurchase) {
		return solanago.PublicKey{}, fmt.Errorf("%w: paid amount above maximum %s", ErrInvalidInput, o.cfg.MaxPurchase)
	}

	if o.cfg.Quotes != nil && o.cfg.MaxQuoteDeviation.IsPositive() && req.ReferenceQuote.IsPositive() {
		own := o.cfg.Quotes.Quote()
		if own.IsPositive() {
			deviation := req.ReferenceQuote.Sub(own).Abs().Div(own)
			if deviation.GreaterThan(o.cfg.MaxQuoteDeviation) {
				return solanago.PublicKey{}, fmt.Errorf("%w: reference quote %s deviates from %s", ErrInvalidInput, req.ReferenceQuote, own)
			}
		}
	}
	return buyer, nil
}

func (o *Orchestrator) baseUnits(quantity int64) (uint64, error) {
	units := decimal.NewFromInt(quantity).Shift(int32(o.cfg.TokenDecimals))
	if units.GreaterThan(decimal.NewFromUint64(math.MaxUint64)) {
		return 0, fmt.Errorf("%w: %d tokens overflows base units", ErrInvalidInput, quantity)
	}
	return units.BigInt().Uint64(), nil
}

// submit walks the fee tiers. Each tier signs a fresh transaction and offers
// it to every endpoint, active last.
func (o *Orchestrator) submit(ctx context.Context, logger *slog.Logger, active *solana.Client, params solana.TransferParams) (*submission, error) {
	tiers := o.cfg.Policy.Tiers
	var lastErr error

	for i, tier := range tiers {
		sub, err := o.submitTier(ctx, logger, active, params, tier)
		if err == nil {
			return sub, nil
		}
		lastErr = err
		logger.WarnContext(ctx, "submission tier failed",
			"tier", tier.label(),
			"attempt", i+1,
			"error", err,
		)

		if i < len(tiers)-1 {
			if err := o.sleep(ctx, o.cfg.Policy.SubmitBackoff); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrSubmissionExhausted, err)
			}
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrSubmissionExhausted, lastErr)
}

func (o *Orchestrator) submitTier(ctx context.Context, logger *slog.Logger, active *solana.Client, params solana.TransferParams, tier Tier) (*submission, error) {
	blockhash, err := active.LatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch blockhash: %w", err)
	}

	params.Blockhash = blockhash
	params.ComputeUnits = tier.ComputeUnits
	params.MicroLamports = tier.MicroLamports
	signed, err := solana.BuildTransfer(params)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, c := range o.endpoints.SubmissionOrder(active) {
		_, err := c.SendRaw(ctx, signed.Raw)
		if err != nil {
			o.recordSubmission(tier, c.Endpoint(), "error")
			logger.DebugContext(ctx, "endpoint rejected submission, trying next",
				"endpoint", c.Endpoint(),
				"error", err,
			)
			lastErr = err
			continue
		}
		o.recordSubmission(tier, c.Endpoint(), "accepted")
		return &submission{signature: signed.Signature, tier: tier, endpoint: c.Endpoint()}, nil
	}
	return nil, lastErr
}

// confirm waits for sig with bounded, backed-off attempts, then checks the
// status once directly in case the notification was lost.
func (o *Orchestrator) confirm(ctx context.Context, logger *slog.Logger, active *solana.Client, sig solanago.Signature) error {
	policy := o.cfg.Policy

	for attempt := 1; attempt <= policy.ConfirmMaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, policy.ConfirmTimeout)
		err := o.waiter.WaitConfirmed(attemptCtx, active, sig)
		cancel()

		if err == nil {
			o.recordConfirmation("confirmed")
			return nil
		}
		if errors.Is(err, solana.ErrTransactionFailed) {
			o.recordConfirmation("reverted")
			return fmt.Errorf("%w: %w", ErrTransactionReverted, err)
		}

		o.recordConfirmation("retry")
		logger.WarnContext(ctx, "confirmation attempt failed",
			"attempt", attempt,
			"max", policy.ConfirmMaxRetries,
			"error", err,
		)

		if attempt < policy.ConfirmMaxRetries {
			if err := o.sleep(ctx, policy.ConfirmBackoff); err != nil {
				return fmt.Errorf("%w: %w", ErrConfirmationTimeout, err)
			}
		}
	}

	status, err := active.SignatureStatus(ctx, sig)
	if err != nil {
		return fmt.Errorf("%w: final status check: %w", ErrConfirmationTimeout, err)
	}
	if status != nil && status.Err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionReverted, status.Err)
	}
	if solana.IsConfirmed(status) {
		logger.InfoContext(ctx, "transaction confirmed on final status check")
		return nil
	}
	return ErrConfirmationTimeout
}

// afterConfirm runs the best-effort follow-ups. They never affect the result.
func (o *Orchestrator) afterConfirm(ctx context.Context, req PurchaseRequest, buyer solanago.PublicKey, quantity int64, sub *submission, createdAccount bool) {
	ctx = context.WithoutCancel(ctx)

	if o.cfg.Supply != nil {
		o.cfg.Supply.Trigger()
	}

	if o.cfg.Registrar != nil {
		o.goHook(func() {
			if _, err := o.cfg.Registrar.RegisterWallet(ctx, buyer.String()); err != nil {
				o.logger.ErrorContext(ctx, "failed to register buyer",
					"buyer", buyer.String(),
					"error", err,
				)
			}
		})
	}

	if o.cfg.Publisher != nil {
		event := &nats.PurchaseEvent{
			Signature:           sub.signature.String(),
			BuyerAddress:        buyer.String(),
			TokenMint:           o.cfg.Mint.String(),
			PaidAmount:          req.PaidAmount.String(),
			ReferenceQuote:      req.ReferenceQuote.String(),
			TokenQuantity:       quantity,
			ComputeUnits:        sub.tier.ComputeUnits,
			MicroLamports:       sub.tier.MicroLamports,
			Endpoint:            sub.endpoint,
			CreatedBuyerAccount: createdAccount,
			ConfirmedAt:         time.Now().UTC(),
		}
		o.goHook(func() {
			if err := o.cfg.Publisher.PublishPurchase(ctx, event); err != nil {
				o.logger.ErrorContext(ctx, "failed to publish purchase event",
					"signature", event.Signature,
					"error", err,
				)
			}
		})
	}
}

func (o *Orchestrator) goHook(fn func()) {
	o.hooks.Add(1)
	go func() {
		defer o.hooks.Done()
		fn()
	}()
}

// Wait blocks until every in-flight post-confirmation hook has returned.
func (o *Orchestrator) Wait() {
	o.hooks.Wait()
}

func (o *Orchestrator) recordSubmission(tier Tier, endpoint, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordSubmissionAttempt(tier.label(), endpoint, outcome)
	}
}

func (o *Orchestrator) recordConfirmation(outcome string) {
	if o.metrics != nil {
		o.metrics.RecordConfirmationAttempt(outcome)
	}
}
