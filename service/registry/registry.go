// Package registry records every wallet that interacts with the presale.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brojonat/presale/service/db"
	"github.com/brojonat/presale/service/metrics"
)

var (
	// ErrInvalidInput is returned for an empty wallet address.
	ErrInvalidInput = errors.New("wallet address is required")

	// ErrStoreUnavailable wraps any store failure other than a duplicate key.
	ErrStoreUnavailable = errors.New("user store unavailable")
)

// Store is the persistence the registry needs.
type Store interface {
	GetUserByWallet(ctx context.Context, address string) (*db.User, error)
	CreateUser(ctx context.Context, address string) (*db.User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]*db.User, error)
	CountUsers(ctx context.Context) (int64, error)
}

// Registry performs idempotent find-or-create of wallet records.
type Registry struct {
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Registry. If m is nil, no metrics will be recorded.
func New(store Store, m *metrics.Metrics, logger *slog.Logger) *Registry {
	return &Registry{store: store, metrics: m, logger: logger}
}

// RegisterWallet returns the record for address, creating it on first sighting.
// Concurrent calls for the same address all return the single stored record.
func (r *Registry) RegisterWallet(ctx context.Context, address string) (*db.User, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		r.record("invalid")
		return nil, ErrInvalidInput
	}

	u, err := r.store.GetUserByWallet(ctx, address)
	if err == nil {
		r.record("existing")
		return u, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		r.record("error")
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	u, err = r.store.CreateUser(ctx, address)
	if err == nil {
		r.record("created")
		r.logger.InfoContext(ctx, "registered wallet", "wallet", address)
		return u, nil
	}
	if !errors.Is(err, db.ErrDuplicateKey) {
		r.record("error")
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	// Lost the insert race; the winner's row is authoritative.
	u, err = r.store.GetUserByWallet(ctx, address)
	if err != nil {
		r.record("error")
		return nil, fmt.Errorf("%w: re-read after duplicate: %w", ErrStoreUnavailable, err)
	}
	if u.WalletAddress != address {
		r.record("error")
		return nil, fmt.Errorf("%w: re-read returned %q for %q", ErrStoreUnavailable, u.WalletAddress, address)
	}
	r.record("existing")
	return u, nil
}

// GetUser returns the record for address, or db.ErrNotFound.
func (r *Registry) GetUser(ctx context.Context, address string) (*db.User, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, ErrInvalidInput
	}
	return r.store.GetUserByWallet(ctx, address)
}

// ListUsers returns a page of records, newest first.
func (r *Registry) ListUsers(ctx context.Context, limit, offset int) ([]*db.User, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return r.store.ListUsers(ctx, limit, offset)
}

// CountUsers returns the number of registered wallets.
func (r *Registry) CountUsers(ctx context.Context) (int64, error) {
	return r.store.CountUsers(ctx)
}

func (r *Registry) record(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordRegistration(outcome)
	}
}
