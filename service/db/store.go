package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/presale/service/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If m is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

// User is a wallet address seen by the presale.
// Created on first sighting and never mutated afterwards.
type User struct {
	WalletAddress string    `json:"walletAddress"`
	CreatedAt     time.Time `json:"createdAt"`
}

// GetUserByWallet returns the user for address, or ErrNotFound.
func (s *Store) GetUserByWallet(ctx context.Context, address string) (_ *User, err error) {
	defer s.observe("get_user", time.Now(), &err)

	var u User
	err = s.pool.QueryRow(ctx,
		`SELECT wallet_address, created_at FROM users WHERE wallet_address = $1`,
		address,
	).Scan(&u.WalletAddress, &u.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a new user. It returns ErrDuplicateKey if the address
// is already present; the primary key is the only arbiter of that race.
func (s *Store) CreateUser(ctx context.Context, address string) (_ *User, err error) {
	defer s.observe("create_user", time.Now(), &err)

	var u User
	err = s.pool.QueryRow(ctx,
		`INSERT INTO users (wallet_address) VALUES ($1) RETURNING wallet_address, created_at`,
		address,
	).Scan(&u.WalletAddress, &u.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &u, nil
}

// ListUsers returns users ordered by creation time, newest first.
func (s *Store) ListUsers(ctx context.Context, limit, offset int) (_ []*User, err error) {
	defer s.observe("list_users", time.Now(), &err)

	rows, err := s.pool.Query(ctx,
		`SELECT wallet_address, created_at FROM users ORDER BY created_at DESC, wallet_address LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]*User, 0)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.WalletAddress, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// CountUsers returns the number of registered wallets.
func (s *Store) CountUsers(ctx context.Context) (_ int64, err error) {
	defer s.observe("count_users", time.Now(), &err)

	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) observe(op string, start time.Time, errp *error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	switch {
	case *errp == nil:
	case errors.Is(*errp, ErrNotFound):
		status = "not_found"
	case errors.Is(*errp, ErrDuplicateKey):
		status = "duplicate"
	default:
		status = "error"
	}
	s.metrics.RecordDBQuery(op, status, time.Since(start).Seconds())
}
