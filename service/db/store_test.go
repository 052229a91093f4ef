package db_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/presale/service/db"
	"github.com/brojonat/presale/service/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func TestCreateAndGetUser(t *testing.T) {
	store := dbtest.NewTestStore(t)
	ctx := context.Background()

	created, err := store.CreateUser(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, testWallet, created.WalletAddress)
	assert.WithinDuration(t, time.Now(), created.CreatedAt, time.Minute)

	got, err := store.GetUserByWallet(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, created.WalletAddress, got.WalletAddress)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))
}

func TestGetUser_NotFound(t *testing.T) {
	store := dbtest.NewTestStore(t)

	_, err := store.GetUserByWallet(context.Background(), testWallet)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestCreateUser_Duplicate(t *testing.T) {
	store := dbtest.NewTestStore(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, testWallet)
	require.NoError(t, err)

	_, err = store.CreateUser(ctx, testWallet)
	assert.ErrorIs(t, err, db.ErrDuplicateKey)
}

func TestCreateUser_ConcurrentSingleWinner(t *testing.T) {
	store := dbtest.NewTestStore(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreateUser(ctx, testWallet)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, db.ErrDuplicateKey)
		dup++
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dup)

	count, err := store.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestListUsers(t *testing.T) {
	store := dbtest.NewTestStore(t)
	ctx := context.Background()

	store.MustExec(t, `INSERT INTO users (wallet_address, created_at) VALUES ($1, $2), ($3, $4)`,
		"older", time.Now().Add(-time.Hour),
		"newer", time.Now(),
	)

	users, err := store.ListUsers(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "newer", users[0].WalletAddress)
	assert.Equal(t, "older", users[1].WalletAddress)

	users, err = store.ListUsers(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "older", users[0].WalletAddress)
}
