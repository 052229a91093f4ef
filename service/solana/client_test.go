package solana

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	mu sync.Mutex

	blockhash    solana.Hash
	blockhashErr error

	accountExists bool
	accountErr    error

	sendSig   solana.Signature
	sendErr   error
	sendCalls int
	sent      [][]byte

	statuses    []*rpc.SignatureStatusesResult // consumed in order; last one repeats
	statusErr   error
	statusCalls int

	tokenAccounts []*rpc.TokenAccount
	tokenErr      error
	balance       *rpc.UiTokenAmount
	balanceErr    error
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	if m.blockhashErr != nil {
		return nil, m.blockhashErr
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: m.blockhash},
	}, nil
}

func (m *mockRPCClient) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if m.accountErr != nil {
		return nil, m.accountErr
	}
	if !m.accountExists {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{}}, nil
}

func (m *mockRPCClient) SendRawTransactionWithOpts(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	m.sent = append(m.sent, rawTx)
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	return m.sendSig, nil
}

func (m *mockRPCClient) GetSignatureStatuses(ctx context.Context, searchHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	if len(m.statuses) == 0 {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	status := m.statuses[0]
	if len(m.statuses) > 1 {
		m.statuses = m.statuses[1:]
	}
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{status}}, nil
}

func (m *mockRPCClient) GetTokenAccountsByOwner(
	ctx context.Context,
	owner solana.PublicKey,
	conf *rpc.GetTokenAccountsConfig,
	opts *rpc.GetTokenAccountsOpts,
) (*rpc.GetTokenAccountsResult, error) {
	if m.tokenErr != nil {
		return nil, m.tokenErr
	}
	return &rpc.GetTokenAccountsResult{Value: m.tokenAccounts}, nil
}

func (m *mockRPCClient) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	return &rpc.GetTokenAccountBalanceResult{Value: m.balance}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(mock *mockRPCClient, endpoint string) *Client {
	return NewClient(mock, endpoint, nil, testLogger())
}

func TestLatestBlockhash(t *testing.T) {
	hash := solana.Hash{7}

	c := newTestClient(&mockRPCClient{blockhash: hash}, "a")
	got, err := c.LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	c = newTestClient(&mockRPCClient{blockhashErr: errors.New("down")}, "b")
	_, err = c.LatestBlockhash(context.Background())
	assert.Error(t, err)
}

func TestAccountExists(t *testing.T) {
	ctx := context.Background()
	account := solana.NewWallet().PublicKey()

	exists, err := newTestClient(&mockRPCClient{accountExists: true}, "a").AccountExists(ctx, account)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = newTestClient(&mockRPCClient{}, "a").AccountExists(ctx, account)
	require.NoError(t, err)
	assert.False(t, exists, "ErrNotFound means the account is absent")

	_, err = newTestClient(&mockRPCClient{accountErr: errors.New("timeout")}, "a").AccountExists(ctx, account)
	assert.Error(t, err)
}

func TestTokenBalance(t *testing.T) {
	ctx := context.Background()
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	t.Run("found", func(t *testing.T) {
		mock := &mockRPCClient{
			tokenAccounts: []*rpc.TokenAccount{{Pubkey: solana.NewWallet().PublicKey()}},
			balance:       &rpc.UiTokenAmount{Amount: "9585095000000", Decimals: 6},
		}
		amount, decimals, err := newTestClient(mock, "a").TokenBalance(ctx, owner, mint)
		require.NoError(t, err)
		assert.Equal(t, uint64(9585095000000), amount)
		assert.Equal(t, uint8(6), decimals)
	})

	t.Run("no token account", func(t *testing.T) {
		_, _, err := newTestClient(&mockRPCClient{}, "a").TokenBalance(ctx, owner, mint)
		assert.ErrorIs(t, err, ErrTokenAccountNotFound)
	})

	t.Run("bad amount", func(t *testing.T) {
		mock := &mockRPCClient{
			tokenAccounts: []*rpc.TokenAccount{{Pubkey: solana.NewWallet().PublicKey()}},
			balance:       &rpc.UiTokenAmount{Amount: "lots"},
		}
		_, _, err := newTestClient(mock, "a").TokenBalance(ctx, owner, mint)
		assert.Error(t, err)
	})
}

func TestIsConfirmed(t *testing.T) {
	assert.False(t, IsConfirmed(nil))
	assert.False(t, IsConfirmed(&rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusProcessed}))
	assert.True(t, IsConfirmed(&rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}))
	assert.True(t, IsConfirmed(&rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized}))
}

func TestEndpointLabel(t *testing.T) {
	assert.Equal(t, "solana-mainnet.g.alchemy.com", EndpointLabel("https://solana-mainnet.g.alchemy.com/v2/SECRET"))
	assert.Equal(t, "mainnet.helius-rpc.com", EndpointLabel("https://mainnet.helius-rpc.com/?api-key=SECRET"))
	assert.Equal(t, "unknown", EndpointLabel("not a url"))
}

func TestProbe(t *testing.T) {
	ctx := context.Background()

	down1 := &mockRPCClient{blockhashErr: errors.New("down")}
	up := &mockRPCClient{}
	never := &mockRPCClient{}
	mocks := map[string]*mockRPCClient{
		"https://one.example.com":   down1,
		"https://two.example.com":   up,
		"https://three.example.com": never,
	}
	list := NewEndpointList(
		[]string{"https://one.example.com", "https://two.example.com", "https://three.example.com"},
		func(u string) RPCClient { return mocks[u] },
		nil, testLogger(),
	)

	active, err := list.Probe(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "two.example.com", active.Endpoint())
	assert.Equal(t, 3, list.Len())
	assert.Equal(t, "one.example.com", list.Primary().Endpoint())
}

func TestProbe_AllDown(t *testing.T) {
	down := &mockRPCClient{blockhashErr: errors.New("down")}
	list := NewEndpointListFromClients([]*Client{
		newTestClient(down, "a"),
		newTestClient(down, "b"),
	}, testLogger())

	_, err := list.Probe(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrNoEndpointAvailable)
}

func TestEndpointListTokenBalance(t *testing.T) {
	ctx := context.Background()
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	funded := func() *mockRPCClient {
		return &mockRPCClient{
			tokenAccounts: []*rpc.TokenAccount{{Pubkey: solana.NewWallet().PublicKey()}},
			balance:       &rpc.UiTokenAmount{Amount: "1200", Decimals: 0},
		}
	}

	t.Run("falls back past a dead primary", func(t *testing.T) {
		list := NewEndpointListFromClients([]*Client{
			newTestClient(&mockRPCClient{tokenErr: errors.New("down")}, "a"),
			newTestClient(funded(), "b"),
		}, testLogger())

		amount, _, err := list.TokenBalance(ctx, owner, mint)
		require.NoError(t, err)
		assert.Equal(t, uint64(1200), amount)
	})

	t.Run("missing account is final", func(t *testing.T) {
		second := funded()
		second.tokenErr = errors.New("must not be called")
		list := NewEndpointListFromClients([]*Client{
			newTestClient(&mockRPCClient{}, "a"),
			newTestClient(second, "b"),
		}, testLogger())

		_, _, err := list.TokenBalance(ctx, owner, mint)
		assert.ErrorIs(t, err, ErrTokenAccountNotFound)
	})

	t.Run("all down", func(t *testing.T) {
		down := &mockRPCClient{tokenErr: errors.New("down")}
		list := NewEndpointListFromClients([]*Client{
			newTestClient(down, "a"),
			newTestClient(down, "b"),
		}, testLogger())

		_, _, err := list.TokenBalance(ctx, owner, mint)
		assert.ErrorIs(t, err, ErrNoEndpointAvailable)
		assert.ErrorContains(t, err, "down")
	})
}

func TestSubmissionOrder(t *testing.T) {
	a := newTestClient(&mockRPCClient{}, "a")
	b := newTestClient(&mockRPCClient{}, "b")
	c := newTestClient(&mockRPCClient{}, "c")
	list := NewEndpointListFromClients([]*Client{a, b, c}, testLogger())

	labels := func(cs []*Client) []string {
		out := make([]string, len(cs))
		for i, c := range cs {
			out[i] = c.Endpoint()
		}
		return out
	}

	assert.Equal(t, []string{"b", "c", "a"}, labels(list.SubmissionOrder(a)))
	assert.Equal(t, []string{"a", "c", "b"}, labels(list.SubmissionOrder(b)))
	assert.Equal(t, []string{"a", "b", "c"}, labels(list.SubmissionOrder(c)))
}

func TestPollingWaiter(t *testing.T) {
	sig := solana.Signature{1}

	t.Run("confirmed after processing", func(t *testing.T) {
		mock := &mockRPCClient{statuses: []*rpc.SignatureStatusesResult{
			nil,
			{ConfirmationStatus: rpc.ConfirmationStatusProcessed},
			{ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
		}}
		err := NewPollingWaiter(time.Millisecond).WaitConfirmed(context.Background(), newTestClient(mock, "a"), sig)
		require.NoError(t, err)
		assert.Equal(t, 3, mock.statusCalls)
	})

	t.Run("landed with error", func(t *testing.T) {
		mock := &mockRPCClient{statuses: []*rpc.SignatureStatusesResult{
			{ConfirmationStatus: rpc.ConfirmationStatusConfirmed, Err: map[string]interface{}{"InstructionError": []interface{}{3, "Custom"}}},
		}}
		err := NewPollingWaiter(time.Millisecond).WaitConfirmed(context.Background(), newTestClient(mock, "a"), sig)
		assert.ErrorIs(t, err, ErrTransactionFailed)
	})

	t.Run("rpc error", func(t *testing.T) {
		mock := &mockRPCClient{statusErr: errors.New("503")}
		err := NewPollingWaiter(time.Millisecond).WaitConfirmed(context.Background(), newTestClient(mock, "a"), sig)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrTransactionFailed)
	})

	t.Run("deadline", func(t *testing.T) {
		mock := &mockRPCClient{}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := NewPollingWaiter(5*time.Millisecond).WaitConfirmed(ctx, newTestClient(mock, "a"), sig)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
