package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/renderbridge/internal/models"
)

// fakeStore is an in-memory Store with the same conditional-debit semantics
// as the real database layer.
type fakeStore struct {
	balances map[string]int
	txns     []models.TokenTransaction
	failWith error
}

func newFakeStore() *fakeStore {
	return &fakeStore{balances: make(map[string]int)}
}

func (f *fakeStore) GetBalance(ctx context.Context, userID string) (int, error) {
	if f.failWith != nil {
		return 0, f.failWith
	}
	return f.balances[userID], nil
}

func (f *fakeStore) DebitBalance(ctx context.Context, userID string, amount int, description string) (bool, error) {
	if f.failWith != nil {
		return false, f.failWith
	}
	if f.balances[userID] < amount {
		return false, nil
	}
	before := f.balances[userID]
	f.balances[userID] -= amount
	f.txns = append(f.txns, models.TokenTransaction{
		UserID: userID, Amount: -amount, Type: "consumption",
		Description: description, BalanceBefore: before, BalanceAfter: f.balances[userID],
	})
	return true, nil
}

func (f *fakeStore) CreditBalance(ctx context.Context, userID string, amount int, txType, description string) error {
	if f.failWith != nil {
		return f.failWith
	}
	before := f.balances[userID]
	f.balances[userID] += amount
	f.txns = append(f.txns, models.TokenTransaction{
		UserID: userID, Amount: amount, Type: txType,
		Description: description, BalanceBefore: before, BalanceAfter: f.balances[userID],
	})
	return nil
}

func (f *fakeStore) GetTransactionHistory(ctx context.Context, userID string, limit int) ([]models.TokenTransaction, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []models.TokenTransaction
	for _, t := range f.txns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func TestTokensForDuration(t *testing.T) {
	tests := []struct {
		seconds int
		want    int
	}{
		{1, 1},    // minimum charge
		{59, 1},   // under a minute rounds to one
		{60, 1},   // exactly one minute
		{61, 2},   // just over rounds up
		{90, 2},   // 1.5 minutes -> 2
		{120, 2},  // two minutes
		{121, 3},  // rounds up
		{0, 1},    // degenerate input still charges the minimum
		{-10, 1},  // negative input still charges the minimum
		{3600, 60},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%ds", tt.seconds), func(t *testing.T) {
			assert.Equal(t, tt.want, TokensForDuration(tt.seconds))
		})
	}
}

func TestBalanceDefaultsToZero(t *testing.T) {
	lg := New(newFakeStore())

	balance, err := lg.Balance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, balance)
}

func TestReserveAndConsume(t *testing.T) {
	store := newFakeStore()
	store.balances["u1"] = 10
	lg := New(store)
	ctx := context.Background()

	require.NoError(t, lg.ReserveAndConsume(ctx, "u1", 4, "render job a"))

	balance, err := lg.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 6, balance)
}

func TestReserveAndConsumeInsufficientFunds(t *testing.T) {
	store := newFakeStore()
	store.balances["u1"] = 3
	lg := New(store)

	err := lg.ReserveAndConsume(context.Background(), "u1", 5, "render job a")
	assert.ErrorIs(t, err, ErrInsufficientTokens)

	// Balance unchanged, no transaction logged
	assert.Equal(t, 3, store.balances["u1"])
	assert.Empty(t, store.txns)
}

func TestStoreErrorNotConflatedWithInsufficientFunds(t *testing.T) {
	store := newFakeStore()
	store.failWith = errors.New("connection refused")
	lg := New(store)

	err := lg.ReserveAndConsume(context.Background(), "u1", 5, "render job a")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientTokens)
}

func TestConsumeRefundRoundTrip(t *testing.T) {
	store := newFakeStore()
	store.balances["u1"] = 50
	lg := New(store)
	ctx := context.Background()

	require.NoError(t, lg.ReserveAndConsume(ctx, "u1", 7, "render job a"))
	require.NoError(t, lg.Refund(ctx, "u1", 7, "refund for failed render job a"))

	balance, err := lg.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 50, balance, "refund must restore the pre-reservation balance")
}

// Final balance must equal initial − Σconsumed + Σrefunded, and the
// transaction log must reproduce the balance when summed.
func TestLedgerAuditInvariant(t *testing.T) {
	store := newFakeStore()
	store.balances["u1"] = 100
	lg := New(store)
	ctx := context.Background()

	ops := []struct {
		consume int
		refund  int
	}{
		{consume: 10}, {consume: 5}, {refund: 5}, {consume: 30}, {refund: 30}, {consume: 1},
	}

	consumed, refunded := 0, 0
	for _, op := range ops {
		if op.consume > 0 {
			require.NoError(t, lg.ReserveAndConsume(ctx, "u1", op.consume, "consume"))
			consumed += op.consume
		}
		if op.refund > 0 {
			require.NoError(t, lg.Refund(ctx, "u1", op.refund, "refund"))
			refunded += op.refund
		}
	}

	balance, err := lg.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 100-consumed+refunded, balance)
	assert.GreaterOrEqual(t, balance, 0)

	sum := 0
	for _, txn := range store.txns {
		sum += txn.Amount
	}
	assert.Equal(t, balance, 100+sum, "summing log entries must reproduce the balance")
}

func TestAddPurchasedCreatesAccount(t *testing.T) {
	store := newFakeStore()
	lg := New(store)
	ctx := context.Background()

	require.NoError(t, lg.AddPurchased(ctx, "new-user", 500, "purchase of basic package"))

	balance, err := lg.Balance(ctx, "new-user")
	require.NoError(t, err)
	assert.Equal(t, 500, balance)
	require.Len(t, store.txns, 1)
	assert.Equal(t, "purchase", store.txns[0].Type)
}

func TestHistoryClampsLimit(t *testing.T) {
	store := newFakeStore()
	store.balances["u1"] = 1000
	lg := New(store)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		require.NoError(t, lg.ReserveAndConsume(ctx, "u1", 1, "consume"))
	}

	txns, err := lg.History(ctx, "u1", 0) // invalid limit falls back to default
	require.NoError(t, err)
	assert.Len(t, txns, 50)
}
