// Package ledger owns the per-user token balance: pricing, reservation,
// consumption, and compensating refunds. It knows nothing about rendering.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/clipforge/renderbridge/internal/models"
)

// ErrInsufficientTokens means the balance did not cover the requested amount.
// Callers must never conflate this with storage errors — a ledger I/O failure
// wraps the underlying error instead.
var ErrInsufficientTokens = errors.New("insufficient tokens")

// Store is the row-level persistence the ledger needs.
type Store interface {
	GetBalance(ctx context.Context, userID string) (int, error)
	DebitBalance(ctx context.Context, userID string, amount int, description string) (bool, error)
	CreditBalance(ctx context.Context, userID string, amount int, txType, description string) error
	GetTransactionHistory(ctx context.Context, userID string, limit int) ([]models.TokenTransaction, error)
}

type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// TokensForDuration prices a render: one token per minute of output, rounded
// up, minimum one token regardless of length.
func TokensForDuration(seconds int) int {
	if seconds <= 0 {
		return 1
	}
	tokens := (seconds + 59) / 60
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// Balance reads the user's current balance. Missing accounts read as zero.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	balance, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("ledger: %w", err)
	}
	return balance, nil
}

// ReserveAndConsume atomically checks and decrements the user's balance.
// Returns ErrInsufficientTokens (balance unchanged) when funds don't cover
// the amount; any other error is a storage failure with no billing effect.
func (l *Ledger) ReserveAndConsume(ctx context.Context, userID string, amount int, reason string) error {
	ok, err := l.store.DebitBalance(ctx, userID, amount, reason)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if !ok {
		return ErrInsufficientTokens
	}
	log.Printf("[Ledger] Consumed %d tokens for user %s (%s)", amount, userID, reason)
	return nil
}

// Refund credits tokens back as a compensating action for a failed job.
// The ledger does not deduplicate refunds — callers gate on the per-job
// refund flag before calling.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int, reason string) error {
	if err := l.store.CreditBalance(ctx, userID, amount, "refund", reason); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	log.Printf("[Ledger] Refunded %d tokens to user %s (%s)", amount, userID, reason)
	return nil
}

// AddPurchased credits tokens bought through the payment processor.
func (l *Ledger) AddPurchased(ctx context.Context, userID string, amount int, reason string) error {
	if err := l.store.CreditBalance(ctx, userID, amount, "purchase", reason); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	log.Printf("[Ledger] Added %d purchased tokens to user %s", amount, userID)
	return nil
}

// History returns the most recent transaction log entries for a user.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]models.TokenTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	txns, err := l.store.GetTransactionHistory(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	return txns, nil
}
