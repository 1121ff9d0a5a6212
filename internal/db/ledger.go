package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/clipforge/renderbridge/internal/models"
	"github.com/google/uuid"
)

// GetBalance returns the user's current token balance. A missing account row
// reads as zero — it is not an error.
func (db *DB) GetBalance(ctx context.Context, userID string) (int, error) {
	query := `SELECT balance FROM credit_balance WHERE user_id = $1`

	var balance int
	err := db.QueryRowContext(ctx, query, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// DebitBalance atomically decrements a user's balance if and only if it
// covers the amount, and appends the paired transaction row in the same
// database transaction. Returns false (no mutation) when funds are
// insufficient. The conditional UPDATE is the critical section — two
// concurrent debits can never both pass the balance check against a stale
// read.
func (db *DB) DebitBalance(ctx context.Context, userID string, amount int, description string) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin debit tx: %w", err)
	}
	defer tx.Rollback()

	var balanceAfter int
	err = tx.QueryRowContext(ctx, `
		UPDATE credit_balance
		SET balance = balance - $1, updated_at = NOW()
		WHERE user_id = $2 AND balance >= $1
		RETURNING balance
	`, amount, userID).Scan(&balanceAfter)
	if err == sql.ErrNoRows {
		return false, nil // insufficient funds or no account
	}
	if err != nil {
		return false, fmt.Errorf("failed to debit balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_transactions (
			id, user_id, amount, transaction_type, description,
			balance_before, balance_after
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), userID, -amount, "consumption", description, balanceAfter+amount, balanceAfter)
	if err != nil {
		return false, fmt.Errorf("failed to record consumption: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit debit: %w", err)
	}
	return true, nil
}

// CreditBalance unconditionally increments a user's balance (creating the
// account row if needed) and appends the paired transaction row.
func (db *DB) CreditBalance(ctx context.Context, userID string, amount int, txType, description string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin credit tx: %w", err)
	}
	defer tx.Rollback()

	var balanceAfter int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_balance (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET balance = credit_balance.balance + $2, updated_at = NOW()
		RETURNING balance
	`, userID, amount).Scan(&balanceAfter)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_transactions (
			id, user_id, amount, transaction_type, description,
			balance_before, balance_after
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), userID, amount, txType, description, balanceAfter-amount, balanceAfter)
	if err != nil {
		return fmt.Errorf("failed to record credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit credit: %w", err)
	}
	return nil
}

func (db *DB) GetTransactionHistory(ctx context.Context, userID string, limit int) ([]models.TokenTransaction, error) {
	query := `
		SELECT id, user_id, amount, transaction_type, description,
		       balance_before, balance_after, created_at
		FROM token_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.TokenTransaction
	for rows.Next() {
		var t models.TokenTransaction
		err := rows.Scan(
			&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Description,
			&t.BalanceBefore, &t.BalanceAfter, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}
