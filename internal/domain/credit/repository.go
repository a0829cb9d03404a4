package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

type Repository interface {
	Debit(ctx context.Context, userID string, amount int, reportID, description string) error
	Refund(ctx context.Context, userID string, amount int, reportID, reason string) error
	Purchase(ctx context.Context, userID string, amount int, paymentRef string) error
	GetAccount(ctx context.Context, userID string) (*Account, error)
	GetBalance(ctx context.Context, userID string) (int, error)
	ListTransactions(ctx context.Context, userID string, pagination Pagination) ([]Transaction, error)
	ListByReference(ctx context.Context, referenceID string) ([]Transaction, error)
}

// LedgerRepository provides credit balance and ledger operations.
// All balance mutations go through here; no other component writes
// credit_accounts or credit_transactions rows.
type LedgerRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Debit removes credits for a paid analysis. Balance decrement,
// total_used increment and the usage row commit in one transaction.
func (r *LedgerRepository) Debit(ctx context.Context, userID string, amount int, reportID, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx2, `
		UPDATE credit_accounts
		SET balance = balance - $2,
		    total_used = total_used + $2,
		    updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("%w: update account balance", ErrInternal)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return ErrInsufficientCredits
	}

	if err := r.insertLedger(ctx2, tx, userID, -amount, TxTypeUsage, &reportID, description); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return nil
}

// Refund credits back a failed paid analysis. Idempotent per report:
// the refund row inserts with ON CONFLICT (reference_id, tx_type) DO
// NOTHING, and the balance is only credited when a row was actually
// inserted. A second call for the same report is a committed no-op.
func (r *LedgerRepository) Refund(ctx context.Context, userID string, amount int, reportID, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx2, `
		INSERT INTO credit_transactions (
			id, user_id, amount, tx_type, reference_id, description
		)
		VALUES (
			gen_random_uuid(), $1, $2, $3, $4, $5
		)
		ON CONFLICT (reference_id, tx_type) DO NOTHING
	`, userID, amount, string(TxTypeRefund), reportID, reason)
	if err != nil {
		return fmt.Errorf("%w: insert refund transaction", ErrInternal)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		// Already refunded for this report
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit tx", ErrInternal)
		}
		return nil
	}

	result, err = tx.ExecContext(ctx2, `
		UPDATE credit_accounts
		SET balance = balance + $2,
		    total_used = GREATEST(total_used - $2, 0),
		    updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("%w: update account balance", ErrInternal)
	}

	rows, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return ErrAccountNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return nil
}

// Purchase adds purchased credits, creating the account on first top-up.
func (r *LedgerRepository) Purchase(ctx context.Context, userID string, amount int, paymentRef string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx2, `
		INSERT INTO credit_accounts (user_id, balance, total_purchased, total_used)
		VALUES ($1, $2, $2, 0)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = credit_accounts.balance + EXCLUDED.balance,
		    total_purchased = credit_accounts.total_purchased + EXCLUDED.total_purchased,
		    updated_at = NOW()
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("%w: upsert account", ErrInternal)
	}

	if err := r.insertLedger(ctx2, tx, userID, amount, TxTypePurchase, nil, paymentRef); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return nil
}

func (r *LedgerRepository) GetAccount(ctx context.Context, userID string) (*Account, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var account Account
	err := r.db.GetContext(ctx2, &account, `
		SELECT user_id, balance, total_purchased, total_used, updated_at
		FROM credit_accounts
		WHERE user_id = $1
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: get account", ErrInternal)
	}

	return &account, nil
}

func (r *LedgerRepository) GetBalance(ctx context.Context, userID string) (int, error) {
	account, err := r.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return account.Balance, nil
}

func (r *LedgerRepository) ListTransactions(ctx context.Context, userID string, pagination Pagination) ([]Transaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	limit := pagination.Limit
	if limit <= 0 {
		limit = 20
	}

	transactions := make([]Transaction, 0)
	err := r.db.SelectContext(ctx2, &transactions, `
		SELECT id, user_id, amount, tx_type, reference_id, description, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, pagination.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions", ErrInternal)
	}

	return transactions, nil
}

// ListByReference returns all ledger rows for a report id. Used by the
// audit export and by support tooling when a refund needs manual
// reconciliation.
func (r *LedgerRepository) ListByReference(ctx context.Context, referenceID string) ([]Transaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	transactions := make([]Transaction, 0)
	err := r.db.SelectContext(ctx2, &transactions, `
		SELECT id, user_id, amount, tx_type, reference_id, description, created_at
		FROM credit_transactions
		WHERE reference_id = $1
		ORDER BY created_at ASC
	`, referenceID)
	if err != nil {
		return nil, fmt.Errorf("%w: list by reference", ErrInternal)
	}

	return transactions, nil
}

func (r *LedgerRepository) insertLedger(ctx context.Context, tx *sqlx.Tx, userID string, amount int, txType TxType, referenceID *string, description string) error {
	if description == "" {
		description = "credit balance adjustment"
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, amount, tx_type, reference_id, description
		)
		VALUES (
			gen_random_uuid(), $1, $2, $3, $4, $5
		)
	`, userID, amount, string(txType), referenceID, description)
	if err != nil {
		return fmt.Errorf("%w: insert transaction", ErrInternal)
	}

	return nil
}
