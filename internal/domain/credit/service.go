package credit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service is the ledger contract consumed by the analysis orchestrator.
type Service interface {
	// CheckBalance returns ErrInsufficientCredits when the user cannot
	// cover amount. Read-only; the authoritative check is the
	// conditional update inside Debit.
	CheckBalance(ctx context.Context, userID uuid.UUID, amount int) error

	// Debit atomically removes credits and appends one usage row.
	Debit(ctx context.Context, userID uuid.UUID, amount int, reportID uuid.UUID, description string) error

	// Refund atomically credits back a failed analysis. Idempotent per
	// report id: a second call for the same report is a no-op.
	Refund(ctx context.Context, userID uuid.UUID, amount int, reportID uuid.UUID, reason string) error

	// Purchase adds purchased credits to the account.
	Purchase(ctx context.Context, userID uuid.UUID, amount int, paymentRef string) error

	GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)
	HasRefund(ctx context.Context, reportID uuid.UUID) (bool, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error)
	ListByReference(ctx context.Context, referenceID uuid.UUID) ([]Transaction, error)
}

type service struct {
	repo Repository
}

// NewService creates a credit ledger service
func NewService(repo Repository) Service {
	return &service{repo: repo}
}

func (s *service) CheckBalance(ctx context.Context, userID uuid.UUID, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	balance, err := s.repo.GetBalance(ctx, userID.String())
	if err != nil {
		return err
	}

	if balance < amount {
		return ErrInsufficientCredits
	}

	return nil
}

func (s *service) Debit(ctx context.Context, userID uuid.UUID, amount int, reportID uuid.UUID, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	return s.repo.Debit(ctx, userID.String(), amount, reportID.String(), description)
}

func (s *service) Refund(ctx context.Context, userID uuid.UUID, amount int, reportID uuid.UUID, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	return s.repo.Refund(ctx, userID.String(), amount, reportID.String(), reason)
}

func (s *service) Purchase(ctx context.Context, userID uuid.UUID, amount int, paymentRef string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	return s.repo.Purchase(ctx, userID.String(), amount, paymentRef)
}

func (s *service) GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	return s.repo.GetAccount(ctx, userID.String())
}

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.GetBalance(ctx, userID.String())
}

// HasRefund reports whether a refund row already exists for the report.
// The repository enforces idempotency on its own; this exists for
// support tooling and the audit surface.
func (s *service) HasRefund(ctx context.Context, reportID uuid.UUID) (bool, error) {
	transactions, err := s.repo.ListByReference(ctx, reportID.String())
	if err != nil {
		return false, fmt.Errorf("failed to check refund existence: %w", err)
	}

	for _, tx := range transactions {
		if tx.TxType == string(TxTypeRefund) {
			return true, nil
		}
	}

	return false, nil
}

func (s *service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}

	return s.repo.ListTransactions(ctx, userID.String(), Pagination{Limit: limit, Offset: offset})
}

func (s *service) ListByReference(ctx context.Context, referenceID uuid.UUID) ([]Transaction, error) {
	return s.repo.ListByReference(ctx, referenceID.String())
}
