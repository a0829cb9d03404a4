package credit

import "time"

// TxType defines supported ledger transaction types.
type TxType string

const (
	TxTypeUsage    TxType = "usage"
	TxTypeRefund   TxType = "refund"
	TxTypePurchase TxType = "purchase"
)

// Account holds a user's prepaid credit balance.
// balance >= 0 at every committed state; enforced by the conditional
// debit in the repository, never by application-side checks alone.
type Account struct {
	UserID         string    `db:"user_id"`
	Balance        int       `db:"balance"`
	TotalPurchased int       `db:"total_purchased"`
	TotalUsed      int       `db:"total_used"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Transaction is an append-only ledger row. For usage and refund rows
// ReferenceID carries the report id; (reference_id, tx_type) is unique,
// which is what makes refunds idempotent per report.
type Transaction struct {
	ID          string    `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"-"`
	Amount      int       `db:"amount" json:"amount"`
	TxType      string    `db:"tx_type" json:"tx_type"`
	ReferenceID *string   `db:"reference_id" json:"reference_id,omitempty"`
	Description string    `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}
