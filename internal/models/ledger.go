package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is an internal money account. Accounts are created
// administratively and never change after creation.
type Account struct {
	ID        int64     `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Currency  string    `json:"currency" db:"currency"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Posting is an immutable double-entry record moving value between two
// accounts. Rows are append-only: once committed they are never updated
// or deleted. Ref, when present, is globally unique and carries the
// idempotency contract for posting creation.
type Posting struct {
	ID            int64           `json:"id" db:"id"`
	DebitAccount  int64           `json:"debit_account" db:"debit_account"`
	CreditAccount int64           `json:"credit_account" db:"credit_account"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // numeric(18,2)
	Currency      string          `json:"currency" db:"currency"`
	Ref           string          `json:"ref,omitempty" db:"ref"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
