package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RewardAccrual is a derived points credit computed from one posting
// event. At most one accrual exists per posting ref; that uniqueness is
// the idempotency contract for event consumption.
type RewardAccrual struct {
	ID         int64           `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Points     decimal.Decimal `json:"points" db:"points"` // numeric(18,4)
	PostingRef string          `json:"posting_ref" db:"posting_ref"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}
