package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OutboxEvent stages a "posting committed" fact for publication. It is
// inserted in the same database transaction as its posting, and mutated
// exactly once afterwards, by the relay, to set PublishedAt.
type OutboxEvent struct {
	ID           int64      `json:"id" db:"id"`
	PostingID    int64      `json:"posting_id" db:"posting_id"`
	PartitionKey string     `json:"partition_key" db:"partition_key"`
	Payload      []byte     `json:"payload" db:"payload"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	PublishedAt  *time.Time `json:"published_at,omitempty" db:"published_at"`
}

// PostingEvent is the wire payload published to the postings topic, one
// per committed posting. PostingID backs the projector's fallback
// idempotency key when the posting carries no ref.
type PostingEvent struct {
	PostingID     int64           `json:"posting_id"`
	DebitAccount  int64           `json:"debit_account"`
	CreditAccount int64           `json:"credit_account"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Ref           string          `json:"ref,omitempty"`
}
