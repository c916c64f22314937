package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/finpost/backend/internal/models"
)

// Validation errors reject a posting before any write. Callers must fix
// the request; a blind retry will fail the same way.
var (
	ErrInvalidAmount    = errors.New("amount must be greater than zero")
	ErrInvalidPrecision = errors.New("amount must have at most 2 decimal places")
	ErrInvalidAccounts  = errors.New("debit and credit accounts must differ")
	ErrInvalidCurrency  = errors.New("currency must be a 3-letter code")
)

// PostingOutcome is the idempotent result of CreatePosting. A duplicate
// ref is an outcome, not an error, so retrying callers are always safe.
type PostingOutcome string

const (
	PostingCreated       PostingOutcome = "posted"
	PostingAlreadyPosted PostingOutcome = "already_posted"
)

var currencyRegex = regexp.MustCompile(`^[A-Za-z]{3}$`)

// LedgerService owns accounts, postings and their outbox rows. A posting
// and its outbox event always commit in one transaction; no other
// operation may observe one without the other.
type LedgerService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// PostingInput are the arguments to CreatePosting. An empty Ref opts out
// of deduplication.
type PostingInput struct {
	DebitAccount  int64
	CreditAccount int64
	Amount        decimal.Decimal
	Currency      string
	Ref           string
}

// CreatePosting appends one double-entry posting and stages its event in
// the outbox, atomically. When a ref is supplied the insert is attempted
// unconditionally; the unique index on ref resolves concurrent identical
// requests to exactly one created outcome, with no check-then-act window.
func (s *LedgerService) CreatePosting(ctx context.Context, in *PostingInput) (PostingOutcome, error) {
	if !in.Amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	if !in.Amount.Equal(in.Amount.Round(2)) {
		// Sub-cent amounts are never rounded into something the caller
		// did not state; 0.004 must not post as 0, nor 5.005 as 5.01.
		return "", ErrInvalidPrecision
	}
	if in.DebitAccount == in.CreditAccount {
		return "", ErrInvalidAccounts
	}
	if !currencyRegex.MatchString(in.Currency) {
		return "", ErrInvalidCurrency
	}
	currency := strings.ToUpper(in.Currency)
	amount := in.Amount.Round(2)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin posting transaction: %w", err)
	}
	defer tx.Rollback()

	var ref sql.NullString
	if in.Ref != "" {
		ref = sql.NullString{String: in.Ref, Valid: true}
	}

	var postingID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO postings (debit_account, credit_account, amount, currency, ref)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		in.DebitAccount, in.CreditAccount, amount, currency, ref,
	).Scan(&postingID)

	if isUniqueViolation(err) {
		log.Printf("[LEDGER] Duplicate posting ref=%s, returning already_posted", in.Ref)
		return PostingAlreadyPosted, nil
	}
	if err != nil {
		return "", fmt.Errorf("insert posting: %w", err)
	}

	partitionKey := s.partitionKey(ctx, tx, in.CreditAccount, in.Ref)

	payload, err := json.Marshal(models.PostingEvent{
		PostingID:     postingID,
		DebitAccount:  in.DebitAccount,
		CreditAccount: in.CreditAccount,
		Amount:        amount,
		Currency:      currency,
		Ref:           in.Ref,
	})
	if err != nil {
		return "", fmt.Errorf("marshal posting event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (posting_id, partition_key, payload)
		VALUES ($1, $2, $3)`,
		postingID, partitionKey, payload,
	); err != nil {
		return "", fmt.Errorf("insert outbox event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		// Concurrent identical requests can race to commit; the loser
		// surfaces the unique violation here instead of at insert.
		if isUniqueViolation(err) {
			log.Printf("[LEDGER] Duplicate posting ref=%s detected at commit", in.Ref)
			return PostingAlreadyPosted, nil
		}
		return "", fmt.Errorf("commit posting: %w", err)
	}

	log.Printf("[LEDGER] Posting %d committed: %d -> %d %s %s ref=%s",
		postingID, in.DebitAccount, in.CreditAccount, amount.StringFixed(2), currency, in.Ref)
	return PostingCreated, nil
}

// partitionKey resolves the bus message key for a posting: the owner of
// the credited account. Per-user ordering on the bus depends on it.
func (s *LedgerService) partitionKey(ctx context.Context, tx *sql.Tx, creditAccount int64, ref string) string {
	var ownerID string
	err := tx.QueryRowContext(ctx,
		`SELECT owner_id FROM accounts WHERE id = $1`, creditAccount,
	).Scan(&ownerID)
	if err == nil {
		return ownerID
	}

	if err != sql.ErrNoRows {
		log.Printf("[LEDGER] Owner lookup failed for account %d: %v", creditAccount, err)
	}
	if ref != "" {
		return ref
	}
	return "unknown"
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// FetchPosting returns one posting by id.
func (s *LedgerService) FetchPosting(ctx context.Context, id int64) (*models.Posting, error) {
	p := &models.Posting{}
	var ref sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, debit_account, credit_account, amount, currency, ref, created_at
		FROM postings
		WHERE id = $1`, id,
	).Scan(&p.ID, &p.DebitAccount, &p.CreditAccount, &p.Amount, &p.Currency, &ref, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Ref = ref.String
	return p, nil
}

// FetchPostings lists recent postings, optionally filtered by account.
func (s *LedgerService) FetchPostings(ctx context.Context, accountID int64, limit int) ([]models.Posting, error) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	baseQuery := `
		SELECT id, debit_account, credit_account, amount, currency, ref, created_at
		FROM postings
	`

	if accountID != 0 {
		conditions = append(conditions, fmt.Sprintf("(debit_account = $%d OR credit_account = $%d)", argIndex, argIndex))
		args = append(args, accountID)
		argIndex++
	}

	query := baseQuery
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	postings := []models.Posting{}
	for rows.Next() {
		var p models.Posting
		var ref sql.NullString
		if err := rows.Scan(&p.ID, &p.DebitAccount, &p.CreditAccount, &p.Amount, &p.Currency, &ref, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Ref = ref.String
		postings = append(postings, p)
	}

	return postings, rows.Err()
}

// AccountBalance aggregates a balance over postings. There is no stored
// counter to drift from the append-only ledger.
func (s *LedgerService) AccountBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN credit_account = $1 THEN amount ELSE -amount END), 0)
		FROM postings
		WHERE credit_account = $1 OR debit_account = $1`, accountID,
	).Scan(&balance)
	return balance, err
}

// HTTP handlers

type postingRequest struct {
	DebitAccount  int64           `json:"debit_account" validate:"required"`
	CreditAccount int64           `json:"credit_account" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" validate:"required,len=3,alpha"`
	Ref           string          `json:"ref,omitempty"`
}

// HandleCreatePosting handles POST /v1/postings.
func (s *LedgerService) HandleCreatePosting(w http.ResponseWriter, r *http.Request) {
	var req postingRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	outcome, err := s.CreatePosting(r.Context(), &PostingInput{
		DebitAccount:  req.DebitAccount,
		CreditAccount: req.CreditAccount,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Ref:           req.Ref,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidPrecision),
			errors.Is(err, ErrInvalidAccounts), errors.Is(err, ErrInvalidCurrency):
			SendErrorResponse(w, err.Error(), http.StatusUnprocessableEntity, nil)
		default:
			log.Printf("[LEDGER] Failed to create posting: %v", err)
			SendErrorResponse(w, "Failed to process posting", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"status": string(outcome)})
}

// HandleGetPosting handles GET /v1/postings/{postingId}.
func (s *LedgerService) HandleGetPosting(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "postingId"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid posting id", http.StatusBadRequest, nil)
		return
	}

	p, err := s.FetchPosting(r.Context(), id)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Posting not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[LEDGER] Failed to fetch posting %d: %v", id, err)
			SendErrorResponse(w, "Failed to fetch posting", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

// HandleListPostings handles GET /v1/postings.
func (s *LedgerService) HandleListPostings(w http.ResponseWriter, r *http.Request) {
	var accountID int64
	if v := r.URL.Query().Get("accountId"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			SendErrorResponse(w, "Invalid accountId", http.StatusBadRequest, nil)
			return
		}
		accountID = parsed
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	postings, err := s.FetchPostings(r.Context(), accountID, limit)
	if err != nil {
		log.Printf("[LEDGER] Failed to fetch postings: %v", err)
		SendErrorResponse(w, "Failed to fetch postings", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"postings": postings,
		"count":    len(postings),
	})
}

// HandleBalanceEnquiry handles GET /v1/accounts/balance-enquiry.
func (s *LedgerService) HandleBalanceEnquiry(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("accountId")), 10, 64)
	if err != nil {
		SendErrorResponse(w, "accountId is required", http.StatusBadRequest, nil)
		return
	}

	balance, err := s.AccountBalance(r.Context(), accountID)
	if err != nil {
		log.Printf("[LEDGER] Balance enquiry failed for account %d: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"responseCode":     "00",
		"accountId":        accountID,
		"availableBalance": balance.StringFixed(2),
		"status":           "SUCCESS",
	})
}
