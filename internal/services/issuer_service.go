package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/finpost/backend/internal/clients"
)

// ErrPolicyDenied is returned when a policy collaborator rejects the
// issuance.
type ErrPolicyDenied struct {
	Service string
	Reasons []string
}

func (e *ErrPolicyDenied) Error() string {
	return fmt.Sprintf("%s denied issuance: %v", e.Service, e.Reasons)
}

// IssuerService orchestrates card issuance: policy checks, the signup
// bonus posting, and the issued notification. The posting ref is derived
// from the user, never per attempt, so a retried or replayed request can
// only ever credit the bonus once.
type IssuerService struct {
	ledger     *clients.LedgerClient
	compliance clients.PolicyService
	risk       clients.PolicyService
	notifier   *clients.NotifierClient

	bonusAmount   decimal.Decimal
	bonusCurrency string
	debitAccount  int64
	creditAccount int64
}

func NewIssuerService(ledger *clients.LedgerClient, compliance, risk clients.PolicyService, notifier *clients.NotifierClient) *IssuerService {
	bonusAmount := decimal.RequireFromString("5.00")
	if env := os.Getenv("SIGNUP_BONUS_AMOUNT"); env != "" {
		if val, err := decimal.NewFromString(env); err == nil {
			bonusAmount = val
		}
	}
	debitAccount := int64(1)
	if env := os.Getenv("SIGNUP_DEBIT_ACCOUNT"); env != "" {
		if val, err := strconv.ParseInt(env, 10, 64); err == nil {
			debitAccount = val
		}
	}
	creditAccount := int64(2)
	if env := os.Getenv("SIGNUP_CREDIT_ACCOUNT"); env != "" {
		if val, err := strconv.ParseInt(env, 10, 64); err == nil {
			creditAccount = val
		}
	}
	return &IssuerService{
		ledger:        ledger,
		compliance:    compliance,
		risk:          risk,
		notifier:      notifier,
		bonusAmount:   bonusAmount,
		bonusCurrency: "USD",
		debitAccount:  debitAccount,
		creditAccount: creditAccount,
	}
}

// IssueCardResult is the outcome of one issuance request.
type IssueCardResult struct {
	CardID         string `json:"card_id"`
	IdempotencyKey string `json:"idempotency_key"`
	PostingStatus  string `json:"posting_status"`
}

// IssueCard issues a card for the user and credits the signup bonus. The
// bonus posting uses ref "signup-<user>"; if an earlier attempt already
// succeeded server-side, the ledger answers already_posted and the call
// still counts as a success with no double effect.
func (s *IssuerService) IssueCard(ctx context.Context, userID, productID, idempotencyKey string) (*IssueCardResult, error) {
	if idempotencyKey == "" {
		idempotencyKey = "issue-" + userID + "-" + productID
	}

	tc := clients.AssessmentContext{
		UserID:          userID,
		Amount:          s.bonusAmount,
		TransactionType: "signup_bonus",
	}
	for name, svc := range map[string]clients.PolicyService{"compliance": s.compliance, "risk": s.risk} {
		verdict, err := svc.Assess(ctx, tc)
		if err != nil {
			return nil, fmt.Errorf("%s assessment: %w", name, err)
		}
		if !verdict.Approved {
			return nil, &ErrPolicyDenied{Service: name, Reasons: verdict.Reasons}
		}
	}

	result, err := s.ledger.CreatePosting(ctx, &clients.PostingRequest{
		DebitAccount:  s.debitAccount,
		CreditAccount: s.creditAccount,
		Amount:        s.bonusAmount,
		Currency:      s.bonusCurrency,
		Ref:           "signup-" + userID,
	})
	if err != nil {
		return nil, fmt.Errorf("signup bonus posting: %w", err)
	}
	if result.Status == "already_posted" {
		log.Printf("[GATEWAY] Signup bonus for user %s already posted, continuing", userID)
	}

	go s.notifyIssued(userID)

	return &IssueCardResult{
		CardID:         "card_" + userID,
		IdempotencyKey: idempotencyKey,
		PostingStatus:  result.Status,
	}, nil
}

func (s *IssuerService) notifyIssued(userID string) {
	deliveryID, err := s.notifier.Notify(context.Background(), userID, "card_issued",
		"Your card is ready and your signup bonus has been credited", "push")
	if err != nil {
		log.Printf("[GATEWAY] Notification failed for user %s: %v", userID, err)
		return
	}
	log.Printf("[GATEWAY] Notification %s dispatched for user %s", deliveryID, userID)
}

// IsPolicyDenied reports whether err is a policy denial.
func IsPolicyDenied(err error) bool {
	var denied *ErrPolicyDenied
	return errors.As(err, &denied)
}
