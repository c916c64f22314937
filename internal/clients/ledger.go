package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// PostingRequest is the body sent to the ledger's posting endpoint.
type PostingRequest struct {
	DebitAccount  int64           `json:"debit_account"`
	CreditAccount int64           `json:"credit_account"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Ref           string          `json:"ref,omitempty"`
}

// PostingResult reports the idempotent outcome of a posting request.
type PostingResult struct {
	Status string `json:"status"` // "posted" or "already_posted"
}

// LedgerClient calls the ledger service with bounded timeouts. A caller
// that times out must not assume failure: the retry re-sends the identical
// request, same ref included, and relies on the ledger's idempotency
// contract instead of inventing a new identifier.
type LedgerClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
}

func NewLedgerClient(baseURL string, timeout time.Duration, maxRetries int, backoff time.Duration) *LedgerClient {
	return &LedgerClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// CreatePosting submits a posting, retrying transient failures with the
// same body. A 4xx response is a caller error and is never retried.
func (c *LedgerClient) CreatePosting(ctx context.Context, req *PostingRequest) (*PostingResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal posting request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("[LEDGER_CLIENT] Retrying posting ref=%s, attempt %d: %v", req.Ref, attempt+1, lastErr)
			select {
			case <-time.After(c.backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, retryable, err := c.attempt(ctx, body)
		if err == nil {
			return result, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("posting ref=%s failed after %d attempts: %w", req.Ref, c.maxRetries+1, lastErr)
}

func (c *LedgerClient) attempt(ctx context.Context, body []byte) (*PostingResult, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/postings", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Timeouts and connection errors are indistinguishable from a
		// success whose response was lost; retry with the same ref.
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
		var result PostingResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, true, fmt.Errorf("decode posting response: %w", err)
		}
		return &result, false, nil
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("ledger returned status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("ledger rejected posting: %w", errResponse(resp))
	}
}

func errResponse(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return errors.New(resp.Status)
	}
	return fmt.Errorf("%s: %s", resp.Status, body.Error)
}
