package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// AssessmentContext describes the transaction submitted for a policy
// verdict.
type AssessmentContext struct {
	UserID          string          `json:"user_id"`
	Amount          decimal.Decimal `json:"transaction_amount"`
	TransactionType string          `json:"transaction_type"`
}

// Verdict is a policy decision. Reasons carry the flags or explanations
// behind a denial.
type Verdict struct {
	Approved bool     `json:"approved"`
	Reasons  []string `json:"reasons,omitempty"`
}

// PolicyService is the declared interface of the external decision
// services. The real rule logic lives outside this platform; the current
// deployments always approve.
type PolicyService interface {
	Assess(ctx context.Context, tc AssessmentContext) (*Verdict, error)
}

// ComplianceClient consults the compliance service. With no endpoint
// configured it returns the stub approve verdict, matching the deployed
// stub service.
type ComplianceClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewComplianceClient(baseURL string, timeout time.Duration) *ComplianceClient {
	return &ComplianceClient{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

func (c *ComplianceClient) Assess(ctx context.Context, tc AssessmentContext) (*Verdict, error) {
	if c.baseURL == "" {
		return &Verdict{Approved: true}, nil
	}

	var resp struct {
		Compliant      bool     `json:"compliant"`
		Flags          []string `json:"flags"`
		RequiresReview bool     `json:"requires_review"`
	}
	if err := postJSON(ctx, c.httpClient, c.baseURL+"/v1/check", tc, &resp); err != nil {
		return nil, fmt.Errorf("compliance check: %w", err)
	}

	return &Verdict{Approved: resp.Compliant && !resp.RequiresReview, Reasons: resp.Flags}, nil
}

// RiskClient consults the risk service; same stub behaviour as
// ComplianceClient when unconfigured.
type RiskClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewRiskClient(baseURL string, timeout time.Duration) *RiskClient {
	return &RiskClient{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

func (c *RiskClient) Assess(ctx context.Context, tc AssessmentContext) (*Verdict, error) {
	if c.baseURL == "" {
		return &Verdict{Approved: true}, nil
	}

	var resp struct {
		RiskScore float64 `json:"risk_score"`
		Approved  bool    `json:"approved"`
		Reason    string  `json:"reason"`
	}
	if err := postJSON(ctx, c.httpClient, c.baseURL+"/v1/assess", tc, &resp); err != nil {
		return nil, fmt.Errorf("risk assessment: %w", err)
	}

	v := &Verdict{Approved: resp.Approved}
	if !resp.Approved && resp.Reason != "" {
		v.Reasons = []string{resp.Reason}
	}
	return v, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
