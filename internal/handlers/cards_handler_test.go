package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/finpost/backend/internal/clients"
	"github.com/finpost/backend/internal/services"
)

func newTestHandler(t *testing.T, ledgerStatus string) *CardsHandler {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"status": ledgerStatus})
	}))
	t.Cleanup(srv.Close)

	ledger := clients.NewLedgerClient(srv.URL, time.Second, 1, time.Millisecond)
	compliance := clients.NewComplianceClient("", time.Second)
	risk := clients.NewRiskClient("", time.Second)
	notifier := clients.NewNotifierClient("", time.Second)
	return NewCardsHandler(services.NewIssuerService(ledger, compliance, risk, notifier))
}

func TestCardsHandler_IssueCard(t *testing.T) {
	post := func(h *CardsHandler, body, idempotencyKey string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/cards", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}
		w := httptest.NewRecorder()
		h.IssueCard(w, req)
		return w
	}

	t.Run("issues a card and credits the bonus", func(t *testing.T) {
		h := newTestHandler(t, "posted")
		w := post(h, `{"user_id":"u1","product_id":"gold"}`, "")

		assert.Equal(t, http.StatusCreated, w.Code)
		var result services.IssueCardResult
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.Equal(t, "card_u1", result.CardID)
		assert.Equal(t, "issue-u1-gold", result.IdempotencyKey)
		assert.Equal(t, "posted", result.PostingStatus)
	})

	t.Run("replayed request succeeds without a double credit", func(t *testing.T) {
		h := newTestHandler(t, "already_posted")
		w := post(h, `{"user_id":"u1","product_id":"gold"}`, "issue-u1-gold")

		assert.Equal(t, http.StatusCreated, w.Code)
		var result services.IssueCardResult
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.Equal(t, "already_posted", result.PostingStatus)
		assert.Equal(t, "issue-u1-gold", result.IdempotencyKey)
	})

	t.Run("missing user_id is rejected", func(t *testing.T) {
		h := newTestHandler(t, "posted")
		w := post(h, `{"product_id":"gold"}`, "")

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		h := newTestHandler(t, "posted")
		w := post(h, `{"user_id":"u1","product_id":"gold","tier":"max"}`, "")

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
