package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestLedgerService_CreatePosting(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	input := func() *PostingInput {
		return &PostingInput{
			DebitAccount:  1,
			CreditAccount: 2,
			Amount:        decimal.RequireFromString("5.00"),
			Currency:      "USD",
			Ref:           "signup-u1",
		}
	}

	t.Run("successful posting commits posting and outbox together", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO postings").
			WithArgs(int64(1), int64(2), sqlmock.AnyArg(), "USD", "signup-u1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
		mock.ExpectQuery("SELECT owner_id FROM accounts").
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("u1"))
		mock.ExpectExec("INSERT INTO outbox_events").
			WithArgs(int64(7), "u1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		outcome, err := service.CreatePosting(context.Background(), input())
		assert.NoError(t, err)
		assert.Equal(t, PostingCreated, outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate ref returns already_posted without error", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO postings").
			WithArgs(int64(1), int64(2), sqlmock.AnyArg(), "USD", "signup-u1").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "postings_ref_key"})
		mock.ExpectRollback()

		outcome, err := service.CreatePosting(context.Background(), input())
		assert.NoError(t, err)
		assert.Equal(t, PostingAlreadyPosted, outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate ref surfacing at commit returns already_posted", func(t *testing.T) {
		// The loser of a race between concurrent identical requests can
		// see the unique violation at COMMIT instead of at INSERT.
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO postings").
			WithArgs(int64(1), int64(2), sqlmock.AnyArg(), "USD", "signup-u1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
		mock.ExpectQuery("SELECT owner_id FROM accounts").
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("u1"))
		mock.ExpectExec("INSERT INTO outbox_events").
			WithArgs(int64(9), "u1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit().WillReturnError(&pq.Error{Code: "23505", Constraint: "postings_ref_key"})

		outcome, err := service.CreatePosting(context.Background(), input())
		assert.NoError(t, err)
		assert.Equal(t, PostingAlreadyPosted, outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount rejected before any write", func(t *testing.T) {
		in := input()
		in.Amount = decimal.Zero

		_, err := service.CreatePosting(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sub-cent amount rejected before any write", func(t *testing.T) {
		// 0.004 would round to a zero amount and 5.005 to a value the
		// caller never stated; neither may reach the store.
		for _, amount := range []string{"0.004", "5.005", "1.001"} {
			in := input()
			in.Amount = decimal.RequireFromString(amount)

			_, err := service.CreatePosting(context.Background(), in)
			assert.ErrorIs(t, err, ErrInvalidPrecision, amount)
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("equal accounts rejected before any write", func(t *testing.T) {
		in := input()
		in.CreditAccount = in.DebitAccount

		_, err := service.CreatePosting(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidAccounts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("malformed currency rejected before any write", func(t *testing.T) {
		in := input()
		in.Currency = "US"

		_, err := service.CreatePosting(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidCurrency)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("outbox insert failure rolls back the posting", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO postings").
			WithArgs(int64(1), int64(2), sqlmock.AnyArg(), "USD", "signup-u1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
		mock.ExpectQuery("SELECT owner_id FROM accounts").
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("u1"))
		mock.ExpectExec("INSERT INTO outbox_events").
			WithArgs(int64(7), "u1", sqlmock.AnyArg()).
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		_, err := service.CreatePosting(context.Background(), input())
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account falls back to ref as partition key", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO postings").
			WithArgs(int64(1), int64(2), sqlmock.AnyArg(), "USD", "signup-u1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(8)))
		mock.ExpectQuery("SELECT owner_id FROM accounts").
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}))
		mock.ExpectExec("INSERT INTO outbox_events").
			WithArgs(int64(8), "signup-u1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		outcome, err := service.CreatePosting(context.Background(), input())
		assert.NoError(t, err)
		assert.Equal(t, PostingCreated, outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_AccountBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("balance is aggregated over postings", func(t *testing.T) {
		mock.ExpectQuery("SELECT COALESCE").
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("12.34"))

		balance, err := service.AccountBalance(context.Background(), 2)
		assert.NoError(t, err)
		assert.True(t, balance.Equal(decimal.RequireFromString("12.34")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_HandleCreatePosting(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/postings", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		service.HandleCreatePosting(w, req)
		return w
	}

	t.Run("valid posting returns 201 posted", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO postings").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
		mock.ExpectQuery("SELECT owner_id FROM accounts").
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("u1"))
		mock.ExpectExec("INSERT INTO outbox_events").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		w := post(`{"debit_account":1,"credit_account":2,"amount":5.00,"currency":"USD","ref":"signup-u1"}`)

		assert.Equal(t, http.StatusCreated, w.Code)
		var resp map[string]string
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "posted", resp["status"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("repeated posting returns 201 already_posted", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO postings").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "postings_ref_key"})
		mock.ExpectRollback()

		w := post(`{"debit_account":1,"credit_account":2,"amount":5.00,"currency":"USD","ref":"signup-u1"}`)

		assert.Equal(t, http.StatusCreated, w.Code)
		var resp map[string]string
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "already_posted", resp["status"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount rejected with no writes", func(t *testing.T) {
		w := post(`{"debit_account":1,"credit_account":2,"amount":-5.00,"currency":"USD","ref":"signup-u1"}`)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sub-cent amount rejected with no writes", func(t *testing.T) {
		w := post(`{"debit_account":1,"credit_account":2,"amount":0.004,"currency":"USD","ref":"signup-u1"}`)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("malformed currency rejected by boundary schema", func(t *testing.T) {
		w := post(`{"debit_account":1,"credit_account":2,"amount":5.00,"currency":"USDT","ref":"signup-u1"}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		w := post(`{"debit_account":1,"credit_account":2,"amount":5.00,"currency":"USD","surprise":true}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
