package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	type sample struct {
		UserID   string `validate:"required"`
		Currency string `validate:"required,len=3,alpha"`
	}

	t.Run("valid struct passes", func(t *testing.T) {
		assert.NoError(t, vh.ValidateStruct(&sample{UserID: "u1", Currency: "USD"}))
	})

	t.Run("missing required field fails", func(t *testing.T) {
		assert.Error(t, vh.ValidateStruct(&sample{Currency: "USD"}))
	})

	t.Run("currency length is enforced", func(t *testing.T) {
		assert.Error(t, vh.ValidateStruct(&sample{UserID: "u1", Currency: "USDT"}))
	})

	t.Run("currency must be alphabetic", func(t *testing.T) {
		assert.Error(t, vh.ValidateStruct(&sample{UserID: "u1", Currency: "U5D"}))
	})
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		UserID string `json:"user_id"`
	}

	decode := func(body string) error {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		w := httptest.NewRecorder()
		var dst payload
		return DecodeJSONBody(w, req, &dst)
	}

	t.Run("single object decodes", func(t *testing.T) {
		assert.NoError(t, decode(`{"user_id":"u1"}`))
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		assert.Error(t, decode(`{"user_id":"u1","extra":true}`))
	})

	t.Run("trailing content rejected", func(t *testing.T) {
		assert.Error(t, decode(`{"user_id":"u1"}{"user_id":"u2"}`))
	})

	t.Run("malformed JSON rejected", func(t *testing.T) {
		assert.Error(t, decode(`{"user_id":`))
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("plain error", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Posting not found", http.StatusNotFound, nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var resp ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "Posting not found", resp.Error)
		assert.Empty(t, resp.Details)
	})

	t.Run("validation details are included", func(t *testing.T) {
		vh := NewValidationHelper()
		type sample struct {
			Currency string `validate:"required,len=3"`
		}
		err := vh.ValidateStruct(&sample{})
		assert.Error(t, err)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var resp ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "Validation failed", resp.Error)
		assert.Contains(t, resp.Details, "Currency")
	})
}
