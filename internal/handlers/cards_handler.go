package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/finpost/backend/internal/services"
)

type CardsHandler struct {
	service   *services.IssuerService
	validator *services.ValidationHelper
}

func NewCardsHandler(service *services.IssuerService) *CardsHandler {
	return &CardsHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// IssueCard handles POST /v1/cards.
func (h *CardsHandler) IssueCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"user_id" validate:"required"`
		ProductID string `json:"product_id" validate:"required"`
	}

	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.service.IssueCard(r.Context(), req.UserID, req.ProductID, r.Header.Get("Idempotency-Key"))
	if err != nil {
		if services.IsPolicyDenied(err) {
			log.Printf("[GATEWAY] Issuance denied for user %s: %v", req.UserID, err)
			services.SendErrorResponse(w, err.Error(), http.StatusForbidden, nil)
			return
		}
		log.Printf("[GATEWAY] Failed to issue card for user %s: %v", req.UserID, err)
		services.SendErrorResponse(w, "Failed to issue card", http.StatusBadGateway, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}
