package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fjod/go_cart/order-service/internal/cart"
	"github.com/fjod/go_cart/order-service/internal/checkout"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details string                 `json:"details,omitempty"`
	Lines   []checkout.LineProblem `json:"lines,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// handleServiceError converts a domain error into an HTTP status.
func handleServiceError(w http.ResponseWriter, err error) {
	var (
		vErr *checkout.ValidationError
		iErr *checkout.InsufficientInventoryError
	)
	switch {
	case errors.As(err, &vErr):
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: "some cart items are no longer available",
			Code:  "validation_failed",
			Lines: vErr.Lines,
		})
	case errors.As(err, &iErr):
		respondJSON(w, http.StatusConflict, ErrorResponse{
			Error: "stock ran out while placing the order",
			Code:  "insufficient_inventory",
			Lines: iErr.Lines,
		})
	case errors.Is(err, checkout.ErrRejectedByStorage):
		respondError(w, http.StatusUnprocessableEntity, "rejected_by_storage", "the request holds data the store cannot accept")
	case errors.Is(err, cart.ErrNotForSale):
		respondError(w, http.StatusUnprocessableEntity, "not_for_sale", err.Error())
	case errors.Is(err, checkout.ErrStorageUnavailable):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage is temporarily unavailable, retry later")
	case errors.Is(err, checkout.ErrEmptyCart):
		respondError(w, http.StatusBadRequest, "empty_cart", err.Error())
	case errors.Is(err, checkout.ErrInvalidRequest),
		errors.Is(err, checkout.ErrUnknownStatus),
		errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, cart.ErrInvalidItem):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrProductNotFound),
		errors.Is(err, repository.ErrCartNotFound),
		errors.Is(err, repository.ErrItemNotFound),
		errors.Is(err, repository.ErrInvoiceNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
