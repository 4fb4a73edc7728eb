package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fjod/go_cart/order-service/internal/checkout"
	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/go-chi/chi/v5"
)

type OrdersHandler struct {
	checkout checkout.CheckoutService
	invoices repository.InvoiceStore
	timeout  time.Duration
}

func NewOrdersHandler(svc checkout.CheckoutService, invoices repository.InvoiceStore, timeout time.Duration) *OrdersHandler {
	return &OrdersHandler{
		checkout: svc,
		invoices: invoices,
		timeout:  timeout,
	}
}

type OrderResponseDTO struct {
	Order   *domain.Order   `json:"order"`
	Payment *domain.Payment `json:"payment,omitempty"`
}

type UpdateStatusRequestDTO struct {
	Status string `json:"status"`
}

// visible hides other accounts' orders from signed-in users. Guest orders
// are reachable by id.
func visible(owner domain.OwnerKey, order *domain.Order) bool {
	return !owner.Authenticated() || order.Owner == owner
}

// GET /api/v1/orders/{order_id}
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	order, payment, err := h.checkout.GetOrder(ctx, chi.URLParam(r, "order_id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !visible(ownerFromContext(r.Context()), order) {
		handleServiceError(w, repository.ErrOrderNotFound)
		return
	}
	respondJSON(w, http.StatusOK, OrderResponseDTO{Order: order, Payment: payment})
}

// GET /api/v1/orders?email=
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	owner := ownerFromContext(r.Context())
	if !owner.Authenticated() {
		email := r.URL.Query().Get("email")
		if email == "" {
			respondError(w, http.StatusBadRequest, "missing_email", "guests list orders by email")
			return
		}
		owner = domain.GuestOwner(email)
	}

	orders, err := h.checkout.ListOrders(ctx, owner)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// PATCH /api/v1/orders/{order_id}/status, operators only
func (h *OrdersHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req UpdateStatusRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	order, err := h.checkout.TransitionOrderStatus(ctx, chi.URLParam(r, "order_id"), req.Status)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, OrderResponseDTO{Order: order})
}

// GET /api/v1/orders/{order_id}/invoice
func (h *OrdersHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	orderID := chi.URLParam(r, "order_id")
	order, _, err := h.checkout.GetOrder(ctx, orderID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !visible(ownerFromContext(r.Context()), order) {
		handleServiceError(w, repository.ErrOrderNotFound)
		return
	}

	invoice, err := h.invoices.GetInvoiceByOrder(ctx, orderID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, invoice)
}
