package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fjod/go_cart/order-service/internal/checkout"
	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/pricing"
	"github.com/fjod/go_cart/order-service/internal/repository"
)

// CartSource loads the stored cart. Checkout reads the store, not the cache.
type CartSource interface {
	GetCart(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error)
}

type CheckoutHandler struct {
	checkout checkout.CheckoutService
	carts    CartSource
	pricing  pricing.Policy
	timeout  time.Duration
}

func NewCheckoutHandler(svc checkout.CheckoutService, carts CartSource, policy pricing.Policy, timeout time.Duration) *CheckoutHandler {
	return &CheckoutHandler{
		checkout: svc,
		carts:    carts,
		pricing:  policy,
		timeout:  timeout,
	}
}

// CheckoutRequestDTO has no amounts; tax, shipping and currency come from
// the server's pricing policy.
type CheckoutRequestDTO struct {
	ShippingAddress domain.Address `json:"shipping_address"`
	BillingAddress  domain.Address `json:"billing_address"`
	PaymentMethod   string         `json:"payment_method"`
}

type CheckoutResponseDTO struct {
	Order   *domain.Order   `json:"order"`
	Payment *domain.Payment `json:"payment"`
}

// loadCart treats a missing cart as an empty one.
func (h *CheckoutHandler) loadCart(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error) {
	c, err := h.carts.GetCart(ctx, owner)
	if errors.Is(err, repository.ErrCartNotFound) {
		return nil, checkout.ErrEmptyCart
	}
	return c, err
}

// POST /api/v1/checkout
func (h *CheckoutHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	owner := ownerFromContext(r.Context())

	var req CheckoutRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	c, err := h.loadCart(ctx, owner)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	res, err := h.checkout.CreateOrder(ctx, checkout.CreateOrderRequest{
		Owner:           owner,
		Cart:            c,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		PaymentMethod:   req.PaymentMethod,
		Pricing:         h.pricing.Inputs(c.ValidItems()),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, CheckoutResponseDTO{Order: res.Order, Payment: res.Payment})
}

// POST /api/v1/cart/validate
func (h *CheckoutHandler) ValidateCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c, err := h.loadCart(ctx, ownerFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if err := h.checkout.ValidateCart(ctx, c); err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"valid": true})
}
