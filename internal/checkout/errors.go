package checkout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fjod/go_cart/order-service/internal/inventory"
	"github.com/fjod/go_cart/order-service/internal/postorder"
	"github.com/fjod/go_cart/order-service/internal/repository"
)

var (
	ErrEmptyCart      = errors.New("cart is empty, nothing to checkout")
	ErrInvalidRequest = errors.New("invalid checkout request")
	ErrUnknownStatus  = errors.New("unknown order status")

	// ErrStorageUnavailable is transient; the caller may retry.
	ErrStorageUnavailable = repository.ErrStorageUnavailable
	// ErrRejectedByStorage is permanent; retrying the same request fails again.
	ErrRejectedByStorage = repository.ErrConstraintViolation
)

type (
	CompensationFailure = inventory.CompensationFailure
	AsyncStepFailure    = postorder.StepFailure
)

type Reason string

const (
	ReasonProductNotFound   Reason = "product_not_found"
	ReasonInsufficientStock Reason = "insufficient_stock"
)

// LineProblem describes one cart line that cannot be fulfilled.
type LineProblem struct {
	ProductID         string `json:"product_id"`
	Reason            Reason `json:"reason"`
	Requested         int    `json:"requested"`
	AvailableQuantity int    `json:"available_quantity"`
}

func (p LineProblem) String() string {
	if p.Reason == ReasonInsufficientStock {
		return fmt.Sprintf("%s: %s (requested %d, available %d)", p.ProductID, p.Reason, p.Requested, p.AvailableQuantity)
	}
	return fmt.Sprintf("%s: %s", p.ProductID, p.Reason)
}

func joinProblems(lines []LineProblem) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.String()
	}
	return strings.Join(parts, "; ")
}

// ValidationError lists the problem lines of a cart in which at least one
// product was withdrawn from sale.
type ValidationError struct {
	Lines []LineProblem
}

func (e *ValidationError) Error() string {
	return "cart validation failed: " + joinProblems(e.Lines)
}

// InsufficientInventoryError lists the problem lines of a cart whose products
// all still exist but lack stock. The buyer can fix it by lowering quantities.
type InsufficientInventoryError struct {
	Lines []LineProblem
}

func (e *InsufficientInventoryError) Error() string {
	return "insufficient inventory: " + joinProblems(e.Lines)
}

func (e *InsufficientInventoryError) Unwrap() error { return repository.ErrInsufficientStock }

// unfulfillable classifies problem lines the same way wherever they are
// found: any withdrawn product makes it a *ValidationError, otherwise it is
// an *InsufficientInventoryError. It returns nil for no lines.
func unfulfillable(lines []LineProblem) error {
	if len(lines) == 0 {
		return nil
	}
	for _, l := range lines {
		if l.Reason == ReasonProductNotFound {
			return &ValidationError{Lines: lines}
		}
	}
	return &InsufficientInventoryError{Lines: lines}
}
