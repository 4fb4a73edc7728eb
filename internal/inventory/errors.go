package inventory

import (
	"fmt"

	"github.com/fjod/go_cart/order-service/internal/repository"
)

// ReservationError names the line that stopped a reservation. Err is one of
// repository.ErrProductNotFound or repository.ErrInsufficientStock.
type ReservationError struct {
	ProductID string
	Requested int
	Available int
	Err       error
}

func (e *ReservationError) Error() string {
	if e.Err == repository.ErrInsufficientStock {
		return fmt.Sprintf("product %s: %v (requested %d, available %d)", e.ProductID, e.Err, e.Requested, e.Available)
	}
	return fmt.Sprintf("product %s: %v", e.ProductID, e.Err)
}

func (e *ReservationError) Unwrap() error { return e.Err }

// CompensationFailure is a compensating increment that did not persist. The
// stock count of ProductID is short by Quantity until reconciled by hand.
type CompensationFailure struct {
	ProductID string
	Quantity  int
	Err       error
}

func (e *CompensationFailure) Error() string {
	return fmt.Sprintf("failed to return %d units of product %s: %v", e.Quantity, e.ProductID, e.Err)
}

func (e *CompensationFailure) Unwrap() error { return e.Err }
