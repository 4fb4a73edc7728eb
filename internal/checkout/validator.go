package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentLookups bounds parallel inventory reads per validation.
const maxConcurrentLookups = 8

// Validator checks cart lines against current stock. It never writes.
type Validator struct {
	inventory repository.InventoryStore
}

func NewValidator(inventory repository.InventoryStore) *Validator {
	return &Validator{inventory: inventory}
}

// Validate checks the combined quantity of every product in items against
// its current stock. Problems come back in first-appearance order as a
// *ValidationError when any product is missing from inventory, or as an
// *InsufficientInventoryError when they are all shortages. Corrupted lines
// are ignored.
func (v *Validator) Validate(ctx context.Context, items []domain.CartItem) error {
	products, requested := requestedByProduct(items)
	problems := make([]*LineProblem, len(products))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLookups)
	for i, productID := range products {
		want := requested[productID]
		g.Go(func() error {
			rec, err := v.inventory.GetInventory(gctx, productID)
			switch {
			case errors.Is(err, repository.ErrProductNotFound):
				problems[i] = &LineProblem{
					ProductID: productID,
					Reason:    ReasonProductNotFound,
					Requested: want,
				}
			case err != nil:
				return fmt.Errorf("failed to load inventory for %s: %w", productID, err)
			case rec.AvailableQuantity < want:
				problems[i] = &LineProblem{
					ProductID:         productID,
					Reason:            ReasonInsufficientStock,
					Requested:         want,
					AvailableQuantity: rec.AvailableQuantity,
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var lines []LineProblem
	for _, p := range problems {
		if p != nil {
			lines = append(lines, *p)
		}
	}
	return unfulfillable(lines)
}

// requestedByProduct sums quantities of valid lines per product.
func requestedByProduct(items []domain.CartItem) ([]string, map[string]int) {
	var order []string
	totals := make(map[string]int, len(items))
	for _, item := range items {
		if !item.Valid() {
			continue
		}
		if _, seen := totals[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		totals[item.ProductID] += item.Quantity
	}
	return order, totals
}
