package postorder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/google/uuid"
)

// InvoiceBuilder renders an invoice document from an order and stores it.
type InvoiceBuilder struct {
	store repository.InvoiceStore
	now   func() time.Time
}

func NewInvoiceBuilder(store repository.InvoiceStore) *InvoiceBuilder {
	return &InvoiceBuilder{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// InvoiceNumber formats INV-YYYYMMDD-XXXXXXXX from the issue date and id.
func InvoiceNumber(issued time.Time, id uuid.UUID) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	return fmt.Sprintf("INV-%s-%s", issued.Format("20060102"), strings.ToUpper(hex[:8]))
}

func (b *InvoiceBuilder) Generate(ctx context.Context, order domain.Order) (*domain.Invoice, error) {
	id := uuid.New()
	issued := b.now()

	lines := make([]domain.InvoiceLine, len(order.Items))
	for i, item := range order.Items {
		description := item.DisplayName
		if description == "" {
			description = item.ProductID
		}
		lines[i] = domain.InvoiceLine{
			Description: description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Amount:      item.LineTotal(),
		}
	}

	invoice := &domain.Invoice{
		ID:             id.String(),
		OrderID:        order.ID,
		Number:         InvoiceNumber(issued, id),
		Owner:          order.Owner,
		Lines:          lines,
		Subtotal:       order.Subtotal,
		Discount:       order.Discount,
		ShippingCost:   order.ShippingCost,
		TaxAmount:      order.TaxAmount,
		TotalAmount:    order.TotalAmount,
		Currency:       order.Currency,
		BillingAddress: order.BillingAddress,
		IssuedAt:       issued,
	}

	if err := b.store.SaveInvoice(ctx, invoice); err != nil {
		return nil, fmt.Errorf("failed to save invoice: %w", err)
	}
	return invoice, nil
}
