// Package postorder runs the side effects of a placed order. Every order gets
// its own goroutine; every step fails on its own and never touches the order.
package postorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/fjod/go_cart/order-service/pkg/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	StepInvoice            = "invoice"
	StepConfirmation       = "confirmation_notification"
	StepShipment           = "shipment"
	StepLoyalty            = "loyalty"
	StepStatusNotification = "status_notification"
)

// ErrSkipped marks a step that does not apply to the order. Collaborators
// wrap it when a feature is switched off.
var ErrSkipped = errors.New("step skipped")

// StepFailure is logged for a failed side effect and never returned to the buyer.
type StepFailure struct {
	OrderID string
	Step    string
	Err     error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("post-order step %s failed for order %s: %v", e.Step, e.OrderID, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }

type InvoiceGenerator interface {
	Generate(ctx context.Context, order domain.Order) (*domain.Invoice, error)
}

// Notifier delivers a templated buyer notification. Delivery is entirely the
// collaborator's business.
type Notifier interface {
	NotifyOrderEvent(ctx context.Context, kind domain.EventKind, recipient string, data map[string]any) error
}

type ShipmentCreator interface {
	CreateShipment(ctx context.Context, order domain.Order) (string, error)
}

type Config struct {
	ShippingEnabled bool
	// LoyaltyPointsRate is points per unit of currency.
	LoyaltyPointsRate decimal.Decimal
	StepTimeout       time.Duration
}

type Processor struct {
	invoices  InvoiceGenerator
	notifier  Notifier
	shipments ShipmentCreator
	loyalty   repository.LoyaltyStore
	cfg       Config
	log       *zap.Logger
	metrics   *metrics.Metrics

	wg sync.WaitGroup
}

func NewProcessor(
	invoices InvoiceGenerator,
	notifier Notifier,
	shipments ShipmentCreator,
	loyalty repository.LoyaltyStore,
	cfg Config,
	log *zap.Logger,
	m *metrics.Metrics,
) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	return &Processor{
		invoices:  invoices,
		notifier:  notifier,
		shipments: shipments,
		loyalty:   loyalty,
		cfg:       cfg,
		log:       log,
		metrics:   m,
	}
}

// OrderPlaced starts the side effects of a committed order and returns at once.
// ctx only contributes values such as the trace; its cancellation is ignored.
func (p *Processor) OrderPlaced(ctx context.Context, order domain.Order) {
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, order.ID, StepInvoice, func(ctx context.Context) error {
			return p.generateInvoice(ctx, order)
		})
		p.run(ctx, order.ID, StepConfirmation, func(ctx context.Context) error {
			return p.notify(ctx, order, domain.EventOrderConfirmation, confirmationData(order))
		})
		p.run(ctx, order.ID, StepShipment, func(ctx context.Context) error {
			return p.createShipment(ctx, order)
		})
		p.run(ctx, order.ID, StepLoyalty, func(ctx context.Context) error {
			return p.accrueLoyalty(ctx, order)
		})
	}()
}

// StatusChanged sends the best-effort buyer notification for a status write.
func (p *Processor) StatusChanged(ctx context.Context, order domain.Order, previous domain.OrderStatus) {
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, order.ID, StepStatusNotification, func(ctx context.Context) error {
			return p.notify(ctx, order, domain.EventOrderStatusChanged, map[string]any{
				"order_id":        order.ID,
				"status":          string(order.Status),
				"previous_status": string(previous),
				"updated_at":      order.UpdatedAt,
			})
		})
	}()
}

// Wait blocks until every started side effect finished or ctx is done.
func (p *Processor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes one step with its own timeout. A panic or error is recorded
// as a StepFailure and does not stop the next step.
func (p *Processor) run(ctx context.Context, orderID, step string, fn func(ctx context.Context) error) {
	log := logger.FromContext(ctx, p.log).With(zap.String("order_id", orderID), zap.String("step", step))

	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(stepCtx)
	}()

	switch {
	case err == nil:
		p.metrics.PostOrderStep(step, "success")
	case errors.Is(err, ErrSkipped):
		log.Debug("post-order step skipped", zap.Error(err))
		p.metrics.PostOrderStep(step, "skipped")
	default:
		failure := &StepFailure{OrderID: orderID, Step: step, Err: err}
		log.Error("post-order step failed", zap.Error(failure))
		p.metrics.PostOrderStep(step, "failure")
	}
}

func (p *Processor) generateInvoice(ctx context.Context, order domain.Order) error {
	if p.invoices == nil {
		return fmt.Errorf("%w: no invoice generator", ErrSkipped)
	}
	invoice, err := p.invoices.Generate(ctx, order)
	if err != nil {
		return err
	}
	logger.FromContext(ctx, p.log).Info("invoice generated",
		zap.String("order_id", order.ID),
		zap.String("invoice_number", invoice.Number),
	)
	return nil
}

func confirmationData(order domain.Order) map[string]any {
	items := make([]map[string]any, len(order.Items))
	for i, item := range order.Items {
		items[i] = map[string]any{
			"product_id":   item.ProductID,
			"display_name": item.DisplayName,
			"quantity":     item.Quantity,
			"unit_price":   item.UnitPrice.StringFixed(2),
		}
	}
	return map[string]any{
		"order_id":         order.ID,
		"items":            items,
		"subtotal":         order.Subtotal.StringFixed(2),
		"discount":         order.Discount.StringFixed(2),
		"shipping_cost":    order.ShippingCost.StringFixed(2),
		"tax_amount":       order.TaxAmount.StringFixed(2),
		"total_amount":     order.TotalAmount.StringFixed(2),
		"currency":         order.Currency,
		"shipping_address": order.ShippingAddress,
		"placed_at":        order.PlacedAt,
	}
}

func (p *Processor) notify(ctx context.Context, order domain.Order, kind domain.EventKind, data map[string]any) error {
	if p.notifier == nil {
		return fmt.Errorf("%w: no notifier", ErrSkipped)
	}
	recipient := order.RecipientEmail()
	if recipient == "" {
		return fmt.Errorf("%w: order has no recipient email", ErrSkipped)
	}
	return p.notifier.NotifyOrderEvent(ctx, kind, recipient, data)
}

func (p *Processor) createShipment(ctx context.Context, order domain.Order) error {
	if !p.cfg.ShippingEnabled || p.shipments == nil {
		return fmt.Errorf("%w: shipping integration disabled", ErrSkipped)
	}
	ref, err := p.shipments.CreateShipment(ctx, order)
	if err != nil {
		return err
	}
	logger.FromContext(ctx, p.log).Info("shipment requested",
		zap.String("order_id", order.ID),
		zap.String("shipment_ref", ref),
	)
	return nil
}

// LoyaltyPoints is floor(total * rate).
func LoyaltyPoints(total, rate decimal.Decimal) int64 {
	return total.Mul(rate).Floor().IntPart()
}

func (p *Processor) accrueLoyalty(ctx context.Context, order domain.Order) error {
	if !order.Owner.Authenticated() {
		return fmt.Errorf("%w: guest order", ErrSkipped)
	}
	if p.loyalty == nil {
		return fmt.Errorf("%w: no loyalty store", ErrSkipped)
	}
	points := LoyaltyPoints(order.TotalAmount, p.cfg.LoyaltyPointsRate)
	if points <= 0 {
		return fmt.Errorf("%w: no points earned", ErrSkipped)
	}
	balance, err := p.loyalty.AccruePoints(ctx, order.Owner, points)
	if err != nil {
		return err
	}
	logger.FromContext(ctx, p.log).Info("loyalty points accrued",
		zap.String("order_id", order.ID),
		zap.Int64("points", points),
		zap.Int64("balance", balance),
	)
	return nil
}
