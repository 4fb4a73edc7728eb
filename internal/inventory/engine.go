// Package inventory reserves stock through the storage layer's conditional
// decrement and undoes partial reservations when the store has no transactions.
package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/fjod/go_cart/order-service/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Engine struct {
	uow     repository.UnitOfWork
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

func NewEngine(uow repository.UnitOfWork, log *zap.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		uow:     uow,
		log:     log,
		metrics: m,
		tracer:  otel.Tracer("github.com/fjod/go_cart/order-service/internal/inventory"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Reserve runs a reservation as its own unit of work.
func (e *Engine) Reserve(ctx context.Context, items []domain.ReservationItem) ([]domain.ReservationReceipt, error) {
	var receipts []domain.ReservationReceipt
	err := e.uow.Do(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		receipts, err = e.ReserveIn(ctx, tx, items)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// ReserveIn decrements every product in order of first appearance inside
// tx. Items naming the same product are reserved as one decrement of their
// combined quantity.
//
// When tx is not transactional each decrement persists on its own. A failing
// item k triggers the release of items 1..k-1 before ReserveIn returns, and on
// success a rollback hook is registered so a later failure in the same unit of
// work releases the whole reservation. Once the first decrement is issued the
// caller's cancellation is ignored until the reservation settles.
func (e *Engine) ReserveIn(ctx context.Context, tx repository.Tx, items []domain.ReservationItem) ([]domain.ReservationReceipt, error) {
	items = mergeItems(items)
	ctx, span := e.tracer.Start(ctx, "inventory.reserve",
		trace.WithAttributes(
			attribute.Int("items", len(items)),
			attribute.Bool("transactional", tx.Transactional()),
		))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !tx.Transactional() {
		ctx = context.WithoutCancel(ctx)
	}

	receipts := make([]domain.ReservationReceipt, 0, len(items))
	for _, item := range items {
		ok, err := tx.ConditionalDecrement(ctx, item.ProductID, item.Quantity)
		if err == nil && !ok {
			err = e.explainRejection(ctx, tx, item)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reservation failed")
			if !tx.Transactional() && len(receipts) > 0 {
				_ = e.Release(ctx, tx, receipts)
			}
			return nil, err
		}

		receipts = append(receipts, domain.ReservationReceipt{
			ProductID:  item.ProductID,
			Quantity:   item.Quantity,
			ReservedAt: e.now(),
		})
	}

	if !tx.Transactional() && len(receipts) > 0 {
		reserved := receipts
		tx.OnRollback("release reservation", func(ctx context.Context) error {
			return e.Release(ctx, tx, reserved)
		})
	}

	e.reportLowStock(ctx, tx, receipts)
	return receipts, nil
}

// mergeItems drops non-positive quantities and folds repeated products into
// their first occurrence.
func mergeItems(items []domain.ReservationItem) []domain.ReservationItem {
	merged := make([]domain.ReservationItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

// explainRejection turns a refused decrement into a ReservationError.
func (e *Engine) explainRejection(ctx context.Context, tx repository.Tx, item domain.ReservationItem) error {
	rec, err := tx.GetInventory(ctx, item.ProductID)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return &ReservationError{ProductID: item.ProductID, Requested: item.Quantity, Err: repository.ErrProductNotFound}
		}
		return err
	}
	return &ReservationError{
		ProductID: item.ProductID,
		Requested: item.Quantity,
		Available: rec.AvailableQuantity,
		Err:       repository.ErrInsufficientStock,
	}
}

// Release increments stock back for every receipt, newest first. Each failed
// increment is logged as a critical CompensationFailure; all of them are
// returned joined.
func (e *Engine) Release(ctx context.Context, stores repository.InventoryStore, receipts []domain.ReservationReceipt) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), repository.CompensationTimeout)
	defer cancel()
	log := logger.FromContext(ctx, e.log)

	var failures []error
	for i := len(receipts) - 1; i >= 0; i-- {
		r := receipts[i]
		if err := stores.Increment(ctx, r.ProductID, r.Quantity); err != nil {
			failure := &CompensationFailure{ProductID: r.ProductID, Quantity: r.Quantity, Err: err}
			log.Error("compensation failed, stock leaked",
				zap.String("product_id", r.ProductID),
				zap.Int("quantity", r.Quantity),
				zap.String("severity", "critical"),
				zap.String("reconcile", "manual"),
				zap.Error(err),
			)
			e.metrics.Compensation("failure")
			failures = append(failures, failure)
			continue
		}
		e.metrics.Compensation("success")
	}
	return errors.Join(failures...)
}

func (e *Engine) reportLowStock(ctx context.Context, tx repository.Tx, receipts []domain.ReservationReceipt) {
	log := logger.FromContext(ctx, e.log)
	for _, r := range receipts {
		rec, err := tx.GetInventory(ctx, r.ProductID)
		if err != nil {
			log.Debug("low stock check skipped", zap.String("product_id", r.ProductID), zap.Error(err))
			continue
		}
		if rec.IsLow() {
			log.Warn("product reached low stock",
				zap.String("product_id", rec.ProductID),
				zap.Int("available_quantity", rec.AvailableQuantity),
				zap.Int("low_stock_threshold", rec.LowStockThreshold),
			)
			e.metrics.LowStockReached()
		}
	}
}
