package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/inventory"
	"github.com/fjod/go_cart/order-service/internal/pricing"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/fjod/go_cart/order-service/pkg/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type CheckoutService interface {
	ValidateCart(ctx context.Context, cart *domain.Cart) error
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error)
	TransitionOrderStatus(ctx context.Context, orderID string, status string) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, *domain.Payment, error)
	ListOrders(ctx context.Context, owner domain.OwnerKey) ([]domain.Order, error)
}

// Dispatcher starts detached side effects. Implementations must return
// without waiting for them.
type Dispatcher interface {
	OrderPlaced(ctx context.Context, order domain.Order)
	StatusChanged(ctx context.Context, order domain.Order, previous domain.OrderStatus)
}

// CartCache drops a cached cart once the cart itself is gone.
type CartCache interface {
	Invalidate(ctx context.Context, owner domain.OwnerKey) error
}

type CreateOrderRequest struct {
	// Owner is the buyer: a user, a guest email, or the session that owns the cart.
	Owner           domain.OwnerKey
	Cart            *domain.Cart
	ShippingAddress domain.Address
	// BillingAddress defaults to ShippingAddress when empty.
	BillingAddress domain.Address
	PaymentMethod  string
	Pricing        pricing.Inputs
}

type CreateOrderResult struct {
	Order   *domain.Order
	Payment *domain.Payment
}

type Config struct {
	DefaultCurrency string
}

type CheckoutServiceImpl struct {
	stores     repository.Stores
	uow        repository.UnitOfWork
	validator  *Validator
	inventory  *inventory.Engine
	dispatcher Dispatcher
	cartCache  CartCache
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

type Dependencies struct {
	Stores     repository.Stores
	UnitOfWork repository.UnitOfWork
	Inventory  *inventory.Engine
	Dispatcher Dispatcher
	CartCache  CartCache
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

func NewCheckoutService(deps Dependencies, cfg Config) *CheckoutServiceImpl {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "INR"
	}
	engine := deps.Inventory
	if engine == nil {
		engine = inventory.NewEngine(deps.UnitOfWork, log, deps.Metrics)
	}
	return &CheckoutServiceImpl{
		stores:     deps.Stores,
		uow:        deps.UnitOfWork,
		validator:  NewValidator(deps.Stores),
		inventory:  engine,
		dispatcher: deps.Dispatcher,
		cartCache:  deps.CartCache,
		cfg:        cfg,
		log:        log,
		metrics:    deps.Metrics,
		tracer:     otel.Tracer("github.com/fjod/go_cart/order-service/internal/checkout"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *CheckoutServiceImpl) ValidateCart(ctx context.Context, cart *domain.Cart) error {
	ctx, span := s.tracer.Start(ctx, "checkout.validate")
	defer span.End()

	items := cart.ValidItems()
	if len(items) == 0 {
		return ErrEmptyCart
	}
	return s.validator.Validate(ctx, items)
}

// resolveOwner maps the buyer onto an order owner. Anonymous sessions check
// out as guests identified by their contact email.
func resolveOwner(req CreateOrderRequest) (domain.OwnerKey, error) {
	switch req.Owner.Kind {
	case domain.OwnerUser, domain.OwnerGuest:
		if !req.Owner.IsZero() {
			return req.Owner, nil
		}
	case domain.OwnerSession:
		email := req.ShippingAddress.Email
		if email == "" {
			email = req.BillingAddress.Email
		}
		if email != "" {
			return domain.GuestOwner(email), nil
		}
		return domain.OwnerKey{}, fmt.Errorf("%w: guest checkout requires a contact email", ErrInvalidRequest)
	}
	return domain.OwnerKey{}, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
}

func checkAddress(kind string, a domain.Address) error {
	var missing []string
	if strings.TrimSpace(a.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(a.Line1) == "" {
		missing = append(missing, "line1")
	}
	if strings.TrimSpace(a.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(a.PostalCode) == "" {
		missing = append(missing, "postal_code")
	}
	if strings.TrimSpace(a.Country) == "" {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s address is missing %s", ErrInvalidRequest, kind, strings.Join(missing, ", "))
	}
	return nil
}

// CreateOrder turns a cart into a pending order and payment.
//
// Stock is reserved, the order and payment are inserted and the cart is
// deleted in one unit of work. Calling it twice with the same cart snapshot
// places two orders; callers deduplicate requests themselves.
func (s *CheckoutServiceImpl) CreateOrder(ctx context.Context, req CreateOrderRequest) (result *CreateOrderResult, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "checkout.create_order")
	defer func() {
		s.metrics.ObserveCheckout(checkoutResult(err), time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, checkoutResult(err))
		}
		span.End()
	}()
	log := logger.FromContext(ctx, s.log)

	owner, err := resolveOwner(req)
	if err != nil {
		return nil, err
	}
	if req.Cart == nil {
		return nil, ErrEmptyCart
	}
	items := req.Cart.ValidItems()
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}
	if dropped := len(req.Cart.Items) - len(items); dropped > 0 {
		log.Warn("discarded corrupted cart lines", zap.Int("dropped", dropped))
	}

	if err := checkAddress("shipping", req.ShippingAddress); err != nil {
		return nil, err
	}
	billing := req.BillingAddress
	if billing == (domain.Address{}) {
		billing = req.ShippingAddress
	}

	// 1. validate against current stock
	if err := s.validator.Validate(ctx, items); err != nil {
		var (
			vErr *ValidationError
			iErr *InsufficientInventoryError
		)
		if errors.As(err, &vErr) || errors.As(err, &iErr) {
			log.Info("checkout rejected", zap.String("reason", err.Error()))
		}
		return nil, err
	}

	// 2. price
	inputs := req.Pricing
	if inputs.Currency == "" {
		inputs.Currency = s.cfg.DefaultCurrency
	}
	breakdown, err := pricing.Calculate(items, inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	now := s.now()
	order := &domain.Order{
		ID:              uuid.New().String(),
		Owner:           owner,
		Items:           snapshotItems(items),
		Subtotal:        breakdown.Subtotal,
		Discount:        breakdown.Discount,
		ShippingCost:    breakdown.ShippingCost,
		TaxAmount:       breakdown.TaxAmount,
		TotalAmount:     breakdown.TotalAmount,
		Currency:        breakdown.Currency,
		Status:          domain.OrderStatusPending,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  billing,
		PlacedAt:        now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	payment := &domain.Payment{
		ID:        uuid.New().String(),
		OrderID:   order.ID,
		Amount:    order.TotalAmount,
		Currency:  order.Currency,
		Gateway:   domain.GatewayForMethod(req.PaymentMethod),
		Status:    domain.PaymentStatusPending,
		Meta:      map[string]string{"payment_method": req.PaymentMethod},
		CreatedAt: now,
		UpdatedAt: now,
	}
	cartOwner := req.Cart.Owner
	if cartOwner.IsZero() {
		cartOwner = req.Owner
	}
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.Int("order.items", len(order.Items)))

	// 3-6. reserve, insert order and payment, delete cart
	err = s.uow.Do(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := s.inventory.ReserveIn(ctx, tx, order.ReservationItems()); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}
		if !tx.Transactional() {
			tx.OnRollback("delete order", func(ctx context.Context) error {
				return tx.DeleteOrder(ctx, order.ID)
			})
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to insert payment: %w", err)
		}
		deleted, err := tx.DeleteCart(ctx, cartOwner)
		if err != nil {
			return fmt.Errorf("failed to delete cart: %w", err)
		}
		if !deleted {
			log.Warn("cart already gone at checkout", zap.String("cart_owner", cartOwner.String()))
		}
		return nil
	})
	if err != nil {
		return nil, s.translateReservationError(ctx, items, err)
	}

	log.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("owner", owner.String()),
		zap.String("total", order.TotalAmount.StringFixed(2)),
		zap.String("gateway", string(payment.Gateway)),
		zap.String("mode", string(s.uow.Mode())),
	)

	if s.cartCache != nil {
		if err := s.cartCache.Invalidate(ctx, cartOwner); err != nil {
			log.Warn("failed to invalidate cart cache", zap.Error(err))
		}
	}
	if s.dispatcher != nil {
		s.dispatcher.OrderPlaced(ctx, *order)
	}

	return &CreateOrderResult{Order: order, Payment: payment}, nil
}

func snapshotItems(items []domain.CartItem) []domain.OrderItem {
	out := make([]domain.OrderItem, len(items))
	for i, item := range items {
		out[i] = domain.OrderItem{
			ProductID:   item.ProductID,
			DisplayName: item.DisplayName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		}
	}
	return out
}

// translateReservationError maps a failed unit of work onto the checkout
// error taxonomy. A refused reservation is re-validated so the buyer sees
// every unavailable line, not only the first one hit, and the lines are
// classified the same way Validate classifies them.
func (s *CheckoutServiceImpl) translateReservationError(ctx context.Context, items []domain.CartItem, err error) error {
	log := logger.FromContext(ctx, s.log)
	var resErr *inventory.ReservationError
	if !errors.As(err, &resErr) {
		switch {
		case errors.Is(err, repository.ErrStorageUnavailable):
			log.Warn("checkout failed on storage", zap.Error(err))
		case errors.Is(err, repository.ErrConstraintViolation):
			log.Error("storage rejected checkout data", zap.Error(err))
		}
		return err
	}

	first := LineProblem{
		ProductID:         resErr.ProductID,
		Requested:         resErr.Requested,
		AvailableQuantity: resErr.Available,
		Reason:            ReasonInsufficientStock,
	}
	if errors.Is(resErr, repository.ErrProductNotFound) {
		first.Reason = ReasonProductNotFound
	}
	log.Info("checkout rejected during reservation",
		zap.String("product_id", first.ProductID),
		zap.String("reason", string(first.Reason)),
	)

	var (
		vErr *ValidationError
		iErr *InsufficientInventoryError
	)
	switch rerr := s.validator.Validate(ctx, items); {
	case errors.As(rerr, &vErr), errors.As(rerr, &iErr):
		return rerr
	case rerr != nil:
		log.Warn("failed to re-validate cart after refused reservation", zap.Error(rerr))
	}
	// stock came back before the re-read; report the line that was refused
	return unfulfillable([]LineProblem{first})
}

func checkoutResult(err error) string {
	var (
		vErr *ValidationError
		iErr *InsufficientInventoryError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &vErr):
		return "validation_failed"
	case errors.As(err, &iErr):
		return "insufficient_inventory"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrRejectedByStorage):
		return "rejected_by_storage"
	case errors.Is(err, ErrEmptyCart), errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "error"
	}
}

// TransitionOrderStatus writes a new status and notifies the buyer in the
// background. Any known status is accepted from any current status.
func (s *CheckoutServiceImpl) TransitionOrderStatus(ctx context.Context, orderID string, status string) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.transition_status",
		trace.WithAttributes(attribute.String("order.id", orderID), attribute.String("order.status", status)))
	defer span.End()
	log := logger.FromContext(ctx, s.log)

	next, err := domain.ParseOrderStatus(status)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}

	order, err := s.stores.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	previous := order.Status

	at := s.now()
	if err := s.stores.UpdateOrderStatus(ctx, orderID, next, at); err != nil {
		return nil, err
	}
	order.Status = next
	order.UpdatedAt = at
	s.metrics.StatusTransition(string(next))

	fields := []zap.Field{
		zap.String("order_id", orderID),
		zap.String("from", string(previous)),
		zap.String("to", string(next)),
	}
	if previous.IsTerminal() && previous != next {
		log.Warn("order left a terminal status", fields...)
	} else {
		log.Info("order status changed", fields...)
	}

	if s.dispatcher != nil {
		s.dispatcher.StatusChanged(ctx, *order, previous)
	}
	return order, nil
}

func (s *CheckoutServiceImpl) GetOrder(ctx context.Context, orderID string) (*domain.Order, *domain.Payment, error) {
	order, err := s.stores.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	payment, err := s.stores.GetPaymentByOrder(ctx, orderID)
	if err != nil && !errors.Is(err, repository.ErrPaymentNotFound) {
		return nil, nil, err
	}
	return order, payment, nil
}

func (s *CheckoutServiceImpl) ListOrders(ctx context.Context, owner domain.OwnerKey) ([]domain.Order, error) {
	return s.stores.ListOrdersByOwner(ctx, owner)
}
