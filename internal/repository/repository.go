package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
)

// Common errors returned by the stores
var (
	ErrProductNotFound    = errors.New("product not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrCartNotFound       = errors.New("cart not found")
	ErrItemNotFound       = errors.New("item not found in cart")
	ErrOrderNotFound      = errors.New("order not found")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrInvoiceNotFound    = errors.New("invoice not found")
	ErrDuplicate          = errors.New("record already exists")
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrConstraintViolation means the store refused the data itself; a
	// retry with the same input fails the same way.
	ErrConstraintViolation = errors.New("rejected by storage constraint")
)

// unavailable marks err as a transient storage fault while keeping the cause.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

func rejected(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrConstraintViolation, err)
}

// CartStore is keyed by owner; at most one cart exists per owner.
type CartStore interface {
	GetCart(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error)
	UpsertCart(ctx context.Context, cart *domain.Cart) error
	// DeleteCart reports whether a cart was actually removed.
	DeleteCart(ctx context.Context, owner domain.OwnerKey) (bool, error)
}

type InventoryStore interface {
	GetInventory(ctx context.Context, productID string) (*domain.InventoryRecord, error)

	// ConditionalDecrement subtracts quantity only when at least quantity is
	// available, as one indivisible operation. It returns false when the
	// condition does not hold or the product does not exist.
	ConditionalDecrement(ctx context.Context, productID string, quantity int) (bool, error)

	// Increment returns previously reserved stock.
	Increment(ctx context.Context, productID string, quantity int) error

	// SetStock creates or replaces a record (used for initialization)
	SetStock(ctx context.Context, record domain.InventoryRecord) error
}

type OrderStore interface {
	InsertOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListOrdersByOwner(ctx context.Context, owner domain.OwnerKey) ([]domain.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, at time.Time) error
	InsertPayment(ctx context.Context, payment *domain.Payment) error
	GetPaymentByOrder(ctx context.Context, orderID string) (*domain.Payment, error)
	// DeleteOrder removes an order with its payment. Only used to undo a
	// checkout that failed after the order was written.
	DeleteOrder(ctx context.Context, orderID string) error
}

type InvoiceStore interface {
	SaveInvoice(ctx context.Context, invoice *domain.Invoice) error
	GetInvoiceByOrder(ctx context.Context, orderID string) (*domain.Invoice, error)
}

type LoyaltyStore interface {
	// AccruePoints adds points to the owner's balance and returns the new balance.
	AccruePoints(ctx context.Context, owner domain.OwnerKey, points int64) (int64, error)
}

// Stores groups every collection the order pipeline touches.
type Stores interface {
	CartStore
	InventoryStore
	OrderStore
	InvoiceStore
	LoyaltyStore
}

// Tx is the view of the stores handed to a unit of work callback.
type Tx interface {
	Stores

	// Transactional reports whether writes made through the Tx are undone
	// automatically when the callback fails.
	Transactional() bool

	// OnRollback registers a compensating action. Hooks run in reverse
	// registration order when the callback fails and the Tx is not transactional.
	OnRollback(name string, fn func(ctx context.Context) error)
}

type Mode string

const (
	ModeTransactional Mode = "transactional"
	ModeSequential    Mode = "sequential"
)

// UnitOfWork runs fn so that its writes either all persist or are all undone.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Mode() Mode
}
