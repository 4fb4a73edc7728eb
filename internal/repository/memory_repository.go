package repository

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
)

// MemoryStore implements Stores with in-memory maps guarded by one mutex.
// Every mutating helper returns an undo func so transactions can be rolled back.
type MemoryStore struct {
	mu        sync.Mutex
	carts     map[string]*domain.Cart            // owner key -> cart
	inventory map[string]*domain.InventoryRecord // productID -> record
	orders    map[string]*domain.Order
	payments  map[string]*domain.Payment // orderID -> payment
	invoices  map[string]*domain.Invoice // orderID -> invoice
	loyalty   map[string]int64           // owner key -> points

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		carts:     make(map[string]*domain.Cart),
		inventory: make(map[string]*domain.InventoryRecord),
		orders:    make(map[string]*domain.Order),
		payments:  make(map[string]*domain.Payment),
		invoices:  make(map[string]*domain.Invoice),
		loyalty:   make(map[string]int64),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) GetCart(_ context.Context, owner domain.OwnerKey) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCart(owner)
}

func (s *MemoryStore) UpsertCart(_ context.Context, cart *domain.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCart(cart)
	return nil
}

func (s *MemoryStore) DeleteCart(_ context.Context, owner domain.OwnerKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted, _ := s.deleteCart(owner)
	return deleted, nil
}

func (s *MemoryStore) GetInventory(_ context.Context, productID string) (*domain.InventoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getInventory(productID)
}

func (s *MemoryStore) ConditionalDecrement(_ context.Context, productID string, quantity int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, _ := s.conditionalDecrement(productID, quantity)
	return ok, nil
}

func (s *MemoryStore) Increment(_ context.Context, productID string, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.increment(productID, quantity)
	return err
}

func (s *MemoryStore) SetStock(_ context.Context, record domain.InventoryRecord) error {
	if err := checkStock(record); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStock(record)
	return nil
}

// checkStock mirrors the CHECK constraints of the SQL schema.
func checkStock(record domain.InventoryRecord) error {
	if record.AvailableQuantity < 0 || record.UnitPrice.IsNegative() {
		return fmt.Errorf("inventory %s: %w", record.ProductID, ErrConstraintViolation)
	}
	return nil
}

func (s *MemoryStore) InsertOrder(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.insertOrder(order)
	return err
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrder(orderID)
}

func (s *MemoryStore) ListOrdersByOwner(_ context.Context, owner domain.OwnerKey) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listOrdersByOwner(owner), nil
}

func (s *MemoryStore) UpdateOrderStatus(_ context.Context, orderID string, status domain.OrderStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.updateOrderStatus(orderID, status, at)
	return err
}

func (s *MemoryStore) InsertPayment(_ context.Context, payment *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.insertPayment(payment)
	return err
}

func (s *MemoryStore) GetPaymentByOrder(_ context.Context, orderID string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getPaymentByOrder(orderID)
}

func (s *MemoryStore) DeleteOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteOrder(orderID)
	return nil
}

func (s *MemoryStore) SaveInvoice(_ context.Context, invoice *domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.saveInvoice(invoice)
	return err
}

func (s *MemoryStore) GetInvoiceByOrder(_ context.Context, orderID string) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[orderID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	cp.Lines = slices.Clone(inv.Lines)
	return &cp, nil
}

func (s *MemoryStore) AccruePoints(_ context.Context, owner domain.OwnerKey, points int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, _ := s.accruePoints(owner, points)
	return balance, nil
}

// unlocked helpers; callers hold s.mu

func cloneCart(c *domain.Cart) *domain.Cart {
	cp := *c
	cp.Items = slices.Clone(c.Items)
	return &cp
}

func cloneOrder(o *domain.Order) *domain.Order {
	cp := *o
	cp.Items = slices.Clone(o.Items)
	return &cp
}

func clonePayment(p *domain.Payment) *domain.Payment {
	cp := *p
	cp.GatewayReferenceIDs = maps.Clone(p.GatewayReferenceIDs)
	cp.Meta = maps.Clone(p.Meta)
	return &cp
}

func (s *MemoryStore) getCart(owner domain.OwnerKey) (*domain.Cart, error) {
	cart, ok := s.carts[owner.String()]
	if !ok {
		return nil, ErrCartNotFound
	}
	cp := cloneCart(cart)
	cp.Items = cart.ValidItems()
	return cp, nil
}

func (s *MemoryStore) upsertCart(cart *domain.Cart) func() {
	key := cart.Owner.String()
	prev, existed := s.carts[key]

	now := s.now()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now
	stored := cloneCart(cart)
	stored.Items = cart.ValidItems()
	s.carts[key] = stored

	return func() {
		if existed {
			s.carts[key] = prev
		} else {
			delete(s.carts, key)
		}
	}
}

func (s *MemoryStore) deleteCart(owner domain.OwnerKey) (bool, func()) {
	key := owner.String()
	prev, ok := s.carts[key]
	if !ok {
		return false, func() {}
	}
	delete(s.carts, key)
	return true, func() { s.carts[key] = prev }
}

func (s *MemoryStore) getInventory(productID string) (*domain.InventoryRecord, error) {
	rec, ok := s.inventory[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) conditionalDecrement(productID string, quantity int) (bool, func()) {
	rec, ok := s.inventory[productID]
	if !ok || quantity <= 0 || rec.AvailableQuantity < quantity {
		return false, func() {}
	}
	prev := *rec
	rec.AvailableQuantity -= quantity
	rec.UpdatedAt = s.now()
	return true, func() { *rec = prev }
}

func (s *MemoryStore) increment(productID string, quantity int) (func(), error) {
	rec, ok := s.inventory[productID]
	if !ok {
		return func() {}, ErrProductNotFound
	}
	prev := *rec
	rec.AvailableQuantity += quantity
	rec.UpdatedAt = s.now()
	return func() { *rec = prev }, nil
}

func (s *MemoryStore) setStock(record domain.InventoryRecord) func() {
	prev, existed := s.inventory[record.ProductID]
	record.UpdatedAt = s.now()
	s.inventory[record.ProductID] = &record
	return func() {
		if existed {
			s.inventory[record.ProductID] = prev
		} else {
			delete(s.inventory, record.ProductID)
		}
	}
}

func (s *MemoryStore) insertOrder(order *domain.Order) (func(), error) {
	if _, exists := s.orders[order.ID]; exists {
		return func() {}, ErrDuplicate
	}
	s.orders[order.ID] = cloneOrder(order)
	return func() { delete(s.orders, order.ID) }, nil
}

func (s *MemoryStore) getOrder(orderID string) (*domain.Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (s *MemoryStore) listOrdersByOwner(owner domain.OwnerKey) []domain.Order {
	result := make([]domain.Order, 0)
	for _, order := range s.orders {
		if order.Owner == owner {
			result = append(result, *cloneOrder(order))
		}
	}
	slices.SortFunc(result, func(a, b domain.Order) int {
		return b.PlacedAt.Compare(a.PlacedAt)
	})
	return result
}

func (s *MemoryStore) updateOrderStatus(orderID string, status domain.OrderStatus, at time.Time) (func(), error) {
	order, ok := s.orders[orderID]
	if !ok {
		return func() {}, ErrOrderNotFound
	}
	prevStatus, prevUpdated := order.Status, order.UpdatedAt
	order.Status = status
	order.UpdatedAt = at
	return func() {
		order.Status = prevStatus
		order.UpdatedAt = prevUpdated
	}, nil
}

func (s *MemoryStore) insertPayment(payment *domain.Payment) (func(), error) {
	if _, exists := s.payments[payment.OrderID]; exists {
		return func() {}, ErrDuplicate
	}
	s.payments[payment.OrderID] = clonePayment(payment)
	return func() { delete(s.payments, payment.OrderID) }, nil
}

func (s *MemoryStore) getPaymentByOrder(orderID string) (*domain.Payment, error) {
	payment, ok := s.payments[orderID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(payment), nil
}

func (s *MemoryStore) deleteOrder(orderID string) func() {
	order, hadOrder := s.orders[orderID]
	payment, hadPayment := s.payments[orderID]
	delete(s.orders, orderID)
	delete(s.payments, orderID)
	return func() {
		if hadOrder {
			s.orders[orderID] = order
		}
		if hadPayment {
			s.payments[orderID] = payment
		}
	}
}

func (s *MemoryStore) saveInvoice(invoice *domain.Invoice) (func(), error) {
	if _, exists := s.invoices[invoice.OrderID]; exists {
		return func() {}, ErrDuplicate
	}
	cp := *invoice
	cp.Lines = slices.Clone(invoice.Lines)
	s.invoices[invoice.OrderID] = &cp
	return func() { delete(s.invoices, invoice.OrderID) }, nil
}

func (s *MemoryStore) accruePoints(owner domain.OwnerKey, points int64) (int64, func()) {
	key := owner.String()
	prev, existed := s.loyalty[key]
	s.loyalty[key] = prev + points
	return s.loyalty[key], func() {
		if existed {
			s.loyalty[key] = prev
		} else {
			delete(s.loyalty, key)
		}
	}
}

// memoryTx applies writes directly and keeps an undo log. The store mutex is
// held for the whole callback.
type memoryTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memoryTx) Transactional() bool { return true }

func (t *memoryTx) OnRollback(string, func(ctx context.Context) error) {}

func (t *memoryTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

func (t *memoryTx) GetCart(_ context.Context, owner domain.OwnerKey) (*domain.Cart, error) {
	return t.s.getCart(owner)
}

func (t *memoryTx) UpsertCart(_ context.Context, cart *domain.Cart) error {
	t.undo = append(t.undo, t.s.upsertCart(cart))
	return nil
}

func (t *memoryTx) DeleteCart(_ context.Context, owner domain.OwnerKey) (bool, error) {
	deleted, undo := t.s.deleteCart(owner)
	t.undo = append(t.undo, undo)
	return deleted, nil
}

func (t *memoryTx) GetInventory(_ context.Context, productID string) (*domain.InventoryRecord, error) {
	return t.s.getInventory(productID)
}

func (t *memoryTx) ConditionalDecrement(_ context.Context, productID string, quantity int) (bool, error) {
	ok, undo := t.s.conditionalDecrement(productID, quantity)
	t.undo = append(t.undo, undo)
	return ok, nil
}

func (t *memoryTx) Increment(_ context.Context, productID string, quantity int) error {
	undo, err := t.s.increment(productID, quantity)
	t.undo = append(t.undo, undo)
	return err
}

func (t *memoryTx) SetStock(_ context.Context, record domain.InventoryRecord) error {
	if err := checkStock(record); err != nil {
		return err
	}
	t.undo = append(t.undo, t.s.setStock(record))
	return nil
}

func (t *memoryTx) InsertOrder(_ context.Context, order *domain.Order) error {
	undo, err := t.s.insertOrder(order)
	t.undo = append(t.undo, undo)
	return err
}

func (t *memoryTx) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	return t.s.getOrder(orderID)
}

func (t *memoryTx) ListOrdersByOwner(_ context.Context, owner domain.OwnerKey) ([]domain.Order, error) {
	return t.s.listOrdersByOwner(owner), nil
}

func (t *memoryTx) UpdateOrderStatus(_ context.Context, orderID string, status domain.OrderStatus, at time.Time) error {
	undo, err := t.s.updateOrderStatus(orderID, status, at)
	t.undo = append(t.undo, undo)
	return err
}

func (t *memoryTx) InsertPayment(_ context.Context, payment *domain.Payment) error {
	undo, err := t.s.insertPayment(payment)
	t.undo = append(t.undo, undo)
	return err
}

func (t *memoryTx) GetPaymentByOrder(_ context.Context, orderID string) (*domain.Payment, error) {
	return t.s.getPaymentByOrder(orderID)
}

func (t *memoryTx) DeleteOrder(_ context.Context, orderID string) error {
	t.undo = append(t.undo, t.s.deleteOrder(orderID))
	return nil
}

func (t *memoryTx) SaveInvoice(_ context.Context, invoice *domain.Invoice) error {
	undo, err := t.s.saveInvoice(invoice)
	t.undo = append(t.undo, undo)
	return err
}

func (t *memoryTx) GetInvoiceByOrder(_ context.Context, orderID string) (*domain.Invoice, error) {
	inv, ok := t.s.invoices[orderID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (t *memoryTx) AccruePoints(_ context.Context, owner domain.OwnerKey, points int64) (int64, error) {
	balance, undo := t.s.accruePoints(owner, points)
	t.undo = append(t.undo, undo)
	return balance, nil
}

// MemoryUnitOfWork serializes units of work on the store mutex and rolls back
// through the undo log.
type MemoryUnitOfWork struct {
	store *MemoryStore
}

func NewMemoryUnitOfWork(store *MemoryStore) *MemoryUnitOfWork {
	return &MemoryUnitOfWork{store: store}
}

func (u *MemoryUnitOfWork) Mode() Mode { return ModeTransactional }

func (u *MemoryUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	tx := &memoryTx{s: u.store}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}
