package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/repository"
)

// MockDispatcher records the side effects CreateOrder and
// TransitionOrderStatus would have started.
type MockDispatcher struct {
	mu       sync.Mutex
	Placed   []domain.Order
	Changed  []domain.Order
	Previous []domain.OrderStatus
}

func (m *MockDispatcher) OrderPlaced(_ context.Context, order domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Placed = append(m.Placed, order)
}

func (m *MockDispatcher) StatusChanged(_ context.Context, order domain.Order, previous domain.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Changed = append(m.Changed, order)
	m.Previous = append(m.Previous, previous)
}

// MockCartCache records invalidated owners.
type MockCartCache struct {
	Invalidated []domain.OwnerKey
	Err         error
}

func (m *MockCartCache) Invalidate(_ context.Context, owner domain.OwnerKey) error {
	m.Invalidated = append(m.Invalidated, owner)
	return m.Err
}

var errPaymentLedgerDown = errors.New("payment ledger down")

// failingPayments rejects every payment insert.
type failingPayments struct {
	*repository.MemoryStore
}

func (f failingPayments) InsertPayment(context.Context, *domain.Payment) error {
	return errPaymentLedgerDown
}

// unavailableInventory fails every inventory read.
type unavailableInventory struct {
	*repository.MemoryStore
}

func (u unavailableInventory) GetInventory(context.Context, string) (*domain.InventoryRecord, error) {
	return nil, errors.Join(repository.ErrStorageUnavailable, errors.New("connection refused"))
}

// staleInventory answers the first read of each listed product with a stale
// stock level, as a replica lagging behind a concurrent buyer would. Later
// reads and every write go to the real store, so the reservation refuses a
// line that validation accepted.
type staleInventory struct {
	*repository.MemoryStore
	mu    sync.Mutex
	stale map[string]int
}

func (s *staleInventory) GetInventory(ctx context.Context, productID string) (*domain.InventoryRecord, error) {
	s.mu.Lock()
	qty, ok := s.stale[productID]
	delete(s.stale, productID)
	s.mu.Unlock()
	if ok {
		return &domain.InventoryRecord{ProductID: productID, AvailableQuantity: qty}, nil
	}
	return s.MemoryStore.GetInventory(ctx, productID)
}

// rejectingOrders fails every order insert the way a CHECK constraint would.
type rejectingOrders struct {
	*repository.MemoryStore
}

func (r rejectingOrders) InsertOrder(context.Context, *domain.Order) error {
	return fmt.Errorf("failed to insert order: %w: value too long for type character varying(3)", repository.ErrConstraintViolation)
}
