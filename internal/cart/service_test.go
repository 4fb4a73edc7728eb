package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCache struct {
	m        sync.Mutex
	carts    map[string]*domain.Cart
	versions map[string]int64
	deletes  int
	err      error
}

func newMockCache() *mockCache {
	return &mockCache{carts: map[string]*domain.Cart{}, versions: map[string]int64{}}
}

func (m *mockCache) Get(_ context.Context, owner domain.OwnerKey) (*domain.Cart, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if c, ok := m.carts[owner.String()]; ok {
		return c, nil
	}
	return nil, ErrCacheMiss
}

func (m *mockCache) Version(_ context.Context, owner domain.OwnerKey) (int64, error) {
	m.m.Lock()
	defer m.m.Unlock()
	return m.versions[owner.String()], nil
}

func (m *mockCache) Set(_ context.Context, owner domain.OwnerKey, cart *domain.Cart, version int64) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.versions[owner.String()] != version {
		return ErrStaleFill
	}
	m.carts[owner.String()] = cart
	return nil
}

func (m *mockCache) Delete(_ context.Context, owner domain.OwnerKey) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.deletes++
	m.versions[owner.String()]++
	delete(m.carts, owner.String())
	return nil
}

func (m *mockCache) cached(owner domain.OwnerKey) bool {
	m.m.Lock()
	defer m.m.Unlock()
	_, ok := m.carts[owner.String()]
	return ok
}

// countingStore counts cart reads that reach the store and runs afterRead
// once each read completes.
type countingStore struct {
	*repository.MemoryStore
	reads     atomic.Int32
	delay     time.Duration
	afterRead func()
}

func (c *countingStore) GetCart(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error) {
	c.reads.Add(1)
	time.Sleep(c.delay)
	cart, err := c.MemoryStore.GetCart(ctx, owner)
	if c.afterRead != nil {
		c.afterRead()
	}
	return cart, err
}

// newCatalog returns a store holding priced products p1..p3 and an unpriced
// product "draft".
func newCatalog(t *testing.T) *repository.MemoryStore {
	t.Helper()
	store := repository.NewMemoryStore()
	for i, price := range []string{"100", "250.50", "75"} {
		require.NoError(t, store.SetStock(context.Background(), domain.InventoryRecord{
			ProductID:         fmt.Sprintf("p%d", i+1),
			DisplayName:       fmt.Sprintf("Product %d", i+1),
			UnitPrice:         decimal.RequireFromString(price),
			AvailableQuantity: 1000,
		}))
	}
	require.NoError(t, store.SetStock(context.Background(), domain.InventoryRecord{ProductID: "draft", AvailableQuantity: 5}))
	return store
}

func item(productID string, qty int) domain.CartItem {
	return domain.CartItem{ProductID: productID, Quantity: qty, UnitPrice: decimal.NewFromInt(100)}
}

func TestAddItem_MergesLines(t *testing.T) {
	store := newCatalog(t)
	cache := newMockCache()
	svc := NewCartService(store, store, cache, nil)
	ctx := context.Background()
	owner := domain.UserOwner("42")

	_, err := svc.AddItem(ctx, owner, "p1", 2)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, owner, "p2", 1)
	require.NoError(t, err)
	cart, err := svc.AddItem(ctx, owner, "p1", 3)
	require.NoError(t, err)

	require.Len(t, cart.Items, 2)
	assert.Equal(t, 5, cart.Items[0].Quantity)
	assert.NotEmpty(t, cart.ID)

	stored, err := store.GetCart(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, cart.ID, stored.ID)
	assert.Equal(t, 5, stored.Items[0].Quantity)
	assert.Equal(t, 3, cache.deletes)
}

func TestAddItem_SnapshotsCatalogPrice(t *testing.T) {
	store := newCatalog(t)
	svc := NewCartService(store, store, nil, nil)
	ctx := context.Background()
	owner := domain.UserOwner("42")

	cart, err := svc.AddItem(ctx, owner, "p2", 1)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.True(t, decimal.RequireFromString("250.50").Equal(cart.Items[0].UnitPrice))
	assert.Equal(t, "Product 2", cart.Items[0].DisplayName)

	// a later price change leaves the snapshot alone
	require.NoError(t, store.SetStock(ctx, domain.InventoryRecord{
		ProductID: "p2", UnitPrice: decimal.NewFromInt(999), AvailableQuantity: 10,
	}))
	cart, err = svc.AddItem(ctx, owner, "p2", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, cart.Items[0].Quantity)
	assert.True(t, decimal.RequireFromString("250.50").Equal(cart.Items[0].UnitPrice))
}

func TestAddItem_RejectsBadInput(t *testing.T) {
	store := newCatalog(t)
	svc := NewCartService(store, store, nil, nil)
	owner := domain.UserOwner("42")
	ctx := context.Background()

	_, err := svc.AddItem(ctx, owner, "p1", 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.AddItem(ctx, owner, "p1", -3)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.AddItem(ctx, owner, "p1", MaxLineQuantity+1)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.AddItem(ctx, owner, "", 1)
	assert.ErrorIs(t, err, ErrInvalidItem)
	_, err = svc.AddItem(ctx, owner, "unknown", 1)
	assert.ErrorIs(t, err, repository.ErrProductNotFound)
	_, err = svc.AddItem(ctx, owner, "draft", 1)
	assert.ErrorIs(t, err, ErrNotForSale)

	_, err = store.GetCart(ctx, owner)
	assert.ErrorIs(t, err, repository.ErrCartNotFound, "rejected adds never create a cart")
}

func TestAddItem_MergeRespectsLineCap(t *testing.T) {
	store := newCatalog(t)
	svc := NewCartService(store, store, nil, nil)
	ctx := context.Background()
	owner := domain.UserOwner("42")

	_, err := svc.AddItem(ctx, owner, "p1", 60)
	require.NoError(t, err)

	_, err = svc.AddItem(ctx, owner, "p1", 50)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	stored, err := store.GetCart(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 60, stored.Items[0].Quantity)

	cart, err := svc.AddItem(ctx, owner, "p1", 39)
	require.NoError(t, err)
	assert.Equal(t, MaxLineQuantity, cart.Items[0].Quantity)
}

func TestAddItem_ConcurrentAddsAreSerialized(t *testing.T) {
	store := newCatalog(t)
	svc := NewCartService(store, store, newMockCache(), nil)
	ctx := context.Background()
	owners := []domain.OwnerKey{domain.UserOwner("42"), domain.SessionOwner("sess-1")}

	var wg sync.WaitGroup
	for _, owner := range owners {
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.AddItem(ctx, owner, "p1", 1)
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	for _, owner := range owners {
		stored, err := store.GetCart(ctx, owner)
		require.NoError(t, err)
		require.Len(t, stored.Items, 1)
		assert.Equal(t, 20, stored.Items[0].Quantity, owner.String())
	}
}

func TestUpdateAndRemove(t *testing.T) {
	store := newCatalog(t)
	svc := NewCartService(store, store, newMockCache(), nil)
	ctx := context.Background()
	owner := domain.SessionOwner("sess-1")

	_, err := svc.UpdateQuantity(ctx, owner, "p1", 2)
	assert.ErrorIs(t, err, repository.ErrCartNotFound)

	_, err = svc.AddItem(ctx, owner, "p1", 1)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, owner, "p2", 1)
	require.NoError(t, err)

	cart, err := svc.UpdateQuantity(ctx, owner, "p1", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, cart.Items[0].Quantity)

	_, err = svc.UpdateQuantity(ctx, owner, "p1", 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.UpdateQuantity(ctx, owner, "p1", MaxLineQuantity+1)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.UpdateQuantity(ctx, owner, "missing", 1)
	assert.ErrorIs(t, err, repository.ErrItemNotFound)

	cart, err = svc.RemoveItem(ctx, owner, "p1")
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, "p2", cart.Items[0].ProductID)

	_, err = svc.RemoveItem(ctx, owner, "p1")
	assert.ErrorIs(t, err, repository.ErrItemNotFound)
}

func TestGetCart_EmptyWhenMissing(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := NewCartService(store, store, newMockCache(), nil)
	owner := domain.UserOwner("42")

	cart, err := svc.GetCart(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, owner, cart.Owner)
	assert.Empty(t, cart.Items)
}

func TestGetCart_FillsCache(t *testing.T) {
	store := repository.NewMemoryStore()
	cache := newMockCache()
	svc := NewCartService(store, store, cache, nil)
	ctx := context.Background()
	owner := domain.UserOwner("42")
	require.NoError(t, store.UpsertCart(ctx, &domain.Cart{ID: "c1", Owner: owner, Items: []domain.CartItem{item("p1", 1)}}))

	cart, err := svc.GetCart(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "c1", cart.ID)
	assert.Eventually(t, func() bool { return cache.cached(owner) }, time.Second, 10*time.Millisecond)
}

func TestGetCart_InvalidationDuringReadSkipsFill(t *testing.T) {
	cache := newMockCache()
	owner := domain.UserOwner("42")
	store := &countingStore{MemoryStore: repository.NewMemoryStore()}
	// checkout consumes the cart right after this read
	store.afterRead = func() { _ = cache.Delete(context.Background(), owner) }
	require.NoError(t, store.UpsertCart(context.Background(), &domain.Cart{ID: "c1", Owner: owner, Items: []domain.CartItem{item("p1", 1)}}))
	svc := NewCartService(store, store, cache, nil)

	cart, err := svc.GetCart(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, "c1", cart.ID)
	assert.Never(t, func() bool { return cache.cached(owner) }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestGetCart_CacheErrorFallsBackToStore(t *testing.T) {
	store := repository.NewMemoryStore()
	cache := newMockCache()
	cache.err = errors.New("redis down")
	svc := NewCartService(store, store, cache, nil)
	ctx := context.Background()
	owner := domain.UserOwner("42")
	require.NoError(t, store.UpsertCart(ctx, &domain.Cart{ID: "c1", Owner: owner, Items: []domain.CartItem{item("p1", 1)}}))

	cart, err := svc.GetCart(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "c1", cart.ID)
}

func TestGetCart_CoalescesConcurrentMisses(t *testing.T) {
	store := &countingStore{MemoryStore: repository.NewMemoryStore(), delay: 50 * time.Millisecond}
	owner := domain.UserOwner("42")
	require.NoError(t, store.UpsertCart(context.Background(), &domain.Cart{ID: "c1", Owner: owner, Items: []domain.CartItem{item("p1", 1)}}))
	svc := NewCartService(store, store, NopCache{}, nil)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cart, err := svc.GetCart(context.Background(), owner)
			assert.NoError(t, err)
			assert.Equal(t, "c1", cart.ID)
		}()
	}
	wg.Wait()
	assert.Less(t, store.reads.Load(), int32(10))
}

func TestClearCart(t *testing.T) {
	store := newCatalog(t)
	cache := newMockCache()
	svc := NewCartService(store, store, cache, nil)
	ctx := context.Background()
	owner := domain.UserOwner("42")

	_, err := svc.AddItem(ctx, owner, "p1", 1)
	require.NoError(t, err)
	require.NoError(t, svc.ClearCart(ctx, owner))
	require.NoError(t, svc.ClearCart(ctx, owner), "clearing twice is fine")

	_, err = store.GetCart(ctx, owner)
	assert.ErrorIs(t, err, repository.ErrCartNotFound)
}
