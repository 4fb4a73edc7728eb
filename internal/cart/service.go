// Package cart keeps the buyer's cart in the store with a Redis read cache
// in front of it.
package cart

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// MaxLineQuantity caps the quantity of a single cart line.
const MaxLineQuantity = 99

var (
	ErrInvalidQuantity = fmt.Errorf("quantity must be between 1 and %d", MaxLineQuantity)
	ErrInvalidItem     = errors.New("product id is required")
	ErrNotForSale      = errors.New("product has no price and cannot be sold")
)

// PriceSource is the catalog a new cart line takes its price and name from.
// The inventory store satisfies it.
type PriceSource interface {
	GetInventory(ctx context.Context, productID string) (*domain.InventoryRecord, error)
}

const lockStripes = 64

type CartService struct {
	repo   repository.CartStore
	prices PriceSource
	cache  Cache
	log    *zap.Logger
	sfg    singleflight.Group // prevents cache stampede

	// writes are read-modify-write on the whole cart; owners hash onto a
	// fixed set of mutexes
	locks [lockStripes]sync.Mutex
	now   func() time.Time
}

func NewCartService(repo repository.CartStore, prices PriceSource, cache Cache, log *zap.Logger) *CartService {
	if cache == nil {
		cache = NopCache{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CartService{
		repo:   repo,
		prices: prices,
		cache:  cache,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *CartService) GetCart(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error) {
	v, err, _ := s.sfg.Do(owner.String(), func() (interface{}, error) {
		cart, err := s.cache.Get(ctx, owner)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			s.log.Warn("cache get error", zap.String("owner", owner.String()), zap.Error(err))
		}

		// read the version before the store so an invalidation landing
		// after the read makes the fill below a no-op
		version, verr := s.cache.Version(ctx, owner)
		if verr != nil {
			s.log.Warn("cache version error", zap.String("owner", owner.String()), zap.Error(verr))
		}

		cart, err = s.repo.GetCart(ctx, owner)
		if errors.Is(err, repository.ErrCartNotFound) {
			now := s.now()
			return &domain.Cart{Owner: owner, CreatedAt: now, UpdatedAt: now}, nil
		}
		if err != nil {
			return nil, err
		}

		if verr == nil {
			go s.fill(owner, cart, version)
		}
		return cart, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Cart), nil
}

func (s *CartService) fill(owner domain.OwnerKey, cart *domain.Cart, version int64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.cache.Set(ctx, owner, cart, version)
	switch {
	case errors.Is(err, ErrStaleFill):
		s.log.Debug("skipped stale cache fill", zap.String("owner", owner.String()))
	case err != nil:
		s.log.Warn("cache set error", zap.String("owner", owner.String()), zap.Error(err))
	}
}

func (s *CartService) lock(owner domain.OwnerKey) func() {
	h := fnv.New32a()
	h.Write([]byte(owner.String()))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// modify loads the stored cart, applies fn and writes it back.
func (s *CartService) modify(ctx context.Context, owner domain.OwnerKey, create bool, fn func(cart *domain.Cart) error) (*domain.Cart, error) {
	unlock := s.lock(owner)
	defer unlock()

	now := s.now()
	cart, err := s.repo.GetCart(ctx, owner)
	switch {
	case errors.Is(err, repository.ErrCartNotFound) && create:
		cart = &domain.Cart{ID: uuid.NewString(), Owner: owner, CreatedAt: now}
	case err != nil:
		return nil, err
	}

	if err := fn(cart); err != nil {
		return nil, err
	}
	cart.UpdatedAt = now
	if err := s.repo.UpsertCart(ctx, cart); err != nil {
		return nil, fmt.Errorf("failed to save cart: %w", err)
	}
	s.invalidate(owner)
	return cart, nil
}

// AddItem puts a product into the cart, adding to the quantity of an
// existing line for the same product. Price and name are taken from the
// catalog when the line is created.
func (s *CartService) AddItem(ctx context.Context, owner domain.OwnerKey, productID string, quantity int) (*domain.Cart, error) {
	if productID == "" {
		return nil, ErrInvalidItem
	}
	if quantity <= 0 || quantity > MaxLineQuantity {
		return nil, ErrInvalidQuantity
	}

	rec, err := s.prices.GetInventory(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !rec.UnitPrice.IsPositive() {
		return nil, fmt.Errorf("%s: %w", productID, ErrNotForSale)
	}

	return s.modify(ctx, owner, true, func(cart *domain.Cart) error {
		for i := range cart.Items {
			if cart.Items[i].ProductID != productID {
				continue
			}
			merged := cart.Items[i].Quantity + quantity
			if merged > MaxLineQuantity {
				return fmt.Errorf("%w: line would hold %d", ErrInvalidQuantity, merged)
			}
			cart.Items[i].Quantity = merged
			return nil
		}
		cart.Items = append(cart.Items, domain.CartItem{
			ProductID:   productID,
			Quantity:    quantity,
			UnitPrice:   rec.UnitPrice,
			DisplayName: rec.DisplayName,
			AddedAt:     s.now(),
		})
		return nil
	})
}

func (s *CartService) UpdateQuantity(ctx context.Context, owner domain.OwnerKey, productID string, quantity int) (*domain.Cart, error) {
	if quantity <= 0 || quantity > MaxLineQuantity {
		return nil, ErrInvalidQuantity
	}
	return s.modify(ctx, owner, false, func(cart *domain.Cart) error {
		for i := range cart.Items {
			if cart.Items[i].ProductID == productID {
				cart.Items[i].Quantity = quantity
				return nil
			}
		}
		return repository.ErrItemNotFound
	})
}

func (s *CartService) RemoveItem(ctx context.Context, owner domain.OwnerKey, productID string) (*domain.Cart, error) {
	return s.modify(ctx, owner, false, func(cart *domain.Cart) error {
		for i, item := range cart.Items {
			if item.ProductID == productID {
				cart.Items = append(cart.Items[:i], cart.Items[i+1:]...)
				return nil
			}
		}
		return repository.ErrItemNotFound
	})
}

func (s *CartService) ClearCart(ctx context.Context, owner domain.OwnerKey) error {
	unlock := s.lock(owner)
	defer unlock()

	if _, err := s.repo.DeleteCart(ctx, owner); err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	s.invalidate(owner)
	return nil
}

func (s *CartService) invalidate(owner domain.OwnerKey) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, owner); err != nil {
		s.log.Warn("cache invalidate error", zap.String("owner", owner.String()), zap.Error(err))
	}
}
