package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopline/cartledger/internal/models"
	"github.com/shopline/cartledger/internal/util"

	"go.uber.org/zap"
)

// CartStore is the persistence surface the cart aggregate needs. SaveCart
// must check-and-increment a version so concurrent writes cannot be lost.
type CartStore interface {
	GetCartByUser(ctx context.Context, userID string) (*models.Cart, error)
	CreateCart(ctx context.Context, cart *models.Cart) error
	SaveCart(ctx context.Context, cart *models.Cart) error
}

// ProductStore is the read-only catalog surface.
type ProductStore interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]*models.Product, error)
}

// CartCache caches cart snapshots for cheap repeat reads; may be nil.
type CartCache interface {
	CacheCart(ctx context.Context, userID string, snapshot interface{}, ttl time.Duration) error
	GetCachedCart(ctx context.Context, userID string, dst interface{}) (bool, error)
	InvalidateCart(ctx context.Context, userID string) error
}

const (
	casRetries = 3

	// cartCacheTTL bounds staleness if an invalidation is ever lost.
	cartCacheTTL = 5 * time.Minute
)

// CartService implements the cart aggregate: per-user basket mutations with
// derived totals recomputed on every read.
type CartService struct {
	carts    CartStore
	products ProductStore
	coupons  CouponLookup
	cache    CartCache
	cartTTL  time.Duration
	taxBps   int64
	logger   *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(carts CartStore, products ProductStore, coupons CouponLookup, cache CartCache, cartTTL time.Duration, taxBps int64) *CartService {
	return &CartService{
		carts:    carts,
		products: products,
		coupons:  coupons,
		cache:    cache,
		cartTTL:  cartTTL,
		taxBps:   taxBps,
		logger:   util.GetLogger(),
	}
}

// CartView is a cart snapshot plus its derived totals.
type CartView struct {
	Cart   *models.Cart      `json:"cart"`
	Totals models.CartTotals `json:"totals"`
}

func (s *CartService) view(cart *models.Cart) *CartView {
	return &CartView{Cart: cart, Totals: cart.Totals()}
}

// GetCart returns the user's cart, creating it lazily on first access.
// Snapshots are served from the cache when present; every write invalidates.
func (s *CartService) GetCart(ctx context.Context, userID string) (*CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.GetCart")
	defer span.End()

	if s.cache != nil {
		var cached CartView
		found, err := s.cache.GetCachedCart(ctx, userID, &cached)
		if err != nil {
			s.logger.Warn("Cart cache read failed",
				zap.String("user_id", userID), zap.Error(err))
		} else if found {
			return &cached, nil
		}
	}

	cart, err := s.getOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	view := s.view(cart)

	if s.cache != nil {
		if err := s.cache.CacheCart(ctx, userID, view, cartCacheTTL); err != nil {
			s.logger.Warn("Cart cache write failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
	return view, nil
}

func (s *CartService) getOrCreate(ctx context.Context, userID string) (*models.Cart, error) {
	cart, err := s.carts.GetCartByUser(ctx, userID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	cart = &models.Cart{
		UserID:     userID,
		TaxRateBps: s.taxBps,
		ExpiresAt:  time.Now().UTC().Add(s.cartTTL),
	}
	if createErr := s.carts.CreateCart(ctx, cart); createErr != nil {
		if errors.Is(createErr, models.ErrConcurrencyConflict) {
			// Another request created it first.
			return s.carts.GetCartByUser(ctx, userID)
		}
		return nil, createErr
	}
	return cart, nil
}

// mutate runs fn against a fresh copy of the cart and saves the result,
// retrying on version conflicts. Every mutation refreshes the cart expiry.
func (s *CartService) mutate(ctx context.Context, userID string, fn func(*models.Cart) error) (*CartView, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		cart, err := s.getOrCreate(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := fn(cart); err != nil {
			return nil, err
		}
		cart.ExpiresAt = time.Now().UTC().Add(s.cartTTL)

		err = s.carts.SaveCart(ctx, cart)
		if err == nil {
			if s.cache != nil {
				if err := s.cache.InvalidateCart(ctx, userID); err != nil {
					s.logger.Warn("Failed to invalidate cart cache",
						zap.String("user_id", userID), zap.Error(err))
				}
			}
			return s.view(cart), nil
		}
		if !errors.Is(err, models.ErrConcurrencyConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// AddItem merges qty units of (product, variant) into the cart: an existing
// line sums quantities and refreshes its added-at, otherwise a new line is
// appended. The unit price is snapshotted from the catalog at add time.
func (s *CartService) AddItem(ctx context.Context, userID string, productID int64, variant models.Variant, qty int) (*CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.AddItem")
	defer span.End()

	if qty < 1 {
		return nil, fmt.Errorf("add item: %w", models.ErrInvalidQuantity)
	}

	product, err := s.products.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.Active {
		return nil, fmt.Errorf("product %d inactive: %w", productID, models.ErrProductUnavailable)
	}

	view, err := s.mutate(ctx, userID, func(cart *models.Cart) error {
		key := variant.Key()
		now := time.Now().UTC()
		if line := cart.FindItem(productID, key); line != nil {
			line.Quantity += qty
			line.AddedAt = now
			return nil
		}
		cart.Items = append(cart.Items, models.CartItem{
			ProductID:  productID,
			Variant:    variant,
			VariantKey: key,
			Quantity:   qty,
			UnitPrice:  product.Price,
			AddedAt:    now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	util.CartMutationsTotal.WithLabelValues("add_item").Inc()
	return view, nil
}

// SetItemQuantity replaces a line's quantity; zero removes the line. Negative
// quantities are rejected.
func (s *CartService) SetItemQuantity(ctx context.Context, userID string, itemID int64, qty int) (*CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.SetItemQuantity")
	defer span.End()

	if qty < 0 {
		return nil, fmt.Errorf("set quantity: %w", models.ErrInvalidQuantity)
	}
	if qty == 0 {
		return s.RemoveItem(ctx, userID, itemID)
	}

	view, err := s.mutate(ctx, userID, func(cart *models.Cart) error {
		for i := range cart.Items {
			if cart.Items[i].ID == itemID {
				cart.Items[i].Quantity = qty
				return nil
			}
		}
		return fmt.Errorf("cart item %d: %w", itemID, models.ErrNotFound)
	})
	if err != nil {
		return nil, err
	}
	util.CartMutationsTotal.WithLabelValues("set_quantity").Inc()
	return view, nil
}

// RemoveItem deletes the matching line. Removing an absent line is a no-op,
// so repeated removals are idempotent.
func (s *CartService) RemoveItem(ctx context.Context, userID string, itemID int64) (*CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.RemoveItem")
	defer span.End()

	view, err := s.mutate(ctx, userID, func(cart *models.Cart) error {
		for i := range cart.Items {
			if cart.Items[i].ID == itemID {
				cart.Items = append(cart.Items[:i], cart.Items[i+1:]...)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	util.CartMutationsTotal.WithLabelValues("remove_item").Inc()
	return view, nil
}

// ApplyCoupon validates the code and attaches it to the cart, overwriting any
// existing coupon. An empty cart cannot take a coupon.
func (s *CartService) ApplyCoupon(ctx context.Context, userID, code string) (*CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.ApplyCoupon")
	defer span.End()

	rule, err := s.coupons.Lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := ValidateRule(rule, now); err != nil {
		util.CouponApplicationsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("coupon %q: %w", code, err)
	}

	view, err := s.mutate(ctx, userID, func(cart *models.Cart) error {
		if len(cart.Items) == 0 {
			return fmt.Errorf("apply coupon: %w", models.ErrEmptyCart)
		}
		appliedAt := now
		cart.Coupon = models.Coupon{
			Code:          rule.Code,
			DiscountValue: rule.DiscountValue,
			DiscountType:  rule.DiscountType,
			AppliedAt:     &appliedAt,
			ExpiresAt:     rule.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	util.CouponApplicationsTotal.WithLabelValues("applied").Inc()
	return view, nil
}

// RemoveCoupon clears the coupon; a cart without one is left unchanged.
func (s *CartService) RemoveCoupon(ctx context.Context, userID string) (*CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.RemoveCoupon")
	defer span.End()

	return s.mutate(ctx, userID, func(cart *models.Cart) error {
		cart.Coupon = models.Coupon{}
		return nil
	})
}

// SetShipping records the selected shipping method and cost.
func (s *CartService) SetShipping(ctx context.Context, userID, method string, cost int64) (*CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.SetShipping")
	defer span.End()

	return s.mutate(ctx, userID, func(cart *models.Cart) error {
		cart.ShippingMethod = method
		cart.ShippingCost = cost
		return nil
	})
}

// Clear empties items and coupon. The cart row itself stays, keeping the
// shipping configuration for the user's next session.
func (s *CartService) Clear(ctx context.Context, userID string) (*CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.Clear")
	defer span.End()

	view, err := s.mutate(ctx, userID, func(cart *models.Cart) error {
		cart.Items = nil
		cart.Coupon = models.Coupon{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	util.CartMutationsTotal.WithLabelValues("clear").Inc()
	return view, nil
}
