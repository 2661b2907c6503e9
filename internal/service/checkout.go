package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopline/cartledger/internal/models"
	"github.com/shopline/cartledger/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CheckoutLocker serializes a user's checkout attempts across instances;
// may be nil.
type CheckoutLocker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// EventSink publishes domain events after transactions commit; may be nil.
type EventSink interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
}

// CheckoutInput carries everything a checkout needs beyond the cart itself.
type CheckoutInput struct {
	ShippingAddress models.Address `json:"shipping_address" binding:"required"`
	BillingAddress  models.Address `json:"billing_address" binding:"required"`
	PaymentMethod   string         `json:"payment_method" binding:"required"`
	Currency        string         `json:"currency"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
}

// CheckoutService converts a cart into an order: validates every line,
// snapshots totals, and runs the reserve/create/clear critical section as one
// atomic unit.
type CheckoutService struct {
	carts     CartStore
	products  ProductStore
	orders    OrderStore
	inventory *InventoryClient
	events    EventSink
	locker    CheckoutLocker
	lockTTL   time.Duration
	logger    *zap.Logger
}

// NewCheckoutService creates a new checkout orchestrator
func NewCheckoutService(carts CartStore, products ProductStore, orders OrderStore, inventory *InventoryClient, events EventSink, locker CheckoutLocker, lockTTL time.Duration) *CheckoutService {
	return &CheckoutService{
		carts:     carts,
		products:  products,
		orders:    orders,
		inventory: inventory,
		events:    events,
		locker:    locker,
		lockTTL:   lockTTL,
		logger:    util.GetLogger(),
	}
}

// Checkout places an order from the user's current cart. Any failure leaves
// inventory, orders and the cart exactly as they were.
func (s *CheckoutService) Checkout(ctx context.Context, userID string, input *CheckoutInput) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout")
	defer span.End()

	start := time.Now()
	defer func() {
		util.CheckoutLatency.Observe(time.Since(start).Seconds())
	}()

	// A retried submission whose response was lost replays the original
	// order instead of failing on the already-cleared cart.
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = uuid.New().String()
	}
	existing, err := s.orders.GetOrderByIdempotencyKey(ctx, input.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.logger.Info("Duplicate checkout replayed",
			zap.String("idempotency_key", input.IdempotencyKey),
			zap.String("order_number", existing.Number))
		return existing, nil
	}

	if s.locker != nil {
		ok, err := s.locker.AcquireLock(ctx, "checkout:"+userID, s.lockTTL)
		if err != nil {
			s.logger.Warn("Checkout lock unavailable, relying on cart version",
				zap.String("user_id", userID), zap.Error(err))
		} else if !ok {
			util.CheckoutsFailedTotal.WithLabelValues("conflict").Inc()
			return nil, fmt.Errorf("checkout already in progress: %w", models.ErrConcurrencyConflict)
		} else {
			defer func() {
				// The request context may already be cancelled here; release
				// on a fresh one so the lock never sits until TTL.
				rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := s.locker.ReleaseLock(rctx, "checkout:"+userID); err != nil {
					s.logger.Warn("Failed to release checkout lock", zap.Error(err))
				}
			}()
		}
	}

	cart, err := s.carts.GetCartByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			util.CheckoutsFailedTotal.WithLabelValues("empty_cart").Inc()
			return nil, fmt.Errorf("checkout: %w", models.ErrEmptyCart)
		}
		return nil, err
	}
	if len(cart.Items) == 0 {
		util.CheckoutsFailedTotal.WithLabelValues("empty_cart").Inc()
		return nil, fmt.Errorf("checkout: %w", models.ErrEmptyCart)
	}

	productIDs := make([]int64, len(cart.Items))
	for i, item := range cart.Items {
		productIDs[i] = item.ProductID
	}
	products, err := s.products.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, err
	}

	for _, item := range cart.Items {
		product, ok := products[item.ProductID]
		if !ok || !product.Active {
			util.CheckoutsFailedTotal.WithLabelValues("product_unavailable").Inc()
			return nil, fmt.Errorf("product %d: %w", item.ProductID, models.ErrProductUnavailable)
		}
		available, err := s.inventory.IsAvailable(ctx, product, item.Quantity)
		if err != nil {
			return nil, err
		}
		if !available {
			util.CheckoutsFailedTotal.WithLabelValues("product_unavailable").Inc()
			return nil, fmt.Errorf("product %d: %w", item.ProductID, models.ErrProductUnavailable)
		}
	}

	totals := cart.Totals()
	total := totals.Total
	if total < 0 {
		// Discount exceeded subtotal; the order clamps at zero rather than
		// rejecting the coupon.
		total = 0
	}

	order := &models.Order{
		UserID:         userID,
		IdempotencyKey: input.IdempotencyKey,
		Subtotal:       totals.Subtotal,
		Tax:            totals.Tax,
		Shipping: models.Shipping{
			Method:  cart.ShippingMethod,
			Cost:    cart.ShippingCost,
			Address: input.ShippingAddress,
		},
		BillingAddress: input.BillingAddress,
		Payment: models.PaymentInfo{
			Method:   input.PaymentMethod,
			Status:   models.PaymentStatusPending,
			Amount:   total,
			Currency: input.Currency,
		},
		Discount: models.DiscountSnapshot{
			Code:   cart.Coupon.Code,
			Type:   cart.Coupon.DiscountType,
			Value:  cart.Coupon.DiscountValue,
			Amount: totals.DiscountAmount,
		},
		Total:  total,
		Status: models.OrderStatusPending,
		Timeline: []models.TimelineEntry{{
			Status:    models.OrderStatusPending,
			Note:      "order placed",
			Actor:     "system",
			CreatedAt: time.Now().UTC(),
		}},
	}
	for _, item := range cart.Items {
		order.Items = append(order.Items, models.OrderItem{
			ProductID:  item.ProductID,
			Variant:    item.Variant,
			VariantKey: item.VariantKey,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			LineTotal:  item.UnitPrice * int64(item.Quantity),
		})
	}

	// Cache-side reservations fail fast on oversell; the DB conditional
	// decrements inside PlaceOrder stay authoritative. Reservations taken
	// here are compensated if the transaction does not commit.
	reserved := make([]models.OrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		product := products[item.ProductID]
		if err := s.inventory.ReserveFast(ctx, product, item.Quantity); err != nil {
			s.compensateFastReservations(ctx, reserved)
			util.CheckoutsFailedTotal.WithLabelValues("out_of_stock").Inc()
			return nil, err
		}
		if product.TrackInventory {
			reserved = append(reserved, item)
		}
	}

	if err := s.orders.PlaceOrder(ctx, order, cart.ID, cart.Version); err != nil {
		s.compensateFastReservations(ctx, reserved)
		switch {
		case errors.Is(err, models.ErrOutOfStock):
			util.CheckoutsFailedTotal.WithLabelValues("out_of_stock").Inc()
		case errors.Is(err, models.ErrConcurrencyConflict):
			util.CheckoutsFailedTotal.WithLabelValues("conflict").Inc()
		default:
			util.CheckoutsFailedTotal.WithLabelValues("storage").Inc()
		}
		return nil, err
	}

	util.CheckoutsTotal.Inc()
	s.logger.Info("Order placed",
		zap.String("order_number", order.Number),
		zap.String("user_id", userID),
		zap.Int64("total", order.Total))

	if s.events != nil {
		event := &models.OrderPlacedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderPlaced,
				Timestamp: time.Now().UTC(),
			},
			OrderNumber: order.Number,
			UserID:      userID,
			Total:       order.Total,
			Items:       eventItems(order.Items),
		}
		if err := s.events.PublishOrderPlaced(ctx, event); err != nil {
			s.logger.Error("Failed to publish OrderPlaced event", zap.Error(err))
		}
	}

	return order, nil
}

func (s *CheckoutService) compensateFastReservations(ctx context.Context, reserved []models.OrderItem) {
	for _, item := range reserved {
		s.inventory.ReleaseFast(ctx, item.ProductID, item.Quantity)
	}
}

func eventItems(items []models.OrderItem) []models.OrderItemData {
	data := make([]models.OrderItemData, 0, len(items))
	for _, item := range items {
		data = append(data, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return data
}
