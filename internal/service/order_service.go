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

// OrderStore is the persistence surface for the order aggregate.
// TransitionOrder must apply the status change, the timeline append and (for
// cancellations) the inventory release in one atomic unit, conditional on the
// expected current status.
type OrderStore interface {
	PlaceOrder(ctx context.Context, order *models.Order, cartID, cartVersion int64) error
	GetOrderByNumber(ctx context.Context, number string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error)
	TransitionOrder(ctx context.Context, number, from, to, note, actor, paymentStatus string, release bool) (*models.Order, error)
	OrderStats(ctx context.Context, from, to time.Time) (*models.OrderStats, error)
}

// transitions is the enforced status machine. A target absent from the
// current status's set is rejected, not merely logged.
var transitions = map[string]map[string]bool{
	models.OrderStatusPending:    {models.OrderStatusConfirmed: true, models.OrderStatusCancelled: true},
	models.OrderStatusConfirmed:  {models.OrderStatusProcessing: true, models.OrderStatusCancelled: true},
	models.OrderStatusProcessing: {models.OrderStatusShipped: true, models.OrderStatusCancelled: true},
	models.OrderStatusShipped:    {models.OrderStatusDelivered: true},
	models.OrderStatusDelivered:  {models.OrderStatusRefunded: true},
	models.OrderStatusCancelled:  {},
	models.OrderStatusRefunded:   {},
}

// customerCancellable are the only states a customer may cancel from.
// Later states require an administrator.
var customerCancellable = map[string]bool{
	models.OrderStatusPending:   true,
	models.OrderStatusConfirmed: true,
}

// CanTransition reports whether the status machine allows from → to.
func CanTransition(from, to string) bool {
	return transitions[from][to]
}

// OrderService drives the order aggregate through its status machine.
type OrderService struct {
	orders    OrderStore
	inventory *InventoryClient
	events    EventSink
	logger    *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(orders OrderStore, inventory *InventoryClient, events EventSink) *OrderService {
	return &OrderService{
		orders:    orders,
		inventory: inventory,
		events:    events,
		logger:    util.GetLogger(),
	}
}

// GetOrder retrieves an order. A non-admin caller only sees their own orders.
func (s *OrderService) GetOrder(ctx context.Context, number, userID string, admin bool) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.orders.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if !admin && order.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", number, models.ErrNotAuthorized)
	}
	return order, nil
}

// ListOrders retrieves a user's orders, newest first.
func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	return s.orders.ListOrdersByUser(ctx, userID)
}

// UpdateStatus applies a privileged status transition. Exactly one timeline
// entry is appended; moving to cancelled releases every line's reservation in
// the same transaction, and moving to refunded marks the payment refunded.
func (s *OrderService) UpdateStatus(ctx context.Context, number, newStatus, note, actor string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer span.End()

	order, err := s.orders.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if !CanTransition(order.Status, newStatus) {
		return nil, fmt.Errorf("order %s: %s -> %s: %w",
			number, order.Status, newStatus, models.ErrInvalidTransition)
	}

	return s.transition(ctx, order, newStatus, note, actor, "")
}

// Cancel is the customer-initiated cancellation, allowed from pending and
// confirmed only and only on the customer's own order.
func (s *OrderService) Cancel(ctx context.Context, number, userID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel")
	defer span.End()

	order, err := s.orders.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", number, models.ErrNotAuthorized)
	}
	if !customerCancellable[order.Status] {
		return nil, fmt.Errorf("order %s in %s: %w", number, order.Status, models.ErrInvalidTransition)
	}

	if reason == "" {
		reason = "cancelled by customer"
	}
	return s.transition(ctx, order, models.OrderStatusCancelled, reason, userID, "")
}

func (s *OrderService) transition(ctx context.Context, order *models.Order, to, note, actor, paymentStatus string) (*models.Order, error) {
	release := to == models.OrderStatusCancelled
	if to == models.OrderStatusRefunded {
		paymentStatus = models.PaymentStatusRefunded
	}

	updated, err := s.orders.TransitionOrder(ctx, order.Number, order.Status, to, note, actor, paymentStatus, release)
	if err != nil {
		if errors.Is(err, models.ErrConcurrencyConflict) {
			// Another transition won; surface it as an invalid move from the
			// caller's observed state.
			return nil, fmt.Errorf("order %s: %w", order.Number, models.ErrInvalidTransition)
		}
		return nil, err
	}

	util.OrderTransitionsTotal.WithLabelValues(order.Status, to).Inc()
	if release {
		util.OrdersCancelledTotal.Inc()
	}
	s.logger.Info("Order status changed",
		zap.String("order_number", order.Number),
		zap.String("from", order.Status),
		zap.String("to", to),
		zap.String("actor", actor))

	if release && s.inventory != nil {
		// The consumer resyncs too, but that only runs when events flow;
		// refresh the cached counts here so they never sit stale-low.
		for _, item := range updated.Items {
			if err := s.inventory.SyncProductToCache(ctx, item.ProductID); err != nil {
				s.logger.Error("Failed to resync cached inventory",
					zap.Int64("product_id", item.ProductID), zap.Error(err))
			}
		}
	}

	s.publishTransition(ctx, order, updated, to, note, actor)
	return updated, nil
}

func (s *OrderService) publishTransition(ctx context.Context, before, after *models.Order, to, note, actor string) {
	if s.events == nil {
		return
	}
	base := models.BaseEvent{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}

	if to == models.OrderStatusCancelled {
		base.EventType = models.EventTypeOrderCancelled
		event := &models.OrderCancelledEvent{
			BaseEvent:   base,
			OrderNumber: after.Number,
			UserID:      after.UserID,
			Reason:      note,
			Items:       eventItems(after.Items),
		}
		if err := s.events.PublishOrderCancelled(ctx, event); err != nil {
			s.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
		}
		return
	}

	base.EventType = models.EventTypeOrderStatusChanged
	event := &models.OrderStatusChangedEvent{
		BaseEvent:   base,
		OrderNumber: after.Number,
		From:        before.Status,
		To:          to,
		Actor:       actor,
		Note:        note,
	}
	if err := s.events.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}
}

// Stats aggregates orders over [from, to) for the admin dashboard.
func (s *OrderService) Stats(ctx context.Context, from, to time.Time) (*models.OrderStats, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Stats")
	defer span.End()

	return s.orders.OrderStats(ctx, from, to)
}
