package worker

import (
	"context"
	"time"

	"github.com/shopline/cartledger/internal/broker"
	"github.com/shopline/cartledger/internal/models"
	"github.com/shopline/cartledger/internal/service"
	"github.com/shopline/cartledger/internal/util"

	"go.uber.org/zap"
)

// EventLedger records which broker events were already handled, so redelivery
// after a consumer-group rebalance stays idempotent.
type EventLedger interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// OrderEventWorker consumes order events and keeps downstream state warm:
// cancelled orders trigger a cache resync for the released products.
type OrderEventWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	inventory    *service.InventoryClient
	ledger       EventLedger
	logger       *zap.Logger
}

// NewOrderEventWorker creates a new order event worker
func NewOrderEventWorker(consumer *broker.Consumer, inventory *service.InventoryClient, ledger EventLedger) *OrderEventWorker {
	w := &OrderEventWorker{
		consumer:  consumer,
		inventory: inventory,
		ledger:    ledger,
		logger:    util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnOrderCancelled(w.handleOrderCancelled)
	w.eventHandler = eventHandler
	return w
}

func (w *OrderEventWorker) handleOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	processed, err := w.ledger.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		w.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	for _, item := range event.Items {
		if err := w.inventory.SyncProductToCache(ctx, item.ProductID); err != nil {
			w.logger.Error("Failed to resync cached inventory",
				zap.Int64("product_id", item.ProductID), zap.Error(err))
		}
	}

	if err := w.ledger.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		w.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

// Start starts the worker
func (w *OrderEventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting order event worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *OrderEventWorker) Stop() error {
	w.logger.Info("Stopping order event worker")
	return w.consumer.Close()
}

// CartReaper removes carts whose expiry has passed.
type CartReaper interface {
	DeleteExpiredCarts(ctx context.Context) (int64, error)
}

// CartSweeper periodically reaps expired carts. The sweep only touches carts
// already past their expiry, so it is safe alongside live user traffic.
type CartSweeper struct {
	reaper   CartReaper
	interval time.Duration
	logger   *zap.Logger
}

// NewCartSweeper creates a new cart sweeper
func NewCartSweeper(reaper CartReaper, interval time.Duration) *CartSweeper {
	return &CartSweeper{
		reaper:   reaper,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *CartSweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting cart sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Cart sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *CartSweeper) sweep(ctx context.Context) {
	removed, err := s.reaper.DeleteExpiredCarts(ctx)
	if err != nil {
		s.logger.Error("Cart sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		util.CartsSweptTotal.Add(float64(removed))
		s.logger.Info("Swept expired carts", zap.Int64("removed", removed))
	}
}
