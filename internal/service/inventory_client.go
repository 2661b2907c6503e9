package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopline/cartledger/internal/models"
	"github.com/shopline/cartledger/internal/util"

	"go.uber.org/zap"
)

// InventoryStore is the ledger's persistence surface. Reserve and release are
// atomic per product: reserve fails cleanly when stock is insufficient.
type InventoryStore interface {
	GetInventory(ctx context.Context, productID int64) (*models.Inventory, error)
	ReserveStock(ctx context.Context, productID int64, qty int, lineTotal int64) error
	ReleaseStock(ctx context.Context, productID int64, qty int, lineTotal int64) error
	GetAllInventory(ctx context.Context) ([]models.Inventory, error)
}

// InventoryCache is the optional redis fast path; may be nil.
type InventoryCache interface {
	ReserveStock(ctx context.Context, productID int64, qty int, allowBackorder bool) (bool, error)
	ReleaseStock(ctx context.Context, productID int64, qty int) error
	InitInventory(ctx context.Context, productID int64, quantity int) error
}

// InventoryClient implements the inventory ledger on top of the store, with a
// redis fast path for early oversell rejection during checkout.
type InventoryClient struct {
	store  InventoryStore
	cache  InventoryCache
	logger *zap.Logger
}

// NewInventoryClient creates a new inventory client
func NewInventoryClient(store InventoryStore, cache InventoryCache) *InventoryClient {
	return &InventoryClient{
		store:  store,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// IsAvailable reports whether qty units of the product can be committed.
func (ic *InventoryClient) IsAvailable(ctx context.Context, product *models.Product, qty int) (bool, error) {
	if !product.TrackInventory || product.AllowBackorder {
		return true, nil
	}
	inv, err := ic.store.GetInventory(ctx, product.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return product.Available(inv, qty), nil
}

// ReserveFast takes a cache-side reservation before checkout commits, so a
// concurrent checkout racing for the last unit fails before touching the
// database. A cache error degrades to the DB conditional decrement alone.
func (ic *InventoryClient) ReserveFast(ctx context.Context, product *models.Product, qty int) error {
	if ic.cache == nil || !product.TrackInventory {
		return nil
	}
	ok, err := ic.cache.ReserveStock(ctx, product.ID, qty, product.AllowBackorder)
	if err != nil {
		ic.logger.Warn("Cache reservation failed, relying on DB decrement",
			zap.Int64("product_id", product.ID), zap.Error(err))
		return nil
	}
	if !ok {
		util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		return fmt.Errorf("product %d: %w", product.ID, models.ErrOutOfStock)
	}
	return nil
}

// ReleaseFast undoes a cache-side reservation after a failed checkout.
func (ic *InventoryClient) ReleaseFast(ctx context.Context, productID int64, qty int) {
	if ic.cache == nil {
		return
	}
	if err := ic.cache.ReleaseStock(ctx, productID, qty); err != nil {
		ic.logger.Error("Failed to release cached stock",
			zap.Int64("product_id", productID), zap.Error(err))
	}
}

// Release returns qty units of a product to the ledger, decrementing the
// sold/revenue counters symmetrically with the reservation.
func (ic *InventoryClient) Release(ctx context.Context, productID int64, qty int, lineTotal int64) error {
	ctx, span := util.StartSpan(ctx, "InventoryClient.Release")
	defer span.End()

	if ic.cache != nil {
		if err := ic.cache.ReleaseStock(ctx, productID, qty); err != nil {
			ic.logger.Error("Failed to release cached stock",
				zap.Int64("product_id", productID), zap.Error(err))
		}
	}
	return ic.store.ReleaseStock(ctx, productID, qty, lineTotal)
}

// GetInventory retrieves the ledger row for a product.
func (ic *InventoryClient) GetInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	return ic.store.GetInventory(ctx, productID)
}

// SyncToCache seeds the redis stock counts from the database, run at startup
// and after cancellations settle.
func (ic *InventoryClient) SyncToCache(ctx context.Context) error {
	if ic.cache == nil {
		return nil
	}
	ic.logger.Info("Starting inventory sync to cache")

	rows, err := ic.store.GetAllInventory(ctx)
	if err != nil {
		return fmt.Errorf("failed to list inventory: %w", err)
	}
	for _, inv := range rows {
		if err := ic.cache.InitInventory(ctx, inv.ProductID, inv.Quantity); err != nil {
			ic.logger.Error("Failed to seed cached inventory",
				zap.Int64("product_id", inv.ProductID), zap.Error(err))
		}
	}

	ic.logger.Info("Inventory sync completed", zap.Int("count", len(rows)))
	return nil
}

// SyncProductToCache refreshes a single cached count from the database.
func (ic *InventoryClient) SyncProductToCache(ctx context.Context, productID int64) error {
	if ic.cache == nil {
		return nil
	}
	inv, err := ic.store.GetInventory(ctx, productID)
	if err != nil {
		return err
	}
	return ic.cache.InitInventory(ctx, productID, inv.Quantity)
}
