package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopline/cartledger/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, models.NewStorageError("get product", err)
	}
	return &product, nil
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]*models.Product, error) {
	result := make(map[int64]*models.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, models.NewStorageError("get products", err)
	}
	query = s.db.Rebind(query)

	var products []models.Product
	if err := s.db.SelectContext(ctx, &products, query, args...); err != nil {
		return nil, models.NewStorageError("get products", err)
	}
	for i := range products {
		result[products[i].ID] = &products[i]
	}
	return result, nil
}

// GetInventory retrieves the inventory ledger row for a product
func (s *Store) GetInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	var inv models.Inventory
	err := s.db.GetContext(ctx, &inv, "SELECT * FROM inventory WHERE product_id = $1", productID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("inventory for product %d: %w", productID, models.ErrNotFound)
	}
	if err != nil {
		return nil, models.NewStorageError("get inventory", err)
	}
	return &inv, nil
}

// reserveLineTx performs the atomic conditional decrement for one order line.
// Quantity moves only when the product tracks inventory; the condition fails
// (zero rows) when stock is insufficient and backorder is not allowed, which
// surfaces as ErrOutOfStock. Sold/revenue counters always move so that release
// can undo them symmetrically.
func reserveLineTx(ctx context.Context, tx *sqlx.Tx, productID int64, qty int, lineTotal int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE inventory i SET
			quantity   = CASE WHEN p.track_inventory THEN GREATEST(i.quantity - $1, 0) ELSE i.quantity END,
			sold       = i.sold + $1,
			revenue    = i.revenue + $2,
			updated_at = NOW()
		FROM products p
		WHERE i.product_id = $3 AND p.id = i.product_id
		  AND (NOT p.track_inventory OR p.allow_backorder OR i.quantity >= $1)`,
		qty, lineTotal, productID)
	if err != nil {
		return models.NewStorageError("reserve stock", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return models.NewStorageError("reserve stock", err)
	}
	if rows == 0 {
		return fmt.Errorf("product %d: %w", productID, models.ErrOutOfStock)
	}
	return nil
}

// releaseLineTx is the inverse of reserveLineTx, used when an order is
// cancelled. Counters are decremented symmetrically with the reservation.
func releaseLineTx(ctx context.Context, tx *sqlx.Tx, productID int64, qty int, lineTotal int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE inventory i SET
			quantity   = CASE WHEN p.track_inventory THEN i.quantity + $1 ELSE i.quantity END,
			sold       = i.sold - $1,
			revenue    = i.revenue - $2,
			updated_at = NOW()
		FROM products p
		WHERE i.product_id = $3 AND p.id = i.product_id`,
		qty, lineTotal, productID)
	if err != nil {
		return models.NewStorageError("release stock", err)
	}
	return nil
}

// ReserveStock reserves stock for a single product outside any larger
// transaction. Checkout uses the transactional path in PlaceOrder instead.
func (s *Store) ReserveStock(ctx context.Context, productID int64, qty int, lineTotal int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.NewStorageError("begin", err)
	}
	defer tx.Rollback()

	if err := reserveLineTx(ctx, tx, productID, qty, lineTotal); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return models.NewStorageError("commit", err)
	}
	return nil
}

// ReleaseStock releases a reservation for a single product.
func (s *Store) ReleaseStock(ctx context.Context, productID int64, qty int, lineTotal int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.NewStorageError("begin", err)
	}
	defer tx.Rollback()

	if err := releaseLineTx(ctx, tx, productID, qty, lineTotal); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return models.NewStorageError("commit", err)
	}
	return nil
}

// GetAllInventory returns every ledger row, used to warm the redis cache.
func (s *Store) GetAllInventory(ctx context.Context) ([]models.Inventory, error) {
	var rows []models.Inventory
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM inventory ORDER BY product_id"); err != nil {
		return nil, models.NewStorageError("list inventory", err)
	}
	return rows, nil
}

// IsEventProcessed checks if a broker event has already been handled
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	if err != nil {
		return false, models.NewStorageError("check event", err)
	}
	return exists, nil
}

// MarkEventProcessed records a broker event as handled
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return models.NewStorageError("mark event", err)
}
