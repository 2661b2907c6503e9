package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopline/cartledger/internal/models"

	"github.com/jmoiron/sqlx"
)

type cartRow struct {
	ID              int64      `db:"id"`
	UserID          string     `db:"user_id"`
	CouponCode      string     `db:"coupon_code"`
	CouponValue     int64      `db:"coupon_value"`
	CouponType      string     `db:"coupon_type"`
	CouponAppliedAt *time.Time `db:"coupon_applied_at"`
	CouponExpiresAt *time.Time `db:"coupon_expires_at"`
	ShippingMethod  string     `db:"shipping_method"`
	ShippingCost    int64      `db:"shipping_cost"`
	TaxRateBps      int64      `db:"tax_rate_bps"`
	ExpiresAt       time.Time  `db:"expires_at"`
	Version         int64      `db:"version"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

type cartItemRow struct {
	ID         int64     `db:"id"`
	CartID     int64     `db:"cart_id"`
	ProductID  int64     `db:"product_id"`
	Variant    []byte    `db:"variant"`
	VariantKey string    `db:"variant_key"`
	Quantity   int       `db:"quantity"`
	UnitPrice  int64     `db:"unit_price"`
	AddedAt    time.Time `db:"added_at"`
}

func (r *cartRow) toModel() *models.Cart {
	return &models.Cart{
		ID:     r.ID,
		UserID: r.UserID,
		Coupon: models.Coupon{
			Code:          r.CouponCode,
			DiscountValue: r.CouponValue,
			DiscountType:  r.CouponType,
			AppliedAt:     r.CouponAppliedAt,
			ExpiresAt:     r.CouponExpiresAt,
		},
		ShippingMethod: r.ShippingMethod,
		ShippingCost:   r.ShippingCost,
		TaxRateBps:     r.TaxRateBps,
		ExpiresAt:      r.ExpiresAt,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// GetCartByUser retrieves a user's cart with its items in insertion order.
func (s *Store) GetCartByUser(ctx context.Context, userID string) (*models.Cart, error) {
	var row cartRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM carts WHERE user_id = $1", userID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cart for user %s: %w", userID, models.ErrNotFound)
	}
	if err != nil {
		return nil, models.NewStorageError("get cart", err)
	}

	cart := row.toModel()
	items, err := s.getCartItems(ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	cart.Items = items
	return cart, nil
}

func (s *Store) getCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error) {
	var rows []cartItemRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM cart_items WHERE cart_id = $1 ORDER BY id", cartID)
	if err != nil {
		return nil, models.NewStorageError("get cart items", err)
	}

	items := make([]models.CartItem, 0, len(rows))
	for _, r := range rows {
		item := models.CartItem{
			ID:         r.ID,
			CartID:     r.CartID,
			ProductID:  r.ProductID,
			VariantKey: r.VariantKey,
			Quantity:   r.Quantity,
			UnitPrice:  r.UnitPrice,
			AddedAt:    r.AddedAt,
		}
		if len(r.Variant) > 0 {
			if err := json.Unmarshal(r.Variant, &item.Variant); err != nil {
				return nil, models.NewStorageError("decode variant", err)
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// CreateCart inserts a fresh cart for the user. A concurrent creation loses to
// the unique index on user_id and surfaces as ErrConcurrencyConflict so the
// caller can re-fetch.
func (s *Store) CreateCart(ctx context.Context, cart *models.Cart) error {
	err := s.db.GetContext(ctx, cart, `
		INSERT INTO carts (user_id, shipping_method, shipping_cost, tax_rate_bps, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING id, version, created_at, updated_at`,
		cart.UserID, cart.ShippingMethod, cart.ShippingCost, cart.TaxRateBps, cart.ExpiresAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("cart for user %s already exists: %w", cart.UserID, models.ErrConcurrencyConflict)
	}
	if err != nil {
		return models.NewStorageError("create cart", err)
	}
	return nil
}

// SaveCart writes the cart and its items back, checking and incrementing the
// version column. A stale version means another request won the write and the
// caller gets ErrConcurrencyConflict.
func (s *Store) SaveCart(ctx context.Context, cart *models.Cart) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.NewStorageError("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE carts SET
			coupon_code = $1, coupon_value = $2, coupon_type = $3,
			coupon_applied_at = $4, coupon_expires_at = $5,
			shipping_method = $6, shipping_cost = $7, tax_rate_bps = $8,
			expires_at = $9, version = version + 1, updated_at = NOW()
		WHERE id = $10 AND version = $11`,
		cart.Coupon.Code, cart.Coupon.DiscountValue, cart.Coupon.DiscountType,
		cart.Coupon.AppliedAt, cart.Coupon.ExpiresAt,
		cart.ShippingMethod, cart.ShippingCost, cart.TaxRateBps,
		cart.ExpiresAt, cart.ID, cart.Version)
	if err != nil {
		return models.NewStorageError("save cart", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return models.NewStorageError("save cart", err)
	}
	if rows == 0 {
		return fmt.Errorf("cart %d version %d: %w", cart.ID, cart.Version, models.ErrConcurrencyConflict)
	}

	if err := replaceCartItemsTx(ctx, tx, cart.ID, cart.Items); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return models.NewStorageError("commit", err)
	}
	cart.Version++
	return nil
}

// replaceCartItemsTx reconciles the stored lines with the in-memory ones.
// Existing lines keep their IDs so references held by clients stay valid.
func replaceCartItemsTx(ctx context.Context, tx *sqlx.Tx, cartID int64, items []models.CartItem) error {
	keep := make([]int64, 0, len(items))
	for i := range items {
		if items[i].ID != 0 {
			keep = append(keep, items[i].ID)
		}
	}

	if len(keep) == 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", cartID); err != nil {
			return models.NewStorageError("clear cart items", err)
		}
	} else {
		query, args, err := sqlx.In("DELETE FROM cart_items WHERE cart_id = ? AND id NOT IN (?)", cartID, keep)
		if err != nil {
			return models.NewStorageError("prune cart items", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return models.NewStorageError("prune cart items", err)
		}
	}

	for i := range items {
		if items[i].ID != 0 {
			_, err := tx.ExecContext(ctx, `
				UPDATE cart_items SET quantity = $1, unit_price = $2, added_at = $3
				WHERE id = $4 AND cart_id = $5`,
				items[i].Quantity, items[i].UnitPrice, items[i].AddedAt, items[i].ID, cartID)
			if err != nil {
				return models.NewStorageError("update cart item", err)
			}
			continue
		}

		variant, err := json.Marshal(items[i].Variant)
		if err != nil {
			return models.NewStorageError("encode variant", err)
		}
		err = tx.GetContext(ctx, &items[i].ID, `
			INSERT INTO cart_items (cart_id, product_id, variant, variant_key, quantity, unit_price, added_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			cartID, items[i].ProductID, variant, items[i].VariantKey,
			items[i].Quantity, items[i].UnitPrice, items[i].AddedAt)
		if err != nil {
			return models.NewStorageError("insert cart item", err)
		}
	}
	return nil
}

// DeleteExpiredCarts removes carts whose expiry has passed. Idempotent and
// safe to run concurrently with user traffic.
func (s *Store) DeleteExpiredCarts(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM carts WHERE expires_at < NOW()")
	if err != nil {
		return 0, models.NewStorageError("delete expired carts", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, models.NewStorageError("delete expired carts", err)
	}
	return rows, nil
}
