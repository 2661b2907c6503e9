package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopline/cartledger/internal/models"

	"github.com/jmoiron/sqlx"
)

type orderRow struct {
	ID             int64     `db:"id"`
	Number         string    `db:"number"`
	UserID         string    `db:"user_id"`
	IdempotencyKey string    `db:"idempotency_key"`
	Subtotal       int64     `db:"subtotal"`
	Tax            []byte    `db:"tax"`
	Shipping       []byte    `db:"shipping"`
	BillingAddress []byte    `db:"billing_address"`
	Payment        []byte    `db:"payment"`
	Discount       []byte    `db:"discount"`
	Total          int64     `db:"total"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

type orderItemRow struct {
	ID         int64  `db:"id"`
	OrderID    int64  `db:"order_id"`
	ProductID  int64  `db:"product_id"`
	Variant    []byte `db:"variant"`
	VariantKey string `db:"variant_key"`
	Quantity   int    `db:"quantity"`
	UnitPrice  int64  `db:"unit_price"`
	LineTotal  int64  `db:"line_total"`
}

func (r *orderRow) toModel() (*models.Order, error) {
	o := &models.Order{
		ID:             r.ID,
		Number:         r.Number,
		UserID:         r.UserID,
		IdempotencyKey: r.IdempotencyKey,
		Subtotal:       r.Subtotal,
		Total:          r.Total,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	for _, col := range []struct {
		raw []byte
		dst interface{}
	}{
		{r.Tax, &o.Tax},
		{r.Shipping, &o.Shipping},
		{r.BillingAddress, &o.BillingAddress},
		{r.Payment, &o.Payment},
		{r.Discount, &o.Discount},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, models.NewStorageError("decode order", err)
		}
	}
	return o, nil
}

// PlaceOrder runs the checkout critical section in a single transaction:
// conditional inventory decrements for every line, order-number allocation
// from the sequence, order/items/timeline inserts, and the cart clear. Any
// failure rolls the whole thing back; no partial reservation survives.
//
// The cart clear is guarded by cartVersion so a cart mutated after the
// orchestrator read it aborts the checkout with ErrConcurrencyConflict.
func (s *Store) PlaceOrder(ctx context.Context, order *models.Order, cartID, cartVersion int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.NewStorageError("begin", err)
	}
	defer tx.Rollback()

	// Decrement in a fixed order so two checkouts sharing products never
	// take their row locks in opposite sequence.
	sort.Slice(order.Items, func(i, j int) bool {
		return order.Items[i].ProductID < order.Items[j].ProductID
	})
	for _, item := range order.Items {
		if err := reserveLineTx(ctx, tx, item.ProductID, item.Quantity, item.LineTotal); err != nil {
			return err
		}
	}

	var seq int64
	if err := tx.GetContext(ctx, &seq, "SELECT nextval('order_numbers')"); err != nil {
		return models.NewStorageError("order number", err)
	}
	order.Number = fmt.Sprintf("ORD-%06d", seq)

	tax, _ := json.Marshal(order.Tax)
	shipping, _ := json.Marshal(order.Shipping)
	billing, _ := json.Marshal(order.BillingAddress)
	payment, _ := json.Marshal(order.Payment)
	discount, _ := json.Marshal(order.Discount)

	err = tx.GetContext(ctx, order, `
		INSERT INTO orders (number, user_id, idempotency_key, subtotal, tax, shipping, billing_address, payment, discount, total, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		order.Number, order.UserID, order.IdempotencyKey, order.Subtotal, tax, shipping,
		billing, payment, discount, order.Total, order.Status)
	if err != nil {
		return models.NewStorageError("insert order", err)
	}

	for i := range order.Items {
		variant, err := json.Marshal(order.Items[i].Variant)
		if err != nil {
			return models.NewStorageError("encode variant", err)
		}
		order.Items[i].OrderID = order.ID
		err = tx.GetContext(ctx, &order.Items[i].ID, `
			INSERT INTO order_items (order_id, product_id, variant, variant_key, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			order.ID, order.Items[i].ProductID, variant, order.Items[i].VariantKey,
			order.Items[i].Quantity, order.Items[i].UnitPrice, order.Items[i].LineTotal)
		if err != nil {
			return models.NewStorageError("insert order item", err)
		}
	}

	for i := range order.Timeline {
		order.Timeline[i].OrderID = order.ID
		if err := appendTimelineTx(ctx, tx, &order.Timeline[i]); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE carts SET
			coupon_code = '', coupon_value = 0, coupon_type = '',
			coupon_applied_at = NULL, coupon_expires_at = NULL,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2`, cartID, cartVersion)
	if err != nil {
		return models.NewStorageError("clear cart", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return models.NewStorageError("clear cart", err)
	}
	if rows == 0 {
		return fmt.Errorf("cart %d changed during checkout: %w", cartID, models.ErrConcurrencyConflict)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", cartID); err != nil {
		return models.NewStorageError("clear cart items", err)
	}

	if err := tx.Commit(); err != nil {
		return models.NewStorageError("commit", err)
	}
	return nil
}

func appendTimelineTx(ctx context.Context, tx *sqlx.Tx, entry *models.TimelineEntry) error {
	err := tx.GetContext(ctx, &entry.ID, `
		INSERT INTO order_timeline (order_id, status, note, actor, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		entry.OrderID, entry.Status, entry.Note, entry.Actor, entry.CreatedAt)
	if err != nil {
		return models.NewStorageError("append timeline", err)
	}
	return nil
}

// GetOrderByNumber retrieves an order with its items and full timeline.
func (s *Store) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM orders WHERE number = $1", number)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s: %w", number, models.ErrNotFound)
	}
	if err != nil {
		return nil, models.NewStorageError("get order", err)
	}

	order, err := row.toModel()
	if err != nil {
		return nil, err
	}

	if order.Items, err = s.getOrderItems(ctx, order.ID); err != nil {
		return nil, err
	}
	if order.Timeline, err = s.getTimeline(ctx, order.ID); err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrderByIdempotencyKey retrieves the order created under a checkout
// idempotency key, or nil when the key was never used.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var number string
	err := s.db.GetContext(ctx, &number,
		"SELECT number FROM orders WHERE idempotency_key = $1", key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewStorageError("get order by idempotency key", err)
	}
	return s.GetOrderByNumber(ctx, number)
}

func (s *Store) getOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var rows []orderItemRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	if err != nil {
		return nil, models.NewStorageError("get order items", err)
	}

	items := make([]models.OrderItem, 0, len(rows))
	for _, r := range rows {
		item := models.OrderItem{
			ID:         r.ID,
			OrderID:    r.OrderID,
			ProductID:  r.ProductID,
			VariantKey: r.VariantKey,
			Quantity:   r.Quantity,
			UnitPrice:  r.UnitPrice,
			LineTotal:  r.LineTotal,
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

func (s *Store) getTimeline(ctx context.Context, orderID int64) ([]models.TimelineEntry, error) {
	var entries []models.TimelineEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM order_timeline WHERE order_id = $1 ORDER BY id", orderID)
	if err != nil {
		return nil, models.NewStorageError("get timeline", err)
	}
	return entries, nil
}

// ListOrdersByUser retrieves a user's orders, newest first, without the
// per-order item and timeline detail.
func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, models.NewStorageError("list orders", err)
	}

	orders := make([]models.Order, 0, len(rows))
	for i := range rows {
		o, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// TransitionOrder moves an order from one status to another, appending exactly
// one timeline entry in the same transaction. The update is conditional on the
// expected current status, so two racing transitions cannot both apply. When
// release is true (cancellation) every order line's reservation is returned to
// the ledger inside the same transaction, and paymentStatus (when non-empty)
// updates the payment snapshot (refunds).
func (s *Store) TransitionOrder(ctx context.Context, number, from, to, note, actor, paymentStatus string, release bool) (*models.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, models.NewStorageError("begin", err)
	}
	defer tx.Rollback()

	var row orderRow
	err = tx.GetContext(ctx, &row, "SELECT * FROM orders WHERE number = $1 FOR UPDATE", number)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s: %w", number, models.ErrNotFound)
	}
	if err != nil {
		return nil, models.NewStorageError("get order", err)
	}
	if row.Status != from {
		return nil, fmt.Errorf("order %s moved to %s: %w", number, row.Status, models.ErrConcurrencyConflict)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2", to, row.ID); err != nil {
		return nil, models.NewStorageError("update status", err)
	}

	if paymentStatus != "" {
		var payment models.PaymentInfo
		if len(row.Payment) > 0 {
			if err := json.Unmarshal(row.Payment, &payment); err != nil {
				return nil, models.NewStorageError("decode payment", err)
			}
		}
		payment.Status = paymentStatus
		raw, _ := json.Marshal(payment)
		if _, err := tx.ExecContext(ctx,
			"UPDATE orders SET payment = $1 WHERE id = $2", raw, row.ID); err != nil {
			return nil, models.NewStorageError("update payment", err)
		}
	}

	entry := models.TimelineEntry{
		OrderID:   row.ID,
		Status:    to,
		Note:      note,
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
	}
	if err := appendTimelineTx(ctx, tx, &entry); err != nil {
		return nil, err
	}

	if release {
		var items []orderItemRow
		err := tx.SelectContext(ctx, &items,
			"SELECT * FROM order_items WHERE order_id = $1", row.ID)
		if err != nil {
			return nil, models.NewStorageError("get order items", err)
		}
		for _, item := range items {
			if err := releaseLineTx(ctx, tx, item.ProductID, item.Quantity, item.LineTotal); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, models.NewStorageError("commit", err)
	}

	return s.GetOrderByNumber(ctx, number)
}

// OrderStats aggregates order counts and revenue over a date range for the
// admin dashboard.
func (s *Store) OrderStats(ctx context.Context, from, to time.Time) (*models.OrderStats, error) {
	stats := &models.OrderStats{ByStatus: make(map[string]int)}

	var agg struct {
		Count   int   `db:"count"`
		Revenue int64 `db:"revenue"`
	}
	err := s.db.GetContext(ctx, &agg, `
		SELECT COUNT(*) AS count, COALESCE(SUM(total), 0) AS revenue
		FROM orders WHERE created_at >= $1 AND created_at < $2`, from, to)
	if err != nil {
		return nil, models.NewStorageError("order stats", err)
	}
	stats.TotalOrders = agg.Count
	stats.TotalRevenue = agg.Revenue
	if agg.Count > 0 {
		stats.AverageOrderValue = agg.Revenue / int64(agg.Count)
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT status, COUNT(*) FROM orders
		WHERE created_at >= $1 AND created_at < $2 GROUP BY status`, from, to)
	if err != nil {
		return nil, models.NewStorageError("order stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, models.NewStorageError("order stats", err)
		}
		stats.ByStatus[status] = count
	}
	return stats, rows.Err()
}
