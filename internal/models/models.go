package models

import (
	"sort"
	"strings"
	"time"
)

// Product represents a catalog product. The cart/order engine reads products
// but never creates or deletes them.
type Product struct {
	ID             int64     `db:"id" json:"id"`
	SKU            string    `db:"sku" json:"sku"`
	Name           string    `db:"name" json:"name"`
	Price          int64     `db:"price" json:"price"`
	Active         bool      `db:"active" json:"active"`
	TrackInventory bool      `db:"track_inventory" json:"track_inventory"`
	AllowBackorder bool      `db:"allow_backorder" json:"allow_backorder"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Inventory represents the ledger row for a product: available stock plus
// cumulative sold/revenue counters maintained symmetrically by reserve/release.
type Inventory struct {
	ProductID int64     `db:"product_id" json:"product_id"`
	Quantity  int       `db:"quantity" json:"quantity"`
	Sold      int       `db:"sold" json:"sold"`
	Revenue   int64     `db:"revenue" json:"revenue"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Available reports whether qty units of the product can be committed:
// tracking disabled, enough stock on hand, or backorder permitted.
func (p *Product) Available(inv *Inventory, qty int) bool {
	if !p.TrackInventory {
		return true
	}
	if p.AllowBackorder {
		return true
	}
	return inv != nil && inv.Quantity >= qty
}

// Variant is a selected product configuration, e.g. {"size": "M", "color": "red"}.
type Variant map[string]string

// Key returns the canonical identity of a variant selection: attributes sorted
// by name and joined as k=v pairs, so that merge and removal never depend on
// map iteration order. An empty selection yields "".
func (v Variant) Key() string {
	if len(v) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+v[k])
	}
	return strings.Join(pairs, "|")
}

// CartItem is a single cart line. Identity for merge purposes is
// (ProductID, VariantKey); adding the same pair again sums quantities.
type CartItem struct {
	ID         int64     `db:"id" json:"id"`
	CartID     int64     `db:"cart_id" json:"-"`
	ProductID  int64     `db:"product_id" json:"product_id"`
	Variant    Variant   `json:"variant,omitempty"`
	VariantKey string    `db:"variant_key" json:"-"`
	Quantity   int       `db:"quantity" json:"quantity"`
	UnitPrice  int64     `db:"unit_price" json:"unit_price"`
	AddedAt    time.Time `db:"added_at" json:"added_at"`
}

// Coupon discount types
const (
	DiscountTypePercentage = "percentage"
	DiscountTypeFixed      = "fixed"
)

// Coupon is the discount applied to a cart. An empty Code means no coupon.
type Coupon struct {
	Code          string     `db:"coupon_code" json:"code,omitempty"`
	DiscountValue int64      `db:"coupon_value" json:"discount_value,omitempty"`
	DiscountType  string     `db:"coupon_type" json:"discount_type,omitempty"`
	AppliedAt     *time.Time `db:"coupon_applied_at" json:"applied_at,omitempty"`
	ExpiresAt     *time.Time `db:"coupon_expires_at" json:"expires_at,omitempty"`
}

// Applied reports whether a coupon is present.
func (c Coupon) Applied() bool { return c.Code != "" }

// Tax on a cart: amount in minor units, rate in basis points.
type Tax struct {
	Amount  int64 `json:"amount"`
	RateBps int64 `json:"rate_bps"`
}

// Cart is the per-user mutable basket. One cart per user; writes go through an
// optimistic version check so concurrent tabs cannot lose updates.
type Cart struct {
	ID             int64      `db:"id" json:"id"`
	UserID         string     `db:"user_id" json:"user_id"`
	Items          []CartItem `json:"items"`
	Coupon         Coupon     `json:"coupon,omitempty"`
	ShippingMethod string     `db:"shipping_method" json:"shipping_method,omitempty"`
	ShippingCost   int64      `db:"shipping_cost" json:"shipping_cost"`
	TaxRateBps     int64      `db:"tax_rate_bps" json:"-"`
	ExpiresAt      time.Time  `db:"expires_at" json:"expires_at"`
	Version        int64      `db:"version" json:"-"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// CartTotals are the derived values, recomputed on every read and never stored
// as source of truth.
type CartTotals struct {
	Subtotal       int64 `json:"subtotal"`
	ShippingCost   int64 `json:"shipping_cost"`
	Tax            Tax   `json:"tax"`
	DiscountAmount int64 `json:"discount_amount"`
	Total          int64 `json:"total"`
	ItemCount      int   `json:"item_count"`
}

// Totals computes subtotal, tax, discount and total from the current lines.
// Total is raw arithmetic here and may go negative when the discount exceeds
// the subtotal; checkout clamps it at zero.
func (c *Cart) Totals() CartTotals {
	t := CartTotals{ShippingCost: c.ShippingCost}
	for _, item := range c.Items {
		t.Subtotal += item.UnitPrice * int64(item.Quantity)
		t.ItemCount += item.Quantity
	}
	t.Tax = Tax{Amount: t.Subtotal * c.TaxRateBps / 10000, RateBps: c.TaxRateBps}
	if c.Coupon.Applied() {
		switch c.Coupon.DiscountType {
		case DiscountTypePercentage:
			t.DiscountAmount = t.Subtotal * c.Coupon.DiscountValue / 100
		case DiscountTypeFixed:
			t.DiscountAmount = c.Coupon.DiscountValue
		}
	}
	t.Total = t.Subtotal + t.ShippingCost + t.Tax.Amount - t.DiscountAmount
	return t
}

// FindItem returns the line matching the (product, variant) identity, or nil.
func (c *Cart) FindItem(productID int64, variantKey string) *CartItem {
	for i := range c.Items {
		if c.Items[i].ProductID == productID && c.Items[i].VariantKey == variantKey {
			return &c.Items[i]
		}
	}
	return nil
}

// Order statuses
const (
	OrderStatusPending    = "pending"
	OrderStatusConfirmed  = "confirmed"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRefunded   = "refunded"
)

// Payment statuses
const (
	PaymentStatusPending  = "pending"
	PaymentStatusPaid     = "paid"
	PaymentStatusRefunded = "refunded"
)

// OrderItem is an immutable snapshot of a cart line taken at checkout. Later
// product price changes never touch it.
type OrderItem struct {
	ID         int64   `db:"id" json:"id"`
	OrderID    int64   `db:"order_id" json:"-"`
	ProductID  int64   `db:"product_id" json:"product_id"`
	Variant    Variant `json:"variant,omitempty"`
	VariantKey string  `db:"variant_key" json:"-"`
	Quantity   int     `db:"quantity" json:"quantity"`
	UnitPrice  int64   `db:"unit_price" json:"unit_price"`
	LineTotal  int64   `db:"line_total" json:"line_total"`
}

// TimelineEntry is one entry of an order's append-only audit log. Every status
// mutation appends exactly one entry; entries are never edited or removed.
type TimelineEntry struct {
	ID        int64     `db:"id" json:"-"`
	OrderID   int64     `db:"order_id" json:"-"`
	Status    string    `db:"status" json:"status"`
	Note      string    `db:"note" json:"note,omitempty"`
	Actor     string    `db:"actor" json:"actor"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Address for shipping/billing, stored as a JSON document on the order.
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// PaymentInfo is the payment snapshot held on an order. Gateway integration
// lives outside this service; only the recorded state moves here.
type PaymentInfo struct {
	Method        string `json:"method"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

// Shipping details on an order.
type Shipping struct {
	Method   string  `json:"method"`
	Cost     int64   `json:"cost"`
	Address  Address `json:"address"`
	Tracking string  `json:"tracking,omitempty"`
}

// DiscountSnapshot freezes the coupon applied at checkout time.
type DiscountSnapshot struct {
	Code   string `json:"code,omitempty"`
	Type   string `json:"type,omitempty"`
	Value  int64  `json:"value,omitempty"`
	Amount int64  `json:"amount"`
}

// Order is created exactly once at checkout. Items and totals are immutable
// after creation; only Status (and its timeline) moves.
type Order struct {
	ID             int64            `db:"id" json:"-"`
	Number         string           `db:"number" json:"number"`
	UserID         string           `db:"user_id" json:"user_id"`
	IdempotencyKey string           `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Items          []OrderItem      `json:"items"`
	Subtotal       int64            `db:"subtotal" json:"subtotal"`
	Tax            Tax              `json:"tax"`
	Shipping       Shipping         `json:"shipping"`
	BillingAddress Address          `json:"billing_address"`
	Payment        PaymentInfo      `json:"payment"`
	Discount       DiscountSnapshot `json:"discount"`
	Total          int64            `db:"total" json:"total"`
	Status         string           `db:"status" json:"status"`
	Timeline       []TimelineEntry  `json:"timeline"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// OrderStats is the privileged date-range aggregate.
type OrderStats struct {
	TotalOrders       int            `json:"total_orders"`
	TotalRevenue      int64          `json:"total_revenue"`
	AverageOrderValue int64          `json:"average_order_value"`
	ByStatus          map[string]int `json:"by_status"`
}
