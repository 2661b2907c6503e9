package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopline/cartledger/internal/models"
)

// memStore is an in-memory stand-in for the sqlx store. It mirrors the SQL
// semantics the services rely on: version-checked cart writes, conditional
// inventory decrements, sequence-based order numbers, and all-or-nothing
// order placement.
type memStore struct {
	mu         sync.Mutex
	products   map[int64]*models.Product
	inventory  map[int64]*models.Inventory
	carts      map[string]*models.Cart
	orders     map[string]*models.Order
	nextCartID int64
	nextItemID int64
	nextOrder  int64
	orderSeq   int64
}

func newMemStore() *memStore {
	return &memStore{
		products:  make(map[int64]*models.Product),
		inventory: make(map[int64]*models.Inventory),
		carts:     make(map[string]*models.Cart),
		orders:    make(map[string]*models.Order),
	}
}

func (m *memStore) addProduct(p models.Product, qty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prod := p
	m.products[p.ID] = &prod
	m.inventory[p.ID] = &models.Inventory{ProductID: p.ID, Quantity: qty}
}

func copyCart(c *models.Cart) *models.Cart {
	out := *c
	out.Items = make([]models.CartItem, len(c.Items))
	copy(out.Items, c.Items)
	return &out
}

func copyOrder(o *models.Order) *models.Order {
	out := *o
	out.Items = make([]models.OrderItem, len(o.Items))
	copy(out.Items, o.Items)
	out.Timeline = make([]models.TimelineEntry, len(o.Timeline))
	copy(out.Timeline, o.Timeline)
	return &out
}

func (m *memStore) GetProductByID(_ context.Context, id int64) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, models.ErrNotFound)
	}
	prod := *p
	return &prod, nil
}

func (m *memStore) GetProductsByIDs(_ context.Context, ids []int64) (map[int64]*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]*models.Product)
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			prod := *p
			out[id] = &prod
		}
	}
	return out, nil
}

func (m *memStore) GetCartByUser(_ context.Context, userID string) (*models.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[userID]
	if !ok {
		return nil, fmt.Errorf("cart for user %s: %w", userID, models.ErrNotFound)
	}
	return copyCart(c), nil
}

func (m *memStore) CreateCart(_ context.Context, cart *models.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.carts[cart.UserID]; ok {
		return fmt.Errorf("cart for user %s already exists: %w", cart.UserID, models.ErrConcurrencyConflict)
	}
	m.nextCartID++
	cart.ID = m.nextCartID
	cart.Version = 1
	cart.CreatedAt = time.Now().UTC()
	cart.UpdatedAt = cart.CreatedAt
	m.carts[cart.UserID] = copyCart(cart)
	return nil
}

func (m *memStore) SaveCart(_ context.Context, cart *models.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.carts[cart.UserID]
	if !ok {
		return fmt.Errorf("cart for user %s: %w", cart.UserID, models.ErrNotFound)
	}
	if stored.Version != cart.Version {
		return fmt.Errorf("cart %d version %d: %w", cart.ID, cart.Version, models.ErrConcurrencyConflict)
	}
	for i := range cart.Items {
		if cart.Items[i].ID == 0 {
			m.nextItemID++
			cart.Items[i].ID = m.nextItemID
		}
		cart.Items[i].CartID = cart.ID
	}
	cart.Version++
	cart.UpdatedAt = time.Now().UTC()
	m.carts[cart.UserID] = copyCart(cart)
	return nil
}

func (m *memStore) DeleteExpiredCarts(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	now := time.Now().UTC()
	for user, cart := range m.carts {
		if cart.ExpiresAt.Before(now) {
			delete(m.carts, user)
			removed++
		}
	}
	return removed, nil
}

func (m *memStore) GetInventory(_ context.Context, productID int64) (*models.Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.inventory[productID]
	if !ok {
		return nil, fmt.Errorf("inventory for product %d: %w", productID, models.ErrNotFound)
	}
	out := *inv
	return &out, nil
}

func (m *memStore) GetAllInventory(_ context.Context) ([]models.Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Inventory, 0, len(m.inventory))
	for _, inv := range m.inventory {
		out = append(out, *inv)
	}
	return out, nil
}

// reserveLocked applies the conditional decrement; callers hold the mutex.
func (m *memStore) reserveLocked(productID int64, qty int, lineTotal int64) error {
	p, ok := m.products[productID]
	if !ok {
		return fmt.Errorf("product %d: %w", productID, models.ErrNotFound)
	}
	inv := m.inventory[productID]
	if p.TrackInventory && !p.AllowBackorder && inv.Quantity < qty {
		return fmt.Errorf("product %d: %w", productID, models.ErrOutOfStock)
	}
	if p.TrackInventory {
		inv.Quantity -= qty
		if inv.Quantity < 0 {
			inv.Quantity = 0
		}
	}
	inv.Sold += qty
	inv.Revenue += lineTotal
	return nil
}

func (m *memStore) releaseLocked(productID int64, qty int, lineTotal int64) {
	p, ok := m.products[productID]
	if !ok {
		return
	}
	inv := m.inventory[productID]
	if p.TrackInventory {
		inv.Quantity += qty
	}
	inv.Sold -= qty
	inv.Revenue -= lineTotal
}

func (m *memStore) ReserveStock(_ context.Context, productID int64, qty int, lineTotal int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(productID, qty, lineTotal)
}

func (m *memStore) ReleaseStock(_ context.Context, productID int64, qty int, lineTotal int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(productID, qty, lineTotal)
	return nil
}

func (m *memStore) PlaceOrder(_ context.Context, order *models.Order, cartID, cartVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cart *models.Cart
	for _, c := range m.carts {
		if c.ID == cartID {
			cart = c
			break
		}
	}
	if cart == nil {
		return fmt.Errorf("cart %d: %w", cartID, models.ErrNotFound)
	}
	if cart.Version != cartVersion {
		return fmt.Errorf("cart %d changed during checkout: %w", cartID, models.ErrConcurrencyConflict)
	}
	if order.IdempotencyKey != "" {
		for _, o := range m.orders {
			if o.IdempotencyKey == order.IdempotencyKey {
				return models.NewStorageError("insert order",
					fmt.Errorf("duplicate idempotency key %s", order.IdempotencyKey))
			}
		}
	}

	// Lines are applied in product order, as the SQL store does.
	sort.Slice(order.Items, func(i, j int) bool {
		return order.Items[i].ProductID < order.Items[j].ProductID
	})

	// Validate every line before touching the ledger, then apply: under the
	// single mutex this mirrors the transaction's all-or-nothing behavior.
	for _, item := range order.Items {
		p, ok := m.products[item.ProductID]
		if !ok {
			return fmt.Errorf("product %d: %w", item.ProductID, models.ErrNotFound)
		}
		inv := m.inventory[item.ProductID]
		if p.TrackInventory && !p.AllowBackorder && inv.Quantity < item.Quantity {
			return fmt.Errorf("product %d: %w", item.ProductID, models.ErrOutOfStock)
		}
	}
	for _, item := range order.Items {
		if err := m.reserveLocked(item.ProductID, item.Quantity, item.LineTotal); err != nil {
			return err
		}
	}

	m.orderSeq++
	order.Number = fmt.Sprintf("ORD-%06d", m.orderSeq)
	m.nextOrder++
	order.ID = m.nextOrder
	order.CreatedAt = time.Now().UTC()
	order.UpdatedAt = order.CreatedAt
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}
	for i := range order.Timeline {
		order.Timeline[i].OrderID = order.ID
	}
	m.orders[order.Number] = copyOrder(order)

	cart.Items = nil
	cart.Coupon = models.Coupon{}
	cart.Version++
	return nil
}

func (m *memStore) GetOrderByNumber(_ context.Context, number string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[number]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", number, models.ErrNotFound)
	}
	return copyOrder(o), nil
}

func (m *memStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.IdempotencyKey == key {
			return copyOrder(o), nil
		}
	}
	return nil, nil
}

func (m *memStore) ListOrdersByUser(_ context.Context, userID string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, *copyOrder(o))
		}
	}
	return out, nil
}

func (m *memStore) TransitionOrder(_ context.Context, number, from, to, note, actor, paymentStatus string, release bool) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[number]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", number, models.ErrNotFound)
	}
	if o.Status != from {
		return nil, fmt.Errorf("order %s moved to %s: %w", number, o.Status, models.ErrConcurrencyConflict)
	}

	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	if paymentStatus != "" {
		o.Payment.Status = paymentStatus
	}
	o.Timeline = append(o.Timeline, models.TimelineEntry{
		OrderID:   o.ID,
		Status:    to,
		Note:      note,
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
	})
	if release {
		for _, item := range o.Items {
			m.releaseLocked(item.ProductID, item.Quantity, item.LineTotal)
		}
	}
	return copyOrder(o), nil
}

func (m *memStore) OrderStats(_ context.Context, from, to time.Time) (*models.OrderStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.OrderStats{ByStatus: make(map[string]int)}
	for _, o := range m.orders {
		if o.CreatedAt.Before(from) || !o.CreatedAt.Before(to) {
			continue
		}
		stats.TotalOrders++
		stats.TotalRevenue += o.Total
		stats.ByStatus[o.Status]++
	}
	if stats.TotalOrders > 0 {
		stats.AverageOrderValue = stats.TotalRevenue / int64(stats.TotalOrders)
	}
	return stats, nil
}

// inventorySnapshot returns (quantity, sold, revenue) for assertions.
func (m *memStore) inventorySnapshot(productID int64) (int, int, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := m.inventory[productID]
	return inv.Quantity, inv.Sold, inv.Revenue
}

// memCache implements the redis fast path in memory, including the lua
// script's clamp-at-zero release behavior.
type memCache struct {
	mu        sync.Mutex
	counts    map[int64]int
	cartSnaps map[string][]byte
	fail      bool
}

func newMemCache() *memCache {
	return &memCache{counts: make(map[int64]int)}
}

func (c *memCache) ReserveStock(_ context.Context, productID int64, qty int, allowBackorder bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return false, fmt.Errorf("cache down")
	}
	have, ok := c.counts[productID]
	if !ok {
		return true, nil
	}
	if !allowBackorder && have < qty {
		return false, nil
	}
	have -= qty
	if have < 0 {
		have = 0
	}
	c.counts[productID] = have
	return true, nil
}

func (c *memCache) ReleaseStock(_ context.Context, productID int64, qty int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return fmt.Errorf("cache down")
	}
	if _, ok := c.counts[productID]; ok {
		c.counts[productID] += qty
	}
	return nil
}

func (c *memCache) InitInventory(_ context.Context, productID int64, quantity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[productID] = quantity
	return nil
}

func (c *memCache) CacheCart(_ context.Context, userID string, snapshot interface{}, _ time.Duration) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cartSnaps == nil {
		c.cartSnaps = make(map[string][]byte)
	}
	c.cartSnaps[userID] = raw
	return nil
}

func (c *memCache) GetCachedCart(_ context.Context, userID string, dst interface{}) (bool, error) {
	c.mu.Lock()
	raw, ok := c.cartSnaps[userID]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (c *memCache) InvalidateCart(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cartSnaps, userID)
	return nil
}

func (c *memCache) count(productID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[productID]
}

// memLocker holds at most one lock per key.
type memLocker struct {
	mu    sync.Mutex
	locks map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{locks: make(map[string]bool)}
}

func (l *memLocker) AcquireLock(ctx context.Context, key string, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks[key] {
		return false, nil
	}
	l.locks[key] = true
	return true, nil
}

func (l *memLocker) ReleaseLock(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, key)
	return nil
}

// memEvents records published events for assertions. onPlaced, when set, runs
// before the event is recorded.
type memEvents struct {
	mu        sync.Mutex
	placed    []*models.OrderPlacedEvent
	changed   []*models.OrderStatusChangedEvent
	cancelled []*models.OrderCancelledEvent
	onPlaced  func()
}

func (e *memEvents) PublishOrderPlaced(_ context.Context, ev *models.OrderPlacedEvent) error {
	if e.onPlaced != nil {
		e.onPlaced()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placed = append(e.placed, ev)
	return nil
}

func (e *memEvents) PublishOrderStatusChanged(_ context.Context, ev *models.OrderStatusChangedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changed = append(e.changed, ev)
	return nil
}

func (e *memEvents) PublishOrderCancelled(_ context.Context, ev *models.OrderCancelledEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, ev)
	return nil
}
