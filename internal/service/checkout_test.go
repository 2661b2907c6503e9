package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopline/cartledger/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCheckoutInput() *CheckoutInput {
	addr := models.Address{
		Name:       "Jane Doe",
		Line1:      "1 Main St",
		City:       "Springfield",
		PostalCode: "12345",
		Country:    "US",
	}
	return &CheckoutInput{
		ShippingAddress: addr,
		BillingAddress:  addr,
		PaymentMethod:   "card",
		Currency:        "USD",
	}
}

type checkoutFixture struct {
	store    *memStore
	carts    *CartService
	checkout *CheckoutService
	events   *memEvents
}

func newCheckoutFixture(t *testing.T) *checkoutFixture {
	t.Helper()
	store := newMemStore()
	events := &memEvents{}
	inventory := NewInventoryClient(store, nil)
	carts := newTestCartService(store)
	checkout := NewCheckoutService(store, store, store, inventory, events, nil, 30*time.Second)
	return &checkoutFixture{store: store, carts: carts, checkout: checkout, events: events}
}

func TestCheckoutPlacesOrder(t *testing.T) {
	f := newCheckoutFixture(t)
	f.store.addProduct(models.Product{ID: 1, Price: 2500, Active: true, TrackInventory: true}, 10)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "user-1", 1, models.Variant{"size": "M"}, 2)
	require.NoError(t, err)
	_, err = f.carts.SetShipping(ctx, "user-1", "standard", 500)
	require.NoError(t, err)

	order, err := f.checkout.Checkout(ctx, "user-1", testCheckoutInput())
	require.NoError(t, err)

	assert.Regexp(t, `^ORD-\d{6}$`, order.Number)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, int64(5000), order.Subtotal)
	assert.Equal(t, int64(5500), order.Total)
	assert.Equal(t, models.PaymentStatusPending, order.Payment.Status)
	require.Len(t, order.Items, 1)
	assert.Equal(t, int64(5000), order.Items[0].LineTotal)
	require.Len(t, order.Timeline, 1)
	assert.Equal(t, models.OrderStatusPending, order.Timeline[0].Status)
	assert.Equal(t, "system", order.Timeline[0].Actor)

	qty, sold, revenue := f.store.inventorySnapshot(1)
	assert.Equal(t, 8, qty)
	assert.Equal(t, 2, sold)
	assert.Equal(t, int64(5000), revenue)

	// The cart was cleared inside the same critical section.
	view, err := f.carts.GetCart(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, view.Cart.Items)
	assert.False(t, view.Cart.Coupon.Applied())

	require.Len(t, f.events.placed, 1)
	assert.Equal(t, order.Number, f.events.placed[0].OrderNumber)
}

func TestCheckoutEmptyCart(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()

	// No cart at all.
	_, err := f.checkout.Checkout(ctx, "user-1", testCheckoutInput())
	assert.ErrorIs(t, err, models.ErrEmptyCart)

	// Cart exists but has no items.
	_, err = f.carts.GetCart(ctx, "user-1")
	require.NoError(t, err)
	_, err = f.checkout.Checkout(ctx, "user-1", testCheckoutInput())
	assert.ErrorIs(t, err, models.ErrEmptyCart)

	assert.Empty(t, f.events.placed)
}

func TestCheckoutOutOfStock(t *testing.T) {
	f := newCheckoutFixture(t)
	f.store.addProduct(models.Product{ID: 1, Price: 1000, Active: true, TrackInventory: true}, 2)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "user-1", 1, nil, 3)
	require.NoError(t, err)

	_, err = f.checkout.Checkout(ctx, "user-1", testCheckoutInput())
	assert.ErrorIs(t, err, models.ErrOutOfStock)

	// Nothing moved: inventory intact, cart intact, no order.
	qty, sold, _ := f.store.inventorySnapshot(1)
	assert.Equal(t, 2, qty)
	assert.Equal(t, 0, sold)

	view, err := f.carts.GetCart(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, view.Cart.Items, 1)

	orders, err := f.store.ListOrdersByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCheckoutMultiLineFailureLeavesNoPartialDecrement(t *testing.T) {
	f := newCheckoutFixture(t)
	f.store.addProduct(models.Product{ID: 1, Price: 1000, Active: true, TrackInventory: true}, 10)
	f.store.addProduct(models.Product{ID: 2, Price: 1000, Active: true, TrackInventory: true}, 1)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "user-1", 1, nil, 2)
	require.NoError(t, err)
	_, err = f.carts.AddItem(ctx, "user-1", 2, nil, 5)
	require.NoError(t, err)

	_, err = f.checkout.Checkout(ctx, "user-1", testCheckoutInput())
	assert.ErrorIs(t, err, models.ErrOutOfStock)

	qty1, _, _ := f.store.inventorySnapshot(1)
	qty2, _, _ := f.store.inventorySnapshot(2)
	assert.Equal(t, 10, qty1)
	assert.Equal(t, 1, qty2)
}

func TestCheckoutInactiveProduct(t *testing.T) {
	f := newCheckoutFixture(t)
	f.store.addProduct(models.Product{ID: 1, Price: 1000, Active: true, TrackInventory: true}, 10)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "user-1", 1, nil, 1)
	require.NoError(t, err)

	// Product deactivated after it went into the cart.
	f.store.mu.Lock()
	f.store.products[1].Active = false
	f.store.mu.Unlock()

	_, err = f.checkout.Checkout(ctx, "user-1", testCheckoutInput())
	assert.ErrorIs(t, err, models.ErrProductUnavailable)
}

func TestCheckoutUntrackedProductIgnoresStock(t *testing.T) {
	f := newCheckoutFixture(t)
	f.store.addProduct(models.Product{ID: 1, Price: 1000, Active: true, TrackInventory: false}, 0)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "user-1", 1, nil, 50)
	require.NoError(t, err)

	order, err := f.checkout.Checkout(ctx, "user-1", testCheckoutInput())
	require.NoError(t, err)
	assert.Equal(t, int64(50000), order.Total)

	qty, sold, revenue := f.store.inventorySnapshot(1)
	assert.Equal(t, 0, qty)
	assert.Equal(t, 50, sold)
	assert.Equal(t, int64(50000), revenue)
}

func TestCheckoutBackorderGoesBelowZeroClamped(t *testing.T) {
	f := newCheckoutFixture(t)
	f.store.addProduct(models.Product{ID: 1, Price: 1000, Active: true, TrackInventory: true, AllowBackorder: true}, 2)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "user-1", 1, nil, 5)
	require.NoError(t, err)

	_, err = f.checkout.Checkout(ctx, "user-1", testCheckoutInput())
	require.NoError(t, err)

	qty, sold, _ := f.store.inventorySnapshot(1)
	assert.Equal(t, 0, qty)
	assert.Equal(t, 5, sold)
}

func TestCheckoutClampsNegativeTotal(t *testing.T) {
	f := newCheckoutFixture(t)
	f.store.addProduct(models.Product{ID: 1, Price: 1000, Active: true, TrackInventory: true}, 10)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "user-1", 1, nil, 1) // subtotal 1000
	require.NoError(t, err)
	_, err = f.carts.ApplyCoupon(ctx, "user-1", "SAVE20") // fixed 2000 discount
	require.NoError(t, err)

	order, err := f.checkout.Checkout(ctx, "user-1", testCheckoutInput())
	require.NoError(t, err)

	assert.Equal(t, int64(0), order.Total)
	assert.Equal(t, int64(0), order.Payment.Amount)
	assert.Equal(t, int64(1000), order.Subtotal)
	assert.Equal(t, int64(2000), order.Discount.Amount)
}

func TestCheckoutSnapshotsDiscount(t *testing.T) {
	f := newCheckoutFixture(t)
	f.store.addProduct(models.Product{ID: 1, Price: 5000, Active: true, TrackInventory: true}, 10)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "user-1", 1, nil, 2) // subtotal 10000
	require.NoError(t, err)
	_, err = f.carts.ApplyCoupon(ctx, "user-1", "WELCOME10")
	require.NoError(t, err)

	order, err := f.checkout.Checkout(ctx, "user-1", testCheckoutInput())
	require.NoError(t, err)

	assert.Equal(t, "WELCOME10", order.Discount.Code)
	assert.Equal(t, models.DiscountTypePercentage, order.Discount.Type)
	assert.Equal(t, int64(1000), order.Discount.Amount)
	assert.Equal(t, int64(9000), order.Total)
}

func TestCheckoutHeldLockRejected(t *testing.T) {
	store := newMemStore()
	store.addProduct(models.Product{ID: 1, Price: 1000, Active: true, TrackInventory: true}, 10)
	locker := newMemLocker()
	inventory := NewInventoryClient(store, nil)
	carts := newTestCartService(store)
	checkout := NewCheckoutService(store, store, store, inventory, nil, locker, 30*time.Second)
	ctx := context.Background()

	_, err := carts.AddItem(ctx, "user-1", 1, nil, 1)
	require.NoError(t, err)

	held, err := locker.AcquireLock(ctx, "checkout:user-1", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, err = checkout.Checkout(ctx, "user-1", testCheckoutInput())
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)

	require.NoError(t, locker.ReleaseLock(ctx, "checkout:user-1"))
	_, err = checkout.Checkout(ctx, "user-1", testCheckoutInput())
	assert.NoError(t, err)
}

func TestCheckoutReplaysIdempotencyKey(t *testing.T) {
	f := newCheckoutFixture(t)
	f.store.addProduct(models.Product{ID: 1, Price: 1000, Active: true, TrackInventory: true}, 10)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "user-1", 1, nil, 2)
	require.NoError(t, err)

	input := testCheckoutInput()
	input.IdempotencyKey = "retry-7f3a"
	first, err := f.checkout.Checkout(ctx, "user-1", input)
	require.NoError(t, err)

	// The client lost the response and submits again with the same key.
	// The original order comes back instead of an empty-cart error.
	replay, err := f.checkout.Checkout(ctx, "user-1", input)
	require.NoError(t, err)
	assert.Equal(t, first.Number, replay.Number)

	orders, err := f.store.ListOrdersByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	// Inventory moved exactly once.
	qty, sold, _ := f.store.inventorySnapshot(1)
	assert.Equal(t, 8, qty)
	assert.Equal(t, 2, sold)
	require.Len(t, f.events.placed, 1)
}

func TestCheckoutGeneratesIdempotencyKey(t *testing.T) {
	f := newCheckoutFixture(t)
	f.store.addProduct(models.Product{ID: 1, Price: 1000, Active: true, TrackInventory: true}, 10)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "user-1", 1, nil, 1)
	require.NoError(t, err)

	order, err := f.checkout.Checkout(ctx, "user-1", testCheckoutInput())
	require.NoError(t, err)
	assert.NotEmpty(t, order.IdempotencyKey)
}

func TestCheckoutOrdersLinesByProduct(t *testing.T) {
	f := newCheckoutFixture(t)
	f.store.addProduct(models.Product{ID: 1, Price: 1000, Active: true, TrackInventory: true}, 10)
	f.store.addProduct(models.Product{ID: 2, Price: 2000, Active: true, TrackInventory: true}, 10)
	ctx := context.Background()

	// Added high product first; placement fixes the line order so two
	// checkouts sharing products always touch rows in the same sequence.
	_, err := f.carts.AddItem(ctx, "user-1", 2, nil, 1)
	require.NoError(t, err)
	_, err = f.carts.AddItem(ctx, "user-1", 1, nil, 1)
	require.NoError(t, err)

	order, err := f.checkout.Checkout(ctx, "user-1", testCheckoutInput())
	require.NoError(t, err)
	require.Len(t, order.Items, 2)
	assert.Equal(t, int64(1), order.Items[0].ProductID)
	assert.Equal(t, int64(2), order.Items[1].ProductID)
}

func TestCheckoutLockReleasedAfterRequestCancelled(t *testing.T) {
	store := newMemStore()
	store.addProduct(models.Product{ID: 1, Price: 1000, Active: true, TrackInventory: true}, 10)
	locker := newMemLocker()
	inventory := NewInventoryClient(store, nil)
	carts := newTestCartService(store)

	// The request dies the instant the order commits; the lock must still
	// come off rather than sit until TTL.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := &memEvents{onPlaced: cancel}
	checkout := NewCheckoutService(store, store, store, inventory, events, locker, 30*time.Second)

	_, err := carts.AddItem(context.Background(), "user-1", 1, nil, 1)
	require.NoError(t, err)

	_, err = checkout.Checkout(ctx, "user-1", testCheckoutInput())
	require.NoError(t, err)

	held, err := locker.AcquireLock(context.Background(), "checkout:user-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestCheckoutCacheFastPathCompensatesOnFailure(t *testing.T) {
	store := newMemStore()
	store.addProduct(models.Product{ID: 1, Price: 1000, Active: true, TrackInventory: true}, 5)
	store.addProduct(models.Product{ID: 2, Price: 1000, Active: true, TrackInventory: true}, 5)
	cache := newMemCache()
	inventory := NewInventoryClient(store, cache)
	carts := newTestCartService(store)
	checkout := NewCheckoutService(store, store, store, inventory, nil, nil, 30*time.Second)
	ctx := context.Background()

	_, err := carts.AddItem(ctx, "user-1", 1, nil, 2)
	require.NoError(t, err)
	_, err = carts.AddItem(ctx, "user-1", 2, nil, 2)
	require.NoError(t, err)

	// The cache holds a stale zero for product 2: the first line's cache
	// reservation goes through, the second fails, and the first must be
	// released again.
	require.NoError(t, cache.InitInventory(ctx, 1, 5))
	require.NoError(t, cache.InitInventory(ctx, 2, 0))

	_, err = checkout.Checkout(ctx, "user-1", testCheckoutInput())
	assert.ErrorIs(t, err, models.ErrOutOfStock)
	assert.Equal(t, 5, cache.count(1))

	// The database ledger was never touched.
	qty1, _, _ := store.inventorySnapshot(1)
	qty2, _, _ := store.inventorySnapshot(2)
	assert.Equal(t, 5, qty1)
	assert.Equal(t, 5, qty2)
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	f := newCheckoutFixture(t)
	f.store.addProduct(models.Product{ID: 1, Price: 1000, Active: true, TrackInventory: true}, 3)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "alice", 1, nil, 3)
	require.NoError(t, err)
	_, err = f.carts.AddItem(ctx, "bob", 1, nil, 2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(map[string]error, 2)
	var mu sync.Mutex
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := f.checkout.Checkout(ctx, user, testCheckoutInput())
			mu.Lock()
			results[user] = err
			mu.Unlock()
		}(user)
	}
	wg.Wait()

	// 3 units cannot satisfy both 3 and 2; exactly one succeeds.
	var succeeded, failed int
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, models.ErrOutOfStock)
			failed++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)

	qty, _, _ := f.store.inventorySnapshot(1)
	assert.GreaterOrEqual(t, qty, 0)
}

func TestConcurrentCheckoutsUniqueOrderNumbers(t *testing.T) {
	f := newCheckoutFixture(t)
	f.store.addProduct(models.Product{ID: 1, Price: 1000, Active: true, TrackInventory: true}, 1000)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		_, err := f.carts.AddItem(ctx, fmt.Sprintf("user-%d", i), 1, nil, 1)
		require.NoError(t, err)
	}

	numbers := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order, err := f.checkout.Checkout(ctx, fmt.Sprintf("user-%d", i), testCheckoutInput())
			assert.NoError(t, err)
			if order != nil {
				numbers <- order.Number
			}
		}(i)
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool)
	for num := range numbers {
		assert.False(t, seen[num], "duplicate order number %s", num)
		seen[num] = true
	}
	assert.Len(t, seen, n)
}
