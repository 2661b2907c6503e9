package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopline/cartledger/internal/models"
	"github.com/shopline/cartledger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	carts           *service.CartService
	checkout        *service.CheckoutService
	orders          *service.OrderService
	jwtSecret       string
	defaultCurrency string
}

// NewHandler creates a new HTTP handler
func NewHandler(carts *service.CartService, checkout *service.CheckoutService, orders *service.OrderService, jwtSecret, defaultCurrency string) *Handler {
	return &Handler{
		carts:           carts,
		checkout:        checkout,
		orders:          orders,
		jwtSecret:       jwtSecret,
		defaultCurrency: defaultCurrency,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(AuthMiddleware(h.jwtSecret))
	{
		v1.GET("/cart", h.getCart)
		v1.POST("/cart/items", h.addCartItem)
		v1.PUT("/cart/items/:id", h.setCartItemQuantity)
		v1.DELETE("/cart/items/:id", h.removeCartItem)
		v1.PUT("/cart/shipping", h.setShipping)
		v1.POST("/cart/coupon", h.applyCoupon)
		v1.DELETE("/cart/coupon", h.removeCoupon)
		v1.DELETE("/cart", h.clearCart)

		v1.POST("/checkout", h.doCheckout)

		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:number", h.getOrder)
		v1.POST("/orders/:number/cancel", h.cancelOrder)

		admin := v1.Group("/admin")
		admin.Use(AdminOnly())
		{
			admin.PUT("/orders/:number/status", h.updateOrderStatus)
			admin.GET("/orders/stats", h.orderStats)
		}
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().Unix()})
}

func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready", "time": time.Now().Unix()})
}

func userID(c *gin.Context) string {
	id, _ := c.Get("user_id")
	s, _ := id.(string)
	return s
}

func isAdmin(c *gin.Context) bool {
	role, _ := c.Get("role")
	return role == "admin"
}

// writeError maps domain error kinds to stable HTTP statuses. Callers decide
// messaging from the kind; details stay machine-checkable.
func writeError(c *gin.Context, err error) {
	var status int
	var kind string

	switch {
	case errors.Is(err, models.ErrEmptyCart):
		status, kind = http.StatusBadRequest, "empty_cart"
	case errors.Is(err, models.ErrInvalidCoupon):
		status, kind = http.StatusBadRequest, "invalid_coupon"
	case errors.Is(err, models.ErrInvalidQuantity):
		status, kind = http.StatusBadRequest, "invalid_quantity"
	case errors.Is(err, models.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrNotAuthorized):
		status, kind = http.StatusForbidden, "not_authorized"
	case errors.Is(err, models.ErrInvalidTransition):
		status, kind = http.StatusConflict, "invalid_transition"
	case errors.Is(err, models.ErrOutOfStock):
		status, kind = http.StatusConflict, "out_of_stock"
	case errors.Is(err, models.ErrProductUnavailable):
		status, kind = http.StatusConflict, "product_unavailable"
	case errors.Is(err, models.ErrConcurrencyConflict):
		status, kind = http.StatusConflict, "conflict"
	default:
		status, kind = http.StatusInternalServerError, "storage_error"
	}

	c.JSON(status, gin.H{"error": kind, "details": err.Error()})
}

func (h *Handler) getCart(c *gin.Context) {
	view, err := h.carts.GetCart(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type addItemRequest struct {
	ProductID int64          `json:"product_id" binding:"required"`
	Variant   models.Variant `json:"variant"`
	Quantity  int            `json:"quantity" binding:"required,min=1"`
}

func (h *Handler) addCartItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": err.Error()})
		return
	}

	view, err := h.carts.AddItem(c.Request.Context(), userID(c), req.ProductID, req.Variant, req.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type setQuantityRequest struct {
	Quantity *int `json:"quantity" binding:"required,min=0"`
}

func (h *Handler) setCartItemQuantity(c *gin.Context) {
	itemID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": "invalid item id"})
		return
	}

	var req setQuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": err.Error()})
		return
	}

	view, err := h.carts.SetItemQuantity(c.Request.Context(), userID(c), itemID, *req.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) removeCartItem(c *gin.Context) {
	itemID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": "invalid item id"})
		return
	}

	view, err := h.carts.RemoveItem(c.Request.Context(), userID(c), itemID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type setShippingRequest struct {
	Method string `json:"method" binding:"required"`
	Cost   int64  `json:"cost" binding:"min=0"`
}

func (h *Handler) setShipping(c *gin.Context) {
	var req setShippingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": err.Error()})
		return
	}

	view, err := h.carts.SetShipping(c.Request.Context(), userID(c), req.Method, req.Cost)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type applyCouponRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *Handler) applyCoupon(c *gin.Context) {
	var req applyCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": err.Error()})
		return
	}

	view, err := h.carts.ApplyCoupon(c.Request.Context(), userID(c), req.Code)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) removeCoupon(c *gin.Context) {
	view, err := h.carts.RemoveCoupon(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) clearCart(c *gin.Context) {
	view, err := h.carts.Clear(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) doCheckout(c *gin.Context) {
	var input service.CheckoutInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": err.Error()})
		return
	}
	if input.Currency == "" {
		input.Currency = h.defaultCurrency
	}
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, err := h.checkout.Checkout(c.Request.Context(), userID(c), &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.orders.ListOrders(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("number"), userID(c), isAdmin(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelOrderRequest
	_ = c.ShouldBindJSON(&req)

	order, err := h.orders.Cancel(c.Request.Context(), c.Param("number"), userID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": err.Error()})
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), c.Param("number"), req.Status, req.Note, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) orderStats(c *gin.Context) {
	from, err := parseDate(c.Query("from"), time.Time{})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": "invalid from date"})
		return
	}
	to, err := parseDate(c.Query("to"), time.Now().UTC().AddDate(0, 0, 1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": "invalid to date"})
		return
	}

	stats, err := h.orders.Stats(c.Request.Context(), from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func parseDate(val string, fallback time.Time) (time.Time, error) {
	if val == "" {
		return fallback, nil
	}
	return time.Parse("2006-01-02", val)
}
