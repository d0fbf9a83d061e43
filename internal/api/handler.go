package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fishmarket/internal/apperr"
	"fishmarket/internal/feed"
	"fishmarket/internal/service"
	"fishmarket/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Identity headers set by the authentication layer in front of this service
const (
	HeaderBuyerID        = "X-Buyer-ID"
	HeaderSellerID       = "X-Seller-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

const (
	ctxBuyerID  = "buyer_id"
	ctxSellerID = "seller_id"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	carts     *service.CartService
	orders    *service.OrderService
	inventory *service.InventoryService
	hub       *feed.Hub
	deps      map[string]Pinger
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	carts *service.CartService,
	orders *service.OrderService,
	inventory *service.InventoryService,
	hub *feed.Hub,
) *Handler {
	return &Handler{
		carts:     carts,
		orders:    orders,
		inventory: inventory,
		hub:       hub,
		deps:      make(map[string]Pinger),
		logger:    util.GetLogger(),
	}
}

// AddReadinessCheck makes /ready ping dep
func (h *Handler) AddReadinessCheck(name string, dep Pinger) {
	h.deps[name] = dep
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.GET("/listings/:id/availability", h.getAvailability)
	v1.GET("/feed", h.feed)

	buyer := v1.Group("", requireIdentity(HeaderBuyerID, ctxBuyerID))
	{
		buyer.GET("/cart", h.getCart)
		buyer.DELETE("/cart", h.clearCart)
		buyer.POST("/cart/items", h.addCartItem)
		buyer.PUT("/cart/items/:listingId", h.updateCartItem)
		buyer.DELETE("/cart/items/:listingId", h.removeCartItem)

		buyer.POST("/orders", h.createOrder)
		buyer.GET("/orders", h.listOrders)
		buyer.GET("/orders/:id", h.getOrder)
		buyer.POST("/orders/:id/cancel", h.cancelOrder)
		buyer.PUT("/orders/:id/payment-status", h.updatePaymentStatus)
	}

	seller := v1.Group("/seller", requireIdentity(HeaderSellerID, ctxSellerID))
	{
		seller.GET("/orders", h.listSellerOrders)
		seller.PUT("/orders/:id/status", h.updateOrderStatus)
		seller.PUT("/listings/:id/quantity", h.setListingQuantity)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"errors": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// feed upgrades to a websocket streaming the caller's order events
func (h *Handler) feed(c *gin.Context) {
	userID := c.GetHeader(HeaderBuyerID)
	if userID == "" {
		userID = c.GetHeader(HeaderSellerID)
	}
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity header"})
		return
	}

	if err := h.hub.Serve(c.Writer, c.Request, userID); err != nil {
		h.logger.Warn("Feed connection rejected", zap.String("user_id", userID), zap.Error(err))
	}
}

func requireIdentity(header, key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(header)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing " + header + " header",
			})
			return
		}
		c.Set(key, id)
		c.Next()
	}
}

// statusFor maps an error kind to an HTTP status
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidQuantity, apperr.KindEmptyCart, apperr.KindMissingDeliveryInfo,
		apperr.KindInvalidStatus, apperr.KindInvalidPaymentStatus, apperr.KindInvalidPaymentMethod:
		return http.StatusBadRequest
	case apperr.KindNotAuthorized:
		return http.StatusForbidden
	case apperr.KindListingNotFound, apperr.KindItemNotFound, apperr.KindOrderNotFound:
		return http.StatusNotFound
	case apperr.KindInsufficientStock, apperr.KindListingUnavailable, apperr.KindInvalidStateTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Persistence("handle request", err)
	}

	status := statusFor(appErr.Kind)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	body := gin.H{
		"error": appErr.Error(),
		"kind":  appErr.Kind,
	}
	if appErr.ID != "" {
		body["entity"] = appErr.Entity
		body["id"] = appErr.ID
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
