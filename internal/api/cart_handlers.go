package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type addItemRequest struct {
	ListingID string `json:"listing_id" binding:"required"`
	Quantity  *int   `json:"quantity" binding:"required"`
}

type quantityRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}

func (h *Handler) getCart(c *gin.Context) {
	cart, err := h.carts.GetCart(c.Request.Context(), c.GetString(ctxBuyerID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) addCartItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	cart, err := h.carts.AddItem(c.Request.Context(), c.GetString(ctxBuyerID), req.ListingID, *req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) updateCartItem(c *gin.Context) {
	var req quantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	cart, err := h.carts.UpdateItem(c.Request.Context(), c.GetString(ctxBuyerID), c.Param("listingId"), *req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) removeCartItem(c *gin.Context) {
	cart, err := h.carts.RemoveItem(c.Request.Context(), c.GetString(ctxBuyerID), c.Param("listingId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) clearCart(c *gin.Context) {
	cart, err := h.carts.ClearCart(c.Request.Context(), c.GetString(ctxBuyerID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) getAvailability(c *gin.Context) {
	availability, err := h.inventory.Availability(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, availability)
}

func (h *Handler) setListingQuantity(c *gin.Context) {
	var req quantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	availability, err := h.inventory.SetQuantity(c.Request.Context(), c.Param("id"), c.GetString(ctxSellerID), *req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, availability)
}
