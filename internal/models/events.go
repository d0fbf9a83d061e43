package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated           = "ORDER_CREATED"
	EventTypeOrderCancelled         = "ORDER_CANCELLED"
	EventTypeOrderStatusChanged     = "ORDER_STATUS_CHANGED"
	EventTypePaymentStatusChanged   = "PAYMENT_STATUS_CHANGED"
	EventTypeInventoryReleaseFailed = "INVENTORY_RELEASE_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderRef identifies an order and everyone who may follow it
type OrderRef struct {
	OrderID     string   `json:"order_id"`
	OrderNumber string   `json:"order_number"`
	BuyerID     string   `json:"buyer_id"`
	SellerIDs   []string `json:"seller_ids"`
}

// NewOrderRef builds the reference for o
func NewOrderRef(o *Order) OrderRef {
	return OrderRef{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		BuyerID:     o.BuyerID,
		SellerIDs:   o.SellerIDs(),
	}
}

// Concerns reports whether the user is the buyer or one of the sellers
func (r OrderRef) Concerns(userID string) bool {
	if r.BuyerID == userID {
		return true
	}
	for _, id := range r.SellerIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// OrderCreatedEvent published when checkout succeeds
type OrderCreatedEvent struct {
	BaseEvent
	OrderRef
	TotalPrice    decimal.Decimal `json:"total_price"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Items         []OrderLine     `json:"items"`
}

// OrderCancelledEvent published when a buyer or seller cancels
type OrderCancelledEvent struct {
	BaseEvent
	OrderRef
	CancelledBy string `json:"cancelled_by"`
}

// OrderStatusChangedEvent published on every fulfilment status change
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderRef
	From           OrderStatus `json:"from"`
	To             OrderStatus `json:"to"`
	TrackingNumber string      `json:"tracking_number,omitempty"`
}

// PaymentStatusChangedEvent published on every payment status change
type PaymentStatusChangedEvent struct {
	BaseEvent
	OrderRef
	From PaymentStatus `json:"from"`
	To   PaymentStatus `json:"to"`
}

// InventoryReleaseFailedEvent records a compensating release that must be retried
type InventoryReleaseFailedEvent struct {
	BaseEvent
	OrderID   string `json:"order_id"`
	ListingID string `json:"listing_id"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
