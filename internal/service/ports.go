package service

import (
	"context"
	"errors"

	"fishmarket/internal/apperr"
	"fishmarket/internal/models"
)

// ListingRepository reads seller listings
type ListingRepository interface {
	GetListing(ctx context.Context, id string) (*models.Listing, error)
	ListListings(ctx context.Context) ([]models.Listing, error)
}

// StockLedger holds the available quantity per listing. ReserveStock must be a
// single compare-and-decrement: it fails with InsufficientStock instead of
// letting the quantity go negative.
type StockLedger interface {
	ReserveStock(ctx context.Context, listingID string, quantity int) (int, error)
	ReleaseStock(ctx context.Context, listingID string, quantity int) (int, error)
	GetStock(ctx context.Context, listingID string) (int, error)
	SetStock(ctx context.Context, listingID string, quantity int) error
}

// StockSeeder is implemented by ledgers that are loaded from the store at startup
type StockSeeder interface {
	SeedStock(ctx context.Context, listingID string, quantity int) (bool, error)
}

// CartRepository persists carts. GetCart returns nil when the buyer has none.
type CartRepository interface {
	GetCart(ctx context.Context, buyerID string) (*models.Cart, error)
	SaveCart(ctx context.Context, cart *models.Cart) error
}

// OrderRepository persists orders. Status updates are compare-and-set and
// report whether the row changed.
type OrderRepository interface {
	PlaceOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, buyerID, key string) (*models.Order, error)
	ListOrdersByBuyer(ctx context.Context, buyerID string) ([]*models.Order, error)
	ListOrdersBySeller(ctx context.Context, sellerID string) ([]*models.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, from []models.OrderStatus, to models.OrderStatus, trackingNumber string) (bool, error)
	UpdatePaymentStatus(ctx context.Context, id string, from, to models.PaymentStatus) (bool, error)
}

// EventLog remembers consumed events
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Locker serialises work on a key. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// EventPublisher emits domain events
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishPaymentStatusChanged(ctx context.Context, event *models.PaymentStatusChangedEvent) error
	PublishInventoryReleaseFailed(ctx context.Context, event *models.InventoryReleaseFailedEvent) error
}

func buyerLockKey(buyerID string) string {
	return "cart:" + buyerID
}

func lockBuyer(ctx context.Context, locker Locker, buyerID string) (func(), error) {
	unlock, err := locker.Lock(ctx, buyerLockKey(buyerID))
	if err != nil {
		return nil, apperr.Persistence("lock buyer "+buyerID, err)
	}
	return unlock, nil
}

// persistence keeps typed errors and wraps anything else as PersistenceFailure
func persistence(op string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Persistence(op, err)
}
