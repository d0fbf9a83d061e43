// Package memstore keeps listings, carts and orders in process memory.
// It backs local development and the service tests, and offers the same
// guarantees as the Postgres store: stock changes are atomic per listing and
// placing an order empties the cart in the same step.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"fishmarket/internal/apperr"
	"fishmarket/internal/models"
)

type listingEntry struct {
	mu      sync.Mutex
	listing models.Listing
}

type orderEntry struct {
	seq   int64
	order *models.Order
}

// Store is an in-memory implementation of the listing, stock, cart, order and event log repositories
type Store struct {
	listingsMu sync.RWMutex
	listings   map[string]*listingEntry

	mu        sync.Mutex
	carts     map[string]*models.Cart
	orders    map[string]*orderEntry
	seq       int64
	processed map[string]models.ProcessedEvent

	now func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		listings:  make(map[string]*listingEntry),
		carts:     make(map[string]*models.Cart),
		orders:    make(map[string]*orderEntry),
		processed: make(map[string]models.ProcessedEvent),
		now:       time.Now,
	}
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// CreateListing adds or replaces a listing
func (s *Store) CreateListing(ctx context.Context, listing *models.Listing) error {
	now := s.now()
	l := *listing
	l.SetQuantity(l.Quantity)
	l.CreatedAt, l.UpdatedAt = now, now

	s.listingsMu.Lock()
	s.listings[l.ID] = &listingEntry{listing: l}
	s.listingsMu.Unlock()

	*listing = l
	return nil
}

// GetListing returns a copy of the listing
func (s *Store) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, apperr.ListingNotFound(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.listing
	return &l, nil
}

// ListListings returns copies of all listings ordered by ID
func (s *Store) ListListings(ctx context.Context) ([]models.Listing, error) {
	s.listingsMu.RLock()
	entries := make([]*listingEntry, 0, len(s.listings))
	for _, e := range s.listings {
		entries = append(entries, e)
	}
	s.listingsMu.RUnlock()

	out := make([]models.Listing, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.listing)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReserveStock checks and decrements under the listing's lock
func (s *Store) ReserveStock(ctx context.Context, listingID string, quantity int) (int, error) {
	e, ok := s.entry(listingID)
	if !ok {
		return 0, apperr.ListingNotFound(listingID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listing.Quantity < quantity {
		return e.listing.Quantity, apperr.InsufficientStock(listingID, e.listing.Quantity, quantity)
	}
	e.listing.SetQuantity(e.listing.Quantity - quantity)
	e.listing.UpdatedAt = s.now()
	return e.listing.Quantity, nil
}

// ReleaseStock increments under the listing's lock and re-enables the listing
func (s *Store) ReleaseStock(ctx context.Context, listingID string, quantity int) (int, error) {
	e, ok := s.entry(listingID)
	if !ok {
		return 0, apperr.ListingNotFound(listingID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listing.Quantity += quantity
	e.listing.IsAvailable = true
	e.listing.UpdatedAt = s.now()
	return e.listing.Quantity, nil
}

// GetStock reads the current quantity
func (s *Store) GetStock(ctx context.Context, listingID string) (int, error) {
	e, ok := s.entry(listingID)
	if !ok {
		return 0, apperr.ListingNotFound(listingID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listing.Quantity, nil
}

// SetStock overwrites the quantity
func (s *Store) SetStock(ctx context.Context, listingID string, quantity int) error {
	e, ok := s.entry(listingID)
	if !ok {
		return apperr.ListingNotFound(listingID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listing.SetQuantity(quantity)
	e.listing.UpdatedAt = s.now()
	return nil
}

func (s *Store) entry(id string) (*listingEntry, bool) {
	s.listingsMu.RLock()
	defer s.listingsMu.RUnlock()
	e, ok := s.listings[id]
	return e, ok
}

// GetCart returns a copy of the buyer's cart, or nil when there is none
func (s *Store) GetCart(ctx context.Context, buyerID string) (*models.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, ok := s.carts[buyerID]
	if !ok {
		return nil, nil
	}
	return cart.Clone(), nil
}

// SaveCart stores a copy of the cart
func (s *Store) SaveCart(ctx context.Context, cart *models.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart.UpdatedAt = s.now()
	s.carts[cart.BuyerID] = cart.Clone()
	return nil
}

// PlaceOrder stores the order and empties the buyer's cart atomically
func (s *Store) PlaceOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.IdempotencyKey != "" {
		for _, e := range s.orders {
			if e.order.BuyerID == order.BuyerID && e.order.IdempotencyKey == order.IdempotencyKey {
				return models.ErrDuplicateIdempotencyKey
			}
		}
	}

	now := s.now()
	order.CreatedAt, order.UpdatedAt = now, now
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
		order.Items[i].Position = i
	}

	s.seq++
	s.orders[order.ID] = &orderEntry{seq: s.seq, order: order.Clone()}

	if cart, ok := s.carts[order.BuyerID]; ok {
		cart.Clear()
		cart.UpdatedAt = now
	}
	return nil
}

// GetOrder returns a copy of the order
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.orders[id]
	if !ok {
		return nil, apperr.OrderNotFound(id)
	}
	return e.order.Clone(), nil
}

// GetOrderByIdempotencyKey returns nil when the buyer has not used the key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, buyerID, key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.orders {
		if e.order.BuyerID == buyerID && e.order.IdempotencyKey == key {
			return e.order.Clone(), nil
		}
	}
	return nil, nil
}

// ListOrdersByBuyer returns the buyer's orders, newest first
func (s *Store) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]*models.Order, error) {
	return s.listOrders(func(o *models.Order) bool { return o.BuyerID == buyerID }), nil
}

// ListOrdersBySeller returns orders with at least one of the seller's lines, newest first
func (s *Store) ListOrdersBySeller(ctx context.Context, sellerID string) ([]*models.Order, error) {
	return s.listOrders(func(o *models.Order) bool { return o.HasSeller(sellerID) }), nil
}

func (s *Store) listOrders(match func(*models.Order) bool) []*models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*orderEntry, 0)
	for _, e := range s.orders {
		if match(e.order) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })

	out := make([]*models.Order, len(entries))
	for i, e := range entries {
		out[i] = e.order.Clone()
	}
	return out
}

// UpdateOrderStatus moves the order to `to` only if its status is still one of `from`
func (s *Store) UpdateOrderStatus(ctx context.Context, id string, from []models.OrderStatus, to models.OrderStatus, trackingNumber string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.orders[id]
	if !ok {
		return false, apperr.OrderNotFound(id)
	}
	for _, st := range from {
		if e.order.Status == st {
			e.order.Status = to
			if trackingNumber != "" {
				e.order.TrackingNumber = trackingNumber
			}
			e.order.UpdatedAt = s.now()
			return true, nil
		}
	}
	return false, nil
}

// UpdatePaymentStatus moves the payment status only if it still equals from
func (s *Store) UpdatePaymentStatus(ctx context.Context, id string, from, to models.PaymentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.orders[id]
	if !ok {
		return false, apperr.OrderNotFound(id)
	}
	if e.order.PaymentStatus != from {
		return false, nil
	}
	e.order.PaymentStatus = to
	e.order.UpdatedAt = s.now()
	return true, nil
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[eventID]; !ok {
		s.processed[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: s.now()}
	}
	return nil
}
