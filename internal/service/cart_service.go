package service

import (
	"context"
	"errors"
	"time"

	"fishmarket/internal/apperr"
	"fishmarket/internal/models"
	"fishmarket/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CartService handles cart business logic. Every mutation runs under the
// buyer lock that checkout also takes.
type CartService struct {
	carts     CartRepository
	inventory *InventoryService
	locker    Locker
	logger    *zap.Logger
	now       func() time.Time
}

// NewCartService creates a new cart service
func NewCartService(carts CartRepository, inventory *InventoryService, locker Locker) *CartService {
	return &CartService{
		carts:     carts,
		inventory: inventory,
		locker:    locker,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// GetCart returns the buyer's cart, or an empty one if none exists
func (s *CartService) GetCart(ctx context.Context, buyerID string) (*models.Cart, error) {
	cart, err := s.carts.GetCart(ctx, buyerID)
	if err != nil {
		return nil, persistence("get cart", err)
	}
	if cart == nil {
		return models.NewCart(buyerID), nil
	}
	return cart, nil
}

// AddItem adds quantity of a listing, summing with an existing line
func (s *CartService) AddItem(ctx context.Context, buyerID, listingID string, quantity int) (cart *models.Cart, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.AddItem",
		attribute.String("buyer_id", buyerID), attribute.String("listing_id", listingID))
	defer span.End()
	defer s.observe("add", &err)

	if quantity < 1 {
		return nil, apperr.InvalidQuantity(quantity)
	}

	unlock, err := lockBuyer(ctx, s.locker, buyerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	listing, err := s.inventory.GetListing(ctx, listingID)
	if errors.Is(err, apperr.ErrListingNotFound) {
		return nil, apperr.ListingUnavailable(listingID, 0, quantity)
	}
	if err != nil {
		return nil, err
	}

	available, err := s.inventory.AvailableQuantity(ctx, listingID)
	if errors.Is(err, apperr.ErrListingNotFound) {
		return nil, apperr.ListingUnavailable(listingID, 0, quantity)
	}
	if err != nil {
		return nil, err
	}
	if available <= 0 || available < quantity {
		return nil, apperr.ListingUnavailable(listingID, available, quantity)
	}

	cart, err = s.GetCart(ctx, buyerID)
	if err != nil {
		return nil, err
	}

	if idx, ok := cart.Find(listingID); ok {
		combined := cart.Items[idx].Quantity + quantity
		if combined > available {
			return nil, apperr.InsufficientStock(listingID, available, combined)
		}
		cart.Items[idx].Quantity = combined
	} else {
		cart.Items = append(cart.Items, models.CartItem{
			ListingID: listing.ID,
			SellerID:  listing.SellerID,
			Quantity:  quantity,
			Price:     listing.Price,
			AddedAt:   s.now(),
		})
	}
	cart.Recalculate()

	if err := s.carts.SaveCart(ctx, cart); err != nil {
		util.RecordError(span, err)
		return nil, persistence("save cart", err)
	}

	s.logger.Info("Item added to cart",
		zap.String("buyer_id", buyerID),
		zap.String("listing_id", listingID),
		zap.Int("quantity", quantity))
	return cart, nil
}

// UpdateItem replaces the quantity of an existing line
func (s *CartService) UpdateItem(ctx context.Context, buyerID, listingID string, quantity int) (cart *models.Cart, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.UpdateItem",
		attribute.String("buyer_id", buyerID), attribute.String("listing_id", listingID))
	defer span.End()
	defer s.observe("update", &err)

	if quantity < 1 {
		return nil, apperr.InvalidQuantity(quantity)
	}

	unlock, err := lockBuyer(ctx, s.locker, buyerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cart, err = s.GetCart(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	idx, ok := cart.Find(listingID)
	if !ok {
		return nil, apperr.ItemNotFound(listingID)
	}

	available, err := s.inventory.AvailableQuantity(ctx, listingID)
	if errors.Is(err, apperr.ErrListingNotFound) {
		available, err = 0, nil
	}
	if err != nil {
		return nil, err
	}
	if quantity > available {
		return nil, apperr.InsufficientStock(listingID, available, quantity)
	}

	cart.Items[idx].Quantity = quantity
	cart.Recalculate()

	if err := s.carts.SaveCart(ctx, cart); err != nil {
		util.RecordError(span, err)
		return nil, persistence("save cart", err)
	}
	return cart, nil
}

// RemoveItem drops a line; ItemNotFound if the listing is not in the cart
func (s *CartService) RemoveItem(ctx context.Context, buyerID, listingID string) (cart *models.Cart, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.RemoveItem",
		attribute.String("buyer_id", buyerID), attribute.String("listing_id", listingID))
	defer span.End()
	defer s.observe("remove", &err)

	unlock, err := lockBuyer(ctx, s.locker, buyerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cart, err = s.GetCart(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	if !cart.Remove(listingID) {
		return nil, apperr.ItemNotFound(listingID)
	}

	if err := s.carts.SaveCart(ctx, cart); err != nil {
		util.RecordError(span, err)
		return nil, persistence("save cart", err)
	}
	return cart, nil
}

// ClearCart empties the buyer's cart
func (s *CartService) ClearCart(ctx context.Context, buyerID string) (cart *models.Cart, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.ClearCart", attribute.String("buyer_id", buyerID))
	defer span.End()
	defer s.observe("clear", &err)

	unlock, err := lockBuyer(ctx, s.locker, buyerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cart, err = s.GetCart(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	cart.Clear()

	if err := s.carts.SaveCart(ctx, cart); err != nil {
		util.RecordError(span, err)
		return nil, persistence("save cart", err)
	}
	return cart, nil
}

func (s *CartService) observe(op string, err *error) {
	result := "ok"
	if *err != nil {
		result = reasonLabel(*err)
	}
	util.CartMutationsTotal.WithLabelValues(op, result).Inc()
}
