package service

import (
	"context"
	"errors"
	"fmt"

	"fishmarket/internal/apperr"
	"fishmarket/internal/models"
	"fishmarket/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// InventoryService is the inventory ledger: the single source of truth for the
// quantity available per listing.
//
// When a mirror is set (the Postgres store behind a Redis ledger) every change
// applied to the ledger is copied to the mirror best-effort so listing reads
// stay close to the live counts.
type InventoryService struct {
	listings ListingRepository
	ledger   StockLedger
	mirror   StockLedger
	logger   *zap.Logger
}

// Availability is the live stock view of a listing
type Availability struct {
	ListingID   string `json:"listing_id"`
	SellerID    string `json:"seller_id"`
	Quantity    int    `json:"quantity"`
	IsAvailable bool   `json:"is_available"`
}

// NewInventoryService creates a new inventory service
func NewInventoryService(listings ListingRepository, ledger StockLedger) *InventoryService {
	return &InventoryService{
		listings: listings,
		ledger:   ledger,
		logger:   util.GetLogger(),
	}
}

// WithMirror copies ledger changes to mirror
func (s *InventoryService) WithMirror(mirror StockLedger) *InventoryService {
	s.mirror = mirror
	return s
}

// Reserve atomically takes quantity from the listing and returns what is left
func (s *InventoryService) Reserve(ctx context.Context, listingID string, quantity int) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.Reserve",
		attribute.String("listing_id", listingID), attribute.Int("quantity", quantity))
	defer span.End()

	if quantity < 1 {
		return 0, apperr.InvalidQuantity(quantity)
	}

	remaining, err := s.ledger.ReserveStock(ctx, listingID, quantity)
	if s.seedMissing(ctx, listingID, err) {
		remaining, err = s.ledger.ReserveStock(ctx, listingID, quantity)
	}
	if err != nil {
		util.RecordError(span, err)
		return remaining, persistence("reserve stock", err)
	}

	if s.mirror != nil {
		if _, err := s.mirror.ReserveStock(ctx, listingID, quantity); err != nil {
			s.logger.Warn("Failed to mirror reservation",
				zap.String("listing_id", listingID),
				zap.Int("quantity", quantity),
				zap.Error(err))
		}
	}

	s.logger.Debug("Stock reserved",
		zap.String("listing_id", listingID),
		zap.Int("quantity", quantity),
		zap.Int("remaining", remaining))
	return remaining, nil
}

// Release atomically returns quantity to the listing and makes it available again
func (s *InventoryService) Release(ctx context.Context, listingID string, quantity int) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.Release",
		attribute.String("listing_id", listingID), attribute.Int("quantity", quantity))
	defer span.End()

	if quantity < 1 {
		return 0, apperr.InvalidQuantity(quantity)
	}

	remaining, err := s.ledger.ReleaseStock(ctx, listingID, quantity)
	if s.seedMissing(ctx, listingID, err) {
		remaining, err = s.ledger.ReleaseStock(ctx, listingID, quantity)
	}
	if err != nil {
		util.RecordError(span, err)
		return 0, persistence("release stock", err)
	}

	if s.mirror != nil {
		if _, err := s.mirror.ReleaseStock(ctx, listingID, quantity); err != nil {
			s.logger.Warn("Failed to mirror release",
				zap.String("listing_id", listingID),
				zap.Int("quantity", quantity),
				zap.Error(err))
		}
	}

	return remaining, nil
}

// AvailableQuantity reads the live quantity
func (s *InventoryService) AvailableQuantity(ctx context.Context, listingID string) (int, error) {
	quantity, err := s.ledger.GetStock(ctx, listingID)
	if s.seedMissing(ctx, listingID, err) {
		quantity, err = s.ledger.GetStock(ctx, listingID)
	}
	if err != nil {
		return 0, persistence("get stock", err)
	}
	return quantity, nil
}

// seedMissing loads a listing the ledger has never seen (created after
// SyncToLedger ran) from the store. SeedStock never overwrites a live count.
// It reports whether the caller should retry.
func (s *InventoryService) seedMissing(ctx context.Context, listingID string, err error) bool {
	if !errors.Is(err, apperr.ErrListingNotFound) {
		return false
	}
	seeder, ok := s.ledger.(StockSeeder)
	if !ok {
		return false
	}
	listing, lerr := s.listings.GetListing(ctx, listingID)
	if lerr != nil {
		return false
	}
	if _, serr := seeder.SeedStock(ctx, listing.ID, listing.Quantity); serr != nil {
		s.logger.Error("Failed to seed ledger",
			zap.String("listing_id", listingID),
			zap.Error(serr))
		return false
	}
	s.logger.Info("Seeded ledger for unsynced listing",
		zap.String("listing_id", listingID),
		zap.Int("quantity", listing.Quantity))
	return true
}

// GetListing returns the listing record
func (s *InventoryService) GetListing(ctx context.Context, listingID string) (*models.Listing, error) {
	listing, err := s.listings.GetListing(ctx, listingID)
	if err != nil {
		return nil, persistence("get listing", err)
	}
	return listing, nil
}

// Availability combines the listing with its live quantity
func (s *InventoryService) Availability(ctx context.Context, listingID string) (*Availability, error) {
	listing, err := s.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	quantity, err := s.AvailableQuantity(ctx, listingID)
	if err != nil {
		return nil, err
	}
	return &Availability{
		ListingID:   listing.ID,
		SellerID:    listing.SellerID,
		Quantity:    quantity,
		IsAvailable: quantity > 0,
	}, nil
}

// SetQuantity lets the owning seller overwrite the stock of a listing
func (s *InventoryService) SetQuantity(ctx context.Context, listingID, sellerID string, quantity int) (*Availability, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.SetQuantity",
		attribute.String("listing_id", listingID), attribute.Int("quantity", quantity))
	defer span.End()

	if quantity < 0 {
		return nil, apperr.InvalidQuantity(quantity)
	}

	listing, err := s.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.SellerID != sellerID {
		return nil, apperr.NotAuthorized("listing", listingID)
	}

	if s.mirror != nil {
		if err := s.mirror.SetStock(ctx, listingID, quantity); err != nil {
			return nil, persistence("set stock", err)
		}
	}
	if err := s.ledger.SetStock(ctx, listingID, quantity); err != nil {
		util.RecordError(span, err)
		return nil, persistence("set stock", err)
	}

	s.logger.Info("Stock set by seller",
		zap.String("listing_id", listingID),
		zap.String("seller_id", sellerID),
		zap.Int("quantity", quantity))

	return &Availability{
		ListingID:   listingID,
		SellerID:    sellerID,
		Quantity:    quantity,
		IsAvailable: quantity > 0,
	}, nil
}

// SyncToLedger seeds the ledger from stored listings. Counts already present
// in the ledger are kept so a restart does not undo live reservations.
func (s *InventoryService) SyncToLedger(ctx context.Context) error {
	seeder, ok := s.ledger.(StockSeeder)
	if !ok {
		return nil
	}

	s.logger.Info("Starting inventory sync to ledger")

	listings, err := s.listings.ListListings(ctx)
	if err != nil {
		return fmt.Errorf("failed to list listings: %w", err)
	}

	seeded := 0
	for _, listing := range listings {
		ok, err := seeder.SeedStock(ctx, listing.ID, listing.Quantity)
		if err != nil {
			s.logger.Error("Failed to seed ledger",
				zap.String("listing_id", listing.ID),
				zap.Error(err))
			continue
		}
		if ok {
			seeded++
		}
	}

	s.logger.Info("Inventory sync completed",
		zap.Int("count", len(listings)),
		zap.Int("seeded", seeded))
	return nil
}
