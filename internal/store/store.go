package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"fishmarket/internal/apperr"
	"fishmarket/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewFromDB wraps an existing connection
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema files in name order
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// CreateListing inserts a listing; used by seeding and tests, catalog CRUD lives elsewhere
func (s *Store) CreateListing(ctx context.Context, listing *models.Listing) error {
	listing.IsAvailable = listing.Quantity > 0
	query := `
		INSERT INTO listings (id, seller_id, name, price, quantity, is_available)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		listing.ID, listing.SellerID, listing.Name, listing.Price, listing.Quantity, listing.IsAvailable,
	).Scan(&listing.CreatedAt, &listing.UpdatedAt)
}

// GetListing retrieves a listing by ID
func (s *Store) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	var listing models.Listing
	err := s.db.GetContext(ctx, &listing, "SELECT * FROM listings WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ListingNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return &listing, nil
}

// ListListings retrieves all listings
func (s *Store) ListListings(ctx context.Context) ([]models.Listing, error) {
	var listings []models.Listing
	err := s.db.SelectContext(ctx, &listings, "SELECT * FROM listings ORDER BY id")
	return listings, err
}

// ReserveStock decrements quantity only if enough is on hand, in one statement
func (s *Store) ReserveStock(ctx context.Context, listingID string, quantity int) (int, error) {
	var remaining int
	err := s.db.GetContext(ctx, &remaining, `
		UPDATE listings
		SET quantity = quantity - $1, is_available = (quantity - $1) > 0, updated_at = NOW()
		WHERE id = $2 AND quantity >= $1
		RETURNING quantity`,
		quantity, listingID)
	if errors.Is(err, sql.ErrNoRows) {
		available, err := s.GetStock(ctx, listingID)
		if err != nil {
			return 0, err
		}
		return available, apperr.InsufficientStock(listingID, available, quantity)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reserve stock: %w", err)
	}
	return remaining, nil
}

// ReleaseStock returns quantity to a listing and re-enables it
func (s *Store) ReleaseStock(ctx context.Context, listingID string, quantity int) (int, error) {
	var remaining int
	err := s.db.GetContext(ctx, &remaining, `
		UPDATE listings
		SET quantity = quantity + $1, is_available = TRUE, updated_at = NOW()
		WHERE id = $2
		RETURNING quantity`,
		quantity, listingID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.ListingNotFound(listingID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to release stock: %w", err)
	}
	return remaining, nil
}

// GetStock reads the current quantity
func (s *Store) GetStock(ctx context.Context, listingID string) (int, error) {
	var quantity int
	err := s.db.GetContext(ctx, &quantity, "SELECT quantity FROM listings WHERE id = $1", listingID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.ListingNotFound(listingID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get stock: %w", err)
	}
	return quantity, nil
}

// SetStock overwrites the quantity, e.g. after a seller recount
func (s *Store) SetStock(ctx context.Context, listingID string, quantity int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE listings SET quantity = $1, is_available = $2, updated_at = NOW() WHERE id = $3",
		quantity, quantity > 0, listingID)
	if err != nil {
		return fmt.Errorf("failed to set stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ListingNotFound(listingID)
	}
	return nil
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
