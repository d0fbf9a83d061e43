package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fishmarket/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetCart loads a buyer's cart, or nil when the buyer never had one
func (s *Store) GetCart(ctx context.Context, buyerID string) (*models.Cart, error) {
	var updatedAt time.Time
	err := s.db.GetContext(ctx, &updatedAt, "SELECT updated_at FROM carts WHERE buyer_id = $1", buyerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	var items []models.CartItem
	err = s.db.SelectContext(ctx, &items, `
		SELECT listing_id, seller_id, quantity, price, added_at
		FROM cart_items
		WHERE buyer_id = $1
		ORDER BY position`, buyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cart items: %w", err)
	}

	cart := models.NewCart(buyerID)
	if items != nil {
		cart.Items = items
	}
	cart.UpdatedAt = updatedAt
	cart.Recalculate()
	return cart, nil
}

// SaveCart replaces the stored lines of the cart, keeping slice order
func (s *Store) SaveCart(ctx context.Context, cart *models.Cart) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertCart(ctx, tx, cart); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE buyer_id = $1", cart.BuyerID); err != nil {
		return fmt.Errorf("failed to clear cart items: %w", err)
	}

	for i, item := range cart.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cart_items (buyer_id, listing_id, seller_id, position, quantity, price, added_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			cart.BuyerID, item.ListingID, item.SellerID, i, item.Quantity, item.Price, item.AddedAt)
		if err != nil {
			return fmt.Errorf("failed to insert cart item: %w", err)
		}
	}

	return tx.Commit()
}

func upsertCart(ctx context.Context, tx *sqlx.Tx, cart *models.Cart) error {
	err := tx.GetContext(ctx, &cart.UpdatedAt, `
		INSERT INTO carts (buyer_id, updated_at) VALUES ($1, NOW())
		ON CONFLICT (buyer_id) DO UPDATE SET updated_at = NOW()
		RETURNING updated_at`, cart.BuyerID)
	if err != nil {
		return fmt.Errorf("failed to upsert cart: %w", err)
	}
	return nil
}
