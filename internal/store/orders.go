package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fishmarket/internal/apperr"
	"fishmarket/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const idempotencyIndex = "orders_buyer_idempotency_key"

// PlaceOrder inserts the order with its lines and empties the buyer's cart in one transaction
func (s *Store) PlaceOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, order, `
		INSERT INTO orders (id, order_number, buyer_id, total_price, delivery_address, phone_number,
			payment_method, status, payment_status, tracking_number, notes, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING *`,
		order.ID, order.OrderNumber, order.BuyerID, order.TotalPrice, order.DeliveryAddress,
		order.PhoneNumber, order.PaymentMethod, order.Status, order.PaymentStatus,
		order.TrackingNumber, order.Notes, order.IdempotencyKey)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == idempotencyIndex {
			return models.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range order.Items {
		line := &order.Items[i]
		line.OrderID = order.ID
		line.Position = i
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO order_lines (order_id, position, listing_id, seller_id, listing_name, quantity, price, subtotal)
			VALUES (:order_id, :position, :listing_id, :seller_id, :listing_name, :quantity, :price, :subtotal)`,
			line)
		if err != nil {
			return fmt.Errorf("failed to insert order line: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE buyer_id = $1", order.BuyerID); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE carts SET updated_at = NOW() WHERE buyer_id = $1", order.BuyerID); err != nil {
		return fmt.Errorf("failed to touch cart: %w", err)
	}

	return tx.Commit()
}

// GetOrder retrieves an order with its lines
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.OrderNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	if err := s.attachLines(ctx, []*models.Order{&order}); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey returns nil when the buyer has not used the key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, buyerID, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE buyer_id = $1 AND idempotency_key = $2", buyerID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order by idempotency key: %w", err)
	}

	if err := s.attachLines(ctx, []*models.Order{&order}); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrdersByBuyer returns the buyer's orders, newest first
func (s *Store) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]*models.Order, error) {
	var orders []*models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE buyer_id = $1 ORDER BY created_at DESC", buyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list buyer orders: %w", err)
	}
	return orders, s.attachLines(ctx, orders)
}

// ListOrdersBySeller returns orders containing at least one of the seller's lines, newest first
func (s *Store) ListOrdersBySeller(ctx context.Context, sellerID string) ([]*models.Order, error) {
	var orders []*models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders
		WHERE id IN (SELECT order_id FROM order_lines WHERE seller_id = $1)
		ORDER BY created_at DESC`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list seller orders: %w", err)
	}
	return orders, s.attachLines(ctx, orders)
}

// UpdateOrderStatus moves the order to `to` only if its status is still one of `from`.
// An empty trackingNumber keeps the stored one.
func (s *Store) UpdateOrderStatus(ctx context.Context, id string, from []models.OrderStatus, to models.OrderStatus, trackingNumber string) (bool, error) {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, tracking_number = COALESCE(NULLIF($2, ''), tracking_number), updated_at = NOW()
		WHERE id = $3 AND status = ANY($4)`,
		to, trackingNumber, id, pq.Array(allowed))
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdatePaymentStatus moves the payment status only if it still equals from
func (s *Store) UpdatePaymentStatus(ctx context.Context, id string, from, to models.PaymentStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, updated_at = NOW() WHERE id = $2 AND payment_status = $3",
		to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update payment status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) attachLines(ctx context.Context, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]string, len(orders))
	byID := make(map[string]*models.Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		o.Items = []models.OrderLine{}
		byID[o.ID] = o
	}

	query, args, err := sqlx.In("SELECT * FROM order_lines WHERE order_id IN (?) ORDER BY order_id, position", ids)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)

	var lines []models.OrderLine
	if err := s.db.SelectContext(ctx, &lines, query, args...); err != nil {
		return fmt.Errorf("failed to get order lines: %w", err)
	}

	for _, line := range lines {
		if o, ok := byID[line.OrderID]; ok {
			o.Items = append(o.Items, line)
		}
	}
	return nil
}
