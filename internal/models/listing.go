package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing is a seller's sellable catalog entry with a quantity on hand
type Listing struct {
	ID          string          `db:"id" json:"id"`
	SellerID    string          `db:"seller_id" json:"seller_id"`
	Name        string          `db:"name" json:"name"`
	Price       decimal.Decimal `db:"price" json:"price"`
	Quantity    int             `db:"quantity" json:"quantity"`
	IsAvailable bool            `db:"is_available" json:"is_available"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// SetQuantity updates the quantity and keeps the availability flag consistent with it
func (l *Listing) SetQuantity(quantity int) {
	l.Quantity = quantity
	l.IsAvailable = quantity > 0
}
