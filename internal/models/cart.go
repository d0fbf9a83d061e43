package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cart holds a buyer's pending selections
type Cart struct {
	BuyerID    string          `json:"buyer_id"`
	Items      []CartItem      `json:"items"`
	TotalPrice decimal.Decimal `json:"total_price"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CartItem references a listing live and keeps the price seen when it was added
type CartItem struct {
	ListingID string          `db:"listing_id" json:"listing_id"`
	SellerID  string          `db:"seller_id" json:"seller_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	Price     decimal.Decimal `db:"price" json:"price"`
	AddedAt   time.Time       `db:"added_at" json:"added_at"`
}

// NewCart returns an empty cart for the buyer
func NewCart(buyerID string) *Cart {
	return &Cart{
		BuyerID:    buyerID,
		Items:      []CartItem{},
		TotalPrice: decimal.Zero,
	}
}

// Subtotal is quantity times the captured price
func (i CartItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Find returns the index of the line for listingID
func (c *Cart) Find(listingID string) (int, bool) {
	for i := range c.Items {
		if c.Items[i].ListingID == listingID {
			return i, true
		}
	}
	return -1, false
}

// Remove drops the line for listingID and reports whether it was present
func (c *Cart) Remove(listingID string) bool {
	idx, ok := c.Find(listingID)
	if !ok {
		return false
	}
	c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
	c.Recalculate()
	return true
}

// Clear empties the cart
func (c *Cart) Clear() {
	c.Items = []CartItem{}
	c.TotalPrice = decimal.Zero
}

// Recalculate sets TotalPrice to the exact sum of line subtotals
func (c *Cart) Recalculate() {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.Subtotal())
	}
	c.TotalPrice = total
}

// IsEmpty reports whether the cart has no lines
func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// Clone returns a deep copy so callers can mutate without touching shared state
func (c *Cart) Clone() *Cart {
	out := *c
	out.Items = make([]CartItem, len(c.Items))
	copy(out.Items, c.Items)
	return &out
}
