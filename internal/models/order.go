package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Address is the structured delivery address
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zipCode"`
	Country string `json:"country"`
}

// IsZero reports whether no field carries a value
func (a Address) IsZero() bool {
	return strings.TrimSpace(a.Street) == "" &&
		strings.TrimSpace(a.City) == "" &&
		strings.TrimSpace(a.State) == "" &&
		strings.TrimSpace(a.ZipCode) == "" &&
		strings.TrimSpace(a.Country) == ""
}

// Value stores the address as JSON text
func (a Address) Value() (driver.Value, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads the address from a JSON column
func (a *Address) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Address{}
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("cannot scan %T into Address", src)
	}
}

// Order is a placed order. Lines are copies taken at checkout.
type Order struct {
	ID              string          `db:"id" json:"id"`
	OrderNumber     string          `db:"order_number" json:"order_number"`
	BuyerID         string          `db:"buyer_id" json:"buyer_id"`
	Items           []OrderLine     `db:"-" json:"items"`
	TotalPrice      decimal.Decimal `db:"total_price" json:"total_price"`
	DeliveryAddress Address         `db:"delivery_address" json:"delivery_address"`
	PhoneNumber     string          `db:"phone_number" json:"phone_number"`
	PaymentMethod   PaymentMethod   `db:"payment_method" json:"payment_method"`
	Status          OrderStatus     `db:"status" json:"status"`
	PaymentStatus   PaymentStatus   `db:"payment_status" json:"payment_status"`
	TrackingNumber  string          `db:"tracking_number" json:"tracking_number,omitempty"`
	Notes           string          `db:"notes" json:"notes,omitempty"`
	IdempotencyKey  string          `db:"idempotency_key" json:"-"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderLine is an immutable snapshot of a cart line
type OrderLine struct {
	OrderID     string          `db:"order_id" json:"-"`
	Position    int             `db:"position" json:"-"`
	ListingID   string          `db:"listing_id" json:"listing_id"`
	SellerID    string          `db:"seller_id" json:"seller_id"`
	ListingName string          `db:"listing_name" json:"listing_name"`
	Quantity    int             `db:"quantity" json:"quantity"`
	Price       decimal.Decimal `db:"price" json:"price"`
	Subtotal    decimal.Decimal `db:"subtotal" json:"subtotal"`
}

// NewOrderLine copies a cart line and fixes its subtotal
func NewOrderLine(item CartItem, listingName string) OrderLine {
	return OrderLine{
		ListingID:   item.ListingID,
		SellerID:    item.SellerID,
		ListingName: listingName,
		Quantity:    item.Quantity,
		Price:       item.Price,
		Subtotal:    item.Subtotal(),
	}
}

// SumLines returns the sum of line subtotals
func SumLines(lines []OrderLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Subtotal)
	}
	return total
}

// HasSeller reports whether at least one line belongs to sellerID
func (o *Order) HasSeller(sellerID string) bool {
	for _, line := range o.Items {
		if line.SellerID == sellerID {
			return true
		}
	}
	return false
}

// SellerIDs returns the distinct sellers on the order, in line order
func (o *Order) SellerIDs() []string {
	seen := make(map[string]struct{}, len(o.Items))
	ids := make([]string, 0, len(o.Items))
	for _, line := range o.Items {
		if _, ok := seen[line.SellerID]; ok {
			continue
		}
		seen[line.SellerID] = struct{}{}
		ids = append(ids, line.SellerID)
	}
	return ids
}

// Clone returns a deep copy
func (o *Order) Clone() *Order {
	out := *o
	out.Items = make([]OrderLine, len(o.Items))
	copy(out.Items, o.Items)
	return &out
}

// PaymentMethod is how the buyer pays
type PaymentMethod string

// Payment methods
const (
	PaymentMethodCreditCard     PaymentMethod = "Credit Card"
	PaymentMethodDebitCard      PaymentMethod = "Debit Card"
	PaymentMethodUPI            PaymentMethod = "UPI"
	PaymentMethodNetBanking     PaymentMethod = "Net Banking"
	PaymentMethodCashOnDelivery PaymentMethod = "Cash on Delivery"
)

// ParsePaymentMethod accepts the exact recognised strings; empty means cash on delivery
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	switch PaymentMethod(s) {
	case "":
		return PaymentMethodCashOnDelivery, true
	case PaymentMethodCreditCard, PaymentMethodDebitCard, PaymentMethodUPI,
		PaymentMethodNetBanking, PaymentMethodCashOnDelivery:
		return PaymentMethod(s), true
	}
	return "", false
}

// IsDeferred reports whether payment is collected at delivery
func (m PaymentMethod) IsDeferred() bool {
	return m == PaymentMethodCashOnDelivery
}

// ErrDuplicateIdempotencyKey is returned by stores when a buyer reuses an idempotency key
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
