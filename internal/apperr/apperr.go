// Package apperr defines the typed failures returned by the cart and order services.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can react without parsing messages.
type Kind string

const (
	KindInvalidQuantity        Kind = "InvalidQuantity"
	KindListingUnavailable     Kind = "ListingUnavailable"
	KindListingNotFound        Kind = "ListingNotFound"
	KindInsufficientStock      Kind = "InsufficientStock"
	KindItemNotFound           Kind = "ItemNotFound"
	KindEmptyCart              Kind = "EmptyCart"
	KindMissingDeliveryInfo    Kind = "MissingDeliveryInfo"
	KindOrderNotFound          Kind = "OrderNotFound"
	KindNotAuthorized          Kind = "NotAuthorized"
	KindInvalidStateTransition Kind = "InvalidStateTransition"
	KindInvalidStatus          Kind = "InvalidStatus"
	KindInvalidPaymentStatus   Kind = "InvalidPaymentStatus"
	KindInvalidPaymentMethod   Kind = "InvalidPaymentMethod"
	KindPersistenceFailure     Kind = "PersistenceFailure"
)

// Error carries the kind plus the entity it concerns.
type Error struct {
	Kind    Kind
	Entity  string
	ID      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.ID != "" {
		msg = fmt.Sprintf("%s (%s %s)", msg, e.Entity, e.ID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidQuantity        = &Error{Kind: KindInvalidQuantity}
	ErrListingUnavailable     = &Error{Kind: KindListingUnavailable}
	ErrListingNotFound        = &Error{Kind: KindListingNotFound}
	ErrInsufficientStock      = &Error{Kind: KindInsufficientStock}
	ErrItemNotFound           = &Error{Kind: KindItemNotFound}
	ErrEmptyCart              = &Error{Kind: KindEmptyCart}
	ErrMissingDeliveryInfo    = &Error{Kind: KindMissingDeliveryInfo}
	ErrOrderNotFound          = &Error{Kind: KindOrderNotFound}
	ErrNotAuthorized          = &Error{Kind: KindNotAuthorized}
	ErrInvalidStateTransition = &Error{Kind: KindInvalidStateTransition}
	ErrInvalidStatus          = &Error{Kind: KindInvalidStatus}
	ErrInvalidPaymentStatus   = &Error{Kind: KindInvalidPaymentStatus}
	ErrInvalidPaymentMethod   = &Error{Kind: KindInvalidPaymentMethod}
	ErrPersistenceFailure     = &Error{Kind: KindPersistenceFailure}
)

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func InvalidQuantity(quantity int) *Error {
	return &Error{
		Kind:    KindInvalidQuantity,
		Message: fmt.Sprintf("quantity must be at least 1, got %d", quantity),
	}
}

func ListingUnavailable(listingID string, available, requested int) *Error {
	return &Error{
		Kind:    KindListingUnavailable,
		Entity:  "listing",
		ID:      listingID,
		Message: fmt.Sprintf("listing is not available in the requested quantity: available=%d, requested=%d", available, requested),
	}
}

func ListingNotFound(listingID string) *Error {
	return &Error{Kind: KindListingNotFound, Entity: "listing", ID: listingID, Message: "listing not found"}
}

func InsufficientStock(listingID string, available, requested int) *Error {
	return &Error{
		Kind:    KindInsufficientStock,
		Entity:  "listing",
		ID:      listingID,
		Message: fmt.Sprintf("insufficient stock: available=%d, requested=%d", available, requested),
	}
}

func ItemNotFound(listingID string) *Error {
	return &Error{Kind: KindItemNotFound, Entity: "listing", ID: listingID, Message: "item not found in cart"}
}

func EmptyCart(buyerID string) *Error {
	return &Error{Kind: KindEmptyCart, Entity: "buyer", ID: buyerID, Message: "cart is empty"}
}

func MissingDeliveryInfo(field string) *Error {
	return &Error{Kind: KindMissingDeliveryInfo, Message: fmt.Sprintf("%s is required", field)}
}

func OrderNotFound(orderID string) *Error {
	return &Error{Kind: KindOrderNotFound, Entity: "order", ID: orderID, Message: "order not found"}
}

func NotAuthorized(entity, id string) *Error {
	return &Error{Kind: KindNotAuthorized, Entity: entity, ID: id, Message: "not authorized"}
}

func InvalidStateTransition(orderID, from, to string) *Error {
	return &Error{
		Kind:    KindInvalidStateTransition,
		Entity:  "order",
		ID:      orderID,
		Message: fmt.Sprintf("cannot move from %s to %s", from, to),
	}
}

func InvalidStatus(status string) *Error {
	return &Error{Kind: KindInvalidStatus, Message: fmt.Sprintf("invalid order status %q", status)}
}

func InvalidPaymentStatus(status string) *Error {
	return &Error{Kind: KindInvalidPaymentStatus, Message: fmt.Sprintf("invalid payment status %q", status)}
}

func InvalidPaymentMethod(method string) *Error {
	return &Error{Kind: KindInvalidPaymentMethod, Message: fmt.Sprintf("invalid payment method %q", method)}
}

// Persistence wraps a storage error.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistenceFailure, Message: "failed to " + op, Err: err}
}
