package models

// OrderStatus is the fulfilment state of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusConfirmed  OrderStatus = "Confirmed"
	OrderStatusProcessing OrderStatus = "Processing"
	OrderStatusShipped    OrderStatus = "Shipped"
	OrderStatusDelivered  OrderStatus = "Delivered"
	OrderStatusCancelled  OrderStatus = "Cancelled"
)

// PaymentStatus is independent of OrderStatus
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending   PaymentStatus = "Pending"
	PaymentStatusCompleted PaymentStatus = "Completed"
	PaymentStatusFailed    PaymentStatus = "Failed"
)

var fulfilmentRank = map[OrderStatus]int{
	OrderStatusPending:    0,
	OrderStatusConfirmed:  1,
	OrderStatusProcessing: 2,
	OrderStatusShipped:    3,
	OrderStatusDelivered:  4,
}

// ParseOrderStatus accepts only the exact recognised strings
func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(s)
	if st == OrderStatusCancelled {
		return st, true
	}
	if _, ok := fulfilmentRank[st]; ok {
		return st, true
	}
	return "", false
}

// ParsePaymentStatus accepts only the exact recognised strings
func ParsePaymentStatus(s string) (PaymentStatus, bool) {
	switch PaymentStatus(s) {
	case PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed:
		return PaymentStatus(s), true
	}
	return "", false
}

// IsTerminal reports whether no further transition may leave this status
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Cancellable reports whether a buyer may still cancel
func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusPending || s == OrderStatusConfirmed
}

// CancellableStatuses lists the statuses cancellation is legal from
func CancellableStatuses() []OrderStatus {
	return []OrderStatus{OrderStatusPending, OrderStatusConfirmed}
}

// IsTerminal reports whether the payment has settled
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// TransitionPolicy decides which status changes are legal.
//
// Terminal statuses are never left and Cancelled is only entered from a
// cancellable status. Between the remaining statuses the lenient policy
// allows any move, including backwards; Strict allows forward moves only.
// Strict also freezes a settled payment status.
type TransitionPolicy struct {
	Strict bool
}

// CanTransition reports whether an order may move from -> to
func (p TransitionPolicy) CanTransition(from, to OrderStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	if from.IsTerminal() {
		return false
	}
	if to == OrderStatusCancelled {
		return from.Cancellable()
	}
	if !p.Strict {
		return true
	}
	return fulfilmentRank[to] > fulfilmentRank[from]
}

// CanTransitionPayment reports whether a payment may move from -> to
func (p TransitionPolicy) CanTransitionPayment(from, to PaymentStatus) bool {
	if from == to || !p.Strict {
		return true
	}
	return !from.IsTerminal()
}
