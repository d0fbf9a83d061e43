package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fishmarket/internal/apperr"
	"fishmarket/internal/models"
	"fishmarket/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OrderService is the only component that turns carts into orders and moves
// orders through their statuses.
type OrderService struct {
	orders    OrderRepository
	carts     CartRepository
	inventory *InventoryService
	saga      *SagaOrchestrator
	locker    Locker
	publisher EventPublisher
	policy    models.TransitionPolicy
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(
	orders OrderRepository,
	carts CartRepository,
	inventory *InventoryService,
	saga *SagaOrchestrator,
	locker Locker,
	publisher EventPublisher,
	policy models.TransitionPolicy,
) *OrderService {
	return &OrderService{
		orders:    orders,
		carts:     carts,
		inventory: inventory,
		saga:      saga,
		locker:    locker,
		publisher: publisher,
		policy:    policy,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// CreateOrderRequest represents a checkout of the buyer's cart
type CreateOrderRequest struct {
	BuyerID         string          `json:"-"`
	DeliveryAddress *models.Address `json:"delivery_address"`
	PhoneNumber     string          `json:"phone_number"`
	PaymentMethod   string          `json:"payment_method"`
	Notes           string          `json:"notes"`
	IdempotencyKey  string          `json:"-"`
}

// CreateOrder validates the cart against live stock, reserves every line,
// stores the order and empties the cart. On any failure after reservation the
// reserved stock is released and the cart is left as it was.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder", attribute.String("buyer_id", req.BuyerID))
	defer span.End()

	if req.DeliveryAddress == nil || req.DeliveryAddress.IsZero() {
		return nil, s.checkoutFailed(span, apperr.MissingDeliveryInfo("delivery_address"))
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		return nil, s.checkoutFailed(span, apperr.MissingDeliveryInfo("phone_number"))
	}
	method, ok := models.ParsePaymentMethod(req.PaymentMethod)
	if !ok {
		return nil, s.checkoutFailed(span, apperr.InvalidPaymentMethod(req.PaymentMethod))
	}

	unlock, err := lockBuyer(ctx, s.locker, req.BuyerID)
	if err != nil {
		return nil, s.checkoutFailed(span, err)
	}
	defer unlock()

	if req.IdempotencyKey != "" {
		existing, err := s.orders.GetOrderByIdempotencyKey(ctx, req.BuyerID, req.IdempotencyKey)
		if err != nil {
			return nil, s.checkoutFailed(span, persistence("check idempotency", err))
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("order_id", existing.ID))
			return existing, nil
		}
	}

	cart, err := s.carts.GetCart(ctx, req.BuyerID)
	if err != nil {
		return nil, s.checkoutFailed(span, persistence("get cart", err))
	}
	if cart == nil || cart.IsEmpty() {
		return nil, s.checkoutFailed(span, apperr.EmptyCart(req.BuyerID))
	}

	lines, err := s.validateCart(ctx, cart)
	if err != nil {
		return nil, s.checkoutFailed(span, err)
	}

	order := &models.Order{
		ID:              uuid.New().String(),
		OrderNumber:     s.newOrderNumber(),
		BuyerID:         req.BuyerID,
		Items:           lines,
		TotalPrice:      models.SumLines(lines),
		DeliveryAddress: *req.DeliveryAddress,
		PhoneNumber:     strings.TrimSpace(req.PhoneNumber),
		PaymentMethod:   method,
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.PaymentStatusPending,
		Notes:           req.Notes,
		IdempotencyKey:  req.IdempotencyKey,
	}

	reservation, err := s.saga.ReserveAll(ctx, order.ID, lines)
	if err != nil {
		return nil, s.checkoutFailed(span, err)
	}

	if err := s.orders.PlaceOrder(ctx, order); err != nil {
		s.saga.Compensate(ctx, order.ID, reservation)

		if errors.Is(err, models.ErrDuplicateIdempotencyKey) {
			existing, lookupErr := s.orders.GetOrderByIdempotencyKey(ctx, req.BuyerID, req.IdempotencyKey)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		s.logger.Error("Failed to persist order, reservations released",
			zap.String("order_id", order.ID),
			zap.String("buyer_id", req.BuyerID),
			zap.Error(err))
		return nil, s.checkoutFailed(span, apperr.Persistence("place order", err))
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("buyer_id", order.BuyerID),
		zap.String("total_price", order.TotalPrice.StringFixed(2)))

	event := &models.OrderCreatedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderCreated),
		OrderRef:      models.NewOrderRef(order),
		TotalPrice:    order.TotalPrice,
		PaymentMethod: order.PaymentMethod,
		Items:         order.Items,
	}
	if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return order, nil
}

// validateCart checks every line against the live quantity and snapshots listing names
func (s *OrderService) validateCart(ctx context.Context, cart *models.Cart) ([]models.OrderLine, error) {
	lines := make([]models.OrderLine, 0, len(cart.Items))
	for _, item := range cart.Items {
		listing, err := s.inventory.GetListing(ctx, item.ListingID)
		if errors.Is(err, apperr.ErrListingNotFound) {
			return nil, apperr.InsufficientStock(item.ListingID, 0, item.Quantity)
		}
		if err != nil {
			return nil, err
		}

		available, err := s.inventory.AvailableQuantity(ctx, item.ListingID)
		if err != nil {
			return nil, err
		}
		if item.Quantity > available {
			return nil, apperr.InsufficientStock(item.ListingID, available, item.Quantity)
		}

		lines = append(lines, models.NewOrderLine(item, listing.Name))
	}
	return lines, nil
}

func (s *OrderService) newOrderNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("ORD-%d-%s", s.now().UnixMilli(), suffix)
}

func (s *OrderService) checkoutFailed(span trace.Span, err error) error {
	util.OrdersFailedTotal.WithLabelValues(reasonLabel(err)).Inc()
	util.RecordError(span, err)
	return err
}

// GetOrder returns one of the buyer's orders
func (s *OrderService) GetOrder(ctx context.Context, buyerID, orderID string) (*models.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, persistence("get order", err)
	}
	if order.BuyerID != buyerID {
		return nil, apperr.NotAuthorized("order", orderID)
	}
	return order, nil
}

// ListBuyerOrders returns the buyer's orders, newest first
func (s *OrderService) ListBuyerOrders(ctx context.Context, buyerID string) ([]*models.Order, error) {
	orders, err := s.orders.ListOrdersByBuyer(ctx, buyerID)
	if err != nil {
		return nil, persistence("list buyer orders", err)
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	return orders, nil
}

// ListSellerOrders returns orders with at least one line sold by the seller, newest first
func (s *OrderService) ListSellerOrders(ctx context.Context, sellerID string) ([]*models.Order, error) {
	orders, err := s.orders.ListOrdersBySeller(ctx, sellerID)
	if err != nil {
		return nil, persistence("list seller orders", err)
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	return orders, nil
}

// CancelOrder cancels a Pending or Confirmed order of the buyer and restores its stock
func (s *OrderService) CancelOrder(ctx context.Context, buyerID, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder",
		attribute.String("buyer_id", buyerID), attribute.String("order_id", orderID))
	defer span.End()

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, persistence("get order", err)
	}
	if order.BuyerID != buyerID {
		return nil, apperr.NotAuthorized("order", orderID)
	}
	return s.cancel(ctx, order, buyerID)
}

// cancel flips the status with a compare-and-set, so of two racing cancels
// only one restores stock.
func (s *OrderService) cancel(ctx context.Context, order *models.Order, actorID string) (*models.Order, error) {
	from := order.Status
	if !s.policy.CanTransition(from, models.OrderStatusCancelled) {
		return nil, apperr.InvalidStateTransition(order.ID, string(from), string(models.OrderStatusCancelled))
	}

	changed, err := s.orders.UpdateOrderStatus(ctx, order.ID, models.CancellableStatuses(), models.OrderStatusCancelled, "")
	if err != nil {
		return nil, persistence("cancel order", err)
	}
	if !changed {
		return nil, s.lostRace(ctx, order.ID, models.OrderStatusCancelled)
	}

	order.Status = models.OrderStatusCancelled
	order.UpdatedAt = s.now()

	failed := s.saga.RestoreOrder(ctx, order)

	util.OrdersCancelledTotal.Inc()
	util.OrderStatusChangesTotal.WithLabelValues(string(models.OrderStatusCancelled)).Inc()
	s.logger.Info("Order cancelled",
		zap.String("order_id", order.ID),
		zap.String("cancelled_by", actorID),
		zap.String("from", string(from)),
		zap.Int("failed_releases", failed))

	event := &models.OrderCancelledEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderCancelled),
		OrderRef:    models.NewOrderRef(order),
		CancelledBy: actorID,
	}
	if err := s.publisher.PublishOrderCancelled(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
	}

	return order, nil
}

// lostRace reports the status that won a concurrent update
func (s *OrderService) lostRace(ctx context.Context, orderID string, to models.OrderStatus) error {
	current, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return persistence("get order", err)
	}
	return apperr.InvalidStateTransition(orderID, string(current.Status), string(to))
}

// UpdateOrderStatus lets a seller with at least one line on the order move its
// status. Cancelled goes through the cancellation path; a tracking number is
// kept only when shipping.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID, sellerID, newStatus, trackingNumber string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateOrderStatus",
		attribute.String("order_id", orderID), attribute.String("status", newStatus))
	defer span.End()

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, persistence("get order", err)
	}
	if !order.HasSeller(sellerID) {
		return nil, apperr.NotAuthorized("order", orderID)
	}
	to, ok := models.ParseOrderStatus(newStatus)
	if !ok {
		return nil, apperr.InvalidStatus(newStatus)
	}

	if to == models.OrderStatusCancelled {
		return s.cancel(ctx, order, sellerID)
	}

	from := order.Status
	if !s.policy.CanTransition(from, to) {
		return nil, apperr.InvalidStateTransition(orderID, string(from), string(to))
	}
	if to != models.OrderStatusShipped {
		trackingNumber = ""
	}

	changed, err := s.orders.UpdateOrderStatus(ctx, orderID, []models.OrderStatus{from}, to, trackingNumber)
	if err != nil {
		util.RecordError(span, err)
		return nil, persistence("update order status", err)
	}
	if !changed {
		return nil, s.lostRace(ctx, orderID, to)
	}

	order.Status = to
	if trackingNumber != "" {
		order.TrackingNumber = trackingNumber
	}
	order.UpdatedAt = s.now()

	util.OrderStatusChangesTotal.WithLabelValues(string(to)).Inc()
	s.logger.Info("Order status updated",
		zap.String("order_id", orderID),
		zap.String("seller_id", sellerID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	event := &models.OrderStatusChangedEvent{
		BaseEvent:      newBaseEvent(models.EventTypeOrderStatusChanged),
		OrderRef:       models.NewOrderRef(order),
		From:           from,
		To:             to,
		TrackingNumber: order.TrackingNumber,
	}
	if err := s.publisher.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}

	return order, nil
}

// UpdatePaymentStatus sets the payment status of one of the buyer's orders
func (s *OrderService) UpdatePaymentStatus(ctx context.Context, orderID, buyerID, newStatus string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdatePaymentStatus",
		attribute.String("order_id", orderID), attribute.String("payment_status", newStatus))
	defer span.End()

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, persistence("get order", err)
	}
	if order.BuyerID != buyerID {
		return nil, apperr.NotAuthorized("order", orderID)
	}
	to, ok := models.ParsePaymentStatus(newStatus)
	if !ok {
		return nil, apperr.InvalidPaymentStatus(newStatus)
	}

	from := order.PaymentStatus
	if !s.policy.CanTransitionPayment(from, to) {
		return nil, apperr.InvalidStateTransition(orderID, string(from), string(to))
	}

	changed, err := s.orders.UpdatePaymentStatus(ctx, orderID, from, to)
	if err != nil {
		util.RecordError(span, err)
		return nil, persistence("update payment status", err)
	}
	if !changed {
		current, err := s.orders.GetOrder(ctx, orderID)
		if err != nil {
			return nil, persistence("get order", err)
		}
		return nil, apperr.InvalidStateTransition(orderID, string(current.PaymentStatus), string(to))
	}

	order.PaymentStatus = to
	order.UpdatedAt = s.now()

	if from == to {
		return order, nil
	}

	util.PaymentStatusChangesTotal.WithLabelValues(string(to)).Inc()
	s.logger.Info("Payment status updated",
		zap.String("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	event := &models.PaymentStatusChangedEvent{
		BaseEvent: newBaseEvent(models.EventTypePaymentStatusChanged),
		OrderRef:  models.NewOrderRef(order),
		From:      from,
		To:        to,
	}
	if err := s.publisher.PublishPaymentStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish PaymentStatusChanged event", zap.Error(err))
	}

	return order, nil
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// reasonLabel is the metric label for a failure
func reasonLabel(err error) string {
	if kind := apperr.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
