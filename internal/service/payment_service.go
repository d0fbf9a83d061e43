package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"fishmarket/internal/apperr"
	"fishmarket/internal/models"
	"fishmarket/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ErrPaymentDeclined is returned by a gateway that refused the charge
var ErrPaymentDeclined = errors.New("payment declined")

// PaymentGateway charges an order
type PaymentGateway interface {
	Charge(ctx context.Context, orderID string, amount decimal.Decimal, method models.PaymentMethod) (string, error)
}

// StubGateway approves a configurable share of charges
type StubGateway struct {
	mu          sync.Mutex
	rnd         *rand.Rand
	successRate float64
}

// NewStubGateway creates a stub gateway; successRate is clamped to [0, 1]
func NewStubGateway(successRate float64) *StubGateway {
	if successRate < 0 {
		successRate = 0
	}
	if successRate > 1 {
		successRate = 1
	}
	return &StubGateway{
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		successRate: successRate,
	}
}

// Charge returns a provider transaction id or ErrPaymentDeclined
func (g *StubGateway) Charge(ctx context.Context, orderID string, amount decimal.Decimal, method models.PaymentMethod) (string, error) {
	g.mu.Lock()
	roll := g.rnd.Float64()
	g.mu.Unlock()

	if roll >= g.successRate {
		return "", ErrPaymentDeclined
	}
	return fmt.Sprintf("TXN-%s", uuid.New().String()[:8]), nil
}

// PaymentService settles payment for new orders through the gateway
type PaymentService struct {
	gateway PaymentGateway
	orders  *OrderService
	events  EventLog
	logger  *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(gateway PaymentGateway, orders *OrderService, events EventLog) *PaymentService {
	return &PaymentService{
		gateway: gateway,
		orders:  orders,
		events:  events,
		logger:  util.GetLogger(),
	}
}

// HandleOrderCreated charges the order unless it is paid on delivery
func (ps *PaymentService) HandleOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleOrderCreated", attribute.String("order_id", event.OrderID))
	defer span.End()

	processed, err := ps.events.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		ps.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	if event.PaymentMethod.IsDeferred() {
		ps.logger.Debug("Payment collected on delivery", zap.String("order_id", event.OrderID))
		return ps.markProcessed(ctx, event)
	}

	ps.logger.Info("Processing payment",
		zap.String("order_id", event.OrderID),
		zap.String("amount", event.TotalPrice.StringFixed(2)),
		zap.String("method", string(event.PaymentMethod)))

	status := models.PaymentStatusCompleted
	txID, err := ps.gateway.Charge(ctx, event.OrderID, event.TotalPrice, event.PaymentMethod)
	switch {
	case errors.Is(err, ErrPaymentDeclined):
		status = models.PaymentStatusFailed
		util.PaymentAttemptsTotal.WithLabelValues("declined").Inc()
		ps.logger.Warn("Payment failed", zap.String("order_id", event.OrderID))
	case err != nil:
		util.PaymentAttemptsTotal.WithLabelValues("error").Inc()
		util.RecordError(span, err)
		return fmt.Errorf("failed to charge order %s: %w", event.OrderID, err)
	default:
		util.PaymentAttemptsTotal.WithLabelValues("completed").Inc()
		ps.logger.Info("Payment succeeded",
			zap.String("order_id", event.OrderID),
			zap.String("tx_id", txID))
	}

	_, err = ps.orders.UpdatePaymentStatus(ctx, event.OrderID, event.BuyerID, string(status))
	if errors.Is(err, apperr.ErrInvalidStateTransition) {
		ps.logger.Warn("Payment already settled",
			zap.String("order_id", event.OrderID),
			zap.Error(err))
	} else if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}

	return ps.markProcessed(ctx, event)
}

func (ps *PaymentService) markProcessed(ctx context.Context, event *models.OrderCreatedEvent) error {
	if err := ps.events.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		ps.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}
