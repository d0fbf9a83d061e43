package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fishmarket/internal/apperr"
	"fishmarket/internal/models"
	"fishmarket/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Release failure sources
const (
	releaseSourceRollback = "rollback"
	releaseSourceCancel   = "cancel"
)

// Reservation records the lines whose stock a checkout has taken, in order
type Reservation struct {
	held []models.OrderLine
}

// Len returns the number of reserved lines
func (r *Reservation) Len() int {
	if r == nil {
		return 0
	}
	return len(r.held)
}

// SagaOrchestrator runs the reserve step of checkout and every compensating release
type SagaOrchestrator struct {
	inventory *InventoryService
	publisher EventPublisher
	events    EventLog
	logger    *zap.Logger
}

// NewSagaOrchestrator creates a new saga orchestrator
func NewSagaOrchestrator(inventory *InventoryService, publisher EventPublisher, events EventLog) *SagaOrchestrator {
	return &SagaOrchestrator{
		inventory: inventory,
		publisher: publisher,
		events:    events,
		logger:    util.GetLogger(),
	}
}

// ReserveAll reserves every line. If any line fails, the lines already
// reserved are released before the error is returned.
func (so *SagaOrchestrator) ReserveAll(ctx context.Context, orderID string, lines []models.OrderLine) (*Reservation, error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.ReserveAll",
		attribute.String("order_id", orderID), attribute.Int("lines", len(lines)))
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	reservation := &Reservation{held: make([]models.OrderLine, 0, len(lines))}
	for _, line := range lines {
		if _, err := so.inventory.Reserve(ctx, line.ListingID, line.Quantity); err != nil {
			util.InventoryReservationsFailed.WithLabelValues(reasonLabel(err)).Inc()
			util.RecordError(span, err)
			so.logger.Warn("Reservation failed, rolling back",
				zap.String("order_id", orderID),
				zap.String("listing_id", line.ListingID),
				zap.Int("quantity", line.Quantity),
				zap.Int("reserved_lines", len(reservation.held)),
				zap.Error(err))

			so.Compensate(ctx, orderID, reservation)
			return nil, err
		}
		reservation.held = append(reservation.held, line)
	}

	return reservation, nil
}

// Compensate releases every reserved line, newest first
func (so *SagaOrchestrator) Compensate(ctx context.Context, orderID string, reservation *Reservation) {
	if reservation.Len() == 0 {
		return
	}

	for i := len(reservation.held) - 1; i >= 0; i-- {
		line := reservation.held[i]
		util.InventoryCompensationsTotal.Inc()
		if _, err := so.inventory.Release(ctx, line.ListingID, line.Quantity); err != nil {
			so.releaseFailed(ctx, releaseSourceRollback, orderID, line, err)
		}
	}
	reservation.held = reservation.held[:0]
}

// RestoreOrder returns the stock of every line of a cancelled order. Each
// release is attempted on its own; it returns how many failed and were queued for retry.
func (so *SagaOrchestrator) RestoreOrder(ctx context.Context, order *models.Order) int {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.RestoreOrder", attribute.String("order_id", order.ID))
	defer span.End()

	failed := 0
	for _, line := range order.Items {
		if _, err := so.inventory.Release(ctx, line.ListingID, line.Quantity); err != nil {
			failed++
			so.releaseFailed(ctx, releaseSourceCancel, order.ID, line, err)
		}
	}
	return failed
}

func (so *SagaOrchestrator) releaseFailed(ctx context.Context, source, orderID string, line models.OrderLine, cause error) {
	util.InventoryReleaseFailuresTotal.WithLabelValues(source).Inc()
	so.logger.Error("Failed to release stock",
		zap.String("source", source),
		zap.String("order_id", orderID),
		zap.String("listing_id", line.ListingID),
		zap.Int("quantity", line.Quantity),
		zap.Error(cause))

	event := &models.InventoryReleaseFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeInventoryReleaseFailed,
			Timestamp: time.Now(),
		},
		OrderID:   orderID,
		ListingID: line.ListingID,
		Quantity:  line.Quantity,
		Reason:    cause.Error(),
	}
	if err := so.publisher.PublishInventoryReleaseFailed(ctx, event); err != nil {
		so.logger.Error("Failed to queue release retry",
			zap.String("order_id", orderID),
			zap.String("listing_id", line.ListingID),
			zap.Error(err))
	}
}

// HandleReleaseFailed retries a queued release. A failed retry returns the
// error so the message is redelivered.
func (so *SagaOrchestrator) HandleReleaseFailed(ctx context.Context, event *models.InventoryReleaseFailedEvent) error {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.HandleReleaseFailed",
		attribute.String("order_id", event.OrderID), attribute.String("listing_id", event.ListingID))
	defer span.End()

	processed, err := so.events.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		so.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	_, err = so.inventory.Release(ctx, event.ListingID, event.Quantity)
	if errors.Is(err, apperr.ErrListingNotFound) {
		util.InventoryRestockRetriesTotal.WithLabelValues("dropped").Inc()
		so.logger.Warn("Dropping release for missing listing",
			zap.String("order_id", event.OrderID),
			zap.String("listing_id", event.ListingID))
		return so.events.MarkEventProcessed(ctx, event.EventID, event.EventType)
	}
	if err != nil {
		util.InventoryRestockRetriesTotal.WithLabelValues("failed").Inc()
		util.RecordError(span, err)
		return fmt.Errorf("failed to retry release: %w", err)
	}
	util.InventoryRestockRetriesTotal.WithLabelValues("released").Inc()

	if err := so.events.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		so.logger.Error("Failed to mark event processed", zap.Error(err))
	}

	so.logger.Info("Queued release applied",
		zap.String("order_id", event.OrderID),
		zap.String("listing_id", event.ListingID),
		zap.Int("quantity", event.Quantity))
	return nil
}
