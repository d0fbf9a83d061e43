package worker

import (
	"context"
	"errors"

	"fishmarket/internal/broker"
	"fishmarket/internal/feed"
	"fishmarket/internal/models"
	"fishmarket/internal/service"
	"fishmarket/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrNoConsumer is returned by Start when the worker only serves the local bus
var ErrNoConsumer = errors.New("worker has no kafka consumer")

// Worker drains one topic through a handler. The consumer is optional: without
// Kafka the same handler is subscribed to the in-process bus.
type Worker struct {
	name     string
	consumer *broker.Consumer
	handler  broker.MessageHandler
	logger   *zap.Logger
}

func newWorker(name string, consumer *broker.Consumer, handler broker.MessageHandler) *Worker {
	return &Worker{
		name:     name,
		consumer: consumer,
		handler:  handler,
		logger:   util.GetLogger(),
	}
}

// NewPaymentWorker charges new orders through the payment service
func NewPaymentWorker(consumer *broker.Consumer, payments *service.PaymentService) *Worker {
	router := broker.NewRouter()
	router.On(models.EventTypeOrderCreated, func(ctx context.Context, msg kafka.Message) error {
		event, err := broker.Decode[models.OrderCreatedEvent](msg)
		if err != nil {
			return err
		}
		return payments.HandleOrderCreated(ctx, event)
	})
	return newWorker("payment", consumer, router.HandleMessage)
}

// NewRestockWorker retries releases that failed during rollback or cancellation
func NewRestockWorker(consumer *broker.Consumer, saga *service.SagaOrchestrator) *Worker {
	router := broker.NewRouter()
	router.On(models.EventTypeInventoryReleaseFailed, func(ctx context.Context, msg kafka.Message) error {
		event, err := broker.Decode[models.InventoryReleaseFailedEvent](msg)
		if err != nil {
			return err
		}
		return saga.HandleReleaseFailed(ctx, event)
	})
	return newWorker("restock", consumer, router.HandleMessage)
}

// NewFeedWorker forwards every order event to the live feed
func NewFeedWorker(consumer *broker.Consumer, hub *feed.Hub) *Worker {
	return newWorker("feed", consumer, hub.HandleMessage)
}

// Name identifies the worker in logs
func (w *Worker) Name() string {
	return w.name
}

// HandleMessage processes one message
func (w *Worker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return w.handler(ctx, msg)
}

// Start consumes until ctx is cancelled
func (w *Worker) Start(ctx context.Context) error {
	if w.consumer == nil {
		return ErrNoConsumer
	}
	w.logger.Info("Starting worker", zap.String("worker", w.name))
	return w.consumer.StartConsuming(ctx, w.handler)
}

// Stop closes the consumer
func (w *Worker) Stop() error {
	w.logger.Info("Stopping worker", zap.String("worker", w.name))
	if w.consumer == nil {
		return nil
	}
	return w.consumer.Close()
}
