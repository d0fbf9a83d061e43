package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fishmarket/internal/models"
	"fishmarket/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Topics names where each event family goes
type Topics struct {
	Orders  string
	Restock string
}

// Sink is anything that can carry an event to a topic
type Sink interface {
	PublishEvent(ctx context.Context, topic, key string, event interface{}) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	sink   Sink
	topics Topics
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(sink Sink, topics Topics) *EventPublisher {
	return &EventPublisher{sink: sink, topics: topics}
}

func orderKey(orderID string) string {
	return "order-" + orderID
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.sink.PublishEvent(ctx, ep.topics.Orders, orderKey(event.OrderID), event)
}

// PublishOrderCancelled publishes OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.sink.PublishEvent(ctx, ep.topics.Orders, orderKey(event.OrderID), event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.sink.PublishEvent(ctx, ep.topics.Orders, orderKey(event.OrderID), event)
}

// PublishPaymentStatusChanged publishes PaymentStatusChanged event
func (ep *EventPublisher) PublishPaymentStatusChanged(ctx context.Context, event *models.PaymentStatusChangedEvent) error {
	return ep.sink.PublishEvent(ctx, ep.topics.Orders, orderKey(event.OrderID), event)
}

// PublishInventoryReleaseFailed queues a failed release for retry
func (ep *EventPublisher) PublishInventoryReleaseFailed(ctx context.Context, event *models.InventoryReleaseFailedEvent) error {
	return ep.sink.PublishEvent(ctx, ep.topics.Restock, "listing-"+event.ListingID, event)
}

// Router dispatches messages to handlers by event type
type Router struct {
	handlers map[string]MessageHandler
	logger   *zap.Logger
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]MessageHandler),
		logger:   util.GetLogger(),
	}
}

// On registers the handler for an event type
func (r *Router) On(eventType string, handler MessageHandler) {
	r.handlers[eventType] = handler
}

// HandleMessage routes messages to appropriate handlers
func (r *Router) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	handler, ok := r.handlers[baseEvent.EventType]
	if !ok {
		r.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
		return nil
	}

	r.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))
	return handler(ctx, msg)
}

// Decode unmarshals a message into the event type T
func Decode[T any](msg kafka.Message) (*T, error) {
	var event T
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %T: %w", event, err)
	}
	return &event, nil
}

// ErrBusFull is returned when the local bus cannot take more messages
var ErrBusFull = errors.New("local event bus is full")

// LocalBus delivers events to in-process subscribers when Kafka is disabled.
// Messages are handled one at a time on the goroutine running Run. A failing
// handler is retried in place like a Kafka consumer would, without
// redelivering the message to the other subscribers.
type LocalBus struct {
	messages   chan kafka.Message
	mu         sync.RWMutex
	subs       map[string][]MessageHandler
	attempts   int
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewLocalBus creates a bus buffering up to size messages
func NewLocalBus(size int) *LocalBus {
	return &LocalBus{
		messages:   make(chan kafka.Message, size),
		subs:       make(map[string][]MessageHandler),
		attempts:   maxHandlerAttempts,
		retryDelay: retryBaseDelay,
		logger:     util.GetLogger(),
	}
}

// SetRetry changes how often and how patiently a failing handler is retried
func (b *LocalBus) SetRetry(attempts int, delay time.Duration) {
	if attempts > 0 {
		b.attempts = attempts
	}
	if delay > 0 {
		b.retryDelay = delay
	}
}

// Subscribe registers a handler for every message on topic
func (b *LocalBus) Subscribe(topic string, handler MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
}

// PublishEvent enqueues the event without blocking
func (b *LocalBus) PublishEvent(ctx context.Context, topic, key string, event interface{}) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: eventBytes,
		Time:  time.Now(),
	}

	select {
	case b.messages <- msg:
		return nil
	default:
		return ErrBusFull
	}
}

// Run delivers messages until ctx is done
func (b *LocalBus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.messages:
			b.dispatch(ctx, msg)
		}
	}
}

func (b *LocalBus) dispatch(ctx context.Context, msg kafka.Message) {
	b.mu.RLock()
	handlers := b.subs[msg.Topic]
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := retryHandler(ctx, b.logger, handler, msg, b.attempts, b.retryDelay); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("Giving up on local message",
				zap.String("topic", msg.Topic),
				zap.String("key", string(msg.Key)),
				zap.Int("attempts", b.attempts),
				zap.Error(err))
		}
	}
}
