package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"fishmarket/internal/broker"
	"fishmarket/internal/feed"
	"fishmarket/internal/memstore"
	"fishmarket/internal/models"
	"fishmarket/internal/service"
	"fishmarket/internal/util"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeline struct {
	store  *memstore.Store
	bus    *broker.LocalBus
	topics broker.Topics
	carts  *service.CartService
	orders *service.OrderService
	saga   *service.SagaOrchestrator
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	store := memstore.New()
	listing := &models.Listing{ID: "tuna", SellerID: "seller-1", Name: "Tuna", Price: decimal.RequireFromString("10.00"), Quantity: 5}
	require.NoError(t, store.CreateListing(context.Background(), listing))

	bus := broker.NewLocalBus(16)
	topics := broker.Topics{Orders: "orders", Restock: "restock"}
	publisher := broker.NewEventPublisher(bus, topics)
	locker := util.NewKeyedMutex()
	inventory := service.NewInventoryService(store, store)
	saga := service.NewSagaOrchestrator(inventory, publisher, store)

	return &pipeline{
		store:  store,
		bus:    bus,
		topics: topics,
		carts:  service.NewCartService(store, inventory, locker),
		orders: service.NewOrderService(store, store, inventory, saga, locker, publisher, models.TransitionPolicy{}),
		saga:   saga,
	}
}

func (p *pipeline) checkout(t *testing.T, method models.PaymentMethod) *models.Order {
	t.Helper()
	ctx := context.Background()
	_, err := p.carts.AddItem(ctx, "buyer-1", "tuna", 2)
	require.NoError(t, err)
	order, err := p.orders.CreateOrder(ctx, &service.CreateOrderRequest{
		BuyerID:         "buyer-1",
		DeliveryAddress: &models.Address{Street: "1 Quay St", City: "Kochi"},
		PhoneNumber:     "555-0100",
		PaymentMethod:   string(method),
	})
	require.NoError(t, err)
	return order
}

func TestStartWithoutConsumer(t *testing.T) {
	w := NewFeedWorker(nil, feed.NewHub())
	assert.Equal(t, "feed", w.Name())
	assert.ErrorIs(t, w.Start(context.Background()), ErrNoConsumer)
	assert.NoError(t, w.Stop())
}

func TestPaymentWorkerSettlesOrdersFromTheBus(t *testing.T) {
	p := newPipeline(t)
	payments := service.NewPaymentService(service.NewStubGateway(1), p.orders, p.store)
	p.bus.Subscribe(p.topics.Orders, NewPaymentWorker(nil, payments).HandleMessage)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.bus.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	order := p.checkout(t, models.PaymentMethodCreditCard)

	require.Eventually(t, func() bool {
		stored, err := p.store.GetOrder(context.Background(), order.ID)
		return err == nil && stored.PaymentStatus == models.PaymentStatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestRestockWorkerRetriesRelease(t *testing.T) {
	p := newPipeline(t)
	w := NewRestockWorker(nil, p.saga)

	event := models.InventoryReleaseFailedEvent{
		BaseEvent: models.BaseEvent{EventID: "evt-1", EventType: models.EventTypeInventoryReleaseFailed},
		OrderID:   "o-1",
		ListingID: "tuna",
		Quantity:  3,
	}
	value, err := json.Marshal(event)
	require.NoError(t, err)
	msg := kafka.Message{Value: value}

	require.NoError(t, w.HandleMessage(context.Background(), msg))
	require.NoError(t, w.HandleMessage(context.Background(), msg))

	stock, err := p.store.GetStock(context.Background(), "tuna")
	require.NoError(t, err)
	assert.Equal(t, 8, stock)

	// other event types on the topic are skipped
	other, err := json.Marshal(models.BaseEvent{EventID: "evt-2", EventType: models.EventTypeOrderCreated})
	require.NoError(t, err)
	assert.NoError(t, w.HandleMessage(context.Background(), kafka.Message{Value: other}))
}

// stickyLedger fails the first releases it is asked to make
type stickyLedger struct {
	service.StockLedger
	mu       sync.Mutex
	failures int
}

func (l *stickyLedger) ReleaseStock(ctx context.Context, listingID string, quantity int) (int, error) {
	l.mu.Lock()
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()
	if fail {
		return 0, errors.New("ledger unavailable")
	}
	return l.StockLedger.ReleaseStock(ctx, listingID, quantity)
}

func TestRestockWorkerRetriesOnTheBus(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.CreateListing(ctx, &models.Listing{
		ID: "tuna", SellerID: "seller-1", Name: "Tuna", Price: decimal.RequireFromString("10.00"), Quantity: 5,
	}))

	bus := broker.NewLocalBus(16)
	bus.SetRetry(3, time.Millisecond)
	topics := broker.Topics{Orders: "orders", Restock: "restock"}
	inventory := service.NewInventoryService(store, &stickyLedger{StockLedger: store, failures: 1})
	saga := service.NewSagaOrchestrator(inventory, broker.NewEventPublisher(bus, topics), store)
	bus.Subscribe(topics.Restock, NewRestockWorker(nil, saga).HandleMessage)

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		bus.Run(runCtx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	event := models.InventoryReleaseFailedEvent{
		BaseEvent: models.BaseEvent{EventID: "evt-9", EventType: models.EventTypeInventoryReleaseFailed},
		OrderID:   "o-9",
		ListingID: "tuna",
		Quantity:  2,
	}
	require.NoError(t, bus.PublishEvent(ctx, topics.Restock, "order-o-9", event))

	require.Eventually(t, func() bool {
		stock, err := store.GetStock(ctx, "tuna")
		return err == nil && stock == 7
	}, time.Second, 5*time.Millisecond)
}
