package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"fishmarket/internal/apperr"
	"fishmarket/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StoreIntegrationSuite runs the store against a real Postgres in a container.
// Set STORE_INTEGRATION=1 to enable it.
type StoreIntegrationSuite struct {
	suite.Suite
	container testcontainers.Container
	store     *Store
}

func TestStoreIntegration(t *testing.T) {
	if os.Getenv("STORE_INTEGRATION") != "1" {
		t.Skip("Integration test - set STORE_INTEGRATION=1 to run against a Postgres container")
	}
	suite.Run(t, new(StoreIntegrationSuite))
}

func (s *StoreIntegrationSuite) SetupSuite() {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "app",
				"POSTGRES_PASSWORD": "secret",
				"POSTGRES_DB":       "fishmarket_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.container = container

	host, err := container.Host(ctx)
	s.Require().NoError(err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	s.Require().NoError(err)

	dsn := fmt.Sprintf("postgres://app:secret@%s:%s/fishmarket_test?sslmode=disable", host, port.Port())
	s.store, err = NewStore(dsn)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Migrate(ctx))
}

func (s *StoreIntegrationSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
	if s.container != nil {
		s.Require().NoError(s.container.Terminate(context.Background()))
	}
}

func (s *StoreIntegrationSuite) listing(sellerID, price string, quantity int) *models.Listing {
	l := &models.Listing{
		ID:       uuid.New().String(),
		SellerID: sellerID,
		Name:     "Catch of the day",
		Price:    decimal.RequireFromString(price),
		Quantity: quantity,
	}
	s.Require().NoError(s.store.CreateListing(context.Background(), l))
	return l
}

func (s *StoreIntegrationSuite) TestConcurrentReserveNeverOversells() {
	ctx := context.Background()
	l := s.listing("seller-1", "4.50", 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.store.ReserveStock(ctx, l.ID, 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Equal(10, succeeded)
	stored, err := s.store.GetListing(ctx, l.ID)
	s.Require().NoError(err)
	s.Equal(0, stored.Quantity)
	s.False(stored.IsAvailable)

	_, err = s.store.ReleaseStock(ctx, l.ID, 2)
	s.Require().NoError(err)
	stored, err = s.store.GetListing(ctx, l.ID)
	s.Require().NoError(err)
	s.True(stored.IsAvailable)
}

func (s *StoreIntegrationSuite) TestCartRoundTripKeepsOrder() {
	ctx := context.Background()
	a := s.listing("seller-1", "3.00", 5)
	b := s.listing("seller-2", "7.25", 5)

	buyerID := "buyer-" + uuid.New().String()
	cart := models.NewCart(buyerID)
	now := time.Now().UTC().Truncate(time.Second)
	cart.Items = []models.CartItem{
		{ListingID: b.ID, SellerID: b.SellerID, Quantity: 1, Price: b.Price, AddedAt: now},
		{ListingID: a.ID, SellerID: a.SellerID, Quantity: 3, Price: a.Price, AddedAt: now},
	}
	cart.Recalculate()
	s.Require().NoError(s.store.SaveCart(ctx, cart))

	loaded, err := s.store.GetCart(ctx, buyerID)
	s.Require().NoError(err)
	s.Require().Len(loaded.Items, 2)
	s.Equal(b.ID, loaded.Items[0].ListingID)
	s.Equal(a.ID, loaded.Items[1].ListingID)
	s.Equal("16.25", loaded.TotalPrice.StringFixed(2))
}

func (s *StoreIntegrationSuite) TestPlaceOrderEmptiesCartAndEnforcesKey() {
	ctx := context.Background()
	l := s.listing("seller-1", "10.00", 5)
	buyerID := "buyer-" + uuid.New().String()

	cart := models.NewCart(buyerID)
	cart.Items = []models.CartItem{{ListingID: l.ID, SellerID: l.SellerID, Quantity: 2, Price: l.Price, AddedAt: time.Now()}}
	s.Require().NoError(s.store.SaveCart(ctx, cart))

	newOrder := func() *models.Order {
		line := models.NewOrderLine(cart.Items[0], l.Name)
		return &models.Order{
			ID:              uuid.New().String(),
			OrderNumber:     "ORD-" + uuid.New().String()[:8],
			BuyerID:         buyerID,
			Items:           []models.OrderLine{line},
			TotalPrice:      line.Subtotal,
			DeliveryAddress: models.Address{Street: "1 Quay St", City: "Kochi", Country: "India"},
			PhoneNumber:     "+91 90000 00000",
			PaymentMethod:   models.PaymentMethodUPI,
			Status:          models.OrderStatusPending,
			PaymentStatus:   models.PaymentStatusPending,
			IdempotencyKey:  "key-1",
		}
	}

	order := newOrder()
	s.Require().NoError(s.store.PlaceOrder(ctx, order))

	emptied, err := s.store.GetCart(ctx, buyerID)
	s.Require().NoError(err)
	s.Empty(emptied.Items)

	stored, err := s.store.GetOrder(ctx, order.ID)
	s.Require().NoError(err)
	s.Equal("Kochi", stored.DeliveryAddress.City)
	s.Require().Len(stored.Items, 1)
	s.Equal("20.00", stored.Items[0].Subtotal.StringFixed(2))

	err = s.store.PlaceOrder(ctx, newOrder())
	s.ErrorIs(err, models.ErrDuplicateIdempotencyKey)

	byKey, err := s.store.GetOrderByIdempotencyKey(ctx, buyerID, "key-1")
	s.Require().NoError(err)
	s.Equal(order.ID, byKey.ID)

	sellerOrders, err := s.store.ListOrdersBySeller(ctx, "seller-1")
	s.Require().NoError(err)
	s.NotEmpty(sellerOrders)

	changed, err := s.store.UpdateOrderStatus(ctx, order.ID,
		[]models.OrderStatus{models.OrderStatusPending}, models.OrderStatusShipped, "TRK-9")
	s.Require().NoError(err)
	s.True(changed)

	changed, err = s.store.UpdateOrderStatus(ctx, order.ID,
		models.CancellableStatuses(), models.OrderStatusCancelled, "")
	s.Require().NoError(err)
	s.False(changed)

	_, err = s.store.GetOrder(ctx, "missing")
	s.ErrorIs(err, apperr.ErrOrderNotFound)
}
