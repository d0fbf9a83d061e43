package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"fishmarket/internal/apperr"
	"fishmarket/internal/memstore"
	"fishmarket/internal/models"
	"fishmarket/internal/redisclient"
	"fishmarket/internal/util"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveNeverGoesNegative(t *testing.T) {
	f := newFixture(t)
	f.addListing(t, "oysters", "seller-1", "2.00", 50)

	var wg sync.WaitGroup
	var reserved int64
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.inventory.Reserve(context.Background(), "oysters", 3); err == nil {
				atomic.AddInt64(&reserved, 3)
			} else {
				assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(48), reserved)
	assert.Equal(t, 2, f.stock(t, "oysters"))
}

func TestReserveAndRelease(t *testing.T) {
	f := newFixture(t)
	f.addListing(t, "crab", "seller-1", "6.00", 2)
	ctx := context.Background()

	_, err := f.inventory.Reserve(ctx, "crab", 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidQuantity)

	_, err = f.inventory.Reserve(ctx, "ghost", 1)
	assert.ErrorIs(t, err, apperr.ErrListingNotFound)

	remaining, err := f.inventory.Reserve(ctx, "crab", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	availability, err := f.inventory.Availability(ctx, "crab")
	require.NoError(t, err)
	assert.False(t, availability.IsAvailable)

	remaining, err = f.inventory.Release(ctx, "crab", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	availability, err = f.inventory.Availability(ctx, "crab")
	require.NoError(t, err)
	assert.True(t, availability.IsAvailable)
	assert.Equal(t, "seller-1", availability.SellerID)
}

func TestSetQuantity(t *testing.T) {
	f := newFixture(t)
	f.addListing(t, "squid", "seller-1", "4.00", 5)
	ctx := context.Background()

	_, err := f.inventory.SetQuantity(ctx, "squid", "seller-1", -1)
	assert.ErrorIs(t, err, apperr.ErrInvalidQuantity)

	_, err = f.inventory.SetQuantity(ctx, "squid", "seller-2", 10)
	assert.ErrorIs(t, err, apperr.ErrNotAuthorized)

	_, err = f.inventory.SetQuantity(ctx, "ghost", "seller-1", 10)
	assert.ErrorIs(t, err, apperr.ErrListingNotFound)

	availability, err := f.inventory.SetQuantity(ctx, "squid", "seller-1", 0)
	require.NoError(t, err)
	assert.False(t, availability.IsAvailable)
	assert.Equal(t, 0, f.stock(t, "squid"))
}

func TestMirrorFollowsLedger(t *testing.T) {
	listings := memstore.New()
	ledger := memstore.New()
	f := newFixture(t)

	for _, s := range []*memstore.Store{listings, ledger} {
		f.store = s
		f.addListing(t, "tuna", "seller-1", "10.00", 8)
	}

	inventory := NewInventoryService(listings, ledger).WithMirror(listings)
	ctx := context.Background()

	_, err := inventory.Reserve(ctx, "tuna", 3)
	require.NoError(t, err)
	_, err = inventory.Release(ctx, "tuna", 1)
	require.NoError(t, err)

	fromLedger, err := ledger.GetStock(ctx, "tuna")
	require.NoError(t, err)
	fromMirror, err := listings.GetStock(ctx, "tuna")
	require.NoError(t, err)
	assert.Equal(t, 6, fromLedger)
	assert.Equal(t, 6, fromMirror)

	_, err = inventory.SetQuantity(ctx, "tuna", "seller-1", 20)
	require.NoError(t, err)
	fromMirror, err = listings.GetStock(ctx, "tuna")
	require.NoError(t, err)
	assert.Equal(t, 20, fromMirror)
}

// seedingLedger records SeedStock calls and keeps counts it already has
type seedingLedger struct {
	StockLedger
	mu     sync.Mutex
	counts map[string]int
}

func (l *seedingLedger) SeedStock(ctx context.Context, listingID string, quantity int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.counts[listingID]; ok {
		return false, nil
	}
	l.counts[listingID] = quantity
	return true, nil
}

func TestSyncToLedger(t *testing.T) {
	f := newFixture(t)
	f.addListing(t, "tuna", "seller-1", "10.00", 8)
	f.addListing(t, "crab", "seller-2", "6.00", 3)

	ledger := &seedingLedger{StockLedger: f.store, counts: map[string]int{"crab": 1}}
	inventory := NewInventoryService(f.store, ledger)

	require.NoError(t, inventory.SyncToLedger(context.Background()))
	assert.Equal(t, map[string]int{"tuna": 8, "crab": 1}, ledger.counts)

	// ledgers without a seeder are left alone
	require.NoError(t, f.inventory.SyncToLedger(context.Background()))
}

func newRedisLedger(t *testing.T) *redisclient.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redisclient.NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLedgerSeedsListingsCreatedAfterSync(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	ledger := newRedisLedger(t)
	inventory := NewInventoryService(store, ledger).WithMirror(store)
	require.NoError(t, inventory.SyncToLedger(ctx))

	late := &models.Listing{ID: "late", SellerID: "seller-1", Name: "Late Catch", Price: decimal.RequireFromString("4.00"), Quantity: 5}
	require.NoError(t, store.CreateListing(ctx, late))

	carts := NewCartService(store, inventory, util.NewKeyedMutex())
	cart, err := carts.AddItem(ctx, "buyer-1", "late", 1)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)

	availability, err := inventory.Availability(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, 5, availability.Quantity)

	remaining, err := inventory.Reserve(ctx, "late", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)
	mirrored, err := store.GetStock(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, 3, mirrored)

	// a second seed attempt must not reset the live count
	seeded, err := ledger.SeedStock(ctx, "late", 5)
	require.NoError(t, err)
	assert.False(t, seeded)
	live, err := ledger.GetStock(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, 3, live)
}

func TestRedisLedgerSeedsOnRelease(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	ledger := newRedisLedger(t)
	inventory := NewInventoryService(store, ledger)

	require.NoError(t, store.CreateListing(ctx, &models.Listing{
		ID: "bass", SellerID: "seller-1", Name: "Sea Bass", Price: decimal.RequireFromString("9.00"), Quantity: 2,
	}))

	remaining, err := inventory.Release(ctx, "bass", 3)
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)
}

func TestAddItemListingMissingFromLedger(t *testing.T) {
	ctx := context.Background()
	listings := memstore.New()
	require.NoError(t, listings.CreateListing(ctx, &models.Listing{
		ID: "bream", SellerID: "seller-1", Name: "Bream", Price: decimal.RequireFromString("3.50"), Quantity: 4,
	}))
	// a ledger that cannot seed never learns about the listing
	inventory := NewInventoryService(listings, memstore.New())
	carts := NewCartService(listings, inventory, util.NewKeyedMutex())

	_, err := carts.AddItem(ctx, "buyer-1", "bream", 1)
	assert.ErrorIs(t, err, apperr.ErrListingUnavailable)

	_, err = inventory.AvailableQuantity(ctx, "bream")
	assert.ErrorIs(t, err, apperr.ErrListingNotFound)
}
