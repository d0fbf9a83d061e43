package redisclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"fishmarket/internal/apperr"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestReserveStock(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("inventory:tuna", "5"))

	remaining, err := client.ReserveStock(ctx, "tuna", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	remaining, err = client.ReserveStock(ctx, "tuna", 3)
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
	assert.Equal(t, 2, remaining)

	got, err := mr.Get("inventory:tuna")
	require.NoError(t, err)
	assert.Equal(t, "2", got)

	_, err = client.ReserveStock(ctx, "ghost", 1)
	assert.ErrorIs(t, err, apperr.ErrListingNotFound)
}

func TestReleaseStock(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("inventory:crab", "0"))

	remaining, err := client.ReleaseStock(ctx, "crab", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, remaining)

	_, err = client.ReleaseStock(ctx, "ghost", 1)
	assert.ErrorIs(t, err, apperr.ErrListingNotFound)
	assert.False(t, mr.Exists("inventory:ghost"))
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, client.SetStock(ctx, "prawns", 10))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.ReserveStock(ctx, "prawns", 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	stock, err := client.GetStock(ctx, "prawns")
	require.NoError(t, err)
	assert.Equal(t, 0, stock)
}

func TestGetAndSeedStock(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	_, err := client.GetStock(ctx, "squid")
	assert.ErrorIs(t, err, apperr.ErrListingNotFound)

	seeded, err := client.SeedStock(ctx, "squid", 7)
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = client.SeedStock(ctx, "squid", 99)
	require.NoError(t, err)
	assert.False(t, seeded)

	stock, err := client.GetStock(ctx, "squid")
	require.NoError(t, err)
	assert.Equal(t, 7, stock)

	require.NoError(t, mr.Set("inventory:bad", "lots"))
	_, err = client.GetStock(ctx, "bad")
	assert.Error(t, err)
}

func TestLockContention(t *testing.T) {
	client, mr := newTestClient(t)
	client.SetLockTiming(time.Second, 60*time.Millisecond)
	ctx := context.Background()

	unlock, err := client.Lock(ctx, "cart:buyer-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:cart:buyer-1"))

	_, err = client.Lock(ctx, "cart:buyer-1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	other, err := client.Lock(ctx, "cart:buyer-2")
	require.NoError(t, err)
	other()

	unlock()
	assert.False(t, mr.Exists("lock:cart:buyer-1"))

	again, err := client.Lock(ctx, "cart:buyer-1")
	require.NoError(t, err)
	again()
}

func TestUnlockChecksOwner(t *testing.T) {
	client, mr := newTestClient(t)
	client.SetLockTiming(time.Second, 60*time.Millisecond)
	ctx := context.Background()

	stale, err := client.Lock(ctx, "cart:buyer-1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	current, err := client.Lock(ctx, "cart:buyer-1")
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists("lock:cart:buyer-1"))

	current()
	assert.False(t, mr.Exists("lock:cart:buyer-1"))
}

func TestUnlockFailureIsLogged(t *testing.T) {
	client, mr := newTestClient(t)
	core, logs := observer.New(zap.WarnLevel)
	client.logger = zap.New(core)
	client.SetLockTiming(time.Second, 60*time.Millisecond)

	unlock, err := client.Lock(context.Background(), "cart:buyer-1")
	require.NoError(t, err)

	mr.SetError("ERR injected failure")
	unlock()
	mr.SetError("")

	entries := logs.FilterMessage("Failed to release lock, leaving it to expire").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "lock:cart:buyer-1", entries[0].ContextMap()["key"])
	assert.True(t, mr.Exists("lock:cart:buyer-1"))
}

func TestLockHonoursContext(t *testing.T) {
	client, _ := newTestClient(t)
	client.SetLockTiming(time.Second, time.Minute)

	unlock, err := client.Lock(context.Background(), "cart:buyer-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Lock(ctx, "cart:buyer-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
