package service

import (
	"context"
	"testing"

	"fishmarket/internal/apperr"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCartNeverNil(t *testing.T) {
	f := newFixture(t)

	cart, err := f.carts.GetCart(context.Background(), "buyer-1")
	require.NoError(t, err)
	require.NotNil(t, cart)
	assert.Empty(t, cart.Items)
	assert.True(t, cart.TotalPrice.IsZero())
}

func TestAddItemRejectsBadQuantity(t *testing.T) {
	f := newFixture(t)
	f.addListing(t, "tuna", "seller-1", "10.00", 4)

	for _, q := range []int{0, -3} {
		_, err := f.carts.AddItem(context.Background(), "buyer-1", "tuna", q)
		assert.ErrorIs(t, err, apperr.ErrInvalidQuantity)
	}
}

func TestAddItemListingUnavailable(t *testing.T) {
	f := newFixture(t)
	f.addListing(t, "tuna", "seller-1", "10.00", 4)
	f.addListing(t, "crab", "seller-1", "6.00", 0)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "buyer-1", "crab", 1)
	assert.ErrorIs(t, err, apperr.ErrListingUnavailable)

	_, err = f.carts.AddItem(ctx, "buyer-1", "tuna", 5)
	assert.ErrorIs(t, err, apperr.ErrListingUnavailable)

	_, err = f.carts.AddItem(ctx, "buyer-1", "missing", 1)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindListingUnavailable, appErr.Kind)
	assert.Equal(t, "missing", appErr.ID)
}

func TestAddItemSecondAddOverStockKeepsCart(t *testing.T) {
	f := newFixture(t)
	f.addListing(t, "L", "seller-1", "10.00", 4)
	ctx := context.Background()

	cart, err := f.carts.AddItem(ctx, "buyer-1", "L", 2)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("20.00").Equal(cart.TotalPrice))

	_, err = f.carts.AddItem(ctx, "buyer-1", "L", 3)
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)

	cart, err = f.carts.GetCart(ctx, "buyer-1")
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 2, cart.Items[0].Quantity)
	assert.True(t, decimal.RequireFromString("20.00").Equal(cart.TotalPrice))
}

func TestAddItemSumsAndKeepsOrder(t *testing.T) {
	f := newFixture(t)
	f.addListing(t, "prawns", "seller-1", "11.00", 10)
	f.addListing(t, "squid", "seller-2", "4.25", 10)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "buyer-1", "prawns", 1)
	require.NoError(t, err)
	_, err = f.carts.AddItem(ctx, "buyer-1", "squid", 2)
	require.NoError(t, err)
	cart, err := f.carts.AddItem(ctx, "buyer-1", "prawns", 2)
	require.NoError(t, err)

	require.Len(t, cart.Items, 2)
	assert.Equal(t, "prawns", cart.Items[0].ListingID)
	assert.Equal(t, 3, cart.Items[0].Quantity)
	assert.Equal(t, "seller-1", cart.Items[0].SellerID)
	assert.Equal(t, "squid", cart.Items[1].ListingID)
	// 3 x 11.00 + 2 x 4.25
	assert.True(t, decimal.RequireFromString("41.50").Equal(cart.TotalPrice), cart.TotalPrice.String())
}

func TestAddItemKeepsCapturedPrice(t *testing.T) {
	f := newFixture(t)
	f.addListing(t, "pomfret", "seller-1", "9.99", 10)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "buyer-1", "pomfret", 1)
	require.NoError(t, err)

	f.addListing(t, "pomfret", "seller-1", "12.00", 10)

	cart, err := f.carts.GetCart(ctx, "buyer-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("9.99").Equal(cart.Items[0].Price))
}

func TestUpdateItem(t *testing.T) {
	f := newFixture(t)
	f.addListing(t, "tuna", "seller-1", "10.00", 4)
	ctx := context.Background()

	_, err := f.carts.UpdateItem(ctx, "buyer-1", "tuna", 2)
	assert.ErrorIs(t, err, apperr.ErrItemNotFound)

	_, err = f.carts.AddItem(ctx, "buyer-1", "tuna", 1)
	require.NoError(t, err)

	_, err = f.carts.UpdateItem(ctx, "buyer-1", "tuna", 5)
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)

	_, err = f.carts.UpdateItem(ctx, "buyer-1", "tuna", 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidQuantity)

	cart, err := f.carts.UpdateItem(ctx, "buyer-1", "tuna", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, cart.Items[0].Quantity)
	assert.True(t, decimal.RequireFromString("40.00").Equal(cart.TotalPrice))
}

func TestRemoveItem(t *testing.T) {
	f := newFixture(t)
	f.addListing(t, "tuna", "seller-1", "10.00", 4)
	f.addListing(t, "crab", "seller-1", "2.50", 4)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "buyer-1", "tuna", 1)
	require.NoError(t, err)
	_, err = f.carts.AddItem(ctx, "buyer-1", "crab", 2)
	require.NoError(t, err)

	cart, err := f.carts.RemoveItem(ctx, "buyer-1", "tuna")
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.True(t, decimal.RequireFromString("5.00").Equal(cart.TotalPrice))

	_, err = f.carts.RemoveItem(ctx, "buyer-1", "tuna")
	assert.ErrorIs(t, err, apperr.ErrItemNotFound)
}

func TestClearCart(t *testing.T) {
	f := newFixture(t)
	f.addListing(t, "tuna", "seller-1", "10.00", 4)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, "buyer-1", "tuna", 3)
	require.NoError(t, err)

	cart, err := f.carts.ClearCart(ctx, "buyer-1")
	require.NoError(t, err)
	assert.True(t, cart.IsEmpty())
	assert.True(t, cart.TotalPrice.IsZero())

	// clearing never touches stock
	assert.Equal(t, 4, f.stock(t, "tuna"))
}
