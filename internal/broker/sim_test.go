package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/algotrendy/execution-core/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marketOrder(id, symbol, side string, qty float64) *types.Order {
	return &types.Order{
		OrderID:   id,
		Symbol:    symbol,
		Side:      side,
		OrderType: types.TypeMarket,
		Quantity:  qty,
	}
}

func TestSimPlaceOrderFillsAtPostedPrice(t *testing.T) {
	sim := NewSim("sim")
	sim.SetPrice("BTC-USDT", 50000)

	ack, err := sim.PlaceOrder(context.Background(), marketOrder("ORD_1", "BTC-USDT", types.SideBuy, 2))
	require.NoError(t, err)
	require.NotEmpty(t, ack.VenueOrderID)
	require.Len(t, ack.Fills, 1)

	fill := ack.Fills[0]
	assert.Equal(t, "ORD_1", fill.OrderID)
	assert.Equal(t, 2.0, fill.Quantity)
	assert.Equal(t, 50000.0, fill.Price)
	assert.NotEmpty(t, fill.VenueFillID)

	// Venue-side position reflects the execution
	positions, err := sim.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 2.0, positions[0].NetQuantity)
}

func TestSimSellReducesVenuePosition(t *testing.T) {
	sim := NewSim("sim")
	sim.SetPrice("BTC-USDT", 50000)

	_, err := sim.PlaceOrder(context.Background(), marketOrder("ORD_1", "BTC-USDT", types.SideBuy, 3))
	require.NoError(t, err)
	_, err = sim.PlaceOrder(context.Background(), marketOrder("ORD_2", "BTC-USDT", types.SideSell, 1))
	require.NoError(t, err)

	positions, err := sim.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 2.0, positions[0].NetQuantity)
}

func TestSimFailNextPlaceNotAccepted(t *testing.T) {
	sim := NewSim("sim")
	sim.SetPrice("BTC-USDT", 50000)
	venueErr := &types.AmbiguousOutcome{Venue: "sim", Op: "place_order", Err: errors.New("timeout")}
	sim.FailNextPlace(venueErr, false)

	_, err := sim.PlaceOrder(context.Background(), marketOrder("ORD_1", "BTC-USDT", types.SideBuy, 1))
	require.Error(t, err)
	assert.True(t, types.IsAmbiguous(err))

	// The order never reached the venue
	fills, err := sim.AllFills(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fills)

	// The failure is one-shot
	_, err = sim.PlaceOrder(context.Background(), marketOrder("ORD_2", "BTC-USDT", types.SideBuy, 1))
	assert.NoError(t, err)
}

func TestSimFailNextPlaceAcceptedRecordsOrder(t *testing.T) {
	sim := NewSim("sim")
	sim.SetPrice("BTC-USDT", 50000)
	venueErr := &types.AmbiguousOutcome{Venue: "sim", Op: "place_order", Err: errors.New("response lost")}
	sim.FailNextPlace(venueErr, true)

	_, err := sim.PlaceOrder(context.Background(), marketOrder("ORD_1", "BTC-USDT", types.SideBuy, 1))
	require.Error(t, err)

	// The venue executed the order even though the response was lost
	fills, err := sim.AllFills(context.Background())
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "ORD_1", fills[0].OrderID)
}

func TestSimCancelOrder(t *testing.T) {
	// Zero liquidity keeps orders open so there is something to cancel
	profile := SimProfile{LiquidityFactor: 0, SuccessRate: 1}
	sim := NewSimWithProfile("sim", profile, 7)
	sim.SetPrice("BTC-USDT", 50000)

	ack, err := sim.PlaceOrder(context.Background(), marketOrder("ORD_1", "BTC-USDT", types.SideBuy, 1))
	require.NoError(t, err)
	assert.Empty(t, ack.Fills)

	open, err := sim.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, sim.CancelOrder(context.Background(), ack.VenueOrderID))

	open, err = sim.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	// Cancelling an unknown order is a definite rejection
	err = sim.CancelOrder(context.Background(), "SIM-nope-99")
	assert.True(t, types.IsVenueRejection(err))
}

func TestSimInjectFill(t *testing.T) {
	sim := NewSim("sim")

	fill := sim.InjectFill("ORD_GHOST", "ETH-USDT", types.SideSell, 2, 3000)
	assert.Equal(t, "ORD_GHOST", fill.OrderID)
	assert.NotEmpty(t, fill.VenueFillID)

	fills, err := sim.AllFills(context.Background())
	require.NoError(t, err)
	require.Len(t, fills, 1)

	positions, err := sim.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -2.0, positions[0].NetQuantity)
}
