package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/algotrendy/execution-core/internal/broker"
	"github.com/algotrendy/execution-core/internal/config"
	"github.com/algotrendy/execution-core/internal/database"
	"github.com/algotrendy/execution-core/internal/events"
	"github.com/algotrendy/execution-core/internal/gateway"
	"github.com/algotrendy/execution-core/internal/idempotency"
	"github.com/algotrendy/execution-core/internal/ledger"
	"github.com/algotrendy/execution-core/internal/pricefeed"
	"github.com/algotrendy/execution-core/internal/ratelimit"
	"github.com/algotrendy/execution-core/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// recordingSink captures anomalies reported by the gateway.
type recordingSink struct {
	mu        sync.Mutex
	anomalies []string
}

func (r *recordingSink) RecordAnomaly(symbol, reason string, localQty, venueQty float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomalies = append(r.anomalies, symbol+": "+reason)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.anomalies)
}

type harness struct {
	svc  *gateway.Service
	sim  *broker.Sim // deterministic, fills fully at the posted price
	thin *broker.Sim // no liquidity, orders rest open
	bus  *events.Bus
	sink *recordingSink
}

func venueCfg(capacity int, refillPerSec float64, maxWait time.Duration) config.VenueConfig {
	return config.VenueConfig{
		Adapter: "sim",
		RateLimit: config.RateLimitConfig{
			Capacity:     capacity,
			RefillPerSec: refillPerSec,
			MaxWait:      config.Duration(maxWait),
		},
		CallTimeout: config.Duration(5 * time.Second),
	}
}

func newHarness(t *testing.T, venues map[string]config.VenueConfig) *harness {
	t.Helper()

	db, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "gateway.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)},
	)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	if venues == nil {
		venues = map[string]config.VenueConfig{
			"sim":  venueCfg(100, 1000, time.Second),
			"thin": venueCfg(100, 1000, time.Second),
		}
	}

	sim := broker.NewSim("sim")
	sim.SetPrice("BTC-USDT", 100)
	sim.SetPrice("ETH-USDT", 20)

	thin := broker.NewSimWithProfile("thin", broker.SimProfile{LiquidityFactor: 0, SuccessRate: 1}, 1)
	thin.SetPrice("BTC-USDT", 100)

	adapters := map[string]broker.Adapter{}
	for name := range venues {
		switch name {
		case "thin":
			adapters[name] = thin
		default:
			adapters[name] = sim
		}
	}

	feed := pricefeed.NewStatic(map[string]float64{"BTC-USDT": 100, "ETH-USDT": 20})
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	guard := idempotency.NewGuard(db, time.Hour, 2*time.Second)
	limiter := ratelimit.NewLimiter(venues)
	posLedger := ledger.NewLedger(db, feed)

	svc := gateway.NewService(db, guard, limiter, posLedger, bus, adapters, venues)
	sink := &recordingSink{}
	svc.SetAnomalySink(sink)

	return &harness{svc: svc, sim: sim, thin: thin, bus: bus, sink: sink}
}

func buyIntent(venue string, qty float64) *types.OrderIntent {
	return &types.OrderIntent{
		ClientIntentKey: uuid.New().String(),
		ClientID:        "CLIENT_TEST",
		Symbol:          "BTC-USDT",
		Side:            types.SideBuy,
		OrderType:       types.TypeMarket,
		Quantity:        qty,
		Venue:           venue,
	}
}

func TestSubmitFillsOrderAndLedger(t *testing.T) {
	h := newHarness(t, nil)

	handle, err := h.svc.Submit(context.Background(), buyIntent("sim", 2))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, handle.Status)
	assert.False(t, handle.PendingReconciliation)

	order, err := h.svc.GetOrder(handle.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 2.0, order.FilledQuantity)
	assert.Equal(t, 100.0, order.AverageFillPrice)
	assert.NotEmpty(t, order.VenueOrderID)

	fills, err := h.svc.Fills(handle.OrderID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, 2.0, fills[0].Quantity)

	position, err := h.svc.Ledger().GetPosition("BTC-USDT")
	require.NoError(t, err)
	require.NotNil(t, position)
	assert.Equal(t, 2.0, position.NetQuantity)
	assert.Equal(t, 100.0, position.AverageEntryPrice)
}

func TestSubmitValidationFailsFast(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		mutate func(*types.OrderIntent)
	}{
		{"missing intent key", func(i *types.OrderIntent) { i.ClientIntentKey = "" }},
		{"missing symbol", func(i *types.OrderIntent) { i.Symbol = "" }},
		{"zero quantity", func(i *types.OrderIntent) { i.Quantity = 0 }},
		{"negative quantity", func(i *types.OrderIntent) { i.Quantity = -1 }},
		{"bad side", func(i *types.OrderIntent) { i.Side = "HOLD" }},
		{"bad order type", func(i *types.OrderIntent) { i.OrderType = "ICEBERG" }},
		{"limit without price", func(i *types.OrderIntent) { i.OrderType = types.TypeLimit; i.LimitPrice = 0 }},
		{"stop without price", func(i *types.OrderIntent) { i.OrderType = types.TypeStopLoss; i.LimitPrice = 0 }},
		{"unknown venue", func(i *types.OrderIntent) { i.Venue = "nowhere" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := buyIntent("sim", 1)
			tt.mutate(intent)

			handle, err := h.svc.Submit(context.Background(), intent)
			assert.Nil(t, handle)

			var verr *types.ValidationError
			require.ErrorAs(t, err, &verr)

			// No state was touched: the key, if any, is unclaimed
			if intent.ClientIntentKey != "" {
				record, err := h.svc.Guard().Lookup(intent.ClientIntentKey)
				require.NoError(t, err)
				assert.Nil(t, record)
			}
		})
	}
}

func TestSubmitDuplicateKeyReturnsExistingOrder(t *testing.T) {
	h := newHarness(t, nil)
	intent := buyIntent("sim", 1)

	first, err := h.svc.Submit(context.Background(), intent)
	require.NoError(t, err)

	second, err := h.svc.Submit(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)

	// The venue saw exactly one order
	fills, err := h.sim.AllFills(context.Background())
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestSubmitConcurrentDuplicatesSingleOrder(t *testing.T) {
	h := newHarness(t, nil)
	intent := buyIntent("sim", 1)

	const submitters = 10
	results := make(chan string, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := h.svc.Submit(context.Background(), intent)
			if assert.NoError(t, err) {
				results <- handle.OrderID
			}
		}()
	}
	wg.Wait()
	close(results)

	distinct := map[string]bool{}
	count := 0
	for orderID := range results {
		distinct[orderID] = true
		count++
	}
	assert.Equal(t, submitters, count)
	assert.Len(t, distinct, 1, "all submitters must observe the same order")

	fills, err := h.sim.AllFills(context.Background())
	require.NoError(t, err)
	assert.Len(t, fills, 1)

	position, err := h.svc.Ledger().GetPosition("BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, 1.0, position.NetQuantity, "ledger saw the fill exactly once")
}

func TestSubmitVenueRejectionReleasesKey(t *testing.T) {
	h := newHarness(t, nil)
	intent := buyIntent("sim", 1)

	h.sim.FailNextPlace(&types.VenueRejection{Venue: "sim", Code: "RISK", Reason: "margin"}, false)

	handle, err := h.svc.Submit(context.Background(), intent)
	require.Error(t, err)
	assert.True(t, types.IsVenueRejection(err))
	require.NotNil(t, handle)
	assert.Equal(t, types.StatusRejected, handle.Status)

	// Same key retries as a fresh attempt and succeeds
	retry, err := h.svc.Submit(context.Background(), intent)
	require.NoError(t, err)
	assert.NotEqual(t, handle.OrderID, retry.OrderID)
	assert.Equal(t, types.StatusFilled, retry.Status)
}

func TestSubmitAmbiguousOutcome(t *testing.T) {
	h := newHarness(t, nil)
	intent := buyIntent("sim", 1)

	h.sim.FailNextPlace(&types.AmbiguousOutcome{
		Venue: "sim", Op: "place_order", Err: errors.New("response lost"),
	}, true)

	handle, err := h.svc.Submit(context.Background(), intent)
	require.NoError(t, err, "ambiguity is not reported as failure")
	assert.Equal(t, types.StatusSubmitted, handle.Status)
	assert.True(t, handle.PendingReconciliation)

	// A retry with the same key must not create a second venue order
	retry, err := h.svc.Submit(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, handle.OrderID, retry.OrderID)

	fills, err := h.sim.AllFills(context.Background())
	require.NoError(t, err)
	assert.Len(t, fills, 1, "the venue executed the original order exactly once")
}

func TestSubmitRateLimited(t *testing.T) {
	venues := map[string]config.VenueConfig{
		"sim": venueCfg(1, 0.001, 20*time.Millisecond),
	}
	h := newHarness(t, venues)

	first, err := h.svc.Submit(context.Background(), buyIntent("sim", 1))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, first.Status)

	intent := buyIntent("sim", 1)
	handle, err := h.svc.Submit(context.Background(), intent)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRateLimitExceeded)
	require.NotNil(t, handle)
	assert.Equal(t, types.StatusRejected, handle.Status)

	// The key was released: the record is not committed
	record, err := h.svc.Guard().Lookup(intent.ClientIntentKey)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, idempotency.OutcomeFailed, record.Outcome)
}

func TestSubmitHaltedSymbol(t *testing.T) {
	h := newHarness(t, nil)

	h.svc.HaltSymbol("BTC-USDT", "position_drift")
	assert.True(t, h.svc.IsHalted("BTC-USDT"))

	_, err := h.svc.Submit(context.Background(), buyIntent("sim", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrSymbolHalted)

	h.svc.ResumeSymbol("BTC-USDT")
	assert.False(t, h.svc.IsHalted("BTC-USDT"))

	_, err = h.svc.Submit(context.Background(), buyIntent("sim", 1))
	assert.NoError(t, err)
}

func TestOnFillReceivedPartialThenComplete(t *testing.T) {
	h := newHarness(t, nil)

	handle, err := h.svc.Submit(context.Background(), buyIntent("thin", 2))
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, handle.Status)

	require.NoError(t, h.svc.OnFillReceived(handle.OrderID, "VF-1", 1, 100, 0.1))
	order, err := h.svc.GetOrder(handle.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPartiallyFilled, order.Status)
	assert.Equal(t, 1.0, order.FilledQuantity)

	require.NoError(t, h.svc.OnFillReceived(handle.OrderID, "VF-2", 1, 110, 0.1))
	order, err = h.svc.GetOrder(handle.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, order.Status)
	assert.Equal(t, 2.0, order.FilledQuantity)
	assert.Equal(t, 105.0, order.AverageFillPrice, "quantity-weighted across fills")
}

func TestOnFillReceivedDeduplicatesVenueFill(t *testing.T) {
	h := newHarness(t, nil)

	handle, err := h.svc.Submit(context.Background(), buyIntent("thin", 2))
	require.NoError(t, err)

	require.NoError(t, h.svc.OnFillReceived(handle.OrderID, "VF-1", 1, 100, 0.1))
	// The venue redelivers the same fill
	require.NoError(t, h.svc.OnFillReceived(handle.OrderID, "VF-1", 1, 100, 0.1))

	order, err := h.svc.GetOrder(handle.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, order.FilledQuantity)

	fills, err := h.svc.Fills(handle.OrderID)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestOnFillReceivedOverfillClamped(t *testing.T) {
	h := newHarness(t, nil)

	handle, err := h.svc.Submit(context.Background(), buyIntent("thin", 1))
	require.NoError(t, err)

	require.NoError(t, h.svc.OnFillReceived(handle.OrderID, "VF-1", 5, 100, 0.1))

	order, err := h.svc.GetOrder(handle.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, order.Status)
	assert.Equal(t, 1.0, order.FilledQuantity, "fill clamped to the requested quantity")
	assert.Equal(t, 1, h.sink.count(), "the excess was reported as an anomaly")
}

func TestOnFillReceivedUnknownOrder(t *testing.T) {
	h := newHarness(t, nil)
	err := h.svc.OnFillReceived("ORD_GHOST", "VF-1", 1, 100, 0)
	assert.ErrorIs(t, err, types.ErrOrderNotFound)
}

func TestTerminalOrderNeverLeavesStatus(t *testing.T) {
	h := newHarness(t, nil)

	handle, err := h.svc.Submit(context.Background(), buyIntent("sim", 1))
	require.NoError(t, err)
	require.Equal(t, types.StatusFilled, handle.Status)

	// A late extra fill cannot move a terminal order
	require.NoError(t, h.svc.OnFillReceived(handle.OrderID, "VF-LATE", 1, 100, 0))

	order, err := h.svc.GetOrder(handle.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, order.Status)
	assert.Equal(t, 1.0, order.FilledQuantity)
}

func TestCancelWorkingOrder(t *testing.T) {
	h := newHarness(t, nil)

	handle, err := h.svc.Submit(context.Background(), buyIntent("thin", 1))
	require.NoError(t, err)
	require.Equal(t, types.StatusSubmitted, handle.Status)

	cancelled, err := h.svc.Cancel(context.Background(), handle.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)
}

func TestCancelTerminalOrderRefused(t *testing.T) {
	h := newHarness(t, nil)

	handle, err := h.svc.Submit(context.Background(), buyIntent("sim", 1))
	require.NoError(t, err)
	require.Equal(t, types.StatusFilled, handle.Status)

	_, err = h.svc.Cancel(context.Background(), handle.OrderID)
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCancelUnknownOrder(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Cancel(context.Background(), "ORD_GHOST")
	assert.ErrorIs(t, err, types.ErrOrderNotFound)
}

func TestEventsPublishedOnLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	statusCh := h.bus.Subscribe(events.TopicOrderStatusChanged)
	positionCh := h.bus.Subscribe(events.TopicPositionUpdated)

	handle, err := h.svc.Submit(context.Background(), buyIntent("sim", 1))
	require.NoError(t, err)

	var transitions []string
	deadline := time.After(time.Second)
	for len(transitions) < 2 {
		select {
		case event := <-statusCh:
			changed := event.(events.OrderStatusChanged)
			assert.Equal(t, handle.OrderID, changed.OrderID)
			transitions = append(transitions, fmt.Sprintf("%s>%s", changed.OldStatus, changed.NewStatus))
		case <-deadline:
			t.Fatalf("expected 2 status transitions, got %v", transitions)
		}
	}
	assert.Equal(t, []string{"PENDING>SUBMITTED", "SUBMITTED>FILLED"}, transitions)

	select {
	case event := <-positionCh:
		updated := event.(events.PositionUpdated)
		assert.Equal(t, "BTC-USDT", updated.Symbol)
		assert.Equal(t, 1.0, updated.NetQuantity)
	case <-time.After(time.Second):
		t.Fatal("no position event delivered")
	}
}

func TestLedgerConservationAcrossOrders(t *testing.T) {
	h := newHarness(t, nil)

	var net float64
	for i := 0; i < 10; i++ {
		intent := buyIntent("sim", 1)
		if i%2 == 1 {
			intent.Side = types.SideSell
			net--
		} else {
			net++
		}
		_, err := h.svc.Submit(context.Background(), intent)
		require.NoError(t, err)
	}

	position, err := h.svc.Ledger().GetPosition("BTC-USDT")
	require.NoError(t, err)
	assert.InDelta(t, net, position.NetQuantity, 1e-9)
}
