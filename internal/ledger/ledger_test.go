package ledger

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/algotrendy/execution-core/internal/pricefeed"
	"github.com/algotrendy/execution-core/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestLedger(t *testing.T, feed pricefeed.Source) *Ledger {
	t.Helper()
	db, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)},
	)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Position{}))
	if feed == nil {
		feed = pricefeed.NewStatic(nil)
	}
	return NewLedger(db, feed)
}

func TestApplyFillOpensPosition(t *testing.T) {
	l := newTestLedger(t, nil)

	view, err := l.ApplyFill("BTC-USDT", 2, 50000)
	require.NoError(t, err)

	assert.Equal(t, 2.0, view.NetQuantity)
	assert.Equal(t, 50000.0, view.AverageEntryPrice)
	assert.Zero(t, view.RealizedPnL)
	assert.True(t, view.IsLong())
}

func TestApplyFillWeightedAverageEntry(t *testing.T) {
	l := newTestLedger(t, nil)

	_, err := l.ApplyFill("BTC-USDT", 1, 50000)
	require.NoError(t, err)
	view, err := l.ApplyFill("BTC-USDT", 1, 54000)
	require.NoError(t, err)

	assert.Equal(t, 2.0, view.NetQuantity)
	assert.Equal(t, 52000.0, view.AverageEntryPrice)
	assert.Zero(t, view.RealizedPnL)
}

func TestApplyFillRealizesOnReduce(t *testing.T) {
	l := newTestLedger(t, nil)

	_, err := l.ApplyFill("BTC-USDT", 2, 50000)
	require.NoError(t, err)

	// Sell 1 at 55000: realize 1 x (55000 - 50000)
	view, err := l.ApplyFill("BTC-USDT", -1, 55000)
	require.NoError(t, err)

	assert.Equal(t, 1.0, view.NetQuantity)
	assert.Equal(t, 50000.0, view.AverageEntryPrice, "entry unchanged on reduce")
	assert.Equal(t, 5000.0, view.RealizedPnL)
}

func TestApplyFillShortSide(t *testing.T) {
	l := newTestLedger(t, nil)

	_, err := l.ApplyFill("ETH-USDT", -3, 3000)
	require.NoError(t, err)

	// Buy back 2 at 2800: short profits 2 x (3000 - 2800)
	view, err := l.ApplyFill("ETH-USDT", 2, 2800)
	require.NoError(t, err)

	assert.Equal(t, -1.0, view.NetQuantity)
	assert.True(t, view.IsShort())
	assert.Equal(t, 400.0, view.RealizedPnL)
}

func TestApplyFillClosesFlat(t *testing.T) {
	l := newTestLedger(t, nil)

	_, err := l.ApplyFill("BTC-USDT", 1, 50000)
	require.NoError(t, err)
	view, err := l.ApplyFill("BTC-USDT", -1, 48000)
	require.NoError(t, err)

	assert.True(t, view.IsFlat())
	assert.Zero(t, view.AverageEntryPrice, "entry undefined when flat")
	assert.Equal(t, -2000.0, view.RealizedPnL)
}

func TestApplyFillReversal(t *testing.T) {
	l := newTestLedger(t, nil)

	_, err := l.ApplyFill("BTC-USDT", 2, 50000)
	require.NoError(t, err)

	// Sell 5 at 52000: close 2 long (+4000), reopen 3 short at 52000
	view, err := l.ApplyFill("BTC-USDT", -5, 52000)
	require.NoError(t, err)

	assert.Equal(t, -3.0, view.NetQuantity)
	assert.Equal(t, 52000.0, view.AverageEntryPrice, "reversal opens at fill price")
	assert.Equal(t, 4000.0, view.RealizedPnL)
}

func TestApplyFillZeroQuantityRejected(t *testing.T) {
	l := newTestLedger(t, nil)
	_, err := l.ApplyFill("BTC-USDT", 0, 50000)
	assert.Error(t, err)
}

// Conservation: net quantity always equals the running sum of signed fill
// quantities, regardless of fill order or direction changes.
func TestQuantityConservation(t *testing.T) {
	l := newTestLedger(t, nil)
	rng := rand.New(rand.NewSource(42))

	var runningSum float64
	for i := 0; i < 200; i++ {
		qty := float64(rng.Intn(10)+1) / 2
		if rng.Intn(2) == 0 {
			qty = -qty
		}
		price := 40000 + rng.Float64()*20000

		view, err := l.ApplyFill("BTC-USDT", qty, price)
		require.NoError(t, err)

		runningSum += qty
		assert.InDelta(t, runningSum, view.NetQuantity, 1e-9)
	}
}

// shadowBook recomputes weighted-average-cost accounting independently of
// the ledger, in plain float64, for cross-checking realized PnL.
type shadowBook struct {
	net      float64
	entry    float64
	realized float64
}

func (b *shadowBook) apply(qty, price float64) {
	newNet := b.net + qty
	if b.net == 0 || (b.net > 0) == (qty > 0) {
		b.entry = (math.Abs(b.net)*b.entry + math.Abs(qty)*price) / math.Abs(newNet)
	} else {
		closed := math.Min(math.Abs(qty), math.Abs(b.net))
		direction := 1.0
		if b.net < 0 {
			direction = -1
		}
		b.realized += closed * (price - b.entry) * direction
		switch {
		case newNet == 0:
			b.entry = 0
		case (newNet > 0) != (b.net > 0):
			b.entry = price
		}
	}
	b.net = newNet
}

func TestRealizedPnLMatchesIndependentReplay(t *testing.T) {
	l := newTestLedger(t, nil)
	rng := rand.New(rand.NewSource(7))
	shadow := &shadowBook{}

	var view *types.PositionView
	for i := 0; i < 300; i++ {
		// Mix small reductions with occasional large fills so the sequence
		// extends, reduces, flattens and reverses the position.
		qty := float64(rng.Intn(10)+1) / 2
		if rng.Intn(5) == 0 {
			qty *= 4
		}
		if rng.Intn(2) == 0 {
			qty = -qty
		}
		price := 40000 + rng.Float64()*20000

		var err error
		view, err = l.ApplyFill("BTC-USDT", qty, price)
		require.NoError(t, err)
		shadow.apply(qty, price)

		assert.InDelta(t, shadow.net, view.NetQuantity, 1e-9)
	}

	assert.InDelta(t, shadow.realized, view.RealizedPnL, 0.01,
		"ledger realized PnL diverged from an independent weighted-average-cost replay")
	if shadow.net != 0 {
		assert.InDelta(t, shadow.entry, view.AverageEntryPrice, 0.01)
	}
}

func TestConcurrentFillsAcrossSymbols(t *testing.T) {
	l := newTestLedger(t, nil)
	symbols := []string{"BTC-USDT", "ETH-USDT", "SOL-USDT", "XRP-USDT"}

	const fillsPerSymbol = 50
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			for i := 0; i < fillsPerSymbol; i++ {
				_, err := l.ApplyFill(symbol, 1, 100)
				assert.NoError(t, err)
			}
		}(symbol)
	}
	wg.Wait()

	for _, symbol := range symbols {
		view, err := l.GetPosition(symbol)
		require.NoError(t, err)
		require.NotNil(t, view)
		assert.Equal(t, float64(fillsPerSymbol), view.NetQuantity, symbol)
	}
}

func TestMarkToMarket(t *testing.T) {
	feed := pricefeed.NewStatic(map[string]float64{"BTC-USDT": 55000})
	l := newTestLedger(t, feed)

	_, err := l.ApplyFill("BTC-USDT", 2, 50000)
	require.NoError(t, err)

	view, err := l.MarkToMarket(context.Background(), "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, 10000.0, view.UnrealizedPnL)

	// Marking down
	feed.Set("BTC-USDT", 49000)
	view, err = l.MarkToMarket(context.Background(), "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, -2000.0, view.UnrealizedPnL)
	assert.Zero(t, view.RealizedPnL, "marking never touches realized PnL")
}

func TestMarkToMarketShort(t *testing.T) {
	feed := pricefeed.NewStatic(map[string]float64{"ETH-USDT": 2900})
	l := newTestLedger(t, feed)

	_, err := l.ApplyFill("ETH-USDT", -2, 3000)
	require.NoError(t, err)

	view, err := l.MarkToMarket(context.Background(), "ETH-USDT")
	require.NoError(t, err)
	assert.Equal(t, 200.0, view.UnrealizedPnL)
}

func TestMarkToMarketUnknownSymbol(t *testing.T) {
	l := newTestLedger(t, nil)
	_, err := l.MarkToMarket(context.Background(), "NEVER-TRADED")
	assert.Error(t, err)
}

func TestPositionsBestEffortMarking(t *testing.T) {
	// Feed knows BTC but not ETH; listing must still include both.
	feed := pricefeed.NewStatic(map[string]float64{"BTC-USDT": 50000})
	l := newTestLedger(t, feed)

	_, err := l.ApplyFill("BTC-USDT", 1, 45000)
	require.NoError(t, err)
	_, err = l.ApplyFill("ETH-USDT", 1, 3000)
	require.NoError(t, err)

	views, err := l.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 2)

	unrealized := map[string]float64{}
	for _, v := range views {
		unrealized[v.Symbol] = v.UnrealizedPnL
	}
	assert.Equal(t, 5000.0, unrealized["BTC-USDT"])
	assert.Zero(t, unrealized["ETH-USDT"], "no mark price means zero unrealized, not an error")
}
