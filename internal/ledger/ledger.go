package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/algotrendy/execution-core/internal/pricefeed"
	"github.com/algotrendy/execution-core/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// pnlPlaces is the precision realized PnL is rounded to before persisting.
const pnlPlaces = 8

// Ledger is the concurrency-safe store of positions and PnL. It is the sole
// writer of position state: mutation is serialized per symbol, so concurrent
// fills on different symbols proceed in parallel while fills on the same
// symbol never interleave.
type Ledger struct {
	db   *Database
	feed pricefeed.Source

	mu      sync.Mutex
	symLock map[string]*sync.Mutex
}

// NewLedger creates a ledger over the shared database connection, pulling
// mark prices from feed.
func NewLedger(gormDB *gorm.DB, feed pricefeed.Source) *Ledger {
	return &Ledger{
		db:      NewDatabase(gormDB),
		feed:    feed,
		symLock: make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) lockFor(symbol string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.symLock[symbol]
	if !ok {
		lock = &sync.Mutex{}
		l.symLock[symbol] = lock
	}
	return lock
}

// ApplyFill applies one fill to the symbol's position as an atomic
// read-modify-write. signedQty is positive for buys, negative for sells.
//
// Weighted-average-cost accounting: a fill extending the position in its
// current direction recomputes the entry price as the quantity-weighted
// average; a fill reducing or reversing it realizes
// closedQty x (fillPrice - avgEntry) x sign(existing) into RealizedPnL, and a
// full reversal opens the remainder as a new position at the fill price.
func (l *Ledger) ApplyFill(symbol string, signedQty, price float64) (*types.PositionView, error) {
	if signedQty == 0 {
		return nil, fmt.Errorf("fill for %s has zero quantity", symbol)
	}

	lock := l.lockFor(symbol)
	lock.Lock()
	defer lock.Unlock()

	position, err := l.db.GetPosition(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to load position for %s: %w", symbol, err)
	}
	if position == nil {
		position = &Position{Symbol: symbol}
	}

	existing := decimal.NewFromFloat(position.NetQuantity)
	avgEntry := decimal.NewFromFloat(position.AverageEntryPrice)
	fillQty := decimal.NewFromFloat(signedQty)
	fillPrice := decimal.NewFromFloat(price)

	newQty := existing.Add(fillQty)

	switch {
	case existing.IsZero() || existing.Sign() == fillQty.Sign():
		// Extending (or opening): quantity-weighted average entry.
		weighted := existing.Abs().Mul(avgEntry).Add(fillQty.Abs().Mul(fillPrice))
		avgEntry = weighted.Div(newQty.Abs())

	default:
		// Reducing or reversing: realize PnL on the closed portion.
		closed := decimal.Min(fillQty.Abs(), existing.Abs())
		direction := decimal.NewFromInt(int64(existing.Sign()))
		realized := closed.Mul(fillPrice.Sub(avgEntry)).Mul(direction).Round(pnlPlaces)
		position.RealizedPnL, _ = decimal.NewFromFloat(position.RealizedPnL).Add(realized).Float64()

		switch {
		case newQty.IsZero():
			// Flat: entry price is undefined.
			avgEntry = decimal.Zero
		case newQty.Sign() != existing.Sign():
			// Reversal: the remainder is a fresh position at the fill price.
			avgEntry = fillPrice
		}
	}

	position.NetQuantity, _ = newQty.Float64()
	position.AverageEntryPrice, _ = avgEntry.Float64()
	position.LastFillAt = time.Now()

	if err := l.db.SavePosition(position); err != nil {
		return nil, fmt.Errorf("failed to save position for %s: %w", symbol, err)
	}

	log.Debug().
		Str("symbol", symbol).
		Float64("fill_qty", signedQty).
		Float64("fill_price", price).
		Float64("net_quantity", position.NetQuantity).
		Float64("realized_pnl", position.RealizedPnL).
		Msg("applied fill to ledger")

	view := l.view(position)
	return &view, nil
}

// MarkToMarket recomputes the symbol's unrealized PnL at the current mark
// price. It never mutates RealizedPnL or the entry price.
func (l *Ledger) MarkToMarket(ctx context.Context, symbol string) (*types.PositionView, error) {
	position, err := l.db.GetPosition(symbol)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, fmt.Errorf("no position for symbol %s", symbol)
	}

	view := l.view(position)
	if position.NetQuantity == 0 {
		return &view, nil
	}

	mark, err := l.feed.MarkPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("mark price unavailable for %s: %w", symbol, err)
	}

	// unrealized = netQty x (mark - avgEntry); the sign of netQty makes this
	// hold for shorts as well.
	unrealized := decimal.NewFromFloat(position.NetQuantity).
		Mul(mark.Sub(decimal.NewFromFloat(position.AverageEntryPrice))).
		Round(pnlPlaces)
	view.UnrealizedPnL, _ = unrealized.Float64()

	return &view, nil
}

// GetPosition returns the symbol's position snapshot without marking to
// market, or nil when the symbol has never traded.
func (l *Ledger) GetPosition(symbol string) (*types.PositionView, error) {
	position, err := l.db.GetPosition(symbol)
	if err != nil || position == nil {
		return nil, err
	}
	view := l.view(position)
	return &view, nil
}

// Positions returns a snapshot of every position, marked to market on a
// best-effort basis (symbols without a mark price report zero unrealized).
func (l *Ledger) Positions(ctx context.Context) ([]types.PositionView, error) {
	rows, err := l.db.ListPositions()
	if err != nil {
		return nil, err
	}

	// Snapshot-then-mark: iterate over the copied rows, never the live store.
	views := make([]types.PositionView, 0, len(rows))
	for i := range rows {
		view := l.view(&rows[i])
		if rows[i].NetQuantity != 0 {
			if marked, err := l.MarkToMarket(ctx, rows[i].Symbol); err == nil {
				view = *marked
			}
		}
		views = append(views, view)
	}
	return views, nil
}

func (l *Ledger) view(p *Position) types.PositionView {
	return types.PositionView{
		Symbol:            p.Symbol,
		NetQuantity:       p.NetQuantity,
		AverageEntryPrice: p.AverageEntryPrice,
		RealizedPnL:       p.RealizedPnL,
		LastFillAt:        p.LastFillAt,
	}
}
