package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/algotrendy/execution-core/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// SimProfile shapes the simulated venue's behavior: execution latency,
// available liquidity, the chance an order executes at all, and fees.
type SimProfile struct {
	MinLatency      time.Duration
	MaxLatency      time.Duration
	LiquidityFactor float64 // 0-1; below 1, orders may partially fill
	SuccessRate     float64 // 0-1; probability of successful execution
	FeeRate         float64 // fraction of notional
}

// DefaultSimProfile mirrors a liquid primary venue.
func DefaultSimProfile() SimProfile {
	return SimProfile{
		MinLatency:      5 * time.Millisecond,
		MaxLatency:      30 * time.Millisecond,
		LiquidityFactor: 0.9,
		SuccessRate:     0.95,
		FeeRate:         0.001,
	}
}

type simOrder struct {
	venueOrderID string
	clientLink   string // engine order ID riding along as the client order id
	symbol       string
	side         string
	quantity     float64
	filled       float64
	fills        []types.Fill
	open         bool
}

// Sim is an in-process venue used by tests and the simulation binary. It
// keeps genuine venue-side state (orders, fills, positions, balance) so the
// reconciler has something real to diff against.
type Sim struct {
	name string

	mu        sync.Mutex
	profile   SimProfile
	rng       *rand.Rand
	prices    map[string]float64
	orders    map[string]*simOrder
	positions map[string]*VenuePosition
	balance   decimal.Decimal
	seq       int64

	nextErr error // returned by the next PlaceOrder, then cleared
	// when true alongside nextErr, the order is recorded venue-side before
	// the error is returned (timeout after the venue accepted)
	acceptBeforeErr bool
}

// NewSim creates a deterministic simulated venue: no latency, full fills at
// the posted price. Tests rely on this mode.
func NewSim(name string) *Sim {
	return &Sim{
		name:      name,
		profile:   SimProfile{LiquidityFactor: 1, SuccessRate: 1},
		prices:    make(map[string]float64),
		orders:    make(map[string]*simOrder),
		positions: make(map[string]*VenuePosition),
		balance:   decimal.NewFromInt(1_000_000),
	}
}

// NewSimWithProfile creates a randomized venue for load simulation.
func NewSimWithProfile(name string, profile SimProfile, seed int64) *Sim {
	s := NewSim(name)
	s.profile = profile
	s.rng = rand.New(rand.NewSource(seed))
	return s
}

func (s *Sim) Name() string { return s.name }

// SetPrice posts the venue's execution price for a symbol.
func (s *Sim) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// FailNextPlace makes the next PlaceOrder return err. When accepted is true
// the venue records the order before failing, modelling a timeout on the
// response leg; otherwise the order never reaches the venue.
func (s *Sim) FailNextPlace(err error, accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextErr = err
	s.acceptBeforeErr = accepted
}

// InjectFill records a venue-side fill the local ledger knows nothing about,
// for reconciliation tests. Returns the synthetic venue fill.
func (s *Sim) InjectFill(engineOrderID, symbol, side string, qty, price float64) types.Fill {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	order := s.findByLinkLocked(engineOrderID)
	if order == nil {
		order = &simOrder{
			venueOrderID: fmt.Sprintf("SIM-%s-%d", s.name, s.seq),
			clientLink:   engineOrderID,
			symbol:       symbol,
			side:         side,
			quantity:     qty,
			open:         true,
		}
		s.orders[order.venueOrderID] = order
	}

	fill := s.fillLocked(order, qty, price)
	return fill
}

// PlaceOrder implements Adapter.
func (s *Sim) PlaceOrder(ctx context.Context, order *types.Order) (*Ack, error) {
	s.sleepLatency(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextErr != nil {
		err := s.nextErr
		s.nextErr = nil
		if !s.acceptBeforeErr {
			return nil, err
		}
		// The venue accepted the order, only the response was lost.
		s.placeLocked(order)
		return nil, err
	}

	if s.rng != nil && s.rng.Float64() > s.profile.SuccessRate {
		return nil, &types.VenueRejection{
			Venue: s.name, Code: "EXEC_FAIL",
			Reason: "execution failed at venue",
		}
	}

	placed := s.placeLocked(order)

	ack := &Ack{VenueOrderID: placed.venueOrderID}
	ack.Fills = append(ack.Fills, placed.fills...)
	return ack, nil
}

// placeLocked records the order and executes it against simulated liquidity.
func (s *Sim) placeLocked(order *types.Order) *simOrder {
	s.seq++
	placed := &simOrder{
		venueOrderID: fmt.Sprintf("SIM-%s-%d", s.name, s.seq),
		clientLink:   order.OrderID,
		symbol:       order.Symbol,
		side:         order.Side,
		quantity:     order.Quantity,
		open:         true,
	}
	s.orders[placed.venueOrderID] = placed

	price, ok := s.prices[order.Symbol]
	if !ok {
		price = order.LimitPrice
	}
	if order.OrderType == types.TypeLimit && order.LimitPrice > 0 {
		price = order.LimitPrice
	}
	if s.rng != nil {
		// +-2% price variance, as real venues slip market orders.
		price *= 1 + (s.rng.Float64()*0.04 - 0.02)
	}

	executed := order.Quantity
	if s.rng != nil && s.rng.Float64() > s.profile.LiquidityFactor {
		executed = order.Quantity * s.profile.LiquidityFactor
	}
	if executed > 0 {
		s.fillLocked(placed, executed, price)
	}

	log.Debug().
		Str("venue", s.name).
		Str("venue_order_id", placed.venueOrderID).
		Float64("executed", executed).
		Float64("price", price).
		Msg("simulated venue execution")

	return placed
}

// fillLocked records a fill on an order and rolls it into the venue position.
func (s *Sim) fillLocked(order *simOrder, qty, price float64) types.Fill {
	s.seq++
	fill := types.Fill{
		FillID:      fmt.Sprintf("SIMFILL-%s-%d", s.name, s.seq),
		VenueFillID: fmt.Sprintf("VF-%s-%d", s.name, s.seq),
		OrderID:     order.clientLink,
		Venue:       s.name,
		Symbol:      order.symbol,
		Quantity:    qty,
		Price:       price,
		Fee:         qty * price * s.profile.FeeRate,
		CreatedAt:   time.Now(),
	}
	order.fills = append(order.fills, fill)
	order.filled += qty
	if order.filled >= order.quantity {
		order.open = false
	}

	signed := qty
	if order.side == types.SideSell {
		signed = -qty
	}
	pos, ok := s.positions[order.symbol]
	if !ok {
		pos = &VenuePosition{Symbol: order.symbol}
		s.positions[order.symbol] = pos
	}
	pos.NetQuantity += signed
	pos.EntryPrice = price

	return fill
}

// CancelOrder implements Adapter.
func (s *Sim) CancelOrder(ctx context.Context, venueOrderID string) error {
	s.sleepLatency(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[venueOrderID]
	if !ok {
		return &types.VenueRejection{Venue: s.name, Code: "UNKNOWN_ORDER", Reason: "no such order"}
	}
	order.open = false
	return nil
}

// OpenOrders implements Adapter.
func (s *Sim) OpenOrders(ctx context.Context) ([]VenueOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []VenueOrder
	for _, order := range s.orders {
		if !order.open {
			continue
		}
		fills := make([]types.Fill, len(order.fills))
		copy(fills, order.fills)
		open = append(open, VenueOrder{
			VenueOrderID:   order.venueOrderID,
			Symbol:         order.symbol,
			Side:           order.side,
			Quantity:       order.quantity,
			FilledQuantity: order.filled,
			Fills:          fills,
		})
	}
	return open, nil
}

// AllFills returns every venue-side fill, the record reconciliation diffs
// local state against.
func (s *Sim) AllFills(ctx context.Context) ([]types.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fills []types.Fill
	for _, order := range s.orders {
		fills = append(fills, order.fills...)
	}
	return fills, nil
}

// Positions implements Adapter.
func (s *Sim) Positions(ctx context.Context) ([]VenuePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var positions []VenuePosition
	for _, pos := range s.positions {
		if pos.NetQuantity == 0 {
			continue
		}
		positions = append(positions, *pos)
	}
	return positions, nil
}

// Balance implements Adapter.
func (s *Sim) Balance(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *Sim) findByLinkLocked(engineOrderID string) *simOrder {
	for _, order := range s.orders {
		if order.clientLink == engineOrderID {
			return order
		}
	}
	return nil
}

func (s *Sim) sleepLatency(ctx context.Context) {
	if s.rng == nil || s.profile.MaxLatency == 0 {
		return
	}
	span := s.profile.MaxLatency - s.profile.MinLatency
	latency := s.profile.MinLatency + time.Duration(s.rng.Int63n(int64(span)+1))
	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
