package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/algotrendy/execution-core/internal/broker"
	"github.com/algotrendy/execution-core/internal/config"
	"github.com/algotrendy/execution-core/internal/events"
	"github.com/algotrendy/execution-core/internal/idempotency"
	"github.com/algotrendy/execution-core/internal/ledger"
	"github.com/algotrendy/execution-core/internal/ratelimit"
	"github.com/algotrendy/execution-core/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AnomalySink receives hard anomalies the gateway cannot resolve itself, such
// as venue fills exceeding an order's requested quantity.
type AnomalySink interface {
	RecordAnomaly(symbol, reason string, localQty, venueQty float64)
}

// Service is the order gateway: it validates and sequences trade intents,
// enforces idempotency, paces venue admission, invokes the broker adapter and
// publishes resulting state transitions. It is the sole writer of order state.
type Service struct {
	db       *Database
	guard    *idempotency.Guard
	limiter  *ratelimit.Limiter
	ledger   *ledger.Ledger
	bus      *events.Bus
	adapters map[string]broker.Adapter
	timeouts map[string]time.Duration

	anomalies AnomalySink

	haltMu sync.RWMutex
	halted map[string]string // symbol -> reason

	orderMu    sync.Mutex
	orderLocks map[string]*sync.Mutex
}

// NewService wires the gateway over the shared database connection.
func NewService(
	gormDB *gorm.DB,
	guard *idempotency.Guard,
	limiter *ratelimit.Limiter,
	posLedger *ledger.Ledger,
	bus *events.Bus,
	adapters map[string]broker.Adapter,
	venues map[string]config.VenueConfig,
) *Service {
	timeouts := make(map[string]time.Duration, len(venues))
	for name, cfg := range venues {
		timeouts[name] = cfg.CallTimeout.Std()
	}
	return &Service{
		db:         NewDatabase(gormDB),
		guard:      guard,
		limiter:    limiter,
		ledger:     posLedger,
		bus:        bus,
		adapters:   adapters,
		timeouts:   timeouts,
		halted:     make(map[string]string),
		orderLocks: make(map[string]*sync.Mutex),
	}
}

// SetAnomalySink registers the consumer of hard anomalies. Wired after
// construction because the reconciler, which records anomalies, also needs
// the gateway.
func (s *Service) SetAnomalySink(sink AnomalySink) { s.anomalies = sink }

// Ledger exposes the position ledger for read access by the API layer.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Adapters returns the configured venue adapters keyed by venue name.
func (s *Service) Adapters() map[string]broker.Adapter { return s.adapters }

// Guard returns the idempotency guard shared with the reconciler.
func (s *Service) Guard() *idempotency.Guard { return s.guard }

func (s *Service) validate(intent *types.OrderIntent) error {
	switch {
	case intent.ClientIntentKey == "":
		return &types.ValidationError{Field: "client_intent_key", Reason: "is required"}
	case intent.Symbol == "":
		return &types.ValidationError{Field: "symbol", Reason: "is required"}
	case intent.Quantity <= 0:
		return &types.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if intent.Side != types.SideBuy && intent.Side != types.SideSell {
		return &types.ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}
	switch intent.OrderType {
	case types.TypeMarket:
	case types.TypeLimit, types.TypeStopLoss:
		if intent.LimitPrice <= 0 {
			return &types.ValidationError{Field: "limit_price", Reason: "must be positive for limit and stop orders"}
		}
	default:
		return &types.ValidationError{Field: "order_type", Reason: "must be MARKET, LIMIT or STOP_LOSS"}
	}
	if _, ok := s.adapters[intent.Venue]; !ok {
		return &types.ValidationError{Field: "venue", Reason: "is not configured"}
	}
	return nil
}

// Submit processes one trade intent. Submission is idempotent on the client
// intent key: a key that already committed returns the original order's
// handle without creating a second order. The returned handle always carries
// a definitive status or an explicit pending-reconciliation marker.
func (s *Service) Submit(ctx context.Context, intent *types.OrderIntent) (*types.OrderHandle, error) {
	// Validation fails fast, before any external resource or persisted state.
	if err := s.validate(intent); err != nil {
		return nil, err
	}
	if reason, halted := s.haltedReason(intent.Symbol); halted {
		return nil, fmt.Errorf("%w: %s (%s)", types.ErrSymbolHalted, intent.Symbol, reason)
	}

	logger := log.With().
		Str("intent_key", intent.ClientIntentKey).
		Str("symbol", intent.Symbol).
		Str("venue", intent.Venue).
		Str("service", "gateway").
		Logger()

	ticket, committed, err := s.guard.Begin(intent.ClientIntentKey)
	if err != nil {
		return nil, err
	}
	if committed != nil {
		// Duplicate submission: return the prior committed result.
		logger.Info().Str("order_id", committed.OrderID).Msg("duplicate intent key, returning existing order")
		order, err := s.db.GetOrder(committed.OrderID)
		if err != nil {
			return nil, err
		}
		if order == nil {
			return nil, types.ErrOrderNotFound
		}
		return handleFor(order), nil
	}

	// Write-ahead: the order is durable in PENDING before any side effect.
	order := &types.Order{
		OrderID:         "ORD_" + uuid.New().String(),
		ClientIntentKey: intent.ClientIntentKey,
		ClientID:        intent.ClientID,
		Symbol:          intent.Symbol,
		Side:            intent.Side,
		OrderType:       intent.OrderType,
		Quantity:        intent.Quantity,
		LimitPrice:      intent.LimitPrice,
		Venue:           intent.Venue,
		Status:          types.StatusPending,
		CreatedAt:       time.Now(),
		LastUpdatedAt:   time.Now(),
	}
	if err := s.db.CreateOrder(order); err != nil {
		_ = ticket.Fail()
		return nil, err
	}

	if err := s.limiter.TryAcquire(ctx, intent.Venue, 1); err != nil {
		logger.Warn().Err(err).Msg("venue admission failed")
		s.transition(order, types.StatusRejected)
		_ = ticket.Fail()
		return handleFor(order), err
	}

	adapter := s.adapters[intent.Venue]
	callCtx, cancel := context.WithTimeout(ctx, s.timeouts[intent.Venue])
	ack, err := adapter.PlaceOrder(callCtx, order)
	cancel()

	switch {
	case err == nil:
		order.VenueOrderID = ack.VenueOrderID
		s.transition(order, types.StatusSubmitted)
		if err := ticket.Commit(order.OrderID); err != nil {
			return nil, err
		}
		logger.Info().
			Str("order_id", order.OrderID).
			Str("venue_order_id", ack.VenueOrderID).
			Msg("order submitted to venue")
		for _, fill := range ack.Fills {
			if err := s.OnFillReceived(order.OrderID, fill.VenueFillID, fill.Quantity, fill.Price, fill.Fee); err != nil {
				logger.Error().Err(err).Msg("failed to apply synchronous fill")
			}
		}
		refreshed, err := s.db.GetOrder(order.OrderID)
		if err != nil {
			return nil, err
		}
		return handleFor(refreshed), nil

	case types.IsVenueRejection(err):
		// Definite failure: the key is released for a fresh attempt.
		logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("venue rejected order")
		s.transition(order, types.StatusRejected)
		_ = ticket.Fail()
		return handleFor(order), err

	case types.IsAmbiguous(err):
		// The order may exist at the venue. It stays SUBMITTED, earmarked
		// for reconciliation; the key commits so a retry cannot create a
		// duplicate venue order while the outcome is unknown.
		logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("ambiguous venue outcome, pending reconciliation")
		order.PendingReconciliation = true
		s.transition(order, types.StatusSubmitted)
		if err := ticket.Commit(order.OrderID); err != nil {
			return nil, err
		}
		return handleFor(order), nil

	default:
		s.transition(order, types.StatusRejected)
		_ = ticket.Fail()
		return handleFor(order), err
	}
}

// OnFillReceived applies one venue fill to the order and the position ledger,
// then notifies subscribers. Fills for the same order are applied in arrival
// order; replays of an already-applied venue fill are no-ops.
func (s *Service) OnFillReceived(orderID, venueFillID string, qty, price, fee float64) error {
	lock := s.lockForOrder(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("%w: %s", types.ErrOrderNotFound, orderID)
	}

	if venueFillID != "" {
		applied, err := s.db.HasVenueFill(order.Venue, venueFillID)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
	}

	// Clamp to the remaining requested quantity; the excess is a hard
	// anomaly, reported rather than silently dropped.
	remaining := order.RemainingQuantity()
	if qty > remaining {
		excess := qty - remaining
		log.Error().
			Str("order_id", orderID).
			Float64("excess_quantity", excess).
			Msg("venue fill exceeds remaining order quantity")
		if s.anomalies != nil {
			s.anomalies.RecordAnomaly(order.Symbol,
				fmt.Sprintf("fill for order %s exceeds remaining quantity by %v", orderID, excess),
				remaining, qty)
		}
		qty = remaining
	}
	if qty == 0 {
		return nil
	}

	// Quantity-weighted average fill price across the order's fills.
	prevNotional := decimal.NewFromFloat(order.AverageFillPrice).Mul(decimal.NewFromFloat(order.FilledQuantity))
	newFilled := decimal.NewFromFloat(order.FilledQuantity).Add(decimal.NewFromFloat(qty))
	avg := prevNotional.Add(decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(qty))).Div(newFilled)
	order.FilledQuantity, _ = newFilled.Float64()
	order.AverageFillPrice, _ = avg.Float64()

	oldStatus := order.Status
	newStatus := types.StatusPartiallyFilled
	if order.RemainingQuantity() == 0 {
		newStatus = types.StatusFilled
	}
	if types.CanTransition(order.Status, newStatus) {
		order.Status = newStatus
	}
	order.LastUpdatedAt = time.Now()

	fill := &types.Fill{
		FillID:      "FIL_" + uuid.New().String(),
		VenueFillID: venueFillID,
		OrderID:     order.OrderID,
		Venue:       order.Venue,
		Symbol:      order.Symbol,
		Quantity:    qty,
		Price:       price,
		Fee:         fee,
		CreatedAt:   time.Now(),
	}
	if err := s.db.SaveOrderAndFill(order, fill); err != nil {
		return err
	}

	signed := qty
	if order.Side == types.SideSell {
		signed = -qty
	}
	position, err := s.ledger.ApplyFill(order.Symbol, signed, price)
	if err != nil {
		return fmt.Errorf("ledger update failed for order %s: %w", orderID, err)
	}

	if oldStatus != order.Status {
		s.publishStatus(order.OrderID, oldStatus, order.Status)
	}
	s.bus.Publish(events.PositionUpdated{
		BaseEvent:     events.BaseEvent{At: time.Now()},
		Symbol:        position.Symbol,
		NetQuantity:   position.NetQuantity,
		RealizedPnL:   position.RealizedPnL,
		UnrealizedPnL: position.UnrealizedPnL,
	})
	return nil
}

// Cancel requests best-effort cancellation. A cancel racing an in-flight fill
// may still fill; the final state reflects whatever the venue confirms.
func (s *Service) Cancel(ctx context.Context, orderID string) (*types.OrderHandle, error) {
	lock := s.lockForOrder(orderID)
	lock.Lock()
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if order == nil {
		lock.Unlock()
		return nil, fmt.Errorf("%w: %s", types.ErrOrderNotFound, orderID)
	}
	if order.Status != types.StatusSubmitted && order.Status != types.StatusPartiallyFilled {
		lock.Unlock()
		return nil, &types.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("cannot cancel order in status %s", order.Status),
		}
	}
	s.transition(order, types.StatusCancelPending)
	lock.Unlock()

	adapter := s.adapters[order.Venue]
	callCtx, cancel := context.WithTimeout(ctx, s.timeouts[order.Venue])
	err = adapter.CancelOrder(callCtx, order.VenueOrderID)
	cancel()

	lock.Lock()
	defer lock.Unlock()
	order, loadErr := s.db.GetOrder(orderID)
	if loadErr != nil {
		return nil, loadErr
	}

	switch {
	case err == nil:
		if types.CanTransition(order.Status, types.StatusCancelled) {
			s.transition(order, types.StatusCancelled)
		}
	case types.IsAmbiguous(err):
		// Venue outcome unknown; the reconciler settles it.
		order.PendingReconciliation = true
		order.LastUpdatedAt = time.Now()
		if err := s.db.UpdateOrder(order); err != nil {
			return nil, err
		}
	default:
		// Definite refusal, e.g. the order already filled venue-side. Leave
		// CANCEL_PENDING for the reconciler to settle from venue state.
		log.Warn().Err(err).Str("order_id", orderID).Msg("venue refused cancellation")
	}

	return handleFor(order), nil
}

// GetOrder returns the order, or ErrOrderNotFound.
func (s *Service) GetOrder(orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, types.ErrOrderNotFound
	}
	return order, nil
}

// Fills returns the order's fill history in application order.
func (s *Service) Fills(orderID string) ([]types.Fill, error) {
	return s.db.FillsByOrder(orderID)
}

// OpenOrders lists locally-open orders for a venue, for reconciliation.
func (s *Service) OpenOrders(venue string) ([]types.Order, error) {
	return s.db.ListOpenOrders(venue)
}

// ResolveAsRejected is invoked by the reconciler for an order that provably
// never reached its venue: the order dies and the intent key becomes
// retryable.
func (s *Service) ResolveAsRejected(orderID string) error {
	lock := s.lockForOrder(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("%w: %s", types.ErrOrderNotFound, orderID)
	}
	if types.IsTerminalStatus(order.Status) {
		return nil
	}

	order.PendingReconciliation = false
	s.transition(order, types.StatusRejected)
	return s.guard.Release(order.ClientIntentKey)
}

// ResolveAsCancelled settles a CANCEL_PENDING order the venue no longer
// reports as working.
func (s *Service) ResolveAsCancelled(orderID string) error {
	lock := s.lockForOrder(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.db.GetOrder(orderID)
	if err != nil || order == nil {
		return err
	}
	if order.Status != types.StatusCancelPending {
		return nil
	}
	order.PendingReconciliation = false
	s.transition(order, types.StatusCancelled)
	return nil
}

// ConfirmSubmitted clears the pending-reconciliation marker once the venue
// acknowledges knowing the order, recording the venue order reference.
func (s *Service) ConfirmSubmitted(orderID, venueOrderID string) error {
	lock := s.lockForOrder(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.db.GetOrder(orderID)
	if err != nil || order == nil {
		return err
	}
	order.VenueOrderID = venueOrderID
	order.PendingReconciliation = false
	order.LastUpdatedAt = time.Now()
	return s.db.UpdateOrder(order)
}

// HaltSymbol stops automated submission for a symbol after a ledger anomaly.
// Other symbols continue operating normally.
func (s *Service) HaltSymbol(symbol, reason string) {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	s.halted[symbol] = reason
	log.Error().Str("symbol", symbol).Str("reason", reason).Msg("symbol halted pending manual resolution")
}

// ResumeSymbol lifts a halt after manual resolution.
func (s *Service) ResumeSymbol(symbol string) {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	delete(s.halted, symbol)
}

// IsHalted reports whether a symbol is halted.
func (s *Service) IsHalted(symbol string) bool {
	_, halted := s.haltedReason(symbol)
	return halted
}

func (s *Service) haltedReason(symbol string) (string, bool) {
	s.haltMu.RLock()
	defer s.haltMu.RUnlock()
	reason, halted := s.halted[symbol]
	return reason, halted
}

// transition moves the order through the state machine, persists it and
// publishes the change. Invalid transitions are refused: a terminal status is
// never left.
func (s *Service) transition(order *types.Order, to string) {
	if order.Status == to {
		return
	}
	if !types.CanTransition(order.Status, to) {
		log.Error().
			Str("order_id", order.OrderID).
			Str("from", order.Status).
			Str("to", to).
			Msg("refused invalid order status transition")
		return
	}
	old := order.Status
	order.Status = to
	order.LastUpdatedAt = time.Now()
	if err := s.db.UpdateOrder(order); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to persist status transition")
		return
	}
	// The lock entry outlives the order. Reaping it here would let a
	// concurrent lockForOrder mint a second mutex for the same order while
	// the caller still holds the first.
	s.publishStatus(order.OrderID, old, to)
}

func (s *Service) publishStatus(orderID, old, new string) {
	s.bus.Publish(events.OrderStatusChanged{
		BaseEvent: events.BaseEvent{At: time.Now()},
		OrderID:   orderID,
		OldStatus: old,
		NewStatus: new,
	})
}

func (s *Service) lockForOrder(orderID string) *sync.Mutex {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	lock, ok := s.orderLocks[orderID]
	if !ok {
		lock = &sync.Mutex{}
		s.orderLocks[orderID] = lock
	}
	return lock
}

func handleFor(order *types.Order) *types.OrderHandle {
	return &types.OrderHandle{
		OrderID:               order.OrderID,
		Status:                order.Status,
		PendingReconciliation: order.PendingReconciliation,
	}
}
