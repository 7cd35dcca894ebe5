package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/algotrendy/execution-core/internal/broker"
	"github.com/algotrendy/execution-core/internal/config"
	"github.com/algotrendy/execution-core/internal/gateway"
	"github.com/algotrendy/execution-core/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	stateIdle int32 = iota
	stateReconciling
)

// FillHistorian is implemented by adapters that can report every venue-side
// fill, not just those attached to open orders. The reconciler uses it when
// available; otherwise it diffs only the fills embedded in open orders.
type FillHistorian interface {
	AllFills(ctx context.Context) ([]types.Fill, error)
}

// Reconciler periodically diffs local order and position state against each
// venue and corrects drift: it replays fills the engine missed, rejects
// orders the venue never saw, settles stuck cancels, and halts symbols whose
// positions have diverged beyond tolerance. Each pass is idempotent; a pass
// over already-consistent state changes nothing.
type Reconciler struct {
	db             *Database
	gateway        *gateway.Service
	interval       time.Duration
	gracePeriod    time.Duration
	driftTolerance float64

	state int32 // stateIdle or stateReconciling
}

func NewReconciler(gormDB *gorm.DB, gw *gateway.Service, cfg config.ReconciliationConfig) *Reconciler {
	return &Reconciler{
		db:             NewDatabase(gormDB),
		gateway:        gw,
		interval:       cfg.Interval.Std(),
		gracePeriod:    cfg.GracePeriod.Std(),
		driftTolerance: cfg.DriftTolerance,
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) {
	logger := log.With().Str("component", "reconciler").Logger()
	logger.Info().Dur("interval", r.interval).Msg("starting reconciler")

	// A restarted engine may hold orders whose venue outcome resolved while
	// it was down; recover immediately instead of waiting out the first
	// interval.
	if err := r.RunOnce(ctx); err != nil {
		logger.Error().Err(err).Msg("startup reconciliation pass failed")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down reconciler")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("reconciliation pass failed")
			}
		}
	}
}

// RunOnce executes a single reconciliation pass. Passes never overlap: if a
// previous pass is still running the call returns immediately.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.state, stateIdle, stateReconciling) {
		return nil
	}
	defer atomic.StoreInt32(&r.state, stateIdle)

	logger := log.With().Str("component", "reconciler").Logger()

	for venue, adapter := range r.gateway.Adapters() {
		if err := r.reconcileVenue(ctx, venue, adapter); err != nil {
			logger.Error().Err(err).Str("venue", venue).Msg("venue reconciliation failed")
		}
	}

	return r.checkPositionDrift(ctx)
}

func (r *Reconciler) reconcileVenue(ctx context.Context, venue string, adapter broker.Adapter) error {
	logger := log.With().Str("component", "reconciler").Str("venue", venue).Logger()

	venueOrders, err := adapter.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetching venue open orders: %w", err)
	}

	// Index venue activity by engine order ID. Open orders link back through
	// their fills; the fill history covers orders the venue already closed.
	venueFills := make([]types.Fill, 0, len(venueOrders))
	byOrderID := make(map[string]string) // engine order ID -> venue order ID
	for _, vo := range venueOrders {
		for _, fill := range vo.Fills {
			venueFills = append(venueFills, fill)
			byOrderID[fill.OrderID] = vo.VenueOrderID
		}
	}
	if historian, ok := adapter.(FillHistorian); ok {
		all, err := historian.AllFills(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("fill history unavailable, diffing open orders only")
		} else {
			venueFills = all
		}
	}

	openAtVenue := make(map[string]bool) // by venue order ID
	for _, vo := range venueOrders {
		openAtVenue[vo.VenueOrderID] = true
	}
	for _, fill := range venueFills {
		if fill.OrderID != "" {
			if _, ok := byOrderID[fill.OrderID]; !ok {
				byOrderID[fill.OrderID] = ""
			}
		}
	}

	localOrders, err := r.gateway.OpenOrders(venue)
	if err != nil {
		return fmt.Errorf("listing local open orders: %w", err)
	}

	for i := range localOrders {
		order := &localOrders[i]
		venueOrderID, knownToVenue := order.VenueOrderID, false
		if venueOrderID != "" {
			knownToVenue = openAtVenue[venueOrderID]
		}
		if id, ok := byOrderID[order.OrderID]; ok {
			knownToVenue = true
			if venueOrderID == "" {
				venueOrderID = id
			}
		}
		stillOpenAtVenue := venueOrderID != "" && openAtVenue[venueOrderID]

		switch {
		case order.PendingReconciliation && knownToVenue:
			// The submission response was lost but the venue accepted the
			// order. Confirm it and clear the flag.
			if err := r.gateway.ConfirmSubmitted(order.OrderID, venueOrderID); err != nil {
				logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to confirm order")
			}

		case order.Status == types.StatusCancelPending && !stillOpenAtVenue:
			// The cancel went through (or the order was never live); the
			// venue no longer reports it as open. Fills that landed before
			// the cancel are replayed below regardless.
			if err := r.gateway.ResolveAsCancelled(order.OrderID); err != nil {
				logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to settle cancel")
			}

		case order.Status == types.StatusSubmitted && !knownToVenue && time.Since(order.CreatedAt) > r.gracePeriod:
			// The venue has no trace of this order and it is old enough that
			// a slow ack is ruled out. Reject it and free the intent key so
			// the caller can retry.
			logger.Warn().
				Str("order_id", order.OrderID).
				Str("status", order.Status).
				Msg("order unknown to venue past grace period, rejecting")
			if err := r.gateway.ResolveAsRejected(order.OrderID); err != nil {
				logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to reject orphaned order")
			}
		}
	}

	// Replay venue fills the engine never recorded, after ambiguous orders
	// above were confirmed so no fill lands on an unconfirmed order.
	// OnFillReceived dedupes by venue fill ID, so replaying an
	// already-known fill is a no-op.
	for _, fill := range venueFills {
		err := r.gateway.OnFillReceived(fill.OrderID, fill.VenueFillID, fill.Quantity, fill.Price, fill.Fee)
		if err != nil && !errors.Is(err, types.ErrOrderNotFound) {
			logger.Error().Err(err).
				Str("order_id", fill.OrderID).
				Str("venue_fill_id", fill.VenueFillID).
				Msg("failed to replay venue fill")
		}
	}

	return nil
}

// checkPositionDrift compares the local ledger's net quantity per symbol with
// the sum reported by all venues. Drift beyond tolerance is unexplainable
// state: the symbol is halted and an anomaly persisted for operator review.
func (r *Reconciler) checkPositionDrift(ctx context.Context) error {
	venueNet := make(map[string]float64)
	for venue, adapter := range r.gateway.Adapters() {
		positions, err := adapter.Positions(ctx)
		if err != nil {
			// A venue we cannot read is indistinguishable from drift; skip
			// the comparison this pass rather than raise false anomalies.
			log.Warn().Err(err).Str("venue", venue).Msg("venue positions unavailable, skipping drift check")
			return nil
		}
		for _, pos := range positions {
			venueNet[pos.Symbol] += pos.NetQuantity
		}
	}

	local, err := r.gateway.Ledger().Positions(ctx)
	if err != nil {
		return fmt.Errorf("listing local positions: %w", err)
	}
	localNet := make(map[string]float64, len(local))
	for _, pos := range local {
		localNet[pos.Symbol] = pos.NetQuantity
	}

	symbols := make(map[string]bool, len(localNet)+len(venueNet))
	for symbol := range localNet {
		symbols[symbol] = true
	}
	for symbol := range venueNet {
		symbols[symbol] = true
	}

	for symbol := range symbols {
		localQty, venueQty := localNet[symbol], venueNet[symbol]
		if math.Abs(localQty-venueQty) <= r.driftTolerance {
			continue
		}
		r.RecordAnomaly(symbol, "position_drift", localQty, venueQty)
	}
	return nil
}

// RecordAnomaly persists a discrepancy and halts the symbol. It is also the
// gateway's sink for anomalies detected inline, such as venue overfills.
func (r *Reconciler) RecordAnomaly(symbol, reason string, localQty, venueQty float64) {
	logger := log.With().Str("component", "reconciler").Str("symbol", symbol).Logger()

	r.gateway.HaltSymbol(symbol, reason)

	existing, err := r.db.OpenAnomaly(symbol)
	if err != nil {
		logger.Error().Err(err).Msg("failed to check existing anomalies")
	}
	if existing != nil {
		return // already halted and recorded
	}

	anomaly := &Anomaly{
		AnomalyID:     "ANM_" + uuid.New().String(),
		Symbol:        symbol,
		Reason:        reason,
		LocalQuantity: localQty,
		VenueQuantity: venueQty,
		DetectedAt:    time.Now(),
	}
	if err := r.db.CreateAnomaly(anomaly); err != nil {
		logger.Error().Err(err).Msg("failed to persist anomaly")
		return
	}

	logger.Warn().
		Str("anomaly_id", anomaly.AnomalyID).
		Str("reason", reason).
		Float64("local_quantity", localQty).
		Float64("venue_quantity", venueQty).
		Msg("anomaly recorded, symbol halted")
}

// Anomalies returns all unresolved anomalies.
func (r *Reconciler) Anomalies() ([]Anomaly, error) {
	return r.db.ListOpenAnomalies()
}

// Resolve marks an anomaly resolved and resumes its symbol when no other
// unresolved anomaly covers it.
func (r *Reconciler) Resolve(anomalyID string) error {
	anomalies, err := r.db.ListOpenAnomalies()
	if err != nil {
		return err
	}
	var symbol string
	for _, a := range anomalies {
		if a.AnomalyID == anomalyID {
			symbol = a.Symbol
			break
		}
	}
	if symbol == "" {
		return gorm.ErrRecordNotFound
	}

	if err := r.db.ResolveAnomaly(anomalyID); err != nil {
		return err
	}

	remaining, err := r.db.OpenAnomaly(symbol)
	if err != nil {
		return err
	}
	if remaining == nil {
		r.gateway.ResumeSymbol(symbol)
	}
	return nil
}
