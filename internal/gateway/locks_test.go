package gateway

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/algotrendy/execution-core/internal/events"
	"github.com/algotrendy/execution-core/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestOrderLockStableAcrossTerminalTransition(t *testing.T) {
	db, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "locks.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)},
	)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Order{}))

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	svc := NewService(db, nil, nil, nil, bus, nil, nil)

	order := &types.Order{
		OrderID:         "ORD_LOCK",
		ClientIntentKey: "K-LOCK",
		Symbol:          "BTC-USDT",
		Side:            types.SideBuy,
		OrderType:       types.TypeMarket,
		Quantity:        1,
		Venue:           "sim",
		Status:          types.StatusPending,
		CreatedAt:       time.Now(),
		LastUpdatedAt:   time.Now(),
	}
	require.NoError(t, svc.db.CreateOrder(order))

	// A mutator holds the order lock while driving it terminal; a racer
	// asking for the lock afterwards must get the same mutex, not a fresh
	// one it could acquire concurrently.
	held := svc.lockForOrder(order.OrderID)
	held.Lock()
	svc.transition(order, types.StatusRejected)
	after := svc.lockForOrder(order.OrderID)
	assert.Same(t, held, after)
	held.Unlock()
}
