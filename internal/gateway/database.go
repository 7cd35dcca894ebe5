package gateway

import (
	"errors"

	"github.com/algotrendy/execution-core/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByVenueOrderID(venue, venueOrderID string) (*types.Order, error) {
	var order types.Order
	err := d.db.Where("venue = ? AND venue_order_id = ?", venue, venueOrderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(order *types.Order) error {
	return d.db.Save(order).Error
}

// ListOpenOrders returns orders still working at a venue, the set the
// reconciler diffs against venue state.
func (d *Database) ListOpenOrders(venue string) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where(
		"venue = ? AND status IN ?",
		venue,
		[]string{types.StatusSubmitted, types.StatusPartiallyFilled, types.StatusCancelPending},
	).Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// HasVenueFill reports whether a venue fill has already been applied, which
// is what makes fill replay idempotent.
func (d *Database) HasVenueFill(venue, venueFillID string) (bool, error) {
	var count int64
	err := d.db.Model(&types.Fill{}).
		Where("venue = ? AND venue_fill_id = ?", venue, venueFillID).
		Count(&count).Error
	return count > 0, err
}

// SaveOrderAndFill persists the fill and the updated order in one
// transaction so the audit trail never disagrees with order state.
func (d *Database) SaveOrderAndFill(order *types.Order, fill *types.Fill) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(fill).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Save(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func (d *Database) FillsByOrder(orderID string) ([]types.Fill, error) {
	var fills []types.Fill
	if err := d.db.Where("order_id = ?", orderID).Order("created_at").Find(&fills).Error; err != nil {
		return nil, err
	}
	return fills, nil
}
