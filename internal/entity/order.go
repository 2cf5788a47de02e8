package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// Order represents a purchase order stored in the relational database.
// Status changes go through guarded writes; Version is the optimistic-lock
// counter and must never be assigned directly.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID              int64       `bun:",pk,autoincrement"`
	Number          string      `bun:"number"`
	UserID          int64       `bun:"user_id"`
	StoreID         int64       `bun:"store_id"`
	Status          OrderStatus `bun:"status"`
	Total           int64       `bun:"total"`
	TrackingNumber  string      `bun:"tracking_number,nullzero"`
	ShippingAddress string      `bun:"shipping_address,nullzero"`
	StockReleased   bool        `bun:"stock_released"`
	Version         int64       `bun:"version"`
	CreatedAt       time.Time   `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time   `bun:"updated_at,nullzero"`

	Items []*OrderItem `bun:"rel:has-many,join:id=order_id"`
}

func (o *Order) RecordID() int64          { return o.ID }
func (o *Order) RecordVersion() int64     { return o.Version }
func (o *Order) SetRecordVersion(v int64) { o.Version = v }
func (o *Order) Touch(now time.Time)      { o.UpdatedAt = now }

// OrderItem is a single product line on an order. Quantity is the amount of
// stock reserved for the line at order creation.
type OrderItem struct {
	bun.BaseModel `bun:"table:order_items"`

	ID        int64 `bun:",pk,autoincrement"`
	OrderID   int64 `bun:"order_id"`
	ProductID int64 `bun:"product_id"`
	Quantity  int64 `bun:"quantity"`
	UnitPrice int64 `bun:"unit_price"`
}
