package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// Product is a store catalog entry. StockQuantity is the available pool;
// reservations decrement it at order creation and failed or refunded payments
// credit it back, both through guarded writes on Version.
type Product struct {
	bun.BaseModel `bun:"table:products"`

	ID            int64     `bun:",pk,autoincrement"`
	StoreID       int64     `bun:"store_id"`
	Name          string    `bun:"name"`
	Price         int64     `bun:"price"`
	StockQuantity int64     `bun:"stock_quantity"`
	Version       int64     `bun:"version"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero"`
}

func (p *Product) RecordID() int64          { return p.ID }
func (p *Product) RecordVersion() int64     { return p.Version }
func (p *Product) SetRecordVersion(v int64) { p.Version = v }
func (p *Product) Touch(now time.Time)      { p.UpdatedAt = now }
