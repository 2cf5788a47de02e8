package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// PaymentTransaction records one payment attempt against an order.
// TransactionRef stays empty until the payment processor assigns one.
// StatusChangedAt carries the processor-side timestamp of the last applied
// status event and is the tie-break for out-of-order webhook delivery.
type PaymentTransaction struct {
	bun.BaseModel `bun:"table:payment_transactions"`

	ID              int64         `bun:",pk,autoincrement"`
	OrderID         int64         `bun:"order_id"`
	TransactionRef  string        `bun:"transaction_ref,nullzero"`
	Status          PaymentStatus `bun:"status"`
	Amount          int64         `bun:"amount"`
	StatusChangedAt time.Time     `bun:"status_changed_at,nullzero"`
	Version         int64         `bun:"version"`
	CreatedAt       time.Time     `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time     `bun:"updated_at,nullzero"`
}

func (t *PaymentTransaction) RecordID() int64          { return t.ID }
func (t *PaymentTransaction) RecordVersion() int64     { return t.Version }
func (t *PaymentTransaction) SetRecordVersion(v int64) { t.Version = v }
func (t *PaymentTransaction) Touch(now time.Time)      { t.UpdatedAt = now }
