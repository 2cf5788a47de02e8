package payment

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/khayson/storefront/internal/database"
	"github.com/khayson/storefront/internal/entity"
	"github.com/khayson/storefront/internal/versioned"
)

var repoTracer = otel.Tracer("github.com/khayson/storefront/repository/payment")

// ErrNotFound is returned when no matching payment transaction exists.
var ErrNotFound = errors.New("payment transaction not found")

// Repository encapsulates access to payment transactions. New transactions
// are opened by the order repository in the same database transaction as
// their order; everything after that goes through guarded writes here.
type Repository struct {
	store  *versioned.Store[entity.PaymentTransaction, *entity.PaymentTransaction]
	reader *bun.DB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{
		store:  versioned.NewStore[entity.PaymentTransaction](conns, "payment_transaction"),
		reader: conns.Reader,
	}
}

// GetByRef fetches a transaction by the processor-assigned reference.
func (r *Repository) GetByRef(ctx context.Context, ref string) (*entity.PaymentTransaction, error) {
	ctx, span := repoTracer.Start(ctx, "PaymentRepository.GetByRef", trace.WithAttributes(attribute.String("payment.ref", ref)))
	defer span.End()

	txn := new(entity.PaymentTransaction)
	err := r.reader.NewSelect().Model(txn).Where("transaction_ref = ?", ref).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return txn, nil
}

// LatestPendingForOrder returns the most recent pending transaction for an
// order. This is the row a first webhook binds its processor reference to.
func (r *Repository) LatestPendingForOrder(ctx context.Context, orderID int64) (*entity.PaymentTransaction, error) {
	ctx, span := repoTracer.Start(ctx, "PaymentRepository.LatestPendingForOrder", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	txn := new(entity.PaymentTransaction)
	err := r.reader.NewSelect().
		Model(txn).
		Where("order_id = ?", orderID).
		Where("status = ?", entity.PaymentPending).
		Order("id DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return txn, nil
}

// LatestForOrder returns the most recent transaction for an order in any
// status. Redelivered events without a processor reference land here once
// the transaction has left pending, so they can be recognised as duplicates.
func (r *Repository) LatestForOrder(ctx context.Context, orderID int64) (*entity.PaymentTransaction, error) {
	ctx, span := repoTracer.Start(ctx, "PaymentRepository.LatestForOrder", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	txn := new(entity.PaymentTransaction)
	err := r.reader.NewSelect().
		Model(txn).
		Where("order_id = ?", orderID).
		Order("id DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return txn, nil
}

// UpdateStatus applies the transaction's in-memory status, processor
// reference, and status timestamp as one guarded write against expected.
func (r *Repository) UpdateStatus(ctx context.Context, txn *entity.PaymentTransaction, expected int64) (versioned.WriteResult, error) {
	ctx, span := repoTracer.Start(ctx, "PaymentRepository.UpdateStatus", trace.WithAttributes(
		attribute.Int64("payment.id", txn.ID),
		attribute.String("payment.status", string(txn.Status)),
	))
	defer span.End()

	return r.store.GuardedWrite(ctx, txn, expected, "status", "transaction_ref", "status_changed_at")
}
