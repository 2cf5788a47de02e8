package order

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

var repoTracer = otel.Tracer("github.com/khayson/storefront/repository/order")

// ErrNotFound is returned when an order is missing.
var ErrNotFound = errors.New("order not found")

// Repository encapsulates read/write access for orders and their items.
// All status writes go through the versioned store.
type Repository struct {
	store  *versioned.Store[entity.Order, *entity.Order]
	writer *bun.DB
	reader *bun.DB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{
		store:  versioned.NewStore[entity.Order](conns, "order"),
		writer: conns.Writer,
		reader: conns.Reader,
	}
}

// Create persists a new order, its items, and the opening payment
// transaction, all at version 0 in one database transaction. Nothing is left
// behind on failure, so the caller's only compensation is the stock it
// reserved beforehand.
func (r *Repository) Create(ctx context.Context, order *entity.Order, txn *entity.PaymentTransaction) error {
	if order == nil {
		return errors.New("nil order")
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Create", trace.WithAttributes(attribute.String("order.number", order.Number)))
	defer span.End()

	err := r.writer.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		order.Version = 0
		if _, err := tx.NewInsert().Model(order).Exec(ctx); err != nil {
			return err
		}
		if len(order.Items) > 0 {
			for _, item := range order.Items {
				item.OrderID = order.ID
			}
			if _, err := tx.NewInsert().Model(&order.Items).Exec(ctx); err != nil {
				return err
			}
		}
		if txn == nil {
			return nil
		}
		txn.OrderID = order.ID
		txn.Version = 0
		_, err := tx.NewInsert().Model(txn).Exec(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// GetByID fetches an order with its items, reading the current version.
func (r *Repository) GetByID(ctx context.Context, id int64) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.GetByID", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	order := new(entity.Order)
	err := r.reader.NewSelect().Model(order).Relation("Items").Where("\"order\".id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return order, nil
}

// UpdateStatus applies the order's in-memory status, stock-release flag, and
// tracking number as one guarded write against expected. The result tells
// the caller whether it won the race; a conflict carries the version that
// did.
func (r *Repository) UpdateStatus(ctx context.Context, order *entity.Order, expected int64) (versioned.WriteResult, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.UpdateStatus", trace.WithAttributes(
		attribute.Int64("order.id", order.ID),
		attribute.String("order.status", string(order.Status)),
	))
	defer span.End()

	return r.store.GuardedWrite(ctx, order, expected, "status", "stock_released", "tracking_number")
}

// Bump increments the order version without changing any field, failing with
// a conflict if the in-memory version is already stale.
func (r *Repository) Bump(ctx context.Context, order *entity.Order) error {
	return r.store.Bump(ctx, order)
}
