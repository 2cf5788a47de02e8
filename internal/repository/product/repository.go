package product

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/khayson/storefront/internal/config"
	"github.com/khayson/storefront/internal/database"
	"github.com/khayson/storefront/internal/entity"
	"github.com/khayson/storefront/internal/versioned"
)

var repoTracer = otel.Tracer("github.com/khayson/storefront/repository/product")

// ErrNotFound is returned when a product is missing.
var ErrNotFound = errors.New("product not found")

// ErrInsufficientStock is returned when a reservation asks for more units
// than the available pool holds.
var ErrInsufficientStock = errors.New("insufficient stock")

// Repository encapsulates catalog reads and guarded stock adjustments.
type Repository struct {
	store      *versioned.Store[entity.Product, *entity.Product]
	maxRetries int
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections, cfg config.Config) *Repository {
	return &Repository{
		store:      versioned.NewStore[entity.Product](conns, "product"),
		maxRetries: cfg.Inventory.MaxWriteRetries,
	}
}

// GetByID fetches a product by primary key.
func (r *Repository) GetByID(ctx context.Context, id int64) (*entity.Product, error) {
	ctx, span := repoTracer.Start(ctx, "ProductRepository.GetByID", trace.WithAttributes(attribute.Int64("product.id", id)))
	defer span.End()

	product, err := r.store.Load(ctx, id)
	if errors.Is(err, versioned.ErrNotFound) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return product, nil
}

// Reserve moves qty units from the available pool into a reservation. The
// decrement is a guarded write; on conflict the product is re-loaded and the
// write retried a bounded number of times before giving up.
func (r *Repository) Reserve(ctx context.Context, productID int64, qty int64) error {
	return r.adjust(ctx, "ProductRepository.Reserve", productID, -qty)
}

// Release credits qty units back to the available pool after a failed or
// refunded payment. Same guarded-write discipline as Reserve; two racing
// releases for the same reservation cannot double-credit because only the
// caller that won the order transition invokes this.
func (r *Repository) Release(ctx context.Context, productID int64, qty int64) error {
	return r.adjust(ctx, "ProductRepository.Release", productID, qty)
}

func (r *Repository) adjust(ctx context.Context, op string, productID int64, delta int64) error {
	ctx, span := repoTracer.Start(ctx, op, trace.WithAttributes(
		attribute.Int64("product.id", productID),
		attribute.Int64("stock.delta", delta),
	))
	defer span.End()

	var lastExpected, lastConflict int64
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		product, err := r.store.Load(ctx, productID)
		if errors.Is(err, versioned.ErrNotFound) {
			span.SetStatus(codes.Error, "not found")
			return ErrNotFound
		}
		if err != nil {
			span.RecordError(err)
			return err
		}

		next := product.StockQuantity + delta
		if next < 0 {
			span.SetStatus(codes.Error, "insufficient stock")
			return fmt.Errorf("%w: product %d has %d units, need %d", ErrInsufficientStock, productID, product.StockQuantity, -delta)
		}

		expected := product.Version
		product.StockQuantity = next
		res, err := r.store.GuardedWrite(ctx, product, expected, "stock_quantity")
		if err != nil {
			span.RecordError(err)
			return err
		}
		if res.Applied {
			span.SetAttributes(attribute.Int64("product.version", res.NewVersion))
			return nil
		}
		lastExpected, lastConflict = expected, res.CurrentVersion
	}

	span.SetStatus(codes.Error, "retries exhausted")
	return &versioned.ConflictError{Entity: "product", Expected: lastExpected, Actual: lastConflict}
}
