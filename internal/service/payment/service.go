// Package payment drives order status from payment lifecycle events. The
// state machine never takes locks: every write is a guarded write, and a
// lost race is re-evaluated against the fresh row rather than forced.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/khayson/storefront/internal/cache"
	"github.com/khayson/storefront/internal/config"
	"github.com/khayson/storefront/internal/entity"
	"github.com/khayson/storefront/internal/notification"
	orderrepo "github.com/khayson/storefront/internal/repository/order"
	paymentrepo "github.com/khayson/storefront/internal/repository/payment"
	productrepo "github.com/khayson/storefront/internal/repository/product"
	"github.com/khayson/storefront/internal/versioned"
	"github.com/khayson/storefront/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/khayson/storefront/service/payment")

// Event is a payment status change delivered by the processor boundary.
// The boundary has already authenticated it; the state machine trusts the
// payload. TransactionRef may be empty on the first event for a transaction
// the processor has not yet referenced.
type Event struct {
	TransactionRef string               `json:"transaction_ref"`
	OrderID        int64                `json:"order_id"`
	NewStatus      entity.PaymentStatus `json:"new_status"`
	Amount         int64                `json:"amount"`
	OccurredAt     time.Time            `json:"occurred_at"`
}

// OrderStore is the slice of the order repository the state machine needs.
type OrderStore interface {
	GetByID(ctx context.Context, id int64) (*entity.Order, error)
	UpdateStatus(ctx context.Context, order *entity.Order, expected int64) (versioned.WriteResult, error)
}

// TransactionStore is the slice of the payment repository the state machine
// needs.
type TransactionStore interface {
	GetByRef(ctx context.Context, ref string) (*entity.PaymentTransaction, error)
	LatestPendingForOrder(ctx context.Context, orderID int64) (*entity.PaymentTransaction, error)
	LatestForOrder(ctx context.Context, orderID int64) (*entity.PaymentTransaction, error)
	UpdateStatus(ctx context.Context, txn *entity.PaymentTransaction, expected int64) (versioned.WriteResult, error)
}

// StockReleaser credits reserved units back to the available pool.
type StockReleaser interface {
	Release(ctx context.Context, productID int64, qty int64) error
}

// Service is the order/payment state machine.
type Service struct {
	orders      OrderStore
	txns        TransactionStore
	stock       StockReleaser
	sink        notification.Sink
	cache       cache.Store
	logger      *zap.Logger
	maxAttempts int
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Orders *orderrepo.Repository
	Txns   *paymentrepo.Repository
	Stock  *productrepo.Repository
	Sink   notification.Sink
	Cache  cache.Store
	Config config.Config
	Logger *zap.Logger
}

// NewService wires a new Service instance.
func NewService(p Params) *Service {
	s := newService(p.Orders, p.Txns, p.Stock, p.Sink, p.Logger, p.Config.Inventory.MaxWriteRetries)
	s.cache = p.Cache
	return s
}

func newService(orders OrderStore, txns TransactionStore, stock StockReleaser, sink notification.Sink, logger *zap.Logger, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{
		orders:      orders,
		txns:        txns,
		stock:       stock,
		sink:        sink,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// Apply processes one payment event end to end: transaction status first,
// then the owning order's status, then side effects. Duplicate and stale
// events are benign no-ops; a conflicting concurrent writer triggers a
// bounded re-load and re-evaluate rather than a forced write.
func (s *Service) Apply(ctx context.Context, event Event) error {
	ctx, span := serviceTracer.Start(ctx, "PaymentStateMachine.Apply", trace.WithAttributes(
		attribute.Int64("order.id", event.OrderID),
		attribute.String("payment.status", string(event.NewStatus)),
	))
	defer span.End()

	if event.OrderID <= 0 {
		return errorbank.BadRequest("payment event requires an order id")
	}
	if !event.NewStatus.Valid() {
		return errorbank.BadRequest(fmt.Sprintf("unknown payment status %q", event.NewStatus))
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	proceed, err := s.applyToTransaction(ctx, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction update failed")
		return err
	}
	if !proceed {
		// Stale or out-of-order delivery; nothing further to do.
		return nil
	}

	target, ok := entity.OrderStatusFor(event.NewStatus)
	if !ok {
		return errorbank.BadRequest(fmt.Sprintf("no order status for payment status %q", event.NewStatus))
	}

	if err := s.transitionOrder(ctx, event, target); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "order transition failed")
		return err
	}
	return nil
}

// applyToTransaction moves the payment transaction to the event's status.
// The bool result reports whether the order transition should follow; false
// means the event is stale or out of order. A redelivered event whose status
// already matches still proceeds: an earlier attempt may have settled the
// transaction and then crashed or lost the order write, and only the order
// transition can converge that.
func (s *Service) applyToTransaction(ctx context.Context, event Event) (bool, error) {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		txn, err := s.resolveTransaction(ctx, event)
		if err != nil {
			return false, err
		}
		if txn.OrderID != event.OrderID {
			return false, errorbank.BadRequest("payment event order id does not match transaction",
				errorbank.WithDetail("transaction_order_id", txn.OrderID),
				errorbank.WithDetail("event_order_id", event.OrderID))
		}

		if txn.Status == event.NewStatus {
			// Redelivery with the transaction already settled. Let the order
			// transition run anyway; transitions already applied are no-ops
			// there, and an order left behind by a lost write catches up.
			s.logger.Debug("duplicate payment event; converging order",
				zap.Int64("order_id", event.OrderID),
				zap.String("status", string(event.NewStatus)))
			return true, nil
		}
		if !txn.StatusChangedAt.IsZero() && !event.OccurredAt.After(txn.StatusChangedAt) {
			s.logger.Info("stale payment event ignored",
				zap.Int64("order_id", event.OrderID),
				zap.Time("event_at", event.OccurredAt),
				zap.Time("applied_at", txn.StatusChangedAt))
			return false, nil
		}
		if !txn.Status.CanTransition(event.NewStatus) {
			s.logger.Warn("payment status transition not allowed; event dropped",
				zap.Int64("order_id", event.OrderID),
				zap.String("from", string(txn.Status)),
				zap.String("to", string(event.NewStatus)))
			return false, nil
		}

		expected := txn.Version
		txn.Status = event.NewStatus
		txn.StatusChangedAt = event.OccurredAt
		if event.TransactionRef != "" {
			txn.TransactionRef = event.TransactionRef
		}

		res, err := s.txns.UpdateStatus(ctx, txn, expected)
		if err != nil {
			return false, errorbank.Internal("failed to update payment transaction", errorbank.WithCause(err))
		}
		if res.Applied {
			return true, nil
		}

		// Lost the race; re-load and re-evaluate against the winner's row.
		s.logger.Debug("payment transaction write conflicted; re-evaluating",
			zap.Int64("order_id", event.OrderID),
			zap.Int64("expected_version", expected),
			zap.Int64("current_version", res.CurrentVersion))
	}

	return false, errorbank.Conflict("payment transaction is being modified concurrently",
		errorbank.WithDetail("order_id", event.OrderID))
}

func (s *Service) resolveTransaction(ctx context.Context, event Event) (*entity.PaymentTransaction, error) {
	if event.TransactionRef != "" {
		txn, err := s.txns.GetByRef(ctx, event.TransactionRef)
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, paymentrepo.ErrNotFound) {
			return nil, errorbank.Internal("failed to load payment transaction", errorbank.WithCause(err))
		}
		// First event for this reference; bind it to the open transaction.
	}
	txn, err := s.txns.LatestPendingForOrder(ctx, event.OrderID)
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, paymentrepo.ErrNotFound) {
		return nil, errorbank.Internal("failed to load payment transaction", errorbank.WithCause(err))
	}
	// No open transaction. A redelivery without a reference still has to be
	// matched against the settled row so it can be recognised as a duplicate.
	txn, err = s.txns.LatestForOrder(ctx, event.OrderID)
	if errors.Is(err, paymentrepo.ErrNotFound) {
		return nil, errorbank.NotFound("no payment transaction for order",
			errorbank.WithDetail("order_id", event.OrderID))
	}
	if err != nil {
		return nil, errorbank.Internal("failed to load payment transaction", errorbank.WithCause(err))
	}
	return txn, nil
}

// transitionOrder issues the guarded status write on the order and fires
// side effects exactly once, on the attempt that wins the write.
func (s *Service) transitionOrder(ctx context.Context, event Event, target entity.OrderStatus) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		order, err := s.orders.GetByID(ctx, event.OrderID)
		if errors.Is(err, orderrepo.ErrNotFound) {
			return errorbank.NotFound("order not found", errorbank.WithDetail("order_id", event.OrderID))
		}
		if err != nil {
			return errorbank.Internal("failed to load order", errorbank.WithCause(err))
		}

		if order.Status == target {
			// Another writer already applied this event's outcome.
			s.logger.Debug("order already at target status",
				zap.Int64("order_id", order.ID),
				zap.String("status", string(target)))
			return nil
		}
		if !order.Status.CanTransition(target) {
			if order.Status.AtLeast(target) {
				s.logger.Debug("order already past target status",
					zap.Int64("order_id", order.ID),
					zap.String("status", string(order.Status)),
					zap.String("target", string(target)))
				return nil
			}
			// A cancellation or refund in progress wins over a stale
			// payment signal; leave the order alone and record the anomaly.
			s.logger.Warn("payment event cannot move order; leaving status intact",
				zap.Int64("order_id", order.ID),
				zap.String("status", string(order.Status)),
				zap.String("target", string(target)))
			return nil
		}

		expected := order.Version
		releasing := (target == entity.OrderPaymentFailed || target == entity.OrderRefunded) && !order.StockReleased
		order.Status = target
		if releasing {
			order.StockReleased = true
		}

		res, err := s.orders.UpdateStatus(ctx, order, expected)
		if err != nil {
			return errorbank.Internal("failed to update order status", errorbank.WithCause(err))
		}
		if !res.Applied {
			s.logger.Debug("order status write conflicted; re-evaluating",
				zap.Int64("order_id", order.ID),
				zap.Int64("expected_version", expected),
				zap.Int64("current_version", res.CurrentVersion))
			continue
		}

		if releasing {
			s.releaseStock(ctx, order)
		}
		s.invalidateCache(ctx, order.ID)
		s.notify(ctx, order, target, event.OccurredAt)
		return nil
	}

	return errorbank.Conflict("order is being modified concurrently",
		errorbank.WithDetail("order_id", event.OrderID))
}

// invalidateCache drops the cached order snapshot after a status change.
// The key format matches the order service's read-through cache.
func (s *Service) invalidateCache(ctx context.Context, id int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, fmt.Sprintf("orders:%d", id)); err != nil {
		s.logger.Warn("orders cache invalidation failed", zap.Int64("id", id), zap.Error(err))
	}
}

// releaseStock credits every reserved line back to its product. The order
// transition that got here already claimed the release via the
// stock_released flag, so no concurrent caller repeats it. Failures are
// logged and do not undo the transition.
func (s *Service) releaseStock(ctx context.Context, order *entity.Order) {
	for _, item := range order.Items {
		if err := s.stock.Release(ctx, item.ProductID, item.Quantity); err != nil {
			s.logger.Error("stock release failed; manual reconciliation needed",
				zap.Int64("order_id", order.ID),
				zap.Int64("product_id", item.ProductID),
				zap.Int64("quantity", item.Quantity),
				zap.Error(err))
		}
	}
}

// notify emits the customer notification for the transition. Best effort:
// a sink failure never rolls back the state change.
func (s *Service) notify(ctx context.Context, order *entity.Order, target entity.OrderStatus, at time.Time) {
	var kind notification.Kind
	switch target {
	case entity.OrderConfirmed:
		kind = notification.KindPaymentCompleted
	case entity.OrderPaymentFailed:
		kind = notification.KindPaymentFailed
	case entity.OrderRefunded:
		kind = notification.KindPaymentRefunded
	default:
		return
	}

	err := s.sink.Notify(ctx, notification.Notification{
		Kind:       kind,
		OrderID:    order.ID,
		UserID:     order.UserID,
		OccurredAt: at,
	})
	if err != nil {
		s.logger.Warn("notification dispatch failed",
			zap.Int64("order_id", order.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}
