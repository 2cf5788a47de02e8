package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/khayson/storefront/internal/cache"
	"github.com/khayson/storefront/internal/config"
	"github.com/khayson/storefront/internal/entity"
	"github.com/khayson/storefront/internal/messaging"
	"github.com/khayson/storefront/internal/notification"
	orderrepo "github.com/khayson/storefront/internal/repository/order"
	productrepo "github.com/khayson/storefront/internal/repository/product"
	"github.com/khayson/storefront/internal/versioned"
	"github.com/khayson/storefront/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/khayson/storefront/service/order")

// Line is one requested product line on a new order.
type Line struct {
	ProductID int64
	Quantity  int64
}

// CreateRequest carries everything needed to place an order.
type CreateRequest struct {
	UserID          int64
	StoreID         int64
	ShippingAddress string
	Lines           []Line
}

// OrderStore is the slice of the order repository this service needs. Create
// persists the order together with its opening payment transaction.
type OrderStore interface {
	Create(ctx context.Context, order *entity.Order, txn *entity.PaymentTransaction) error
	GetByID(ctx context.Context, id int64) (*entity.Order, error)
	UpdateStatus(ctx context.Context, order *entity.Order, expected int64) (versioned.WriteResult, error)
}

// ProductStore reserves and releases stock and reads product snapshots.
type ProductStore interface {
	GetByID(ctx context.Context, id int64) (*entity.Product, error)
	Reserve(ctx context.Context, productID int64, qty int64) error
	Release(ctx context.Context, productID int64, qty int64) error
}

// Service encapsulates business logic around orders.
type Service struct {
	orders      OrderStore
	products    ProductStore
	sink        notification.Sink
	cache       cache.Store
	cacheTTL    time.Duration
	logger      *zap.Logger
	publisher   messaging.Client
	orderTopic  string
	publish     bool
	maxAttempts int
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Orders    *orderrepo.Repository
	Products  *productrepo.Repository
	Sink      notification.Sink
	Cache     cache.Store
	Config    config.Config
	Logger    *zap.Logger
	Publisher messaging.Client
}

// NewService wires a new Service instance.
func NewService(p Params) *Service {
	s := newService(p.Orders, p.Products, p.Sink, p.Logger, p.Config.Inventory.MaxWriteRetries)
	s.cache = p.Cache
	s.cacheTTL = p.Config.Cache.DefaultTTL
	s.publisher = p.Publisher
	s.orderTopic = p.Config.Messaging.Kafka.OrderTopic
	s.publish = p.Config.Messaging.Enabled
	return s
}

func newService(orders OrderStore, products ProductStore, sink notification.Sink, logger *zap.Logger, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{
		orders:      orders,
		products:    products,
		sink:        sink,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// Create places an order: stock is reserved up front, line by line, then the
// order and its pending payment transaction are inserted at version 0 in one
// database transaction. Any failure past reservation credits the reserved
// stock back before returning, so a client retry starts clean.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*entity.Order, error) {
	if len(req.Lines) == 0 {
		return nil, errorbank.BadRequest("order requires at least one line")
	}
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			return nil, errorbank.BadRequest("line quantity must be positive",
				errorbank.WithDetail("product_id", line.ProductID))
		}
	}

	ctx, span := serviceTracer.Start(ctx, "OrderService.Create", trace.WithAttributes(
		attribute.Int64("user.id", req.UserID),
		attribute.Int("order.lines", len(req.Lines)),
	))
	defer span.End()

	items := make([]*entity.OrderItem, 0, len(req.Lines))
	var total int64
	for _, line := range req.Lines {
		product, err := s.products.GetByID(ctx, line.ProductID)
		if errors.Is(err, productrepo.ErrNotFound) {
			s.rollbackReservations(ctx, items)
			return nil, errorbank.NotFound("product not found",
				errorbank.WithDetail("product_id", line.ProductID))
		}
		if err != nil {
			s.rollbackReservations(ctx, items)
			return nil, errorbank.Internal("failed to load product", errorbank.WithCause(err))
		}

		if err := s.products.Reserve(ctx, line.ProductID, line.Quantity); err != nil {
			s.rollbackReservations(ctx, items)
			if errors.Is(err, productrepo.ErrInsufficientStock) {
				return nil, errorbank.Unprocessable("insufficient stock",
					errorbank.WithDetail("product_id", line.ProductID),
					errorbank.WithCause(err))
			}
			return nil, errorbank.Internal("failed to reserve stock", errorbank.WithCause(err))
		}

		items = append(items, &entity.OrderItem{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: product.Price,
		})
		total += product.Price * line.Quantity
	}

	now := time.Now().UTC()
	order := &entity.Order{
		Number:          fmt.Sprintf("ORD-%s", uuid.NewString()),
		UserID:          req.UserID,
		StoreID:         req.StoreID,
		Status:          entity.OrderPendingPayment,
		Total:           total,
		ShippingAddress: req.ShippingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
		Items:           items,
	}

	txn := &entity.PaymentTransaction{
		Status:          entity.PaymentPending,
		Amount:          total,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.orders.Create(ctx, order, txn); err != nil {
		s.rollbackReservations(ctx, items)
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to create order", errorbank.WithCause(err))
	}

	if err := s.storeInCache(ctx, order); err != nil {
		s.logger.Warn("orders cache write failed", zap.Int64("id", order.ID), zap.Error(err))
	}
	s.publishOrderCreated(ctx, order)

	return order, nil
}

// Get retrieves an order by id, consulting cache when available.
func (s *Service) Get(ctx context.Context, id int64) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Get", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	if order, err := s.getFromCache(ctx, id); err == nil {
		return order, nil
	} else if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("orders cache read failed", zap.Int64("id", id), zap.Error(err))
	}

	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, orderrepo.ErrNotFound) {
			return nil, errorbank.NotFound("order not found")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}

	if err := s.storeInCache(ctx, order); err != nil {
		s.logger.Warn("orders cache write failed", zap.Int64("id", id), zap.Error(err))
	}

	return order, nil
}

// Cancel moves an order to cancelled, releasing its reserved stock once and
// notifying the customer. Racing writers are handled by re-loading and
// re-evaluating, bounded; cancellation is allowed from any non-terminal
// state.
func (s *Service) Cancel(ctx context.Context, id int64) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Cancel", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		order, err := s.orders.GetByID(ctx, id)
		if errors.Is(err, orderrepo.ErrNotFound) {
			return nil, errorbank.NotFound("order not found")
		}
		if err != nil {
			return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
		}

		if order.Status == entity.OrderCancelled {
			return order, nil
		}
		if !order.Status.CanTransition(entity.OrderCancelled) {
			return nil, errorbank.Unprocessable(
				fmt.Sprintf("cannot cancel a %s order", order.Status),
				errorbank.WithDetail("status", string(order.Status)))
		}

		expected := order.Version
		releasing := !order.StockReleased
		order.Status = entity.OrderCancelled
		order.StockReleased = true

		res, err := s.orders.UpdateStatus(ctx, order, expected)
		if err != nil {
			return nil, errorbank.Internal("failed to update order", errorbank.WithCause(err))
		}
		if !res.Applied {
			s.logger.Debug("cancel write conflicted; re-evaluating",
				zap.Int64("order_id", id),
				zap.Int64("current_version", res.CurrentVersion))
			continue
		}

		if releasing {
			for _, item := range order.Items {
				if err := s.products.Release(ctx, item.ProductID, item.Quantity); err != nil {
					s.logger.Error("stock release failed; manual reconciliation needed",
						zap.Int64("order_id", order.ID),
						zap.Int64("product_id", item.ProductID),
						zap.Error(err))
				}
			}
		}
		s.invalidateCache(ctx, order.ID)
		s.notifyCancelled(ctx, order)
		return order, nil
	}

	return nil, errorbank.Conflict("order is being modified concurrently",
		errorbank.WithDetail("order_id", id))
}

// UpdateStatus is the admin path for moving an order along the fulfilment
// chain. The caller supplies the version it read; a conflict is surfaced as
// a 409 so the client refreshes rather than clobbering a concurrent writer.
func (s *Service) UpdateStatus(ctx context.Context, id int64, target entity.OrderStatus, expectedVersion int64, trackingNumber string) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.UpdateStatus", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.String("order.target", string(target)),
	))
	defer span.End()

	if !target.Valid() {
		return nil, errorbank.BadRequest(fmt.Sprintf("unknown order status %q", target))
	}

	order, err := s.orders.GetByID(ctx, id)
	if errors.Is(err, orderrepo.ErrNotFound) {
		return nil, errorbank.NotFound("order not found")
	}
	if err != nil {
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}

	if order.Version != expectedVersion {
		return nil, errorbank.StaleRecord("order", expectedVersion, order.Version)
	}
	if !order.Status.CanTransition(target) {
		return nil, errorbank.Unprocessable(
			fmt.Sprintf("cannot move a %s order to %s", order.Status, target),
			errorbank.WithDetail("status", string(order.Status)),
			errorbank.WithDetail("target", string(target)))
	}

	order.Status = target
	if trackingNumber != "" {
		order.TrackingNumber = trackingNumber
	}

	res, err := s.orders.UpdateStatus(ctx, order, expectedVersion)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to update order", errorbank.WithCause(err))
	}
	if !res.Applied {
		return nil, errorbank.StaleRecord("order", expectedVersion, res.CurrentVersion)
	}

	s.invalidateCache(ctx, order.ID)
	return order, nil
}

// rollbackReservations credits back stock reserved earlier in a create that
// cannot complete.
func (s *Service) rollbackReservations(ctx context.Context, items []*entity.OrderItem) {
	for _, item := range items {
		if err := s.products.Release(ctx, item.ProductID, item.Quantity); err != nil {
			s.logger.Error("reservation rollback failed; manual reconciliation needed",
				zap.Int64("product_id", item.ProductID),
				zap.Int64("quantity", item.Quantity),
				zap.Error(err))
		}
	}
}

func (s *Service) notifyCancelled(ctx context.Context, order *entity.Order) {
	if s.sink == nil {
		return
	}
	err := s.sink.Notify(ctx, notification.Notification{
		Kind:       notification.KindOrderCancelled,
		OrderID:    order.ID,
		UserID:     order.UserID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("notification dispatch failed", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

func (s *Service) publishOrderCreated(ctx context.Context, order *entity.Order) {
	if !s.publish || s.publisher == nil {
		return
	}
	event := OrderCreatedEvent{
		ID:        order.ID,
		Number:    order.Number,
		Status:    string(order.Status),
		Total:     order.Total,
		CreatedAt: order.CreatedAt,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("marshal order created", zap.Error(err))
		return
	}
	if err := s.publisher.Publish(ctx, s.orderTopic, []byte(fmt.Sprintf("order-%d", order.ID)), payload); err != nil {
		s.logger.Error("publish order created", zap.Error(err))
	}
}

func (s *Service) cacheKey(id int64) string {
	return fmt.Sprintf("orders:%d", id)
}

func (s *Service) getFromCache(ctx context.Context, id int64) (*entity.Order, error) {
	if s.cache == nil {
		return nil, cache.ErrCacheMiss
	}
	bytes, err := s.cache.Get(ctx, s.cacheKey(id))
	if err != nil {
		return nil, err
	}
	var order entity.Order
	if err := json.Unmarshal(bytes, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Service) storeInCache(ctx context.Context, order *entity.Order) error {
	if s.cache == nil || order == nil {
		return nil
	}
	bytes, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, s.cacheKey(order.ID), bytes, s.cacheTTL)
}

func (s *Service) invalidateCache(ctx context.Context, id int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, s.cacheKey(id)); err != nil {
		s.logger.Warn("orders cache invalidation failed", zap.Int64("id", id), zap.Error(err))
	}
}

// OrderCreatedEvent is emitted when a new order is persisted.
type OrderCreatedEvent struct {
	ID        int64     `json:"id"`
	Number    string    `json:"number"`
	Status    string    `json:"status"`
	Total     int64     `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}
