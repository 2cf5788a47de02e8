package order

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/khayson/storefront/internal/entity"
	"github.com/khayson/storefront/internal/notification"
	orderrepo "github.com/khayson/storefront/internal/repository/order"
	productrepo "github.com/khayson/storefront/internal/repository/product"
	"github.com/khayson/storefront/internal/versioned"
	"github.com/khayson/storefront/pkg/errorbank"
)

type fakeOrders struct {
	mu          sync.Mutex
	nextID      int64
	orders      map[int64]*entity.Order
	createdTxns []*entity.PaymentTransaction

	conflictsToInject int
	failCreate        bool
}

func newFakeOrders(orders ...*entity.Order) *fakeOrders {
	m := make(map[int64]*entity.Order, len(orders))
	var next int64 = 1
	for _, o := range orders {
		m[o.ID] = o
		if o.ID >= next {
			next = o.ID + 1
		}
	}
	return &fakeOrders{orders: m, nextID: next}
}

func (f *fakeOrders) Create(_ context.Context, order *entity.Order, txn *entity.PaymentTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return errors.New("insert failed")
	}
	order.ID = f.nextID
	f.nextID++
	for _, item := range order.Items {
		item.OrderID = order.ID
	}
	snapshot := *order
	snapshot.Items = append([]*entity.OrderItem(nil), order.Items...)
	f.orders[order.ID] = &snapshot
	if txn != nil {
		txn.OrderID = order.ID
		txnSnapshot := *txn
		f.createdTxns = append(f.createdTxns, &txnSnapshot)
	}
	return nil
}

func (f *fakeOrders) GetByID(_ context.Context, id int64) (*entity.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.orders[id]
	if !ok {
		return nil, orderrepo.ErrNotFound
	}
	snapshot := *cur
	snapshot.Items = append([]*entity.OrderItem(nil), cur.Items...)
	return &snapshot, nil
}

func (f *fakeOrders) UpdateStatus(_ context.Context, order *entity.Order, expected int64) (versioned.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.orders[order.ID]
	if !ok {
		return versioned.WriteResult{}, orderrepo.ErrNotFound
	}
	if f.conflictsToInject > 0 {
		f.conflictsToInject--
		cur.Version++
		return versioned.WriteResult{CurrentVersion: cur.Version}, nil
	}
	if cur.Version != expected {
		return versioned.WriteResult{CurrentVersion: cur.Version}, nil
	}
	cur.Status = order.Status
	cur.StockReleased = order.StockReleased
	cur.TrackingNumber = order.TrackingNumber
	cur.Version = expected + 1
	return versioned.WriteResult{Applied: true, NewVersion: cur.Version}, nil
}

type fakeProducts struct {
	mu       sync.Mutex
	products map[int64]*entity.Product
	releases int
}

func newFakeProducts(products ...*entity.Product) *fakeProducts {
	m := make(map[int64]*entity.Product, len(products))
	for _, p := range products {
		m[p.ID] = p
	}
	return &fakeProducts{products: m}
}

func (f *fakeProducts) GetByID(_ context.Context, id int64) (*entity.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, productrepo.ErrNotFound
	}
	snapshot := *p
	return &snapshot, nil
}

func (f *fakeProducts) Reserve(_ context.Context, productID int64, qty int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[productID]
	if !ok {
		return productrepo.ErrNotFound
	}
	if p.StockQuantity < qty {
		return productrepo.ErrInsufficientStock
	}
	p.StockQuantity -= qty
	return nil
}

func (f *fakeProducts) Release(_ context.Context, productID int64, qty int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[productID]
	if !ok {
		return productrepo.ErrNotFound
	}
	p.StockQuantity += qty
	f.releases++
	return nil
}

func (f *fakeProducts) stock(id int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products[id].StockQuantity
}

type fakeSink struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (f *fakeSink) Notify(_ context.Context, n notification.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

type fixture struct {
	svc      *Service
	orders   *fakeOrders
	products *fakeProducts
	sink     *fakeSink
}

func newFixture(orders *fakeOrders, products *fakeProducts) *fixture {
	f := &fixture{
		orders:   orders,
		products: products,
		sink:     &fakeSink{},
	}
	f.svc = newService(f.orders, f.products, f.sink, zap.NewNop(), 3)
	return f
}

func catalog() *fakeProducts {
	return newFakeProducts(
		&entity.Product{ID: 10, Name: "Mug", Price: 100, StockQuantity: 5},
		&entity.Product{ID: 11, Name: "Poster", Price: 250, StockQuantity: 2},
	)
}

func TestCreate_ReservesStockAndOpensPendingTransaction(t *testing.T) {
	f := newFixture(newFakeOrders(), catalog())

	order, err := f.svc.Create(context.Background(), CreateRequest{
		UserID:  7,
		StoreID: 1,
		Lines:   []Line{{ProductID: 10, Quantity: 2}, {ProductID: 11, Quantity: 1}},
	})
	require.NoError(t, err)

	assert.Equal(t, entity.OrderPendingPayment, order.Status)
	assert.EqualValues(t, 0, order.Version)
	assert.EqualValues(t, 450, order.Total)
	assert.Regexp(t, `^ORD-`, order.Number)
	assert.Len(t, order.Items, 2)

	assert.EqualValues(t, 3, f.products.stock(10))
	assert.EqualValues(t, 1, f.products.stock(11))

	require.Len(t, f.orders.createdTxns, 1)
	txn := f.orders.createdTxns[0]
	assert.Equal(t, order.ID, txn.OrderID)
	assert.Equal(t, entity.PaymentPending, txn.Status)
	assert.EqualValues(t, 450, txn.Amount)
}

func TestCreate_InsufficientStockRollsBackEarlierReservations(t *testing.T) {
	f := newFixture(newFakeOrders(), catalog())

	_, err := f.svc.Create(context.Background(), CreateRequest{
		UserID: 7,
		Lines:  []Line{{ProductID: 10, Quantity: 2}, {ProductID: 11, Quantity: 10}},
	})
	require.Error(t, err)
	assert.Equal(t, errorbank.KindUnprocessableEntity, errorbank.From(err).Kind())

	// The first line's reservation is credited back.
	assert.EqualValues(t, 5, f.products.stock(10))
	assert.EqualValues(t, 2, f.products.stock(11))
	assert.Empty(t, f.orders.createdTxns)
}

func TestCreate_RepositoryFailureRollsBackReservations(t *testing.T) {
	orders := newFakeOrders()
	orders.failCreate = true
	f := newFixture(orders, catalog())

	_, err := f.svc.Create(context.Background(), CreateRequest{
		UserID: 7,
		Lines:  []Line{{ProductID: 10, Quantity: 2}, {ProductID: 11, Quantity: 1}},
	})
	require.Error(t, err)
	assert.Equal(t, errorbank.KindInternal, errorbank.From(err).Kind())

	// Order and transaction insert atomically; a failed insert leaves
	// nothing behind and the reserved stock is credited back.
	assert.EqualValues(t, 5, f.products.stock(10))
	assert.EqualValues(t, 2, f.products.stock(11))
	assert.Empty(t, f.orders.orders)
	assert.Empty(t, f.orders.createdTxns)
}

func TestCreate_UnknownProduct(t *testing.T) {
	f := newFixture(newFakeOrders(), catalog())

	_, err := f.svc.Create(context.Background(), CreateRequest{
		UserID: 7,
		Lines:  []Line{{ProductID: 99, Quantity: 1}},
	})
	require.Error(t, err)
	assert.Equal(t, errorbank.KindNotFound, errorbank.From(err).Kind())
}

func TestCreate_RejectsInvalidLines(t *testing.T) {
	f := newFixture(newFakeOrders(), catalog())

	_, err := f.svc.Create(context.Background(), CreateRequest{UserID: 7})
	assert.Equal(t, errorbank.KindBadRequest, errorbank.From(err).Kind())

	_, err = f.svc.Create(context.Background(), CreateRequest{
		UserID: 7,
		Lines:  []Line{{ProductID: 10, Quantity: 0}},
	})
	assert.Equal(t, errorbank.KindBadRequest, errorbank.From(err).Kind())
}

func confirmedOrder() *entity.Order {
	return &entity.Order{
		ID:      1,
		UserID:  7,
		Status:  entity.OrderConfirmed,
		Version: 1,
		Items:   []*entity.OrderItem{{OrderID: 1, ProductID: 10, Quantity: 2}},
	}
}

func TestCancel_ReleasesStockOnceAndNotifies(t *testing.T) {
	products := catalog()
	products.products[10].StockQuantity = 3 // 2 units reserved by the order
	f := newFixture(newFakeOrders(confirmedOrder()), products)

	order, err := f.svc.Cancel(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderCancelled, order.Status)
	assert.EqualValues(t, 5, f.products.stock(10))
	assert.Equal(t, 1, f.products.releases)
	require.Len(t, f.sink.sent, 1)
	assert.Equal(t, notification.KindOrderCancelled, f.sink.sent[0].Kind)

	// Cancelling again is a no-op, not an error.
	again, err := f.svc.Cancel(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderCancelled, again.Status)
	assert.Equal(t, 1, f.products.releases)
	assert.Len(t, f.sink.sent, 1)
}

func TestCancel_DeliveredOrderRejected(t *testing.T) {
	order := confirmedOrder()
	order.Status = entity.OrderDelivered
	f := newFixture(newFakeOrders(order), catalog())

	_, err := f.svc.Cancel(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, errorbank.KindUnprocessableEntity, errorbank.From(err).Kind())
	assert.Zero(t, f.products.releases)
}

func TestCancel_ConflictTriggersReloadAndRetry(t *testing.T) {
	orders := newFakeOrders(confirmedOrder())
	orders.conflictsToInject = 1
	f := newFixture(orders, catalog())

	order, err := f.svc.Cancel(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderCancelled, order.Status)
	assert.Equal(t, 1, f.products.releases)
}

func TestUpdateStatus_AdvancesFulfilment(t *testing.T) {
	order := confirmedOrder()
	order.Status = entity.OrderProcessing
	order.Version = 2
	f := newFixture(newFakeOrders(order), catalog())

	got, err := f.svc.UpdateStatus(context.Background(), 1, entity.OrderShipped, 2, "TRACK-42")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderShipped, got.Status)

	stored, _ := f.orders.GetByID(context.Background(), 1)
	assert.Equal(t, entity.OrderShipped, stored.Status)
	assert.Equal(t, "TRACK-42", stored.TrackingNumber)
	assert.EqualValues(t, 3, stored.Version)
}

func TestUpdateStatus_StaleVersionRejected(t *testing.T) {
	f := newFixture(newFakeOrders(confirmedOrder()), catalog())

	_, err := f.svc.UpdateStatus(context.Background(), 1, entity.OrderProcessing, 0, "")
	require.Error(t, err)
	appErr := errorbank.From(err)
	assert.Equal(t, errorbank.KindConflict, appErr.Kind())
	assert.EqualValues(t, 0, appErr.Details()["expected_version"])
	assert.EqualValues(t, 1, appErr.Details()["current_version"])

	stored, _ := f.orders.GetByID(context.Background(), 1)
	assert.Equal(t, entity.OrderConfirmed, stored.Status, "stale writer must not clobber")
}

func TestUpdateStatus_LostRaceSurfacesConflict(t *testing.T) {
	orders := newFakeOrders(confirmedOrder())
	orders.conflictsToInject = 1
	f := newFixture(orders, catalog())

	_, err := f.svc.UpdateStatus(context.Background(), 1, entity.OrderProcessing, 1, "")
	require.Error(t, err)
	assert.Equal(t, errorbank.KindConflict, errorbank.From(err).Kind())
}

func TestUpdateStatus_BackwardTransitionRejected(t *testing.T) {
	order := confirmedOrder()
	order.Status = entity.OrderShipped
	order.Version = 3
	f := newFixture(newFakeOrders(order), catalog())

	_, err := f.svc.UpdateStatus(context.Background(), 1, entity.OrderConfirmed, 3, "")
	require.Error(t, err)
	assert.Equal(t, errorbank.KindUnprocessableEntity, errorbank.From(err).Kind())
}

func TestUpdateStatus_UnknownStatusRejected(t *testing.T) {
	f := newFixture(newFakeOrders(confirmedOrder()), catalog())

	_, err := f.svc.UpdateStatus(context.Background(), 1, entity.OrderStatus("archived"), 1, "")
	require.Error(t, err)
	assert.Equal(t, errorbank.KindBadRequest, errorbank.From(err).Kind())
}

func TestGet_FallsThroughToRepository(t *testing.T) {
	f := newFixture(newFakeOrders(confirmedOrder()), catalog())

	order, err := f.svc.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderConfirmed, order.Status)

	_, err = f.svc.Get(context.Background(), 2)
	assert.Equal(t, errorbank.KindNotFound, errorbank.From(err).Kind())
}

func TestCancel_UnknownOrder(t *testing.T) {
	f := newFixture(newFakeOrders(), catalog())

	_, err := f.svc.Cancel(context.Background(), 42)
	require.Error(t, err)
	assert.Equal(t, errorbank.KindNotFound, errorbank.From(err).Kind())
}
