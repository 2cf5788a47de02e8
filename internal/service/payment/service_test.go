package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/khayson/storefront/internal/entity"
	"github.com/khayson/storefront/internal/notification"
	orderrepo "github.com/khayson/storefront/internal/repository/order"
	paymentrepo "github.com/khayson/storefront/internal/repository/payment"
	"github.com/khayson/storefront/internal/versioned"
	"github.com/khayson/storefront/pkg/errorbank"
)

// fakeOrders keeps orders in memory under the same conditional-write
// contract the real store enforces: a write only applies if the expected
// version still matches, and exactly one concurrent writer can win.
type fakeOrders struct {
	mu     sync.Mutex
	orders map[int64]*entity.Order

	conflictsToInject int
}

func newFakeOrders(orders ...*entity.Order) *fakeOrders {
	m := make(map[int64]*entity.Order, len(orders))
	for _, o := range orders {
		m[o.ID] = o
	}
	return &fakeOrders{orders: m}
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
		// Simulate a concurrent writer slipping in between load and write.
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

type fakeTxns struct {
	mu   sync.Mutex
	txns map[int64]*entity.PaymentTransaction
}

func newFakeTxns(txns ...*entity.PaymentTransaction) *fakeTxns {
	m := make(map[int64]*entity.PaymentTransaction, len(txns))
	for _, txn := range txns {
		m[txn.ID] = txn
	}
	return &fakeTxns{txns: m}
}

func (f *fakeTxns) GetByRef(_ context.Context, ref string) (*entity.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, txn := range f.txns {
		if txn.TransactionRef == ref {
			snapshot := *txn
			return &snapshot, nil
		}
	}
	return nil, paymentrepo.ErrNotFound
}

func (f *fakeTxns) LatestPendingForOrder(_ context.Context, orderID int64) (*entity.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *entity.PaymentTransaction
	for _, txn := range f.txns {
		if txn.OrderID != orderID || txn.Status != entity.PaymentPending {
			continue
		}
		if latest == nil || txn.ID > latest.ID {
			latest = txn
		}
	}
	if latest == nil {
		return nil, paymentrepo.ErrNotFound
	}
	snapshot := *latest
	return &snapshot, nil
}

func (f *fakeTxns) LatestForOrder(_ context.Context, orderID int64) (*entity.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *entity.PaymentTransaction
	for _, txn := range f.txns {
		if txn.OrderID != orderID {
			continue
		}
		if latest == nil || txn.ID > latest.ID {
			latest = txn
		}
	}
	if latest == nil {
		return nil, paymentrepo.ErrNotFound
	}
	snapshot := *latest
	return &snapshot, nil
}

func (f *fakeTxns) UpdateStatus(_ context.Context, txn *entity.PaymentTransaction, expected int64) (versioned.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.txns[txn.ID]
	if !ok {
		return versioned.WriteResult{}, paymentrepo.ErrNotFound
	}
	if cur.Version != expected {
		return versioned.WriteResult{CurrentVersion: cur.Version}, nil
	}
	cur.Status = txn.Status
	cur.TransactionRef = txn.TransactionRef
	cur.StatusChangedAt = txn.StatusChangedAt
	cur.Version = expected + 1
	return versioned.WriteResult{Applied: true, NewVersion: cur.Version}, nil
}

type fakeStock struct {
	mu       sync.Mutex
	stock    map[int64]int64
	releases int
}

func newFakeStock(stock map[int64]int64) *fakeStock {
	return &fakeStock{stock: stock}
}

func (f *fakeStock) Release(_ context.Context, productID int64, qty int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stock[productID] += qty
	f.releases++
	return nil
}

type fakeSink struct {
	mu   sync.Mutex
	sent []notification.Notification
	fail bool
}

func (f *fakeSink) Notify(_ context.Context, n notification.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("sink unavailable")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeSink) kinds() []notification.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]notification.Kind, 0, len(f.sent))
	for _, n := range f.sent {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

type fixture struct {
	svc    *Service
	orders *fakeOrders
	txns   *fakeTxns
	stock  *fakeStock
	sink   *fakeSink
}

func newFixture(order *entity.Order, txn *entity.PaymentTransaction, stock map[int64]int64) *fixture {
	f := &fixture{
		orders: newFakeOrders(order),
		txns:   newFakeTxns(txn),
		stock:  newFakeStock(stock),
		sink:   &fakeSink{},
	}
	f.svc = newService(f.orders, f.txns, f.stock, f.sink, zap.NewNop(), 3)
	return f
}

func pendingOrder() *entity.Order {
	return &entity.Order{
		ID:     1,
		UserID: 7,
		Status: entity.OrderPendingPayment,
		Items:  []*entity.OrderItem{{OrderID: 1, ProductID: 10, Quantity: 3}},
	}
}

func pendingTxn() *entity.PaymentTransaction {
	return &entity.PaymentTransaction{
		ID:              1,
		OrderID:         1,
		Status:          entity.PaymentPending,
		Amount:          4497,
		StatusChangedAt: time.Now().UTC().Add(-time.Minute),
	}
}

func completedEvent() Event {
	return Event{
		TransactionRef: "tx-abc",
		OrderID:        1,
		NewStatus:      entity.PaymentCompleted,
		Amount:         4497,
		OccurredAt:     time.Now().UTC(),
	}
}

func TestApply_CompletedConfirmsOrder(t *testing.T) {
	f := newFixture(pendingOrder(), pendingTxn(), map[int64]int64{10: 7})

	require.NoError(t, f.svc.Apply(context.Background(), completedEvent()))

	order, _ := f.orders.GetByID(context.Background(), 1)
	assert.Equal(t, entity.OrderConfirmed, order.Status)
	assert.EqualValues(t, 1, order.Version)

	// The reference assigned by the processor is bound to the open transaction.
	txn, err := f.txns.GetByRef(context.Background(), "tx-abc")
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentCompleted, txn.Status)

	assert.Equal(t, []notification.Kind{notification.KindPaymentCompleted}, f.sink.kinds())
	// Stock was reserved at order creation; completion leaves it alone.
	assert.EqualValues(t, 7, f.stock.stock[10])
	assert.Zero(t, f.stock.releases)
}

func TestApply_DuplicateCompletedIsNoOp(t *testing.T) {
	f := newFixture(pendingOrder(), pendingTxn(), map[int64]int64{10: 7})
	event := completedEvent()

	require.NoError(t, f.svc.Apply(context.Background(), event))
	require.NoError(t, f.svc.Apply(context.Background(), event))

	order, _ := f.orders.GetByID(context.Background(), 1)
	assert.Equal(t, entity.OrderConfirmed, order.Status)
	assert.EqualValues(t, 1, order.Version, "replay must not advance the version")
	assert.Len(t, f.sink.kinds(), 1, "replay must not duplicate the notification")
}

func TestApply_FailedReleasesStockExactlyOnce_ConcurrentDelivery(t *testing.T) {
	f := newFixture(pendingOrder(), pendingTxn(), map[int64]int64{10: 7})

	event := Event{
		OrderID:    1,
		NewStatus:  entity.PaymentFailed,
		OccurredAt: time.Now().UTC(),
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.svc.Apply(context.Background(), event))
		}()
	}
	wg.Wait()

	order, _ := f.orders.GetByID(context.Background(), 1)
	assert.Equal(t, entity.OrderPaymentFailed, order.Status)
	assert.True(t, order.StockReleased)
	assert.EqualValues(t, 10, f.stock.stock[10], "reserved 3 units restored exactly once")
	assert.Equal(t, 1, f.stock.releases)
	assert.Equal(t, []notification.Kind{notification.KindPaymentFailed}, f.sink.kinds())
}

func TestApply_FailedAfterDeliveredLeavesDeliveredIntact(t *testing.T) {
	order := pendingOrder()
	order.Status = entity.OrderDelivered
	order.Version = 4
	f := newFixture(order, pendingTxn(), map[int64]int64{10: 7})

	event := Event{OrderID: 1, NewStatus: entity.PaymentFailed, OccurredAt: time.Now().UTC()}
	require.NoError(t, f.svc.Apply(context.Background(), event))

	got, _ := f.orders.GetByID(context.Background(), 1)
	assert.Equal(t, entity.OrderDelivered, got.Status)
	assert.EqualValues(t, 4, got.Version)
	assert.Zero(t, f.stock.releases)
	assert.Empty(t, f.sink.kinds())
}

func TestApply_RefundReleasesStockOnce(t *testing.T) {
	order := pendingOrder()
	order.Status = entity.OrderConfirmed
	order.Version = 1
	txn := pendingTxn()
	txn.Status = entity.PaymentCompleted
	txn.TransactionRef = "tx-abc"
	f := newFixture(order, txn, map[int64]int64{10: 7})

	event := Event{
		TransactionRef: "tx-abc",
		OrderID:        1,
		NewStatus:      entity.PaymentRefunded,
		OccurredAt:     time.Now().UTC(),
	}
	require.NoError(t, f.svc.Apply(context.Background(), event))
	require.NoError(t, f.svc.Apply(context.Background(), event))

	got, _ := f.orders.GetByID(context.Background(), 1)
	assert.Equal(t, entity.OrderRefunded, got.Status)
	assert.EqualValues(t, 10, f.stock.stock[10])
	assert.Equal(t, 1, f.stock.releases)
	assert.Equal(t, []notification.Kind{notification.KindPaymentRefunded}, f.sink.kinds())
}

func TestApply_StaleEventIsIgnored(t *testing.T) {
	txn := pendingTxn()
	txn.Status = entity.PaymentCompleted
	txn.TransactionRef = "tx-abc"
	txn.StatusChangedAt = time.Now().UTC()
	order := pendingOrder()
	order.Status = entity.OrderConfirmed
	order.Version = 1
	f := newFixture(order, txn, map[int64]int64{10: 7})

	// A refund event that predates the applied completion is dropped.
	event := Event{
		TransactionRef: "tx-abc",
		OrderID:        1,
		NewStatus:      entity.PaymentRefunded,
		OccurredAt:     txn.StatusChangedAt.Add(-time.Hour),
	}
	require.NoError(t, f.svc.Apply(context.Background(), event))

	got, _ := f.orders.GetByID(context.Background(), 1)
	assert.Equal(t, entity.OrderConfirmed, got.Status)
	assert.Zero(t, f.stock.releases)
	assert.Empty(t, f.sink.kinds())
}

func TestApply_ConflictTriggersReloadAndRetry(t *testing.T) {
	f := newFixture(pendingOrder(), pendingTxn(), map[int64]int64{10: 7})
	f.orders.conflictsToInject = 1

	require.NoError(t, f.svc.Apply(context.Background(), completedEvent()))

	order, _ := f.orders.GetByID(context.Background(), 1)
	assert.Equal(t, entity.OrderConfirmed, order.Status)
	assert.EqualValues(t, 2, order.Version, "one injected conflict, then the applied write")
	assert.Len(t, f.sink.kinds(), 1)
}

func TestApply_RedeliveryConvergesOrderAfterLostWrite(t *testing.T) {
	f := newFixture(pendingOrder(), pendingTxn(), map[int64]int64{10: 7})
	// Every order write loses until the retry budget runs out: the
	// transaction settles but the order is left behind.
	f.orders.conflictsToInject = 3

	event := completedEvent()
	err := f.svc.Apply(context.Background(), event)
	require.Error(t, err)
	assert.Equal(t, errorbank.KindConflict, errorbank.From(err).Kind())

	txn, terr := f.txns.GetByRef(context.Background(), "tx-abc")
	require.NoError(t, terr)
	assert.Equal(t, entity.PaymentCompleted, txn.Status)
	stuck, _ := f.orders.GetByID(context.Background(), 1)
	assert.Equal(t, entity.OrderPendingPayment, stuck.Status)
	assert.Empty(t, f.sink.kinds())

	// Redelivery finds the transaction already settled and must still move
	// the order.
	require.NoError(t, f.svc.Apply(context.Background(), event))

	order, _ := f.orders.GetByID(context.Background(), 1)
	assert.Equal(t, entity.OrderConfirmed, order.Status)
	assert.Equal(t, []notification.Kind{notification.KindPaymentCompleted}, f.sink.kinds())
}

func TestApply_CancelledOrderWinsOverStaleCompletion(t *testing.T) {
	order := pendingOrder()
	order.Status = entity.OrderCancelled
	order.Version = 1
	order.StockReleased = true
	f := newFixture(order, pendingTxn(), map[int64]int64{10: 10})

	require.NoError(t, f.svc.Apply(context.Background(), completedEvent()))

	got, _ := f.orders.GetByID(context.Background(), 1)
	assert.Equal(t, entity.OrderCancelled, got.Status, "cancellation wins over a stale payment signal")
	assert.Empty(t, f.sink.kinds())
}

func TestApply_SinkFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(pendingOrder(), pendingTxn(), map[int64]int64{10: 7})
	f.sink.fail = true

	require.NoError(t, f.svc.Apply(context.Background(), completedEvent()))

	order, _ := f.orders.GetByID(context.Background(), 1)
	assert.Equal(t, entity.OrderConfirmed, order.Status)
}

func TestApply_NoTransactionForOrder(t *testing.T) {
	f := newFixture(pendingOrder(), &entity.PaymentTransaction{ID: 9, OrderID: 99, Status: entity.PaymentPending}, nil)

	err := f.svc.Apply(context.Background(), completedEvent())
	require.Error(t, err)
	assert.Equal(t, errorbank.KindNotFound, errorbank.From(err).Kind())
}

func TestApply_RejectsUnknownStatus(t *testing.T) {
	f := newFixture(pendingOrder(), pendingTxn(), nil)

	err := f.svc.Apply(context.Background(), Event{OrderID: 1, NewStatus: entity.PaymentStatus("chargeback")})
	require.Error(t, err)
	assert.Equal(t, errorbank.KindBadRequest, errorbank.From(err).Kind())
}
