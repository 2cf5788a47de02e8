package entity

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderConfirmed      OrderStatus = "confirmed"
	OrderProcessing     OrderStatus = "processing"
	OrderReadyForPickup OrderStatus = "ready_for_pickup"
	OrderShipped        OrderStatus = "shipped"
	OrderDelivered      OrderStatus = "delivered"
	OrderPaymentFailed  OrderStatus = "payment_failed"
	OrderCancelled      OrderStatus = "cancelled"
	OrderRefunded       OrderStatus = "refunded"
)

// fulfilmentRank places the happy-path statuses on a forward-only scale.
// ready_for_pickup and shipped share a rank: an order goes one way or the
// other depending on the delivery method, never both.
var fulfilmentRank = map[OrderStatus]int{
	OrderPendingPayment: 0,
	OrderConfirmed:      1,
	OrderProcessing:     2,
	OrderReadyForPickup: 3,
	OrderShipped:        3,
	OrderDelivered:      4,
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPendingPayment, OrderConfirmed, OrderProcessing, OrderReadyForPickup,
		OrderShipped, OrderDelivered, OrderPaymentFailed, OrderCancelled, OrderRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCancelled || s == OrderRefunded
}

// CanTransition reports whether an order may move from s to target.
// Happy-path moves must strictly increase the fulfilment rank; cancellation
// and refund are side channels open from any non-terminal state;
// payment_failed is only reachable while payment is still pending, and admits
// nothing but the side channels afterwards.
func (s OrderStatus) CanTransition(target OrderStatus) bool {
	if s == target || !target.Valid() {
		return false
	}
	switch target {
	case OrderCancelled, OrderRefunded:
		return !s.Terminal()
	case OrderPaymentFailed:
		return s == OrderPendingPayment
	}
	from, ok := fulfilmentRank[s]
	if !ok {
		return false
	}
	to, ok := fulfilmentRank[target]
	if !ok {
		return false
	}
	return to > from
}

// AtLeast reports whether s sits at or beyond other on the fulfilment scale.
// Statuses off the scale (failed, cancelled, refunded) never compare.
func (s OrderStatus) AtLeast(other OrderStatus) bool {
	from, ok := fulfilmentRank[s]
	if !ok {
		return false
	}
	to, ok := fulfilmentRank[other]
	if !ok {
		return false
	}
	return from >= to
}

// PaymentStatus enumerates the lifecycle states of a payment transaction.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// CanTransition reports whether a payment may move from s to target.
// Pending resolves to completed or failed; only a completed payment can be
// refunded.
func (s PaymentStatus) CanTransition(target PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return target == PaymentCompleted || target == PaymentFailed
	case PaymentCompleted:
		return target == PaymentRefunded
	default:
		return false
	}
}

// OrderStatusFor maps a payment outcome onto the order status it implies.
func OrderStatusFor(s PaymentStatus) (OrderStatus, bool) {
	switch s {
	case PaymentPending:
		return OrderPendingPayment, true
	case PaymentCompleted:
		return OrderConfirmed, true
	case PaymentFailed:
		return OrderPaymentFailed, true
	case PaymentRefunded:
		return OrderRefunded, true
	}
	return "", false
}
