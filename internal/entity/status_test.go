package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatus_CanTransition_ForwardOnly(t *testing.T) {
	cases := []struct {
		name    string
		from    OrderStatus
		to      OrderStatus
		allowed bool
	}{
		{"pending to confirmed", OrderPendingPayment, OrderConfirmed, true},
		{"confirmed to processing", OrderConfirmed, OrderProcessing, true},
		{"processing to shipped", OrderProcessing, OrderShipped, true},
		{"processing to ready for pickup", OrderProcessing, OrderReadyForPickup, true},
		{"shipped to delivered", OrderShipped, OrderDelivered, true},
		{"skip ahead allowed", OrderPendingPayment, OrderProcessing, true},
		{"no regression", OrderDelivered, OrderConfirmed, false},
		{"no sideways", OrderShipped, OrderReadyForPickup, false},
		{"no self transition", OrderConfirmed, OrderConfirmed, false},
		{"no backward", OrderProcessing, OrderConfirmed, false},
		{"unknown target", OrderConfirmed, OrderStatus("archived"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to))
		})
	}
}

func TestOrderStatus_CanTransition_SideChannels(t *testing.T) {
	// Cancellation and refund are open from any non-terminal state.
	for _, from := range []OrderStatus{OrderPendingPayment, OrderConfirmed, OrderProcessing, OrderReadyForPickup, OrderShipped, OrderPaymentFailed} {
		assert.True(t, from.CanTransition(OrderCancelled), "cancel from %s", from)
	}
	for _, from := range []OrderStatus{OrderConfirmed, OrderProcessing, OrderShipped, OrderPaymentFailed} {
		assert.True(t, from.CanTransition(OrderRefunded), "refund from %s", from)
	}

	// Terminal states admit nothing.
	for _, from := range []OrderStatus{OrderDelivered, OrderCancelled, OrderRefunded} {
		for _, to := range []OrderStatus{OrderConfirmed, OrderCancelled, OrderRefunded, OrderPaymentFailed} {
			if from == to {
				continue
			}
			assert.False(t, from.CanTransition(to), "%s to %s", from, to)
		}
	}

	// payment_failed is only reachable while payment is pending.
	assert.True(t, OrderPendingPayment.CanTransition(OrderPaymentFailed))
	assert.False(t, OrderConfirmed.CanTransition(OrderPaymentFailed))
	assert.False(t, OrderShipped.CanTransition(OrderPaymentFailed))

	// And once failed, only the side channels remain.
	assert.False(t, OrderPaymentFailed.CanTransition(OrderConfirmed))
	assert.False(t, OrderPaymentFailed.CanTransition(OrderPendingPayment))
}

func TestOrderStatus_AtLeast(t *testing.T) {
	assert.True(t, OrderDelivered.AtLeast(OrderConfirmed))
	assert.True(t, OrderConfirmed.AtLeast(OrderConfirmed))
	assert.False(t, OrderPendingPayment.AtLeast(OrderConfirmed))

	// Side-branch statuses do not sit on the fulfilment scale.
	assert.False(t, OrderCancelled.AtLeast(OrderConfirmed))
	assert.False(t, OrderConfirmed.AtLeast(OrderRefunded))
}

func TestPaymentStatus_CanTransition(t *testing.T) {
	assert.True(t, PaymentPending.CanTransition(PaymentCompleted))
	assert.True(t, PaymentPending.CanTransition(PaymentFailed))
	assert.True(t, PaymentCompleted.CanTransition(PaymentRefunded))

	assert.False(t, PaymentPending.CanTransition(PaymentRefunded))
	assert.False(t, PaymentCompleted.CanTransition(PaymentFailed))
	assert.False(t, PaymentFailed.CanTransition(PaymentCompleted))
	assert.False(t, PaymentRefunded.CanTransition(PaymentPending))
}

func TestOrderStatusFor(t *testing.T) {
	cases := map[PaymentStatus]OrderStatus{
		PaymentPending:   OrderPendingPayment,
		PaymentCompleted: OrderConfirmed,
		PaymentFailed:    OrderPaymentFailed,
		PaymentRefunded:  OrderRefunded,
	}
	for payment, want := range cases {
		got, ok := OrderStatusFor(payment)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := OrderStatusFor(PaymentStatus("chargeback"))
	assert.False(t, ok)
}
