// Package notification carries best-effort customer notifications out of the
// core. Dispatch failures never roll back the state change that produced
// them; callers log and move on.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/khayson/storefront/internal/config"
	"github.com/khayson/storefront/internal/messaging"
)

// Kind names the customer-facing notification being emitted.
type Kind string

const (
	KindPaymentCompleted Kind = "payment_completed"
	KindPaymentFailed    Kind = "payment_failed"
	KindPaymentRefunded  Kind = "payment_refunded"
	KindOrderCancelled   Kind = "order_cancelled"
)

// Notification is one outbound customer notification.
type Notification struct {
	Kind       Kind      `json:"kind"`
	OrderID    int64     `json:"order_id"`
	UserID     int64     `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink accepts notifications for delivery. Implementations are fire-and-forget.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Module provides the notification sink to the Fx graph.
var Module = fx.Provide(NewSink)

// NewSink selects the configured sink implementation.
func NewSink(cfg config.Config, client messaging.Client, logger *zap.Logger) (Sink, error) {
	switch cfg.Notification.Driver {
	case "noop":
		logger.Info("notifications disabled; using noop sink")
		return noopSink{}, nil
	case "kafka":
		return &eventSink{
			client: client,
			topic:  cfg.Messaging.Kafka.NotificationTopic,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported notification driver: %s", cfg.Notification.Driver)
	}
}

type noopSink struct{}

func (noopSink) Notify(context.Context, Notification) error { return nil }

// eventSink publishes notifications onto the bus for downstream renderers
// (mail, push) to pick up.
type eventSink struct {
	client messaging.Client
	topic  string
}

func (s *eventSink) Notify(ctx context.Context, n Notification) error {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	key := []byte(fmt.Sprintf("order-%d", n.OrderID))
	return s.client.Publish(ctx, s.topic, key, payload)
}
