package payment

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/khayson/storefront/internal/config"
	"github.com/khayson/storefront/internal/messaging"
	paymentsvc "github.com/khayson/storefront/internal/service/payment"
	"github.com/khayson/storefront/internal/worker"
)

var workerTracer = otel.Tracer("github.com/khayson/storefront/worker/payment")

// Module registers the payment event worker handler.
var Module = fx.Module("worker_payment",
	fx.Provide(
		fx.Annotate(
			NewPaymentEventHandler,
			fx.ResultTags(`group:"worker.handlers"`),
		),
	),
)

// NewPaymentEventHandler consumes relayed payment processor events and feeds
// them to the state machine. Returning an error leaves the message
// uncommitted so redelivery retries it; duplicate redelivery is safe because
// the state machine treats replays as no-ops.
func NewPaymentEventHandler(svc *paymentsvc.Service, logger *zap.Logger, cfg config.Config) worker.HandlerRegistration {
	handler := func(ctx context.Context, msg messaging.Message) error {
		ctx, span := workerTracer.Start(ctx, "worker.payments.process", trace.WithAttributes(
			attribute.String("messaging.topic", msg.Topic),
		))
		defer span.End()

		var event paymentsvc.Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Error("failed to decode payment event", zap.Error(err))

			span.RecordError(err)
			span.SetStatus(codes.Error, "decode error")
			// Poison message; committing it is the only way forward.
			return nil
		}

		if err := svc.Apply(ctx, event); err != nil {
			logger.Error("payment event processing failed",
				zap.Int64("order_id", event.OrderID),
				zap.String("status", string(event.NewStatus)),
				zap.Error(err))

			span.RecordError(err)
			span.SetStatus(codes.Error, "apply error")
			return err
		}

		logger.Info("payment event processed",
			zap.Int64("order_id", event.OrderID),
			zap.String("status", string(event.NewStatus)))

		return nil
	}

	return worker.HandlerRegistration{
		Topic:   cfg.Messaging.Kafka.PaymentTopic,
		Handler: handler,
	}
}
