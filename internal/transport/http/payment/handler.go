package payment

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/khayson/storefront/internal/entity"
	"github.com/khayson/storefront/internal/presentation/http/response"
	service "github.com/khayson/storefront/internal/service/payment"
	"github.com/khayson/storefront/pkg/errorbank"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var httpTracer = otel.Tracer("github.com/khayson/storefront/transport/http/payment")

// Handler ingests payment processor webhooks. Signature verification happens
// at the edge in front of this service; payloads arriving here are trusted.
type Handler struct {
	svc *service.Service
}

// NewHandler constructs a payment Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Register routes with provided Echo group.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/payments")
	g.POST("/webhook", h.webhook)
}

type webhookRequest struct {
	TransactionRef string    `json:"transaction_ref"`
	OrderID        int64     `json:"order_id" validate:"required,gt=0"`
	Status         string    `json:"status" validate:"required,oneof=pending completed failed refunded"`
	Amount         int64     `json:"amount" validate:"gte=0"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (h *Handler) webhook(c echo.Context) error {
	b := response.New(c)

	var payload webhookRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	if err := c.Validate(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "payments.webhook", trace.WithAttributes(
		attribute.Int64("order.id", payload.OrderID),
		attribute.String("payment.status", payload.Status),
	))
	defer span.End()

	event := service.Event{
		TransactionRef: payload.TransactionRef,
		OrderID:        payload.OrderID,
		NewStatus:      entity.PaymentStatus(payload.Status),
		Amount:         payload.Amount,
		OccurredAt:     payload.OccurredAt,
	}

	if err := h.svc.Apply(ctx, event); err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(map[string]string{"status": "accepted"}).Build()
}
