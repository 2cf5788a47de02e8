package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/khayson/storefront/internal/messaging"
	"github.com/khayson/storefront/pkg/errorbank"
)

func newTestEngine(topic string, handler messaging.Handler) *Engine {
	return &Engine{
		logger:        zap.NewNop(),
		registrations: map[string]messaging.Handler{topic: handler},
	}
}

func TestRetryableCode(t *testing.T) {
	assert.False(t, retryableCode(codes.InvalidArgument))
	assert.False(t, retryableCode(codes.FailedPrecondition))
	assert.True(t, retryableCode(codes.NotFound), "events can outrun replica reads")
	assert.True(t, retryableCode(codes.AlreadyExists))
	assert.True(t, retryableCode(codes.Internal))
	assert.True(t, retryableCode(codes.Unavailable))
}

func TestEngine_DispatchCommitsNonRetryableFailures(t *testing.T) {
	for _, err := range []error{
		errorbank.BadRequest("malformed event"),
		errorbank.Unprocessable("transition not allowed"),
	} {
		engine := newTestEngine("payments", func(context.Context, messaging.Message) error {
			return err
		})

		got := engine.dispatch(context.Background(), messaging.Message{Topic: "payments"}, 0)
		assert.NoError(t, got, "a failure that repeats identically must be committed, not redelivered")
	}
}

func TestEngine_DispatchRedeliversRetryableFailures(t *testing.T) {
	for _, err := range []error{
		errorbank.Conflict("order is being modified concurrently"),
		errorbank.NotFound("order not found"),
		errorbank.Internal("database unavailable"),
		errors.New("plain failure"),
	} {
		engine := newTestEngine("payments", func(context.Context, messaging.Message) error {
			return err
		})

		got := engine.dispatch(context.Background(), messaging.Message{Topic: "payments"}, 0)
		require.Error(t, got)
	}
}

func TestEngine_DispatchUnknownTopicIsCommitted(t *testing.T) {
	called := false
	engine := newTestEngine("payments", func(context.Context, messaging.Message) error {
		called = true
		return nil
	})

	err := engine.dispatch(context.Background(), messaging.Message{Topic: "unrelated"}, 0)
	assert.NoError(t, err)
	assert.False(t, called)
}
