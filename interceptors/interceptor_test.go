package interceptors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/relay/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, env *contracts.Envelope) error {
	return m.Called(ctx, env).Error(0)
}

type mockMetricsCollector struct {
	mock.Mock
}

func (m *mockMetricsCollector) IncrementMessageCount(key string) {
	m.Called(key)
}

func (m *mockMetricsCollector) RecordProcessingTime(key string, duration time.Duration) {
	m.Called(key, duration)
}

func (m *mockMetricsCollector) IncrementErrorCount(key string, errorType string) {
	m.Called(key, errorType)
}

func testEnvelope() *contracts.Envelope {
	env := (&contracts.Envelope{MessageID: "m-1"}).Normalize()
	env.Key = contracts.NewKey("orders")
	return env
}

func TestInterceptorChain(t *testing.T) {
	t.Run("empty chain calls the final handler", func(t *testing.T) {
		handler := &mockHandler{}
		env := testEnvelope()
		handler.On("Handle", mock.Anything, env).Return(nil).Once()

		err := NewInterceptorChain(nil).Execute(context.Background(), env, handler)

		assert.NoError(t, err)
		handler.AssertExpectations(t)
	})

	t.Run("interceptors run in insertion order", func(t *testing.T) {
		var order []string
		record := func(name string) Interceptor {
			return NewInterceptorFunc(name, func(ctx context.Context, env *contracts.Envelope, next Handler) error {
				order = append(order, name+":before")
				err := next.Handle(ctx, env)
				order = append(order, name+":after")
				return err
			})
		}
		chain := NewInterceptorChain(nil, record("outer")).Add(record("inner"))

		err := chain.Execute(context.Background(), testEnvelope(), HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			order = append(order, "handler")
			return nil
		}))

		require.NoError(t, err)
		assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, order)
		assert.Equal(t, 2, chain.Len())
	})

	t.Run("errors propagate through the chain", func(t *testing.T) {
		boom := errors.New("boom")
		chain := NewInterceptorChain(nil, NewLoggingInterceptor(nil))

		err := chain.Execute(context.Background(), testEnvelope(), HandlerFunc(func(context.Context, *contracts.Envelope) error {
			return boom
		}))

		assert.ErrorIs(t, err, boom)
	})
}

func TestRecoverInterceptor(t *testing.T) {
	t.Run("panics become PanicError", func(t *testing.T) {
		err := NewRecoverInterceptor().Intercept(context.Background(), testEnvelope(), HandlerFunc(func(context.Context, *contracts.Envelope) error {
			panic("kaboom")
		}))

		var panicErr *PanicError
		require.ErrorAs(t, err, &panicErr)
		assert.Equal(t, "kaboom", panicErr.Value)
		assert.NotEmpty(t, panicErr.Stack)
		assert.Equal(t, "panic", ErrorType(err))
	})

	t.Run("panicking with an error unwraps to it", func(t *testing.T) {
		cause := errors.New("bad state")

		err := NewRecoverInterceptor().Intercept(context.Background(), testEnvelope(), HandlerFunc(func(context.Context, *contracts.Envelope) error {
			panic(cause)
		}))

		assert.ErrorIs(t, err, cause)
	})
}

func TestMetricsInterceptor(t *testing.T) {
	t.Run("records count and duration on success", func(t *testing.T) {
		collector := &mockMetricsCollector{}
		collector.On("IncrementMessageCount", "orders").Once()
		collector.On("RecordProcessingTime", "orders", mock.AnythingOfType("time.Duration")).Once()

		err := NewMetricsInterceptor(collector).Intercept(context.Background(), testEnvelope(), HandlerFunc(func(context.Context, *contracts.Envelope) error {
			return nil
		}))

		assert.NoError(t, err)
		collector.AssertExpectations(t)
		collector.AssertNotCalled(t, "IncrementErrorCount", mock.Anything, mock.Anything)
	})

	t.Run("records the error type on failure", func(t *testing.T) {
		collector := &mockMetricsCollector{}
		collector.On("IncrementMessageCount", "orders")
		collector.On("RecordProcessingTime", "orders", mock.Anything)
		collector.On("IncrementErrorCount", "orders", "cast_error").Once()

		err := NewMetricsInterceptor(collector).Intercept(context.Background(), testEnvelope(), HandlerFunc(func(context.Context, *contracts.Envelope) error {
			return &contracts.CastError{Reason: contracts.ReasonIncompatible}
		}))

		assert.Error(t, err)
		collector.AssertExpectations(t)
	})
}

func TestTimeoutInterceptor(t *testing.T) {
	err := NewTimeoutInterceptor(10*time.Millisecond).Intercept(context.Background(), testEnvelope(), HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "timeout", ErrorType(err))
}

func TestValidationInterceptor(t *testing.T) {
	validator := MessageValidatorFunc(func(ctx context.Context, env *contracts.Envelope) error {
		if env.ContentType != "application/json" {
			return errors.New("json required")
		}
		return nil
	})
	handler := &mockHandler{}

	err := NewValidationInterceptor(validator).Intercept(context.Background(), testEnvelope(), handler)

	assert.ErrorContains(t, err, "json required")
	handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
}
