package interceptors

import (
	"context"
	"testing"

	"github.com/glimte/relay/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestFilteringInterceptor(t *testing.T) {
	tenant := HeaderEquals("tenant", "acme")

	t.Run("matching messages reach the handler", func(t *testing.T) {
		env := testEnvelope()
		env.Headers["tenant"] = "acme"
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, env).Return(nil).Once()

		err := NewFilteringInterceptor(tenant, SkipSilently, nil).Intercept(context.Background(), env, handler)

		assert.NoError(t, err)
		handler.AssertExpectations(t)
	})

	t.Run("skipped messages count as handled", func(t *testing.T) {
		handler := &mockHandler{}

		err := NewFilteringInterceptor(tenant, SkipWithLog, nil).Intercept(context.Background(), testEnvelope(), handler)

		assert.NoError(t, err)
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})

	t.Run("skip with error fails the message", func(t *testing.T) {
		err := NewFilteringInterceptor(tenant, SkipWithError, nil).Intercept(context.Background(), testEnvelope(), &mockHandler{})

		assert.ErrorContains(t, err, "message filtered")
	})
}

func TestFilterCombinators(t *testing.T) {
	env := testEnvelope()
	env.ContentType = "application/json"
	env.Headers["tenant"] = "acme"
	ctx := context.Background()

	ok, err := AllOf(HeaderEquals("tenant", "acme"), ContentTypeIn("application/json")).ShouldProcess(ctx, env)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, _ = AllOf(HeaderEquals("tenant", "acme"), ContentTypeIn("text/plain")).ShouldProcess(ctx, env)
	assert.False(t, ok)

	ok, _ = AnyOf(HeaderEquals("tenant", "other"), ContentTypeIn("application/json")).ShouldProcess(ctx, env)
	assert.True(t, ok)
}

func TestConditionalInterceptor(t *testing.T) {
	applied := false
	inner := NewInterceptorFunc("mark", func(ctx context.Context, env *contracts.Envelope, next Handler) error {
		applied = true
		return next.Handle(ctx, env)
	})
	handler := HandlerFunc(func(context.Context, *contracts.Envelope) error { return nil })

	env := testEnvelope()
	_ = NewConditionalInterceptor(ContentTypeIn("text/plain"), inner).Intercept(context.Background(), env, handler)
	assert.False(t, applied)

	env.ContentType = "text/plain"
	_ = NewConditionalInterceptor(ContentTypeIn("text/plain"), inner).Intercept(context.Background(), env, handler)
	assert.True(t, applied)
	assert.Equal(t, "ConditionalInterceptor[mark]", NewConditionalInterceptor(nil, inner).Name())
}
