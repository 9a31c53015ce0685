package job

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xkonti/crude-functions-core/internal/domain/model"
)

func echoHandler(_ context.Context, payload []byte, _ *CancellationToken) (json.RawMessage, error) {
	return payload, nil
}

func TestRegistry_Register(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("echo", echoHandler))
		assert.Equal(t, 1, r.Len())

		fn, ok := r.Get("echo")
		require.True(t, ok)
		out, err := fn(context.Background(), []byte(`{"n":1}`), nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(out))
	})

	t.Run("invalid job type", func(t *testing.T) {
		r := NewRegistry()
		err := r.Register("   ", echoHandler)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid job type")
	})

	t.Run("nil handler", func(t *testing.T) {
		r := NewRegistry()
		err := r.Register("echo", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nil handler")
	})

	t.Run("duplicate registration", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("echo", echoHandler))
		err := r.Register("echo", echoHandler)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
		assert.Equal(t, 1, r.Len())
	})
}

func TestRegistry_MustRegister(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		r := NewRegistry()
		assert.NotPanics(t, func() { r.MustRegister("echo", echoHandler) })
	})

	t.Run("panics on duplicate", func(t *testing.T) {
		r := NewRegistry()
		r.MustRegister("echo", echoHandler)
		assert.Panics(t, func() { r.MustRegister("echo", echoHandler) })
	})
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("echo", echoHandler))

	_, ok := r.Get("unknown")
	assert.False(t, ok)
}

func TestRegistry_Types(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("sleep", echoHandler))
	require.NoError(t, r.Register("echo", echoHandler))
	require.NoError(t, r.Register("webhook", echoHandler))

	// Stable order regardless of registration order.
	assert.Equal(t, []model.JobType{"echo", "sleep", "webhook"}, r.Types())
}
