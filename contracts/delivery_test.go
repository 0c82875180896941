package contracts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryContext(t *testing.T) {
	t.Run("round trips through context", func(t *testing.T) {
		dc := &DeliveryContext{MessageID: "m1", CorrelationID: "c1"}
		ctx := WithDelivery(context.Background(), dc)

		got, ok := DeliveryFromContext(ctx)
		require.True(t, ok)
		assert.Same(t, dc, got)
	})

	t.Run("absent delivery is reported", func(t *testing.T) {
		_, ok := DeliveryFromContext(context.Background())
		assert.False(t, ok)
	})

	t.Run("decodes the propagated message context", func(t *testing.T) {
		dc := &DeliveryContext{MessageContext: []byte(`{"tenant":"acme"}`)}

		var mc struct {
			Tenant string `json:"tenant"`
		}
		require.NoError(t, dc.DecodeMessageContext(&mc))
		assert.Equal(t, "acme", mc.Tenant)
		assert.True(t, dc.HasMessageContext())
	})

	t.Run("missing message context decodes to nothing", func(t *testing.T) {
		dc := &DeliveryContext{}

		var mc map[string]string
		require.NoError(t, dc.DecodeMessageContext(&mc))
		assert.Nil(t, mc)
		assert.False(t, dc.HasMessageContext())
	})

	t.Run("reads string and byte headers", func(t *testing.T) {
		dc := &DeliveryContext{Headers: map[string]any{"a": "x", "b": []byte("y"), "c": 1}}

		v, ok := dc.Header("a")
		assert.True(t, ok)
		assert.Equal(t, "x", v)

		v, ok = dc.Header("b")
		assert.True(t, ok)
		assert.Equal(t, "y", v)

		_, ok = dc.Header("c")
		assert.False(t, ok)
	})
}
