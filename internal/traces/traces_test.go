package traces

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", slog.Default())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_ReturnsUsableSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "purchase.PreCheckout",
		UserID(777), Amount(50), Currency("XTR"), ChargeID("ch_1"), Reason("user_mismatch"))
	defer span.End()

	assert.NotNil(t, ctx)
	assert.Equal(t, "user.id", string(UserID(1).Key))
	assert.Equal(t, int64(50), Amount(50).Value.AsInt64())
}
