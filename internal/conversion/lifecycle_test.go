package conversion

import (
	"context"
	"errors"
	"testing"

	"referral-engine/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func recordOne(t *testing.T, f *fixture) *domain.ConversionEvent {
	t.Helper()
	f.policy(t, domain.CommissionPolicy{ID: "pol-std", PolicyCode: "standard", CommissionRate: decimal.NewFromInt(10)})
	c := f.click(t, "fp1", chromeUA)
	ev := order("order-1", c.Canonical.ID, "200")
	ev.Quantity = 2
	res, err := f.recorder.Record(context.Background(), ev)
	require.NoError(t, err)
	return res.Event
}

func TestLifecycle_ConfirmThenRefund(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	conv := recordOne(t, f)

	confirmed, err := f.recorder.Confirm(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)

	partial, err := f.recorder.Refund(ctx, conv.ID, decimal.NewFromInt(50), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionConfirmed, partial.Status)
	assert.True(t, decimal.NewFromInt(50).Equal(partial.RefundedAmount))
	assert.Equal(t, 1, partial.RefundedQuantity)
	assert.Nil(t, partial.RefundedAt)

	full, err := f.recorder.Refund(ctx, conv.ID, decimal.NewFromInt(500), 5)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionRefunded, full.Status)
	assert.True(t, decimal.NewFromInt(200).Equal(full.RefundedAmount), "clamped to the order amount")
	assert.Equal(t, 2, full.RefundedQuantity)
	require.NotNil(t, full.RefundedAt)

	_, err = f.recorder.Cancel(ctx, conv.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	stored, err := f.recorder.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionRefunded, stored.Status)

	f.pub.AssertCalled(t, "Publish", mock.Anything, mock.MatchedBy(func(n Notification) bool {
		return n.Type == EventStatusChanged && n.Conversion.Status == domain.ConversionRefunded
	}))
}

func TestLifecycle_InvalidTransitions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	conv := recordOne(t, f)

	_, err := f.recorder.Refund(ctx, conv.ID, decimal.NewFromInt(10), 0)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition), "pending conversions cannot be refunded")

	cancelled, err := f.recorder.Cancel(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = f.recorder.Confirm(ctx, conv.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	_, err = f.recorder.Confirm(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))

	_, err = f.recorder.Get(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestLifecycle_RefundValidation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.recorder.Refund(ctx, "any", decimal.Zero, 0)
	assert.True(t, domain.IsValidation(err))

	_, err = f.recorder.Refund(ctx, "any", decimal.NewFromInt(1), -1)
	assert.True(t, domain.IsValidation(err))
}

func TestLifecycle_ApplyOrderStatus(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	conv := recordOne(t, f)

	confirmed, err := f.recorder.ApplyOrderStatus(ctx, domain.OrderStatusChangedEvent{OrderID: "order-1", Status: domain.ConversionConfirmed})
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionConfirmed, confirmed.Status)

	again, err := f.recorder.ApplyOrderStatus(ctx, domain.OrderStatusChangedEvent{OrderID: "order-1", Status: domain.ConversionConfirmed})
	require.NoError(t, err, "redelivered status is a no-op")
	assert.Equal(t, conv.ID, again.ID)

	partial, err := f.recorder.ApplyOrderStatus(ctx, domain.OrderStatusChangedEvent{
		OrderID: "order-1", Status: domain.ConversionRefunded, RefundedAmount: decimal.NewFromInt(80), RefundedQuantity: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionConfirmed, partial.Status)
	assert.True(t, decimal.NewFromInt(80).Equal(partial.RefundedAmount))

	replay, err := f.recorder.ApplyOrderStatus(ctx, domain.OrderStatusChangedEvent{
		OrderID: "order-1", Status: domain.ConversionRefunded, RefundedAmount: decimal.NewFromInt(80),
	})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(80).Equal(replay.RefundedAmount), "cumulative amounts are not added twice")

	full, err := f.recorder.ApplyOrderStatus(ctx, domain.OrderStatusChangedEvent{
		OrderID: "order-1", Status: domain.ConversionRefunded, RefundedAmount: decimal.NewFromInt(200), RefundedQuantity: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionRefunded, full.Status)

	_, err = f.recorder.ApplyOrderStatus(ctx, domain.OrderStatusChangedEvent{OrderID: "unknown", Status: domain.ConversionConfirmed})
	assert.True(t, domain.IsNotFound(err))

	_, err = f.recorder.ApplyOrderStatus(ctx, domain.OrderStatusChangedEvent{OrderID: "order-1", Status: domain.ConversionPending})
	assert.True(t, domain.IsValidation(err))
}
