package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_RawClickInput(t *testing.T) {
	err := Validate(&RawClickInput{})
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "referral_code", ve.Field)
	assert.True(t, IsValidation(err))

	assert.NoError(t, Validate(&RawClickInput{ReferralCode: "PARTNER1"}))
}

func TestValidate_OrderCompletedEvent(t *testing.T) {
	tests := []struct {
		name  string
		event OrderCompletedEvent
		field string
	}{
		{name: "missing order", event: OrderCompletedEvent{ReferralCode: "P1"}, field: "order_id"},
		{name: "missing click reference", event: OrderCompletedEvent{OrderID: "o-1"}, field: "referral_code"},
		{name: "bad currency", event: OrderCompletedEvent{OrderID: "o-1", ReferralCode: "P1", Currency: "EURO"}, field: "currency"},
		{name: "click id only", event: OrderCompletedEvent{OrderID: "o-1", ReferralClickID: "c-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.event)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(ConversionPending, ConversionConfirmed))
	assert.True(t, CanTransition(ConversionPending, ConversionCancelled))
	assert.True(t, CanTransition(ConversionConfirmed, ConversionCancelled))
	assert.True(t, CanTransition(ConversionConfirmed, ConversionRefunded))

	assert.False(t, CanTransition(ConversionPending, ConversionRefunded))
	assert.False(t, CanTransition(ConversionCancelled, ConversionConfirmed))
	assert.False(t, CanTransition(ConversionRefunded, ConversionCancelled))
	assert.False(t, CanTransition(ConversionConfirmed, ConversionPending))
}
