package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	"github.com/request-gateway/payment_service/internal/testutil"
	"github.com/request-gateway/payment_service/pkg/logger"
)

func TestTracker_ProcessedDeliveryIsNotHandedOutAgain(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(testutil.NewWebhookEventStore(), logger.NewLogger(zap.NewNop()))

	event, proceed, err := tracker.Begin(ctx, entities.PaymentServiceStripe, "evt_1", "invoice.payment_succeeded", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, proceed)

	tracker.Finish(ctx, event, nil)

	_, proceed, err = tracker.Begin(ctx, entities.PaymentServiceStripe, "evt_1", "invoice.payment_succeeded", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, proceed)

	// ids are scoped per provider
	_, proceed, err = tracker.Begin(ctx, entities.PaymentServicePayPal, "evt_1", "PAYMENT.CAPTURE.COMPLETED", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, proceed)
}

func TestTracker_FailedDeliveryIsRetried(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(testutil.NewWebhookEventStore(), logger.NewLogger(zap.NewNop()))

	event, proceed, err := tracker.Begin(ctx, entities.PaymentServicePayPal, "WH-1", "BILLING.SUBSCRIPTION.CANCELLED", []byte(`{}`))
	require.NoError(t, err)
	require.True(t, proceed)

	tracker.Finish(ctx, event, errors.New("db down"))

	again, proceed, err := tracker.Begin(ctx, entities.PaymentServicePayPal, "WH-1", "BILLING.SUBSCRIPTION.CANCELLED", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, proceed)
	assert.Equal(t, event.ID, again.ID)
}

func TestTracker_FinishToleratesNil(t *testing.T) {
	tracker := NewTracker(testutil.NewWebhookEventStore(), logger.NewLogger(zap.NewNop()))
	assert.NotPanics(t, func() { tracker.Finish(context.Background(), nil, nil) })
}
