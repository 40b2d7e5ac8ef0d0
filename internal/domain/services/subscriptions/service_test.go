package subscriptions

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
	"github.com/request-gateway/payment_service/internal/domain/services/chain"
	"github.com/request-gateway/payment_service/internal/testutil"
	"github.com/request-gateway/payment_service/pkg/logger"
)

func strPtr(s string) *string { return &s }

func TestRegister_StartsInactive(t *testing.T) {
	log := logger.NewLogger(zap.NewNop())
	store := testutil.NewSubscriptionStore()
	wallets := chain.NewMonitoredWallets(store, log)
	svc := NewService(store, wallets, log)

	sub, err := svc.Register(context.Background(), entities.CreateSubscriptionRequest{
		Price:                 "25.50",
		ConsumerWalletAddress: strPtr("0x00000000000000000000000000000000000000AA"),
	})

	require.NoError(t, err)
	stored := store.Get(sub.ID)
	require.NotNil(t, stored)
	assert.False(t, stored.Active)
	assert.Equal(t, entities.PaymentServiceNone, stored.PaymentService)
	assert.Equal(t, "25.5", stored.Price.String())
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", stored.ConsumerWallet())
	assert.Equal(t, []uuid.UUID{sub.ID}, wallets.Read().ServicesFor("0x00000000000000000000000000000000000000aa"))
}

func TestRegister_UsesCallerID(t *testing.T) {
	store := testutil.NewSubscriptionStore()
	svc := NewService(store, nil, logger.NewLogger(zap.NewNop()))
	id := uuid.New()

	sub, err := svc.Register(context.Background(), entities.CreateSubscriptionRequest{ID: &id, Price: "10"})
	require.NoError(t, err)
	assert.Equal(t, id, sub.ID)

	_, err = svc.Register(context.Background(), entities.CreateSubscriptionRequest{ID: &id, Price: "10"})
	assert.True(t, apperrors.IsConflict(err))
}

func TestRegister_RejectsBadPrice(t *testing.T) {
	svc := NewService(testutil.NewSubscriptionStore(), nil, logger.NewLogger(zap.NewNop()))

	_, err := svc.Register(context.Background(), entities.CreateSubscriptionRequest{Price: "abc"})
	assert.True(t, apperrors.IsInvalidInput(err))

	_, err = svc.Register(context.Background(), entities.CreateSubscriptionRequest{Price: "-1"})
	assert.True(t, apperrors.IsInvalidInput(err))
}
