package activation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	"github.com/request-gateway/payment_service/internal/domain/services/funding"
	"github.com/request-gateway/payment_service/internal/domain/services/ledger"
	"github.com/request-gateway/payment_service/internal/testutil"
	"github.com/request-gateway/payment_service/pkg/logger"
)

type harness struct {
	subs     *testutil.SubscriptionStore
	txs      *testutil.TransactionStore
	balances *testutil.Balances
	notifier *testutil.RecordingNotifier
	alerter  *testutil.RecordingAlerter
	ledger   *ledger.Service
	svc      *Service
	now      time.Time
}

const wallet = "0x00000000000000000000000000000000000000aa"

func newHarness(t *testing.T, sub *entities.Subscription, now time.Time) *harness {
	t.Helper()
	log := logger.NewLogger(zap.NewNop())
	h := &harness{
		subs:     testutil.NewSubscriptionStore(sub),
		txs:      testutil.NewTransactionStore(),
		balances: testutil.NewBalances(),
		notifier: &testutil.RecordingNotifier{},
		alerter:  &testutil.RecordingAlerter{},
		now:      now,
	}
	h.ledger = ledger.NewService(h.txs, ledger.DefaultConfig(), log)
	evaluator := funding.NewEvaluator(h.ledger, h.balances, funding.DefaultConfig()).
		WithClock(func() time.Time { return h.now })
	h.svc = NewService(h.subs, evaluator, h.notifier, NewKeyedMutex(), DefaultConfig(), log).WithAlerter(h.alerter)
	return h
}

func newChainSub(createdAt time.Time, active bool) *entities.Subscription {
	w := wallet
	return &entities.Subscription{
		ID:                    uuid.New(),
		Active:                active,
		Price:                 decimal.NewFromInt(100),
		ConsumerWalletAddress: &w,
		CreatedAt:             createdAt,
	}
}

func (h *harness) deposit(t *testing.T, serviceID uuid.UUID, hash string, amount int64) {
	t.Helper()
	_, _, err := h.ledger.Record(context.Background(), ledger.RecordRequest{
		ServiceID: serviceID,
		Hash:      hash,
		Amount:    decimal.NewFromInt(amount),
		Rail:      entities.PaymentServiceCrypto,
	})
	require.NoError(t, err)
}

func TestReconcile_ActivatesWhenFunded(t *testing.T) {
	t0 := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	sub := newChainSub(t0, false)
	h := newHarness(t, sub, t0.Add(10*24*time.Hour))
	h.deposit(t, sub.ID, "0xdeposit", 100)
	h.balances.Set(wallet, decimal.NewFromInt(100))

	verdict, err := h.svc.Reconcile(context.Background(), sub.ID, entities.PaymentServiceCrypto)

	require.NoError(t, err)
	require.NotNil(t, verdict)
	assert.True(t, verdict.Sufficient)
	stored := h.subs.Get(sub.ID)
	assert.True(t, stored.Active)
	assert.Equal(t, entities.PaymentServiceCrypto, stored.PaymentService)
	require.Len(t, h.notifier.Sent(), 1)
	assert.True(t, h.notifier.Sent()[0].Active)
	assert.Equal(t, sub.ID, h.notifier.Sent()[0].SubscriptionID)
}

func TestReconcile_GraceProtectsInsufficientSubscription(t *testing.T) {
	t0 := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	sub := newChainSub(t0, true)
	h := newHarness(t, sub, t0.Add(5*24*time.Hour))

	verdict, err := h.svc.Reconcile(context.Background(), sub.ID, entities.PaymentServiceCrypto)

	require.NoError(t, err)
	assert.False(t, verdict.Sufficient)
	assert.True(t, verdict.GracePeriod)
	assert.True(t, h.subs.Get(sub.ID).Active)
	assert.Empty(t, h.notifier.Sent())
}

func TestReconcile_GraceExpiryDeactivatesOnce(t *testing.T) {
	t0 := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	sub := newChainSub(t0, true)
	h := newHarness(t, sub, t0.Add(45*24*time.Hour))

	_, err := h.svc.Reconcile(context.Background(), sub.ID, entities.PaymentServiceCrypto)
	require.NoError(t, err)
	_, err = h.svc.Reconcile(context.Background(), sub.ID, entities.PaymentServiceCrypto)
	require.NoError(t, err)

	assert.False(t, h.subs.Get(sub.ID).Active)
	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.False(t, sent[0].Active)
	assert.Equal(t, 1, h.subs.Writes)
}

func TestReconcile_NotEvaluable(t *testing.T) {
	sub := &entities.Subscription{ID: uuid.New(), Price: decimal.NewFromInt(100), CreatedAt: time.Now()}
	h := newHarness(t, sub, time.Now())

	verdict, err := h.svc.Reconcile(context.Background(), sub.ID, entities.PaymentServiceCrypto)

	assert.NoError(t, err)
	assert.Nil(t, verdict)
	assert.Zero(t, h.subs.Writes)
}

func TestActivate_IsIdempotent(t *testing.T) {
	sub := newChainSub(time.Now(), false)
	h := newHarness(t, sub, time.Now())

	changed, err := h.svc.Activate(context.Background(), sub.ID, entities.PaymentServiceStripe, Details{Type: "stripe"})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = h.svc.Activate(context.Background(), sub.ID, entities.PaymentServiceStripe, Details{Type: "stripe"})
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Equal(t, 1, h.subs.Writes)
	assert.Len(t, h.notifier.Sent(), 1)
	assert.Equal(t, entities.PaymentServiceStripe, h.subs.Get(sub.ID).PaymentService)
}

func TestNotifierFailureDoesNotRollBack(t *testing.T) {
	sub := newChainSub(time.Now(), true)
	h := newHarness(t, sub, time.Now())
	h.notifier.Err = errors.New("validator unreachable")

	changed, err := h.svc.Deactivate(context.Background(), sub.ID, Details{Reason: "zero_balance"})

	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, h.subs.Get(sub.ID).Active)
	assert.Equal(t, 1, h.notifier.Calls)
	assert.Equal(t, []string{"Status notification failed"}, h.alerter.Subjects)
}

func TestActivate_UnknownSubscription(t *testing.T) {
	h := newHarness(t, newChainSub(time.Now(), false), time.Now())

	_, err := h.svc.Activate(context.Background(), uuid.New(), entities.PaymentServiceStripe, Details{})
	assert.Error(t, err)
	assert.Empty(t, h.notifier.Sent())
}

func TestConcurrentActivationsProduceSingleTransition(t *testing.T) {
	sub := newChainSub(time.Now(), false)
	h := newHarness(t, sub, time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.Activate(context.Background(), sub.ID, entities.PaymentServiceCrypto, Details{})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.subs.Writes)
	assert.Len(t, h.notifier.Sent(), 1)
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := km.Lock(context.Background(), "b")
	require.NoError(t, err)
	other()

	unlock()
	again, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)
	again()
	assert.Empty(t, km.locks)
}
