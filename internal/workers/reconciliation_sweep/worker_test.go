package reconciliation_sweep

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
	"github.com/request-gateway/payment_service/internal/domain/services/activation"
	"github.com/request-gateway/payment_service/internal/domain/services/chain"
	"github.com/request-gateway/payment_service/internal/domain/services/funding"
	"github.com/request-gateway/payment_service/internal/domain/services/ledger"
	"github.com/request-gateway/payment_service/internal/testutil"
	"github.com/request-gateway/payment_service/pkg/logger"
)

type fakeReceipts struct {
	mu       sync.Mutex
	receipts map[string]*chain.Receipt
	calls    int
	block    chan struct{}
}

func (f *fakeReceipts) Receipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, errors.New("rpc unavailable")
}

func (f *fakeReceipts) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sweepHarness struct {
	subs     *testutil.SubscriptionStore
	txs      *testutil.TransactionStore
	balances *testutil.Balances
	notifier *testutil.RecordingNotifier
	ledger     *ledger.Service
	activation *activation.Service
	receipts   *fakeReceipts
	worker     *Worker
}

func newSweepHarness(t *testing.T, subs ...*entities.Subscription) *sweepHarness {
	t.Helper()
	log := logger.NewLogger(zap.NewNop())
	h := &sweepHarness{
		subs:     testutil.NewSubscriptionStore(subs...),
		txs:      testutil.NewTransactionStore(),
		balances: testutil.NewBalances(),
		notifier: &testutil.RecordingNotifier{},
		receipts: &fakeReceipts{receipts: map[string]*chain.Receipt{}},
	}
	h.ledger = ledger.NewService(h.txs, ledger.DefaultConfig(), log)
	evaluator := funding.NewEvaluator(h.ledger, h.balances, funding.DefaultConfig())
	h.activation = activation.NewService(h.subs, evaluator, h.notifier, activation.NewKeyedMutex(), activation.DefaultConfig(), log)
	h.worker = NewWorker(h.subs, h.balances, h.activation, h.ledger, h.receipts, Config{}, log)
	return h
}

func chainSub(wallet string, active bool) *entities.Subscription {
	return &entities.Subscription{
		ID:                    uuid.New(),
		Active:                active,
		Price:                 decimal.NewFromInt(10),
		ConsumerWalletAddress: &wallet,
		PaymentService:        entities.PaymentServiceCrypto,
		CreatedAt:             time.Now().UTC().AddDate(0, -3, 0),
	}
}

func (h *sweepHarness) deposit(t *testing.T, serviceID uuid.UUID, hash string) {
	t.Helper()
	_, _, err := h.ledger.Record(context.Background(), ledger.RecordRequest{
		ServiceID: serviceID,
		Hash:      hash,
		Amount:    decimal.NewFromInt(10),
		Rail:      entities.PaymentServiceCrypto,
	})
	require.NoError(t, err)
}

func TestSweepBalances_DeactivatesOnlyEmptyWallets(t *testing.T) {
	empty := chainSub("0x00000000000000000000000000000000000000a1", true)
	funded := chainSub("0x00000000000000000000000000000000000000a2", true)
	dust := chainSub("0x00000000000000000000000000000000000000a3", true)
	h := newSweepHarness(t, empty, funded, dust)
	h.balances.Set(funded.ConsumerWallet(), decimal.NewFromInt(50))
	h.balances.Set(dust.ConsumerWallet(), decimal.RequireFromString("0.000001"))

	require.NoError(t, h.worker.SweepBalances(context.Background()))

	assert.False(t, h.subs.Get(empty.ID).Active)
	assert.True(t, h.subs.Get(funded.ID).Active)
	assert.True(t, h.subs.Get(dust.ID).Active)
	require.Len(t, h.notifier.Sent(), 1)
	assert.Equal(t, empty.ID, h.notifier.Sent()[0].SubscriptionID)
	assert.False(t, h.notifier.Sent()[0].Active)
}

func TestSweepBalances_IgnoresLedgerAndGrace(t *testing.T) {
	sub := chainSub("0x00000000000000000000000000000000000000a1", true)
	sub.CreatedAt = time.Now().UTC()
	h := newSweepHarness(t, sub)
	h.deposit(t, sub.ID, "0xpaid")

	require.NoError(t, h.worker.SweepBalances(context.Background()))

	assert.False(t, h.subs.Get(sub.ID).Active)
}

func TestSweepBalances_SkipsUnreadableBalances(t *testing.T) {
	sub := chainSub("0x00000000000000000000000000000000000000a1", true)
	h := newSweepHarness(t, sub)
	h.balances.Err = errors.New("rpc down")

	require.NoError(t, h.worker.SweepBalances(context.Background()))

	assert.True(t, h.subs.Get(sub.ID).Active)
	assert.Empty(t, h.notifier.Sent())
}

// depositBetweenReads lands a deposit right after the sweep's first balance read
type depositBetweenReads struct {
	*testutil.Balances
	once    sync.Once
	deposit func(ctx context.Context)
}

func (d *depositBetweenReads) WalletBalance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	balance, err := d.Balances.WalletBalance(ctx, wallet)
	d.once.Do(func() { d.deposit(ctx) })
	return balance, err
}

func TestSweepBalances_DepositDuringSweepKeepsSubscriptionActive(t *testing.T) {
	sub := chainSub("0x00000000000000000000000000000000000000a1", true)
	h := newSweepHarness(t, sub)

	balances := &depositBetweenReads{Balances: h.balances}
	balances.deposit = func(ctx context.Context) {
		h.balances.Set(sub.ConsumerWallet(), decimal.NewFromInt(50))
		h.deposit(t, sub.ID, "0xlate")
		_, err := h.activation.Reconcile(ctx, sub.ID, entities.PaymentServiceCrypto)
		require.NoError(t, err)
	}
	h.worker = NewWorker(h.subs, balances, h.activation, h.ledger, h.receipts, Config{}, logger.NewLogger(zap.NewNop()))

	require.NoError(t, h.worker.SweepBalances(context.Background()))

	assert.True(t, h.subs.Get(sub.ID).Active)
	assert.Empty(t, h.notifier.Sent(), "no deactivation may follow the deposit")
}

func TestSweepBalances_SkipsSubscriptionAlreadyInactive(t *testing.T) {
	sub := chainSub("0x00000000000000000000000000000000000000a1", true)
	h := newSweepHarness(t, sub)

	balances := &depositBetweenReads{Balances: h.balances}
	balances.deposit = func(ctx context.Context) {
		_, err := h.activation.Deactivate(ctx, sub.ID, activation.Details{Reason: "cancelled"})
		require.NoError(t, err)
	}
	h.worker = NewWorker(h.subs, balances, h.activation, h.ledger, h.receipts, Config{}, logger.NewLogger(zap.NewNop()))

	require.NoError(t, h.worker.SweepBalances(context.Background()))

	assert.False(t, h.subs.Get(sub.ID).Active)
	assert.Len(t, h.notifier.Sent(), 1)
}

func TestSweepBalances_ListFailure(t *testing.T) {
	h := newSweepHarness(t)
	h.subs.Err = errors.New("db down")

	assert.Error(t, h.worker.SweepBalances(context.Background()))
}

func TestSweepConfirmations(t *testing.T) {
	sub := chainSub("0x00000000000000000000000000000000000000a1", true)
	h := newSweepHarness(t, sub)
	h.deposit(t, sub.ID, "0xok")
	h.deposit(t, sub.ID, "0xreverted")
	h.deposit(t, sub.ID, "0xpending")
	h.receipts.receipts["0xok"] = &chain.Receipt{Status: chain.ReceiptSucceeded, BlockNumber: 120}
	h.receipts.receipts["0xreverted"] = &chain.Receipt{Status: chain.ReceiptFailed, BlockNumber: 121}
	h.receipts.receipts["0xpending"] = &chain.Receipt{Status: chain.ReceiptPending}

	require.NoError(t, h.worker.SweepConfirmations(context.Background()))

	byHash := map[string]*entities.Transaction{}
	for _, tx := range h.txs.All() {
		byHash[tx.TransactionHash] = tx
	}
	assert.True(t, byHash["0xok"].Confirmed)
	assert.Equal(t, int64(120), byHash["0xok"].BlockNumber)
	assert.False(t, byHash["0xreverted"].Confirmed)
	assert.Contains(t, string(byHash["0xreverted"].Meta), `"receipt_status":"failed"`)
	assert.False(t, byHash["0xpending"].Confirmed)

	assert.True(t, h.subs.Get(sub.ID).Active, "failed receipts never deactivate")
	assert.Empty(t, h.notifier.Sent())

	remaining, err := h.ledger.Unconfirmed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "0xpending", remaining[0].TransactionHash)
}

func TestSweepConfirmations_SkipsSyntheticAndCardRows(t *testing.T) {
	sub := chainSub("0x00000000000000000000000000000000000000a1", true)
	h := newSweepHarness(t, sub)
	_, _, err := h.ledger.Record(context.Background(), ledger.RecordRequest{
		ServiceID: sub.ID,
		Amount:    decimal.NewFromInt(1),
		Rail:      entities.PaymentServiceCrypto,
	})
	require.NoError(t, err)
	_, _, err = h.ledger.Record(context.Background(), ledger.RecordRequest{
		ServiceID: sub.ID,
		Hash:      "pi_1",
		Amount:    decimal.NewFromInt(1),
		Rail:      entities.PaymentServiceStripe,
	})
	require.NoError(t, err)

	require.NoError(t, h.worker.SweepConfirmations(context.Background()))

	assert.Equal(t, 0, h.receipts.Calls())
}

func TestOnNewBlock_CoalescesWhileRunning(t *testing.T) {
	sub := chainSub("0x00000000000000000000000000000000000000a1", true)
	h := newSweepHarness(t, sub)
	h.deposit(t, sub.ID, "0xok")
	h.receipts.receipts["0xok"] = &chain.Receipt{Status: chain.ReceiptPending}
	h.receipts.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.worker.Start(ctx))

	h.worker.OnNewBlock(ctx, 1)
	// first pass is parked inside Receipt; these collapse into one queued pass
	require.Eventually(t, func() bool { return len(h.worker.trigger) == 0 }, time.Second, 5*time.Millisecond)
	for n := uint64(2); n < 10; n++ {
		h.worker.OnNewBlock(ctx, n)
	}
	assert.Len(t, h.worker.trigger, 1)

	close(h.receipts.block)
	require.Eventually(t, func() bool { return h.receipts.Calls() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.worker.Shutdown(time.Second))
	assert.Equal(t, 2, h.receipts.Calls())
}

func TestRearm_ReplacesScheduleEntry(t *testing.T) {
	h := newSweepHarness(t)
	require.NoError(t, h.worker.Start(context.Background()))
	first := h.worker.entryID

	h.worker.Rearm(context.Background())

	assert.NotEqual(t, first, h.worker.entryID)
	assert.Len(t, h.worker.cron.Entries(), 1)
	require.NoError(t, h.worker.Shutdown(time.Second))
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	h := newSweepHarness(t)
	h.worker.config.BalanceCron = "not a schedule"

	assert.Error(t, h.worker.Start(context.Background()))
}
