package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
	"github.com/request-gateway/payment_service/internal/infrastructure/database"
)

// openTestDB connects to TEST_DATABASE_URL and applies the migrations.
// Without it the Postgres tests are skipped.
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping Postgres test in short mode")
	}
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sqlx.Connect("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.RunMigrations(db, "../../../migrations"))
	return db
}

func createSubscription(t *testing.T, repo *SubscriptionRepository, active bool) *entities.Subscription {
	t.Helper()
	wallet := fmt.Sprintf("0x%040x", uuid.New().ID())
	sub := &entities.Subscription{
		Active:                active,
		Price:                 decimal.NewFromInt(10),
		ConsumerWalletAddress: &wallet,
	}
	require.NoError(t, repo.Create(context.Background(), sub))
	return sub
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: pqUniqueViolation})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("connection refused")))
}

func TestSubscriptionRepository_SetActiveOnlyOnChange(t *testing.T) {
	db := openTestDB(t)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()
	sub := createSubscription(t, repo, false)

	changed, err := repo.SetActive(ctx, sub.ID, true, entities.PaymentServiceCrypto)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.SetActive(ctx, sub.ID, true, entities.PaymentServiceStripe)
	require.NoError(t, err)
	assert.False(t, changed, "a self-transition writes nothing")

	stored, err := repo.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active)
	assert.Equal(t, entities.PaymentServiceCrypto, stored.PaymentService)
	assert.Equal(t, int64(1), stored.Version)

	changed, err = repo.SetActive(ctx, sub.ID, false, entities.PaymentServiceNone)
	require.NoError(t, err)
	assert.True(t, changed)
	stored, err = repo.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.Equal(t, entities.PaymentServiceCrypto, stored.PaymentService, "deactivation keeps the last rail")

	_, err = repo.SetActive(ctx, uuid.New(), true, entities.PaymentServiceStripe)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSubscriptionRepository_ListActiveChainFunded(t *testing.T) {
	db := openTestDB(t)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()
	active := createSubscription(t, repo, true)
	inactive := createSubscription(t, repo, false)

	subs, err := repo.ListActiveChainFunded(ctx)
	require.NoError(t, err)

	ids := make(map[uuid.UUID]bool, len(subs))
	for _, s := range subs {
		ids[s.ID] = true
	}
	assert.True(t, ids[active.ID])
	assert.False(t, ids[inactive.ID])

	err = repo.Create(ctx, &entities.Subscription{ID: active.ID, Price: decimal.NewFromInt(1)})
	assert.True(t, apperrors.IsConflict(err))
}

func TestTransactionRepository_CreateIsIdempotentPerService(t *testing.T) {
	db := openTestDB(t)
	subs := NewSubscriptionRepository(db)
	repo := NewTransactionRepository(db)
	ctx := context.Background()
	sub := createSubscription(t, subs, false)
	other := createSubscription(t, subs, false)

	row := func(serviceID uuid.UUID, amount int64) *entities.Transaction {
		return &entities.Transaction{
			ServiceID:       serviceID,
			TransactionHash: "0xsame",
			Amount:          decimal.NewFromInt(amount),
			TransactionType: entities.TransactionTypeDeposit,
			BlockNumber:     entities.UnknownBlockNumber,
			Rail:            entities.PaymentServiceCrypto,
		}
	}

	inserted, err := repo.Create(ctx, row(sub.ID, 5))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Create(ctx, row(sub.ID, 99))
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = repo.Create(ctx, row(other.ID, 7))
	require.NoError(t, err)
	assert.True(t, inserted)

	stored, err := repo.GetByHash(ctx, sub.ID, "0xsame")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(5).Equal(stored.Amount))
}

func TestTransactionRepository_SumDepositsAndUnconfirmed(t *testing.T) {
	db := openTestDB(t)
	subs := NewSubscriptionRepository(db)
	repo := NewTransactionRepository(db)
	ctx := context.Background()
	sub := createSubscription(t, subs, true)

	add := func(hash string, amount int64, typ entities.TransactionType, confirmed bool) *entities.Transaction {
		tx := &entities.Transaction{
			ServiceID:       sub.ID,
			TransactionHash: hash,
			Amount:          decimal.NewFromInt(amount),
			TransactionType: typ,
			Confirmed:       confirmed,
			BlockNumber:     entities.UnknownBlockNumber,
			Rail:            entities.PaymentServiceCrypto,
		}
		_, err := repo.Create(ctx, tx)
		require.NoError(t, err)
		return tx
	}
	add("0xconfirmed", 10, entities.TransactionTypeDeposit, true)
	pending := add("0xpending", 4, entities.TransactionTypeDeposit, false)
	reverted := add("0xreverted", 6, entities.TransactionTypeDeposit, false)
	add("0xout", 3, entities.TransactionTypeWithdrawal, true)

	require.NoError(t, repo.BackfillMeta(ctx, reverted.ID, json.RawMessage(`{"receipt_status":"failed"}`)))

	confirmedOnly, err := repo.SumDeposits(ctx, sub.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "10", confirmedOnly.String())

	all, err := repo.SumDeposits(ctx, sub.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "14", all.String(), "failed receipts and withdrawals are excluded")

	unconfirmed, err := repo.ListUnconfirmed(ctx, entities.PaymentServiceCrypto, 1000)
	require.NoError(t, err)
	hashes := map[string]bool{}
	for _, tx := range unconfirmed {
		if tx.ServiceID == sub.ID {
			hashes[tx.TransactionHash] = true
		}
	}
	assert.Equal(t, map[string]bool{"0xpending": true}, hashes)

	require.NoError(t, repo.MarkConfirmed(ctx, pending.ID, 1234))
	stored, err := repo.GetByHash(ctx, sub.ID, "0xpending")
	require.NoError(t, err)
	assert.True(t, stored.Confirmed)
	assert.Equal(t, int64(1234), stored.BlockNumber)
}

func TestWebhookEventRepository_RecordReturnsStoredRow(t *testing.T) {
	db := openTestDB(t)
	repo := NewWebhookEventRepository(db)
	ctx := context.Background()
	eventID := "evt_" + uuid.NewString()

	created, first, err := repo.Record(ctx, &entities.WebhookEvent{
		Provider:  entities.PaymentServiceStripe,
		EventID:   eventID,
		EventType: "invoice.payment_succeeded",
		Payload:   json.RawMessage(`{"id":"x"}`),
	})
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, repo.MarkProcessed(ctx, first.ID, errors.New("db down")))

	created, again, err := repo.Record(ctx, &entities.WebhookEvent{
		Provider:  entities.PaymentServiceStripe,
		EventID:   eventID,
		EventType: "invoice.payment_succeeded",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	require.NotNil(t, again.ProcessingError)
	assert.Equal(t, "db down", *again.ProcessingError)
}
