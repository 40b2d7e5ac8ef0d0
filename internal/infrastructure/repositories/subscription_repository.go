package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
)

const subscriptionColumns = `
	id, active, price, consumer_wallet_address, validator_wallet_address,
	hotkey, payment_service, version, created_at, updated_at`

// SubscriptionRepository implements the subscription store on Postgres
type SubscriptionRepository struct {
	db *sqlx.DB
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *sqlx.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create inserts a new subscription
func (r *SubscriptionRepository) Create(ctx context.Context, sub *entities.Subscription) error {
	now := time.Now().UTC()
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.PaymentService == "" {
		sub.PaymentService = entities.PaymentServiceNone
	}
	sub.UpdatedAt = now

	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.Active,
		sub.Price,
		sub.ConsumerWalletAddress,
		sub.ValidatorWalletAddress,
		sub.Hotkey,
		sub.PaymentService,
		sub.Version,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ConflictError("subscription", "id already registered")
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetByID retrieves a subscription by ID
func (r *SubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	var sub entities.Subscription
	if err := r.db.GetContext(ctx, &sub, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundError("SUBSCRIPTION")
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// SetActive writes the active flag only when it changes. Activation also records the funding rail.
func (r *SubscriptionRepository) SetActive(ctx context.Context, id uuid.UUID, active bool, rail entities.PaymentService) (bool, error) {
	query := `
		UPDATE subscriptions
		SET active = $2,
			payment_service = CASE WHEN $2 THEN $3 ELSE payment_service END,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND active IS DISTINCT FROM $2
	`
	result, err := r.db.ExecContext(ctx, query, id, active, rail)
	if err != nil {
		return false, fmt.Errorf("failed to update subscription active flag: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM subscriptions WHERE id = $1)`, id); err != nil {
			return false, fmt.Errorf("failed to check subscription: %w", err)
		}
		if !exists {
			return false, apperrors.NotFoundError("SUBSCRIPTION")
		}
	}
	return rows > 0, nil
}

// ListChainFunded returns every subscription with a consumer wallet
func (r *SubscriptionRepository) ListChainFunded(ctx context.Context) ([]*entities.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE consumer_wallet_address IS NOT NULL AND consumer_wallet_address <> ''
		ORDER BY created_at`

	var subs []*entities.Subscription
	if err := r.db.SelectContext(ctx, &subs, query); err != nil {
		return nil, fmt.Errorf("failed to list chain funded subscriptions: %w", err)
	}
	return subs, nil
}

// ListActiveChainFunded returns active subscriptions with a consumer wallet
func (r *SubscriptionRepository) ListActiveChainFunded(ctx context.Context) ([]*entities.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE active = TRUE AND consumer_wallet_address IS NOT NULL AND consumer_wallet_address <> ''
		ORDER BY created_at`

	var subs []*entities.Subscription
	if err := r.db.SelectContext(ctx, &subs, query); err != nil {
		return nil, fmt.Errorf("failed to list active chain funded subscriptions: %w", err)
	}
	return subs, nil
}
