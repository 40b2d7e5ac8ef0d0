package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/request-gateway/payment_service/internal/domain/entities"
)

// SubscriptionRepository persists subscriptions
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *entities.Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*entities.Subscription, error)
	// SetActive flips the active flag only when it differs from the stored value.
	// changed is false for a self-transition, which writes nothing.
	SetActive(ctx context.Context, id uuid.UUID, active bool, rail entities.PaymentService) (changed bool, err error)
	ListChainFunded(ctx context.Context) ([]*entities.Subscription, error)
	ListActiveChainFunded(ctx context.Context) ([]*entities.Subscription, error)
}

// EnrollmentRepository persists card-rail enrollments
type EnrollmentRepository interface {
	Upsert(ctx context.Context, enrollment *entities.Enrollment) error
	GetByServiceAndRail(ctx context.Context, serviceID uuid.UUID, rail entities.PaymentService) (*entities.Enrollment, error)
	GetByCustomerID(ctx context.Context, rail entities.PaymentService, customerID string) (*entities.Enrollment, error)
	GetByExternalSubscriptionID(ctx context.Context, rail entities.PaymentService, externalID string) (*entities.Enrollment, error)
	UpdatePeriod(ctx context.Context, id uuid.UUID, periodEnd *time.Time, active bool) error
}

// TransactionRepository is the append-only ledger
type TransactionRepository interface {
	// Create inserts the row unless (service_id, transaction_hash) already exists
	Create(ctx context.Context, tx *entities.Transaction) (inserted bool, err error)
	GetByHash(ctx context.Context, serviceID uuid.UUID, hash string) (*entities.Transaction, error)
	ListByService(ctx context.Context, serviceID uuid.UUID) ([]*entities.Transaction, error)
	ListUnconfirmed(ctx context.Context, rail entities.PaymentService, limit int) ([]*entities.Transaction, error)
	MarkConfirmed(ctx context.Context, id uuid.UUID, blockNumber int64) error
	BackfillMeta(ctx context.Context, id uuid.UUID, meta json.RawMessage) error
	SumDeposits(ctx context.Context, serviceID uuid.UUID, includeUnconfirmed bool) (decimal.Decimal, error)
}

// WebhookEventRepository records rail deliveries for replay detection
type WebhookEventRepository interface {
	// Record stores the event if new. created is false when the event id was seen before;
	// stored is always the persisted row.
	Record(ctx context.Context, event *entities.WebhookEvent) (created bool, stored *entities.WebhookEvent, err error)
	MarkProcessed(ctx context.Context, id uuid.UUID, processingErr error) error
}
