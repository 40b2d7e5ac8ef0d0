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

const enrollmentColumns = `
	id, service_id, rail, customer_id, external_subscription_id, plan_id,
	email, current_period_end, active, created_at, updated_at`

// EnrollmentRepository stores card-rail enrollments
type EnrollmentRepository struct {
	db *sqlx.DB
}

func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// Upsert creates the enrollment or replaces the open one for the same service and rail
func (r *EnrollmentRepository) Upsert(ctx context.Context, e *entities.Enrollment) error {
	now := time.Now().UTC()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	query := `
		INSERT INTO enrollments (` + enrollmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (service_id, rail) DO UPDATE SET
			customer_id = EXCLUDED.customer_id,
			external_subscription_id = EXCLUDED.external_subscription_id,
			plan_id = EXCLUDED.plan_id,
			email = EXCLUDED.email,
			current_period_end = EXCLUDED.current_period_end,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`
	row := r.db.QueryRowxContext(ctx, query,
		e.ID, e.ServiceID, e.Rail, e.CustomerID, e.ExternalSubscriptionID, e.PlanID,
		e.Email, e.CurrentPeriodEnd, e.Active, e.CreatedAt, e.UpdatedAt,
	)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return fmt.Errorf("failed to upsert enrollment: %w", err)
	}
	return nil
}

func (r *EnrollmentRepository) GetByServiceAndRail(ctx context.Context, serviceID uuid.UUID, rail entities.PaymentService) (*entities.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE service_id = $1 AND rail = $2`
	return r.getOne(ctx, query, serviceID, rail)
}

func (r *EnrollmentRepository) GetByCustomerID(ctx context.Context, rail entities.PaymentService, customerID string) (*entities.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + `
		FROM enrollments WHERE rail = $1 AND customer_id = $2
		ORDER BY updated_at DESC LIMIT 1`
	return r.getOne(ctx, query, rail, customerID)
}

func (r *EnrollmentRepository) GetByExternalSubscriptionID(ctx context.Context, rail entities.PaymentService, externalID string) (*entities.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE rail = $1 AND external_subscription_id = $2`
	return r.getOne(ctx, query, rail, externalID)
}

// UpdatePeriod moves the paid-through date and the enrollment's own active flag
func (r *EnrollmentRepository) UpdatePeriod(ctx context.Context, id uuid.UUID, periodEnd *time.Time, active bool) error {
	query := `
		UPDATE enrollments
		SET current_period_end = $2, active = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, periodEnd, active)
	if err != nil {
		return fmt.Errorf("failed to update enrollment period: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.NotFoundError("ENROLLMENT")
	}
	return nil
}

func (r *EnrollmentRepository) getOne(ctx context.Context, query string, args ...interface{}) (*entities.Enrollment, error) {
	var e entities.Enrollment
	if err := r.db.GetContext(ctx, &e, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundError("ENROLLMENT")
		}
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	return &e, nil
}
