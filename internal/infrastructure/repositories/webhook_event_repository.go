package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/request-gateway/payment_service/internal/domain/entities"
)

// WebhookEventRepository keeps one row per rail delivery id
type WebhookEventRepository struct {
	db *sqlx.DB
}

func NewWebhookEventRepository(db *sqlx.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Record inserts the event or returns the previously stored row for the same provider and event id
func (r *WebhookEventRepository) Record(ctx context.Context, event *entities.WebhookEvent) (bool, *entities.WebhookEvent, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	payload := event.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage(`{}`)
	}

	insert := `
		INSERT INTO webhook_events (id, provider, event_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, event_id) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, insert,
		event.ID, event.Provider, event.EventID, event.EventType, []byte(payload), event.CreatedAt)
	if err != nil {
		return false, nil, fmt.Errorf("failed to record webhook event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return true, event, nil
	}

	var stored entities.WebhookEvent
	query := `
		SELECT id, provider, event_id, event_type, payload, processed_at, processing_error, created_at
		FROM webhook_events
		WHERE provider = $1 AND event_id = $2
	`
	if err := r.db.GetContext(ctx, &stored, query, event.Provider, event.EventID); err != nil {
		return false, nil, fmt.Errorf("failed to load webhook event: %w", err)
	}
	return false, &stored, nil
}

// MarkProcessed stamps the delivery. A non-nil processingErr is stored so the next redelivery runs again.
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, id uuid.UUID, processingErr error) error {
	var msg *string
	if processingErr != nil {
		s := processingErr.Error()
		msg = &s
	}
	query := `
		UPDATE webhook_events
		SET processed_at = NOW(), processing_error = $2
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, msg); err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return nil
}
