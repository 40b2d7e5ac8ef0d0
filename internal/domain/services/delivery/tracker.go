// Package delivery dedupes rail webhook deliveries by event id so a redelivered
// event is processed to completion at most once.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	"github.com/request-gateway/payment_service/internal/domain/repositories"
	"github.com/request-gateway/payment_service/pkg/logger"
)

type Tracker struct {
	repo   repositories.WebhookEventRepository
	logger *logger.Logger
}

func NewTracker(repo repositories.WebhookEventRepository, log *logger.Logger) *Tracker {
	return &Tracker{repo: repo, logger: log}
}

// Begin records the delivery. proceed is false when an earlier delivery of the
// same event already completed; a delivery that failed before is handed out again.
func (t *Tracker) Begin(ctx context.Context, provider entities.PaymentService, eventID, eventType string, payload []byte) (*entities.WebhookEvent, bool, error) {
	event := &entities.WebhookEvent{
		Provider:  provider,
		EventID:   eventID,
		EventType: eventType,
		Payload:   json.RawMessage(payload),
	}
	created, stored, err := t.repo.Record(ctx, event)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record %s delivery %s: %w", provider, eventID, err)
	}
	if !created && stored.IsProcessed() {
		t.logger.Info("Webhook event already processed",
			"provider", provider,
			"event_id", eventID,
			"event_type", eventType)
		return stored, false, nil
	}
	return stored, true, nil
}

// Finish stamps the delivery with its outcome
func (t *Tracker) Finish(ctx context.Context, event *entities.WebhookEvent, processingErr error) {
	if event == nil {
		return
	}
	if err := t.repo.MarkProcessed(context.WithoutCancel(ctx), event.ID, processingErr); err != nil {
		t.logger.Warn("Failed to mark webhook event processed",
			"provider", event.Provider,
			"event_id", event.EventID,
			"error", err)
	}
}
