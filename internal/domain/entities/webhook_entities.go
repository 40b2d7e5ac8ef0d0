package entities

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookEvent is one delivery from a payment rail, keyed by the rail's event id
type WebhookEvent struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Provider        PaymentService  `json:"provider" db:"provider"`
	EventID         string          `json:"event_id" db:"event_id"`
	EventType       string          `json:"event_type" db:"event_type"`
	Payload         json.RawMessage `json:"payload" db:"payload"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
	ProcessingError *string         `json:"processing_error,omitempty" db:"processing_error"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// IsProcessed reports whether a previous delivery completed successfully
func (e *WebhookEvent) IsProcessed() bool {
	return e.ProcessedAt != nil && e.ProcessingError == nil
}

// WebhookOutcome is how an ingestor disposed of a delivery
type WebhookOutcome string

const (
	WebhookOutcomeProcessed WebhookOutcome = "processed"
	WebhookOutcomeIgnored   WebhookOutcome = "ignored"
	WebhookOutcomeDuplicate WebhookOutcome = "duplicate"
	WebhookOutcomeRejected  WebhookOutcome = "rejected"
)

// WebhookResult is returned to the HTTP layer for every acknowledged delivery
type WebhookResult struct {
	Outcome   WebhookOutcome `json:"outcome"`
	EventID   string         `json:"event_id,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// StatusNotification is the body sent to the validator's status endpoint
type StatusNotification struct {
	SubscriptionID uuid.UUID           `json:"subscriptionId"`
	Active         bool                `json:"active"`
	Type           string              `json:"type,omitempty"`
	Transaction    *TransactionSummary `json:"transaction,omitempty"`
	Quantity       *int                `json:"quantity,omitempty"`
}

// ErrorResponse is the JSON error envelope used by every handler
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
