// Package altrail ingests PayPal webhooks and proxies PayPal order checkout.
package altrail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
	"github.com/request-gateway/payment_service/internal/domain/repositories"
	"github.com/request-gateway/payment_service/internal/domain/services/activation"
	"github.com/request-gateway/payment_service/internal/domain/services/delivery"
	"github.com/request-gateway/payment_service/internal/domain/services/ledger"
	"github.com/request-gateway/payment_service/pkg/logger"
	"github.com/request-gateway/payment_service/pkg/metrics"
)

const railLabel = "paypal"

// TransmissionHeaders are the PayPal-Transmission-* headers of a delivery
type TransmissionHeaders struct {
	TransmissionID   string
	TransmissionTime string
	TransmissionSig  string
	CertURL          string
	AuthAlgo         string
}

// FromHTTP reads the transmission headers off a request
func FromHTTP(h http.Header) TransmissionHeaders {
	return TransmissionHeaders{
		TransmissionID:   h.Get("Paypal-Transmission-Id"),
		TransmissionTime: h.Get("Paypal-Transmission-Time"),
		TransmissionSig:  h.Get("Paypal-Transmission-Sig"),
		CertURL:          h.Get("Paypal-Cert-Url"),
		AuthAlgo:         h.Get("Paypal-Auth-Algo"),
	}
}

// OrderRequest describes a one-off order
type OrderRequest struct {
	CustomID string
	Amount   decimal.Decimal
	Currency string
}

// Response is a PayPal API response passed through to the caller
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// Client is the PayPal REST surface
type Client interface {
	// VerifyWebhookSignature asks PayPal whether the delivery is authentic
	VerifyWebhookSignature(ctx context.Context, headers TransmissionHeaders, body []byte) (bool, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*Response, error)
	CaptureOrder(ctx context.Context, orderID string) (*Response, error)
}

// Recorder appends to the ledger
type Recorder interface {
	Record(ctx context.Context, req ledger.RecordRequest) (*entities.Transaction, bool, error)
}

// Activator serializes writers per subscription
type Activator interface {
	WithLock(ctx context.Context, serviceID uuid.UUID, fn func(ctx context.Context, w *activation.Writer) error) error
}

type Config struct {
	AppIdentifier string
	Currency      string
}

// Ingestor applies PayPal deliveries and order captures
type Ingestor struct {
	client      Client
	subs        repositories.SubscriptionRepository
	enrollments repositories.EnrollmentRepository
	ledger      Recorder
	activation  Activator
	tracker     *delivery.Tracker
	config      Config
	rules       []rule
	logger      *logger.Logger
	tracer      trace.Tracer
}

func NewIngestor(
	client Client,
	subs repositories.SubscriptionRepository,
	enrollments repositories.EnrollmentRepository,
	recorder Recorder,
	activator Activator,
	tracker *delivery.Tracker,
	config Config,
	log *logger.Logger,
) *Ingestor {
	if config.Currency == "" {
		config.Currency = "USD"
	}
	in := &Ingestor{
		client:      client,
		subs:        subs,
		enrollments: enrollments,
		ledger:      recorder,
		activation:  activator,
		tracker:     tracker,
		config:      config,
		logger:      log,
		tracer:      otel.Tracer("payment-gateway/altrail"),
	}
	in.rules = in.defaultRules()
	return in
}

type rule struct {
	eventType string
	when      func(r *resource) bool
	apply     func(ctx context.Context, w *activation.Writer, ev *envelope, r *resource, serviceID uuid.UUID) error
}

func (in *Ingestor) defaultRules() []rule {
	completed := func(r *resource) bool { return r.Status == "" || r.Status == "COMPLETED" || r.Status == "completed" }
	return []rule{
		{eventType: EventCaptureCompleted, when: completed, apply: in.onCaptureCompleted},
		{eventType: EventSaleCompleted, when: completed, apply: in.onRecurringPayment},
		{eventType: EventSubscriptionActivated, apply: in.onSubscriptionActivated},
		{eventType: EventSubscriptionFailed, apply: in.onLapsed},
		{eventType: EventSubscriptionCancelled, apply: in.onLapsed},
		{eventType: EventSubscriptionSuspended, apply: in.onLapsed},
		{eventType: EventSubscriptionExpired, apply: in.onLapsed},
		{eventType: EventSubscriptionUpdated, apply: in.onSubscriptionUpdated},
	}
}

// HandleWebhook verifies a delivery with PayPal and applies it.
// Verification transport failures are retryable; a FAILURE verdict is a rejected ack.
func (in *Ingestor) HandleWebhook(ctx context.Context, body []byte, headers TransmissionHeaders) (*entities.WebhookResult, error) {
	ok, err := in.client.VerifyWebhookSignature(ctx, headers, body)
	if err != nil {
		if apperrors.IsNotConfigured(err) {
			return nil, err
		}
		return nil, apperrors.ServiceUnavailableError("paypal verification", err)
	}
	if !ok {
		in.logger.Warn("Rejected PayPal webhook", "transmission_id", headers.TransmissionID)
		metrics.WebhookEventsTotal.WithLabelValues(railLabel, "unknown", string(entities.WebhookOutcomeRejected)).Inc()
		return &entities.WebhookResult{Outcome: entities.WebhookOutcomeRejected, Reason: "signature verification failed"},
			apperrors.SignatureError(railLabel, nil)
	}

	var ev envelope
	if err := json.Unmarshal(body, &ev); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(railLabel, "unknown", string(entities.WebhookOutcomeRejected)).Inc()
		return &entities.WebhookResult{Outcome: entities.WebhookOutcomeRejected, Reason: "unparseable payload"},
			apperrors.SignatureError(railLabel, err)
	}

	ctx, span := in.tracer.Start(ctx, "altrail.HandleWebhook", trace.WithAttributes(
		attribute.String("event_id", ev.ID),
		attribute.String("event_type", ev.EventType),
	))
	defer span.End()

	result, err := in.handle(ctx, &ev, body)
	if err != nil {
		span.RecordError(err)
		metrics.WebhookEventsTotal.WithLabelValues(railLabel, ev.EventType, "error").Inc()
		return nil, err
	}
	metrics.WebhookEventsTotal.WithLabelValues(railLabel, ev.EventType, string(result.Outcome)).Inc()
	return result, nil
}

func (in *Ingestor) handle(ctx context.Context, ev *envelope, body []byte) (*entities.WebhookResult, error) {
	result := &entities.WebhookResult{EventID: ev.ID, EventType: ev.EventType}

	var r resource
	if err := json.Unmarshal(ev.Resource, &r); err != nil {
		result.Outcome = entities.WebhookOutcomeRejected
		result.Reason = "unparseable resource"
		return result, apperrors.SignatureError(railLabel, err)
	}

	app, serviceID, tagged := parseCustomID(r.tag())
	if app != in.config.AppIdentifier {
		in.logger.Info("Ignoring PayPal event for another application",
			"event_id", ev.ID,
			"event_type", ev.EventType,
			"custom_id", r.tag())
		result.Outcome = entities.WebhookOutcomeIgnored
		result.Reason = "application tag mismatch"
		return result, nil
	}

	var matched *rule
	for i := range in.rules {
		rl := &in.rules[i]
		if rl.eventType == ev.EventType && (rl.when == nil || rl.when(&r)) {
			matched = rl
			break
		}
	}
	if matched == nil {
		result.Outcome = entities.WebhookOutcomeIgnored
		result.Reason = "unhandled event type"
		return result, nil
	}

	if !tagged {
		result.Outcome = entities.WebhookOutcomeIgnored
		result.Reason = "no matching subscription"
		return result, nil
	}
	if _, err := in.subs.GetByID(ctx, serviceID); err != nil {
		if apperrors.IsNotFound(err) {
			in.logger.Warn("No subscription for PayPal event", "event_id", ev.ID, "service_id", serviceID)
			result.Outcome = entities.WebhookOutcomeIgnored
			result.Reason = "no matching subscription"
			return result, nil
		}
		return nil, err
	}

	delivered, proceed, err := in.tracker.Begin(ctx, entities.PaymentServicePayPal, ev.ID, ev.EventType, body)
	if err != nil {
		return nil, err
	}
	if !proceed {
		result.Outcome = entities.WebhookOutcomeDuplicate
		return result, nil
	}

	err = in.activation.WithLock(ctx, serviceID, func(ctx context.Context, w *activation.Writer) error {
		return matched.apply(ctx, w, ev, &r, serviceID)
	})
	in.tracker.Finish(ctx, delivered, err)
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s %s: %w", ev.EventType, ev.ID, err)
	}

	in.logger.Info("PayPal event processed",
		"event_id", ev.ID,
		"event_type", ev.EventType,
		"service_id", serviceID)
	result.Outcome = entities.WebhookOutcomeProcessed
	return result, nil
}

func (in *Ingestor) onCaptureCompleted(ctx context.Context, w *activation.Writer, ev *envelope, r *resource, serviceID uuid.UUID) error {
	amount, currency := r.amount()
	return in.bookCapture(ctx, w, serviceID, r.ID, amount, currency, ev.ID)
}

// bookCapture records a one-off payment and notifies, exactly once per capture id
func (in *Ingestor) bookCapture(ctx context.Context, w *activation.Writer, serviceID uuid.UUID, captureID string, amount decimal.Decimal, currency, source string) error {
	tx, inserted, err := in.ledger.Record(ctx, ledger.RecordRequest{
		ServiceID: serviceID,
		Hash:      captureID,
		Amount:    amount,
		Type:      entities.TransactionTypeDeposit,
		Rail:      entities.PaymentServicePayPal,
		Confirmed: true,
		Meta:      map[string]interface{}{"source": source, "currency": currency},
	})
	if err != nil {
		return err
	}
	if inserted {
		w.Notify(ctx, true, activation.Details{Type: railLabel, Transaction: tx.Summary()})
	}
	return nil
}

// onSubscriptionActivated starts the billing period. The first cycle's money
// arrives separately as PAYMENT.SALE.COMPLETED and is booked there.
func (in *Ingestor) onSubscriptionActivated(ctx context.Context, w *activation.Writer, ev *envelope, r *resource, serviceID uuid.UUID) error {
	if err := in.upsertEnrollment(ctx, serviceID, r, true); err != nil {
		return err
	}
	_, err := w.SetActive(ctx, true, entities.PaymentServicePayPal, subscriptionDetails(r, "subscription_activated"))
	return err
}

// onRecurringPayment books each recurring sale under its sale id
func (in *Ingestor) onRecurringPayment(ctx context.Context, w *activation.Writer, ev *envelope, r *resource, serviceID uuid.UUID) error {
	if err := in.upsertEnrollment(ctx, serviceID, r, true); err != nil {
		return err
	}

	details := subscriptionDetails(r, "subscription_paid")
	var inserted bool
	if amount, currency := r.amount(); amount.IsPositive() {
		tx, ok, err := in.ledger.Record(ctx, ledger.RecordRequest{
			ServiceID: serviceID,
			Hash:      r.ID,
			Amount:    amount,
			Type:      entities.TransactionTypeDeposit,
			Rail:      entities.PaymentServicePayPal,
			Confirmed: true,
			Meta:      map[string]interface{}{"event_id": ev.ID, "event_type": ev.EventType, "currency": currency},
		})
		if err != nil {
			return err
		}
		inserted = ok
		if ok {
			details.Transaction = tx.Summary()
		}
	}

	changed, err := w.SetActive(ctx, true, entities.PaymentServicePayPal, details)
	if err != nil {
		return err
	}
	if !changed && inserted {
		w.Notify(ctx, true, details)
	}
	return nil
}

func subscriptionDetails(r *resource, reason string) activation.Details {
	details := activation.Details{Type: railLabel, Reason: reason}
	if q, err := strconv.Atoi(r.Quantity); err == nil && q > 0 {
		details.Quantity = &q
	}
	return details
}

func (in *Ingestor) onLapsed(ctx context.Context, w *activation.Writer, ev *envelope, r *resource, serviceID uuid.UUID) error {
	if err := in.closeEnrollment(ctx, serviceID); err != nil {
		return err
	}
	_, err := w.SetActive(ctx, false, entities.PaymentServiceNone, activation.Details{Type: railLabel, Reason: ev.EventType})
	return err
}

func (in *Ingestor) onSubscriptionUpdated(ctx context.Context, w *activation.Writer, ev *envelope, r *resource, serviceID uuid.UUID) error {
	e, err := in.enrollments.GetByServiceAndRail(ctx, serviceID, entities.PaymentServicePayPal)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	return in.enrollments.UpdatePeriod(ctx, e.ID, r.periodEnd(), e.Active)
}

func (in *Ingestor) upsertEnrollment(ctx context.Context, serviceID uuid.UUID, r *resource, active bool) error {
	e := &entities.Enrollment{
		ServiceID:        serviceID,
		Rail:             entities.PaymentServicePayPal,
		CurrentPeriodEnd: r.periodEnd(),
		Active:           active,
	}
	if existing, err := in.enrollments.GetByServiceAndRail(ctx, serviceID, entities.PaymentServicePayPal); err == nil {
		*e = *existing
		e.Active = active
		if end := r.periodEnd(); end != nil {
			e.CurrentPeriodEnd = end
		}
	} else if !apperrors.IsNotFound(err) {
		return err
	}

	if sid := r.subscriptionID(); sid != "" {
		e.ExternalSubscriptionID = &sid
	}
	if r.PlanID != "" {
		plan := r.PlanID
		e.PlanID = &plan
	}
	if r.Subscriber != nil {
		if r.Subscriber.PayerID != "" {
			e.CustomerID = r.Subscriber.PayerID
		}
		if r.Subscriber.EmailAddress != "" {
			email := r.Subscriber.EmailAddress
			e.Email = &email
		}
	}
	if err := in.enrollments.Upsert(ctx, e); err != nil {
		return fmt.Errorf("failed to store paypal enrollment: %w", err)
	}
	return nil
}

func (in *Ingestor) closeEnrollment(ctx context.Context, serviceID uuid.UUID) error {
	e, err := in.enrollments.GetByServiceAndRail(ctx, serviceID, entities.PaymentServicePayPal)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	return in.enrollments.UpdatePeriod(ctx, e.ID, nil, false)
}

// CreateOrder opens a PayPal order tagged with this application and subscription
func (in *Ingestor) CreateOrder(ctx context.Context, serviceID uuid.UUID, amount decimal.Decimal) (*Response, error) {
	if !amount.IsPositive() {
		return nil, apperrors.ValidationError("amount", "amount must be a positive number")
	}
	if _, err := in.subs.GetByID(ctx, serviceID); err != nil {
		return nil, err
	}
	resp, err := in.client.CreateOrder(ctx, OrderRequest{
		CustomID: CustomID(in.config.AppIdentifier, serviceID),
		Amount:   amount,
		Currency: in.config.Currency,
	})
	if err != nil {
		return nil, err
	}
	in.logger.Info("PayPal order created", "service_id", serviceID, "status_code", resp.StatusCode)
	return resp, nil
}

// CaptureOrder captures the order and books a completed capture the same way a
// PAYMENT.CAPTURE.COMPLETED delivery would. The PayPal response is returned unchanged.
func (in *Ingestor) CaptureOrder(ctx context.Context, orderID string) (*Response, error) {
	resp, err := in.client.CaptureOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, nil
	}

	var result captureResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		in.logger.Warn("Unreadable PayPal capture response", "order_id", orderID, "error", err)
		return resp, nil
	}
	if result.Status != "COMPLETED" {
		return resp, nil
	}

	for _, unit := range result.PurchaseUnits {
		for _, c := range unit.Payments.Captures {
			if c.Status != "" && c.Status != "COMPLETED" {
				continue
			}
			tag := c.CustomID
			if tag == "" {
				tag = unit.CustomID
			}
			app, serviceID, ok := parseCustomID(tag)
			if !ok || app != in.config.AppIdentifier {
				in.logger.Warn("Capture is not tagged for this application", "order_id", orderID, "capture_id", c.ID)
				continue
			}
			amount := c.Amount.decimal()
			currency := c.Amount.currency()
			captureID := c.ID
			err := in.activation.WithLock(ctx, serviceID, func(ctx context.Context, w *activation.Writer) error {
				return in.bookCapture(ctx, w, serviceID, captureID, amount, currency, "order_capture")
			})
			if err != nil {
				// the PAYMENT.CAPTURE.COMPLETED webhook books it on redelivery
				in.logger.Error("Failed to book PayPal capture",
					"order_id", orderID,
					"capture_id", c.ID,
					"service_id", serviceID,
					"error", err)
			}
		}
	}
	return resp, nil
}
