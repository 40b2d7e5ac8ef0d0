// Package cardrail ingests Stripe webhooks and drives Stripe checkout.
package cardrail

import (
	"context"
	"errors"
	"fmt"
	"time"

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

const railLabel = "stripe"

// EventVerifier authenticates a raw delivery against the endpoint secret
type EventVerifier interface {
	VerifyEvent(payload []byte, signatureHeader string) (*Event, error)
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
	// AppIdentifier must match the app_id metadata of every event acted on
	AppIdentifier string
	Currency      string
}

// Ingestor turns verified Stripe events into ledger rows and activation transitions
type Ingestor struct {
	verifier    EventVerifier
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
	verifier EventVerifier,
	subs repositories.SubscriptionRepository,
	enrollments repositories.EnrollmentRepository,
	recorder Recorder,
	activator Activator,
	tracker *delivery.Tracker,
	config Config,
	log *logger.Logger,
) *Ingestor {
	in := &Ingestor{
		verifier:    verifier,
		subs:        subs,
		enrollments: enrollments,
		ledger:      recorder,
		activation:  activator,
		tracker:     tracker,
		config:      config,
		logger:      log,
		tracer:      otel.Tracer("payment-gateway/cardrail"),
	}
	in.rules = in.defaultRules()
	return in
}

// target is the subscription an event resolved to
type target struct {
	serviceID  uuid.UUID
	enrollment *entities.Enrollment
}

// rule matches an event type plus an optional predicate on the object
type rule struct {
	eventType string
	when      func(o *object) bool
	apply     func(ctx context.Context, w *activation.Writer, ev *Event, o *object, t target) error
}

func (r rule) matches(eventType string, o *object) bool {
	return r.eventType == eventType && (r.when == nil || r.when(o))
}

// defaultRules is evaluated top-down; the first match handles the event
func (in *Ingestor) defaultRules() []rule {
	return []rule{
		{eventType: EventChargeSucceeded, apply: in.onChargeSucceeded},
		{eventType: EventInvoicePaymentSucceeded, when: func(o *object) bool { return o.Paid }, apply: in.onInvoicePaid},
		{eventType: EventInvoicePaymentFailed, apply: in.onLapsed},
		{eventType: EventSubscriptionDeleted, apply: in.onLapsed},
		{eventType: EventSubscriptionUpdated, apply: in.onSubscriptionUpdated},
	}
}

// HandleWebhook verifies and applies one delivery. A non-nil error together with a
// rejected result means the payload is permanently invalid; any other error asks the
// rail to redeliver.
func (in *Ingestor) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*entities.WebhookResult, error) {
	ev, err := in.verifier.VerifyEvent(payload, signatureHeader)
	if err != nil {
		if apperrors.IsNotConfigured(err) {
			return nil, err
		}
		in.logger.Warn("Rejected Stripe webhook", "error", err)
		metrics.WebhookEventsTotal.WithLabelValues(railLabel, "unknown", string(entities.WebhookOutcomeRejected)).Inc()
		return &entities.WebhookResult{Outcome: entities.WebhookOutcomeRejected, Reason: "signature verification failed"},
			apperrors.SignatureError(railLabel, err)
	}

	ctx, span := in.tracer.Start(ctx, "cardrail.HandleWebhook", trace.WithAttributes(
		attribute.String("event_id", ev.ID),
		attribute.String("event_type", ev.Type),
	))
	defer span.End()

	result, err := in.handle(ctx, ev, payload)
	if err != nil {
		span.RecordError(err)
		metrics.WebhookEventsTotal.WithLabelValues(railLabel, ev.Type, "error").Inc()
		return nil, err
	}
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	metrics.WebhookEventsTotal.WithLabelValues(railLabel, ev.Type, string(result.Outcome)).Inc()
	return result, nil
}

func (in *Ingestor) handle(ctx context.Context, ev *Event, payload []byte) (*entities.WebhookResult, error) {
	result := &entities.WebhookResult{EventID: ev.ID, EventType: ev.Type}

	o, err := decodeObject(ev.Object)
	if err != nil {
		in.logger.Warn("Unparseable Stripe event object", "event_id", ev.ID, "error", err)
		result.Outcome = entities.WebhookOutcomeRejected
		result.Reason = "unparseable event object"
		return result, apperrors.SignatureError(railLabel, err)
	}

	if tag := o.appTag(); tag != in.config.AppIdentifier {
		in.logger.Info("Ignoring Stripe event for another application",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"app_id", tag)
		result.Outcome = entities.WebhookOutcomeIgnored
		result.Reason = "application tag mismatch"
		return result, nil
	}

	var matched *rule
	for i := range in.rules {
		if in.rules[i].matches(ev.Type, o) {
			matched = &in.rules[i]
			break
		}
	}
	if matched == nil {
		in.logger.Debug("Unhandled Stripe event", "event_id", ev.ID, "event_type", ev.Type)
		result.Outcome = entities.WebhookOutcomeIgnored
		result.Reason = "unhandled event type"
		return result, nil
	}

	t, err := in.resolve(ctx, o)
	if err != nil {
		return nil, err
	}
	if t == nil {
		in.logger.Warn("No subscription for Stripe event",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"customer", o.Customer,
			"subscription", o.externalSubscriptionID())
		result.Outcome = entities.WebhookOutcomeIgnored
		result.Reason = "no matching subscription"
		return result, nil
	}

	delivered, proceed, err := in.tracker.Begin(ctx, entities.PaymentServiceStripe, ev.ID, ev.Type, payload)
	if err != nil {
		return nil, err
	}
	if !proceed {
		result.Outcome = entities.WebhookOutcomeDuplicate
		return result, nil
	}

	err = in.activation.WithLock(ctx, t.serviceID, func(ctx context.Context, w *activation.Writer) error {
		return matched.apply(ctx, w, ev, o, *t)
	})
	in.tracker.Finish(ctx, delivered, err)
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s %s: %w", ev.Type, ev.ID, err)
	}

	in.logger.Info("Stripe event processed",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"service_id", t.serviceID)
	result.Outcome = entities.WebhookOutcomeProcessed
	return result, nil
}

// resolve finds the subscription from metadata, then from the enrollment tables.
// A nil target without error means nothing in this deployment owns the object.
func (in *Ingestor) resolve(ctx context.Context, o *object) (*target, error) {
	var t target

	if ext := o.externalSubscriptionID(); ext != "" {
		e, err := in.enrollments.GetByExternalSubscriptionID(ctx, entities.PaymentServiceStripe, ext)
		if err != nil && !apperrors.IsNotFound(err) {
			return nil, err
		}
		t.enrollment = e
	}
	if t.enrollment == nil && o.Customer != "" {
		e, err := in.enrollments.GetByCustomerID(ctx, entities.PaymentServiceStripe, string(o.Customer))
		if err != nil && !apperrors.IsNotFound(err) {
			return nil, err
		}
		t.enrollment = e
	}

	if id, ok := o.serviceID(); ok {
		t.serviceID = id
	} else if t.enrollment != nil {
		t.serviceID = t.enrollment.ServiceID
	} else {
		return nil, nil
	}
	if t.enrollment != nil && t.enrollment.ServiceID != t.serviceID {
		t.enrollment = nil
	}

	if _, err := in.subs.GetByID(ctx, t.serviceID); err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// onChargeSucceeded funds the ledger and tells the validator. The active flag is
// left to enrollment events.
func (in *Ingestor) onChargeSucceeded(ctx context.Context, w *activation.Writer, ev *Event, o *object, t target) error {
	tx, inserted, err := in.recordDeposit(ctx, t.serviceID, o.chargeHash(), minorToMajor(o.Amount), o, ev)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	w.Notify(ctx, true, activation.Details{Type: railLabel, Transaction: tx.Summary()})
	return nil
}

func (in *Ingestor) onInvoicePaid(ctx context.Context, w *activation.Writer, ev *Event, o *object, t target) error {
	if t.enrollment != nil {
		if err := in.enrollments.UpdatePeriod(ctx, t.enrollment.ID, o.periodEnd(), true); err != nil {
			return fmt.Errorf("failed to extend enrollment: %w", err)
		}
	}

	tx, inserted, err := in.recordDeposit(ctx, t.serviceID, o.depositHash(), minorToMajor(o.AmountPaid), o, ev)
	if err != nil {
		return err
	}

	details := activation.Details{Type: railLabel, Quantity: o.quantity(), Reason: "invoice_paid"}
	if inserted {
		details.Transaction = tx.Summary()
	}
	changed, err := w.SetActive(ctx, true, entities.PaymentServiceStripe, details)
	if err != nil {
		return err
	}
	if !changed && inserted {
		w.Notify(ctx, true, details)
	}
	return nil
}

func (in *Ingestor) onLapsed(ctx context.Context, w *activation.Writer, ev *Event, o *object, t target) error {
	if t.enrollment != nil {
		if err := in.enrollments.UpdatePeriod(ctx, t.enrollment.ID, nil, false); err != nil {
			return fmt.Errorf("failed to close enrollment: %w", err)
		}
	}
	_, err := w.SetActive(ctx, false, entities.PaymentServiceNone, activation.Details{Type: railLabel, Reason: ev.Type})
	return err
}

func (in *Ingestor) onSubscriptionUpdated(ctx context.Context, w *activation.Writer, ev *Event, o *object, t target) error {
	if t.enrollment == nil {
		in.logger.Debug("No enrollment to update", "event_id", ev.ID, "service_id", t.serviceID)
		return nil
	}
	return in.enrollments.UpdatePeriod(ctx, t.enrollment.ID, o.periodEnd(), t.enrollment.Active)
}

func (in *Ingestor) recordDeposit(ctx context.Context, serviceID uuid.UUID, hash string, amount decimal.Decimal, o *object, ev *Event) (*entities.Transaction, bool, error) {
	if hash == "" {
		return nil, false, errors.New("stripe object carries no identifier")
	}
	tx, inserted, err := in.ledger.Record(ctx, ledger.RecordRequest{
		ServiceID: serviceID,
		Hash:      hash,
		From:      string(o.Customer),
		Amount:    amount,
		Type:      entities.TransactionTypeDeposit,
		Rail:      entities.PaymentServiceStripe,
		Confirmed: true,
		Meta: map[string]interface{}{
			"event_id":   ev.ID,
			"event_type": ev.Type,
			"currency":   o.Currency,
			"recorded":   time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, false, err
	}
	return tx, inserted, nil
}
