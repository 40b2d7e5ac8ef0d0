// Package activation owns the INACTIVE/ACTIVE state machine of a subscription and
// the outbound status notification that follows every transition.
package activation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	"github.com/request-gateway/payment_service/internal/domain/repositories"
	"github.com/request-gateway/payment_service/internal/domain/services/funding"
	"github.com/request-gateway/payment_service/pkg/logger"
	"github.com/request-gateway/payment_service/pkg/metrics"
)

// Notifier delivers a status change to the validator API
type Notifier interface {
	Notify(ctx context.Context, n entities.StatusNotification) error
}

// Alerter pages operators when a notification could not be delivered
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// Evaluator produces funding verdicts
type Evaluator interface {
	Evaluate(ctx context.Context, sub *entities.Subscription) (*funding.Verdict, error)
}

// Details rides along with a notification
type Details struct {
	Type        string
	Transaction *entities.TransactionSummary
	Quantity    *int
	Reason      string
}

type Config struct {
	LockTimeout   time.Duration
	NotifyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		LockTimeout:   15 * time.Second,
		NotifyTimeout: 10 * time.Second,
	}
}

// Service applies transitions under a per-subscription lock
type Service struct {
	subs      repositories.SubscriptionRepository
	evaluator Evaluator
	notifier  Notifier
	alerter   Alerter
	locker    Locker
	config    Config
	logger    *logger.Logger
	tracer    trace.Tracer
}

func NewService(
	subs repositories.SubscriptionRepository,
	evaluator Evaluator,
	notifier Notifier,
	locker Locker,
	config Config,
	log *logger.Logger,
) *Service {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &Service{
		subs:      subs,
		evaluator: evaluator,
		notifier:  notifier,
		locker:    locker,
		config:    config,
		logger:    log,
		tracer:    otel.Tracer("payment-gateway/activation"),
	}
}

// WithAlerter sets where failed notifications are reported
func (s *Service) WithAlerter(a Alerter) *Service {
	s.alerter = a
	return s
}

// Writer is handed to code running inside WithLock. Its methods assume the lock is held.
type Writer struct {
	s         *Service
	serviceID uuid.UUID
}

// WithLock runs fn as the only writer of serviceID
func (s *Service) WithLock(ctx context.Context, serviceID uuid.UUID, fn func(ctx context.Context, w *Writer) error) error {
	lockCtx := ctx
	if s.config.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.config.LockTimeout)
		defer cancel()
	}
	unlock, err := s.locker.Lock(lockCtx, serviceID.String())
	if err != nil {
		return fmt.Errorf("failed to lock subscription %s: %w", serviceID, err)
	}
	defer unlock()

	return fn(ctx, &Writer{s: s, serviceID: serviceID})
}

// Activate sets the subscription ACTIVE and notifies if it was INACTIVE
func (s *Service) Activate(ctx context.Context, serviceID uuid.UUID, rail entities.PaymentService, d Details) (bool, error) {
	var changed bool
	err := s.WithLock(ctx, serviceID, func(ctx context.Context, w *Writer) error {
		var err error
		changed, err = w.SetActive(ctx, true, rail, d)
		return err
	})
	return changed, err
}

// Deactivate sets the subscription INACTIVE and notifies if it was ACTIVE
func (s *Service) Deactivate(ctx context.Context, serviceID uuid.UUID, d Details) (bool, error) {
	var changed bool
	err := s.WithLock(ctx, serviceID, func(ctx context.Context, w *Writer) error {
		var err error
		changed, err = w.SetActive(ctx, false, entities.PaymentServiceNone, d)
		return err
	})
	return changed, err
}

// Reconcile evaluates funding and applies the verdict
func (s *Service) Reconcile(ctx context.Context, serviceID uuid.UUID, rail entities.PaymentService) (*funding.Verdict, error) {
	var verdict *funding.Verdict
	err := s.WithLock(ctx, serviceID, func(ctx context.Context, w *Writer) error {
		var err error
		verdict, err = w.Reconcile(ctx, rail)
		return err
	})
	return verdict, err
}

// Status loads the subscription with a fresh verdict. Nothing is written.
func (s *Service) Status(ctx context.Context, serviceID uuid.UUID) (*entities.Subscription, *funding.Verdict, error) {
	sub, err := s.subs.GetByID(ctx, serviceID)
	if err != nil {
		return nil, nil, err
	}
	verdict, err := s.evaluator.Evaluate(ctx, sub)
	if err != nil {
		return sub, nil, err
	}
	return sub, verdict, nil
}

// Subscription loads the locked subscription
func (w *Writer) Subscription(ctx context.Context) (*entities.Subscription, error) {
	return w.s.subs.GetByID(ctx, w.serviceID)
}

// SetActive writes the flag. Self-transitions write nothing and send nothing.
func (w *Writer) SetActive(ctx context.Context, active bool, rail entities.PaymentService, d Details) (bool, error) {
	ctx, span := w.s.tracer.Start(ctx, "activation.SetActive", trace.WithAttributes(
		attribute.String("service_id", w.serviceID.String()),
		attribute.Bool("active", active),
	))
	defer span.End()

	changed, err := w.s.subs.SetActive(ctx, w.serviceID, active, rail)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to set subscription %s active=%t: %w", w.serviceID, active, err)
	}
	span.SetAttributes(attribute.Bool("changed", changed))
	if !changed {
		return false, nil
	}

	to := "inactive"
	if active {
		to = "active"
	}
	metrics.ActivationTransitionsTotal.WithLabelValues(to, reasonLabel(d.Reason)).Inc()
	w.s.logger.Info("Subscription transitioned",
		"service_id", w.serviceID,
		"active", active,
		"rail", rail,
		"reason", d.Reason)

	w.Notify(ctx, active, d)
	return true, nil
}

// Reconcile applies a funding verdict: sufficient activates, insufficient after grace deactivates
func (w *Writer) Reconcile(ctx context.Context, rail entities.PaymentService) (*funding.Verdict, error) {
	sub, err := w.Subscription(ctx)
	if err != nil {
		return nil, err
	}

	verdict, err := w.s.evaluator.Evaluate(ctx, sub)
	if err != nil {
		return nil, err
	}
	if verdict == nil {
		w.s.logger.Debug("Subscription not evaluable", "service_id", w.serviceID)
		return nil, nil
	}

	switch {
	case verdict.Sufficient && !sub.Active:
		_, err = w.SetActive(ctx, true, rail, Details{Type: "funding", Reason: "funded"})
	case !verdict.Sufficient && !verdict.GracePeriod && sub.Active:
		_, err = w.SetActive(ctx, false, entities.PaymentServiceNone, Details{Type: "funding", Reason: "grace_expired"})
	default:
		w.s.logger.Debug("Funding verdict requires no transition",
			"service_id", w.serviceID,
			"sufficient", verdict.Sufficient,
			"grace_period", verdict.GracePeriod,
			"active", sub.Active)
	}
	return verdict, err
}

// Notify sends a status notification without touching local state.
// Failures are logged and alerted, never returned.
func (w *Writer) Notify(ctx context.Context, active bool, d Details) {
	w.s.notify(ctx, entities.StatusNotification{
		SubscriptionID: w.serviceID,
		Active:         active,
		Type:           d.Type,
		Transaction:    d.Transaction,
		Quantity:       d.Quantity,
	})
}

func (s *Service) notify(ctx context.Context, n entities.StatusNotification) {
	if s.notifier == nil {
		return
	}
	if s.config.NotifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.NotifyTimeout)
		defer cancel()
	}

	if err := s.notifier.Notify(ctx, n); err != nil {
		metrics.StatusNotificationsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("Failed to notify validator of status change",
			"service_id", n.SubscriptionID,
			"active", n.Active,
			"error", err)
		if s.alerter != nil {
			body := fmt.Sprintf("Subscription %s changed to active=%t but the validator was not notified: %v",
				n.SubscriptionID, n.Active, err)
			if alertErr := s.alerter.Alert(context.WithoutCancel(ctx), "Status notification failed", body); alertErr != nil {
				s.logger.Warn("Failed to send operator alert", "error", alertErr)
			}
		}
		return
	}
	metrics.StatusNotificationsTotal.WithLabelValues("delivered").Inc()
}

func reasonLabel(reason string) string {
	if reason == "" {
		return "unspecified"
	}
	return reason
}
