package cardrail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
	"github.com/request-gateway/payment_service/internal/domain/repositories"
	"github.com/request-gateway/payment_service/pkg/logger"
	"github.com/request-gateway/payment_service/pkg/security"
)

// Gateway is the Stripe API surface used by checkout
type Gateway interface {
	CreateCustomer(ctx context.Context, email, paymentMethodID string, metadata map[string]string) (string, error)
	CreateSubscription(ctx context.Context, customerID, priceID string, metadata map[string]string) (*RemoteSubscription, error)
	CreatePaymentIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*PaymentIntent, error)
}

// RemoteSubscription is the part of a Stripe subscription checkout needs
type RemoteSubscription struct {
	ID               string
	Status           string
	CurrentPeriodEnd int64
}

// IsLive reports whether Stripe already bills the subscription
func (s *RemoteSubscription) IsLive() bool {
	return s.Status == "active" || s.Status == "trialing"
}

type PaymentIntent struct {
	ID           string
	ClientSecret string
	Amount       int64
}

// EnrollRequest is the body of POST /payment
type EnrollRequest struct {
	ServiceID       uuid.UUID `json:"service_id" validate:"required"`
	Email           string    `json:"email" validate:"required,email"`
	PaymentMethodID string    `json:"payment_method_id" validate:"required"`
	PriceID         string    `json:"price_id" validate:"required"`
}

type EnrollResponse struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Active bool   `json:"active"`
}

// PaymentIntentRequest is the body of POST /stripe-payment-intent
type PaymentIntentRequest struct {
	ServiceID uuid.UUID `json:"service_id" validate:"required"`
	Amount    string    `json:"amount" validate:"required,numeric"`
}

type PaymentIntentResponse struct {
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
}

// Checkout creates Stripe customers, subscriptions and one-off payment intents
type Checkout struct {
	gateway     Gateway
	subs        repositories.SubscriptionRepository
	enrollments repositories.EnrollmentRepository
	config      Config
	logger      *logger.Logger
}

func NewCheckout(gateway Gateway, subs repositories.SubscriptionRepository, enrollments repositories.EnrollmentRepository, config Config, log *logger.Logger) *Checkout {
	if config.Currency == "" {
		config.Currency = "usd"
	}
	return &Checkout{
		gateway:     gateway,
		subs:        subs,
		enrollments: enrollments,
		config:      config,
		logger:      log,
	}
}

func (c *Checkout) metadata(serviceID uuid.UUID) map[string]string {
	return map[string]string{
		MetadataAppID:     c.config.AppIdentifier,
		MetadataServiceID: serviceID.String(),
	}
}

// Enroll creates the Stripe customer and subscription and stores the enrollment.
// Activation waits for the invoice.payment_succeeded webhook.
func (c *Checkout) Enroll(ctx context.Context, req EnrollRequest) (*EnrollResponse, error) {
	if _, err := c.subs.GetByID(ctx, req.ServiceID); err != nil {
		return nil, err
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	meta := c.metadata(req.ServiceID)

	customerID, err := c.gateway.CreateCustomer(ctx, email, req.PaymentMethodID, meta)
	if err != nil {
		return nil, apperrors.ServiceUnavailableError("stripe", err)
	}
	remote, err := c.gateway.CreateSubscription(ctx, customerID, req.PriceID, meta)
	if err != nil {
		return nil, apperrors.ServiceUnavailableError("stripe", err)
	}

	externalID := remote.ID
	priceID := req.PriceID
	enrollment := &entities.Enrollment{
		ServiceID:              req.ServiceID,
		Rail:                   entities.PaymentServiceStripe,
		CustomerID:             customerID,
		ExternalSubscriptionID: &externalID,
		PlanID:                 &priceID,
		Email:                  &email,
		Active:                 false,
	}
	if remote.CurrentPeriodEnd > 0 {
		end := time.Unix(remote.CurrentPeriodEnd, 0).UTC()
		enrollment.CurrentPeriodEnd = &end
	}
	if err := c.enrollments.Upsert(ctx, enrollment); err != nil {
		return nil, fmt.Errorf("failed to store enrollment: %w", err)
	}

	c.logger.Info("Stripe enrollment created",
		"service_id", req.ServiceID,
		"customer_id", customerID,
		"email", security.MaskEmail(email),
		"subscription_id", remote.ID,
		"status", remote.Status)

	return &EnrollResponse{ID: remote.ID, Email: email, Active: remote.IsLive()}, nil
}

// CreatePaymentIntent starts a one-off card payment tagged for this application
func (c *Checkout) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntentResponse, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, apperrors.ValidationError("amount", "amount must be a positive number")
	}
	if _, err := c.subs.GetByID(ctx, req.ServiceID); err != nil {
		return nil, err
	}

	minor := amount.Shift(2).Round(0).IntPart()
	intent, err := c.gateway.CreatePaymentIntent(ctx, minor, c.config.Currency, c.metadata(req.ServiceID))
	if err != nil {
		return nil, apperrors.ServiceUnavailableError("stripe", err)
	}

	c.logger.Info("Stripe payment intent created",
		"service_id", req.ServiceID,
		"payment_intent_id", intent.ID,
		"amount", intent.Amount)
	return &PaymentIntentResponse{ClientSecret: intent.ClientSecret, Amount: intent.Amount}, nil
}
