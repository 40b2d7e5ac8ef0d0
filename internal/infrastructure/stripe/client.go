// Package stripe adapts stripe-go to the card-rail domain interfaces.
package stripe

import (
	"context"
	"fmt"

	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
	"github.com/request-gateway/payment_service/internal/domain/services/cardrail"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
}

// Client verifies webhooks and calls the Stripe API
type Client struct {
	config Config
	api    *client.API
	logger *zap.Logger
}

var (
	_ cardrail.EventVerifier = (*Client)(nil)
	_ cardrail.Gateway       = (*Client)(nil)
)

func NewClient(config Config, logger *zap.Logger) *Client {
	c := &Client{config: config, logger: logger}
	if config.SecretKey != "" {
		c.api = &client.API{}
		c.api.Init(config.SecretKey, nil)
	} else {
		logger.Warn("Stripe secret key not configured; checkout calls will fail")
	}
	return c
}

// VerifyEvent checks the Stripe-Signature header against the endpoint secret
func (c *Client) VerifyEvent(payload []byte, signatureHeader string) (*cardrail.Event, error) {
	if c.config.WebhookSecret == "" {
		return nil, apperrors.NotConfiguredError("stripe webhook secret")
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, c.config.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, err
	}
	out := &cardrail.Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data != nil {
		out.Object = ev.Data.Raw
	}
	return out, nil
}

func (c *Client) ready() error {
	if c.api == nil {
		return apperrors.NotConfiguredError("stripe secret key")
	}
	return nil
}

func (c *Client) CreateCustomer(ctx context.Context, email, paymentMethodID string, metadata map[string]string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	params := &stripeapi.CustomerParams{
		Email:         stripeapi.String(email),
		PaymentMethod: stripeapi.String(paymentMethodID),
		InvoiceSettings: &stripeapi.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripeapi.String(paymentMethodID),
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	cus, err := c.api.Customers.New(params)
	if err != nil {
		c.logger.Error("Failed to create Stripe customer", zap.Error(err))
		return "", fmt.Errorf("create customer failed: %w", err)
	}
	return cus.ID, nil
}

func (c *Client) CreateSubscription(ctx context.Context, customerID, priceID string, metadata map[string]string) (*cardrail.RemoteSubscription, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	params := &stripeapi.SubscriptionParams{
		Customer: stripeapi.String(customerID),
		Items: []*stripeapi.SubscriptionItemsParams{
			{Price: stripeapi.String(priceID)},
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	sub, err := c.api.Subscriptions.New(params)
	if err != nil {
		c.logger.Error("Failed to create Stripe subscription",
			zap.String("customer", customerID),
			zap.Error(err))
		return nil, fmt.Errorf("create subscription failed: %w", err)
	}
	return &cardrail.RemoteSubscription{
		ID:               sub.ID,
		Status:           string(sub.Status),
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
	}, nil
}

func (c *Client) CreatePaymentIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*cardrail.PaymentIntent, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	params := &stripeapi.PaymentIntentParams{
		Amount:   stripeapi.Int64(amountMinor),
		Currency: stripeapi.String(currency),
		AutomaticPaymentMethods: &stripeapi.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripeapi.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		c.logger.Error("Failed to create Stripe payment intent", zap.Error(err))
		return nil, fmt.Errorf("create payment intent failed: %w", err)
	}
	return &cardrail.PaymentIntent{ID: pi.ID, ClientSecret: pi.ClientSecret, Amount: pi.Amount}, nil
}
