package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
	"github.com/request-gateway/payment_service/internal/domain/services/altrail"
	"github.com/request-gateway/payment_service/pkg/logger"
)

const stripeSignatureHeader = "Stripe-Signature"

// CardWebhookIngestor consumes signed Stripe deliveries
type CardWebhookIngestor interface {
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*entities.WebhookResult, error)
}

// AltWebhookIngestor consumes PayPal deliveries
type AltWebhookIngestor interface {
	HandleWebhook(ctx context.Context, body []byte, headers altrail.TransmissionHeaders) (*entities.WebhookResult, error)
}

// WebhookHandlers turns ingestor outcomes into the status codes the rails act on:
// 2xx stops redelivery, 400 rejects for good, 5xx asks for a retry.
type WebhookHandlers struct {
	stripe CardWebhookIngestor
	paypal AltWebhookIngestor
	logger *logger.Logger
}

func NewWebhookHandlers(stripe CardWebhookIngestor, paypal AltWebhookIngestor, logger *logger.Logger) *WebhookHandlers {
	return &WebhookHandlers{stripe: stripe, paypal: paypal, logger: logger}
}

// StripeWebhook handles POST /webhooks/stripe
func (h *WebhookHandlers) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, "Failed to read request body")
		return
	}

	result, err := h.stripe.HandleWebhook(c.Request.Context(), payload, c.GetHeader(stripeSignatureHeader))
	h.respond(c, "stripe", result, err)
}

// PayPalWebhook handles POST /webhooks/paypal
func (h *WebhookHandlers) PayPalWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, "Failed to read request body")
		return
	}

	result, err := h.paypal.HandleWebhook(c.Request.Context(), body, altrail.FromHTTP(c.Request.Header))
	h.respond(c, "paypal", result, err)
}

func (h *WebhookHandlers) respond(c *gin.Context, provider string, result *entities.WebhookResult, err error) {
	if err == nil {
		SendSuccess(c, result)
		return
	}

	switch {
	case apperrors.IsSignatureInvalid(err):
		h.logger.Warn("Webhook rejected",
			"provider", provider,
			"request_id", c.GetString("request_id"),
			"error", err)
		c.JSON(http.StatusBadRequest, entities.ErrorResponse{
			Code:    ErrCodeInvalidSignature,
			Message: "Webhook signature verification failed",
		})
	case apperrors.IsNotConfigured(err):
		h.logger.Error("Webhook received but rail is not configured", "provider", provider)
		SendServiceUnavailable(c, ErrCodeNotConfigured, "Webhook verification is not configured")
	case apperrors.IsServiceUnavailable(err):
		h.logger.Warn("Webhook verification unavailable", "provider", provider, "error", err)
		SendServiceUnavailable(c, ErrCodeServiceUnavailable, MsgServiceUnavailable)
	default:
		h.logger.Error("Webhook processing failed",
			"provider", provider,
			"request_id", c.GetString("request_id"),
			"error", err)
		SendInternalError(c, ErrCodeWebhookFailed, "Webhook processing failed")
	}
}
