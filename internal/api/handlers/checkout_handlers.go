package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
	"github.com/request-gateway/payment_service/internal/domain/services/altrail"
	"github.com/request-gateway/payment_service/internal/domain/services/cardrail"
	"github.com/request-gateway/payment_service/pkg/logger"
)

// CardCheckout starts card-rail payments
type CardCheckout interface {
	Enroll(ctx context.Context, req cardrail.EnrollRequest) (*cardrail.EnrollResponse, error)
	CreatePaymentIntent(ctx context.Context, req cardrail.PaymentIntentRequest) (*cardrail.PaymentIntentResponse, error)
}

// OrderService opens and captures PayPal orders
type OrderService interface {
	CreateOrder(ctx context.Context, serviceID uuid.UUID, amount decimal.Decimal) (*altrail.Response, error)
	CaptureOrder(ctx context.Context, orderID string) (*altrail.Response, error)
}

// PayPalOrderRequest is the body of POST /paypal-orders
type PayPalOrderRequest struct {
	ServiceID uuid.UUID `json:"service_id" validate:"required"`
	Amount    string    `json:"amount" validate:"required,numeric"`
}

// CheckoutHandlers serves the client-facing payment endpoints
type CheckoutHandlers struct {
	cards     CardCheckout
	orders    OrderService
	validator *validator.Validate
	logger    *logger.Logger
}

func NewCheckoutHandlers(cards CardCheckout, orders OrderService, logger *logger.Logger) *CheckoutHandlers {
	return &CheckoutHandlers{
		cards:     cards,
		orders:    orders,
		validator: validator.New(),
		logger:    logger,
	}
}

// Payment handles POST /payment. Errors use the flat {error} body the checkout client expects.
func (h *CheckoutHandlers) Payment(c *gin.Context) {
	var req cardrail.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": MsgInvalidRequest})
		return
	}
	if err := h.validator.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validationMessage(err)})
		return
	}

	resp, err := h.cards.Enroll(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("Stripe enrollment failed",
			"service_id", req.ServiceID,
			"error", err)
		c.JSON(statusFor(err), gin.H{"error": messageFor(err)})
		return
	}

	SendSuccess(c, resp)
}

// StripePaymentIntent handles POST /stripe-payment-intent
func (h *CheckoutHandlers) StripePaymentIntent(c *gin.Context) {
	var req cardrail.PaymentIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, MsgInvalidRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	if err := h.validator.Struct(req); err != nil {
		SendValidationError(c, "Validation failed", fieldErrors(err))
		return
	}

	resp, err := h.cards.CreatePaymentIntent(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("Failed to create payment intent",
			"service_id", req.ServiceID,
			"error", err)
		SendDomainError(c, err)
		return
	}

	SendSuccess(c, gin.H{"data": resp})
}

// CreatePayPalOrder handles POST /paypal-orders. PayPal's status and body pass through.
func (h *CheckoutHandlers) CreatePayPalOrder(c *gin.Context) {
	var req PayPalOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, MsgInvalidRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	if err := h.validator.Struct(req); err != nil {
		SendValidationError(c, "Validation failed", fieldErrors(err))
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		SendBadRequest(c, ErrCodeInvalidAmount, "amount must be a decimal")
		return
	}

	resp, err := h.orders.CreateOrder(c.Request.Context(), req.ServiceID, amount)
	if err != nil {
		h.logger.Error("Failed to create PayPal order",
			"service_id", req.ServiceID,
			"error", err)
		SendDomainError(c, err)
		return
	}

	c.Data(resp.StatusCode, "application/json", resp.Body)
}

// CapturePayPalOrder handles POST /paypal-orders/:orderId/capture
func (h *CheckoutHandlers) CapturePayPalOrder(c *gin.Context) {
	orderID := strings.TrimSpace(c.Param("orderId"))
	if orderID == "" {
		SendBadRequest(c, ErrCodeInvalidID, "order id is required")
		return
	}

	resp, err := h.orders.CaptureOrder(c.Request.Context(), orderID)
	if err != nil {
		h.logger.Error("Failed to capture PayPal order",
			"order_id", orderID,
			"error", err)
		SendDomainError(c, err)
		return
	}

	c.Data(resp.StatusCode, "application/json", resp.Body)
}

func statusFor(err error) int {
	switch {
	case apperrors.IsInvalidInput(err):
		return http.StatusBadRequest
	case apperrors.IsNotFound(err):
		return http.StatusNotFound
	case apperrors.IsServiceUnavailable(err), apperrors.IsNotConfigured(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(err error) string {
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) && domainErr.Message != "" {
		return domainErr.Message
	}
	return MsgInternalError
}

func fieldErrors(err error) map[string]string {
	out := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			out[fe.Field()] = fe.Tag()
		}
		return out
	}
	out["request"] = err.Error()
	return out
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Field() + " is invalid (" + verrs[0].Tag() + ")"
	}
	return err.Error()
}
