package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	"github.com/request-gateway/payment_service/internal/domain/services/funding"
	"github.com/request-gateway/payment_service/pkg/logger"
)

// SubscriptionRegistrar creates subscriptions
type SubscriptionRegistrar interface {
	Register(ctx context.Context, req entities.CreateSubscriptionRequest) (*entities.Subscription, error)
}

// StatusReader loads a subscription with a fresh funding verdict
type StatusReader interface {
	Status(ctx context.Context, serviceID uuid.UUID) (*entities.Subscription, *funding.Verdict, error)
}

type SubscriptionHandlers struct {
	registrar SubscriptionRegistrar
	status    StatusReader
	validator *validator.Validate
	logger    *logger.Logger
}

func NewSubscriptionHandlers(registrar SubscriptionRegistrar, status StatusReader, logger *logger.Logger) *SubscriptionHandlers {
	return &SubscriptionHandlers{
		registrar: registrar,
		status:    status,
		validator: validator.New(),
		logger:    logger,
	}
}

// Create handles POST /subscriptions
func (h *SubscriptionHandlers) Create(c *gin.Context) {
	var req entities.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, MsgInvalidRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	if err := h.validator.Struct(req); err != nil {
		SendValidationError(c, "Validation failed", fieldErrors(err))
		return
	}

	sub, err := h.registrar.Register(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("Failed to register subscription", "error", err)
		SendDomainError(c, err)
		return
	}

	SendCreated(c, sub)
}

// Status handles GET /subscriptions/:id/status
func (h *SubscriptionHandlers) Status(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		SendBadRequest(c, ErrCodeInvalidID, "Invalid subscription id")
		return
	}

	sub, verdict, err := h.status.Status(c.Request.Context(), id)
	if err != nil && sub == nil {
		SendDomainError(c, err)
		return
	}
	if err != nil {
		// flag is still authoritative without a verdict
		h.logger.Warn("Funding evaluation failed", "service_id", id, "error", err)
	}

	SendSuccess(c, entities.SubscriptionStatus{
		ID:             sub.ID,
		Active:         sub.Active,
		PaymentService: sub.PaymentService,
		Funding:        verdict.View(),
	})
}
