package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
)

// Error codes as constants for consistent error responses across handlers
const (
	// Validation errors
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeValidationError = "VALIDATION_ERROR"
	ErrCodeInvalidID       = "INVALID_ID"
	ErrCodeInvalidAmount   = "INVALID_AMOUNT"

	// Resource errors
	ErrCodeNotFound = "NOT_FOUND"
	ErrCodeConflict = "CONFLICT"

	// Operation errors
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeNotConfigured      = "NOT_CONFIGURED"

	// Webhook errors
	ErrCodeInvalidSignature = "INVALID_SIGNATURE"
	ErrCodeWebhookFailed    = "WEBHOOK_PROCESSING_ERROR"
)

// Error messages as constants for consistency
const (
	MsgInvalidRequest     = "Invalid request payload"
	MsgInternalError      = "Internal server error"
	MsgServiceUnavailable = "Service temporarily unavailable"
)

// SendBadRequest sends a 400 Bad Request error
func SendBadRequest(c *gin.Context, code, message string, details ...map[string]interface{}) {
	var det map[string]interface{}
	if len(details) > 0 {
		det = details[0]
	}
	c.JSON(http.StatusBadRequest, entities.ErrorResponse{
		Code:    code,
		Message: message,
		Details: det,
	})
}

// SendNotFound sends a 404 Not Found error
func SendNotFound(c *gin.Context, code, message string) {
	c.JSON(http.StatusNotFound, entities.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// SendConflict sends a 409 Conflict error
func SendConflict(c *gin.Context, code, message string) {
	c.JSON(http.StatusConflict, entities.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// SendInternalError sends a 500 Internal Server Error
func SendInternalError(c *gin.Context, code, message string) {
	c.JSON(http.StatusInternalServerError, entities.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// SendServiceUnavailable sends a 503 Service Unavailable error
func SendServiceUnavailable(c *gin.Context, code, message string) {
	c.JSON(http.StatusServiceUnavailable, entities.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// SendSuccess sends a 200 OK response with data
func SendSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// SendCreated sends a 201 Created response with data
func SendCreated(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// SendValidationError sends a validation error with field details
func SendValidationError(c *gin.Context, message string, fieldErrors map[string]string) {
	c.JSON(http.StatusBadRequest, entities.ErrorResponse{
		Code:    ErrCodeValidationError,
		Message: message,
		Details: map[string]interface{}{
			"validation_errors": fieldErrors,
		},
	})
}

// SendDomainError maps a service error onto the matching status code
func SendDomainError(c *gin.Context, err error) {
	var domainErr *apperrors.DomainError
	message := MsgInternalError
	if errors.As(err, &domainErr) && domainErr.Message != "" {
		message = domainErr.Message
	}
	code := apperrors.GetErrorCode(err)

	switch {
	case apperrors.IsInvalidInput(err):
		var details map[string]interface{}
		if domainErr != nil {
			details = domainErr.Details
		}
		SendBadRequest(c, code, message, details)
	case apperrors.IsNotFound(err):
		SendNotFound(c, code, message)
	case apperrors.IsConflict(err), apperrors.IsAlreadyExists(err):
		SendConflict(c, ErrCodeConflict, message)
	case apperrors.IsNotConfigured(err):
		SendServiceUnavailable(c, ErrCodeNotConfigured, message)
	case apperrors.IsServiceUnavailable(err):
		SendServiceUnavailable(c, ErrCodeServiceUnavailable, MsgServiceUnavailable)
	default:
		SendInternalError(c, ErrCodeInternalError, MsgInternalError)
	}
}
