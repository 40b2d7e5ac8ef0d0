package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/request-gateway/payment_service/internal/api/handlers"
	"github.com/request-gateway/payment_service/internal/api/middleware"
	"github.com/request-gateway/payment_service/internal/infrastructure/di"
	"github.com/request-gateway/payment_service/pkg/metrics"
	"github.com/request-gateway/payment_service/pkg/tracing"
)

// SetupRoutes configures all application routes
func SetupRoutes(container *di.Container) *gin.Engine {
	router := gin.New()

	// Global middleware - order matters
	router.Use(tracing.GinMiddleware())
	router.Use(middleware.RequestID())
	router.Use(metrics.GinMiddleware())
	router.Use(middleware.RequestSizeLimit())
	router.Use(middleware.Logger(container.Logger))
	router.Use(middleware.Recovery(container.Logger))
	router.Use(middleware.SecurityHeaders())

	coreHandlers := handlers.NewCoreHandlers(container.LivenessChecks(), container.ReadinessChecks(), container.Logger)
	webhookHandlers := handlers.NewWebhookHandlers(container.CardIngestor, container.AltIngestor, container.Logger)
	checkoutHandlers := handlers.NewCheckoutHandlers(container.Checkout, container.AltIngestor, container.Logger)
	subscriptionHandlers := handlers.NewSubscriptionHandlers(container.Subscriptions, container.Activation, container.Logger)

	router.GET("/health", coreHandlers.Health)
	router.GET("/ready", coreHandlers.Ready)
	router.GET("/metrics", handlers.Metrics())

	// Webhooks bypass the rate limiter
	webhooks := router.Group("/webhooks")
	{
		webhooks.POST("/stripe", webhookHandlers.StripeWebhook)
		webhooks.POST("/paypal", webhookHandlers.PayPalWebhook)
	}

	api := router.Group("/")
	api.Use(middleware.RateLimit(container.Config.Server.RateLimitPerMin))
	{
		api.POST("/payment", checkoutHandlers.Payment)
		api.POST("/stripe-payment-intent", checkoutHandlers.StripePaymentIntent)
		api.POST("/paypal-orders", checkoutHandlers.CreatePayPalOrder)
		api.POST("/paypal-orders/:orderId/capture", checkoutHandlers.CapturePayPalOrder)

		api.POST("/subscriptions", subscriptionHandlers.Create)
		api.GET("/subscriptions/:id/status", subscriptionHandlers.Status)
	}

	return router
}
