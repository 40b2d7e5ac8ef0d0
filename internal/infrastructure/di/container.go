package di

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/request-gateway/payment_service/internal/api/handlers"
	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
	"github.com/request-gateway/payment_service/internal/domain/services/activation"
	"github.com/request-gateway/payment_service/internal/domain/services/altrail"
	"github.com/request-gateway/payment_service/internal/domain/services/cardrail"
	"github.com/request-gateway/payment_service/internal/domain/services/chain"
	"github.com/request-gateway/payment_service/internal/domain/services/delivery"
	"github.com/request-gateway/payment_service/internal/domain/services/funding"
	"github.com/request-gateway/payment_service/internal/domain/services/ledger"
	"github.com/request-gateway/payment_service/internal/domain/services/subscriptions"
	"github.com/request-gateway/payment_service/internal/infrastructure/alerts"
	"github.com/request-gateway/payment_service/internal/infrastructure/cache"
	"github.com/request-gateway/payment_service/internal/infrastructure/config"
	"github.com/request-gateway/payment_service/internal/infrastructure/database"
	"github.com/request-gateway/payment_service/internal/infrastructure/ethereum"
	"github.com/request-gateway/payment_service/internal/infrastructure/paypal"
	"github.com/request-gateway/payment_service/internal/infrastructure/repositories"
	"github.com/request-gateway/payment_service/internal/infrastructure/stripe"
	"github.com/request-gateway/payment_service/internal/infrastructure/validatorapi"
	"github.com/request-gateway/payment_service/internal/workers/reconciliation_sweep"
	"github.com/request-gateway/payment_service/pkg/logger"
)

const lockPrefix = "payment_gateway:subscription:"

// Container holds every wired dependency of the gateway
type Container struct {
	Config *config.Config
	DB     *sqlx.DB
	Logger *logger.Logger

	// Repositories
	SubscriptionRepo *repositories.SubscriptionRepository
	EnrollmentRepo   *repositories.EnrollmentRepository
	TransactionRepo  *repositories.TransactionRepository
	WebhookEventRepo *repositories.WebhookEventRepository

	// Infrastructure
	Redis       cache.RedisClient
	ChainClient *ethereum.Client
	Stripe      *stripe.Client
	PayPal      *paypal.Client
	Notifier    *validatorapi.Notifier

	// Domain services
	Ledger        *ledger.Service
	Evaluator     *funding.Evaluator
	Activation    *activation.Service
	Subscriptions *subscriptions.Service
	Tracker       *delivery.Tracker
	Checkout      *cardrail.Checkout
	CardIngestor  *cardrail.Ingestor
	AltIngestor   *altrail.Ingestor

	// Chain monitoring, nil when no RPC endpoint is configured
	Wallets       *chain.MonitoredWallets
	ChainIngestor *chain.Ingestor
	Sweep         *reconciliation_sweep.Worker
}

// NewContainer wires repositories, rails and workers. A configured chain RPC
// endpoint that cannot be dialed is fatal.
func NewContainer(ctx context.Context, cfg *config.Config, db *sqlx.DB, log *logger.Logger) (*Container, error) {
	zapLog := log.Zap()

	c := &Container{
		Config:           cfg,
		DB:               db,
		Logger:           log,
		SubscriptionRepo: repositories.NewSubscriptionRepository(db),
		EnrollmentRepo:   repositories.NewEnrollmentRepository(db),
		TransactionRepo:  repositories.NewTransactionRepository(db),
		WebhookEventRepo: repositories.NewWebhookEventRepository(db),
	}

	locker, err := c.buildLocker(zapLog)
	if err != nil {
		return nil, err
	}

	var balances funding.BalanceReader = unavailableBalances{}
	var billing chain.Token
	if cfg.Blockchain.RPCURL != "" {
		c.ChainClient, err = ethereum.Dial(ctx, ethereum.Config{
			RPCURL:        cfg.Blockchain.RPCURL,
			RetryAttempts: cfg.Blockchain.RPCRetryAttempts,
			RetryDelay:    cfg.Blockchain.RPCRetryDelay(),
			CallTimeout:   time.Duration(cfg.Blockchain.RPCTimeout) * time.Second,
		}, zapLog)
		if err != nil {
			return nil, err
		}
		tc, ok := cfg.Blockchain.Token(cfg.Blockchain.BillingToken)
		if !ok {
			return nil, fmt.Errorf("billing token %q is not among the monitored contracts", cfg.Blockchain.BillingToken)
		}
		billing = toChainToken(tc)
		balances = chain.NewBalances(c.ChainClient, billing)
	} else {
		log.Warn("Chain RPC url not configured; crypto funding is disabled")
	}

	c.Ledger = ledger.NewService(c.TransactionRepo, ledger.Config{
		IncludeUnconfirmedDeposits: cfg.Funding.IncludeUnconfirmedDeposits,
	}, log)
	c.Evaluator = funding.NewEvaluator(c.Ledger, balances, funding.Config{GracePeriod: cfg.Funding.GracePeriod()})

	c.Notifier = validatorapi.NewNotifier(validatorapi.Config{
		BaseURL:      cfg.Validator.BaseURL,
		SharedSecret: cfg.Validator.SharedSecret,
		ServiceName:  cfg.App.ServiceName,
		Timeout:      time.Duration(cfg.Validator.Timeout) * time.Second,
	}, zapLog)

	c.Activation = activation.NewService(c.SubscriptionRepo, c.Evaluator, c.Notifier, locker, activation.DefaultConfig(), log)
	if cfg.Alerts.SendGridAPIKey != "" && len(cfg.Alerts.Recipients) > 0 {
		c.Activation.WithAlerter(alerts.NewEmailAlerter(zapLog, alerts.Config{
			APIKey:      cfg.Alerts.SendGridAPIKey,
			FromEmail:   cfg.Alerts.FromEmail,
			FromName:    cfg.Alerts.FromName,
			Recipients:  cfg.Alerts.Recipients,
			Environment: cfg.Environment,
		}))
	}
	c.Tracker = delivery.NewTracker(c.WebhookEventRepo, log)

	c.Stripe = stripe.NewClient(stripe.Config{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
	}, zapLog)
	c.Checkout = cardrail.NewCheckout(c.Stripe, c.SubscriptionRepo, c.EnrollmentRepo, cardrail.Config{
		AppIdentifier: cfg.App.Identifier,
		Currency:      cfg.Stripe.Currency,
	}, log)
	c.CardIngestor = cardrail.NewIngestor(c.Stripe, c.SubscriptionRepo, c.EnrollmentRepo, c.Ledger, c.Activation, c.Tracker,
		cardrail.Config{AppIdentifier: cfg.App.Identifier, Currency: cfg.Stripe.Currency}, log)

	c.PayPal = paypal.NewClient(paypal.Config{
		ClientID:       cfg.PayPal.ClientID,
		ClientSecret:   cfg.PayPal.ClientSecret,
		BaseURL:        cfg.PayPal.BaseURL,
		WebhookID:      cfg.PayPal.WebhookID,
		Timeout:        time.Duration(cfg.PayPal.Timeout) * time.Second,
		RequestsPerSec: cfg.PayPal.RequestsPerSec,
	}, zapLog)
	c.AltIngestor = altrail.NewIngestor(c.PayPal, c.SubscriptionRepo, c.EnrollmentRepo, c.Ledger, c.Activation, c.Tracker,
		altrail.Config{AppIdentifier: cfg.App.Identifier, Currency: cfg.PayPal.Currency}, log)

	if c.ChainClient == nil {
		c.Subscriptions = subscriptions.NewService(c.SubscriptionRepo, nil, log)
		return c, nil
	}

	c.Wallets = chain.NewMonitoredWallets(c.SubscriptionRepo, log)
	c.Subscriptions = subscriptions.NewService(c.SubscriptionRepo, c.Wallets, log)

	tokens := make([]chain.Token, 0, len(cfg.Blockchain.Tokens))
	for _, t := range cfg.Blockchain.Tokens {
		tokens = append(tokens, toChainToken(t))
	}
	chainCfg := chain.DefaultConfig()
	chainCfg.Tokens = tokens
	if d := cfg.Blockchain.ReconnectDelayDuration(); d > 0 {
		chainCfg.ReconnectDelay = d
	}
	c.ChainIngestor = chain.NewIngestor(c.ChainClient, c.Wallets, c.Ledger, c.Activation, chainCfg, log)

	sweepCfg := reconciliation_sweep.DefaultConfig()
	if cfg.Sweep.BalanceCron != "" {
		sweepCfg.BalanceCron = cfg.Sweep.BalanceCron
	}
	if cfg.Sweep.ConfirmationBatchSize > 0 {
		sweepCfg.BatchSize = cfg.Sweep.ConfirmationBatchSize
	}
	c.Sweep = reconciliation_sweep.NewWorker(c.SubscriptionRepo, balances, c.Activation, c.Ledger, c.ChainClient, sweepCfg, log)
	c.ChainIngestor.OnNewBlock(c.Sweep.OnNewBlock)
	c.ChainIngestor.OnReconnect(c.Sweep.Rearm)

	return c, nil
}

func (c *Container) buildLocker(zapLog *zap.Logger) (activation.Locker, error) {
	if !c.Config.Redis.Enabled {
		c.Logger.Info("Redis disabled; subscription writes are serialized in-process only")
		return activation.NewKeyedMutex(), nil
	}
	rc, err := cache.NewRedisClient(&c.Config.Redis, zapLog)
	if err != nil {
		return nil, err
	}
	c.Redis = rc
	ttl := time.Duration(c.Config.Redis.LockTTL) * time.Second
	return cache.NewDistributedLock(rc, lockPrefix, ttl, zapLog), nil
}

// LivenessChecks back /health
func (c *Container) LivenessChecks() map[string]handlers.CheckFunc {
	return map[string]handlers.CheckFunc{
		"database": func(ctx context.Context) error { return database.HealthCheck(ctx, c.DB) },
	}
}

// ReadinessChecks back /ready
func (c *Container) ReadinessChecks() map[string]handlers.CheckFunc {
	checks := c.LivenessChecks()
	if c.Redis != nil {
		checks["redis"] = c.Redis.Ping
	}
	if c.Wallets != nil {
		checks["wallets"] = func(ctx context.Context) error {
			if c.Wallets.Read().RefreshedAt.IsZero() {
				return fmt.Errorf("monitored wallets not loaded yet")
			}
			return nil
		}
	}
	return checks
}

func toChainToken(t config.TokenConfig) chain.Token {
	return chain.Token{Symbol: t.Symbol, Address: t.Address, Decimals: t.Decimals}
}

// unavailableBalances stands in for the chain when no RPC endpoint is configured
type unavailableBalances struct{}

func (unavailableBalances) WalletBalance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	return decimal.Zero, apperrors.NotConfiguredError("chain rpc")
}
