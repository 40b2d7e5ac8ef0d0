// Package subscriptions registers new subscriptions. Every subscription starts INACTIVE;
// only the activation service turns it on.
package subscriptions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
	"github.com/request-gateway/payment_service/internal/domain/repositories"
	"github.com/request-gateway/payment_service/pkg/logger"
	"github.com/request-gateway/payment_service/pkg/security"
)

// WalletRefresher reloads the monitored wallet set after a chain-funded registration
type WalletRefresher interface {
	Refresh(ctx context.Context) error
}

type Service struct {
	subs    repositories.SubscriptionRepository
	wallets WalletRefresher
	logger  *logger.Logger
	now     func() time.Time
}

func NewService(subs repositories.SubscriptionRepository, wallets WalletRefresher, log *logger.Logger) *Service {
	return &Service{subs: subs, wallets: wallets, logger: log, now: time.Now}
}

// Register creates an inactive subscription. Price must be a non-negative decimal.
func (s *Service) Register(ctx context.Context, req entities.CreateSubscriptionRequest) (*entities.Subscription, error) {
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		return nil, apperrors.ValidationError("price", "price must be a decimal")
	}
	if price.IsNegative() {
		return nil, apperrors.ValidationError("price", "price must not be negative")
	}

	sub := &entities.Subscription{
		ID:             uuid.New(),
		Active:         false,
		Price:          price,
		Hotkey:         req.Hotkey,
		PaymentService: entities.PaymentServiceNone,
		CreatedAt:      s.now().UTC(),
	}
	if req.ID != nil && *req.ID != uuid.Nil {
		sub.ID = *req.ID
	}
	if req.ConsumerWalletAddress != nil && *req.ConsumerWalletAddress != "" {
		w := entities.NormalizeAddress(*req.ConsumerWalletAddress)
		sub.ConsumerWalletAddress = &w
	}
	if req.ValidatorWalletAddress != nil && *req.ValidatorWalletAddress != "" {
		w := entities.NormalizeAddress(*req.ValidatorWalletAddress)
		sub.ValidatorWalletAddress = &w
	}
	sub.UpdatedAt = sub.CreatedAt

	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to register subscription: %w", err)
	}

	s.logger.Info("Subscription registered",
		"service_id", sub.ID,
		"price", sub.Price.String(),
		"consumer_wallet", security.MaskWallet(sub.ConsumerWallet()),
		"chain_funded", sub.IsChainFunded())

	if sub.IsChainFunded() && s.wallets != nil {
		if err := s.wallets.Refresh(ctx); err != nil {
			// the periodic refresh picks it up
			s.logger.Warn("Failed to refresh monitored wallets", "service_id", sub.ID, "error", err)
		}
	}
	return sub, nil
}
