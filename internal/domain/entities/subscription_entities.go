package entities

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentService names the rail that last funded a subscription
type PaymentService string

const (
	PaymentServiceNone   PaymentService = "NONE"
	PaymentServiceStripe PaymentService = "STRIPE"
	PaymentServicePayPal PaymentService = "PAYPAL"
	PaymentServiceCrypto PaymentService = "CRYPTO"
)

// Validate checks if the payment service is known
func (p PaymentService) Validate() error {
	switch p {
	case PaymentServiceNone, PaymentServiceStripe, PaymentServicePayPal, PaymentServiceCrypto:
		return nil
	default:
		return fmt.Errorf("invalid payment service: %s", p)
	}
}

// IsCardRail reports whether the rail delivers events through signed webhooks
func (p PaymentService) IsCardRail() bool {
	return p == PaymentServiceStripe || p == PaymentServicePayPal
}

// Subscription is a consumer's access to a service.
// Active is the only field the activation state machine writes.
type Subscription struct {
	ID                     uuid.UUID       `json:"id" db:"id"`
	Active                 bool            `json:"active" db:"active"`
	Price                  decimal.Decimal `json:"price" db:"price"`
	ConsumerWalletAddress  *string         `json:"consumer_wallet_address,omitempty" db:"consumer_wallet_address"`
	ValidatorWalletAddress *string         `json:"validator_wallet_address,omitempty" db:"validator_wallet_address"`
	Hotkey                 *string         `json:"hotkey,omitempty" db:"hotkey"`
	PaymentService         PaymentService  `json:"payment_service" db:"payment_service"`
	Version                int64           `json:"version" db:"version"`
	CreatedAt              time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at" db:"updated_at"`
}

// IsChainFunded reports whether deposits for this subscription arrive on-chain
func (s *Subscription) IsChainFunded() bool {
	return s.ConsumerWalletAddress != nil && strings.TrimSpace(*s.ConsumerWalletAddress) != ""
}

// ConsumerWallet returns the normalized consumer wallet or an empty string
func (s *Subscription) ConsumerWallet() string {
	if !s.IsChainFunded() {
		return ""
	}
	return NormalizeAddress(*s.ConsumerWalletAddress)
}

// ValidatorWallet returns the normalized validator/escrow wallet or an empty string
func (s *Subscription) ValidatorWallet() string {
	if s.ValidatorWalletAddress == nil {
		return ""
	}
	return NormalizeAddress(*s.ValidatorWalletAddress)
}

// NormalizeAddress lower-cases and trims a hex address so lookups are case-insensitive
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// CreateSubscriptionRequest is the input for registering a new subscription
type CreateSubscriptionRequest struct {
	ID                     *uuid.UUID `json:"id,omitempty"`
	Price                  string     `json:"price" validate:"required,numeric"`
	ConsumerWalletAddress  *string    `json:"consumer_wallet_address,omitempty" validate:"omitempty,eth_addr"`
	ValidatorWalletAddress *string    `json:"validator_wallet_address,omitempty" validate:"omitempty,eth_addr"`
	Hotkey                 *string    `json:"hotkey,omitempty" validate:"omitempty,max=128"`
}

// Enrollment ties a subscription to a customer and recurring plan on a card rail
type Enrollment struct {
	ID                     uuid.UUID      `json:"id" db:"id"`
	ServiceID              uuid.UUID      `json:"service_id" db:"service_id"`
	Rail                   PaymentService `json:"rail" db:"rail"`
	CustomerID             string         `json:"customer_id" db:"customer_id"`
	ExternalSubscriptionID *string        `json:"external_subscription_id,omitempty" db:"external_subscription_id"`
	PlanID                 *string        `json:"plan_id,omitempty" db:"plan_id"`
	Email                  *string        `json:"email,omitempty" db:"email"`
	CurrentPeriodEnd       *time.Time     `json:"current_period_end,omitempty" db:"current_period_end"`
	Active                 bool           `json:"active" db:"active"`
	CreatedAt              time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at" db:"updated_at"`
}

// SubscriptionStatus is the public view returned by the status endpoint
type SubscriptionStatus struct {
	ID             uuid.UUID      `json:"id"`
	Active         bool           `json:"active"`
	PaymentService PaymentService `json:"payment_service"`
	Funding        *FundingView   `json:"funding,omitempty"`
}

// FundingView is a serializable evaluator verdict
type FundingView struct {
	Sufficient    bool   `json:"sufficient"`
	Balance       string `json:"balance"`
	Outstanding   string `json:"outstanding"`
	TotalDue      string `json:"total_due"`
	TotalDeposits string `json:"total_deposits"`
	MonthsElapsed int    `json:"months_elapsed"`
	GracePeriod   bool   `json:"grace_period"`
	Message       string `json:"message"`
}
