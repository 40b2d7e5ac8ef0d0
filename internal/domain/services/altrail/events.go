package altrail

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types handled by the ingestor
const (
	EventCaptureCompleted      = "PAYMENT.CAPTURE.COMPLETED"
	EventSaleCompleted         = "PAYMENT.SALE.COMPLETED"
	EventSubscriptionActivated = "BILLING.SUBSCRIPTION.ACTIVATED"
	EventSubscriptionUpdated   = "BILLING.SUBSCRIPTION.UPDATED"
	EventSubscriptionFailed    = "BILLING.SUBSCRIPTION.PAYMENT.FAILED"
	EventSubscriptionCancelled = "BILLING.SUBSCRIPTION.CANCELLED"
	EventSubscriptionSuspended = "BILLING.SUBSCRIPTION.SUSPENDED"
	EventSubscriptionExpired   = "BILLING.SUBSCRIPTION.EXPIRED"
)

const tagSeparator = ":"

// CustomID builds the custom_id PayPal echoes back on every resource
func CustomID(appID string, serviceID uuid.UUID) string {
	return appID + tagSeparator + serviceID.String()
}

// parseCustomID splits "<app>:<service id>". ok is false when either half is missing.
func parseCustomID(v string) (app string, serviceID uuid.UUID, ok bool) {
	i := strings.LastIndex(v, tagSeparator)
	if i <= 0 {
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(v[i+1:])
	if err != nil {
		return v[:i], uuid.Nil, false
	}
	return v[:i], id, true
}

// envelope is the notification wrapper PayPal posts
type envelope struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	Resource     json.RawMessage `json:"resource"`
}

type money struct {
	Value        string `json:"value"`
	CurrencyCode string `json:"currency_code"`
	// sale resources use total/currency
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

func (m *money) decimal() decimal.Decimal {
	v := m.Value
	if v == "" {
		v = m.Total
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (m *money) currency() string {
	if m.CurrencyCode != "" {
		return m.CurrencyCode
	}
	return m.Currency
}

// resource is the union of the capture, sale and subscription fields the rules read
type resource struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CustomID           string `json:"custom_id"`
	Custom             string `json:"custom"`
	BillingAgreementID string `json:"billing_agreement_id"`
	Quantity           string `json:"quantity"`
	Amount             *money `json:"amount"`
	Subscriber         *struct {
		PayerID      string `json:"payer_id"`
		EmailAddress string `json:"email_address"`
	} `json:"subscriber"`
	BillingInfo *struct {
		NextBillingTime string `json:"next_billing_time"`
		LastPayment     *struct {
			Amount *money `json:"amount"`
		} `json:"last_payment"`
	} `json:"billing_info"`
	PlanID string `json:"plan_id"`
}

func (r *resource) tag() string {
	if r.CustomID != "" {
		return r.CustomID
	}
	return r.Custom
}

// subscriptionID is the PayPal billing subscription the resource belongs to
func (r *resource) subscriptionID() string {
	if r.BillingAgreementID != "" {
		return r.BillingAgreementID
	}
	if strings.HasPrefix(r.ID, "I-") {
		return r.ID
	}
	return ""
}

func (r *resource) amount() (decimal.Decimal, string) {
	switch {
	case r.Amount != nil:
		return r.Amount.decimal(), r.Amount.currency()
	case r.BillingInfo != nil && r.BillingInfo.LastPayment != nil && r.BillingInfo.LastPayment.Amount != nil:
		m := r.BillingInfo.LastPayment.Amount
		return m.decimal(), m.currency()
	default:
		return decimal.Zero, ""
	}
}

func (r *resource) periodEnd() *time.Time {
	if r.BillingInfo == nil || r.BillingInfo.NextBillingTime == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, r.BillingInfo.NextBillingTime)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// captureResult is the slice of an order capture response needed to book the payment
type captureResult struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		CustomID string `json:"custom_id"`
		Payments struct {
			Captures []struct {
				ID       string `json:"id"`
				Status   string `json:"status"`
				CustomID string `json:"custom_id"`
				Amount   money  `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}
