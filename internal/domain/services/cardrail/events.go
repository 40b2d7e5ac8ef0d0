package cardrail

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Metadata keys written on every Stripe object this gateway creates
const (
	MetadataAppID     = "app_id"
	MetadataServiceID = "service_id"
)

// Event types handled by the ingestor
const (
	EventChargeSucceeded         = "charge.succeeded"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventSubscriptionUpdated     = "customer.subscription.updated"
)

// Event is a verified webhook delivery. Object is the raw data.object payload.
type Event struct {
	ID     string
	Type   string
	Object json.RawMessage
}

// expandable accepts both an id string and an expanded object carrying an id
type expandable string

func (e *expandable) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandable(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type lineItem struct {
	Quantity int `json:"quantity"`
	Period   struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
}

// object is the union of the charge, invoice and subscription fields the rules read
type object struct {
	ID            string            `json:"id"`
	Object        string            `json:"object"`
	Status        string            `json:"status"`
	Amount        int64             `json:"amount"`
	AmountPaid    int64             `json:"amount_paid"`
	Currency      string            `json:"currency"`
	Paid          bool              `json:"paid"`
	Customer      expandable        `json:"customer"`
	Subscription  expandable        `json:"subscription"`
	PaymentIntent expandable        `json:"payment_intent"`
	Charge        expandable        `json:"charge"`
	Metadata      map[string]string `json:"metadata"`

	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`

	CurrentPeriodEnd int64 `json:"current_period_end"`
	Quantity         int   `json:"quantity"`
	Lines            struct {
		Data []lineItem `json:"data"`
	} `json:"lines"`
}

func decodeObject(raw json.RawMessage) (*object, error) {
	var o object
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// meta looks a key up on the object, then on the parent subscription details of an invoice
func (o *object) meta(key string) string {
	if v := strings.TrimSpace(o.Metadata[key]); v != "" {
		return v
	}
	if o.SubscriptionDetails != nil {
		return strings.TrimSpace(o.SubscriptionDetails.Metadata[key])
	}
	return ""
}

func (o *object) appTag() string {
	return o.meta(MetadataAppID)
}

func (o *object) serviceID() (uuid.UUID, bool) {
	id, err := uuid.Parse(o.meta(MetadataServiceID))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// externalSubscriptionID is the Stripe subscription id the object belongs to
func (o *object) externalSubscriptionID() string {
	if o.Object == "subscription" {
		return o.ID
	}
	return string(o.Subscription)
}

// minorToMajor converts minor units to a decimal in the currency's major unit
func minorToMajor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// depositHash picks the most stable Stripe identifier for an invoice payment
func (o *object) depositHash() string {
	switch {
	case o.PaymentIntent != "":
		return string(o.PaymentIntent)
	case o.Charge != "":
		return string(o.Charge)
	default:
		return o.ID
	}
}

// chargeHash keys a charge on its payment intent when it has one, matching the
// invoice for the same payment
func (o *object) chargeHash() string {
	if o.PaymentIntent != "" {
		return string(o.PaymentIntent)
	}
	return o.ID
}

// periodEnd reads the billing period end from a subscription or the first invoice line
func (o *object) periodEnd() *time.Time {
	var end int64
	switch {
	case o.CurrentPeriodEnd > 0:
		end = o.CurrentPeriodEnd
	case len(o.Lines.Data) > 0:
		end = o.Lines.Data[0].Period.End
	}
	if end <= 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}

func (o *object) quantity() *int {
	q := o.Quantity
	if q == 0 && len(o.Lines.Data) > 0 {
		q = o.Lines.Data[0].Quantity
	}
	if q <= 0 {
		return nil
	}
	return &q
}
