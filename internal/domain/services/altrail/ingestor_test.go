package altrail

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
	"github.com/request-gateway/payment_service/internal/domain/services/activation"
	"github.com/request-gateway/payment_service/internal/domain/services/delivery"
	"github.com/request-gateway/payment_service/internal/domain/services/funding"
	"github.com/request-gateway/payment_service/internal/domain/services/ledger"
	"github.com/request-gateway/payment_service/internal/testutil"
	"github.com/request-gateway/payment_service/pkg/logger"
)

const appID = "gateway-test"

type fakeClient struct {
	verified  bool
	verifyErr error
	orders    []OrderRequest
	capture   *Response
}

func (c *fakeClient) VerifyWebhookSignature(ctx context.Context, h TransmissionHeaders, body []byte) (bool, error) {
	return c.verified, c.verifyErr
}

func (c *fakeClient) CreateOrder(ctx context.Context, req OrderRequest) (*Response, error) {
	c.orders = append(c.orders, req)
	return &Response{StatusCode: http.StatusCreated, Body: json.RawMessage(`{"id":"ORDER-1","status":"CREATED"}`)}, nil
}

func (c *fakeClient) CaptureOrder(ctx context.Context, orderID string) (*Response, error) {
	return c.capture, nil
}

type harness struct {
	client      *fakeClient
	subs        *testutil.SubscriptionStore
	enrollments *testutil.EnrollmentStore
	txs         *testutil.TransactionStore
	notifier    *testutil.RecordingNotifier
	ingestor    *Ingestor
	sub         *entities.Subscription
}

func newHarness(t *testing.T, active bool) *harness {
	t.Helper()
	log := logger.NewLogger(zap.NewNop())
	sub := &entities.Subscription{ID: uuid.New(), Active: active, Price: decimal.NewFromInt(20), CreatedAt: time.Now()}
	h := &harness{
		client:      &fakeClient{verified: true},
		subs:        testutil.NewSubscriptionStore(sub),
		enrollments: testutil.NewEnrollmentStore(),
		txs:         testutil.NewTransactionStore(),
		notifier:    &testutil.RecordingNotifier{},
		sub:         sub,
	}
	led := ledger.NewService(h.txs, ledger.DefaultConfig(), log)
	act := activation.NewService(h.subs, funding.NewEvaluator(led, testutil.NewBalances(), funding.DefaultConfig()),
		h.notifier, nil, activation.DefaultConfig(), log)
	h.ingestor = NewIngestor(h.client, h.subs, h.enrollments, led, act,
		delivery.NewTracker(testutil.NewWebhookEventStore(), log), Config{AppIdentifier: appID}, log)
	return h
}

func notification(t *testing.T, id, typ string, res map[string]interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{"id": id, "event_type": typ, "resource": res})
	require.NoError(t, err)
	return b
}

func (h *harness) captureResource(tag string) map[string]interface{} {
	return map[string]interface{}{
		"id":        "CAP-1",
		"status":    "COMPLETED",
		"custom_id": tag,
		"amount":    map[string]string{"value": "15.00", "currency_code": "USD"},
	}
}

func TestParseCustomID(t *testing.T) {
	id := uuid.New()
	app, got, ok := parseCustomID(CustomID("my:app", id))
	assert.True(t, ok)
	assert.Equal(t, "my:app", app)
	assert.Equal(t, id, got)

	_, _, ok = parseCustomID("no-separator")
	assert.False(t, ok)
	_, _, ok = parseCustomID("app:not-a-uuid")
	assert.False(t, ok)
}

func TestHandleWebhook_CaptureCompletedRecordsDepositOnce(t *testing.T) {
	h := newHarness(t, false)
	body := notification(t, "WH-1", EventCaptureCompleted, h.captureResource(CustomID(appID, h.sub.ID)))

	res, err := h.ingestor.HandleWebhook(context.Background(), body, TransmissionHeaders{})
	require.NoError(t, err)
	assert.Equal(t, entities.WebhookOutcomeProcessed, res.Outcome)

	res, err = h.ingestor.HandleWebhook(context.Background(), body, TransmissionHeaders{})
	require.NoError(t, err)
	assert.Equal(t, entities.WebhookOutcomeDuplicate, res.Outcome)

	rows := h.txs.All()
	require.Len(t, rows, 1)
	assert.Equal(t, "CAP-1", rows[0].TransactionHash)
	assert.True(t, decimal.NewFromInt(15).Equal(rows[0].Amount))
	assert.Equal(t, entities.PaymentServicePayPal, rows[0].Rail)
	require.Len(t, h.notifier.Sent(), 1)
	assert.True(t, h.notifier.Sent()[0].Active)
}

func TestHandleWebhook_FailedVerificationIsRejected(t *testing.T) {
	h := newHarness(t, false)
	h.client.verified = false

	res, err := h.ingestor.HandleWebhook(context.Background(), notification(t, "WH-1", EventCaptureCompleted, h.captureResource(CustomID(appID, h.sub.ID))), TransmissionHeaders{})

	assert.True(t, apperrors.IsSignatureInvalid(err))
	assert.Equal(t, entities.WebhookOutcomeRejected, res.Outcome)
	assert.Empty(t, h.txs.All())
}

func TestHandleWebhook_VerificationOutageIsRetryable(t *testing.T) {
	h := newHarness(t, false)
	h.client.verifyErr = errors.New("dial tcp: i/o timeout")

	res, err := h.ingestor.HandleWebhook(context.Background(), []byte(`{}`), TransmissionHeaders{})

	assert.Nil(t, res)
	assert.True(t, apperrors.ShouldRetry(err))
}

func TestHandleWebhook_ForeignTagIsIgnored(t *testing.T) {
	h := newHarness(t, false)

	res, err := h.ingestor.HandleWebhook(context.Background(), notification(t, "WH-1", EventCaptureCompleted, h.captureResource(CustomID("other", h.sub.ID))), TransmissionHeaders{})

	require.NoError(t, err)
	assert.Equal(t, entities.WebhookOutcomeIgnored, res.Outcome)
	assert.Empty(t, h.txs.All())
	assert.Empty(t, h.notifier.Sent())
}

func TestHandleWebhook_SubscriptionLifecycle(t *testing.T) {
	h := newHarness(t, false)
	tag := CustomID(appID, h.sub.ID)
	activated := map[string]interface{}{
		"id":        "I-SUB1",
		"status":    "ACTIVE",
		"custom_id": tag,
		"plan_id":   "P-1",
		"quantity":  "3",
		"subscriber": map[string]string{
			"payer_id":      "PAYER1",
			"email_address": "payer@example.com",
		},
		"billing_info": map[string]interface{}{
			"next_billing_time": "2024-07-01T10:00:00Z",
			"last_payment":      map[string]interface{}{"amount": map[string]string{"value": "20.00", "currency_code": "USD"}},
		},
	}

	_, err := h.ingestor.HandleWebhook(context.Background(), notification(t, "WH-1", EventSubscriptionActivated, activated), TransmissionHeaders{})
	require.NoError(t, err)

	assert.True(t, h.subs.Get(h.sub.ID).Active)
	e, err := h.enrollments.GetByExternalSubscriptionID(context.Background(), entities.PaymentServicePayPal, "I-SUB1")
	require.NoError(t, err)
	assert.Equal(t, "PAYER1", e.CustomerID)
	assert.True(t, e.Active)
	require.NotNil(t, e.CurrentPeriodEnd)
	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Quantity)
	assert.Equal(t, 3, *sent[0].Quantity)

	cancelled := map[string]interface{}{"id": "I-SUB1", "status": "CANCELLED", "custom_id": tag}
	_, err = h.ingestor.HandleWebhook(context.Background(), notification(t, "WH-2", EventSubscriptionCancelled, cancelled), TransmissionHeaders{})
	require.NoError(t, err)

	assert.False(t, h.subs.Get(h.sub.ID).Active)
	e, _ = h.enrollments.GetByServiceAndRail(context.Background(), h.sub.ID, entities.PaymentServicePayPal)
	assert.False(t, e.Active)
	assert.Nil(t, e.CurrentPeriodEnd)
	sent = h.notifier.Sent()
	require.Len(t, sent, 2)
	assert.False(t, sent[1].Active)
}

func TestHandleWebhook_ActivationAndFirstSaleBookOnePayment(t *testing.T) {
	h := newHarness(t, false)
	tag := CustomID(appID, h.sub.ID)
	activated := map[string]interface{}{
		"id":        "I-SUB1",
		"status":    "ACTIVE",
		"custom_id": tag,
		"billing_info": map[string]interface{}{
			"last_payment": map[string]interface{}{"amount": map[string]string{"value": "20.00", "currency_code": "USD"}},
		},
	}
	sale := map[string]interface{}{
		"id":                   "SALE-1",
		"state":                "completed",
		"billing_agreement_id": "I-SUB1",
		"custom":               tag,
		"amount":               map[string]string{"total": "20.00", "currency": "USD"},
	}

	_, err := h.ingestor.HandleWebhook(context.Background(), notification(t, "WH-A", EventSubscriptionActivated, activated), TransmissionHeaders{})
	require.NoError(t, err)
	assert.True(t, h.subs.Get(h.sub.ID).Active)
	assert.Empty(t, h.txs.All(), "activation books no money")

	_, err = h.ingestor.HandleWebhook(context.Background(), notification(t, "WH-B", EventSaleCompleted, sale), TransmissionHeaders{})
	require.NoError(t, err)

	rows := h.txs.All()
	require.Len(t, rows, 1)
	assert.Equal(t, "SALE-1", rows[0].TransactionHash)
	assert.True(t, decimal.NewFromInt(20).Equal(rows[0].Amount))

	withTransaction := 0
	for _, n := range h.notifier.Sent() {
		assert.True(t, n.Active)
		if n.Transaction != nil {
			withTransaction++
		}
	}
	assert.Equal(t, 1, withTransaction)
}

func TestCreateOrder_TagsCustomID(t *testing.T) {
	h := newHarness(t, false)

	resp, err := h.ingestor.CreateOrder(context.Background(), h.sub.ID, decimal.RequireFromString("12.50"))

	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, h.client.orders, 1)
	assert.Equal(t, CustomID(appID, h.sub.ID), h.client.orders[0].CustomID)
	assert.Equal(t, "USD", h.client.orders[0].Currency)
}

func TestCreateOrder_UnknownSubscription(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.ingestor.CreateOrder(context.Background(), uuid.New(), decimal.NewFromInt(5))

	assert.True(t, apperrors.IsNotFound(err))
	assert.Empty(t, h.client.orders)
}

func TestCaptureOrder_BooksCompletedCapture(t *testing.T) {
	h := newHarness(t, false)
	body, err := json.Marshal(map[string]interface{}{
		"id":     "ORDER-1",
		"status": "COMPLETED",
		"purchase_units": []map[string]interface{}{{
			"payments": map[string]interface{}{
				"captures": []map[string]interface{}{{
					"id":        "CAP-9",
					"status":    "COMPLETED",
					"custom_id": CustomID(appID, h.sub.ID),
					"amount":    map[string]string{"value": "12.50", "currency_code": "USD"},
				}},
			},
		}},
	})
	require.NoError(t, err)
	h.client.capture = &Response{StatusCode: http.StatusCreated, Body: body}

	resp, err := h.ingestor.CaptureOrder(context.Background(), "ORDER-1")

	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, string(body), string(resp.Body))
	rows := h.txs.All()
	require.Len(t, rows, 1)
	assert.Equal(t, "CAP-9", rows[0].TransactionHash)
	require.Len(t, h.notifier.Sent(), 1)

	webhook := notification(t, "WH-9", EventCaptureCompleted, map[string]interface{}{
		"id":        "CAP-9",
		"status":    "COMPLETED",
		"custom_id": CustomID(appID, h.sub.ID),
		"amount":    map[string]string{"value": "12.50", "currency_code": "USD"},
	})
	_, err = h.ingestor.HandleWebhook(context.Background(), webhook, TransmissionHeaders{})
	require.NoError(t, err)
	assert.Len(t, h.txs.All(), 1, "the webhook for an already captured order adds nothing")
	assert.Len(t, h.notifier.Sent(), 1)
}

func TestCaptureOrder_PassesThroughFailures(t *testing.T) {
	h := newHarness(t, false)
	h.client.capture = &Response{StatusCode: http.StatusUnprocessableEntity, Body: json.RawMessage(`{"name":"UNPROCESSABLE_ENTITY"}`)}

	resp, err := h.ingestor.CaptureOrder(context.Background(), "ORDER-1")

	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Empty(t, h.txs.All())
}

func TestFromHTTP(t *testing.T) {
	hdr := http.Header{}
	hdr.Set("PAYPAL-TRANSMISSION-ID", "tid")
	hdr.Set("PAYPAL-AUTH-ALGO", "SHA256withRSA")

	got := FromHTTP(hdr)

	assert.Equal(t, "tid", got.TransmissionID)
	assert.Equal(t, "SHA256withRSA", got.AuthAlgo)
}
