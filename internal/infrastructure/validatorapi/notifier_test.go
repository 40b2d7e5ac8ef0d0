package validatorapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
)

const secret = "shared-secret"

func TestNotify_SendsSignedRequest(t *testing.T) {
	var got entities.StatusNotification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, StatusPath, r.URL.Path)
		assert.Equal(t, "payment-gateway", r.Header.Get(HeaderService))

		body, _ := io.ReadAll(r.Body)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := Verify(secret, token, r.Method, r.URL.Path, body, r.Header.Get(HeaderNonce))
		require.NoError(t, err)
		assert.Equal(t, "payment-gateway", claims.Issuer)

		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(Config{BaseURL: srv.URL + "/", SharedSecret: secret, ServiceName: "payment-gateway"}, zap.NewNop())
	id := uuid.New()
	qty := 2

	err := n.Notify(context.Background(), entities.StatusNotification{SubscriptionID: id, Active: true, Type: "stripe", Quantity: &qty})

	require.NoError(t, err)
	assert.Equal(t, id, got.SubscriptionID)
	assert.True(t, got.Active)
	require.NotNil(t, got.Quantity)
	assert.Equal(t, 2, *got.Quantity)
}

func TestNotify_BodyUsesValidatorFieldNames(t *testing.T) {
	var raw map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
	}))
	defer srv.Close()

	n := NewNotifier(Config{BaseURL: srv.URL, SharedSecret: secret}, zap.NewNop())
	require.NoError(t, n.Notify(context.Background(), entities.StatusNotification{SubscriptionID: uuid.New(), Active: false}))

	assert.Contains(t, raw, "subscriptionId")
	assert.Equal(t, false, raw["active"])
	assert.NotContains(t, raw, "transaction")
	assert.NotContains(t, raw, "quantity")
}

func TestNotify_DoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(Config{BaseURL: srv.URL, SharedSecret: secret}, zap.NewNop())
	err := n.Notify(context.Background(), entities.StatusNotification{SubscriptionID: uuid.New()})

	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNotify_RejectedTokenIsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("token expired"))
	}))
	defer srv.Close()

	n := NewNotifier(Config{BaseURL: srv.URL, SharedSecret: secret}, zap.NewNop())
	err := n.Notify(context.Background(), entities.StatusNotification{SubscriptionID: uuid.New()})

	assert.True(t, apperrors.IsUnauthorized(err))
	assert.False(t, apperrors.ShouldRetry(err))
	assert.Equal(t, "UNAUTHORIZED", apperrors.GetErrorCode(err))
}

func TestNotify_TimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	n := NewNotifier(Config{BaseURL: srv.URL, SharedSecret: secret, Timeout: 50 * time.Millisecond}, zap.NewNop())
	err := n.Notify(context.Background(), entities.StatusNotification{SubscriptionID: uuid.New()})

	assert.Error(t, err)
}

func TestNotify_NotConfigured(t *testing.T) {
	n := NewNotifier(Config{}, zap.NewNop())

	err := n.Notify(context.Background(), entities.StatusNotification{SubscriptionID: uuid.New()})

	assert.True(t, apperrors.IsNotConfigured(err))
}

func TestVerify_RejectsTampering(t *testing.T) {
	n := NewNotifier(Config{SharedSecret: secret}, zap.NewNop())
	body := []byte(`{"subscriptionId":"x","active":true}`)
	token, err := n.Sign(http.MethodPut, StatusPath, body, "nonce-1")
	require.NoError(t, err)

	_, err = Verify(secret, token, http.MethodPut, StatusPath, body, "nonce-1")
	assert.NoError(t, err)

	_, err = Verify(secret, token, http.MethodPut, StatusPath, []byte(`{"subscriptionId":"x","active":false}`), "nonce-1")
	assert.True(t, apperrors.IsUnauthorized(err))
	_, err = Verify(secret, token, http.MethodPut, StatusPath, body, "nonce-2")
	assert.True(t, apperrors.IsUnauthorized(err))
	_, err = Verify("other-secret", token, http.MethodPut, StatusPath, body, "nonce-1")
	assert.True(t, apperrors.IsUnauthorized(err))
}

func TestSign_Expires(t *testing.T) {
	n := NewNotifier(Config{SharedSecret: secret}, zap.NewNop())
	n.now = func() time.Time { return time.Now().Add(-10 * time.Minute) }
	token, err := n.Sign(http.MethodPut, StatusPath, nil, "n")
	require.NoError(t, err)

	_, err = Verify(secret, token, http.MethodPut, StatusPath, nil, "n")
	assert.Error(t, err)
}
