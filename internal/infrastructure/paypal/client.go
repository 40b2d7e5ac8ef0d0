package paypal

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
	"github.com/request-gateway/payment_service/internal/domain/services/altrail"
)

const (
	// PayPal API URLs
	LiveBaseURL    = "https://api-m.paypal.com"
	SandboxBaseURL = "https://api-m.sandbox.paypal.com"

	defaultTimeout = 15 * time.Second
	tokenEndpoint  = "/v1/oauth2/token"
	verifyEndpoint = "/v1/notifications/verify-webhook-signature"
	ordersEndpoint = "/v2/checkout/orders"

	// tokens are refreshed this long before PayPal expires them
	tokenSkew = time.Minute
)

// Config represents PayPal REST configuration
type Config struct {
	ClientID       string
	ClientSecret   string
	BaseURL        string
	WebhookID      string
	Timeout        time.Duration
	RequestsPerSec float64
}

// Client is a PayPal REST client. It implements altrail.Client.
type Client struct {
	config         Config
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	limiter        *rate.Limiter
	logger         *zap.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

var _ altrail.Client = (*Client)(nil)

// NewClient creates a new PayPal API client
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.BaseURL == "" {
		config.BaseURL = SandboxBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	limit := rate.Inf
	if config.RequestsPerSec > 0 {
		limit = rate.Limit(config.RequestsPerSec)
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	st := gobreaker.Settings{
		Name:        "PayPalAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Client{
		config:         config,
		httpClient:     httpClient,
		circuitBreaker: gobreaker.NewCircuitBreaker(st),
		limiter:        rate.NewLimiter(limit, 5),
		logger:         logger,
	}
}

func (c *Client) configured() error {
	if c.config.ClientID == "" || c.config.ClientSecret == "" {
		return apperrors.NotConfiguredError("paypal credentials")
	}
	return nil
}

// VerifyWebhookSignature posts the delivery back to PayPal for verification
func (c *Client) VerifyWebhookSignature(ctx context.Context, h altrail.TransmissionHeaders, body []byte) (bool, error) {
	if err := c.configured(); err != nil {
		return false, err
	}
	if c.config.WebhookID == "" {
		return false, apperrors.NotConfiguredError("paypal webhook id")
	}
	if h.TransmissionID == "" || h.TransmissionSig == "" {
		return false, nil
	}
	if !json.Valid(body) {
		return false, nil
	}

	request := map[string]interface{}{
		"auth_algo":         h.AuthAlgo,
		"cert_url":          h.CertURL,
		"transmission_id":   h.TransmissionID,
		"transmission_sig":  h.TransmissionSig,
		"transmission_time": h.TransmissionTime,
		"webhook_id":        c.config.WebhookID,
		"webhook_event":     json.RawMessage(body),
	}

	var response struct {
		VerificationStatus string `json:"verification_status"`
	}
	status, raw, err := c.call(ctx, http.MethodPost, verifyEndpoint, request)
	if err != nil {
		return false, err
	}
	if status >= 500 {
		return false, fmt.Errorf("paypal verification returned %d", status)
	}
	if status >= 400 {
		c.logger.Warn("PayPal refused verification request",
			zap.Int("statusCode", status),
			zap.String("body", string(raw)))
		return false, nil
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		return false, fmt.Errorf("failed to unmarshal verification response: %w", err)
	}
	return response.VerificationStatus == "SUCCESS", nil
}

// CreateOrder opens a CAPTURE intent order
func (c *Client) CreateOrder(ctx context.Context, req altrail.OrderRequest) (*altrail.Response, error) {
	if err := c.configured(); err != nil {
		return nil, err
	}
	request := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{{
			"custom_id": req.CustomID,
			"amount": map[string]string{
				"currency_code": strings.ToUpper(req.Currency),
				"value":         req.Amount.StringFixed(2),
			},
		}},
	}
	status, raw, err := c.call(ctx, http.MethodPost, ordersEndpoint, request)
	if err != nil {
		return nil, err
	}
	return &altrail.Response{StatusCode: status, Body: raw}, nil
}

// CaptureOrder captures an approved order
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*altrail.Response, error) {
	if err := c.configured(); err != nil {
		return nil, err
	}
	if orderID == "" {
		return nil, apperrors.ValidationError("order_id", "order id is required")
	}
	endpoint := fmt.Sprintf("%s/%s/capture", ordersEndpoint, url.PathEscape(orderID))
	status, raw, err := c.call(ctx, http.MethodPost, endpoint, struct{}{})
	if err != nil {
		return nil, err
	}
	return &altrail.Response{StatusCode: status, Body: raw}, nil
}

// call sends one authenticated request through the limiter and breaker.
// Non-2xx statuses are returned, not treated as errors; only 5xx trips the breaker.
func (c *Client) call(ctx context.Context, method, endpoint string, requestBody interface{}) (int, json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	type result struct {
		status int
		body   []byte
	}
	out, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		token, err := c.token(ctx)
		if err != nil {
			return nil, err
		}
		status, body, err := c.doRequest(ctx, method, endpoint, requestBody, token)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			c.invalidateToken()
		}
		if status >= 500 {
			return result{status, body}, fmt.Errorf("paypal %s %s returned %d", method, endpoint, status)
		}
		return result{status, body}, nil
	})
	if err != nil {
		if r, ok := out.(result); ok {
			return r.status, r.body, nil
		}
		return 0, nil, apperrors.ServiceUnavailableError("paypal", err)
	}
	r := out.(result)
	return r.status, r.body, nil
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, requestBody interface{}, token string) (int, []byte, error) {
	var reqBody io.Reader
	if requestBody != nil {
		jsonData, err := json.Marshal(requestBody)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+endpoint, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("PayPal-Request-Id", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("Received PayPal API response",
		zap.String("request_id", requestID),
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Int("statusCode", resp.StatusCode))
	return resp.StatusCode, body, nil
}

// token returns a cached client-credentials token, fetching a new one near expiry
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("token request returned %d: %s", resp.StatusCode, string(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenSkew)
	return c.accessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}
