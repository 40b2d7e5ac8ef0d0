// Package validatorapi delivers signed status notifications to the validator API.
package validatorapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
)

const (
	StatusPath = "/api/status"

	HeaderService = "X-Payment-Service"
	HeaderNonce   = "X-Request-Nonce"

	tokenLifetime  = 5 * time.Minute
	defaultTimeout = 10 * time.Second
)

type Config struct {
	BaseURL      string
	SharedSecret string
	ServiceName  string
	Timeout      time.Duration
}

// RequestClaims bind a token to one request: method, path, body digest and nonce
type RequestClaims struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	BodySHA256 string `json:"body_sha256"`
	Nonce      string `json:"nonce"`
	jwt.RegisteredClaims
}

// Notifier sends PUT /api/status. It never retries.
type Notifier struct {
	config         Config
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *zap.Logger
	now            func() time.Time
}

func NewNotifier(config Config, logger *zap.Logger) *Notifier {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	st := gobreaker.Settings{
		Name:        "ValidatorAPI",
		MaxRequests: 3,
		Interval:    30 * time.Second,
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

	return &Notifier{
		config:         config,
		httpClient:     &http.Client{Timeout: config.Timeout},
		circuitBreaker: gobreaker.NewCircuitBreaker(st),
		logger:         logger,
		now:            time.Now,
	}
}

// Notify delivers one status change
func (n *Notifier) Notify(ctx context.Context, msg entities.StatusNotification) error {
	if n.config.BaseURL == "" || n.config.SharedSecret == "" {
		return apperrors.NotConfiguredError("validator api")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal status notification: %w", err)
	}
	nonce := uuid.NewString()
	token, err := n.Sign(http.MethodPut, StatusPath, body, nonce)
	if err != nil {
		return err
	}

	_, err = n.circuitBreaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, n.config.BaseURL+StatusPath, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set(HeaderService, n.config.ServiceName)
		req.Header.Set(HeaderNonce, nonce)

		resp, err := n.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("status request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("validator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, apperrors.UnauthorizedError("validator rejected the request token", err)
			}
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	n.logger.Info("Status notification delivered",
		zap.String("subscription_id", msg.SubscriptionID.String()),
		zap.Bool("active", msg.Active),
		zap.String("nonce", nonce))
	return nil
}

// Sign issues the bearer token for a request
func (n *Notifier) Sign(method, path string, body []byte, nonce string) (string, error) {
	now := n.now()
	claims := RequestClaims{
		Method:     method,
		Path:       path,
		BodySHA256: BodyDigest(body),
		Nonce:      nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    n.config.ServiceName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(n.config.SharedSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign status request: %w", err)
	}
	return token, nil
}

// BodyDigest is the hex SHA-256 of a request body
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Verify checks a token against the request it arrived with. The validator side
// runs the same check; it is exported for tests and tooling.
func Verify(secret, token, method, path string, body []byte, nonce string) (*RequestClaims, error) {
	claims := &RequestClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, apperrors.UnauthorizedError("invalid request token", err)
	}
	switch {
	case claims.Method != method:
		return nil, apperrors.UnauthorizedError("method mismatch", nil)
	case claims.Path != path:
		return nil, apperrors.UnauthorizedError("path mismatch", nil)
	case claims.Nonce != nonce:
		return nil, apperrors.UnauthorizedError("nonce mismatch", nil)
	case claims.BodySHA256 != BodyDigest(body):
		return nil, apperrors.UnauthorizedError("body digest mismatch", nil)
	}
	return claims, nil
}
