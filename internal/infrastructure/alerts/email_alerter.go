// Package alerts pages operators by email when the gateway cannot reach the validator.
package alerts

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

type Config struct {
	APIKey      string
	FromEmail   string
	FromName    string
	Recipients  []string
	Environment string
}

type mailer interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// EmailAlerter sends operator alerts through SendGrid. Without an API key it only logs.
type EmailAlerter struct {
	logger *zap.Logger
	config Config
	client mailer
}

func NewEmailAlerter(logger *zap.Logger, config Config) *EmailAlerter {
	a := &EmailAlerter{logger: logger, config: config}
	if strings.TrimSpace(config.APIKey) != "" && strings.TrimSpace(config.FromEmail) != "" && len(config.Recipients) > 0 {
		a.client = sendgrid.NewSendClient(config.APIKey)
	} else {
		logger.Warn("SendGrid alerts disabled; operator alerts will only be logged")
	}
	return a
}

// Alert emails every recipient. A failed recipient does not stop the others.
func (a *EmailAlerter) Alert(ctx context.Context, subject, body string) error {
	if a.config.Environment != "" && a.config.Environment != "production" {
		subject = fmt.Sprintf("[%s] %s", a.config.Environment, subject)
	}
	if a.client == nil {
		a.logger.Warn("Operator alert", zap.String("subject", subject), zap.String("body", body))
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	from := mail.NewEmail(a.config.FromName, a.config.FromEmail)
	htmlContent := "<p>" + html.EscapeString(body) + "</p>"

	var failed []string
	for _, to := range a.config.Recipients {
		message := mail.NewSingleEmail(from, subject, mail.NewEmail("", to), body, htmlContent)
		response, err := a.client.SendWithContext(ctx, message)
		if err != nil {
			a.logger.Error("Failed to send alert",
				zap.String("provider", "sendgrid"),
				zap.String("to", to),
				zap.Error(err))
			failed = append(failed, to)
			continue
		}
		if response.StatusCode >= 400 {
			a.logger.Error("Email service returned error",
				zap.String("provider", "sendgrid"),
				zap.String("to", to),
				zap.Int("status_code", response.StatusCode),
				zap.String("response_body", response.Body))
			failed = append(failed, to)
			continue
		}
		a.logger.Info("Alert sent",
			zap.String("to", to),
			zap.String("subject", subject))
	}

	if len(failed) > 0 {
		return fmt.Errorf("failed to alert %d of %d recipients: %s", len(failed), len(a.config.Recipients), strings.Join(failed, ", "))
	}
	return nil
}
