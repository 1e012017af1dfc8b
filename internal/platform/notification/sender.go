package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridConfig configures SendGridSender. BaseURL overrides the API host.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	BaseURL   string
}

// SendGridSender delivers email through the SendGrid v3 API.
type SendGridSender struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	log       zerolog.Logger
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SendGridConfig, logger zerolog.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	if cfg.FromName == "" {
		cfg.FromName = "Slotbook"
	}
	client := sendgrid.NewSendClient(cfg.APIKey)
	if cfg.BaseURL != "" {
		client = &sendgrid.Client{Request: sendgrid.GetRequest(cfg.APIKey, "/v3/mail/send", cfg.BaseURL)}
		client.Method = "POST"
	}
	return &SendGridSender{
		client:    client,
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		log:       logger.With().Str("component", "sendgrid").Logger(),
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(msg.ToName, msg.To)
	message := mail.NewSingleEmailPlainText(from, msg.Subject, to, msg.Body)

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		s.log.Error().Int("status", resp.StatusCode).Str("body", resp.Body).Msg("sendgrid rejected message")
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}
	s.log.Debug().Str("subject", msg.Subject).Int("status", resp.StatusCode).Msg("email sent")
	return nil
}

// LogSender logs emails instead of sending them.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{log: logger.With().Str("component", "log_sender").Logger()}
}

func (s *LogSender) Send(_ context.Context, msg EmailMessage) error {
	s.log.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("email (not sent)")
	return nil
}
