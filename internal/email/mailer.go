// Package email composes and delivers reimbursement notifications over
// SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNotConfigured is returned by [Mailer.Send] when no SMTP host is set.
var ErrNotConfigured = errors.New("smtp not configured")

type sendFunc func(ctx context.Context, cfg SMTPConfig, from string, recipients []string, msg []byte) error

// Mailer sends single-recipient notifications from the configured
// sender address. It is safe for concurrent use; every send opens its
// own connection.
type Mailer struct {
	cfg    SMTPConfig
	send   sendFunc
	logger *slog.Logger
}

// NewMailer creates a mailer for cfg.
func NewMailer(cfg SMTPConfig, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{cfg: cfg, send: SendMail, logger: logger}
}

// Send composes and delivers one message to the address to. The body
// may be markdown or HTML.
func (m *Mailer) Send(ctx context.Context, to, subject, body string) error {
	if !m.cfg.Configured() {
		return ErrNotConfigured
	}

	msg, err := ComposeMessage(ComposeOptions{
		From:    m.cfg.From,
		To:      []string{to},
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}

	var bcc []string
	if m.cfg.AuditBcc != "" {
		bcc = append(bcc, m.cfg.AuditBcc)
	}
	recipients := collectRecipients([]string{to}, bcc)

	if err := m.send(ctx, m.cfg, extractAddress(m.cfg.From), recipients, msg); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}

	m.logger.Info("notification sent",
		"to", to,
		"subject", subject,
		"recipients", len(recipients),
		"bytes", len(msg),
	)
	return nil
}
