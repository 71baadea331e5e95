package services

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"opsdesk/internal/config"

	"github.com/sirupsen/logrus"
)

// Notifier delivers breach/escalation/warning messages. Implementations
// must be treated as fallible; callers log and continue on failure.
type Notifier interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// SMTPNotifier sends plain-text mail through a configured SMTP relay.
type SMTPNotifier struct {
	cfg    config.SMTPConfig
	logger *logrus.Logger
}

func NewSMTPNotifier(cfg config.SMTPConfig, logger *logrus.Logger) *SMTPNotifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &SMTPNotifier{cfg: cfg, logger: logger}
}

func (n *SMTPNotifier) Send(ctx context.Context, recipient, subject, body string) error {
	if recipient == "" {
		return fmt.Errorf("recipient required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	msg := strings.Join([]string{
		"From: " + n.cfg.From,
		"To: " + recipient,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, n.cfg.From, []string{recipient}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", recipient, err)
	}
	n.logger.Debugf("notification sent to %s: %s", recipient, subject)
	return nil
}

// LogNotifier is the default sender when SMTP is disabled; it only writes
// to the log so development setups still see outgoing notifications.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, recipient, subject, body string) error {
	n.logger.Infof("notify %s: %s - %s", recipient, subject, body)
	return nil
}

// NewNotifier picks the sender implementation from config.
func NewNotifier(cfg config.SMTPConfig, logger *logrus.Logger) Notifier {
	if cfg.Enabled {
		return NewSMTPNotifier(cfg, logger)
	}
	return NewLogNotifier(logger)
}
