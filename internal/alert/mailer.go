package alert

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/config"
	"gopkg.in/gomail.v2"
)

type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// Dialer sends a composed message. *gomail.Dialer satisfies it.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Mailer emails operational alerts to the configured recipients.
type Mailer struct {
	dialer Dialer
	from   string
	to     []string
	logger *slog.Logger
}

func NewMailer(dialer Dialer, from string, to []string, logger *slog.Logger) *Mailer {
	return &Mailer{dialer: dialer, from: from, to: to, logger: logger}
}

func (m *Mailer) Alert(ctx context.Context, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", m.to...)
	msg.SetHeader("Subject", "[payment-reconciler] "+subject)
	msg.SetBody("text/plain", body)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return errors.Wrap(err, "send alert email")
	}
	m.logger.InfoContext(ctx, "Ops alert sent", "subject", subject, "recipients", len(m.to))
	return nil
}

// Noop logs alerts when no mail server is configured.
type Noop struct {
	logger *slog.Logger
}

func (n Noop) Alert(ctx context.Context, subject, body string) error {
	n.logger.WarnContext(ctx, "Ops alert (mail disabled)", "subject", subject, "body", body)
	return nil
}

// New returns a Mailer when cfg names a host, otherwise a Noop.
func New(cfg config.Alert, logger *slog.Logger) Alerter {
	if cfg.Host == "" || len(cfg.To) == 0 {
		return Noop{logger: logger}
	}
	return NewMailer(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg.From, cfg.To, logger)
}
