package reset

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Mailer delivers a reset link out of band.
type Mailer interface {
	SendReset(ctx context.Context, to, link string) error
}

// MailConfig holds SMTP settings. An empty Host selects the log mailer.
type MailConfig struct {
	Host string `envconfig:"SMTP_HOST"`
	Port int    `envconfig:"SMTP_PORT" default:"587"`
	User string `envconfig:"SMTP_USER"`
	Pass string `envconfig:"SMTP_PASS"`
	From string `envconfig:"SMTP_FROM" default:"no-reply@localhost"`
}

func MailConfigFromEnv() (MailConfig, error) {
	var cfg MailConfig
	err := envconfig.Process("", &cfg)
	return cfg, err
}

// NewMailer picks SMTP when configured and falls back to logging.
func NewMailer(cfg MailConfig, logger *zap.SugaredLogger) Mailer {
	if cfg.Host == "" {
		return LogMailer{logger: logger}
	}
	return &SMTPMailer{
		from:   cfg.From,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass),
	}
}

type SMTPMailer struct {
	from   string
	dialer *gomail.Dialer
}

func (m *SMTPMailer) SendReset(_ context.Context, to, link string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", "Reset your password")
	msg.SetBody("text/plain", resetBody(link))
	msg.AddAlternative("text/html", fmt.Sprintf(`<p>Use the link below to choose a new password. It expires in one hour.</p><p><a href="%s">Reset password</a></p>`, link))
	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send reset mail: %w", err)
	}
	return nil
}

// LogMailer records that a link was sent without the secret itself.
type LogMailer struct {
	logger *zap.SugaredLogger
}

func (m LogMailer) SendReset(_ context.Context, to, link string) error {
	m.logger.Infow("password reset link issued", "to", to, "link", redact(link))
	return nil
}

func resetBody(link string) string {
	var b strings.Builder
	b.WriteString("Someone asked to reset the password on your account.\n\n")
	b.WriteString("Open this link within one hour to choose a new password:\n")
	b.WriteString(link)
	b.WriteString("\n\nIf it was not you, ignore this message.\n")
	return b.String()
}

// ResetLink builds the link a user follows to redeem a secret.
func ResetLink(baseURL, secret string) string {
	return strings.TrimRight(baseURL, "/") + "/password/reset?token=" + url.QueryEscape(secret)
}

func redact(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return "[redacted]"
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
