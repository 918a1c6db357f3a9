// Package mail is the outbound email sink. Delivery is fire-and-forget from
// the caller's point of view: errors are reported, never retried here.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	gomail "github.com/go-mail/mail"
)

// Message is one outbound email. At least one of Text and HTML is set.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender logs messages instead of sending them. Used when no SMTP host is
// configured. Bodies carry live tokens, so they are logged at debug only.
type LogSender struct {
	Log *slog.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("mail.log.send", "to", msg.To, "subject", msg.Subject)
	log.Debug("mail.log.body", "to", msg.To, "text", msg.Text)
	return nil
}

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string

	// TLSMode is "auto" (STARTTLS when offered), "ssl" or "none".
	TLSMode            string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// SMTPConfigFromEnv reads VAULT_SMTP_HOST, VAULT_SMTP_PORT, VAULT_SMTP_FROM,
// VAULT_SMTP_USERNAME, VAULT_SMTP_PASSWORD and VAULT_SMTP_TLS_MODE.
// An empty host means "no SMTP".
func SMTPConfigFromEnv() (SMTPConfig, error) {
	cfg := SMTPConfig{
		Host:     strings.TrimSpace(os.Getenv("VAULT_SMTP_HOST")),
		Port:     587,
		From:     strings.TrimSpace(os.Getenv("VAULT_SMTP_FROM")),
		Username: os.Getenv("VAULT_SMTP_USERNAME"),
		Password: os.Getenv("VAULT_SMTP_PASSWORD"),
		TLSMode:  strings.ToLower(strings.TrimSpace(os.Getenv("VAULT_SMTP_TLS_MODE"))),
		Timeout:  10 * time.Second,
	}
	if v := strings.TrimSpace(os.Getenv("VAULT_SMTP_PORT")); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return SMTPConfig{}, fmt.Errorf("VAULT_SMTP_PORT: invalid port %q", v)
		}
		cfg.Port = p
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = "auto"
	}
	switch cfg.TLSMode {
	case "auto", "ssl", "none":
	default:
		return SMTPConfig{}, fmt.Errorf("VAULT_SMTP_TLS_MODE: unknown mode %q", cfg.TLSMode)
	}
	if cfg.Host != "" && cfg.From == "" {
		return SMTPConfig{}, fmt.Errorf("VAULT_SMTP_FROM is required when VAULT_SMTP_HOST is set")
	}
	return cfg, nil
}

// SMTPSender sends mail over SMTP with go-mail.
type SMTPSender struct {
	cfg SMTPConfig
	log *slog.Logger
}

// NewSMTPSender returns an SMTPSender.
func NewSMTPSender(cfg SMTPConfig, log *slog.Logger) *SMTPSender {
	if log == nil {
		log = slog.Default()
	}
	return &SMTPSender{cfg: cfg, log: log}
}

// NewSender returns an SMTPSender when cfg names a host and a LogSender otherwise.
func NewSender(cfg SMTPConfig, log *slog.Logger) Sender {
	if cfg.Host == "" {
		return LogSender{Log: log}
	}
	return NewSMTPSender(cfg, log)
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	d := gomail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)
	d.TLSConfig = &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify, // #nosec G402 -- development relays only.
	}
	switch s.cfg.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.StartTLSPolicy = gomail.NoStartTLS
	}
	d.Timeout = s.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 && (d.Timeout == 0 || left < d.Timeout) {
			d.Timeout = left
		}
	}

	if err := d.DialAndSend(m); err != nil {
		s.log.Error("mail.smtp.send.fail", "err", err, "host", s.cfg.Host)
		return fmt.Errorf("smtp send: %w", err)
	}
	s.log.Info("mail.smtp.sent", "subject", msg.Subject)
	return nil
}
