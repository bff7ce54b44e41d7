// Package messaging provides pluggable outbound message delivery for CareFlow.
//
// This file implements the SMTP email sender.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"os"
	"strings"
)

// SMTPOpts holds configuration options for the SMTP sender.
type SMTPOpts struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// SMTPOption defines a configuration option for the SMTP sender.
type SMTPOption func(*SMTPOpts)

// WithSMTPHost sets the SMTP server host.
func WithSMTPHost(host string) SMTPOption {
	return func(o *SMTPOpts) { o.Host = host }
}

// WithSMTPPort sets the SMTP server port.
func WithSMTPPort(port string) SMTPOption {
	return func(o *SMTPOpts) { o.Port = port }
}

// WithSMTPCredentials sets the SMTP auth credentials.
func WithSMTPCredentials(username, password string) SMTPOption {
	return func(o *SMTPOpts) { o.Username = username; o.Password = password }
}

// WithSMTPFrom sets the sender address.
func WithSMTPFrom(from string) SMTPOption {
	return func(o *SMTPOpts) { o.From = from }
}

// Compile-time check that SMTPSender implements EmailSender.
var _ EmailSender = (*SMTPSender)(nil)

// SMTPSender sends email over plain SMTP with optional auth.
type SMTPSender struct {
	cfg SMTPOpts
}

// NewSMTPSender creates an SMTP email sender, falling back to the
// SMTP_HOST, SMTP_PORT, SMTP_USERNAME, SMTP_PASSWORD, and SMTP_FROM
// environment variables for any option not provided.
func NewSMTPSender(opts ...SMTPOption) (*SMTPSender, error) {
	var cfg SMTPOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Host == "" {
		cfg.Host = os.Getenv("SMTP_HOST")
	}
	if cfg.Port == "" {
		cfg.Port = os.Getenv("SMTP_PORT")
	}
	if cfg.Username == "" {
		cfg.Username = os.Getenv("SMTP_USERNAME")
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("SMTP_PASSWORD")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("SMTP_FROM")
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("SMTP from address must be provided")
	}
	slog.Debug("SMTP sender config loaded", "host", cfg.Host, "port", cfg.Port, "auth_set", cfg.Username != "")
	return &SMTPSender{cfg: cfg}, nil
}

// SendEmail sends an email over SMTP.
func (s *SMTPSender) SendEmail(ctx context.Context, to string, subject string, body string) error {
	if to == "" || !strings.Contains(to, "@") {
		return fmt.Errorf("invalid email recipient %q", to)
	}

	msg := strings.Join([]string{
		"From: " + s.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"utf-8\"",
		"",
		body,
	}, "\r\n")

	addr := s.cfg.Host + ":" + s.cfg.Port
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{to}, []byte(msg)); err != nil {
		slog.Error("SMTPSender SendEmail failed", "to", to, "error", err)
		return fmt.Errorf("smtp send failed: %w", err)
	}
	slog.Debug("SMTPSender SendEmail succeeded", "to", to, "subject", subject)
	return nil
}
