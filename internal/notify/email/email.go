// Package email sends alert notifications via SMTP.
package email

import (
	"fmt"
	"net/smtp"
	"strconv"
	"strings"

	"context"

	"github.com/bmkg-alert/alertd/internal/notify/formatter"
	"github.com/bmkg-alert/alertd/internal/store"
)

const defaultPort = 587

// smtpSettings are the resolved connection parameters for one send: the
// channel config overrides the daemon-wide defaults field by field.
type smtpSettings struct {
	host     string
	port     int
	user     string
	password string
	from     string
}

// Sender sends alert messages as HTML email via SMTP. Stateless: recipient
// and any per-channel SMTP overrides come from the channel config.
type Sender struct {
	defaults smtpSettings
	// sendFunc is swappable in tests to avoid a real network dial.
	sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New returns a Sender that falls back to the given daemon-wide SMTP
// defaults when a channel's config omits a field.
func New(host string, port int, user, password, from string) *Sender {
	if port == 0 {
		port = defaultPort
	}
	return &Sender{
		defaults: smtpSettings{host: host, port: port, user: user, password: password, from: from},
		sendFunc: smtp.SendMail,
	}
}

// Send formats and delivers warning/match as an HTML email to
// channelConfig["to_email"].
func (s *Sender) Send(ctx context.Context, warning store.Warning, match store.Match, channelConfig map[string]string, isTrial bool) error {
	toEmail := channelConfig["to_email"]
	if toEmail == "" {
		return fmt.Errorf("email: channel config missing to_email")
	}

	cfg := s.resolveSettings(channelConfig)
	if cfg.host == "" || cfg.user == "" {
		return fmt.Errorf("email: SMTP not configured")
	}

	subject, body := formatter.EmailSubjectAndBody(warning, match, isTrial)
	return s.sendSMTP(cfg, toEmail, subject, body, true)
}

// SendRaw sends a plain-text email, bypassing the alert formatter.
func (s *Sender) SendRaw(ctx context.Context, toEmail, subject, body string, channelConfig map[string]string) error {
	cfg := s.resolveSettings(channelConfig)
	return s.sendSMTP(cfg, toEmail, subject, body, false)
}

// resolveSettings layers channel-specific SMTP overrides over the daemon's
// configured defaults.
func (s *Sender) resolveSettings(channelConfig map[string]string) smtpSettings {
	cfg := s.defaults
	if host := channelConfig["smtp_host"]; host != "" {
		cfg.host = host
	}
	if portStr := channelConfig["smtp_port"]; portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.port = port
		}
	}
	if user := channelConfig["smtp_user"]; user != "" {
		cfg.user = user
	}
	if password := channelConfig["smtp_password"]; password != "" {
		cfg.password = password
	}
	return cfg
}

func (s *Sender) sendSMTP(cfg smtpSettings, toEmail, subject, body string, isHTML bool) error {
	contentType := "text/plain"
	if isHTML {
		contentType = "text/html"
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", cfg.from)
	fmt.Fprintf(&msg, "To: %s\r\n", toEmail)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: %s; charset=\"utf-8\"\r\n\r\n", contentType)
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", cfg.host, cfg.port)
	auth := smtp.PlainAuth("", cfg.user, cfg.password, cfg.host)

	if err := s.sendFunc(addr, auth, cfg.from, []string{toEmail}, []byte(msg.String())); err != nil {
		return fmt.Errorf("email: send to %s: %w", toEmail, err)
	}
	return nil
}
