// smtp.go
//
// SMTPSink emails alerts to an on-call address list.
// Compatible with any SMTP provider: SES, Mailgun, Mailpit (local dev), etc.
package alert

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"sort"
	"strings"
	"time"
)

// SMTPConfig holds all configuration for SMTPSink.
type SMTPConfig struct {
	Host        string
	Port        string
	Username    string
	Password    string
	FromAddress string
	To          []string
}

// SMTPSink delivers alerts as plain-text email.
type SMTPSink struct {
	cfg SMTPConfig
}

// NewSMTPSink creates an SMTPSink with the given config.
func NewSMTPSink(cfg SMTPConfig) *SMTPSink {
	return &SMTPSink{cfg: cfg}
}

// headerSafe strips CR/LF so alert fields can't inject headers.
func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// buildMessage renders a as an RFC 5322 message.
func buildMessage(from string, to []string, a Alert) string {
	var b strings.Builder
	b.WriteString("From: " + headerSafe(from) + "\r\n")
	b.WriteString("To: " + headerSafe(strings.Join(to, ", ")) + "\r\n")
	b.WriteString("Subject: " + headerSafe(fmt.Sprintf("[bastion] %s security alert: %s", strings.ToUpper(a.Severity), a.Type)) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "Event:    %s\r\n", a.EventID)
	fmt.Fprintf(&b, "Type:     %s\r\n", a.Type)
	fmt.Fprintf(&b, "Severity: %s\r\n", a.Severity)
	fmt.Fprintf(&b, "Time:     %s\r\n", a.OccurredAt.UTC().Format(time.RFC3339))
	if a.UserID != "" {
		fmt.Fprintf(&b, "User:     %s\r\n", a.UserID)
	}
	if a.IPAddress != "" {
		fmt.Fprintf(&b, "IP:       %s\r\n", a.IPAddress)
	}
	if len(a.Details) > 0 {
		keys := make([]string, 0, len(a.Details))
		for k := range a.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\r\nDetails:\r\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\r\n", k, headerSafe(a.Details[k]))
		}
	}
	return b.String()
}

// Send emails a to every configured recipient.
func (s *SMTPSink) Send(ctx context.Context, a Alert) error {
	if len(s.cfg.To) == 0 {
		return fmt.Errorf("sending alert email: no recipients configured")
	}
	if err := s.sendMail(ctx, buildMessage(s.cfg.FromAddress, s.cfg.To, a)); err != nil {
		return fmt.Errorf("sending alert email: %w", err)
	}
	return nil
}

// sendMail dials the SMTP server, enforces STARTTLS (rejects plaintext sessions),
// authenticates, and delivers msg. The connection respects ctx cancellation.
func (s *SMTPSink) sendMail(ctx context.Context, msg string) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", net.JoinHostPort(s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("smtp server does not advertise STARTTLS: refusing plaintext session")
	}
	if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
		return fmt.Errorf("smtp starttls: %w", err)
	}

	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(s.cfg.FromAddress); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range s.cfg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO: %w", err)
		}
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := fmt.Fprint(wc, msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	return c.Quit()
}
