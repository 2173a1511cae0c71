package alerts

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// SMTPChannel sends alerts via email
type SMTPChannel struct {
	host        string
	port        int
	user        string
	password    string
	from        string
	to          []string
	environment string
	send        func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPChannel creates a new SMTP channel
func NewSMTPChannel(host string, port int, user, password, from string, to []string, environment string) *SMTPChannel {
	return &SMTPChannel{
		host:        host,
		port:        port,
		user:        user,
		password:    password,
		from:        from,
		to:          to,
		environment: environment,
		send:        smtp.SendMail,
	}
}

func (c *SMTPChannel) Name() string { return "smtp" }

func (c *SMTPChannel) Tier() Tier { return TierMessaging }

// Notify sends the alert via email. net/smtp has no context support, so the send runs in
// the background and Notify returns when ctx ends.
func (c *SMTPChannel) Notify(ctx context.Context, msg Message) error {
	subject := fmt.Sprintf("[%s] %s", msg.Severity, msg.Title)

	message := fmt.Sprintf("From: %s\r\n", c.from)
	message += fmt.Sprintf("To: %s\r\n", strings.Join(c.to, ", "))
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += "Content-Type: text/plain; charset=UTF-8\r\n"
	message += "\r\n"
	message += c.buildEmailBody(msg)

	var auth smtp.Auth
	if c.user != "" {
		auth = smtp.PlainAuth("", c.user, c.password, c.host)
	}
	addr := fmt.Sprintf("%s:%d", c.host, c.port)

	done := make(chan error, 1)
	go func() {
		done <- c.send(addr, auth, c.from, c.to, []byte(message))
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send email: %w", ctx.Err())
	}
}

func (c *SMTPChannel) buildEmailBody(msg Message) string {
	body := fmt.Sprintf("PEGGWATCH %s ALERT - %s\n", msg.Category, msg.Severity)
	body += "═══════════════════════════════════════\n\n"
	body += msg.Title + "\n\n"
	if msg.Body != "" {
		body += msg.Body + "\n\n"
	}

	if len(msg.Fields) > 0 {
		body += "DETAILS\n"
		body += "─────────────────────────────────────\n"
		for _, f := range msg.Fields {
			body += fmt.Sprintf("%-16s%s\n", f.Name+":", f.Value)
		}
		body += "\n"
	}

	if msg.URL != "" {
		body += fmt.Sprintf("Link:           %s\n", msg.URL)
	}
	body += fmt.Sprintf("Time:           %s\n\n", msg.Timestamp.Format(time.RFC3339))
	if msg.Quote != "" {
		body += fmt.Sprintf("🐸 %s\n\n", msg.Quote)
	}
	body += "═══════════════════════════════════════\n"
	body += fmt.Sprintf("Environment: %s\n", c.environment)
	body += fmt.Sprintf("Alert ID: %s\n", msg.AlertID)

	return body
}
