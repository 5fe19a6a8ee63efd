package notifier

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// EmailConfig holds SMTP configuration.
type EmailConfig struct {
	Host       string   // SMTP server host
	Port       int      // SMTP server port (465 for implicit TLS, 587 for STARTTLS)
	Username   string   // SMTP username (optional)
	Password   string   // SMTP password (optional)
	From       string   // From address
	Recipients []string // Email recipients
}

// Validate validates the email configuration.
func (c *EmailConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("SMTP host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("SMTP port is required")
	}
	if c.From == "" {
		return fmt.Errorf("from address is required")
	}
	if len(c.Recipients) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	return nil
}

// EmailChannel sends notifications via SMTP.
type EmailChannel struct {
	config EmailConfig
}

// NewEmailChannel creates a new email channel.
func NewEmailChannel(config EmailConfig) (*EmailChannel, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid email config: %w", err)
	}
	return &EmailChannel{config: config}, nil
}

// Name returns "email".
func (e *EmailChannel) Name() string {
	return "email"
}

// Endpoint returns the SMTP host and port.
func (e *EmailChannel) Endpoint() string {
	return fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
}

// Send mails the notification to all configured recipients.
func (e *EmailChannel) Send(ctx context.Context, n *Notification) error {
	subject := fmt.Sprintf("[%s] FlareTrack: %s in %s/%s",
		strings.ToUpper(string(n.Severity)), n.ErrorType, n.ProjectID, n.Environment)
	msg := e.buildMessage(subject, n)
	return e.sendMail(ctx, msg)
}

// Close is a no-op for the email channel.
func (e *EmailChannel) Close() error {
	return nil
}

func (e *EmailChannel) buildMessage(subject string, n *Notification) []byte {
	var msg strings.Builder

	msg.WriteString(fmt.Sprintf("From: %s\r\n", e.config.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(e.config.Recipients, ", ")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")

	msg.WriteString(fmt.Sprintf("Rule:         %s\r\n", n.RuleName))
	msg.WriteString(fmt.Sprintf("Reason:       %s\r\n", n.Reason))
	msg.WriteString(fmt.Sprintf("Project:      %s/%s (tenant %s)\r\n", n.ProjectID, n.Environment, n.TenantID))
	msg.WriteString(fmt.Sprintf("Error type:   %s\r\n", n.ErrorType))
	msg.WriteString(fmt.Sprintf("Occurrences:  %d\r\n", n.OccurrenceCount))
	msg.WriteString(fmt.Sprintf("First seen:   %s\r\n", n.FirstSeenAt.Format(time.RFC3339)))
	msg.WriteString(fmt.Sprintf("Last seen:    %s\r\n", n.LastSeenAt.Format(time.RFC3339)))
	msg.WriteString(fmt.Sprintf("Fingerprint:  %s\r\n", n.Fingerprint))
	msg.WriteString("\r\n")
	msg.WriteString(n.SampleMessage)
	msg.WriteString("\r\n")

	return []byte(msg.String())
}

// sendMail sends the email via SMTP. Connection and transfer failures are
// retryable; rejected credentials, senders and recipients are not.
func (e *EmailChannel) sendMail(ctx context.Context, msg []byte) error {
	addr := e.Endpoint()
	tlsConfig := &tls.Config{ServerName: e.config.Host}

	var (
		client *smtp.Client
		err    error
	)
	if e.config.Port == 465 {
		client, err = e.connectImplicitTLS(ctx, addr, tlsConfig)
	} else {
		client, err = e.connectSTARTTLS(ctx, addr, tlsConfig)
	}
	if err != nil {
		return Transientf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()

	if e.config.Username != "" && e.config.Password != "" {
		auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
		if err := client.Auth(auth); err != nil {
			return Permanentf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(extractEmail(e.config.From)); err != nil {
		return Permanentf("failed to set sender: %w", err)
	}
	for _, rcpt := range e.config.Recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return Permanentf("failed to add recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return Transientf("failed to start data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return Transientf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return Transientf("failed to close data: %w", err)
	}

	return client.Quit()
}

// connectImplicitTLS connects using implicit TLS (port 465). The context
// deadline bounds both the dial and the SMTP command phase.
func (e *EmailChannel) connectImplicitTLS(ctx context.Context, addr string, tlsConfig *tls.Config) (*smtp.Client, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 30 * time.Second},
		Config:    tlsConfig,
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	applyDeadline(ctx, conn)

	client, err := smtp.NewClient(conn, e.config.Host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// connectSTARTTLS connects using STARTTLS (port 587 or 25).
func (e *EmailChannel) connectSTARTTLS(ctx context.Context, addr string, tlsConfig *tls.Config) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	applyDeadline(ctx, conn)

	client, err := smtp.NewClient(conn, e.config.Host)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

// applyDeadline propagates the context deadline onto the connection so a
// hung server cannot stall the SMTP conversation past the caller's timeout.
func applyDeadline(ctx context.Context, conn net.Conn) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
}

// extractEmail pulls the bare address out of "Name <addr@host>" forms.
func extractEmail(from string) string {
	if start := strings.Index(from, "<"); start >= 0 {
		if end := strings.Index(from[start:], ">"); end > 0 {
			return from[start+1 : start+end]
		}
	}
	return from
}
