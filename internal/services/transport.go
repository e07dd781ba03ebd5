package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/threadloop/snowball/internal/config"
	"github.com/threadloop/snowball/internal/models"
	"github.com/threadloop/snowball/pkg/logger"
)

// Transport delivers a single email. Implementations return raw errors;
// transient/permanent classification is the dispatcher's job, not the
// transport's.
type Transport interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPTransport sends invitations through a configured SMTP relay.
type SMTPTransport struct {
	cfg *config.SMTPConfig
}

func NewSMTPTransport(cfg *config.SMTPConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

func (t *SMTPTransport) Send(ctx context.Context, to, subject, body string) error {
	from := t.cfg.From
	if from == "" {
		from = t.cfg.Username
	}

	headers := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
	}

	var message strings.Builder
	for _, h := range headers {
		message.WriteString(h)
		message.WriteString("\r\n")
	}
	message.WriteString("\r\n")
	message.WriteString(body)

	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)

	var auth smtp.Auth
	if t.cfg.Username != "" && t.cfg.Password != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	}

	return t.send(ctx, addr, auth, from, to, message.String())
}

// send dials with the caller's context so per-attempt timeouts propagate to
// the connection, then walks the SMTP conversation.
func (t *SMTPTransport) send(ctx context.Context, addr string, auth smtp.Auth, from, to, message string) error {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if t.cfg.UseTLS {
		conn = tls.Client(conn, &tls.Config{ServerName: t.cfg.Host})
	}

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}

	if err := client.Mail(from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(message)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	return client.Quit()
}

// LogTransport logs instead of sending. Used when SMTP is disabled so the
// rest of the pipeline stays exercisable in development.
type LogTransport struct{}

func (LogTransport) Send(ctx context.Context, to, subject, body string) error {
	logger.Info().
		Str("to", to).
		Str("subject", subject).
		Msg("smtp disabled, dropping outbound email")
	return nil
}

// NewTransport selects the transport implementation from config.
func NewTransport(cfg *config.SMTPConfig) Transport {
	if !cfg.Enabled || cfg.Host == "" {
		return LogTransport{}
	}
	return NewSMTPTransport(cfg)
}

// BuildInviteSubject renders the invitation subject line for a repository.
func BuildInviteSubject(repo *models.Repository) string {
	return fmt.Sprintf("You're invited to the %s list", repo.Topic)
}

// BuildInviteBody renders the invitation email body, including the opt-in
// link that drives further propagation.
func BuildInviteBody(repo *models.Repository, member *models.Member, optInBaseURL string) string {
	var sb strings.Builder

	sb.WriteString("<html><body style=\"font-family: Arial, sans-serif;\">")
	sb.WriteString(fmt.Sprintf("<h2>%s</h2>", repo.Topic))
	sb.WriteString("<p>A member of this list thought you'd want in on the discussion.</p>")

	optInURL := fmt.Sprintf("%s/%d/%d", strings.TrimRight(optInBaseURL, "/"), repo.ID, member.ID)
	sb.WriteString(fmt.Sprintf("<p><a href=\"%s\">Join the list</a> to receive future threads and invite others.</p>", optInURL))

	sb.WriteString("<hr><p style=\"color: #888; font-size: 12px;\">")
	sb.WriteString("You received this because your address was added to a topic list. ")
	sb.WriteString("If you do nothing, we won't email you again for this topic.")
	sb.WriteString("</p></body></html>")

	return sb.String()
}
