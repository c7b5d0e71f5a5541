package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"

	"github.com/notifyhub/notifyhub/app/database"
)

// Mailer sends a single plain-text message.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer delivers through a plain SMTP relay.
type SMTPMailer struct {
	addr string
	from string
}

var _ Mailer = (*SMTPMailer)(nil)

func NewSMTPMailer(host string, port int, from string) *SMTPMailer {
	return &SMTPMailer{
		addr: fmt.Sprintf("%s:%d", host, port),
		from: from,
	}
}

func (m *SMTPMailer) Send(_ context.Context, to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.from, to, subject, body)
	if err := smtp.SendMail(m.addr, nil, m.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

// LogMailer stands in when no SMTP relay is configured: the message is
// logged and delivery reports success.
type LogMailer struct{}

var _ Mailer = (*LogMailer)(nil)

func (LogMailer) Send(_ context.Context, to, subject, _ string) error {
	slog.Info("Email delivery disabled, message logged only", "to", to, "subject", subject)
	return nil
}

// EmailProvider handles the EMAIL channel.
type EmailProvider struct {
	mailer Mailer
}

var _ Provider = (*EmailProvider)(nil)

func NewEmailProvider(mailer Mailer) *EmailProvider {
	return &EmailProvider{mailer: mailer}
}

func (p *EmailProvider) Channel() database.Channel {
	return database.ChannelEmail
}

func (p *EmailProvider) Deliver(ctx context.Context, _ database.Notification, event database.Event, user database.User) error {
	if user.Email == "" {
		return Fatal(fmt.Errorf("user %d has no email address", user.ID))
	}

	subject := "[NotifyHub] " + event.Title
	body := fmt.Sprintf("Event: %s\nSource: %s\nPriority: %s\n\n%s",
		event.Title, event.SourceType, event.Priority, event.Payload)
	return p.mailer.Send(ctx, user.Email, subject, body)
}
