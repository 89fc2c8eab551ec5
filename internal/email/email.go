// ABOUTME: SMTP email delivery using go-mail. Dial-per-send for sporadic publish notifications.
// ABOUTME: Each recipient gets its own message so owners never see each other's addresses.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
)

// Message is one outgoing email.
type Message struct {
	To       string
	Subject  string
	TextBody string
	HTMLBody string
}

// Mailer sends email. Job bodies depend on this interface so tests can
// record messages instead of speaking SMTP.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig holds SMTP connection parameters.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	TLS      bool
}

// SMTP is a Mailer backed by an SMTP relay.
type SMTP struct {
	cfg SMTPConfig
}

// NewSMTP returns an SMTP mailer for cfg.
func NewSMTP(cfg SMTPConfig) *SMTP {
	return &SMTP{cfg: cfg}
}

var headerSanitizer = strings.NewReplacer("\r", "", "\n", "")

// Send delivers msg with DialAndSend; no connection is kept open.
func (s *SMTP) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errors.New("email send: no recipient")
	}

	m := mail.NewMsg()
	if err := m.FromFormat("crates.io", s.cfg.From); err != nil {
		return fmt.Errorf("email send: set from: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("email send: set to: %w", err)
	}
	m.Subject(headerSanitizer.Replace(msg.Subject))
	m.SetBodyString(mail.TypeTextPlain, msg.TextBody)
	if msg.HTMLBody != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTMLBody)
	}

	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	if s.cfg.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("email send: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email send to %s: %w", msg.To, err)
	}
	return nil
}
