// Package mailer sends transactional auth emails. The default backend just
// logs the message, which is what local development wants; production
// configures SMTP.
package mailer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"

	"github.com/insforge/insforge/internal/config"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Mailer delivers messages. Implementations must be safe for concurrent use.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// New builds the backend selected by configuration.
func New(cfg config.EmailConfig, logger *slog.Logger) (Mailer, error) {
	switch cfg.Backend {
	case "", "log":
		return NewLogMailer(logger), nil
	case "smtp":
		return NewSMTPMailer(cfg)
	}
	return nil, fmt.Errorf("unknown email backend %q", cfg.Backend)
}

// LogMailer prints messages to the log instead of delivering them.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("email (log backend)",
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.Text)
	return nil
}

// SMTPMailer delivers over SMTP using go-mail.
type SMTPMailer struct {
	client   *mail.Client
	from     string
	fromName string
}

func NewSMTPMailer(cfg config.EmailConfig) (*SMTPMailer, error) {
	if cfg.SMTP.Host == "" {
		return nil, fmt.Errorf("smtp backend requires a host")
	}
	opts := []mail.Option{
		mail.WithPort(cfg.SMTP.Port),
	}
	if cfg.SMTP.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.SMTP.Username),
			mail.WithPassword(cfg.SMTP.Password),
		)
	}
	if cfg.SMTP.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(cfg.SMTP.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTPMailer{client: client, from: cfg.From, fromName: cfg.FromName}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	email := mail.NewMsg()
	if m.fromName != "" {
		if err := email.FromFormat(m.fromName, m.from); err != nil {
			return fmt.Errorf("set from: %w", err)
		}
	} else if err := email.From(m.from); err != nil {
		return fmt.Errorf("set from: %w", err)
	}
	if err := email.To(msg.To); err != nil {
		return fmt.Errorf("set to: %w", err)
	}
	email.Subject(msg.Subject)
	email.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		email.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}

	if err := m.client.DialAndSendWithContext(ctx, email); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
