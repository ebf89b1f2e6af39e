package notification

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMTPConfig holds outbound mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// GomailSender sends plain-text mail over SMTP.
type GomailSender struct {
	dialer *gomail.Dialer
	from   string
}

func NewGomailSender(cfg SMTPConfig) (*GomailSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host not configured")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp sender address not configured")
	}
	return &GomailSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}, nil
}

func (s *GomailSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// EmailSink mails new prescriptions to the pharmacy inbox. Subscribe it to
// EventPrescriptionReady.
type EmailSink struct {
	sender    EmailSender
	inbox     string
	templates *TemplateEngine
}

func NewEmailSink(sender EmailSender, inbox string, templates *TemplateEngine) *EmailSink {
	return &EmailSink{sender: sender, inbox: inbox, templates: templates}
}

func (s *EmailSink) Deliver(ctx context.Context, ev Event) error {
	if ev.Type != EventPrescriptionReady {
		return nil
	}
	subject, body, err := s.templates.Render(TemplatePrescriptionEmail, TemplateData(ev))
	if err != nil {
		return err
	}
	return s.sender.SendEmail(ctx, s.inbox, subject, body)
}
