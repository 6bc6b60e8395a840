package notify

import (
	"context"

	auth "github.com/goliatone/go-auth-lifecycle"
	goerrors "github.com/goliatone/go-errors"
	"gopkg.in/gomail.v2"
)

// Dialer sends prepared messages, *gomail.Dialer satisfies it
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPConfig holds the mail server settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSink delivers notices over SMTP. It implements auth.NotificationSink.
type SMTPSink struct {
	dialer   Dialer
	renderer *Renderer
	from     string
}

var _ auth.NotificationSink = (*SMTPSink)(nil)

// NewSMTPSink creates a sink that dials cfg for every message
func NewSMTPSink(cfg SMTPConfig, renderer *Renderer) *SMTPSink {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return NewSMTPSinkWithDialer(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), renderer, from)
}

// NewSMTPSinkWithDialer creates a sink over an existing dialer
func NewSMTPSinkWithDialer(dialer Dialer, renderer *Renderer, from string) *SMTPSink {
	return &SMTPSink{dialer: dialer, renderer: renderer, from: from}
}

// SendVerificationEmail implements auth.NotificationSink.
func (s *SMTPSink) SendVerificationEmail(ctx context.Context, notice auth.VerificationNotice) (bool, error) {
	msg, err := s.renderer.Verification(notice)
	if err != nil {
		return false, err
	}
	return s.send(ctx, msg)
}

// SendWelcomeEmail implements auth.NotificationSink.
func (s *SMTPSink) SendWelcomeEmail(ctx context.Context, notice auth.WelcomeNotice) (bool, error) {
	msg, err := s.renderer.Welcome(notice)
	if err != nil {
		return false, err
	}
	return s.send(ctx, msg)
}

func (s *SMTPSink) send(ctx context.Context, msg *Message) (bool, error) {
	// gomail has no context support, only check before dialing
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTML)

	if err := s.dialer.DialAndSend(m); err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to send "+msg.Kind+" email")
	}
	return true, nil
}
