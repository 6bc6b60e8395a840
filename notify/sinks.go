package notify

import (
	"context"
	"errors"

	auth "github.com/goliatone/go-auth-lifecycle"
)

// LogSink writes notices to a logger instead of sending them. Useful for
// local development, the verification link ends up in the log.
type LogSink struct {
	logger auth.Logger
}

var _ auth.NotificationSink = LogSink{}

// NewLogSink creates a sink writing to logger
func NewLogSink(logger auth.Logger) LogSink {
	return LogSink{logger: logger}
}

// SendVerificationEmail implements auth.NotificationSink.
func (s LogSink) SendVerificationEmail(_ context.Context, notice auth.VerificationNotice) (bool, error) {
	s.logger.Info("verification email", "email", notice.Email, "link", notice.Link, "expires_at", notice.ExpiresAt)
	return true, nil
}

// SendWelcomeEmail implements auth.NotificationSink.
func (s LogSink) SendWelcomeEmail(_ context.Context, notice auth.WelcomeNotice) (bool, error) {
	s.logger.Info("welcome email", "email", notice.Email)
	return true, nil
}

// MultiSink sends through every sink. It reports true when at least one
// accepted the message and joins the errors of the others.
type MultiSink []auth.NotificationSink

var _ auth.NotificationSink = MultiSink{}

// SendVerificationEmail implements auth.NotificationSink.
func (m MultiSink) SendVerificationEmail(ctx context.Context, notice auth.VerificationNotice) (bool, error) {
	return m.each(func(s auth.NotificationSink) (bool, error) {
		return s.SendVerificationEmail(ctx, notice)
	})
}

// SendWelcomeEmail implements auth.NotificationSink.
func (m MultiSink) SendWelcomeEmail(ctx context.Context, notice auth.WelcomeNotice) (bool, error) {
	return m.each(func(s auth.NotificationSink) (bool, error) {
		return s.SendWelcomeEmail(ctx, notice)
	})
}

func (m MultiSink) each(send func(auth.NotificationSink) (bool, error)) (bool, error) {
	var (
		accepted bool
		errs     []error
	)
	for _, sink := range m {
		if sink == nil {
			continue
		}
		ok, err := send(sink)
		if err != nil {
			errs = append(errs, err)
		}
		accepted = accepted || ok
	}
	return accepted, errors.Join(errs...)
}
