package auth

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultNotificationTimeout bounds a single fire-and-forget dispatch
const DefaultNotificationTimeout = 30 * time.Second

// VerificationNotice is the payload of a verification email
type VerificationNotice struct {
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Token     string    `json:"token"`
	Link      string    `json:"link"`
	Language  string    `json:"language"`
	ExpiresAt time.Time `json:"expires_at"`
}

// WelcomeNotice is the payload of a welcome email
type WelcomeNotice struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Language  string `json:"language"`
}

// NotificationSink delivers account emails. The boolean reports whether the
// message was accepted for delivery, it never changes a lifecycle outcome.
type NotificationSink interface {
	SendVerificationEmail(ctx context.Context, notice VerificationNotice) (bool, error)
	SendWelcomeEmail(ctx context.Context, notice WelcomeNotice) (bool, error)
}

// VerificationLink builds {baseURL}/auth/verify-email?token=..&email=..
func VerificationLink(baseURL, token, email string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("email", email)
	return strings.TrimRight(baseURL, "/") + "/auth/verify-email?" + q.Encode()
}

type noopNotificationSink struct{}

func (noopNotificationSink) SendVerificationEmail(context.Context, VerificationNotice) (bool, error) {
	return false, nil
}

func (noopNotificationSink) SendWelcomeEmail(context.Context, WelcomeNotice) (bool, error) {
	return false, nil
}

// notificationDispatcher runs sink calls off the caller's path. Results are
// only logged.
type notificationDispatcher struct {
	sink    NotificationSink
	logger  Logger
	timeout time.Duration
	inline  bool

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (d *notificationDispatcher) dispatch(ctx context.Context, kind, email string, send func(ctx context.Context) (bool, error)) {
	run := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("notification panic", "kind", kind, "email", email, "panic", r)
			}
		}()

		sent, err := send(ctx)
		switch {
		case err != nil:
			d.logger.Error("notification failed", "kind", kind, "email", email, "error", err)
		case !sent:
			d.logger.Warn("notification not accepted", "kind", kind, "email", email)
		default:
			d.logger.Debug("notification sent", "kind", kind, "email", email)
		}
	}

	// the request context is usually canceled as soon as the caller returns
	detached := context.WithoutCancel(ctx)
	if d.inline {
		run(detached)
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		run(detached)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		run(detached)
	}()
}

// wait stops background dispatch, later notifications run inline, and
// blocks until the ones already started are done.
func (d *notificationDispatcher) wait() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
