package auth

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventUserStatusChanged   ActivityEventType = "user.status.changed"
	ActivityEventLoginSuccess        ActivityEventType = "auth.login.success"
	ActivityEventLoginFailure        ActivityEventType = "auth.login.failure"
	ActivityEventTokenRefreshed      ActivityEventType = "auth.token.refreshed"
	ActivityEventTokenRefreshFailure ActivityEventType = "auth.token.refresh_failed"
	ActivityEventLogout              ActivityEventType = "auth.logout"
	ActivityEventUserRegistered      ActivityEventType = "auth.user.registered"
	ActivityEventEmailVerified       ActivityEventType = "auth.email.verified"
	ActivityEventVerificationSent    ActivityEventType = "auth.email.verification_sent"
)

// Severity levels attached to activity events
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
)

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType  ActivityEventType
	Actor      ActorRef
	UserID     string
	Email      string
	FromState  AccountState
	ToState    AccountState
	Request    RequestMeta
	Metadata   map[string]any
	OccurredAt time.Time
}

// Severity is warning for failures and info otherwise
func (e ActivityEvent) Severity() string {
	switch e.EventType {
	case ActivityEventLoginFailure, ActivityEventTokenRefreshFailure:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// MultiActivitySink fans an event out to every sink and returns the first error.
type MultiActivitySink []ActivitySink

// Record implements ActivitySink.
func (m MultiActivitySink) Record(ctx context.Context, event ActivityEvent) error {
	var first error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}
