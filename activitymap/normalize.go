// Package activitymap flattens auth activity events into the record shape
// stored by the security event log and forwarded to downstream systems.
package activitymap

import (
	"strings"
	"time"

	auth "github.com/goliatone/go-auth-lifecycle"
)

// Detail keys filled from the event itself. Values already present in the
// event metadata are kept.
const (
	DetailActorType = "actor_type"
	DetailFromState = "from_state"
	DetailToState   = "to_state"
	DetailReason    = "reason"
)

// Redacted replaces the value of sensitive detail keys
const Redacted = "[redacted]"

const systemActor = "system"

// defaultSensitiveKeys never reach the security log in clear text
var defaultSensitiveKeys = []string{
	"password",
	"confirm_password",
	"token",
	"refresh_token",
	"access_token",
	"verification_code",
}

// Record is one row of the security event log
type Record struct {
	EventType  string         `json:"event_type"`
	Severity   string         `json:"severity"`
	UserID     string         `json:"user_id,omitempty"`
	Email      string         `json:"email,omitempty"`
	ActorID    string         `json:"actor_id"`
	ActorType  string         `json:"actor_type,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// IsFailure reports whether the record describes a rejected attempt
func (r Record) IsFailure() bool {
	return r.Severity == auth.SeverityWarning
}

// Option customizes normalization
type Option func(*options)

type options struct {
	actorFallback string
	sensitive     map[string]struct{}
	now           func() time.Time
}

// WithActorFallback sets the actor id used when neither the actor nor the
// user is known, e.g. a login attempt for an unknown email.
func WithActorFallback(actorID string) Option {
	return func(o *options) {
		if actorID = strings.TrimSpace(actorID); actorID != "" {
			o.actorFallback = actorID
		}
	}
}

// WithSensitiveKeys adds detail keys whose values are redacted
func WithSensitiveKeys(keys ...string) Option {
	return func(o *options) {
		for _, key := range keys {
			o.sensitive[strings.ToLower(strings.TrimSpace(key))] = struct{}{}
		}
	}
}

// WithClock sets the time used for events without OccurredAt
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.now = clock
		}
	}
}

// Normalize converts event into a Record. The event metadata is copied,
// never modified.
func Normalize(event auth.ActivityEvent, opts ...Option) Record {
	o := options{
		actorFallback: systemActor,
		sensitive:     make(map[string]struct{}, len(defaultSensitiveKeys)),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, key := range defaultSensitiveKeys {
		o.sensitive[key] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = o.now()
	}

	userID := strings.TrimSpace(event.UserID)
	actorID := strings.TrimSpace(event.Actor.ID)
	if actorID == "" {
		actorID = userID
	}
	if actorID == "" {
		actorID = o.actorFallback
	}

	return Record{
		EventType:  string(event.EventType),
		Severity:   event.Severity(),
		UserID:     userID,
		Email:      auth.NormalizeEmail(event.Email),
		ActorID:    actorID,
		ActorType:  strings.TrimSpace(event.Actor.Type),
		IPAddress:  strings.TrimSpace(event.Request.IPAddress),
		UserAgent:  strings.TrimSpace(event.Request.UserAgent),
		Details:    details(event, o.sensitive),
		OccurredAt: occurredAt.UTC(),
	}
}

func details(event auth.ActivityEvent, sensitive map[string]struct{}) map[string]any {
	out := make(map[string]any, len(event.Metadata)+3)
	for key, value := range event.Metadata {
		if _, hidden := sensitive[strings.ToLower(key)]; hidden {
			out[key] = Redacted
			continue
		}
		out[key] = value
	}

	if actorType := strings.TrimSpace(event.Actor.Type); actorType != "" {
		if _, exists := out[DetailActorType]; !exists {
			out[DetailActorType] = actorType
		}
	}
	if event.FromState != "" {
		out[DetailFromState] = string(event.FromState)
	}
	if event.ToState != "" {
		out[DetailToState] = string(event.ToState)
	}

	return out
}
