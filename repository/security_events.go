package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	auth "github.com/goliatone/go-auth-lifecycle"
	"github.com/goliatone/go-auth-lifecycle/activitymap"
	goerrors "github.com/goliatone/go-errors"
	"github.com/oklog/ulid/v2"
	"github.com/uptrace/bun"
)

// SecurityEventModel is the Bun model for security events.
type SecurityEventModel struct {
	bun.BaseModel `bun:"table:security_events,alias:se"`

	ID         string         `bun:"id,pk"`
	EventType  string         `bun:"event_type,notnull"`
	UserID     string         `bun:"user_id,nullzero"`
	UserEmail  string         `bun:"user_email,nullzero"`
	ActorID    string         `bun:"actor_id,nullzero"`
	IPAddress  string         `bun:"ip_address,nullzero"`
	UserAgent  string         `bun:"user_agent,nullzero"`
	Severity   string         `bun:"severity,notnull"`
	Details    map[string]any `bun:"details,type:jsonb"`
	OccurredAt time.Time      `bun:"occurred_at,notnull"`
}

// SecurityEvents stores activity events in the security_events table. It
// implements auth.ActivitySink.
type SecurityEvents struct {
	db   bun.IDB
	opts []activitymap.Option
}

var _ auth.ActivitySink = (*SecurityEvents)(nil)

// NewSecurityEvents creates a new repository. opts tune how events are
// normalized before they are stored.
func NewSecurityEvents(db bun.IDB, opts ...activitymap.Option) *SecurityEvents {
	return &SecurityEvents{db: db, opts: opts}
}

// Record implements auth.ActivitySink.
func (r *SecurityEvents) Record(ctx context.Context, event auth.ActivityEvent) error {
	model := r.fromEvent(event)
	if _, err := r.db.NewInsert().Model(model).Exec(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to store security event")
	}
	return nil
}

// ListForUser returns the newest events of a user, limit <= 0 returns all.
func (r *SecurityEvents) ListForUser(ctx context.Context, userID string, limit int) ([]SecurityEventModel, error) {
	var models []SecurityEventModel
	q := r.db.NewSelect().
		Model(&models).
		Where("?TableAlias.user_id = ?", userID).
		OrderExpr("?TableAlias.occurred_at DESC, ?TableAlias.id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to list security events")
	}
	return models, nil
}

// DeleteBefore removes events older than cutoff.
func (r *SecurityEvents) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.NewDelete().
		Model((*SecurityEventModel)(nil)).
		Where("occurred_at < ?", cutoff.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to delete security events")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (r *SecurityEvents) fromEvent(event auth.ActivityEvent) *SecurityEventModel {
	record := activitymap.Normalize(event, r.opts...)

	return &SecurityEventModel{
		ID:         ulid.MustNew(ulid.Timestamp(record.OccurredAt), ulid.DefaultEntropy()).String(),
		EventType:  record.EventType,
		UserID:     record.UserID,
		UserEmail:  record.Email,
		ActorID:    record.ActorID,
		IPAddress:  record.IPAddress,
		UserAgent:  record.UserAgent,
		Severity:   record.Severity,
		Details:    record.Details,
		OccurredAt: record.OccurredAt,
	}
}
