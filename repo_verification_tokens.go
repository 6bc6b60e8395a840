package auth

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// VerificationTokens is the bun backed VerificationTokenStore
type VerificationTokens struct {
	db bun.IDB
}

var _ VerificationTokenStore = (*VerificationTokens)(nil)

// NewVerificationTokensRepository creates a new repository.
func NewVerificationTokensRepository(db bun.IDB) *VerificationTokens {
	return &VerificationTokens{db: db}
}

// WithTx returns a repository whose statements run on tx
func (r *VerificationTokens) WithTx(tx bun.IDB) *VerificationTokens {
	return NewVerificationTokensRepository(tx)
}

// Create implements VerificationTokenStore.
func (r *VerificationTokens) Create(ctx context.Context, token *EmailVerificationToken) (*EmailVerificationToken, error) {
	if token == nil {
		return nil, errors.New("verification token is required", errors.CategoryBadInput)
	}

	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	token.Email = NormalizeEmail(token.Email)
	token.CreatedAt = token.CreatedAt.UTC()
	token.ExpiresAt = token.ExpiresAt.UTC()

	if _, err := r.db.NewInsert().Model(token).Exec(ctx); err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to create verification token")
	}
	return token, nil
}

// GetUnusedUnexpiredByValue implements VerificationTokenStore.
func (r *VerificationTokens) GetUnusedUnexpiredByValue(ctx context.Context, value string, now time.Time) (*EmailVerificationToken, error) {
	if value == "" {
		return nil, ErrVerificationTokenNotFound
	}

	token := &EmailVerificationToken{}
	err := r.db.NewSelect().
		Model(token).
		Where("?TableAlias.token = ?", value).
		Where("?TableAlias.is_used = ?", false).
		Where("?TableAlias.expires_at > ?", now.UTC()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, ErrVerificationTokenNotFound
		}
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to retrieve verification token")
	}
	return token, nil
}

// MarkUsed implements VerificationTokenStore. The read and the write are a
// single conditional update so only one concurrent caller can consume a token.
func (r *VerificationTokens) MarkUsed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	now = now.UTC()
	res, err := r.db.NewUpdate().
		Model((*EmailVerificationToken)(nil)).
		Set("is_used = ?", true).
		Set("used_at = ?", now).
		Where("id = ?", id).
		Where("is_used = ?", false).
		Where("expires_at > ?", now).
		Exec(ctx)
	if err != nil {
		return false, errors.Wrap(err, errors.CategoryInternal, "failed to mark verification token as used")
	}
	return affected(res) == 1, nil
}

// DeleteAllForUser implements VerificationTokenStore.
func (r *VerificationTokens) DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	res, err := r.db.NewDelete().
		Model((*EmailVerificationToken)(nil)).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.CategoryInternal, "failed to delete verification tokens")
	}
	return affected(res), nil
}

// DeleteExpired removes used tokens and tokens past their expiration.
func (r *VerificationTokens) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.NewDelete().
		Model((*EmailVerificationToken)(nil)).
		WhereOr("expires_at <= ?", now.UTC()).
		WhereOr("is_used = ?", true).
		Exec(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.CategoryInternal, "failed to delete expired verification tokens")
	}
	return affected(res), nil
}

// ListForUser returns every token row of a user, newest first
func (r *VerificationTokens) ListForUser(ctx context.Context, userID uuid.UUID) ([]EmailVerificationToken, error) {
	var tokens []EmailVerificationToken
	err := r.db.NewSelect().
		Model(&tokens).
		Where("?TableAlias.user_id = ?", userID).
		OrderExpr("?TableAlias.created_at DESC").
		Scan(ctx)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to list verification tokens")
	}
	return tokens, nil
}
