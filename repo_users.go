package auth

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"
)

// ErrUserNotFound is returned by the user store lookups
var ErrUserNotFound = errors.New(MsgUserNotFound, errors.CategoryNotFound).
	WithTextCode(TextCodeUserNotFound).
	WithCode(errors.CodeNotFound)

// Users is the bun backed CredentialStore
type Users interface {
	CredentialStore
	AccountStore

	CreateTx(ctx context.Context, tx bun.IDB, user *User, rawPassword string) (*User, error)
	AddToRoleTx(ctx context.Context, tx bun.IDB, user *User, role UserRole) error
	// WithTx returns a copy whose every statement runs on tx
	WithTx(tx bun.IDB) Users
}

type users struct {
	base     repository.Repository[*User]
	db       bun.IDB
	hasher   PasswordHasher
	registry *RoleRegistry
	now      func() time.Time
}

var _ Users = (*users)(nil)

// UsersOption customizes the users repository
type UsersOption func(*users)

// WithUsersHasher sets the password hasher
func WithUsersHasher(hasher PasswordHasher) UsersOption {
	return func(u *users) {
		if hasher != nil {
			u.hasher = hasher
		}
	}
}

// WithUsersRoleRegistry restricts AddToRole to the registry
func WithUsersRoleRegistry(registry *RoleRegistry) UsersOption {
	return func(u *users) {
		if registry != nil {
			u.registry = registry
		}
	}
}

// WithUsersClock injects a custom clock (useful for tests).
func WithUsersClock(clock func() time.Time) UsersOption {
	return func(u *users) {
		if clock != nil {
			u.now = clock
		}
	}
}

// NewUsersRepository creates the users store over db
func NewUsersRepository(db *bun.DB, opts ...UsersOption) Users {
	base := repository.NewRepository[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	repo := &users{
		base:     base,
		db:       db,
		hasher:   NewBcryptHasher(0),
		registry: NewRoleRegistry(),
		now:      func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	return repo
}

func (a *users) FindByEmail(ctx context.Context, email string) (*User, error) {
	key := NormalizeEmail(email)
	if key == "" {
		return nil, ErrUserNotFound
	}
	return a.findOne(ctx, "?TableAlias.email = ?", key)
}

func (a *users) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	if id == uuid.Nil {
		return nil, ErrUserNotFound
	}
	return a.findOne(ctx, "?TableAlias.id = ?", id)
}

func (a *users) WithTx(tx bun.IDB) Users {
	bound := *a
	bound.db = tx
	return &bound
}

func (a *users) FindByRefreshToken(ctx context.Context, value string) (*User, error) {
	if strings.TrimSpace(value) == "" {
		return nil, ErrUserNotFound
	}
	return a.findOne(ctx, "?TableAlias.refresh_token = ?", value)
}

func (a *users) findOne(ctx context.Context, where string, args ...any) (*User, error) {
	record := &User{}
	err := a.db.NewSelect().
		Model(record).
		Where(where, args...).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to retrieve user")
	}
	return record, nil
}

func (a *users) Create(ctx context.Context, user *User, rawPassword string) (*User, error) {
	return a.CreateTx(ctx, a.db, user, rawPassword)
}

func (a *users) CreateTx(ctx context.Context, tx bun.IDB, user *User, rawPassword string) (*User, error) {
	if user == nil {
		return nil, errors.New("user is required", errors.CategoryBadInput)
	}

	hash, err := a.hasher.HashPassword(rawPassword)
	if err != nil {
		var richErr *errors.Error
		if errors.As(err, &richErr) {
			return nil, richErr
		}
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to hash password")
	}

	user.PasswordHash = hash
	a.prepareUserDefaults(user)

	created, err := a.base.CreateTx(ctx, tx, user)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailAlreadyExists
		}
		return nil, errors.Wrap(err, errors.CategoryInternal, "could not create user")
	}

	return created, nil
}

func (a *users) Update(ctx context.Context, user *User) (*User, error) {
	if user == nil || user.ID == uuid.Nil {
		return nil, errors.New("user id is required", errors.CategoryBadInput)
	}

	user.Email = NormalizeEmail(user.Email)
	user.UpdatedAt = a.now()

	updated, err := a.base.UpdateTx(ctx, a.db, user, repository.UpdateByID(user.ID.String()))
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrUserNotFound
		}
		if isUniqueViolation(err) {
			return nil, ErrEmailAlreadyExists
		}
		return nil, errors.Wrap(err, errors.CategoryInternal, "could not update user")
	}
	return updated, nil
}

func (a *users) VerifyPassword(user *User, rawPassword string) error {
	if user == nil || user.PasswordHash == "" {
		return ErrMismatchedHashAndPassword
	}
	return a.hasher.ComparePasswordAndHash(rawPassword, user.PasswordHash)
}

func (a *users) GetRoles(ctx context.Context, user *User) ([]UserRole, error) {
	if user == nil {
		return nil, ErrUserNotFound
	}

	var memberships []UserRoleMembership
	err := a.db.NewSelect().
		Model(&memberships).
		Where("?TableAlias.user_id = ?", user.ID).
		OrderExpr("?TableAlias.created_at ASC, ?TableAlias.role ASC").
		Scan(ctx)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to retrieve user roles")
	}

	roles := make([]UserRole, 0, len(memberships))
	for _, m := range memberships {
		roles = append(roles, m.Role)
	}
	return roles, nil
}

func (a *users) AddToRole(ctx context.Context, user *User, role UserRole) error {
	return a.AddToRoleTx(ctx, a.db, user, role)
}

func (a *users) AddToRoleTx(ctx context.Context, tx bun.IDB, user *User, role UserRole) error {
	if user == nil {
		return ErrUserNotFound
	}

	if !a.registry.Contains(role) {
		return ErrInvalidRole
	}

	membership := &UserRoleMembership{
		UserID:    user.ID,
		Role:      role,
		CreatedAt: a.now(),
	}

	_, err := tx.NewInsert().
		Model(membership).
		On("CONFLICT (user_id, role) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "failed to add user to role")
	}
	return nil
}

func (a *users) RemoveFromRole(ctx context.Context, user *User, role UserRole) error {
	if user == nil {
		return ErrUserNotFound
	}

	_, err := a.db.NewDelete().
		Model((*UserRoleMembership)(nil)).
		Where("user_id = ?", user.ID).
		Where("role = ?", role).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "failed to remove user from role")
	}
	return nil
}

func (a *users) StoreSession(ctx context.Context, userID uuid.UUID, refreshToken string, expiry, loginAt time.Time) error {
	res, err := a.db.NewUpdate().
		Model((*User)(nil)).
		Set("refresh_token = ?", refreshToken).
		Set("refresh_token_expiry = ?", expiry.UTC()).
		Set("last_login_at = ?", loginAt.UTC()).
		Set("updated_at = ?", a.now()).
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "failed to store session")
	}

	if affected(res) == 0 {
		return ErrUserNotFound
	}
	return nil
}

// RotateRefreshToken is a compare and swap on the stored refresh token, the
// first caller to present current wins.
func (a *users) RotateRefreshToken(ctx context.Context, userID uuid.UUID, current, next string, expiry time.Time) (bool, error) {
	now := a.now()
	res, err := a.db.NewUpdate().
		Model((*User)(nil)).
		Set("refresh_token = ?", next).
		Set("refresh_token_expiry = ?", expiry.UTC()).
		Set("updated_at = ?", now).
		Where("id = ?", userID).
		Where("refresh_token = ?", current).
		Where("refresh_token_expiry > ?", now).
		Exec(ctx)
	if err != nil {
		return false, errors.Wrap(err, errors.CategoryInternal, "failed to rotate refresh token")
	}
	return affected(res) == 1, nil
}

func (a *users) ClearRefreshToken(ctx context.Context, userID uuid.UUID) (bool, error) {
	res, err := a.db.NewUpdate().
		Model((*User)(nil)).
		Set("refresh_token = NULL").
		Set("refresh_token_expiry = NULL").
		Set("updated_at = ?", a.now()).
		Where("id = ?", userID).
		Where("refresh_token IS NOT NULL").
		Exec(ctx)
	if err != nil {
		return false, errors.Wrap(err, errors.CategoryInternal, "failed to clear refresh token")
	}
	return affected(res) > 0, nil
}

func (a *users) ConfirmEmail(ctx context.Context, userID uuid.UUID) (bool, error) {
	res, err := a.db.NewUpdate().
		Model((*User)(nil)).
		Set("email_confirmed = ?", true).
		Set("updated_at = ?", a.now()).
		Where("id = ?", userID).
		Where("email_confirmed = ?", false).
		Exec(ctx)
	if err != nil {
		return false, errors.Wrap(err, errors.CategoryInternal, "failed to confirm email")
	}
	return affected(res) > 0, nil
}

func (a *users) SetActive(ctx context.Context, userID uuid.UUID, active bool) (bool, error) {
	res, err := a.db.NewUpdate().
		Model((*User)(nil)).
		Set("is_active = ?", active).
		Set("updated_at = ?", a.now()).
		Where("id = ?", userID).
		Where("is_active = ?", !active).
		Exec(ctx)
	if err != nil {
		return false, errors.Wrap(err, errors.CategoryInternal, "failed to update account status")
	}
	return affected(res) > 0, nil
}

func (a *users) prepareUserDefaults(record *User) {
	now := a.now()

	record.Email = NormalizeEmail(record.Email)
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Language == "" {
		record.Language = DefaultLanguage
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
}

func affected(res sql.Result) int64 {
	if res == nil {
		return 0
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

// isUniqueViolation detects unique constraint failures from postgres and sqlite
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
