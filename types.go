package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// LoggerProvider hands out named loggers
type LoggerProvider interface {
	GetLogger(name string) Logger
}

// Config holds the session and lifecycle options read at startup
type Config interface {
	GetSigningKey() string
	GetIssuer() string
	GetAudience() []string
	// GetTokenExpiration returns the access token TTL in days
	GetTokenExpiration() int
	GetRefreshTokenTTL() time.Duration
	GetVerificationTokenTTL() time.Duration
	GetVerificationCodeLength() int
	GetBaseURL() string
}

// CredentialStore holds user records, credentials and role memberships.
type CredentialStore interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)
	FindByRefreshToken(ctx context.Context, value string) (*User, error)
	Create(ctx context.Context, user *User, rawPassword string) (*User, error)
	Update(ctx context.Context, user *User) (*User, error)
	VerifyPassword(user *User, rawPassword string) error

	GetRoles(ctx context.Context, user *User) ([]UserRole, error)
	AddToRole(ctx context.Context, user *User, role UserRole) error
	RemoveFromRole(ctx context.Context, user *User, role UserRole) error

	// StoreSession overwrites the refresh token unconditionally, last write wins.
	StoreSession(ctx context.Context, userID uuid.UUID, refreshToken string, expiry, loginAt time.Time) error
	// RotateRefreshToken swaps current for next only while current is still stored and unexpired.
	RotateRefreshToken(ctx context.Context, userID uuid.UUID, current, next string, expiry time.Time) (bool, error)
	ClearRefreshToken(ctx context.Context, userID uuid.UUID) (bool, error)
	ConfirmEmail(ctx context.Context, userID uuid.UUID) (bool, error)
}

// VerificationTokenStore holds single use email verification tokens.
type VerificationTokenStore interface {
	Create(ctx context.Context, token *EmailVerificationToken) (*EmailVerificationToken, error)
	GetUnusedUnexpiredByValue(ctx context.Context, value string, now time.Time) (*EmailVerificationToken, error)
	// MarkUsed is the only place a token is consumed, it reports false when
	// another caller consumed the token first or it expired.
	MarkUsed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// TxStores are stores bound to a single transaction
type TxStores struct {
	Users  CredentialStore
	Tokens VerificationTokenStore
}

// TxRunner runs fn in one transaction. Returning an error from fn rolls
// back every write made through the given stores.
type TxRunner func(ctx context.Context, fn func(ctx context.Context, stores TxStores) error) error

// PasswordHasher hashes and compares passwords
type PasswordHasher interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
}

// AttemptCounter counts failed login attempts in a shared store
type AttemptCounter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] AUTH "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] AUTH "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] AUTH "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] AUTH "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

// ResolveLogger returns a named logger. An explicit logger wins over the
// provider, and the printf logger is used when neither is set.
func ResolveLogger(name string, provider LoggerProvider, logger Logger) (LoggerProvider, Logger) {
	if logger != nil {
		return provider, logger
	}

	if provider != nil {
		if l := provider.GetLogger(name); l != nil {
			return provider, l
		}
	}

	return provider, defLogger{}
}

type noopAttemptCounter struct{}

func (noopAttemptCounter) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

func (noopAttemptCounter) Count(context.Context, string) (int64, error) { return 0, nil }

func (noopAttemptCounter) Reset(context.Context, string) error { return nil }
