package auth

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// DefaultLanguage is used when a registration does not carry one
const DefaultLanguage = "en-US"

// User is the user model
type User struct {
	bun.BaseModel      `bun:"table:users,alias:usr"`
	ID                 uuid.UUID  `bun:"id,pk,type:uuid" json:"id,omitempty"`
	Email              string     `bun:"email,notnull,unique" json:"email,omitempty"`
	FirstName          string     `bun:"first_name,notnull" json:"first_name,omitempty"`
	LastName           string     `bun:"last_name,notnull" json:"last_name,omitempty"`
	Phone              string     `bun:"phone_number" json:"phone_number,omitempty"`
	Language           string     `bun:"language" json:"language,omitempty"`
	PasswordHash       string     `bun:"password_hash,notnull" json:"-"`
	EmailConfirmed     bool       `bun:"email_confirmed,notnull" json:"email_confirmed"`
	IsActive           bool       `bun:"is_active,notnull" json:"is_active"`
	RefreshToken       *string    `bun:"refresh_token" json:"-"`
	RefreshTokenExpiry *time.Time `bun:"refresh_token_expiry" json:"-"`
	LastLoginAt        *time.Time `bun:"last_login_at" json:"last_login_at,omitempty"`
	CreatedAt          time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt          time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

// HasRefreshToken reports whether value is the stored, unexpired refresh token
func (u *User) HasRefreshToken(value string, now time.Time) bool {
	if u == nil || u.RefreshToken == nil || u.RefreshTokenExpiry == nil {
		return false
	}
	return *u.RefreshToken == value && u.RefreshTokenExpiry.After(now)
}

// UserRoleMembership links a user to one role name
type UserRoleMembership struct {
	bun.BaseModel `bun:"table:user_roles,alias:ur"`
	UserID        uuid.UUID `bun:"user_id,pk,type:uuid"`
	Role          UserRole  `bun:"role,pk"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

// EmailVerificationToken is a single use proof of email ownership
type EmailVerificationToken struct {
	bun.BaseModel `bun:"table:email_verification_tokens,alias:evt"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	UserID        uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id"`
	Token         string     `bun:"token,notnull,unique" json:"-"`
	Email         string     `bun:"email,notnull" json:"email"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
	ExpiresAt     time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	IsUsed        bool       `bun:"is_used,notnull" json:"is_used"`
	UsedAt        *time.Time `bun:"used_at" json:"used_at,omitempty"`
}

// IsConsumable reports whether the token can still be used at now
func (t *EmailVerificationToken) IsConsumable(now time.Time) bool {
	if t == nil {
		return false
	}
	return !t.IsUsed && now.Before(t.ExpiresAt)
}

// NormalizeEmail returns the comparison key for an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FullName joins first and last name
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
