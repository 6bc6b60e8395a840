package auth

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims are the claims carried by an access token
type SessionClaims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// UserID returns the subject claim
func (c *SessionClaims) UserID() string {
	return c.Subject
}

// TokenID returns the jti claim
func (c *SessionClaims) TokenID() string {
	return c.ID
}

// HasRole checks if the token was issued with role
func (c *SessionClaims) HasRole(role UserRole) bool {
	return slices.Contains(c.Roles, string(role))
}

// Expires returns the expiration time or the zero time
func (c *SessionClaims) Expires() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Issued returns the issued at time or the zero time
func (c *SessionClaims) Issued() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

// claimsTemplate holds the registered claims shared by every access token an
// issuer signs.
type claimsTemplate struct {
	issuer   string
	audience jwt.ClaimStrings
	ttl      time.Duration
}

// forUser stamps the template with the user identity and a fresh jti.
func (t claimsTemplate) forUser(user *User, roles []UserRole, issuedAt time.Time) *SessionClaims {
	return &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    t.issuer,
			Subject:   user.ID.String(),
			Audience:  slices.Clone(t.audience),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(t.ttl)),
		},
		Email: user.Email,
		Roles: RoleNames(roles),
	}
}
