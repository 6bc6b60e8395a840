package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
)

const (
	// MinSigningKeyLength is the shortest HS256 key we accept, in bytes
	MinSigningKeyLength = 32
	// DefaultAccessTokenTTL matches the 7 day access token policy
	DefaultAccessTokenTTL = 7 * 24 * time.Hour
	// DefaultRefreshTokenTTL is the fixed refresh token policy
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// SessionConfig holds what the issuer needs to sign tokens
type SessionConfig struct {
	SigningKey      []byte
	Issuer          string
	Audience        []string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// SessionConfigFrom reads a SessionConfig from the package Config
func SessionConfigFrom(cfg Config) SessionConfig {
	return SessionConfig{
		SigningKey:      []byte(cfg.GetSigningKey()),
		Issuer:          cfg.GetIssuer(),
		Audience:        cfg.GetAudience(),
		AccessTokenTTL:  time.Duration(cfg.GetTokenExpiration()) * 24 * time.Hour,
		RefreshTokenTTL: cfg.GetRefreshTokenTTL(),
	}
}

// SessionPair is an access token and the refresh token issued with it
type SessionPair struct {
	AccessToken      string
	RefreshToken     string
	TokenID          string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

// SessionIssuer signs access tokens and pairs them with opaque refresh tokens.
// It does not persist anything.
type SessionIssuer struct {
	signingKey []byte
	template   claimsTemplate
	refreshTTL time.Duration
	generator  TokenGenerator
	now        func() time.Time
	logger     Logger
}

// SessionIssuerOption customizes the issuer
type SessionIssuerOption func(*SessionIssuer)

// WithSessionClock injects a custom clock (useful for tests).
func WithSessionClock(clock func() time.Time) SessionIssuerOption {
	return func(s *SessionIssuer) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithSessionTokenGenerator overrides the refresh token source
func WithSessionTokenGenerator(generator TokenGenerator) SessionIssuerOption {
	return func(s *SessionIssuer) {
		if generator != nil {
			s.generator = generator
		}
	}
}

// WithSessionLogger sets the logger
func WithSessionLogger(logger Logger) SessionIssuerOption {
	return func(s *SessionIssuer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSessionIssuer validates cfg and returns an issuer. A missing or short
// signing key is a configuration error.
func NewSessionIssuer(cfg SessionConfig, opts ...SessionIssuerOption) (*SessionIssuer, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, configurationError("signing key is required")
	}

	if len(cfg.SigningKey) < MinSigningKeyLength {
		return nil, configurationError(fmt.Sprintf("signing key must be at least %d bytes", MinSigningKeyLength))
	}

	if cfg.AccessTokenTTL < 0 || cfg.RefreshTokenTTL < 0 {
		return nil, configurationError("token TTL must be non-negative")
	}

	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}

	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = DefaultRefreshTokenTTL
	}

	var aud jwt.ClaimStrings
	if len(cfg.Audience) > 0 {
		aud = make(jwt.ClaimStrings, len(cfg.Audience))
		copy(aud, cfg.Audience)
	}

	key := make([]byte, len(cfg.SigningKey))
	copy(key, cfg.SigningKey)

	s := &SessionIssuer{
		signingKey: key,
		template: claimsTemplate{
			issuer:   cfg.Issuer,
			audience: aud,
			ttl:      cfg.AccessTokenTTL,
		},
		refreshTTL: cfg.RefreshTokenTTL,
		generator:  NewTokenGenerator(),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// AccessTokenTTL returns the configured access token lifetime
func (s *SessionIssuer) AccessTokenTTL() time.Duration {
	return s.template.ttl
}

// RefreshTokenTTL returns the configured refresh token lifetime
func (s *SessionIssuer) RefreshTokenTTL() time.Duration {
	return s.refreshTTL
}

// IssueSession signs a new access token for user and generates a new
// refresh token. The caller stores the refresh token.
func (s *SessionIssuer) IssueSession(user *User, roles []UserRole) (*SessionPair, error) {
	if user == nil {
		return nil, errors.New("user is required", errors.CategoryBadInput)
	}

	now := s.now()
	claims := s.template.forUser(user, roles, now)

	accessToken, err := s.SignClaims(claims)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.generator.GenerateSecureToken(DefaultSecureTokenLength)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to generate refresh token")
	}

	return &SessionPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenID:          claims.ID,
		ExpiresAt:        now.Add(s.template.ttl),
		RefreshExpiresAt: now.Add(s.refreshTTL),
	}, nil
}

// SignClaims signs arbitrary session claims using the configured signing key.
func (s *SessionIssuer) SignClaims(claims *SessionClaims) (string, error) {
	if claims == nil {
		return "", errors.New("claims must not be nil", errors.CategoryInternal)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedString, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "failed to sign JWT")
	}

	return signedString, nil
}

// Validate parses and validates an access token, returning its claims
func (s *SessionIssuer) Validate(tokenString string) (*SessionClaims, error) {
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.template.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(s.template.issuer))
	}
	if len(s.template.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(s.template.audience...))
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			s.logger.Error("SessionIssuer validate encountered unexpected signing method", "alg", t.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, parserOptions...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, errors.Wrap(err, ErrTokenMalformed.Category, ErrTokenMalformed.Message).
			WithTextCode(ErrTokenMalformed.TextCode).
			WithCode(errors.CodeUnauthorized)
	}

	if claims, ok := token.Claims.(*SessionClaims); ok && token.Valid {
		return claims, nil
	}

	s.logger.Error("SessionIssuer validate could not decode or validate claims")
	return nil, ErrUnableToDecodeSession
}
