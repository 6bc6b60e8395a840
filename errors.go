package auth

import (
	"github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidArgument       = "INVALID_ARGUMENT"
	TextCodeConfiguration         = "CONFIGURATION_ERROR"
	TextCodeInvalidRefreshToken   = "INVALID_REFRESH_TOKEN"
	TextCodeTokenExpired          = "TOKEN_EXPIRED"
	TextCodeTokenMalformed        = "TOKEN_MALFORMED"
	TextCodeEmailExists           = "EMAIL_EXISTS"
	TextCodePasswordsMismatch     = "PASSWORDS_MISMATCH"
	TextCodeInvalidCredentials    = "INVALID_CREDENTIALS"
	TextCodeTooManyLoginAttempts  = "TOO_MANY_LOGIN_ATTEMPTS"
	TextCodeInvalidRole           = "INVALID_ROLE"
	TextCodeVerificationNotFound  = "VERIFICATION_TOKEN_NOT_FOUND"
	TextCodeInvalidPhoneNumber    = "INVALID_PHONE_NUMBER"
	TextCodeInvalidAccountChange  = "INVALID_ACCOUNT_STATE_TRANSITION"
	TextCodeUnableToDecodeSession = "UNABLE_TO_DECODE_SESSION"
	TextCodeUserNotFound          = "USER_NOT_FOUND"
	TextCodeServiceFailure        = "SERVICE_FAILURE"
)

// ErrInvalidArgument is returned when a caller supplied argument violates a precondition
var ErrInvalidArgument = errors.New("invalid argument", errors.CategoryBadInput).
	WithTextCode(TextCodeInvalidArgument).
	WithCode(errors.CodeBadRequest)

// ErrConfiguration is returned when required settings are missing or unsafe
var ErrConfiguration = errors.New("invalid configuration", errors.CategoryInternal).
	WithTextCode(TextCodeConfiguration).
	WithCode(errors.CodeInternal)

// ErrInvalidRefreshToken is the security token error raised by RefreshToken.
// It must be mapped to an unauthorized response.
var ErrInvalidRefreshToken = errors.New(MsgInvalidRefreshToken, errors.CategoryAuth).
	WithTextCode(TextCodeInvalidRefreshToken).
	WithCode(errors.CodeUnauthorized)

// ErrTokenExpired is returned when an access token is past its expiration
var ErrTokenExpired = errors.New("token expired", errors.CategoryAuth).
	WithTextCode(TextCodeTokenExpired).
	WithCode(errors.CodeUnauthorized)

// ErrTokenMalformed is returned when an access token can not be verified
var ErrTokenMalformed = errors.New("token malformed", errors.CategoryAuth).
	WithTextCode(TextCodeTokenMalformed).
	WithCode(errors.CodeUnauthorized)

// ErrUnableToDecodeSession unable to decode claims from a verified token
var ErrUnableToDecodeSession = errors.New("unable to decode session", errors.CategoryAuth).
	WithTextCode(TextCodeUnableToDecodeSession).
	WithCode(errors.CodeUnauthorized)

// ErrEmailAlreadyExists is returned when the email is already registered
var ErrEmailAlreadyExists = errors.New(MsgEmailAlreadyExists, errors.CategoryConflict).
	WithTextCode(TextCodeEmailExists).
	WithCode(errors.CodeConflict)

// ErrPasswordsDoNotMatch is returned when password and confirmation differ
var ErrPasswordsDoNotMatch = errors.New(MsgPasswordsDoNotMatch, errors.CategoryValidation).
	WithTextCode(TextCodePasswordsMismatch).
	WithCode(errors.CodeBadRequest)

// ErrMismatchedHashAndPassword is returned when the password does not match the stored hash
var ErrMismatchedHashAndPassword = errors.New(MsgInvalidCredentials, errors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(errors.CodeUnauthorized)

// ErrTooManyLoginAttempts is returned when an email is in cool down
var ErrTooManyLoginAttempts = errors.New(MsgTooManyLoginAttempts, errors.CategoryRateLimit).
	WithTextCode(TextCodeTooManyLoginAttempts).
	WithCode(errors.CodeForbidden)

// ErrNoEmptyString is returned when hashing an empty password
var ErrNoEmptyString = errors.New("password can not be empty", errors.CategoryValidation).
	WithTextCode(TextCodeInvalidArgument).
	WithCode(errors.CodeBadRequest)

// ErrInvalidRole is returned for role names outside the registry
var ErrInvalidRole = errors.New("unknown role", errors.CategoryValidation).
	WithTextCode(TextCodeInvalidRole).
	WithCode(errors.CodeBadRequest)

// ErrVerificationTokenNotFound no unused, unexpired token matched
var ErrVerificationTokenNotFound = errors.New(MsgInvalidVerificationToken, errors.CategoryNotFound).
	WithTextCode(TextCodeVerificationNotFound).
	WithCode(errors.CodeNotFound)

// ErrInvalidPhoneNumber is returned when a registration phone number can not be parsed
var ErrInvalidPhoneNumber = errors.New("invalid phone number", errors.CategoryValidation).
	WithTextCode(TextCodeInvalidPhoneNumber).
	WithCode(errors.CodeBadRequest)

// ErrInvalidAccountTransition is returned for state changes the account graph does not allow
var ErrInvalidAccountTransition = errors.New("invalid account state transition", errors.CategoryValidation).
	WithTextCode(TextCodeInvalidAccountChange).
	WithCode(errors.CodeBadRequest)

// ErrServiceFailure masks infrastructure failures that cross the service boundary
var ErrServiceFailure = errors.New(MsgGenericError, errors.CategoryInternal).
	WithTextCode(TextCodeServiceFailure).
	WithCode(errors.CodeInternal)

// IsSecurityTokenError reports whether err means the presented token must be rejected
func IsSecurityTokenError(err error) bool {
	return HasTextCode(err,
		TextCodeInvalidRefreshToken,
		TextCodeTokenExpired,
		TextCodeTokenMalformed,
		TextCodeUnableToDecodeSession,
	)
}

// HasTextCode reports whether err carries one of the given text codes
func HasTextCode(err error, codes ...string) bool {
	if err == nil {
		return false
	}

	var richErr *errors.Error
	if !errors.As(err, &richErr) {
		return false
	}

	for _, code := range codes {
		if richErr.TextCode == code {
			return true
		}
	}
	return false
}

// invalidArgument clones ErrInvalidArgument with a specific message
func invalidArgument(message string, metadata map[string]any) error {
	err := ErrInvalidArgument.Clone()
	err.Message = message
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func configurationError(message string) error {
	err := ErrConfiguration.Clone()
	err.Message = message
	return err
}
