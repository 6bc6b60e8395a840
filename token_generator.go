package auth

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"
	"strings"
)

const (
	// VerificationCodeAlphabet is the character set for short verification codes
	VerificationCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	DefaultVerificationCodeLength = 6
	MinVerificationCodeLength     = 4
	MaxVerificationCodeLength     = 10
	DefaultSecureTokenLength      = 32
)

// TokenGenerator produces verification codes and opaque random tokens
type TokenGenerator interface {
	GenerateVerificationCode(email string, length int) (string, error)
	GenerateSecureToken(length int) (string, error)
}

// RandomTokenGenerator draws every value from crypto/rand
type RandomTokenGenerator struct{}

var _ TokenGenerator = RandomTokenGenerator{}

// NewTokenGenerator returns the default crypto/rand backed generator
func NewTokenGenerator() TokenGenerator {
	return RandomTokenGenerator{}
}

// GenerateVerificationCode returns an uppercase alphanumeric code. The email
// is only validated, it does not seed the output, so two calls for the same
// email return unrelated codes.
func (RandomTokenGenerator) GenerateVerificationCode(email string, length int) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", invalidArgument("email can not be empty", nil)
	}

	if length < MinVerificationCodeLength || length > MaxVerificationCodeLength {
		return "", invalidArgument("verification code length must be between 4 and 10", map[string]any{
			"length": length,
		})
	}

	max := big.NewInt(int64(len(VerificationCodeAlphabet)))
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = VerificationCodeAlphabet[n.Int64()]
	}

	return string(code), nil
}

// GenerateSecureToken returns at most length characters of base64 encoded
// random bytes with '+', '/' and '=' removed.
func (RandomTokenGenerator) GenerateSecureToken(length int) (string, error) {
	if length <= 0 {
		return "", invalidArgument("token length must be positive", map[string]any{
			"length": length,
		})
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	token := strings.NewReplacer("+", "", "/", "", "=", "").
		Replace(base64.StdEncoding.EncodeToString(buf))

	if len(token) > length {
		token = token[:length]
	}

	return token, nil
}
