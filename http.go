package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// ClaimsLocalsKey is the fiber locals key holding the caller's *SessionClaims
const ClaimsLocalsKey = "auth_claims"

// BearerToken extracts the token of an "Authorization: Bearer" header
func BearerToken(c *fiber.Ctx) (string, bool) {
	header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequestMetaMiddleware copies the client address and user agent into the
// request context so activity events can carry them.
func RequestMetaMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := WithRequestMeta(c.UserContext(), RequestMeta{
			IPAddress: c.IP(),
			UserAgent: c.Get(fiber.HeaderUserAgent),
		})
		c.SetUserContext(ctx)
		return c.Next()
	}
}

// ProtectedRoute rejects requests without a valid access token and stores
// the claims in the locals and the user context.
func ProtectedRoute(issuer *SessionIssuer, logger Logger) fiber.Handler {
	if logger == nil {
		logger = defLogger{}
	}

	return func(c *fiber.Ctx) error {
		token, ok := BearerToken(c)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(errorBody("missing bearer token"))
		}

		claims, err := issuer.Validate(token)
		if err != nil {
			logger.Debug("ProtectedRoute token validation failed", "error", err)
			return c.Status(fiber.StatusUnauthorized).JSON(errorBody("invalid access token"))
		}

		c.Locals(ClaimsLocalsKey, claims)
		c.SetUserContext(WithClaimsContext(c.UserContext(), claims))
		return c.Next()
	}
}

// ClaimsFromLocals returns the claims stored by ProtectedRoute
func ClaimsFromLocals(c *fiber.Ctx) (*SessionClaims, bool) {
	claims, ok := c.Locals(ClaimsLocalsKey).(*SessionClaims)
	return claims, ok && claims != nil
}

func errorBody(message string) fiber.Map {
	return fiber.Map{"success": false, "message": message}
}
