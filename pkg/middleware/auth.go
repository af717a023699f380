package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/lobbycast/pkg/jwt"
	"github.com/weiawesome/lobbycast/pkg/response"
)

const (
	UserIDKey     = "user_id"
	UsernameKey   = "username"
	RolesKey      = "roles"
	ClaimsKey     = "claims"
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
)

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	Validate(token string) (*jwt.Claims, error)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, BearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, BearerPrefix))
	return token, token != ""
}

// RequireAuth returns a gin middleware that rejects requests without a
// valid bearer token and stores the caller's claims in the context.
func RequireAuth(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(AuthHeaderKey)
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}

		token, ok := BearerToken(header)
		if !ok {
			response.Unauthorized(c, "invalid authorization format")
			c.Abort()
			return
		}

		claims, err := v.Validate(token)
		if err != nil {
			response.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			c.Abort()
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(UsernameKey, claims.Username)
		c.Set(RolesKey, claims.Roles)
		c.Set(ClaimsKey, claims)

		c.Next()
	}
}

// GetClaims extracts the caller's claims from the gin context.
func GetClaims(c *gin.Context) *jwt.Claims {
	if v, ok := c.Get(ClaimsKey); ok {
		if claims, ok := v.(*jwt.Claims); ok {
			return claims
		}
	}
	return nil
}

// GetUserID extracts user ID from Gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
