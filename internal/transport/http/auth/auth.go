// Package auth provides the thin gin middleware that stamps an AuthContext
// on mutating calls. Token issuance and validation policy are an external
// collaborator's responsibility (spec §1); this middleware only decodes a
// bearer JWT and, on success, attaches the claims to the request context so
// handlers can read who made the call.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

// ContextKey is the gin context key an AuthContext is stored under.
const ContextKey contextKey = "central_mcp_auth_context"

// AuthContext is the stamp a mutating handler can read off the request.
type AuthContext struct {
	Subject string
	Scopes  []string
}

// Claims is the minimal claim set this middleware expects on the bearer
// token; a richer auth subsystem is out of scope here.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// Middleware validates a bearer JWT using signingKey and stamps an
// AuthContext on success. On failure it aborts the request with 401,
// matching the Unauthorized error kind's HTTP mapping (spec §7).
func Middleware(signingKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required", "details": "missing bearer token"})
			c.Abort()
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(signingKey), nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required", "details": "invalid or expired token"})
			c.Abort()
			return
		}

		c.Set(string(ContextKey), AuthContext{Subject: claims.Subject, Scopes: claims.Scopes})
		c.Next()
	}
}

// FromContext reads the stamped AuthContext off a gin request, if present.
func FromContext(c *gin.Context) (AuthContext, bool) {
	v, ok := c.Get(string(ContextKey))
	if !ok {
		return AuthContext{}, false
	}
	ac, ok := v.(AuthContext)
	return ac, ok
}
