package auth

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pharmcompound/pharmcompound-api/internal/logging"
	"github.com/pharmcompound/pharmcompound-api/internal/tenant"
)

// ContextKeyPrincipal is the gin context key holding the caller's Principal.
const ContextKeyPrincipal = "authPrincipal"

type principalCtxKey struct{}

// WithPrincipal stores p in ctx for code below the HTTP layer.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFromContext returns the principal stored by RequireAuth.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(Principal)
	return p, ok
}

// RequireAuth rejects requests without a valid bearer token. Missing and
// invalid tokens get the same 401 body.
func RequireAuth(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := tokens.Authenticate(c.GetHeader("Authorization"))
		if err != nil {
			logging.L(c.Request.Context()).Debug("authentication failed", "path", c.FullPath(), "reason", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required",
			})
			return
		}

		c.Set(ContextKeyPrincipal, p)
		ctx := WithPrincipal(c.Request.Context(), p)
		ctx = logging.WithPrincipal(ctx, p.OrganizationID, p.UserID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireRole allows only principals holding one of roles. Must run after
// RequireAuth.
func RequireRole(roles ...tenant.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required",
			})
			return
		}
		for _, r := range roles {
			if p.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Insufficient permissions",
		})
	}
}

// GetPrincipal returns the authenticated principal from the gin context.
func GetPrincipal(c *gin.Context) (Principal, bool) {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
