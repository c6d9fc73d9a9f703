package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agridoctor/agridoctor/models"
	"github.com/agridoctor/agridoctor/utils"
)

const (
	// ContextPrincipalKey stores the authenticated *Principal in Gin context.
	ContextPrincipalKey = "principal"
	// ContextTokenKey stores the raw token so logout can revoke it.
	ContextTokenKey = "auth_token"
)

// Principal is the caller identity carried by a valid token.
type Principal struct {
	UserID uint
	Name   string
	Role   models.Role
}

// Verdict is the outcome of a capability check.
type Verdict struct {
	Allowed bool
	Status  int
	Code    int
	Reason  string
}

// Authorize decides whether p may perform an action that needs required.
// An empty required role only asks for an authenticated caller.
func Authorize(p *Principal, required models.Role) Verdict {
	if p == nil {
		return Verdict{Status: http.StatusUnauthorized, Code: 40101, Reason: "authentication required"}
	}
	if required != "" && p.Role != required {
		return Verdict{Status: http.StatusForbidden, Code: 40301, Reason: "insufficient permissions"}
	}
	return Verdict{Allowed: true, Status: http.StatusOK}
}

// PrincipalFrom returns the caller set by Authenticate or OptionalAuth, or nil.
func PrincipalFrom(ctx *gin.Context) *Principal {
	v, ok := ctx.Get(ContextPrincipalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*Principal)
	return p
}

// tokenFrom reads x-auth-token first, then a bearer Authorization header.
func tokenFrom(ctx *gin.Context) (string, bool) {
	if t := strings.TrimSpace(ctx.GetHeader("x-auth-token")); t != "" {
		return t, true
	}
	authHeader := ctx.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", true
	}
	return strings.TrimSpace(parts[1]), true
}

// resolve returns the principal for the request, a failure code and message.
func resolve(ctx *gin.Context) (*Principal, int, string) {
	token, present := tokenFrom(ctx)
	if !present {
		return nil, 40101, "authentication required"
	}
	if token == "" {
		return nil, 40102, "invalid authorization header format"
	}
	if utils.IsTokenBlacklisted(token) {
		return nil, 40104, "token revoked"
	}
	claims, err := utils.ParseToken(token)
	if err != nil {
		return nil, 40105, "invalid token"
	}
	ctx.Set(ContextTokenKey, token)
	return &Principal{UserID: claims.UserID, Name: claims.Name, Role: models.Role(claims.Role)}, 0, ""
}

// Authenticate rejects requests without a valid token.
func Authenticate() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		p, code, msg := resolve(ctx)
		if p == nil {
			utils.Error(ctx, http.StatusUnauthorized, code, msg)
			ctx.Abort()
			return
		}
		ctx.Set(ContextPrincipalKey, p)
		ctx.Next()
	}
}

// OptionalAuth sets the principal when a valid token is present and never rejects.
func OptionalAuth() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if p, _, _ := resolve(ctx); p != nil {
			ctx.Set(ContextPrincipalKey, p)
		}
		ctx.Next()
	}
}

// RequireRole answers with the verdict of Authorize for the current principal.
// It must run after Authenticate or OptionalAuth.
func RequireRole(role models.Role) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		v := Authorize(PrincipalFrom(ctx), role)
		if !v.Allowed {
			utils.Error(ctx, v.Status, v.Code, v.Reason)
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}
