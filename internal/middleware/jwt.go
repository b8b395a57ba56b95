package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
)

// RequireJWT validates a token of any accepted role from the Authorization
// header, falling back to ?token= for EventSource clients.
func RequireJWT(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, authService, bearerOrQuery(c))
		if !ok {
			return
		}
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireStudentJWT validates a student JWT.
func RequireStudentJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireRoleJWT(authService, service.RoleStudent, response.ErrStudentAccessOnly)
}

// RequireSupervisorJWT validates a supervisor JWT.
func RequireSupervisorJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireRoleJWT(authService, service.RoleSupervisor, response.ErrSupervisorAccessOnly)
}

// RequireStudentWSAuth validates a student JWT from the query param ?token=...
// Used for WebSocket upgrade requests.
func RequireStudentWSAuth(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.Query("token")
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		claims, ok := authenticate(c, authService, tokenStr)
		if !ok {
			return
		}
		if claims.Role != service.RoleStudent {
			response.AbortFail(c, http.StatusForbidden, response.ErrStudentAccessOnly)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

func requireRoleJWT(authService *service.AuthService, role service.Role, denied response.ErrCode) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, authService, bearerOrQuery(c))
		if !ok {
			return
		}
		if claims.Role != role {
			response.AbortFail(c, http.StatusForbidden, denied)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// authenticate aborts the request and returns false when the token is
// missing or invalid.
func authenticate(c *gin.Context, authService *service.AuthService, tokenStr string) (*service.Claims, bool) {
	if tokenStr == "" {
		response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, false
	}

	claims, err := authService.ValidateToken(tokenStr)
	if err != nil {
		code := response.ErrTokenInvalid
		if errors.Is(err, jwt.ErrTokenExpired) {
			code = response.ErrTokenExpired
		}
		response.AbortFail(c, http.StatusUnauthorized, code)
		return nil, false
	}
	return claims, true
}

func bearerOrQuery(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}

	// Fallback for EventSource (SSE) which cannot send headers
	return c.Query("token")
}
