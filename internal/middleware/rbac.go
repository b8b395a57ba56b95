package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// RequireRole checks that the authenticated caller holds one of roles.
// It must run after RequireJWT.
func RequireRole(roles ...service.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		if slices.Contains(roles, claims.Role) {
			c.Next()
			return
		}

		response.AbortFail(c, http.StatusForbidden, response.ErrPermissionDenied)
	}
}
