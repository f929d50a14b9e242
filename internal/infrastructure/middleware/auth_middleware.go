package middleware

import (
	"net/http"
	"strings"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/services"
	"chanrelay/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	contextUserID   = "user_id"
	contextUsername = "username"

	// tokenQueryParam carries the token for browsers, which cannot set headers on a
	// websocket upgrade.
	tokenQueryParam = "token"
)

// AuthMiddleware rejects requests without a valid access token and stores the user in
// the gin context.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := requestToken(c)
		if !ok {
			c.Error(errors.NewUnauthorizedError("access token required"))
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.Error(errors.WrapError(err, errors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized))
			c.Abort()
			return
		}

		c.Set(contextUserID, claims.UserID)
		c.Set(contextUsername, claims.Username)
		c.Next()
	}
}

// UserID returns the user stored by AuthMiddleware.
func UserID(c *gin.Context) (domain.UserID, bool) {
	v, exists := c.Get(contextUserID)
	if !exists {
		return "", false
	}
	userID, ok := v.(domain.UserID)
	return userID, ok && userID != ""
}

func requestToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", false
		}
		return strings.TrimSpace(parts[1]), true
	}
	if token := c.Query(tokenQueryParam); token != "" {
		return token, true
	}
	return "", false
}
