package auth

import (
	"net/http"
	"strings"

	"chatstream/internal/apperr"

	"github.com/gin-gonic/gin"
)

const (
	userIDContextKey     = "auth_user_id"
	claimsContextKey     = "auth_claims"
	authSourceContextKey = "auth_source"
)

// Where the token of a request came from.
const (
	sourceBearer = "bearer"
	sourceCookie = "cookie"
)

// Middleware validates access tokens and stores the authenticated user in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, source := s.extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		claims, err := s.ValidateToken(c.Request.Context(), token)
		if err != nil {
			if !apperr.Is(err, apperr.KindUnauthorized) {
				_ = c.Error(err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(userIDContextKey, claims.UserID)
		c.Set(claimsContextKey, claims)
		c.Set(authSourceContextKey, source)
		c.Next()
	}
}

// UserIDFromContext retrieves the authenticated user id from the gin context.
func UserIDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(userIDContextKey)
	if !ok {
		return 0, false
	}
	userID, ok := val.(int64)
	return userID, ok
}

// ClaimsFromContext retrieves the validated token claims.
func ClaimsFromContext(c *gin.Context) (*Claims, bool) {
	val, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := val.(*Claims)
	return claims, ok
}

func (s *Service) extractToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:]), sourceBearer
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token, sourceCookie
	}
	return "", ""
}
