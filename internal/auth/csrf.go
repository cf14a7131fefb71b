package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// CSRFMiddleware enforces double-submit CSRF protection for cookie-authenticated
// requests. It must run after Middleware.
func (s *Service) CSRFMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requiresCSRFCheck(c.Request.Method) {
			c.Next()
			return
		}
		if source, _ := c.Get(authSourceContextKey); source != sourceCookie {
			c.Next()
			return
		}
		headerToken := c.GetHeader(s.csrfHeaderName)
		cookieToken, err := c.Cookie(s.csrfCookieName)
		if err != nil || headerToken == "" || cookieToken == "" ||
			subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookieToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token"})
			return
		}
		c.Next()
	}
}

// SetSessionCookies stores the access token in an HttpOnly cookie and a fresh
// CSRF token in a script-readable one. It returns the CSRF token.
func (s *Service) SetSessionCookies(c *gin.Context, token string, expiresAt time.Time, secure bool) (string, error) {
	csrf, err := s.NewCSRFToken()
	if err != nil {
		return "", err
	}
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cookieName, token, maxAge, "/", "", secure, true)
	c.SetCookie(s.csrfCookieName, csrf, maxAge, "/", "", secure, false)
	return csrf, nil
}

// ClearSessionCookies expires both session cookies.
func (s *Service) ClearSessionCookies(c *gin.Context, secure bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cookieName, "", -1, "/", "", secure, true)
	c.SetCookie(s.csrfCookieName, "", -1, "/", "", secure, false)
}

func requiresCSRFCheck(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}
