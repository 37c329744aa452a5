package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arklim/extension-license-service/internal/infra/security"
)

// ErrorResponse matches the handlers.ErrorResponse structure
type ErrorResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter *int   `json:"retry_after,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
}

// newErrorResponse creates an error response with trace ID
func newErrorResponse(c *gin.Context, code, message string) ErrorResponse {
	SetErrorCode(c, code)
	return ErrorResponse{
		Error:   code,
		Message: message,
		TraceID: GetTraceID(c),
	}
}

// AdminTokenVerifier validates admin bearer tokens.
type AdminTokenVerifier interface {
	Verify(token string) (*security.AdminClaims, error)
}

// RequireAdmin validates the Authorization header and stores the admin subject.
func RequireAdmin(verifier AdminTokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				newErrorResponse(c, "ADMIN_DISABLED", "admin api is not configured"))
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "UNAUTHORIZED", "missing authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "UNAUTHORIZED", "invalid authorization format: expected 'Bearer <token>'"))
			return
		}

		token := strings.TrimSpace(parts[1])
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "UNAUTHORIZED", "missing access token"))
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			switch {
			case errors.Is(err, security.ErrAdminRoleRequired):
				c.AbortWithStatusJSON(http.StatusForbidden,
					newErrorResponse(c, "FORBIDDEN", "admin role required"))
			default:
				c.AbortWithStatusJSON(http.StatusUnauthorized,
					newErrorResponse(c, "UNAUTHORIZED", "invalid access token"))
			}
			return
		}

		c.Set(AdminSubjectKey, claims.Subject)
		if reqCtx := GetRequestContext(c); reqCtx != nil {
			reqCtx.Actor = claims.Subject
		}

		c.Next()
	}
}

// GetAdminSubject retrieves the authenticated admin subject (helper for handlers)
func GetAdminSubject(c *gin.Context) (string, bool) {
	subject, exists := c.Get(AdminSubjectKey)
	if !exists {
		return "", false
	}

	if s, ok := subject.(string); ok && s != "" {
		return s, true
	}

	return "", false
}
