package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const HeaderToken = "X-Waywire-Token"

// TokenFromRequest reads a bearer token, falling back to HeaderToken.
func TokenFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(HeaderToken))
}

// Require rejects requests whose token v does not accept (401) or whose
// scopes lack need (403).
func Require(v Validator, need Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, err := v.Validate(TokenFromRequest(c.Request))
		if err == nil && !scope.Has(need) {
			err = ErrForbidden
		}
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrForbidden) {
				status = http.StatusForbidden
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "need": need.String()})
			return
		}
		c.Next()
	}
}
