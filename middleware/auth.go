package middleware

import (
	"net/http"
	"strings"

	"CProject/tools/errs"
	"CProject/tools/security"

	"github.com/gin-gonic/gin"
)

// Context key the auth middleware writes; handlers read it via UserID.
const ctxUserKey = "authUserID"

// UserID returns the authenticated user, or "" on unauthenticated routes.
func UserID(c *gin.Context) string {
	return c.GetString(ctxUserKey)
}

// Auth verifies the bearer token and binds the subject user to the
// request context. The websocket route also accepts a token query
// parameter, since browser websocket clients cannot set headers.
func Auth(opts security.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrNoPermission.WrapMsg("missing token"))
			return
		}
		userID, err := security.Verify(opts, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrNoPermission.WrapMsg("bad token"))
			return
		}
		c.Set(ctxUserKey, userID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authz := strings.TrimSpace(c.GetHeader("Authorization"))
	if authz == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return authz
}
