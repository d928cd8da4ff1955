package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/utils"
)

// Session is the JSON cached under "Token:<token>" by the login service.
type Session struct {
	Username string `json:"username"`
	TenantId string `json:"tenantId"`
	IsAdmin  bool   `json:"isAdmin"`
}

// SessionMiddleware resolves the token header into a user and tenant. Requests
// without a token pass through untouched.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.Request.Header.Get("token"))
		if token == "" {
			c.Next()
			return
		}
		var sess Session
		exists, err := config.GetRedisObject(c.Request.Context(), "Token:"+token, &sess)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetUsernameInContext(c.Request.Context(), sess.Username)
		if sess.TenantId != "" {
			ctx = utils.SetTenantIdInContext(ctx, sess.TenantId)
		}
		if sess.IsAdmin {
			ctx = utils.SetIsAdminInContext(ctx, true)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
