package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erpsync_backend/utils"
)

const TenantHeader = "X-Tenant-Id"

// RequireTenant makes sure a tenant is on the request context. A tenant from
// the session wins; admins (and trusted internal callers when trustHeader is
// set) may name the tenant with the X-Tenant-Id header instead.
func RequireTenant(trustHeader bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		header := strings.TrimSpace(c.GetHeader(TenantHeader))

		if tenantId, ok := utils.GetTenantIdFromContext(ctx); ok && tenantId != "" {
			if header != "" && header != tenantId && !utils.IsAdminContext(ctx) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "tenant mismatch"})
				return
			}
			if header != "" && utils.IsAdminContext(ctx) {
				c.Request = c.Request.WithContext(utils.SetTenantIdInContext(ctx, header))
			}
			c.Next()
			return
		}

		if header == "" || !(trustHeader || utils.IsAdminContext(ctx)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Request = c.Request.WithContext(utils.SetTenantIdInContext(ctx, header))
		c.Next()
	}
}
