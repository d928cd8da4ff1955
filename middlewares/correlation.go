package middlewares

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/erpsync_backend/utils"
)

const CorrelationHeader = "X-Correlation-Id"

func CorrelationId() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(CorrelationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set(CorrelationHeader, id)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), id))
		c.Next()
	}
}
