package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"taxflow-go/pkg/log"
)

// RequestLogger 为每个请求记录一条结构化日志。请求体不记录，
// CSV 上传动辄数兆。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", latency.String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		)
	}
}
