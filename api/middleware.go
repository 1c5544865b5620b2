package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"accesssaga/logging"
)

// HeaderCorrelationID 请求关联 ID 头
const HeaderCorrelationID = "X-Correlation-ID"

// correlation 读取或生成关联 ID，写入请求 ctx 与响应头
func correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderCorrelationID, id)
		c.Request = c.Request.WithContext(logging.WithCorrelationID(c.Request.Context(), id))
		c.Next()
	}
}

// accessLog 每个请求一条结构化日志
func accessLog(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logging.Field{
			logging.String("method", c.Request.Method),
			logging.String("path", c.FullPath()),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("latency", time.Since(start)),
		}
		ctx := c.Request.Context()
		switch {
		case c.Writer.Status() >= 500:
			logger.Error(ctx, "请求失败", fields...)
		case c.Writer.Status() >= 400:
			logger.Warn(ctx, "请求被拒绝", fields...)
		default:
			logger.Debug(ctx, "请求完成", fields...)
		}
	}
}
