// Package api Saga 的 HTTP 入口：发起登记、查询执行记录、人工恢复
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"accesssaga/logging"
)

// IRouteRegistrar 可挂载到 /api/v1 下的路由集合
type IRouteRegistrar interface {
	RegisterRoutes(group *gin.RouterGroup)
	GetName() string
}

// RouterOptions 路由配置
type RouterOptions struct {
	BasePath string
	// Metrics 为 nil 时不暴露 /metrics
	Metrics http.Handler
	// Health 健康检查，返回错误时 /health 响应 503
	Health func() error
	Logger logging.Logger
}

// NewRouter 创建 gin 引擎并挂载所有路由
func NewRouter(opts RouterOptions, registrars ...IRouteRegistrar) *gin.Engine {
	if opts.BasePath == "" {
		opts.BasePath = "/api/v1"
	}
	if opts.Logger == nil {
		opts.Logger = logging.ComponentLogger("api")
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), correlation(), accessLog(opts.Logger))

	engine.GET("/health", func(c *gin.Context) {
		if opts.Health != nil {
			if err := opts.Health(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	group := engine.Group(opts.BasePath)
	for _, r := range registrars {
		r.RegisterRoutes(group)
		opts.Logger.Debug(context.Background(), "路由已挂载", logging.String("registrar", r.GetName()))
	}
	return engine
}
