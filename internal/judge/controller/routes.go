package controller

import (
	"judgeflow/internal/common/http/middleware"
	"judgeflow/internal/judge/service"

	"github.com/gin-gonic/gin"
)

// Routes groups the judge handlers and the middleware they need.
type Routes struct {
	Tasks   *TaskController
	Webhook *WebhookController
	Stream  *StreamController
	Static  *StaticController

	Auth         middleware.Authenticator
	Limiter      middleware.Limiter
	CreateLimit  middleware.RateLimitPolicy
	WebhookLimit middleware.RateLimitPolicy
}

// Register mounts every configured handler on router.
func (r Routes) Register(router gin.IRouter) {
	if r.Tasks != nil {
		router.POST("/task/create", middleware.RateLimitMiddleware(r.Limiter, "task.create", r.CreateLimit), r.Tasks.Create)
		router.GET("/task/counts", r.Tasks.Counts)
		router.GET("/task/:jobId", r.Tasks.Status)
		router.GET("/result/:judgeRecordId", r.Tasks.Result)
	}
	if r.Webhook != nil {
		router.POST(service.WebhookPath, middleware.RateLimitMiddleware(r.Limiter, "webhook.complete", r.WebhookLimit), r.Webhook.Complete)
	}
	if r.Stream != nil {
		streams := router.Group("/notifications")
		streams.Use(middleware.AuthMiddleware(r.Auth, middleware.AuthPolicy{AllowQueryToken: true}))
		streams.GET("/stream", r.Stream.Stream)
		streams.GET("/ws", r.Stream.WebSocket)
	}
	if r.Static != nil {
		router.GET("/static/*path", r.Static.Get)
	}
}
