package server

import (
	"net/http"
	"time"

	"messenger/internal/auth"
	"messenger/internal/config"
	"messenger/internal/metrics"
	"messenger/internal/mw"
	"messenger/internal/service"
	"messenger/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, hub *ws.Hub,
	convSvc *service.ConversationService, msgSvc *service.MessageService, presSvc *service.PresenceService) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率，业务级的按用户滑动窗口在 service 层。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	h := NewHandler(db, convSvc, msgSvc)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 需要 Bearer Token 的业务接口。
	api := r.Group("/api/v1")
	api.Use(auth.AuthMiddleware(cfg, db))

	api.POST("/conversations/direct", h.CreateDirect)
	api.POST("/conversations/group", h.CreateGroup)
	api.GET("/conversations", h.ListConversations)
	api.POST("/conversations/:id/participants", h.AddParticipant)
	api.DELETE("/conversations/:id/participants/:userID", h.RemoveParticipant)
	api.GET("/conversations/:id/messages", h.ListMessages)

	api.POST("/messages", h.CreateMessage)
	api.POST("/messages/:id/read", h.MarkRead)
	api.PUT("/messages/:id", h.EditMessage)
	api.DELETE("/messages/:id", h.DeleteMessage)
	api.POST("/messages/:id/reactions", h.AddReaction)
	api.DELETE("/messages/:id/reactions", h.RemoveReaction)

	api.POST("/webhooks", h.RegisterWebhook)

	r.GET("/ws", ws.Serve(hub, db, cfg, convSvc, msgSvc, presSvc))

	return r
}
