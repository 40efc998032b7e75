package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	a "relaychat/internal/auth"
	"relaychat/internal/middleware"
)

type RouterConfig struct {
	DB       *gorm.DB
	Secret   string
	ServerID string

	Rooms RoomLister
	Users UserLister
	// Conns serves /ws; the route is omitted when nil.
	Conns ConnServer

	LoginLimiter *middleware.IPRateLimiter
}

type Router struct {
	ah      *AuthHandlers
	audh    *AuditHandlers
	ch      *ChatHandlers
	am      *a.AuthMiddleware
	limiter *middleware.IPRateLimiter
	ws      bool
}

func NewRouter(cfg RouterConfig) *Router {
	am := a.NewAuthMiddleware(cfg.Secret)
	return &Router{
		ah:      NewAuthHandlers(cfg.DB, am),
		audh:    NewAuditHandlers(cfg.DB, cfg.ServerID),
		ch:      NewChatHandlers(cfg.Rooms, cfg.Users, cfg.Conns),
		am:      am,
		limiter: cfg.LoginLimiter,
		ws:      cfg.Conns != nil,
	}
}

func (r *Router) RegisterRoutes(router *gin.Engine) {
	{
		unprotected := router.Group("/")
		unprotected.GET("/hc", HealthCheckHandler)
		if r.limiter != nil {
			unprotected.POST("/login", middleware.RateLimitMiddleware(r.limiter), r.ah.LoginHandler)
		} else {
			unprotected.POST("/login", r.ah.LoginHandler)
		}
		if r.ws {
			unprotected.GET("/ws", r.ch.HandleWebSocket)
		}
	}

	{
		protected := router.Group("/api")
		protected.Use(r.am.RequireAuth())
		protected.GET("/rooms", r.ch.GetRoomsHandler)
		protected.GET("/users", r.ch.GetUsersHandler)
		protected.GET("/audit", r.audh.GetAuditLogsHandler)
	}
}

func HealthCheckHandler(c *gin.Context) {
	c.String(200, "Running")
}
