package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/rowanlabs/syncboard-backend/internal/handlers"
	"github.com/rowanlabs/syncboard-backend/internal/middleware"
	"github.com/rowanlabs/syncboard-backend/internal/ws"
)

type RouterConfig struct {
	AuthMiddleware  *middleware.AuthMiddleware
	WSHandler       *ws.Handler
	ChatHandler     *handlers.ChatHandler
	RealtimeHandler *handlers.RealtimeHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:3000",
			"http://localhost:5173",
		},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/v1")
	protected.Use(cfg.AuthMiddleware.RequireAuth())
	protected.GET("/realtime/ws", cfg.WSHandler.Serve)
	protected.POST("/realtime/publish", cfg.RealtimeHandler.Publish)
	protected.GET("/projects/:id/chat/messages", cfg.ChatHandler.ListMessages)

	return router
}
