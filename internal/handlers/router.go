package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/config"
	"github.com/mossy-p/webrtc-calls/internal/middleware"
	"github.com/mossy-p/webrtc-calls/internal/relay"
	"github.com/sirupsen/logrus"
)

// NewRouter wires the REST API and the signaling endpoint.
func NewRouter(cfg *config.Config, api *API, hub *relay.Hub, logger *logrus.Entry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		// Room membership (public)
		apiGroup.GET("/rooms/:roomId", api.GetRoom)

		// User directory
		apiGroup.GET("/users/:identity", api.GetUser)
		apiGroup.PUT("/users/me", middleware.JWTAuth(cfg.JWTSecret), api.UpdateMe)

		// Call log (requires JWT, own entries only)
		apiGroup.POST("/calls", middleware.JWTAuth(cfg.JWTSecret), api.AppendCall)
		apiGroup.GET("/calls", middleware.JWTAuth(cfg.JWTSecret), api.ListCalls)
	}

	// WebSocket signaling
	router.GET("/ws", middleware.OptionalJWTAuth(cfg.JWTSecret, cfg.AuthRequired), HandleSignaling(hub, logger))

	return router
}
