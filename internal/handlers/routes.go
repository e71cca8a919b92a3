package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/syncplay/config"
	"github.com/mossy-p/syncplay/internal/metrics"
	"github.com/mossy-p/syncplay/internal/middleware"
)

// NewRouter builds the relay's HTTP surface around hub.
func NewRouter(cfg *config.Config, hub *Hub, m *metrics.Metrics) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	// Global origin filter and CORS (run before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))
	router.Use(CORS(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	router.GET("/metrics", gin.WrapH(metrics.PrometheusHandler(m)))

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/sessions/:code", GetSession(hub))
		apiGroup.DELETE("/sessions/:code", middleware.OperatorAuth(cfg.JWTSecret), DeleteSession(hub))
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", HandleSignaling(hub))
	}

	return router
}
