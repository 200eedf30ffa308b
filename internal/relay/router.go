package relay

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter exposes the hub over HTTP: the WebSocket endpoint at /ws and a
// JSON health check at /health. allowedOrigins limits cross-origin callers;
// nil or empty allows any origin.
func NewRouter(hub *Hub, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	config := cors.DefaultConfig()
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	config.AllowMethods = []string{"GET", "HEAD", "OPTIONS"}
	router.Use(cors.New(config))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"clients":      hub.Clients(),
			"participants": len(hub.Participants()),
		})
	})

	// WebSocket signaling endpoint
	router.GET("/ws", gin.WrapH(hub))

	return router
}
