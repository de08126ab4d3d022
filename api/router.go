package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rtmprelay/config"
)

func SetupRouter(cfg *config.Config, h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.deps.Logger))

	r.GET("/health", h.handleHealth)
	r.GET("/ping", h.handlePing)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		chats := v1.Group("/chats/:chatId")
		chats.PUT("/key", h.handleSetKey)
		chats.DELETE("/key", h.handleDeleteKey)

		// Submissions
		chats.POST("/play", h.handleUpload)
		chats.POST("/uplay", h.handleDirect)
		chats.POST("/fetch", h.handleFetch)
		chats.POST("/ytplay", h.handleSearch)

		chats.POST("/stop", h.handleStop)
		chats.POST("/skip", h.handleSkip)
		chats.GET("/queue", h.handleQueue)
		chats.GET("/events", h.handleEvents)
	}
	return r
}
