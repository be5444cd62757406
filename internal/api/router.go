package api

import (
	"github.com/gin-gonic/gin"
)

// NewRouter wires the handler routes and the global middleware.
func NewRouter(h *Handler, origins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLog(h.log), CORS(origins))

	api := router.Group("/api")
	{
		api.GET("/health", h.Health)

		video := api.Group("/video")
		video.POST("/analyze", h.Analyze)
		video.POST("/download", h.Download)
		video.GET("/status/:id", h.Status)
		video.GET("/download/file/:id", h.DownloadFile)
		video.GET("/stream/:id", h.StreamFile)
		video.GET("/history", h.History)
	}

	return router
}
