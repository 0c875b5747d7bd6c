package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/docqa/internal/common"
	"github.com/suPer8Hu/docqa/internal/httpapi/handlers"
	"github.com/suPer8Hu/docqa/internal/httpapi/middleware"
)

func NewRouter(jwtSecret string, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders:   []string{"X-Request-ID", "Retry-After"},
		MaxAge:          12 * time.Hour,
	}))

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(jwtSecret))

	// documents
	authGroup.POST("/documents/uploads", h.CreateUpload)
	authGroup.GET("/documents", h.ListDocuments)
	authGroup.GET("/documents/search", h.SearchDocuments)
	authGroup.PUT("/documents/:id/content", h.UploadContent)
	authGroup.POST("/documents/:id/ingest", h.IngestDocument)
	authGroup.GET("/documents/:id/status", h.DocumentStatus)
	authGroup.GET("/documents/:id/url", h.DocumentURL)

	authGroup.POST("/query", h.Query)

	// chat
	authGroup.POST("/chat/sessions", h.CreateChatSession)
	authGroup.GET("/chat/sessions", h.ListChatSessions)
	authGroup.GET("/chat/sessions/:session_id", h.GetChatSession)
	authGroup.PATCH("/chat/sessions/:session_id", h.RenameChatSession)
	authGroup.DELETE("/chat/sessions/:session_id", h.DeleteChatSession)
	authGroup.POST("/chat/sessions/:session_id/messages", h.AppendChatMessage)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)
	authGroup.POST("/chat/sessions/:session_id/ask", h.AskChatSession)
	return r
}
