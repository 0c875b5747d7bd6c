package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/docqa/internal/answer"
	"github.com/suPer8Hu/docqa/internal/chat"
	"github.com/suPer8Hu/docqa/internal/common"
	"github.com/suPer8Hu/docqa/internal/documents"
	"github.com/suPer8Hu/docqa/internal/httpapi/middleware"
	"github.com/suPer8Hu/docqa/internal/ingest"
	"github.com/suPer8Hu/docqa/internal/retrieval"
)

// QueryLimiter counts questions per user; redisstore.Store implements it.
type QueryLimiter interface {
	AllowQuery(ctx context.Context, userID uint64, limit int, window time.Duration) (bool, error)
}

type Handler struct {
	Docs    *documents.Service
	Ingest  *ingest.Service
	Search  *retrieval.Scorer
	Answers *answer.Assembler
	ChatSvc *chat.Service

	Limiter        QueryLimiter // nil disables rate limiting
	QueryRateLimit int          // per user per minute
	MaxUploadBytes int64
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// currentUser reads the id set by AuthRequired, failing the request when absent.
func currentUser(c *gin.Context) (uint64, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return 0, false
	}
	return uid, true
}

func requestID(c *gin.Context) string {
	return c.GetString(middleware.RequestIDKey)
}
