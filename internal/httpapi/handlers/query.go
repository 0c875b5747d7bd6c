package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/docqa/internal/answer"
	"github.com/suPer8Hu/docqa/internal/common"
	"github.com/suPer8Hu/docqa/internal/retrieval"
)

const queryWindow = time.Minute

type queryReq struct {
	Question    string   `json:"question" binding:"required"`
	DocumentIDs []string `json:"documentIds"`
}

// allowQuery applies the per-user question limit. A limiter outage lets the
// question through.
func (h *Handler) allowQuery(c *gin.Context, uid uint64) bool {
	if h.Limiter == nil || h.QueryRateLimit <= 0 {
		return true
	}
	allowed, err := h.Limiter.AllowQuery(c.Request.Context(), uid, h.QueryRateLimit, queryWindow)
	if err != nil {
		log.Printf("[Query] rate limiter unavailable uid=%d err=%v", uid, err)
		return true
	}
	if !allowed {
		c.Header("Retry-After", "60")
		common.Fail(c, http.StatusTooManyRequests, 42901, "too many questions, please slow down")
		return false
	}
	return true
}

// answerError maps assembler failures to short caller-facing messages.
// bindQuestion reports a 400 and returns false when the question is missing
// or longer than retrieval accepts.
func bindQuestion(c *gin.Context, question string) bool {
	q := strings.TrimSpace(question)
	if q == "" {
		common.Fail(c, http.StatusBadRequest, 10001, "question required")
		return false
	}
	if utf8.RuneCountInString(q) > retrieval.MaxQuestionChars {
		common.Fail(c, http.StatusBadRequest, 10001, retrieval.ErrQuestionTooLong.Error())
		return false
	}
	return true
}

func answerError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, retrieval.ErrQuestionTooLong):
		common.Fail(c, http.StatusBadRequest, 10001, retrieval.ErrQuestionTooLong.Error())
	case errors.Is(err, retrieval.ErrUnavailable):
		common.Fail(c, http.StatusServiceUnavailable, 50302, "search unavailable")
	case errors.Is(err, answer.ErrGeneration):
		common.Fail(c, http.StatusBadGateway, 50201, answer.ErrGeneration.Error())
	default:
		log.Printf("[%s] request_id=%s err=%v", op, requestID(c), err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

func (h *Handler) Query(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req queryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "question required")
		return
	}
	if !bindQuestion(c, req.Question) {
		return
	}
	if !h.allowQuery(c, uid) {
		return
	}

	t0 := time.Now()
	ans, err := h.Answers.Answer(c.Request.Context(), uid, req.Question, req.DocumentIDs...)
	if err != nil {
		answerError(c, "Query", err)
		return
	}
	log.Printf("[Query] query_timing uid=%d sources=%d total_ms=%d", uid, len(ans.Sources), time.Since(t0).Milliseconds())

	common.OK(c, gin.H{
		"answer":   ans.Text,
		"sources":  ans.Sources,
		"question": ans.Question,
	})
}
