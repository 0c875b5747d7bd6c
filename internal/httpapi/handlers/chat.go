package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/docqa/internal/answer"
	"github.com/suPer8Hu/docqa/internal/chat"
	"github.com/suPer8Hu/docqa/internal/common"
	"gorm.io/gorm"
)

// chatError maps ledger errors; ownership mismatches arrive as gorm.ErrRecordNotFound.
func chatError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		common.Fail(c, http.StatusNotFound, 40402, "session not found")
	case errors.Is(err, chat.ErrInvalidRole), errors.Is(err, chat.ErrEmptyContent), errors.Is(err, chat.ErrInvalidTitle):
		common.Fail(c, http.StatusBadRequest, 10004, err.Error())
	default:
		log.Printf("[%s] request_id=%s err=%v", op, requestID(c), err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

type sessionView struct {
	SessionID     string     `json:"session_id"`
	Title         string     `json:"title"`
	MessageCount  int64      `json:"message_count"`
	LastMessage   *string    `json:"last_message"`
	LastMessageAt *time.Time `json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type createSessionReq struct {
	Title string `json:"title"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), uid, req.Title)
	if err != nil {
		chatError(c, "CreateChatSession", err)
		return
	}
	common.OK(c, gin.H{"session": sess})
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	rows, err := h.ChatSvc.ListSessions(c.Request.Context(), uid)
	if err != nil {
		chatError(c, "ListChatSessions", err)
		return
	}
	out := make([]sessionView, 0, len(rows))
	for _, s := range rows {
		out = append(out, sessionView{
			SessionID:     s.SessionID,
			Title:         s.Title,
			MessageCount:  s.MessageCount,
			LastMessage:   s.LastMessage,
			LastMessageAt: s.LastMessageAt,
			CreatedAt:     s.CreatedAt,
			UpdatedAt:     s.UpdatedAt,
		})
	}
	common.OK(c, gin.H{"sessions": out})
}

func (h *Handler) GetChatSession(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	detail, err := h.ChatSvc.GetSession(c.Request.Context(), uid, c.Param("session_id"))
	if err != nil {
		chatError(c, "GetChatSession", err)
		return
	}
	common.OK(c, gin.H{
		"session":  detail.Session,
		"messages": detail.Messages,
	})
}

type renameSessionReq struct {
	Title string `json:"title" binding:"required"`
}

func (h *Handler) RenameChatSession(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req renameSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	sess, err := h.ChatSvc.RenameSession(c.Request.Context(), uid, c.Param("session_id"), req.Title)
	if err != nil {
		chatError(c, "RenameChatSession", err)
		return
	}
	common.OK(c, gin.H{"session": sess})
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	sid := c.Param("session_id")
	if err := h.ChatSvc.DeleteSession(c.Request.Context(), uid, sid); err != nil {
		chatError(c, "DeleteChatSession", err)
		return
	}
	common.OK(c, gin.H{"session_id": sid, "deleted": true})
}

type appendMessageReq struct {
	Role    string          `json:"role" binding:"required"`
	Content string          `json:"content" binding:"required"`
	Sources []answer.Source `json:"sources"`
}

func (h *Handler) AppendChatMessage(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req appendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	role := chat.Role(strings.ToUpper(strings.TrimSpace(req.Role)))
	msg, err := h.ChatSvc.AppendMessage(c.Request.Context(), uid, c.Param("session_id"), role, req.Content, req.Sources)
	if err != nil {
		chatError(c, "AppendChatMessage", err)
		return
	}
	common.OK(c, gin.H{"message": msg})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if s := c.Query("before_id"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, sessionID, limit, beforeID)
	if err != nil {
		chatError(c, "ListChatMessages", err)
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

type askReq struct {
	Question    string   `json:"question" binding:"required"`
	DocumentIDs []string `json:"documentIds"`
}

// AskChatSession records a question in the session and answers it from the
// user's documents.
func (h *Handler) AskChatSession(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req askReq
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

	res, err := h.ChatSvc.Ask(c.Request.Context(), uid, c.Param("session_id"), req.Question, req.DocumentIDs...)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			chatError(c, "AskChatSession", err)
			return
		}
		answerError(c, "AskChatSession", err)
		return
	}
	common.OK(c, gin.H{
		"question": res.Question,
		"reply":    res.Reply,
		"answer":   res.Answer.Text,
		"sources":  res.Answer.Sources,
	})
}
