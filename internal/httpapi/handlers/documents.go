package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/docqa/internal/common"
	"github.com/suPer8Hu/docqa/internal/documents"
	"github.com/suPer8Hu/docqa/internal/ingest"
	"github.com/suPer8Hu/docqa/internal/retrieval"
)

// documentView is the client shape of a document. Extracted text never leaves the server.
type documentView struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Status          documents.Status `json:"status"`
	ChunkCount      int64            `json:"chunkCount"`
	ProcessingError *string          `json:"processingError"`
	MimeType        string           `json:"mimeType,omitempty"`
	Size            int64            `json:"size,omitempty"`
	Pages           int              `json:"pages,omitempty"`
	Hints           *documents.Hints `json:"hints,omitempty"`
	FailedChunks    int              `json:"failedChunks,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

func viewDocument(d *documents.Document, chunks int64) documentView {
	meta := d.Metadata.Data()
	return documentView{
		ID:              d.ID,
		Title:           d.Title,
		Status:          d.Status,
		ChunkCount:      chunks,
		ProcessingError: d.ProcessingError,
		MimeType:        meta.MimeType,
		Size:            meta.Size,
		Pages:           meta.Pages,
		Hints:           meta.Hints,
		FailedChunks:    meta.FailedChunks,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

// documentError maps document and ingestion errors to the envelope.
func documentError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, documents.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "document not found")
	case errors.Is(err, documents.ErrAlreadyProcessed):
		common.Fail(c, http.StatusConflict, 40901, "document already processed")
	case errors.Is(err, documents.ErrInProgress):
		common.Fail(c, http.StatusConflict, 40902, "document is currently being processed")
	case errors.Is(err, documents.ErrNotUploadable):
		common.Fail(c, http.StatusConflict, 40903, documents.ErrNotUploadable.Error())
	case errors.Is(err, documents.ErrTooLarge):
		common.Fail(c, http.StatusRequestEntityTooLarge, 41301, err.Error())
	case errors.Is(err, documents.ErrUnsupportedType):
		common.Fail(c, http.StatusUnsupportedMediaType, 41501, documents.ErrUnsupportedType.Error())
	case errors.Is(err, ingest.ErrDispatch):
		common.Fail(c, http.StatusServiceUnavailable, 50301, ingest.ErrDispatch.Error())
	default:
		log.Printf("[%s] request_id=%s err=%v", op, requestID(c), err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

type createUploadReq struct {
	FileName      string `json:"fileName" binding:"required"`
	MimeType      string `json:"mimeType" binding:"required"`
	Size          int64  `json:"size" binding:"required"`
	ExtractedText string `json:"extractedText"`
}

func (h *Handler) CreateUpload(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req createUploadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if strings.TrimSpace(req.FileName) == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "fileName required")
		return
	}

	intent, err := h.Docs.CreateUpload(c.Request.Context(), uid, documents.UploadRequest{
		FileName:      req.FileName,
		MimeType:      req.MimeType,
		Size:          req.Size,
		ExtractedText: req.ExtractedText,
	})
	if err != nil {
		documentError(c, "CreateUpload", err)
		return
	}
	common.OK(c, gin.H{
		"document":  viewDocument(intent.Document, 0),
		"uploadUrl": intent.UploadURL,
	})
}

// UploadContent accepts the raw file body as an alternative to the presigned URL.
func (h *Handler) UploadContent(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	limit := h.MaxUploadBytes
	if limit <= 0 {
		limit = documents.DefaultMaxUploadBytes
	}
	// one byte past the limit lets the service report ErrTooLarge
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "could not read body")
		return
	}

	doc, err := h.Docs.UploadContent(c.Request.Context(), uid, c.Param("id"), data)
	if err != nil {
		documentError(c, "UploadContent", err)
		return
	}
	common.OK(c, viewDocument(doc, 0))
}

func (h *Handler) IngestDocument(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	doc, err := h.Ingest.Submit(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		documentError(c, "IngestDocument", err)
		return
	}
	common.Accepted(c, gin.H{
		"documentId": doc.ID,
		"status":     documents.StatusProcessing,
		"message":    "Document processing started",
	})
}

func (h *Handler) DocumentStatus(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	rep, err := h.Docs.Status(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		documentError(c, "DocumentStatus", err)
		return
	}
	common.OK(c, gin.H{
		"documentId":      rep.DocumentID,
		"title":           rep.Title,
		"status":          rep.Status,
		"chunkCount":      rep.ChunkCount,
		"processingError": rep.ProcessingError,
		"createdAt":       rep.CreatedAt,
	})
}

func (h *Handler) ListDocuments(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	rows, err := h.Docs.List(c.Request.Context(), uid)
	if err != nil {
		documentError(c, "ListDocuments", err)
		return
	}
	out := make([]documentView, 0, len(rows))
	for i := range rows {
		out = append(out, viewDocument(&rows[i].Document, rows[i].ChunkCount))
	}
	common.OK(c, gin.H{"documents": out})
}

func (h *Handler) DocumentURL(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	url, doc, err := h.Docs.DownloadURL(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		documentError(c, "DocumentURL", err)
		return
	}
	common.OK(c, gin.H{"documentId": doc.ID, "url": url})
}

type searchHit struct {
	ChunkID       string              `json:"chunkId"`
	DocumentID    string              `json:"documentId"`
	DocumentTitle string              `json:"documentTitle"`
	ChunkIndex    int                 `json:"chunkIndex"`
	Text          string              `json:"text"`
	Score         float64             `json:"score"`
	Similarity    float64             `json:"similarity"`
	Metadata      documents.ChunkMeta `json:"metadata"`
}

func (h *Handler) SearchDocuments(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "q required")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	results, err := h.Search.Search(c.Request.Context(), uid, q, limit, splitIDs(c.Query("documentIds"))...)
	if err != nil {
		if errors.Is(err, retrieval.ErrQuestionTooLong) {
			common.Fail(c, http.StatusBadRequest, 10002, retrieval.ErrQuestionTooLong.Error())
			return
		}
		if errors.Is(err, retrieval.ErrUnavailable) {
			common.Fail(c, http.StatusServiceUnavailable, 50302, "search unavailable")
			return
		}
		documentError(c, "SearchDocuments", err)
		return
	}

	hits := make([]searchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, searchHit{
			ChunkID:       r.ChunkID,
			DocumentID:    r.DocumentID,
			DocumentTitle: r.DocumentTitle,
			ChunkIndex:    r.ChunkIndex,
			Text:          r.Text,
			Score:         r.Score,
			Similarity:    r.Similarity,
			Metadata:      r.Meta,
		})
	}
	common.OK(c, gin.H{"results": hits})
}

func splitIDs(raw string) []string {
	var ids []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}
