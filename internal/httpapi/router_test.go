package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/docqa/internal/answer"
	"github.com/suPer8Hu/docqa/internal/auth"
	"github.com/suPer8Hu/docqa/internal/blob"
	"github.com/suPer8Hu/docqa/internal/chat"
	"github.com/suPer8Hu/docqa/internal/db"
	"github.com/suPer8Hu/docqa/internal/documents"
	"github.com/suPer8Hu/docqa/internal/httpapi/handlers"
	"github.com/suPer8Hu/docqa/internal/ingest"
	"github.com/suPer8Hu/docqa/internal/retrieval"
	"github.com/suPer8Hu/docqa/internal/testutil"
	"gorm.io/datatypes"
)

const testSecret = "test-secret"

func init() { gin.SetMode(gin.TestMode) }

type stubGenerator struct {
	mu    sync.Mutex
	calls int
}

func (g *stubGenerator) Complete(_ context.Context, question, _ string) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return "Calibrate every 90 days.", nil
}

type stubLimiter struct{ allow bool }

func (l *stubLimiter) AllowQuery(context.Context, uint64, int, time.Duration) (bool, error) {
	return l.allow, nil
}

type server struct {
	engine  *gin.Engine
	repo    *documents.Repo
	gen     *stubGenerator
	limiter *stubLimiter
	jobs    []ingest.Job
}

func newServer(t *testing.T) *server {
	t.Helper()
	gdb := testutil.OpenDB(t, db.Models()...)
	repo := documents.NewRepo(gdb)
	s := &server{repo: repo, gen: &stubGenerator{}, limiter: &stubLimiter{allow: true}}

	dispatch := ingest.DispatchFunc(func(_ context.Context, job ingest.Job) error {
		s.jobs = append(s.jobs, job)
		return nil
	})
	scorer := retrieval.NewScorer(repo)
	assembler := answer.NewAssembler(scorer, s.gen, 0, time.Second)

	h := &handlers.Handler{
		Docs:           documents.NewService(repo, blob.NewMemory(), 0, 1024),
		Ingest:         ingest.NewService(repo, dispatch, time.Hour),
		Search:         scorer,
		Answers:        assembler,
		ChatSvc:        chat.NewService(chat.NewRepo(gdb), assembler),
		Limiter:        s.limiter,
		QueryRateLimit: 10,
		MaxUploadBytes: 1024,
	}
	s.engine = NewRouter(testSecret, h)
	return s
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (s *server) do(t *testing.T, uid uint64, method, path string, body any) (int, envelope) {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if uid != 0 {
		tok, err := auth.SignJWT(uid, testSecret, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (s *server) seedCompleted(t *testing.T, id string, owner uint64, texts ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.repo.CreateDocument(ctx, &documents.Document{
		ID: id, OwnerID: owner, Title: id + ".md", StorageKey: "uploads/" + id, Status: documents.StatusCompleted,
	}))
	for i, text := range texts {
		require.NoError(t, s.repo.InsertChunk(ctx, &documents.Chunk{
			ID:         uuid.NewString(),
			DocumentID: id,
			ChunkIndex: i,
			Text:       text,
			Meta:       datatypes.NewJSONType(documents.ChunkMeta{EndIndex: len(text), ChunkIndex: i}),
		}))
	}
}

func TestPingAndUnknownRoute(t *testing.T) {
	s := newServer(t)

	code, env := s.do(t, 0, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, env.Code)

	code, env = s.do(t, 0, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 40400, env.Code)
}

func TestAuthRequired(t *testing.T) {
	s := newServer(t)

	code, env := s.do(t, 0, http.MethodGet, "/documents", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, 40101, env.Code)
}

func TestDocumentLifecycle(t *testing.T) {
	s := newServer(t)

	code, env := s.do(t, 1, http.MethodPost, "/documents/uploads", gin.H{
		"fileName": "manual.md", "mimeType": "text/markdown", "size": 20, "extractedText": "secret extracted body",
	})
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.NotContains(t, string(env.Data), "secret extracted body")

	var created struct {
		Document struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"document"`
		UploadURL string `json:"uploadUrl"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "PENDING", created.Document.Status)
	assert.NotEmpty(t, created.UploadURL)
	id := created.Document.ID

	code, _ = s.do(t, 1, http.MethodPut, "/documents/"+id+"/content", []byte("# Manual\ncalibrate often"))
	require.Equal(t, http.StatusOK, code)

	code, env = s.do(t, 1, http.MethodPost, "/documents/"+id+"/ingest", nil)
	require.Equal(t, http.StatusAccepted, code, env.Message)
	require.Len(t, s.jobs, 1)
	assert.Equal(t, id, s.jobs[0].DocumentID)

	code, env = s.do(t, 1, http.MethodPost, "/documents/"+id+"/ingest", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, 40902, env.Code)

	code, env = s.do(t, 1, http.MethodGet, "/documents/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, code)
	var status struct {
		Status     string `json:"status"`
		ChunkCount int64  `json:"chunkCount"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, "PROCESSING", status.Status)
	assert.Zero(t, status.ChunkCount)

	// other users see nothing
	code, env = s.do(t, 2, http.MethodGet, "/documents/"+id+"/status", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 40401, env.Code)
}

func TestIngestCompletedDocumentIsRejected(t *testing.T) {
	s := newServer(t)
	s.seedCompleted(t, "done", 1, "text")

	code, env := s.do(t, 1, http.MethodPost, "/documents/done/ingest", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, 40901, env.Code)
	assert.Empty(t, s.jobs)
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	s := newServer(t)

	code, env := s.do(t, 1, http.MethodPost, "/documents/uploads", gin.H{
		"fileName": "a.exe", "mimeType": "application/x-msdownload", "size": 20,
	})
	assert.Equal(t, http.StatusUnsupportedMediaType, code)
	assert.Equal(t, 41501, env.Code)
}

func TestQuery_AnswersWithSources(t *testing.T) {
	s := newServer(t)
	s.seedCompleted(t, "manual", 1,
		"The widget requires calibration every 90 days.",
		"Safety goggles are mandatory.")

	code, env := s.do(t, 1, http.MethodPost, "/query", gin.H{"question": "calibration schedule"})
	require.Equal(t, http.StatusOK, code, env.Message)

	var out struct {
		Answer   string `json:"answer"`
		Question string `json:"question"`
		Sources  []struct {
			DocumentID    string  `json:"documentId"`
			DocumentTitle string  `json:"documentTitle"`
			ChunkText     string  `json:"chunkText"`
			Similarity    float64 `json:"similarity"`
		} `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, "Calibrate every 90 days.", out.Answer)
	assert.Equal(t, "calibration schedule", out.Question)
	require.Len(t, out.Sources, 1)
	assert.Equal(t, "manual", out.Sources[0].DocumentID)
	assert.Equal(t, "manual.md", out.Sources[0].DocumentTitle)
	assert.InDelta(t, 0.01, out.Sources[0].Similarity, 1e-9)
}

func TestQuery_NoMatchesSkipsGeneration(t *testing.T) {
	s := newServer(t)
	s.seedCompleted(t, "manual", 1, "Safety goggles are mandatory.")

	code, env := s.do(t, 1, http.MethodPost, "/query", gin.H{"question": "calibration schedule"})
	require.Equal(t, http.StatusOK, code)

	var out struct {
		Answer  string            `json:"answer"`
		Sources []json.RawMessage `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, answer.NoAnswerText, out.Answer)
	assert.NotNil(t, out.Sources)
	assert.Empty(t, out.Sources)
	assert.Zero(t, s.gen.calls)
}

func TestQuery_RateLimited(t *testing.T) {
	s := newServer(t)
	s.limiter.allow = false

	code, env := s.do(t, 1, http.MethodPost, "/query", gin.H{"question": "anything"})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, 42901, env.Code)
}

func TestQuestionLengthIsBounded(t *testing.T) {
	s := newServer(t)
	s.seedCompleted(t, "manual", 1, "The widget requires calibration every 90 days.")
	long := strings.Repeat("calibration ", retrieval.MaxQuestionChars/10)

	code, env := s.do(t, 1, http.MethodPost, "/query", gin.H{"question": long})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 10001, env.Code)

	code, env = s.do(t, 1, http.MethodGet, "/documents/search?q="+strings.Repeat("a", retrieval.MaxQuestionChars+1), nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 10002, env.Code)
	assert.Zero(t, s.gen.calls)

	code, env = s.do(t, 1, http.MethodPost, "/chat/sessions", gin.H{})
	require.Equal(t, http.StatusOK, code)
	var created struct {
		Session struct {
			SessionID string `json:"session_id"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	code, env = s.do(t, 1, http.MethodPost, "/chat/sessions/"+created.Session.SessionID+"/ask", gin.H{"question": long})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 10001, env.Code)

	code, _ = s.do(t, 1, http.MethodPost, "/query", gin.H{"question": strings.Repeat("x", retrieval.MaxQuestionChars)})
	assert.Equal(t, http.StatusOK, code)
}

func TestSearchDocuments(t *testing.T) {
	s := newServer(t)
	s.seedCompleted(t, "manual", 1, "The widget requires calibration every 90 days.")
	s.seedCompleted(t, "theirs", 2, "calibration for someone else")

	code, env := s.do(t, 1, http.MethodGet, "/documents/search?q=calibration", nil)
	require.Equal(t, http.StatusOK, code)
	var out struct {
		Results []struct {
			DocumentID string `json:"documentId"`
			Metadata   struct {
				ChunkIndex int `json:"chunkIndex"`
			} `json:"metadata"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.Len(t, out.Results, 1)
	assert.Equal(t, "manual", out.Results[0].DocumentID)

	code, env = s.do(t, 1, http.MethodGet, "/documents/search", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 10002, env.Code)
}

func TestAppendMessageKeepsSources(t *testing.T) {
	s := newServer(t)

	code, env := s.do(t, 1, http.MethodPost, "/chat/sessions", gin.H{})
	require.Equal(t, http.StatusOK, code)
	var created struct {
		Session struct {
			SessionID string `json:"session_id"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	sid := created.Session.SessionID

	code, env = s.do(t, 1, http.MethodPost, "/chat/sessions/"+sid+"/messages", gin.H{
		"role":    "assistant",
		"content": "Every 90 days.",
		"sources": []gin.H{{
			"chunkId": "c1", "documentId": "manual", "documentTitle": "Widget manual",
			"chunkText": "The widget requires calibration every 90 days.", "similarity": 0.42,
		}},
	})
	require.Equal(t, http.StatusOK, code, env.Message)

	code, env = s.do(t, 1, http.MethodGet, "/chat/sessions/"+sid, nil)
	require.Equal(t, http.StatusOK, code)
	var detail struct {
		Messages []struct {
			Role    string          `json:"role"`
			Sources []answer.Source `json:"sources"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	require.Len(t, detail.Messages, 1)
	assert.Equal(t, "ASSISTANT", detail.Messages[0].Role)
	assert.Equal(t, []answer.Source{{
		ChunkID: "c1", DocumentID: "manual", DocumentTitle: "Widget manual",
		Excerpt: "The widget requires calibration every 90 days.", Similarity: 0.42,
	}}, detail.Messages[0].Sources)
}

func TestChatSessionFlow(t *testing.T) {
	s := newServer(t)
	s.seedCompleted(t, "manual", 1, "The widget requires calibration every 90 days.")

	code, env := s.do(t, 1, http.MethodPost, "/chat/sessions", gin.H{})
	require.Equal(t, http.StatusOK, code)
	var created struct {
		Session struct {
			SessionID string `json:"session_id"`
			Title     string `json:"title"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, chat.DefaultTitle, created.Session.Title)
	sid := created.Session.SessionID

	code, env = s.do(t, 1, http.MethodPost, "/chat/sessions/"+sid+"/ask", gin.H{"question": "How often is calibration needed?"})
	require.Equal(t, http.StatusOK, code, env.Message)

	code, env = s.do(t, 1, http.MethodGet, "/chat/sessions/"+sid, nil)
	require.Equal(t, http.StatusOK, code)
	var detail struct {
		Session struct {
			Title string `json:"title"`
		} `json:"session"`
		Messages []struct {
			Role    string            `json:"role"`
			Sources []json.RawMessage `json:"sources"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, "How often is calibration needed?", detail.Session.Title)
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, "USER", detail.Messages[0].Role)
	assert.Equal(t, "ASSISTANT", detail.Messages[1].Role)
	assert.Len(t, detail.Messages[1].Sources, 1)

	code, env = s.do(t, 1, http.MethodPost, "/chat/sessions/"+sid+"/messages", gin.H{"role": "system", "content": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 10004, env.Code)

	code, env = s.do(t, 2, http.MethodGet, "/chat/sessions/"+sid, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 40402, env.Code)

	code, _ = s.do(t, 1, http.MethodPatch, "/chat/sessions/"+sid, gin.H{"title": "Calibration"})
	require.Equal(t, http.StatusOK, code)

	code, env = s.do(t, 1, http.MethodGet, "/chat/sessions", nil)
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Sessions []struct {
			Title        string `json:"title"`
			MessageCount int64  `json:"message_count"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "Calibration", list.Sessions[0].Title)
	assert.EqualValues(t, 2, list.Sessions[0].MessageCount)

	code, _ = s.do(t, 1, http.MethodDelete, "/chat/sessions/"+sid, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, 1, http.MethodGet, "/chat/sessions/"+sid, nil)
	assert.Equal(t, http.StatusNotFound, code)
}
