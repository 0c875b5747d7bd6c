package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// MaxEmbedInputChars bounds the text sent to an embedding model.
const MaxEmbedInputChars = 8000

var ErrEmptyEmbedding = errors.New("empty embedding returned")

// Embedder maps text to a fixed-length vector. Implementations must be safe
// for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

func clip(text string) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) > MaxEmbedInputChars {
		return string(r[:MaxEmbedInputChars])
	}
	return text
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

type OllamaEmbedder struct {
	BaseURL string
	Model   string
	Limiter *rate.Limiter
	Client  *http.Client
}

func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{
		BaseURL: baseURL,
		Model:   model,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = clip(text)
	if text == "" {
		return nil, errors.New("ollama: text cannot be empty")
	}
	if err := wait(ctx, e.Limiter); err != nil {
		return nil, err
	}

	b, err := json.Marshal(map[string]any{"model": e.Model, "prompt": text})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/api/embeddings", strings.TrimRight(e.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, fmt.Errorf("ollama: embeddings status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("ollama: decode embeddings: %w", err)
	}
	if len(decoded.Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return decoded.Embedding, nil
}

// OpenAIEmbedder talks to any OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	MaxRetries int
	Limiter    *rate.Limiter
	Client     *http.Client
}

func NewOpenAIEmbedder(baseURL, apiKey, model string) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Model:      model,
		MaxRetries: 3,
		Client:     &http.Client{Timeout: 60 * time.Second},
	}
}

type openAIEmbedReq struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type openAIEmbedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type statusError struct {
	code       int
	msg        string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("openai: embeddings status %d: %s", e.code, e.msg)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = clip(text)
	if text == "" {
		return nil, errors.New("openai: text cannot be empty")
	}
	if strings.TrimSpace(e.APIKey) == "" {
		return nil, errors.New("openai: api key is required")
	}

	var lastErr error
	for attempt := 0; attempt <= e.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt)
			var se *statusError
			if errors.As(lastErr, &se) && se.retryAfter > 0 {
				delay = se.retryAfter
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := wait(ctx, e.Limiter); err != nil {
			return nil, err
		}

		vec, err := e.once(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		var se *statusError
		if !errors.As(err, &se) || !se.retryable() {
			return nil, err
		}
	}
	return nil, lastErr
}

func (e *OpenAIEmbedder) once(ctx context.Context, text string) ([]float32, error) {
	b, err := json.Marshal(openAIEmbedReq{Model: e.Model, Input: text, Dimensions: e.Dimensions})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/embeddings", strings.TrimRight(e.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.APIKey)

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, &statusError{
			code:       resp.StatusCode,
			msg:        strings.TrimSpace(string(body)),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var decoded openAIEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("openai: decode embeddings: %w", err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, errors.New(decoded.Error.Message)
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return decoded.Data[0].Embedding, nil
}

const maxBackoff = 5 * time.Second

func backoff(attempt int) time.Duration {
	d := 200 * time.Millisecond << attempt
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		if d > maxBackoff {
			d = maxBackoff
		}
		return d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		if d > maxBackoff {
			d = maxBackoff
		}
		return d
	}
	return 0
}
