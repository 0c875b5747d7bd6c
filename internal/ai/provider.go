package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Answers are meant to be grounded, not creative.
const (
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 1000
)

var ErrEmptyCompletion = errors.New("empty completion")

type Message struct {
	Role    string
	Content string
}

// Provider completes a chat transcript with a single assistant reply.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// wireMessage is the {role, content} shape shared by the Ollama and
// OpenAI-style chat APIs.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toWire(messages []Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, wireMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// responseError reads a bounded slice of a non-2xx body into an error.
func responseError(name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("%s: status %d", name, resp.StatusCode)
	}
	return fmt.Errorf("%s: status %d: %s", name, resp.StatusCode, msg)
}
