// Package answer turns retrieved chunks into a grounded reply with sources.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/suPer8Hu/docqa/internal/ai"
	"github.com/suPer8Hu/docqa/internal/retrieval"
)

const (
	NoAnswerText = "I couldn't find any relevant information in your uploaded documents. Please try rephrasing your question or upload more documents."

	ExcerptChars       = 200
	DefaultTimeout     = 60 * time.Second
	DefaultSourceLimit = retrieval.DefaultLimit
	excerptEllipsis    = "..."
)

// ErrGeneration hides provider details from callers.
var ErrGeneration = errors.New("failed to generate answer")

// Searcher is the retrieval dependency.
type Searcher interface {
	Search(ctx context.Context, ownerID uint64, question string, limit int, documentIDs ...string) ([]retrieval.Result, error)
}

// Generator writes the answer text from a question and a context block.
type Generator interface {
	Complete(ctx context.Context, question, context string) (string, error)
}

type Source struct {
	ChunkID       string  `json:"chunkId"`
	DocumentID    string  `json:"documentId"`
	DocumentTitle string  `json:"documentTitle"`
	Excerpt       string  `json:"chunkText"`
	Similarity    float64 `json:"similarity"`
}

type Answer struct {
	Question string
	Text     string
	Sources  []Source
}

type Assembler struct {
	search  Searcher
	gen     Generator
	limit   int
	timeout time.Duration
}

func NewAssembler(search Searcher, gen Generator, limit int, timeout time.Duration) *Assembler {
	if limit <= 0 {
		limit = DefaultSourceLimit
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Assembler{search: search, gen: gen, limit: limit, timeout: timeout}
}

// Answer retrieves context for question and asks the generator for a reply.
// With no matching chunks it returns NoAnswerText without calling the generator.
func (a *Assembler) Answer(ctx context.Context, ownerID uint64, question string, documentIDs ...string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("question is required")
	}

	results, err := a.search.Search(ctx, ownerID, question, a.limit, documentIDs...)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &Answer{Question: question, Text: NoAnswerText, Sources: []Source{}}, nil
	}

	gctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	t0 := time.Now()
	text, err := a.gen.Complete(gctx, question, BuildContext(results))
	if err != nil {
		log.Printf("[Answer] owner=%d sources=%d generate err=%v", ownerID, len(results), err)
		return nil, ErrGeneration
	}
	log.Printf("[Answer] answer_timing owner=%d sources=%d gen_ms=%d", ownerID, len(results), time.Since(t0).Milliseconds())

	sources := make([]Source, 0, len(results))
	for _, r := range results {
		sources = append(sources, Source{
			ChunkID:       r.ChunkID,
			DocumentID:    r.DocumentID,
			DocumentTitle: r.DocumentTitle,
			Excerpt:       Excerpt(r.Text),
			Similarity:    r.Similarity,
		})
	}
	return &Answer{Question: question, Text: strings.TrimSpace(text), Sources: sources}, nil
}

// BuildContext labels each chunk with its rank and document title.
func BuildContext(results []retrieval.Result) string {
	parts := make([]string, 0, len(results))
	for i, r := range results {
		parts = append(parts, fmt.Sprintf("Source %d (from %s):\n%s", i+1, r.DocumentTitle, r.Text))
	}
	return strings.Join(parts, "\n\n")
}

// Excerpt cuts text to ExcerptChars characters, marking the cut.
func Excerpt(text string) string {
	r := []rune(text)
	if len(r) <= ExcerptChars {
		return text
	}
	return string(r[:ExcerptChars]) + excerptEllipsis
}

const systemPrompt = `You are a helpful assistant for technicians working from their own technical documents.
Answer the question using only the provided context. Refer to sources by their label when useful.
If the context does not contain the answer, say clearly that you cannot answer from the provided documents.`

// ProviderGenerator adapts a chat provider to Generator.
type ProviderGenerator struct {
	provider ai.Provider
}

func NewProviderGenerator(p ai.Provider) *ProviderGenerator {
	return &ProviderGenerator{provider: p}
}

func (g *ProviderGenerator) Complete(ctx context.Context, question, contextBlock string) (string, error) {
	user := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextBlock, question)
	out, err := g.provider.Chat(ctx, []ai.Message{
		{Role: ai.RoleSystem, Content: systemPrompt},
		{Role: ai.RoleUser, Content: user},
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", errors.New("empty completion")
	}
	return out, nil
}
