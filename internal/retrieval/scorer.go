// Package retrieval ranks stored chunks against a question with a keyword
// heuristic. It is not semantic search.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/suPer8Hu/docqa/internal/documents"
)

const (
	DefaultLimit = 5
	MaxLimit     = 50

	// candidates fetched per requested result, to leave room for re-ranking
	overfetch = 4

	phraseBonus   = 10.0
	tokenWeight   = 2.0
	shortPenalty  = 0.5
	shortChunk    = 50
	minTokenRunes = 3

	// MaxSimilarity caps the display score; it is not a calibrated probability.
	MaxSimilarity = 0.95

	// MaxQuestionChars bounds the question, and with it the LIKE clauses one
	// search can put in front of the database.
	MaxQuestionChars = 1000
)

var (
	// ErrUnavailable means the chunk store could not be searched. It is
	// distinct from an empty result.
	ErrUnavailable = errors.New("search unavailable")
	// ErrQuestionTooLong is a caller error; the store is never queried.
	ErrQuestionTooLong = fmt.Errorf("question must be at most %d characters", MaxQuestionChars)
)

// CandidateSource returns the owner's COMPLETED-document chunks containing any
// needle, in a stable order.
type CandidateSource interface {
	FindCandidates(ctx context.Context, ownerID uint64, needles []string, documentIDs []string, limit int) ([]documents.Candidate, error)
}

type Result struct {
	ChunkID       string
	DocumentID    string
	DocumentTitle string
	ChunkIndex    int
	Text          string
	Score         float64
	Similarity    float64
	Meta          documents.ChunkMeta
}

type Scorer struct {
	src CandidateSource
}

func NewScorer(src CandidateSource) *Scorer {
	return &Scorer{src: src}
}

// Search returns up to limit chunks ranked by Score, best first. Ties keep
// the store's order. documentIDs optionally narrows the search.
func (s *Scorer) Search(ctx context.Context, ownerID uint64, question string, limit int, documentIDs ...string) ([]Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	phrase := strings.ToLower(strings.TrimSpace(question))
	if phrase == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(phrase) > MaxQuestionChars {
		return nil, ErrQuestionTooLong
	}
	tokens := Tokens(phrase)

	// repeats still count in Score but need only one clause
	needles := make([]string, 0, len(tokens)+1)
	seen := make(map[string]struct{}, len(tokens)+1)
	for _, n := range append([]string{phrase}, tokens...) {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		needles = append(needles, n)
	}

	cands, err := s.src.FindCandidates(ctx, ownerID, needles, documentIDs, limit*overfetch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := make([]Result, 0, len(cands))
	for _, c := range cands {
		score := Score(c.Text, phrase, tokens)
		if score <= 0 {
			continue
		}
		out = append(out, Result{
			ChunkID:       c.ChunkID,
			DocumentID:    c.DocumentID,
			DocumentTitle: c.DocumentTitle,
			ChunkIndex:    c.ChunkIndex,
			Text:          c.Text,
			Score:         score,
			Similarity:    Similarity(score),
			Meta:          c.Meta.Data(),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Tokens lower-cases and splits q on whitespace, keeping tokens longer than
// two characters. Repeated tokens are kept and score repeatedly.
func Tokens(q string) []string {
	fields := strings.Fields(strings.ToLower(q))
	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) >= minTokenRunes {
			out = append(out, f)
		}
	}
	return out
}

// Score applies the keyword heuristic to one chunk. phrase and tokens must
// already be lower-cased.
func Score(text, phrase string, tokens []string) float64 {
	lower := strings.ToLower(text)
	score := 0.0
	if phrase != "" && strings.Contains(lower, phrase) {
		score += phraseBonus
	}
	for _, tok := range tokens {
		score += tokenWeight * float64(strings.Count(lower, tok))
	}
	if utf8.RuneCountInString(text) < shortChunk {
		score *= shortPenalty
	}
	return score
}

func Similarity(score float64) float64 {
	return min(score/100, MaxSimilarity)
}
