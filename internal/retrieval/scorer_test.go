package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/docqa/internal/documents"
	"github.com/suPer8Hu/docqa/internal/testutil"
	"gorm.io/datatypes"
)

type fixture struct {
	repo *documents.Repo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{repo: documents.NewRepo(testutil.OpenDB(t, &documents.Document{}, &documents.Chunk{}))}
}

func (f *fixture) doc(t *testing.T, id string, owner uint64, status documents.Status, chunks ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.repo.CreateDocument(ctx, &documents.Document{
		ID: id, OwnerID: owner, Title: id + " manual", StorageKey: "k/" + id, Status: status,
	}))
	for i, text := range chunks {
		require.NoError(t, f.repo.InsertChunk(ctx, &documents.Chunk{
			ID:         uuid.NewString(),
			DocumentID: id,
			ChunkIndex: i,
			Text:       text,
			Meta:       datatypes.NewJSONType(documents.ChunkMeta{StartIndex: i * 100, EndIndex: i*100 + len(text), ChunkIndex: i}),
		}))
	}
}

func TestSearch_CalibrationScenario(t *testing.T) {
	f := newFixture(t)
	f.doc(t, "widget", 1, documents.StatusCompleted,
		"The widget requires calibration every 90 days.",
		"Safety goggles are mandatory.")

	got, err := NewScorer(f.repo).Search(context.Background(), 1, "calibration schedule", 5)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "The widget requires calibration every 90 days.", got[0].Text)
	// one token hit, short chunk penalty
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.InDelta(t, 0.01, got[0].Similarity, 1e-9)
	assert.Equal(t, "widget manual", got[0].DocumentTitle)
	assert.Equal(t, 0, got[0].Meta.ChunkIndex)
}

func TestSearch_NeverCrossesOwnerOrStatus(t *testing.T) {
	f := newFixture(t)
	f.doc(t, "mine", 1, documents.StatusCompleted, "pump calibration procedure for the main line")
	f.doc(t, "theirs", 2, documents.StatusCompleted, "pump calibration procedure for the main line")
	f.doc(t, "draft", 1, documents.StatusProcessing, "pump calibration procedure for the main line")
	f.doc(t, "broken", 1, documents.StatusFailed, "pump calibration procedure for the main line")
	f.doc(t, "queued", 1, documents.StatusPending, "pump calibration procedure for the main line")

	s := NewScorer(f.repo)
	for _, q := range []string{"pump", "calibration procedure", "%", "_", "main line", "PUMP"} {
		got, err := s.Search(context.Background(), 1, q, 10)
		require.NoError(t, err)
		for _, r := range got {
			assert.Equal(t, "mine", r.DocumentID, "query %q", q)
		}
	}
}

func TestSearch_RanksAndBreaksTiesByStoreOrder(t *testing.T) {
	f := newFixture(t)
	long := " This sentence pads the chunk past the short-fragment threshold."
	f.doc(t, "a", 1, documents.StatusCompleted,
		"valve"+long,
		"valve valve valve"+long,
		"valve"+long,
		"nothing relevant here at all, just filler text to be long enough.")

	got, err := NewScorer(f.repo).Search(context.Background(), 1, "valve", 5)

	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].ChunkIndex)
	assert.Equal(t, 0, got[1].ChunkIndex)
	assert.Equal(t, 2, got[2].ChunkIndex)
	// phrase and the single token both match
	assert.InDelta(t, 10+2*3, got[0].Score, 1e-9)
}

func TestSearch_LimitAndDocumentFilter(t *testing.T) {
	f := newFixture(t)
	long := " with enough words to avoid the short chunk penalty entirely."
	f.doc(t, "a", 1, documents.StatusCompleted, "gasket"+long, "gasket"+long, "gasket"+long)
	f.doc(t, "b", 1, documents.StatusCompleted, "gasket"+long)

	s := NewScorer(f.repo)
	got, err := s.Search(context.Background(), 1, "gasket", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Search(context.Background(), 1, "gasket", 5, "b")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].DocumentID)
}

func TestSearch_EmptyQuestionAndNoMatches(t *testing.T) {
	f := newFixture(t)
	f.doc(t, "a", 1, documents.StatusCompleted, "Safety goggles are mandatory.")
	s := NewScorer(f.repo)

	got, err := s.Search(context.Background(), 1, "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Search(context.Background(), 1, "torque wrench", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

type brokenSource struct{}

func (brokenSource) FindCandidates(context.Context, uint64, []string, []string, int) ([]documents.Candidate, error) {
	return nil, errors.New("connection refused")
}

func TestSearch_StoreFailureIsExplicit(t *testing.T) {
	_, err := NewScorer(brokenSource{}).Search(context.Background(), 1, "anything", 5)
	assert.ErrorIs(t, err, ErrUnavailable)
}

type recordingSource struct {
	calls   int
	needles []string
	cands   []documents.Candidate
}

func (r *recordingSource) FindCandidates(_ context.Context, _ uint64, needles []string, _ []string, _ int) ([]documents.Candidate, error) {
	r.calls++
	r.needles = needles
	return r.cands, nil
}

func TestSearch_RepeatedWordsQueryOnceButScoreEachTime(t *testing.T) {
	text := "Pump calibration: prime the pump before the first pump run."
	src := &recordingSource{cands: []documents.Candidate{{ChunkID: "c1", DocumentID: "a", Text: text}}}

	got, err := NewScorer(src).Search(context.Background(), 1, "pump pump PUMP calibration", 5)
	require.NoError(t, err)

	assert.Equal(t, []string{"pump pump pump calibration", "pump", "calibration"}, src.needles)
	require.Len(t, got, 1)
	phrase := "pump pump pump calibration"
	assert.InDelta(t, Score(text, phrase, Tokens(phrase)), got[0].Score, 1e-9)
	assert.Greater(t, got[0].Score, Score(text, phrase, []string{"pump", "calibration"}))
}

func TestSearch_QuestionLengthIsBounded(t *testing.T) {
	src := &recordingSource{}
	s := NewScorer(src)

	_, err := s.Search(context.Background(), 1, strings.Repeat("a", MaxQuestionChars), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	_, err = s.Search(context.Background(), 1, strings.Repeat("word ", MaxQuestionChars), 5)
	assert.ErrorIs(t, err, ErrQuestionTooLong)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, src.calls)

	// runes, not bytes
	_, err = s.Search(context.Background(), 1, strings.Repeat("ü", MaxQuestionChars), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestScoreAndSimilarity(t *testing.T) {
	assert.Equal(t, []string{"how", "calibrate", "pump"}, Tokens("How to calibrate a  pump"))
	assert.Equal(t, []string{"pump", "pump"}, Tokens("pump pump"))

	assert.InDelta(t, 0.0, Score("short", "missing", nil), 1e-9)
	assert.Equal(t, MaxSimilarity, Similarity(250))
	assert.InDelta(t, 0.12, Similarity(12), 1e-9)
}
