package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/suPer8Hu/docqa/internal/blob"
	"github.com/suPer8Hu/docqa/internal/chunker"
	"github.com/suPer8Hu/docqa/internal/documents"
	"github.com/suPer8Hu/docqa/internal/extract"
)

const (
	DefaultExtractTimeout = 2 * time.Minute
	defaultFetchTimeout   = time.Minute
)

type PipelineConfig struct {
	MaxTokens      int
	OverlapTokens  int
	ExtractTimeout time.Duration
}

// Pipeline executes one ingestion run: fetch, extract, chunk, embed, finish.
type Pipeline struct {
	repo      *documents.Repo
	blobs     blob.Store
	extractor extract.Extractor
	orch      *Orchestrator
	cfg       PipelineConfig
}

func NewPipeline(repo *documents.Repo, blobs blob.Store, extractor extract.Extractor, orch *Orchestrator, cfg PipelineConfig) *Pipeline {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = chunker.DefaultMaxTokens
	}
	if cfg.OverlapTokens < 0 {
		cfg.OverlapTokens = chunker.DefaultOverlapTokens
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = DefaultExtractTimeout
	}
	return &Pipeline{repo: repo, blobs: blobs, extractor: extractor, orch: orch, cfg: cfg}
}

// stageError carries the user-facing message stored on the document.
type stageError struct {
	stage string
	msg   string
	err   error
}

func (e *stageError) Error() string { return e.stage + " failed: " + e.msg }
func (e *stageError) Unwrap() error { return e.err }

func fail(stage string, err error) *stageError {
	return &stageError{stage: stage, msg: describe(err), err: err}
}

func describe(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.Is(err, blob.ErrNotFound):
		return "document content has not been uploaded"
	case errors.Is(err, extract.ErrUnsupportedFormat):
		return extract.ErrUnsupportedFormat.Error()
	case errors.Is(err, extract.ErrEmpty):
		return extract.ErrEmpty.Error()
	case errors.Is(err, extract.ErrCorrupt):
		return extract.ErrCorrupt.Error()
	}
	return "internal error"
}

// Run drives the job to COMPLETED or FAILED. The returned error is non-nil only
// when the outcome could not be recorded.
func (p *Pipeline) Run(ctx context.Context, job Job) (err error) {
	started := time.Now()

	doc, err := p.repo.GetDocument(ctx, job.DocumentID)
	if err != nil {
		if errors.Is(err, documents.ErrNotFound) {
			log.Printf("[Ingest] doc=%s run=%d skipped: document gone", job.DocumentID, job.Run)
			return nil
		}
		return err
	}
	if doc.Status != documents.StatusProcessing || doc.Run != job.Run {
		log.Printf("[Ingest] doc=%s run=%d skipped: status=%s current_run=%d", doc.ID, job.Run, doc.Status, doc.Run)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Ingest] doc=%s run=%d panic=%v", doc.ID, job.Run, r)
			err = p.finishFailed(ctx, job, &stageError{stage: "processing", msg: "internal error"})
		}
	}()

	outcome, serr := p.process(ctx, doc, job)
	if serr != nil && errors.Is(serr, documents.ErrStaleRun) {
		log.Printf("[Ingest] doc=%s run=%d superseded during %s", doc.ID, job.Run, serr.stage)
		return nil
	}
	if serr != nil {
		log.Printf("[Ingest] doc=%s run=%d err=%q cause=%v", doc.ID, job.Run, serr.Error(), serr.err)
		return p.finishFailed(ctx, job, serr)
	}

	var note *string
	if outcome.Failed > 0 {
		n := fmt.Sprintf("%d chunks failed to process", outcome.Failed)
		note = &n
	}
	err = p.repo.MarkCompleted(ctx, job.DocumentID, job.Run, note)
	if errors.Is(err, documents.ErrStaleRun) {
		log.Printf("[Ingest] doc=%s run=%d superseded before completion", job.DocumentID, job.Run)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	log.Printf("[Ingest] ingest_timing doc=%s run=%d chunks_ok=%d chunks_failed=%d total_ms=%d",
		job.DocumentID, job.Run, outcome.Succeeded, outcome.Failed, time.Since(started).Milliseconds())
	return nil
}

func (p *Pipeline) finishFailed(ctx context.Context, job Job, serr *stageError) error {
	// the run context may already be cancelled; the outcome still has to land
	ctx = context.WithoutCancel(ctx)
	err := p.repo.MarkFailed(ctx, job.DocumentID, job.Run, serr.Error())
	if errors.Is(err, documents.ErrStaleRun) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

func (p *Pipeline) process(ctx context.Context, doc *documents.Document, job Job) (Outcome, *stageError) {
	meta := doc.Metadata.Data()

	text := meta.ExtractedText
	var hints extract.Hints
	if strings.TrimSpace(text) != "" {
		hints = extract.DetectHints(text)
	} else {
		t0 := time.Now()
		data, err := p.fetch(ctx, doc.StorageKey)
		if err != nil {
			return Outcome{}, fail("fetch", err)
		}

		xctx, cancel := context.WithTimeout(ctx, p.cfg.ExtractTimeout)
		res, err := p.extractor.Extract(xctx, data, meta.MimeType)
		cancel()
		if err != nil {
			return Outcome{}, fail("extraction", err)
		}
		text, hints = res.Text, res.Hints
		meta.Pages = res.Pages
		log.Printf("[Ingest] extract_timing doc=%s bytes=%d chars=%d ms=%d", doc.ID, len(data), len(text), time.Since(t0).Milliseconds())
	}

	if strings.TrimSpace(text) == "" {
		return Outcome{}, fail("extraction", extract.ErrEmpty)
	}

	meta.Hints = &documents.Hints{
		HasTables: hints.HasTables,
		HasImages: hints.HasImages,
		Sections:  hints.Sections,
	}
	if err := p.repo.UpdateRunMetadata(ctx, doc.ID, job.Run, meta); err != nil {
		return Outcome{}, fail("metadata", err)
	}

	frags := chunker.Split(text, p.cfg.MaxTokens, p.cfg.OverlapTokens)
	if len(frags) == 0 {
		return Outcome{}, fail("chunking", extract.ErrEmpty)
	}

	heartbeat := func() {
		if err := p.repo.Touch(ctx, doc.ID, job.Run); err != nil {
			log.Printf("[Ingest] doc=%s run=%d heartbeat err=%v", doc.ID, job.Run, err)
		}
	}

	t0 := time.Now()
	outcome := p.orch.EmbedAndStore(ctx, doc.ID, frags, heartbeat)
	log.Printf("[Ingest] embed_timing doc=%s chunks=%d ok=%d failed=%d ms=%d",
		doc.ID, len(frags), outcome.Succeeded, outcome.Failed, time.Since(t0).Milliseconds())

	if outcome.Succeeded == 0 {
		return outcome, &stageError{stage: "embedding", msg: "no chunks could be embedded"}
	}
	if outcome.Failed > 0 {
		meta.FailedChunks = outcome.Failed
		if err := p.repo.UpdateRunMetadata(ctx, doc.ID, job.Run, meta); err != nil {
			log.Printf("[Ingest] doc=%s run=%d record failed chunk count err=%v", doc.ID, job.Run, err)
		}
	}
	return outcome, nil
}

func (p *Pipeline) fetch(ctx context.Context, key string) ([]byte, error) {
	fctx, cancel := context.WithTimeout(ctx, defaultFetchTimeout)
	defer cancel()
	return p.blobs.Get(fctx, key)
}
