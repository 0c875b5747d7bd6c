package ingest

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/suPer8Hu/docqa/internal/ai"
	"github.com/suPer8Hu/docqa/internal/chunker"
	"github.com/suPer8Hu/docqa/internal/documents"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

const (
	DefaultBatchSize    = 5
	DefaultBatchDelay   = 100 * time.Millisecond
	DefaultEmbedTimeout = 30 * time.Second
)

// ChunkStore persists embedded chunks.
type ChunkStore interface {
	InsertChunk(ctx context.Context, c *documents.Chunk) error
}

type Outcome struct {
	Succeeded int
	Failed    int
}

// Orchestrator embeds fragments in sequential batches. Calls inside a batch run
// in parallel and never cancel each other.
type Orchestrator struct {
	embedder     ai.Embedder
	store        ChunkStore
	batchSize    int
	batchDelay   time.Duration
	embedTimeout time.Duration
}

func NewOrchestrator(embedder ai.Embedder, store ChunkStore, batchSize int, batchDelay, embedTimeout time.Duration) *Orchestrator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchDelay < 0 {
		batchDelay = 0
	}
	if embedTimeout <= 0 {
		embedTimeout = DefaultEmbedTimeout
	}
	return &Orchestrator{
		embedder:     embedder,
		store:        store,
		batchSize:    batchSize,
		batchDelay:   batchDelay,
		embedTimeout: embedTimeout,
	}
}

// EmbedAndStore embeds and persists every fragment it can. A chunk row is
// written only after its embedding succeeded; failures are counted and
// skipped. heartbeat, when set, runs after each batch.
func (o *Orchestrator) EmbedAndStore(ctx context.Context, documentID string, frags []chunker.Fragment, heartbeat func()) Outcome {
	var out Outcome
	for start := 0; start < len(frags); start += o.batchSize {
		if start > 0 && o.batchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(o.batchDelay):
			}
		}
		if ctx.Err() != nil {
			out.Failed += len(frags) - start
			log.Printf("[Ingest] embed_aborted doc=%s remaining=%d err=%v", documentID, len(frags)-start, ctx.Err())
			break
		}

		end := min(start+o.batchSize, len(frags))
		ok, failed := o.batch(ctx, documentID, frags[start:end])
		out.Succeeded += ok
		out.Failed += failed

		if heartbeat != nil {
			heartbeat()
		}
	}
	return out
}

func (o *Orchestrator) batch(ctx context.Context, documentID string, frags []chunker.Fragment) (int, int) {
	var ok, failed atomic.Int32
	var g errgroup.Group
	for _, f := range frags {
		f := f
		g.Go(func() error {
			if err := o.one(ctx, documentID, f); err != nil {
				failed.Add(1)
				log.Printf("[Ingest] chunk_failed doc=%s chunk=%d err=%v", documentID, f.Index, err)
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load()), int(failed.Load())
}

func (o *Orchestrator) one(ctx context.Context, documentID string, f chunker.Fragment) error {
	callCtx, cancel := context.WithTimeout(ctx, o.embedTimeout)
	vec, err := o.embedder.Embed(callCtx, f.Text)
	cancel()
	if err != nil {
		return err
	}

	v := pgvector.NewVector(vec)
	return o.store.InsertChunk(ctx, &documents.Chunk{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		ChunkIndex: f.Index,
		Text:       f.Text,
		Meta: datatypes.NewJSONType(documents.ChunkMeta{
			StartIndex: f.Start,
			EndIndex:   f.End,
			ChunkIndex: f.Index,
		}),
		Embedding: &v,
	})
}
