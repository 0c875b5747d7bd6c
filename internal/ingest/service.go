package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/suPer8Hu/docqa/internal/documents"
)

const DefaultStaleAfter = 30 * time.Minute

var ErrDispatch = errors.New("could not start processing, please retry")

// Service owns the submit side of the document state machine.
type Service struct {
	repo       *documents.Repo
	dispatcher Dispatcher
	staleAfter time.Duration
	now        func() time.Time
}

func NewService(repo *documents.Repo, dispatcher Dispatcher, staleAfter time.Duration) *Service {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Service{repo: repo, dispatcher: dispatcher, staleAfter: staleAfter, now: time.Now}
}

func (s *Service) stale(d *documents.Document) bool {
	return d.UpdatedAt.Before(s.now().Add(-s.staleAfter))
}

// Submit moves the document into PROCESSING and hands the run off. It returns
// once the transition is stored; the run itself proceeds asynchronously.
func (s *Service) Submit(ctx context.Context, ownerID uint64, documentID string) (*documents.Document, error) {
	doc, err := s.repo.GetOwnedDocument(ctx, ownerID, documentID)
	if err != nil {
		return nil, err
	}

	from := doc.Status
	switch doc.Status {
	case documents.StatusPending, documents.StatusFailed:
	case documents.StatusProcessing:
		if !s.stale(doc) {
			return nil, documents.ErrInProgress
		}
		log.Printf("[Ingest] doc=%s run=%d resubmitting stale run last_heartbeat=%s", doc.ID, doc.Run, doc.UpdatedAt.Format(time.RFC3339))
	default:
		if rej := documents.SubmitError(doc.Status); rej != nil {
			return nil, rej
		}
		return nil, fmt.Errorf("%w: %s", documents.ErrInvalidTransition, doc.Status)
	}

	run, err := s.repo.BeginProcessing(ctx, doc.ID, from, doc.Run)
	if err != nil {
		return nil, err
	}
	doc.Status = documents.StatusProcessing
	doc.ProcessingError = nil
	doc.Run = run

	job := Job{DocumentID: doc.ID, Run: run}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		log.Printf("[Ingest] doc=%s run=%d dispatch err=%v", doc.ID, run, err)
		if ferr := s.repo.MarkFailed(context.WithoutCancel(ctx), doc.ID, run, "dispatch failed: "+ErrDispatch.Error()); ferr != nil {
			log.Printf("[Ingest] doc=%s run=%d record dispatch failure err=%v", doc.ID, run, ferr)
		}
		return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	return doc, nil
}

// RecoverStale fails PROCESSING documents whose heartbeat stopped, so their
// owners can resubmit them. It returns how many were recovered.
func (s *Service) RecoverStale(ctx context.Context) (int, error) {
	docs, err := s.repo.ListStale(ctx, s.now().Add(-s.staleAfter))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range docs {
		err := s.repo.MarkFailed(ctx, d.ID, d.Run, "processing interrupted, please retry")
		if errors.Is(err, documents.ErrStaleRun) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		log.Printf("[Ingest] doc=%s run=%d recovered stale run", d.ID, d.Run)
	}
	return n, nil
}
