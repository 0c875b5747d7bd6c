package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateDocument(ctx context.Context, d *Document) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *Repo) GetDocument(ctx context.Context, id string) (*Document, error) {
	var d Document
	if err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// GetOwnedDocument hides documents of other owners behind ErrNotFound.
func (r *Repo) GetOwnedDocument(ctx context.Context, ownerID uint64, id string) (*Document, error) {
	d, err := r.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return d, nil
}

// ListDocuments returns the owner's documents, newest first, with chunk counts.
func (r *Repo) ListDocuments(ctx context.Context, ownerID uint64) ([]Summary, error) {
	var out []Summary
	err := r.db.WithContext(ctx).
		Model(&Document{}).
		Select("documents.*, (SELECT COUNT(*) FROM document_chunks c WHERE c.document_id = documents.id) AS chunk_count").
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BeginProcessing moves a document from `from` into PROCESSING as a single
// conditional update on (status, run). Leaving FAILED or a stale PROCESSING
// wipes the previous run's chunks in the same transaction. It returns the new
// run number.
func (r *Repo) BeginProcessing(ctx context.Context, id string, from Status, run int) (int, error) {
	if err := checkTransition(from, StatusProcessing); err != nil {
		return 0, err
	}

	var current Status
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Document{}).
			Where("id = ? AND status = ? AND run = ?", id, from, run).
			Updates(map[string]any{
				"status":           StatusProcessing,
				"processing_error": nil,
				"run":              gorm.Expr("run + 1"),
				"updated_at":       time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// lost the race or the row moved on; report where it is now
			var d Document
			if err := tx.Select("status").First(&d, "id = ?", id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			current = d.Status
			return errStatusChanged
		}

		if from != StatusPending {
			if err := tx.Where("document_id = ?", id).Delete(&Chunk{}).Error; err != nil {
				return fmt.Errorf("clear chunks: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, errStatusChanged) {
		if rej := SubmitError(current); rej != nil {
			return 0, rej
		}
		return 0, ErrInProgress
	}
	if err != nil {
		return 0, err
	}
	return run + 1, nil
}

var errStatusChanged = errors.New("status changed")

// Touch records liveness of a running ingestion.
func (r *Repo) Touch(ctx context.Context, id string, run int) error {
	return r.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND status = ? AND run = ?", id, StatusProcessing, run).
		Update("updated_at", time.Now()).Error
}

func (r *Repo) MarkCompleted(ctx context.Context, id string, run int, note *string) error {
	return r.finish(ctx, id, run, StatusCompleted, note)
}

func (r *Repo) MarkFailed(ctx context.Context, id string, run int, msg string) error {
	return r.finish(ctx, id, run, StatusFailed, &msg)
}

func (r *Repo) finish(ctx context.Context, id string, run int, to Status, msg *string) error {
	if err := checkTransition(StatusProcessing, to); err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND status = ? AND run = ?", id, StatusProcessing, run).
		Updates(map[string]any{
			"status":           to,
			"processing_error": msg,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleRun
	}
	return nil
}

func (r *Repo) UpdateMetadata(ctx context.Context, id string, meta Metadata) error {
	return r.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", id).
		Update("metadata", datatypes.NewJSONType(meta)).Error
}

// UpdateRunMetadata writes metadata on behalf of a processing run. It is
// fenced like finish, so a superseded run gets ErrStaleRun and leaves the
// newer run's metadata alone. The heartbeat is bumped in the same write.
func (r *Repo) UpdateRunMetadata(ctx context.Context, id string, run int, meta Metadata) error {
	res := r.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND status = ? AND run = ?", id, StatusProcessing, run).
		Updates(map[string]any{
			"metadata":   datatypes.NewJSONType(meta),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleRun
	}
	return nil
}

// ListStale returns PROCESSING documents whose last heartbeat is before cutoff.
func (r *Repo) ListStale(ctx context.Context, cutoff time.Time) ([]Document, error) {
	var docs []Document
	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", StatusProcessing, cutoff).
		Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *Repo) InsertChunk(ctx context.Context, c *Chunk) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) CountChunks(ctx context.Context, documentID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Chunk{}).Where("document_id = ?", documentID).Count(&n).Error
	return n, err
}

// ListChunks returns a document's chunks in index order.
func (r *Repo) ListChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	var chunks []Chunk
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Find(&chunks).Error; err != nil {
		return nil, err
	}
	return chunks, nil
}

// FindCandidates returns the owner's COMPLETED-document chunks whose text
// contains any needle, case-insensitively, in (document, chunk index) order.
func (r *Repo) FindCandidates(ctx context.Context, ownerID uint64, needles []string, documentIDs []string, limit int) ([]Candidate, error) {
	if len(needles) == 0 || limit <= 0 {
		return nil, nil
	}
	lowered := make([]string, len(needles))
	for i, n := range needles {
		lowered[i] = strings.ToLower(n)
	}

	q := r.db.WithContext(ctx).
		Table("document_chunks AS c").
		Select("c.id AS chunk_id, c.document_id AS document_id, d.title AS document_title, c.chunk_index AS chunk_index, c.text AS text, c.meta AS meta").
		Joins("JOIN documents AS d ON d.id = c.document_id").
		Where("d.owner_id = ? AND d.status = ?", ownerID, StatusCompleted)
	if len(documentIDs) > 0 {
		q = q.Where("c.document_id IN ?", documentIDs)
	}
	q = q.Order("c.document_id ASC, c.chunk_index ASC")

	// SQLite's LOWER folds ASCII only, so non-ASCII needles are matched here.
	if r.db.Dialector.Name() == "sqlite" && !allASCII(lowered) {
		return r.scanMatching(q, lowered, limit)
	}

	conds := make([]string, 0, len(lowered))
	args := make([]any, 0, len(lowered))
	for _, n := range lowered {
		conds = append(conds, "LOWER(c.text) LIKE ? ESCAPE '!'")
		args = append(args, "%"+escapeLike(n)+"%")
	}
	q = q.Where("("+strings.Join(conds, " OR ")+")", args...)

	var out []Candidate
	if err := q.Limit(limit).Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) scanMatching(q *gorm.DB, needles []string, limit int) ([]Candidate, error) {
	rows, err := q.Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() && len(out) < limit {
		var c Candidate
		if err := q.ScanRows(rows, &c); err != nil {
			return nil, err
		}
		text := strings.ToLower(c.Text)
		for _, n := range needles {
			if strings.Contains(text, n) {
				out = append(out, c)
				break
			}
		}
	}
	return out, rows.Err()
}

func allASCII(ss []string) bool {
	for _, s := range ss {
		for i := 0; i < len(s); i++ {
			if s[i] >= utf8.RuneSelf {
				return false
			}
		}
	}
	return true
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}
