package documents

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/suPer8Hu/docqa/internal/blob"
	"github.com/suPer8Hu/docqa/internal/common"
	"golang.org/x/crypto/blake2b"
	"gorm.io/datatypes"
)

const (
	DefaultMaxUploadBytes = 10 * 1024 * 1024
	defaultPresignTTL     = 15 * time.Minute
)

var (
	ErrUnsupportedType = errors.New("file type not supported, only PDF, TXT and Markdown files are allowed")
	ErrTooLarge        = errors.New("file too large")
	ErrNotUploadable   = errors.New("document content can only be replaced before successful processing")
)

var allowedTypes = map[string]bool{
	"application/pdf": true,
	"text/plain":      true,
	"text/markdown":   true,
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

type Service struct {
	repo       *Repo
	blobs      blob.Store
	presignTTL time.Duration
	maxBytes   int64
}

func NewService(repo *Repo, blobs blob.Store, presignTTL time.Duration, maxBytes int64) *Service {
	if presignTTL <= 0 {
		presignTTL = defaultPresignTTL
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &Service{repo: repo, blobs: blobs, presignTTL: presignTTL, maxBytes: maxBytes}
}

type UploadRequest struct {
	FileName      string
	MimeType      string
	Size          int64
	ExtractedText string
}

type UploadIntent struct {
	Document  *Document
	UploadURL string
}

// CreateUpload records a PENDING document before its bytes exist and returns
// a presigned URL the client uploads to.
func (s *Service) CreateUpload(ctx context.Context, ownerID uint64, req UploadRequest) (*UploadIntent, error) {
	mt := baseType(req.MimeType)
	if !allowedTypes[mt] {
		return nil, ErrUnsupportedType
	}
	if req.Size <= 0 || req.Size > s.maxBytes {
		return nil, fmt.Errorf("%w: maximum size is %d bytes", ErrTooLarge, s.maxBytes)
	}
	name := strings.TrimSpace(req.FileName)
	if name == "" {
		return nil, errors.New("file name required")
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("uploads/%d-%s", time.Now().UnixMilli(), unsafeName.ReplaceAllString(name, "_"))
	doc := &Document{
		ID:         id,
		OwnerID:    ownerID,
		Title:      name,
		StorageKey: key,
		Status:     StatusPending,
		Metadata: datatypes.NewJSONType(Metadata{
			OriginalName:  name,
			MimeType:      mt,
			Size:          req.Size,
			ExtractedText: req.ExtractedText,
		}),
	}
	if err := s.repo.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}

	url, err := s.blobs.PresignPut(ctx, key, s.presignTTL)
	if err != nil {
		return nil, err
	}
	return &UploadIntent{Document: doc, UploadURL: url}, nil
}

// UploadContent stores the document bytes through the API instead of a presigned URL.
func (s *Service) UploadContent(ctx context.Context, ownerID uint64, id string, data []byte) (*Document, error) {
	doc, err := s.repo.GetOwnedDocument(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != StatusPending && doc.Status != StatusFailed {
		return nil, ErrNotUploadable
	}
	if len(data) == 0 {
		return nil, errors.New("empty upload")
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: maximum size is %d bytes", ErrTooLarge, s.maxBytes)
	}

	sniffed := mimetype.Detect(data)
	mt := ""
	// html, csv, json and friends are children of text/plain in the mimetype tree
	for m := sniffed; m != nil && mt == ""; m = m.Parent() {
		if b := baseType(m.String()); allowedTypes[b] {
			mt = b
		}
	}
	if mt == "" {
		return nil, ErrUnsupportedType
	}

	if _, err := s.blobs.Put(ctx, doc.StorageKey, data, sniffed.String()); err != nil {
		return nil, err
	}

	sum := blake2b.Sum256(data)
	meta := doc.Metadata.Data()
	meta.Size = int64(len(data))
	meta.Checksum = hex.EncodeToString(sum[:])
	// markdown sniffs as text/plain; keep the declared, more specific type
	if mt != "text/plain" || meta.MimeType != "text/markdown" {
		meta.MimeType = mt
	}
	if err := s.repo.UpdateMetadata(ctx, doc.ID, meta); err != nil {
		return nil, err
	}
	doc.Metadata = datatypes.NewJSONType(meta)
	return doc, nil
}

type StatusReport struct {
	DocumentID      string
	Title           string
	Status          Status
	ChunkCount      int64
	ProcessingError *string
	CreatedAt       time.Time
}

func (s *Service) Status(ctx context.Context, ownerID uint64, id string) (*StatusReport, error) {
	doc, err := s.repo.GetOwnedDocument(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	n, err := s.repo.CountChunks(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		DocumentID:      doc.ID,
		Title:           doc.Title,
		Status:          doc.Status,
		ChunkCount:      n,
		ProcessingError: doc.ProcessingError,
		CreatedAt:       doc.CreatedAt,
	}, nil
}

func (s *Service) List(ctx context.Context, ownerID uint64) ([]Summary, error) {
	return s.repo.ListDocuments(ctx, ownerID)
}

func (s *Service) DownloadURL(ctx context.Context, ownerID uint64, id string) (string, *Document, error) {
	doc, err := s.repo.GetOwnedDocument(ctx, ownerID, id)
	if err != nil {
		return "", nil, err
	}
	url, err := s.blobs.PresignGet(ctx, doc.StorageKey, s.presignTTL)
	if err != nil {
		return "", nil, err
	}
	return url, doc, nil
}

func baseType(mt string) string {
	mt = strings.ToLower(strings.TrimSpace(mt))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}
