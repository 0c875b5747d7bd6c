package documents

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

type Hints struct {
	HasTables bool     `json:"hasTables"`
	HasImages bool     `json:"hasImages"`
	Sections  []string `json:"sections,omitempty"`
}

// Metadata is the free-form bag stored alongside a document.
type Metadata struct {
	OriginalName string `json:"originalName,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Checksum     string `json:"checksum,omitempty"`

	// ExtractedText is text the client already pulled out of the file; when set
	// the pipeline skips server-side extraction.
	ExtractedText string `json:"extractedText,omitempty"`

	Pages        int    `json:"pages,omitempty"`
	Hints        *Hints `json:"hints,omitempty"`
	FailedChunks int    `json:"failedChunks,omitempty"`
}

type Document struct {
	ID         string `gorm:"primaryKey;size:26"` // ULID
	OwnerID    uint64 `gorm:"index;not null"`
	Title      string `gorm:"type:varchar(255);not null"`
	StorageKey string `gorm:"type:varchar(512);not null"`

	Status          Status  `gorm:"type:varchar(16);index;not null"`
	ProcessingError *string `gorm:"type:text"`

	// Run increments on every entry into PROCESSING; terminal writes must carry it.
	Run int `gorm:"not null;default:0"`

	Metadata datatypes.JSONType[Metadata]

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Document) TableName() string { return "documents" }

// ChunkMeta is the persisted position bag. Its JSON shape is consumed by clients.
type ChunkMeta struct {
	StartIndex int `json:"startIndex"`
	EndIndex   int `json:"endIndex"`
	ChunkIndex int `json:"chunkIndex"`
}

type Chunk struct {
	ID         string `gorm:"primaryKey;size:36"` // UUID
	DocumentID string `gorm:"size:26;not null;index:idx_chunk_doc_index,priority:1"`
	ChunkIndex int    `gorm:"not null;index:idx_chunk_doc_index,priority:2"`
	Text       string `gorm:"type:text;not null"`

	Meta      datatypes.JSONType[ChunkMeta]
	Embedding *pgvector.Vector `gorm:"type:text"`

	CreatedAt time.Time
}

func (Chunk) TableName() string { return "document_chunks" }

// Candidate is a chunk row joined with its document title, as read by retrieval.
type Candidate struct {
	ChunkID       string
	DocumentID    string
	DocumentTitle string
	ChunkIndex    int
	Text          string
	Meta          datatypes.JSONType[ChunkMeta]
}

// Summary is a document plus its current chunk count.
type Summary struct {
	Document
	ChunkCount int64
}
