package models

import "time"

// ChunkKind distinguishes what a chunk was extracted from.
type ChunkKind string

const (
	ChunkText    ChunkKind = "text"
	ChunkTable   ChunkKind = "table"
	ChunkFormula ChunkKind = "formula"
	ChunkImage   ChunkKind = "image"
)

// Chunk is the atomic unit of extracted text. Indices are dense and
// contiguous starting at 0 within a document; the chunk set is
// write-once per ingest of the parse stage and replaced atomically on
// re-parse. TokenCount stays at or below the configured maximum except
// for single-sentence overflow.
type Chunk struct {
	ID         string    `gorm:"primaryKey;type:uuid" json:"id"`
	DocumentID string    `gorm:"index:idx_chunks_doc" json:"document_id"`
	Index      int       `gorm:"column:chunk_index;index:idx_chunks_doc" json:"index"`
	Kind       ChunkKind `json:"kind"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`

	// Per-kind metadata. Page applies to text/image chunks from paged
	// formats; SheetName/CellRef/SourceFormula to spreadsheet chunks.
	Page          int    `json:"page,omitempty"`
	SheetName     string `json:"sheet_name,omitempty"`
	CellRef       string `json:"cell_ref,omitempty"`
	SourceFormula string `json:"source_formula,omitempty"`

	// Embedding is filled by the embed stage; empty until then.
	Embedding []float32 `gorm:"serializer:json" json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// Table is a subordinate record of a document, reconstructible from
// chunks of kind "table". Headers and rows are stored as JSON.
type Table struct {
	ID         string     `gorm:"primaryKey;type:uuid" json:"id"`
	DocumentID string     `gorm:"index" json:"document_id"`
	SheetName  string     `json:"sheet_name,omitempty"`
	Page       int        `json:"page,omitempty"`
	Headers    []string   `gorm:"serializer:json" json:"headers"`
	Rows       [][]string `gorm:"serializer:json" json:"rows"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Formula is a subordinate record of a document, reconstructible from
// chunks of kind "formula".
type Formula struct {
	ID         string    `gorm:"primaryKey;type:uuid" json:"id"`
	DocumentID string    `gorm:"index" json:"document_id"`
	SheetName  string    `json:"sheet_name,omitempty"`
	CellRef    string    `json:"cell_ref"`
	Expression string    `json:"expression"`
	Result     string    `json:"result,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
