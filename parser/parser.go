// Package parser turns raw document bytes into ordered chunks plus
// subordinate table and formula records. One parser per format family;
// the registry picks by content type or file extension.
package parser

import (
	"context"

	"dealdesk.io/models"
)

// Result is what a parser produces from one document.
type Result struct {
	Chunks   []models.Chunk
	Tables   []models.Table
	Formulas []models.Formula

	PageCount   int
	SheetCount  int
	ParseTimeMS int64
	Warnings    []string
	Errors      []string
}

// Parser parses a specific document format from memory.
type Parser interface {
	Parse(ctx context.Context, data []byte, fileName string) (*Result, error)

	// SupportedTypes lists the file extensions and MIME types this
	// parser accepts, lowercase, without the leading dot.
	SupportedTypes() []string
}

// TotalChars sums the chunk contents, used for cost estimation.
func (r *Result) TotalChars() int {
	n := 0
	for _, c := range r.Chunks {
		n += len(c.Content)
	}
	return n
}
