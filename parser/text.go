package parser

import (
	"context"
	"time"

	"dealdesk.io/models"
)

// TextParser handles plain text and markdown files.
type TextParser struct {
	chunker *Chunker
}

func (p *TextParser) SupportedTypes() []string {
	return []string{"txt", "md", "text/plain", "text/markdown"}
}

func (p *TextParser) Parse(_ context.Context, data []byte, _ string) (*Result, error) {
	started := time.Now()

	chunks := p.chunker.TextChunks(string(data), models.ChunkText, 0, 0)

	res := &Result{
		Chunks:      chunks,
		PageCount:   1,
		ParseTimeMS: time.Since(started).Milliseconds(),
	}
	if len(chunks) == 0 {
		res.Warnings = append(res.Warnings, "document contains no text")
	}
	return res, nil
}
