package parser

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"dealdesk.io/models"
)

// PDFParser extracts page text from PDF files.
type PDFParser struct {
	chunker *Chunker
}

func (p *PDFParser) SupportedTypes() []string {
	return []string{"pdf", "application/pdf"}
}

func (p *PDFParser) Parse(_ context.Context, data []byte, _ string) (*Result, error) {
	started := time.Now()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "encrypted") {
			return nil, fmt.Errorf("PDF is password protected: %w", err)
		}
		return nil, fmt.Errorf("PDF appears corrupted or malformed: %w", err)
	}

	res := &Result{PageCount: reader.NumPage()}
	index := 0

	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("page %d: %v", i, err))
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		chunks := p.chunker.TextChunks(text, models.ChunkText, i, index)
		index += len(chunks)
		res.Chunks = append(res.Chunks, chunks...)
	}

	if len(res.Chunks) == 0 {
		res.Warnings = append(res.Warnings, "no extractable text in PDF")
	}
	res.ParseTimeMS = time.Since(started).Milliseconds()
	return res, nil
}
