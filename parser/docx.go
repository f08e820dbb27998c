package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"dealdesk.io/models"
)

// DOCXParser extracts paragraph text from Word documents. A docx file
// is a zip archive; the body lives in word/document.xml.
type DOCXParser struct {
	chunker *Chunker
}

func (p *DOCXParser) SupportedTypes() []string {
	return []string{"docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document"}
}

func (p *DOCXParser) Parse(_ context.Context, data []byte, _ string) (*Result, error) {
	started := time.Now()

	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("DOCX appears corrupted or malformed: %w", err)
	}

	var body io.ReadCloser
	for _, f := range archive.File {
		if f.Name == "word/document.xml" {
			body, err = f.Open()
			if err != nil {
				return nil, fmt.Errorf("DOCX appears corrupted or malformed: %w", err)
			}
			break
		}
	}
	if body == nil {
		return nil, fmt.Errorf("DOCX appears corrupted: missing word/document.xml")
	}
	defer body.Close()

	text, err := docxText(body)
	if err != nil {
		return nil, fmt.Errorf("DOCX appears corrupted or malformed: %w", err)
	}

	chunks := p.chunker.TextChunks(text, models.ChunkText, 0, 0)
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

// docxText walks the WordprocessingML stream, collecting run text and
// inserting breaks at paragraph ends and explicit line breaks.
func docxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	inText := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "br", "tab":
				b.WriteString(" ")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}
