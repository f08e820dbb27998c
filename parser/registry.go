package parser

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"dealdesk.io/retry"
)

// Registry maps file types to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with the built-in parsers registered.
func NewRegistry(maxTokens int) *Registry {
	r := &Registry{parsers: make(map[string]Parser)}

	chunker := NewChunker(maxTokens)
	for _, p := range []Parser{
		&TextParser{chunker: chunker},
		&PDFParser{chunker: chunker},
		&XLSXParser{chunker: chunker},
		&DOCXParser{chunker: chunker},
	} {
		for _, t := range p.SupportedTypes() {
			r.parsers[t] = p
		}
	}
	return r
}

// Register binds a parser to an additional type key.
func (r *Registry) Register(typ string, p Parser) {
	r.parsers[strings.ToLower(typ)] = p
}

// Get resolves a parser from the content type, falling back to the file
// extension. Unknown types return the non-retryable unsupported-type
// sentinel.
func (r *Registry) Get(contentType, fileName string) (Parser, error) {
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			if p, ok := r.parsers[strings.ToLower(mt)]; ok {
				return p, nil
			}
		}
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if p, ok := r.parsers[ext]; ok {
		return p, nil
	}

	return nil, fmt.Errorf("no parser for %q (%s): %w", fileName, contentType, retry.ErrUnsupportedType)
}
