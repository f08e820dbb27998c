package parser

import (
	"math"
	"regexp"
	"strings"

	"dealdesk.io/models"
)

// Chunker splits extracted text into chunks of at most maxTokens,
// breaking at paragraph and then sentence boundaries. A sentence longer
// than the limit becomes its own oversize chunk rather than being cut
// mid-sentence.
type Chunker struct {
	maxTokens int
}

// NewChunker returns a chunker; a non-positive limit falls back to 1024.
func NewChunker(maxTokens int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Chunker{maxTokens: maxTokens}
}

// EstimateTokens approximates token count from the word count.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// Split breaks text into chunk-sized fragments.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if EstimateTokens(text) <= c.maxTokens {
		return []string{text}
	}

	var fragments []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if current.Len() > 0 {
			fragments = append(fragments, strings.TrimSpace(current.String()))
			current.Reset()
			currentTokens = 0
		}
	}

	for _, para := range splitParagraphs(text) {
		paraTokens := EstimateTokens(para)

		if paraTokens > c.maxTokens {
			flush()
			for _, sent := range splitSentences(para) {
				sentTokens := EstimateTokens(sent)
				if currentTokens+sentTokens > c.maxTokens {
					flush()
				}
				if current.Len() > 0 {
					current.WriteString(" ")
				}
				current.WriteString(sent)
				currentTokens += sentTokens
			}
			flush()
			continue
		}

		if currentTokens+paraTokens > c.maxTokens {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		currentTokens += paraTokens
	}
	flush()

	return fragments
}

// TextChunks converts text into models.Chunk values of the given kind,
// with indices starting at startIndex.
func (c *Chunker) TextChunks(text string, kind models.ChunkKind, page int, startIndex int) []models.Chunk {
	var chunks []models.Chunk
	for i, frag := range c.Split(text) {
		chunks = append(chunks, models.Chunk{
			Index:      startIndex + i,
			Kind:       kind,
			Content:    frag,
			TokenCount: EstimateTokens(frag),
			Page:       page,
		})
	}
	return chunks
}

var paragraphSplit = regexp.MustCompile(`\n\s*\n`)

func splitParagraphs(text string) []string {
	var paras []string
	for _, p := range paragraphSplit.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

var sentenceEnd = regexp.MustCompile(`([.!?])\s+`)

func splitSentences(text string) []string {
	marked := sentenceEnd.ReplaceAllString(text, "$1\x00")
	var sentences []string
	for _, s := range strings.Split(marked, "\x00") {
		s = strings.TrimSpace(s)
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
