package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"dealdesk.io/models"
	"dealdesk.io/retry"
)

func TestRegistryResolvesByContentType(t *testing.T) {
	r := NewRegistry(1024)

	p, err := r.Get("application/pdf", "deck.bin")
	require.NoError(t, err)
	assert.IsType(t, &PDFParser{}, p)

	p, err = r.Get("text/plain; charset=utf-8", "notes")
	require.NoError(t, err)
	assert.IsType(t, &TextParser{}, p)
}

func TestRegistryResolvesByExtension(t *testing.T) {
	r := NewRegistry(1024)

	p, err := r.Get("", "Q3 Model.xlsx")
	require.NoError(t, err)
	assert.IsType(t, &XLSXParser{}, p)
}

func TestRegistryUnsupportedType(t *testing.T) {
	r := NewRegistry(1024)

	_, err := r.Get("application/x-msdownload", "setup.exe")
	require.Error(t, err)
	assert.True(t, errors.Is(err, retry.ErrUnsupportedType))
}

func TestTextParserChunks(t *testing.T) {
	r := NewRegistry(1024)
	p, err := r.Get("text/plain", "memo.txt")
	require.NoError(t, err)

	res, err := p.Parse(context.Background(), []byte("The deal closed in June.\n\nDiligence flagged churn risk."), "memo.txt")
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, models.ChunkText, res.Chunks[0].Kind)
	assert.Equal(t, 0, res.Chunks[0].Index)
	assert.Greater(t, res.Chunks[0].TokenCount, 0)
}

func TestChunkerSplitRespectsLimit(t *testing.T) {
	c := NewChunker(50)

	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("Revenue grew twelve percent in the third quarter of the fiscal year.\n\n")
	}
	fragments := c.Split(b.String())
	require.Greater(t, len(fragments), 1)
	for _, frag := range fragments {
		assert.LessOrEqual(t, EstimateTokens(frag), 50)
	}
}

func TestChunkerSingleSentenceOverflow(t *testing.T) {
	c := NewChunker(5)
	long := "this single sentence has far more than five estimated tokens and no terminal punctuation to split on"
	fragments := c.Split(long)
	require.Len(t, fragments, 1)
	assert.Greater(t, EstimateTokens(fragments[0]), 5)
}

func TestChunkerIndicesDense(t *testing.T) {
	c := NewChunker(20)
	text := strings.Repeat("Short paragraph about margins.\n\n", 20)
	chunks := c.TextChunks(text, models.ChunkText, 1, 3)
	for i, chunk := range chunks {
		assert.Equal(t, 3+i, chunk.Index)
	}
}

func TestXLSXParserRoundTrip(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"Metric", "FY2024"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"Revenue", 1250000}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]interface{}{"EBITDA", 310000}))
	require.NoError(t, f.SetSheetRow(sheet, "A4", &[]interface{}{"Gross Profit"}))
	require.NoError(t, f.SetCellFormula(sheet, "B4", "B2-B3"))

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	r := NewRegistry(1024)
	p, err := r.Get("", "model.xlsx")
	require.NoError(t, err)

	res, err := p.Parse(context.Background(), buf.Bytes(), "model.xlsx")
	require.NoError(t, err)

	assert.Equal(t, 1, res.SheetCount)
	require.Len(t, res.Tables, 1)
	assert.Equal(t, []string{"Metric", "FY2024"}, res.Tables[0].Headers)

	require.NotEmpty(t, res.Chunks)
	assert.Equal(t, models.ChunkTable, res.Chunks[0].Kind)
	assert.Contains(t, res.Chunks[0].Content, "Revenue")

	require.Len(t, res.Formulas, 1)
	assert.Equal(t, "B4", res.Formulas[0].CellRef)
	assert.Equal(t, "B2-B3", res.Formulas[0].Expression)

	// Indices are dense across table and formula chunks.
	for i, chunk := range res.Chunks {
		assert.Equal(t, i, chunk.Index)
	}
}

func TestXLSXParserCorrupted(t *testing.T) {
	r := NewRegistry(1024)
	p, err := r.Get("", "broken.xlsx")
	require.NoError(t, err)

	_, err = p.Parse(context.Background(), []byte("not a zip archive"), "broken.xlsx")
	require.Error(t, err)
	c := retry.Classify(err)
	assert.Equal(t, retry.KindCorrupted, c.Kind)
}

func docxBytes(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDOCXParserExtractsParagraphs(t *testing.T) {
	data := docxBytes(t, `<?xml version="1.0"?>
		<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
		  <w:body>
		    <w:p><w:r><w:t>Share Purchase Agreement between </w:t></w:r><w:r><w:t>Acme GmbH and Beta AG.</w:t></w:r></w:p>
		    <w:p><w:r><w:t>Closing is conditional on antitrust clearance.</w:t></w:r></w:p>
		  </w:body>
		</w:document>`)

	r := NewRegistry(1024)
	p, err := r.Get("application/vnd.openxmlformats-officedocument.wordprocessingml.document", "spa.docx")
	require.NoError(t, err)
	assert.IsType(t, &DOCXParser{}, p)

	res, err := p.Parse(context.Background(), data, "spa.docx")
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, models.ChunkText, res.Chunks[0].Kind)
	assert.Contains(t, res.Chunks[0].Content, "Share Purchase Agreement between Acme GmbH and Beta AG.")
	assert.Contains(t, res.Chunks[0].Content, "antitrust clearance")
}

func TestDOCXParserResolvesByExtension(t *testing.T) {
	r := NewRegistry(1024)
	p, err := r.Get("", "Board Minutes.docx")
	require.NoError(t, err)
	assert.IsType(t, &DOCXParser{}, p)
}

func TestDOCXParserCorrupted(t *testing.T) {
	r := NewRegistry(1024)
	p, err := r.Get("", "broken.docx")
	require.NoError(t, err)

	_, err = p.Parse(context.Background(), []byte("not a zip archive"), "broken.docx")
	require.Error(t, err)
	c := retry.Classify(err)
	assert.Equal(t, retry.KindCorrupted, c.Kind)
}

func TestPDFParserCorrupted(t *testing.T) {
	r := NewRegistry(1024)
	p, err := r.Get("application/pdf", "broken.pdf")
	require.NoError(t, err)

	_, err = p.Parse(context.Background(), []byte("%PDF-not-really"), "broken.pdf")
	require.Error(t, err)
	c := retry.Classify(err)
	assert.Equal(t, retry.KindCorrupted, c.Kind)
}
