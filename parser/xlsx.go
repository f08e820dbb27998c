package parser

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"dealdesk.io/models"
)

// XLSXParser extracts sheet tables and cell formulas from spreadsheets.
// Each sheet becomes one table chunk rendered as a pipe-delimited grid
// plus a Table record; cells holding formulas additionally produce
// formula chunks and Formula records.
type XLSXParser struct {
	chunker *Chunker
}

func (p *XLSXParser) SupportedTypes() []string {
	return []string{
		"xlsx", "xls",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel",
	}
}

func (p *XLSXParser) Parse(_ context.Context, data []byte, _ string) (*Result, error) {
	started := time.Now()

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "encrypt") {
			return nil, fmt.Errorf("workbook is password protected: %w", err)
		}
		return nil, fmt.Errorf("workbook appears corrupted or malformed: %w", err)
	}
	defer f.Close()

	res := &Result{}
	index := 0

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("sheet %s: %v", sheet, err))
			continue
		}
		if len(rows) == 0 {
			continue
		}
		res.SheetCount++

		headers, body := splitHeaderRow(rows)
		res.Tables = append(res.Tables, models.Table{
			SheetName: sheet,
			Headers:   headers,
			Rows:      body,
		})

		var grid strings.Builder
		for _, row := range rows {
			grid.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		for _, chunk := range p.chunker.Split(grid.String()) {
			res.Chunks = append(res.Chunks, models.Chunk{
				Index:      index,
				Kind:       models.ChunkTable,
				Content:    chunk,
				TokenCount: EstimateTokens(chunk),
				SheetName:  sheet,
			})
			index++
		}

		formulaChunks, formulas := p.extractFormulas(f, sheet, len(rows), maxColumns(rows), &index)
		res.Chunks = append(res.Chunks, formulaChunks...)
		res.Formulas = append(res.Formulas, formulas...)
	}

	if res.SheetCount == 0 {
		res.Warnings = append(res.Warnings, "workbook contains no data")
	}
	res.ParseTimeMS = time.Since(started).Milliseconds()
	return res, nil
}

// extractFormulas scans the full row/column grid because formula-only
// cells carry no cached value and are invisible in GetRows output.
func (p *XLSXParser) extractFormulas(f *excelize.File, sheet string, rowCount, colCount int, index *int) ([]models.Chunk, []models.Formula) {
	var chunks []models.Chunk
	var formulas []models.Formula

	for ri := 1; ri <= rowCount; ri++ {
		for ci := 1; ci <= colCount; ci++ {
			cell, err := excelize.CoordinatesToCellName(ci, ri)
			if err != nil {
				continue
			}
			formula, err := f.GetCellFormula(sheet, cell)
			if err != nil || formula == "" {
				continue
			}
			value, _ := f.GetCellValue(sheet, cell)

			content := fmt.Sprintf("%s!%s = %s (value: %s)", sheet, cell, formula, value)
			chunks = append(chunks, models.Chunk{
				Index:         *index,
				Kind:          models.ChunkFormula,
				Content:       content,
				TokenCount:    EstimateTokens(content),
				SheetName:     sheet,
				CellRef:       cell,
				SourceFormula: formula,
			})
			*index++

			formulas = append(formulas, models.Formula{
				SheetName:  sheet,
				CellRef:    cell,
				Expression: formula,
				Result:     value,
			})
		}
	}
	return chunks, formulas
}

func maxColumns(rows [][]string) int {
	max := 0
	for _, row := range rows {
		if len(row) > max {
			max = len(row)
		}
	}
	return max
}

// splitHeaderRow treats the first row as headers when present.
func splitHeaderRow(rows [][]string) ([]string, [][]string) {
	if len(rows) == 0 {
		return nil, nil
	}
	if len(rows) == 1 {
		return rows[0], nil
	}
	return rows[0], rows[1:]
}
