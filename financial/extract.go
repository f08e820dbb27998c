package financial

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"dealdesk.io/models"
)

// DetectionThreshold is the minimum score at which a document counts as
// financial.
const DetectionThreshold = 30

// View is the parse-result shape the extractor consumes, reconstructed
// from a document's stored chunks.
type View struct {
	Text     []string
	Tables   []models.Table
	Formulas []models.Formula
}

// ViewFromChunks rebuilds a View from stored chunks plus the table and
// formula records.
func ViewFromChunks(chunks []models.Chunk, tables []models.Table, formulas []models.Formula) View {
	v := View{Tables: tables, Formulas: formulas}
	for _, c := range chunks {
		if c.Kind == models.ChunkText {
			v.Text = append(v.Text, c.Content)
		}
	}
	return v
}

// DetectionScore rates how financial a document looks: keyword coverage
// of metric labels, a boost for numeric-heavy tables, and a boost for
// formulas.
func DetectionScore(v View) int {
	labels := 0
	matched := 0
	numeric := 0
	cells := 0

	for _, table := range v.Tables {
		for _, row := range table.Rows {
			if len(row) == 0 {
				continue
			}
			labels++
			if _, _, known := NormalizeMetricName(row[0]); known {
				matched++
			}
			for _, cell := range row[1:] {
				cells++
				if _, ok := parseNumber(cell); ok {
					numeric++
				}
			}
		}
	}

	score := 0
	if labels > 0 {
		score += 70 * matched / labels
	}
	if cells > 0 && numeric*10 >= cells*4 { // numeric ratio >= 40%
		score += 20
	}
	if len(v.Formulas) > 0 {
		score += 10
	}
	return score
}

// Classify names the dominant statement type of the document.
func Classify(metrics []models.FinancialMetric) models.MetricCategory {
	counts := map[models.MetricCategory]int{}
	for _, m := range metrics {
		counts[m.Category]++
	}
	best := models.CategoryIncomeStatement
	for _, c := range []models.MetricCategory{
		models.CategoryBalanceSheet, models.CategoryCashFlow,
	} {
		if counts[c] > counts[best] {
			best = c
		}
	}
	return best
}

// Extract runs detection and, when the document qualifies, emits
// normalized metrics from its tables. Non-financial documents return an
// empty slice with the score.
func Extract(documentID string, v View) ([]models.FinancialMetric, int) {
	score := DetectionScore(v)
	if score < DetectionThreshold {
		return nil, score
	}

	formulasByCell := map[string]string{}
	for _, f := range v.Formulas {
		formulasByCell[f.SheetName+"!"+f.CellRef] = f.Expression
	}

	var metrics []models.FinancialMetric
	for _, table := range v.Tables {
		periods := parsePeriodHeaders(table.Headers)
		for rowIdx, row := range table.Rows {
			if len(row) < 2 {
				continue
			}
			label := strings.TrimSpace(row[0])
			if label == "" {
				continue
			}
			name, category, known := NormalizeMetricName(label)

			for col := 1; col < len(row); col++ {
				value, ok := parseNumber(row[col])
				if !ok {
					continue
				}
				period := periodForColumn(periods, col)

				confidence := 60
				if known {
					confidence = 85
				}
				m := models.FinancialMetric{
					DocumentID:    documentID,
					Name:          name,
					Category:      category,
					Value:         value,
					Unit:          detectUnit(row[col]),
					PeriodType:    period.periodType,
					FiscalYear:    period.year,
					FiscalQuarter: period.quarter,
					SourceSheet:   table.SheetName,
					IsActual:      !period.projection,
					Confidence:    confidence,
				}
				// Sheet tables are whole-grid: headers are row 1, so
				// data row r sits on spreadsheet row r+2.
				if table.SheetName != "" {
					if cell, err := excelize.CoordinatesToCellName(col+1, rowIdx+2); err == nil {
						m.SourceCell = cell
						m.SourceFormula = formulasByCell[table.SheetName+"!"+cell]
					}
				}
				metrics = append(metrics, m)
			}
		}
	}
	return metrics, score
}

// detectUnit reads the unit straight off the raw cell: a trailing
// percent sign or a currency symbol.
func detectUnit(cell string) string {
	s := strings.TrimSpace(cell)
	switch {
	case strings.HasSuffix(s, "%"):
		return "%"
	case strings.ContainsRune(s, '€'):
		return "EUR"
	case strings.ContainsRune(s, '$'):
		return "USD"
	case strings.ContainsRune(s, '£'):
		return "GBP"
	}
	return ""
}

type period struct {
	periodType models.PeriodType
	year       int
	quarter    int
	projection bool
}

var (
	yearPattern    = regexp.MustCompile(`(19|20)\d{2}`)
	quarterPattern = regexp.MustCompile(`(?i)q([1-4])`)
)

// projectionMarker reports whether a header marks a projected period:
// a trailing E/F/P on a year (2025E) or a forecast word.
func projectionMarker(h string) bool {
	l := strings.ToLower(h)
	if containsAny(l, "forecast", "projected", "projection", "plan", "budget") {
		return true
	}
	if m := yearPattern.FindStringIndex(h); m != nil {
		rest := strings.TrimSpace(h[m[1]:])
		if len(rest) > 0 {
			switch rest[0] {
			case 'E', 'F', 'P', 'e', 'f', 'p':
				return true
			}
		}
	}
	return false
}

func parsePeriodHeaders(headers []string) []period {
	periods := make([]period, len(headers))
	for i, h := range headers {
		p := period{periodType: models.PeriodAnnual}
		if y := yearPattern.FindString(h); y != "" {
			p.year, _ = strconv.Atoi(y)
		}
		if q := quarterPattern.FindStringSubmatch(h); q != nil {
			p.periodType = models.PeriodQuarterly
			p.quarter, _ = strconv.Atoi(q[1])
		}
		if strings.Contains(strings.ToLower(h), "ytd") {
			p.periodType = models.PeriodYTD
		}
		p.projection = projectionMarker(h)
		periods[i] = p
	}
	return periods
}

func periodForColumn(periods []period, col int) period {
	if col < len(periods) {
		return periods[col]
	}
	return period{periodType: models.PeriodAnnual}
}

var numberClean = regexp.MustCompile(`[€$£\s]`)

// parseNumber parses English ("1,250,000.50") and German
// ("1.250.000,50") formats, accounting-style parentheses for negatives,
// and rejects non-numeric cells. The result is a plain decimal string.
func parseNumber(cell string) (string, bool) {
	s := strings.TrimSpace(cell)
	if s == "" || strings.EqualFold(s, "n/a") {
		return "", false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = numberClean.ReplaceAllString(s, "")
	s = strings.TrimSuffix(s, "%")
	if s == "" {
		return "", false
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			// German: dots group, comma is decimal.
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		// A single trailing comma group of two digits is a decimal mark.
		if len(s)-lastComma-1 != 3 || strings.Count(s, ",") > 1 {
			if strings.Count(s, ",") == 1 && len(s)-lastComma-1 <= 2 {
				s = strings.Replace(s, ",", ".", 1)
			} else {
				s = strings.ReplaceAll(s, ",", "")
			}
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastDot >= 0:
		// Dots with three-digit groups are German thousands separators.
		if strings.Count(s, ".") > 1 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", false
	}
	if negative {
		f = -f
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}
