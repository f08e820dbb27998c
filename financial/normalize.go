// Package financial detects financial spreadsheets and extracts
// normalized metrics from their tables. Label matching covers English
// and German statement vocabulary because deal rooms routinely mix
// both.
package financial

import (
	"regexp"
	"strings"

	"dealdesk.io/models"
)

type canonical struct {
	name     string
	category models.MetricCategory
}

// normalizationTable maps lowercased raw phrases to canonical metric
// names. Longest match wins when a label contains several phrases.
var normalizationTable = map[string]canonical{
	"revenue":             {"revenue", models.CategoryIncomeStatement},
	"sales":               {"revenue", models.CategoryIncomeStatement},
	"net sales":           {"revenue", models.CategoryIncomeStatement},
	"umsatz":              {"revenue", models.CategoryIncomeStatement},
	"erlöse":              {"revenue", models.CategoryIncomeStatement},
	"erloese":             {"revenue", models.CategoryIncomeStatement},
	"ebitda":              {"ebitda", models.CategoryIncomeStatement},
	"operating profit":    {"ebitda", models.CategoryIncomeStatement},
	"betriebsergebnis":    {"ebitda", models.CategoryIncomeStatement},
	"gross profit":        {"gross_profit", models.CategoryIncomeStatement},
	"bruttogewinn":        {"gross_profit", models.CategoryIncomeStatement},
	"net income":          {"net_income", models.CategoryIncomeStatement},
	"net profit":          {"net_income", models.CategoryIncomeStatement},
	"jahresüberschuss":    {"net_income", models.CategoryIncomeStatement},
	"jahresueberschuss":   {"net_income", models.CategoryIncomeStatement},
	"total assets":        {"total_assets", models.CategoryBalanceSheet},
	"bilanzsumme":         {"total_assets", models.CategoryBalanceSheet},
	"equity":              {"equity", models.CategoryBalanceSheet},
	"eigenkapital":        {"equity", models.CategoryBalanceSheet},
	"operating cash flow": {"operating_cash_flow", models.CategoryCashFlow},
	"operativer cashflow": {"operating_cash_flow", models.CategoryCashFlow},
	"free cash flow":      {"free_cash_flow", models.CategoryCashFlow},
	"fcf":                 {"free_cash_flow", models.CategoryCashFlow},
	"gross margin":        {"gross_margin", models.CategoryRatio},
	"bruttomarge":         {"gross_margin", models.CategoryRatio},
	"debt to equity":      {"debt_to_equity", models.CategoryRatio},
}

// NormalizeMetricName maps a raw label to its canonical name and
// category. Unknown labels fall back to a snake-cased form with a
// keyword-guessed category; known reports whether the table matched.
func NormalizeMetricName(raw string) (name string, category models.MetricCategory, known bool) {
	label := strings.ToLower(strings.TrimSpace(raw))
	if label == "" {
		return "", models.CategoryIncomeStatement, false
	}

	if c, ok := normalizationTable[label]; ok {
		return c.name, c.category, true
	}

	// Substring match, longest phrase first, so "Total Net Sales (EUR)"
	// still lands on revenue.
	best := ""
	for phrase := range normalizationTable {
		if strings.Contains(label, phrase) && len(phrase) > len(best) {
			best = phrase
		}
	}
	if best != "" {
		c := normalizationTable[best]
		return c.name, c.category, true
	}

	return snakeCase(label), GuessCategory(label), false
}

// GuessCategory classifies an unknown label by keyword.
func GuessCategory(label string) models.MetricCategory {
	l := strings.ToLower(label)
	switch {
	case containsAny(l, "margin", "ratio", "multiple", "rate"):
		return models.CategoryRatio
	case containsAny(l, "cash", "flow"):
		return models.CategoryCashFlow
	case containsAny(l, "asset", "liabilit", "equity", "debt"):
		return models.CategoryBalanceSheet
	default:
		return models.CategoryIncomeStatement
	}
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func snakeCase(s string) string {
	s = nonAlnum.ReplaceAllString(strings.ToLower(s), "_")
	return strings.Trim(s, "_")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
