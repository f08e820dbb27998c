package models

import "time"

// MetricCategory classifies a financial metric by statement.
type MetricCategory string

const (
	CategoryIncomeStatement MetricCategory = "income_statement"
	CategoryBalanceSheet    MetricCategory = "balance_sheet"
	CategoryCashFlow        MetricCategory = "cash_flow"
	CategoryRatio           MetricCategory = "ratio"
)

// PeriodType is the reporting period of a metric value.
type PeriodType string

const (
	PeriodAnnual    PeriodType = "annual"
	PeriodQuarterly PeriodType = "quarterly"
	PeriodMonthly   PeriodType = "monthly"
	PeriodYTD       PeriodType = "ytd"
)

// FinancialMetric is a normalized numeric metric extracted from a
// spreadsheet-type document. Name uses the normalized form ("revenue",
// "ebitda", ...); Value is a decimal stored as string to avoid float
// drift in monetary amounts.
type FinancialMetric struct {
	ID         string         `gorm:"primaryKey;type:uuid" json:"id"`
	DocumentID string         `gorm:"index" json:"document_id"`
	Name       string         `json:"name"`
	Category   MetricCategory `json:"category"`
	Value      string         `gorm:"type:decimal(20,4)" json:"value"`
	Unit       string         `json:"unit,omitempty"`
	PeriodType PeriodType     `json:"period_type"`
	FiscalYear int            `json:"fiscal_year,omitempty"`

	// FiscalQuarter is 1-4 for quarterly periods, 0 otherwise.
	FiscalQuarter int `json:"fiscal_quarter,omitempty"`

	// Source locator: where in the document the value came from.
	SourceSheet   string `json:"source_sheet,omitempty"`
	SourceCell    string `json:"source_cell,omitempty"`
	SourcePage    int    `json:"source_page,omitempty"`
	SourceFormula string `json:"source_formula,omitempty"`

	// IsActual is false for projections (markers like 2025E, "Forecast").
	IsActual   bool      `json:"is_actual"`
	Confidence int       `json:"confidence"` // 0-100
	CreatedAt  time.Time `json:"created_at"`
}

// FindingType is the closed set of finding classifications.
type FindingType string

const (
	FindingMetric        FindingType = "metric"
	FindingFact          FindingType = "fact"
	FindingRisk          FindingType = "risk"
	FindingOpportunity   FindingType = "opportunity"
	FindingContradiction FindingType = "contradiction"
)

// FindingDomain is the closed set of finding domains.
type FindingDomain string

const (
	DomainFinancial   FindingDomain = "financial"
	DomainOperational FindingDomain = "operational"
	DomainMarket      FindingDomain = "market"
	DomainLegal       FindingDomain = "legal"
	DomainTechnical   FindingDomain = "technical"
)

// Finding is an LLM-extracted insight from a document's chunks.
type Finding struct {
	ID              string        `gorm:"primaryKey;type:uuid" json:"id"`
	DocumentID      string        `gorm:"index" json:"document_id"`
	Content         string        `json:"content"`
	Type            FindingType   `gorm:"column:finding_type" json:"finding_type"`
	Domain          FindingDomain `json:"domain"`
	Confidence      int           `json:"confidence"` // 0-100
	SourceReference string        `json:"source_reference,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// ValidFindingType reports membership in the closed finding-type set.
func ValidFindingType(t FindingType) bool {
	switch t {
	case FindingMetric, FindingFact, FindingRisk, FindingOpportunity, FindingContradiction:
		return true
	}
	return false
}

// ValidFindingDomain reports membership in the closed domain set.
func ValidFindingDomain(d FindingDomain) bool {
	switch d {
	case DomainFinancial, DomainOperational, DomainMarket, DomainLegal, DomainTechnical:
		return true
	}
	return false
}
