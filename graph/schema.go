// Package graph is the knowledge-graph layer over Neo4j: fast-path
// chunk-embedding nodes, deep-path episodes with a typed entity/edge
// schema, namespace-scoped search, and the legacy namespace migration.
package graph

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// Entity labels the extractor is allowed to produce.
var EntityTypes = []string{"Company", "Person", "FinancialMetric", "Finding", "Risk"}

// Edge names the extractor is allowed to produce.
var EdgeTypes = []string{
	"WorksFor", "Supersedes", "Contradicts", "Supports", "ExtractedFrom",
	"CompetesWith", "InvestsIn", "Mentions", "Supplies",
}

// EdgeTypeMap restricts which edges may connect which entity pairs.
// Key is "Source-Target".
var EdgeTypeMap = map[string][]string{
	"Person-Company":                  {"WorksFor", "InvestsIn"},
	"Company-Company":                 {"CompetesWith", "InvestsIn", "Supplies", "Mentions"},
	"Company-FinancialMetric":         {"Mentions"},
	"FinancialMetric-FinancialMetric": {"Supersedes", "Contradicts", "Supports"},
	"Finding-Finding":                 {"Supersedes", "Contradicts", "Supports"},
	"Finding-Company":                 {"Mentions"},
	"Finding-Risk":                    {"Mentions"},
	"Risk-Company":                    {"Mentions"},
	"FinancialMetric-Company":         {"ExtractedFrom", "Mentions"},
}

// AllowedEdge reports whether an edge may connect the entity pair.
func AllowedEdge(source, target, edge string) bool {
	for _, e := range EdgeTypeMap[source+"-"+target] {
		if e == edge {
			return true
		}
	}
	return false
}

// ExtractionSchema is the typed schema transmitted with every episode.
// The graph extractor is constrained to the entities and edges it
// names.
type ExtractionSchema struct {
	EntityTypes []string            `json:"entity_types"`
	EdgeTypes   []string            `json:"edge_types"`
	EdgeTypeMap map[string][]string `json:"edge_type_map"`
}

// DefaultSchema returns the closed M&A extraction schema.
func DefaultSchema() ExtractionSchema {
	return ExtractionSchema{
		EntityTypes: EntityTypes,
		EdgeTypes:   EdgeTypes,
		EdgeTypeMap: EdgeTypeMap,
	}
}

// EdgeMapJSON is the wire form of the pair constraints; node properties
// cannot hold nested maps, so the map travels as a JSON string.
func (s ExtractionSchema) EdgeMapJSON() string {
	b, err := json.Marshal(s.EdgeTypeMap)
	if err != nil {
		return "{}"
	}
	return string(b)
}

var hintKeywords = map[string][]string{
	"financial":   {"financ", "balance", "income", "cash", "p&l", "pnl", "budget", "forecast", "model", "statement"},
	"legal":       {"contract", "agreement", "nda", "legal", "terms", "lease", "license"},
	"operational": {"operation", "process", "org", "hr", "personnel", "employee"},
	"market":      {"market", "competitor", "industry", "customer", "sales pipeline"},
}

// DocumentTypeHint classifies a document from its filename and content
// type. The hint is injected into episode source descriptions to bias
// the graph extractor.
func DocumentTypeHint(fileName, contentType string) string {
	name := strings.ToLower(fileName)

	// Spreadsheets are financial unless the name says otherwise.
	if strings.Contains(contentType, "spreadsheet") || strings.Contains(contentType, "ms-excel") {
		for hint, words := range hintKeywords {
			if hint == "financial" {
				continue
			}
			for _, w := range words {
				if strings.Contains(name, w) {
					return hint
				}
			}
		}
		return "financial"
	}

	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if ext == "xlsx" || ext == "xls" || ext == "csv" {
		return "financial"
	}

	for _, hint := range []string{"financial", "legal", "operational", "market"} {
		for _, w := range hintKeywords[hint] {
			if strings.Contains(name, w) {
				return hint
			}
		}
	}
	return "general"
}
