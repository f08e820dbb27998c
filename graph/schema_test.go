package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowedEdge(t *testing.T) {
	assert.True(t, AllowedEdge("Person", "Company", "WorksFor"))
	assert.True(t, AllowedEdge("Finding", "Finding", "Supersedes"))
	assert.False(t, AllowedEdge("Person", "Company", "Supersedes"))
	assert.False(t, AllowedEdge("Risk", "Person", "WorksFor"))
}

func TestDefaultSchemaCarriesFullTaxonomy(t *testing.T) {
	s := DefaultSchema()
	assert.Equal(t, EntityTypes, s.EntityTypes)
	assert.Equal(t, EdgeTypes, s.EdgeTypes)
	assert.Equal(t, EdgeTypeMap, s.EdgeTypeMap)

	var decoded map[string][]string
	require.NoError(t, json.Unmarshal([]byte(s.EdgeMapJSON()), &decoded))
	assert.Equal(t, EdgeTypeMap, decoded)
}

func TestDocumentTypeHint(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		hint        string
	}{
		{"Q3 Financial Model.xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "financial"},
		{"budget_2026.xlsx", "", "financial"},
		{"Share Purchase Agreement.pdf", "application/pdf", "legal"},
		{"market_analysis.pdf", "", "market"},
		{"org chart.pdf", "", "operational"},
		{"holiday photos.pdf", "", "general"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.hint, DocumentTypeHint(tc.name, tc.contentType), tc.name)
	}
}

func TestSearchTermsDropNoise(t *testing.T) {
	assert.Equal(t, []string{"revenue", "growth"}, searchTerms("Revenue of US growth"))
	assert.Empty(t, searchTerms("a an of"))
}
