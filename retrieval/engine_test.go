package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealdesk.io/graph"
	"dealdesk.io/llm"
)

type fakeGraph struct {
	facts       []graph.Fact
	vectorFacts []graph.Fact
	searchErr   error
	vectorErr   error
	lastNS      string
	lastLimit   int
}

func (f *fakeGraph) Search(_ context.Context, namespace, _ string, limit int) ([]graph.Fact, error) {
	f.lastNS = namespace
	f.lastLimit = limit
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.facts, nil
}

func (f *fakeGraph) VectorSearch(_ context.Context, namespace string, _ []float32, limit int) ([]graph.Fact, error) {
	f.lastNS = namespace
	f.lastLimit = limit
	if f.vectorErr != nil {
		return nil, f.vectorErr
	}
	return f.vectorFacts, nil
}

type fakeReranker struct {
	results  []llm.RerankResult
	err      error
	lastTopN int
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, _ []string, topN int) ([]llm.RerankResult, error) {
	f.lastTopN = topN
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, _ string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func (f *fakeEmbedder) Model() string { return "text-embedding-3-small" }

func sampleFacts() []graph.Fact {
	invalid := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return []graph.Fact{
		{UUID: "f1", Fact: "Revenue grew 25% in FY2024", Name: "Acme GmbH", Page: 3, ChunkIndex: 2, Title: "Annual Report",
			Attributes: map[string]interface{}{"source_entity": "Acme GmbH", "confidence": 0.92}},
		{UUID: "f2", Fact: "Old revenue figure", Name: "report.pdf#chunk-4", InvalidAt: &invalid,
			Attributes: map[string]interface{}{}},
		{UUID: "f3", Fact: "The CFO answered the diligence question", Name: "qa-response-17",
			Attributes: map[string]interface{}{}},
	}
}

func TestSearchRanksFiltersAndCites(t *testing.T) {
	g := &fakeGraph{facts: sampleFacts()}
	r := &fakeReranker{results: []llm.RerankResult{
		{Index: 2, RelevanceScore: 0.9},
		{Index: 1, RelevanceScore: 0.8},
		{Index: 0, RelevanceScore: 0.7},
	}}
	engine := NewEngine(g, r, nil, ModeGraphiti)

	resp, err := engine.Search(context.Background(), "O1", "D1", "revenue growth", Options{})
	require.NoError(t, err)
	assert.Equal(t, "O1:D1", g.lastNS)
	assert.Equal(t, 3, resp.CandidateCount)

	// The superseded fact (f2) is dropped.
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "The CFO answered the diligence question", resp.Results[0].Fact)
	assert.Equal(t, "qa", resp.Results[0].Source.Kind)
	assert.Equal(t, "document", resp.Results[1].Source.Kind)
	assert.InDelta(t, 0.92, resp.Results[1].Source.Confidence, 1e-9)
	assert.Equal(t, 3, resp.Results[1].Source.Page)
	assert.Equal(t, "Annual Report", resp.Results[1].Source.Title)

	assert.Contains(t, resp.Entities, "Acme GmbH")
}

func TestSearchLimitDefaults(t *testing.T) {
	g := &fakeGraph{facts: sampleFacts()[:1]}
	r := &fakeReranker{results: []llm.RerankResult{{Index: 0, RelevanceScore: 0.9}}}
	engine := NewEngine(g, r, nil, ModeGraphiti)

	_, err := engine.Search(context.Background(), "O1", "D1", "revenue", Options{})
	require.NoError(t, err)
	assert.Equal(t, defaultCandidateLimit, g.lastLimit)
	assert.Equal(t, defaultTopResults, r.lastTopN)
}

func TestSearchHonorsCustomLimits(t *testing.T) {
	g := &fakeGraph{facts: sampleFacts()[:1]}
	r := &fakeReranker{results: []llm.RerankResult{{Index: 0, RelevanceScore: 0.9}}}
	engine := NewEngine(g, r, nil, ModeGraphiti)

	_, err := engine.Search(context.Background(), "O1", "D1", "revenue",
		Options{NumCandidates: 20, NumResults: 5})
	require.NoError(t, err)
	assert.Equal(t, 20, g.lastLimit)
	assert.Equal(t, 5, r.lastTopN)
}

func TestSearchGraphErrorDegradesToEmpty(t *testing.T) {
	g := &fakeGraph{searchErr: errors.New("neo4j unreachable")}
	engine := NewEngine(g, &fakeReranker{}, nil, ModeGraphiti)

	resp, err := engine.Search(context.Background(), "O1", "D1", "anything", Options{})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Zero(t, resp.CandidateCount)
	assert.Zero(t, resp.GraphMS)
}

func TestRerankFailureKeepsOriginalOrder(t *testing.T) {
	g := &fakeGraph{facts: sampleFacts()}
	r := &fakeReranker{err: errors.New("rerank provider down")}
	engine := NewEngine(g, r, nil, ModeGraphiti)

	resp, err := engine.Search(context.Background(), "O1", "D1", "revenue", Options{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "Revenue grew 25% in FY2024", resp.Results[0].Fact)
	assert.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
}

func TestSemanticModeKeepsSupersededFacts(t *testing.T) {
	g := &fakeGraph{facts: sampleFacts()}
	r := &fakeReranker{results: []llm.RerankResult{
		{Index: 0, RelevanceScore: 0.9},
		{Index: 1, RelevanceScore: 0.8},
	}}
	engine := NewEngine(g, r, nil, ModeSemantic)

	resp, err := engine.Search(context.Background(), "O1", "D1", "revenue", Options{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "Old revenue figure", resp.Results[1].Fact)
	assert.Empty(t, resp.Entities)
}

func TestSearchWithFallbackUsesVectorStore(t *testing.T) {
	g := &fakeGraph{vectorFacts: []graph.Fact{
		{UUID: "v1", Fact: "Fast-path chunk content", Title: "doc-1", ChunkIndex: 0, Score: 0.88},
	}}
	r := &fakeReranker{results: []llm.RerankResult{{Index: 0, RelevanceScore: 0.88}}}
	engine := NewEngine(g, r, &fakeEmbedder{}, ModeGraphiti)

	resp, err := engine.SearchWithFallback(context.Background(), "O1", "D1", "chunk content", Options{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Fast-path chunk content", resp.Results[0].Fact)
	assert.Equal(t, "document", resp.Results[0].Source.Kind)
	assert.Equal(t, 1, resp.CandidateCount)
}

func TestSearchWithFallbackSkipsWhenGraphHasResults(t *testing.T) {
	g := &fakeGraph{facts: sampleFacts()[:1]}
	r := &fakeReranker{results: []llm.RerankResult{{Index: 0, RelevanceScore: 0.9}}}
	engine := NewEngine(g, r, &fakeEmbedder{err: errors.New("should not be called")}, ModeGraphiti)

	resp, err := engine.SearchWithFallback(context.Background(), "O1", "D1", "revenue", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.CandidateCount)
	require.Len(t, resp.Results, 1)
}
