// Package retrieval implements hybrid search over the knowledge graph:
// graph candidate search, reranking, supersession filtering, and
// citation assembly, scoped to one tenant namespace.
package retrieval

import (
	"context"
	"strings"
	"time"

	"dealdesk.io/common"
	"dealdesk.io/graph"
	"dealdesk.io/llm"
)

const (
	// defaultCandidateLimit is the graph-search fan-in per query.
	defaultCandidateLimit = 50

	// defaultTopResults is the rerank cut.
	defaultTopResults = 10

	// queryBudget bounds one end-to-end retrieval.
	queryBudget = 3 * time.Second

	// defaultConfidence applies when an edge carries no confidence
	// attribute.
	defaultConfidence = 0.85
)

// Options tunes one query. Zero values take the defaults.
type Options struct {
	// NumCandidates is the graph-search fan-in (default 50).
	NumCandidates int

	// NumResults is the rerank cut (default 10).
	NumResults int
}

func (o Options) withDefaults() Options {
	if o.NumCandidates <= 0 {
		o.NumCandidates = defaultCandidateLimit
	}
	if o.NumResults <= 0 {
		o.NumResults = defaultTopResults
	}
	return o
}

// Retrieval modes. Semantic mode runs the same graph search but skips
// supersession filtering and entity extraction.
const (
	ModeGraphiti = "graphiti"
	ModeSemantic = "semantic"
)

// GraphSearcher is the graph read surface. *graph.Store satisfies it.
type GraphSearcher interface {
	Search(ctx context.Context, namespace, query string, limit int) ([]graph.Fact, error)
	VectorSearch(ctx context.Context, namespace string, vector []float32, limit int) ([]graph.Fact, error)
}

// Reranker reorders candidates by relevance. *llm.Reranker satisfies it.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]llm.RerankResult, error)
}

// Citation locates a result in its source document or conversation.
type Citation struct {
	Kind       string  `json:"kind"` // document, qa, chat
	Confidence float64 `json:"confidence"`
	Page       int     `json:"page,omitempty"`
	ChunkIndex int     `json:"chunk_index,omitempty"`
	Title      string  `json:"title,omitempty"`
}

// Result is one ranked retrieval hit.
type Result struct {
	Fact   string   `json:"fact"`
	Name   string   `json:"name,omitempty"`
	Score  float64  `json:"score"`
	Source Citation `json:"source"`
}

// Response is the full retrieval envelope.
type Response struct {
	Results        []Result   `json:"results"`
	Sources        []Citation `json:"sources"`
	Entities       []string   `json:"entities"`
	TotalLatencyMS int64      `json:"total_latency_ms"`
	GraphMS        int64      `json:"graph_ms"`
	RerankMS       int64      `json:"rerank_ms"`
	CandidateCount int        `json:"candidate_count"`
}

// Engine runs the retrieval pipeline.
type Engine struct {
	graph    GraphSearcher
	reranker Reranker

	// embedder is optional; it enables the fast-path vector fallback.
	embedder llm.EmbeddingClient

	mode string
	now  func() time.Time
}

// NewEngine creates a retrieval engine. An empty mode defaults to
// graphiti.
func NewEngine(g GraphSearcher, r Reranker, embedder llm.EmbeddingClient, mode string) *Engine {
	if mode == "" {
		mode = ModeGraphiti
	}
	return &Engine{graph: g, reranker: r, embedder: embedder, mode: mode, now: time.Now}
}

// Search runs the hybrid pipeline in the tenant's composite namespace.
// Graph errors degrade to an empty response rather than failing the
// query.
func (e *Engine) Search(ctx context.Context, organizationID, dealID, query string, opts Options) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, queryBudget)
	defer cancel()

	opts = opts.withDefaults()
	started := e.now()
	namespace := common.Namespace(organizationID, dealID)

	graphStart := e.now()
	facts, err := e.graph.Search(ctx, namespace, query, opts.NumCandidates)
	if err != nil {
		common.Logger.WithError(err).WithField("namespace", namespace).
			Warn("graph search failed, returning empty result")
		return &Response{TotalLatencyMS: e.now().Sub(started).Milliseconds()}, nil
	}
	graphMS := e.now().Sub(graphStart).Milliseconds()

	resp := e.assemble(ctx, query, facts, opts.NumResults)
	resp.GraphMS = graphMS
	resp.TotalLatencyMS = e.now().Sub(started).Milliseconds()
	return resp, nil
}

// SearchWithFallback runs Search and, when the graph yields no
// candidates, falls back to a vector search over the fast-path chunk
// nodes.
func (e *Engine) SearchWithFallback(ctx context.Context, organizationID, dealID, query string, opts Options) (*Response, error) {
	resp, err := e.Search(ctx, organizationID, dealID, query, opts)
	if err != nil {
		return nil, err
	}
	if resp.CandidateCount > 0 || e.embedder == nil {
		return resp, nil
	}

	opts = opts.withDefaults()
	started := e.now()
	vectors, err := e.embedder.Embed(ctx, []string{query}, "query")
	if err != nil || len(vectors) == 0 {
		common.Logger.WithError(err).Warn("fallback query embedding failed")
		return resp, nil
	}

	namespace := common.Namespace(organizationID, dealID)
	graphStart := e.now()
	facts, err := e.graph.VectorSearch(ctx, namespace, vectors[0], opts.NumCandidates)
	if err != nil {
		common.Logger.WithError(err).WithField("namespace", namespace).
			Warn("fast-path vector search failed")
		return resp, nil
	}

	out := e.assemble(ctx, query, facts, opts.NumResults)
	out.GraphMS = e.now().Sub(graphStart).Milliseconds()
	out.TotalLatencyMS = e.now().Sub(started).Milliseconds()
	return out, nil
}

// assemble reranks candidates, filters superseded facts, and builds
// citations and entities.
func (e *Engine) assemble(ctx context.Context, query string, facts []graph.Fact, topN int) *Response {
	resp := &Response{CandidateCount: len(facts)}
	if len(facts) == 0 {
		return resp
	}

	docs := make([]string, len(facts))
	for i, f := range facts {
		docs[i] = f.Fact
	}

	rerankStart := e.now()
	ranked, err := e.reranker.Rerank(ctx, query, docs, topN)
	if err != nil {
		common.Logger.WithError(err).Warn("rerank failed, keeping original order")
		ranked = placeholderOrder(len(facts), topN)
	}
	resp.RerankMS = e.now().Sub(rerankStart).Milliseconds()

	for _, r := range ranked {
		if r.Index < 0 || r.Index >= len(facts) {
			continue
		}
		f := facts[r.Index]
		if e.mode != ModeSemantic && f.InvalidAt != nil {
			continue
		}

		citation := citationFor(f)
		resp.Results = append(resp.Results, Result{
			Fact:   f.Fact,
			Name:   f.Name,
			Score:  r.RelevanceScore,
			Source: citation,
		})
		resp.Sources = append(resp.Sources, citation)

		if e.mode != ModeSemantic {
			resp.Entities = appendEntities(resp.Entities, f)
		}
	}
	return resp
}

// placeholderOrder preserves the original candidate order with
// decreasing scores when the reranker is unavailable.
func placeholderOrder(n, topN int) []llm.RerankResult {
	if n > topN {
		n = topN
	}
	out := make([]llm.RerankResult, n)
	for i := 0; i < n; i++ {
		out[i] = llm.RerankResult{Index: i, RelevanceScore: 1.0 - float64(i)*0.05}
	}
	return out
}

// citationFor infers the source kind from the edge name and pulls
// locator fields from the fact.
func citationFor(f graph.Fact) Citation {
	kind := "document"
	switch {
	case strings.HasPrefix(f.Name, "qa-response"):
		kind = "qa"
	case strings.HasPrefix(f.Name, "chat-fact"):
		kind = "chat"
	}

	confidence := defaultConfidence
	if v, ok := f.Attributes["confidence"]; ok {
		if fl, ok := v.(float64); ok && fl > 0 {
			confidence = fl
		}
	}

	return Citation{
		Kind:       kind,
		Confidence: confidence,
		Page:       f.Page,
		ChunkIndex: f.ChunkIndex,
		Title:      f.Title,
	}
}

// appendEntities collects entity names from edge attributes and, when
// the edge name itself looks meaningful, from the name.
func appendEntities(entities []string, f graph.Fact) []string {
	add := func(name string) []string {
		name = strings.TrimSpace(name)
		if name == "" {
			return entities
		}
		for _, existing := range entities {
			if strings.EqualFold(existing, name) {
				return entities
			}
		}
		return append(entities, name)
	}

	for _, key := range []string{"source_entity", "target_entity"} {
		if v, ok := f.Attributes[key].(string); ok {
			entities = add(v)
		}
	}
	if meaningfulEdgeName(f.Name) {
		entities = add(f.Name)
	}
	return entities
}

// meaningfulEdgeName filters out generated episode names and the
// conversational prefixes; what remains is usually an entity name.
func meaningfulEdgeName(name string) bool {
	if name == "" || strings.Contains(name, "#chunk-") {
		return false
	}
	for _, prefix := range []string{"qa-response", "chat-fact"} {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	for _, edge := range graph.EdgeTypes {
		if name == edge {
			return false
		}
	}
	return true
}
