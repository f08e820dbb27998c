package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealdesk.io/graph"
	"dealdesk.io/models"
	"dealdesk.io/parser"
	"dealdesk.io/queue"
)

type testEnv struct {
	store    *fakeStore
	jobs     *fakeJobs
	objects  *fakeObjects
	graph    *fakeGraph
	embedder *fakeEmbedder
	chat     *fakeChat
	orgs     *fakeOrgs
	handlers *Handlers
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:    newFakeStore(),
		jobs:     &fakeJobs{},
		objects:  &fakeObjects{data: map[string][]byte{}},
		graph:    &fakeGraph{},
		embedder: &fakeEmbedder{},
		chat:     &fakeChat{content: `[]`},
		orgs:     &fakeOrgs{byDeal: map[string]string{}},
	}
	env.handlers = NewHandlers(Deps{
		Store:          env.store,
		Jobs:           env.jobs,
		Objects:        env.objects,
		Graph:          env.graph,
		Parsers:        parser.NewRegistry(1024),
		Embedder:       env.embedder,
		Analyzer:       env.chat,
		Orgs:           env.orgs,
		EmbeddingModel: "openai:text-embedding-3-small",
		AnalysisModel:  "openai:gpt-4o-mini",
		EmbedBatchSize: 64,
	})
	return env
}

func (e *testEnv) seedDocument(id, name, contentType string) *models.Document {
	doc := &models.Document{
		ID:             id,
		OrganizationID: "O1",
		DealID:         "D1",
		Name:           name,
		ContentType:    contentType,
		GCSPath:        "gs://uploads/" + id,
		Status:         models.StatusPending,
	}
	e.store.docs[id] = doc
	return doc
}

func (e *testEnv) seedChunks(id string, contents ...string) {
	chunks := make([]models.Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = models.Chunk{
			ID:         id + "-chunk-" + string(rune('a'+i)),
			DocumentID: id,
			Index:      i,
			Kind:       models.ChunkText,
			Content:    c,
			TokenCount: 10,
		}
	}
	e.store.chunks[id] = chunks
}

func basePayload(docID string) queue.Payload {
	return queue.Payload{
		"document_id":     docID,
		"deal_id":         "D1",
		"organization_id": "O1",
		"user_id":         "U1",
		"is_retry":        false,
	}
}

func TestParseStoresChunksAndFansOut(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "notes.txt", "text/plain")
	env.objects.data["gs://uploads/doc-1"] = []byte("Revenue grew strongly. EBITDA margins held steady across the period.")
	env.objects.contentType = "text/plain"

	payload := basePayload("doc-1")
	payload["gcs_path"] = "gs://uploads/doc-1"
	payload["file_name"] = "notes.txt"
	payload["file_type"] = "text/plain"

	output, err := env.handlers.Parse(context.Background(), queue.Job{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, true, output["success"])

	doc := env.store.docs["doc-1"]
	assert.Equal(t, models.StatusParsed, doc.Status)
	assert.Equal(t, models.StageParsed, doc.LastCompletedStage)
	require.NotEmpty(t, env.store.chunks["doc-1"])
	for _, c := range env.store.chunks["doc-1"] {
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, "doc-1", c.DocumentID)
	}

	assert.ElementsMatch(t, []string{KindEmbed, KindGraphIngest}, env.jobs.kinds())
	for _, j := range env.jobs.jobs {
		assert.Equal(t, "doc-1", j.payload["document_id"])
		assert.Equal(t, "O1", j.payload["organization_id"])
		assert.Equal(t, false, j.payload["is_retry"])
	}
}

func TestParseUnsupportedTypeFailsTerminally(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "archive.zip", "application/zip")
	env.objects.data["gs://uploads/doc-1"] = []byte("binary")
	env.objects.contentType = "application/zip"

	output, err := env.handlers.Parse(context.Background(), queue.Job{Payload: basePayload("doc-1")})
	require.NoError(t, err)
	assert.Equal(t, false, output["success"])

	doc := env.store.docs["doc-1"]
	assert.Equal(t, models.StatusFailed, doc.Status)
	require.NotNil(t, doc.ProcessingError)
	assert.False(t, doc.ProcessingError.Retryable)
	assert.Empty(t, env.jobs.kinds())
}

func TestParseMissingObjectFailsTerminally(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "report.pdf", "application/pdf")

	output, err := env.handlers.Parse(context.Background(), queue.Job{Payload: basePayload("doc-1")})
	require.NoError(t, err)
	assert.Equal(t, false, output["success"])

	doc := env.store.docs["doc-1"]
	assert.Equal(t, models.StatusFailed, doc.Status)
	require.NotNil(t, doc.ProcessingError)
	assert.False(t, doc.ProcessingError.Retryable)
	assert.Empty(t, env.jobs.kinds())
}

func TestParseMissingDocument(t *testing.T) {
	env := newTestEnv()
	output, err := env.handlers.Parse(context.Background(), queue.Job{Payload: basePayload("ghost")})
	require.NoError(t, err)
	assert.Equal(t, false, output["success"])
	assert.Empty(t, env.jobs.kinds())
}

func TestEmbedWritesVectorsAndNodes(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "report.pdf", "application/pdf")
	env.seedChunks("doc-1", "first chunk", "second chunk")

	output, err := env.handlers.Embed(context.Background(), queue.Job{Payload: basePayload("doc-1")})
	require.NoError(t, err)
	assert.Equal(t, true, output["success"])
	assert.Equal(t, 2, output["chunks_embedded"])

	doc := env.store.docs["doc-1"]
	assert.Equal(t, models.StatusEmbedded, doc.Status)
	for _, c := range env.store.chunks["doc-1"] {
		assert.NotEmpty(t, c.Embedding)
	}

	require.Len(t, env.graph.nodes, 2)
	for _, n := range env.graph.nodes {
		assert.Equal(t, "O1_D1", n.Namespace)
		assert.Equal(t, "O1:D1", n.GroupID)
		assert.Equal(t, "doc-1", n.DocumentID)
	}

	require.Len(t, env.store.llmUsage, 1)
	assert.Equal(t, "fast_path_embedding", env.store.llmUsage[0].Feature)
	assert.Equal(t, "O1:D1", env.store.llmUsage[0].Namespace)
	require.Len(t, env.store.featureUsage, 1)
	assert.Equal(t, models.FeatureSuccess, env.store.featureUsage[0].Status)
}

func TestEmbedResolvesOrganizationFromDeal(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "report.pdf", "application/pdf")
	env.seedChunks("doc-1", "content")
	env.orgs.byDeal["D1"] = "O9"

	payload := basePayload("doc-1")
	delete(payload, "organization_id")

	output, err := env.handlers.Embed(context.Background(), queue.Job{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, true, output["success"])
	require.Len(t, env.graph.nodes, 1)
	assert.Equal(t, "O9_D1", env.graph.nodes[0].Namespace)
	assert.Equal(t, "O9:D1", env.graph.nodes[0].GroupID)
}

func TestEmbedMissingOrganizationFailsWithoutRetry(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "report.pdf", "application/pdf")
	env.seedChunks("doc-1", "content")
	env.orgs.err = errors.New("deal lookup failed")

	payload := basePayload("doc-1")
	delete(payload, "organization_id")

	output, err := env.handlers.Embed(context.Background(), queue.Job{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, false, output["success"])
	assert.Equal(t, models.StatusEmbeddingFailed, env.store.docs["doc-1"].Status)
	assert.Empty(t, env.store.docs["doc-1"].RetryHistory)
	assert.Empty(t, env.graph.nodes)
}

func TestEmbedTransientErrorRequeues(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "report.pdf", "application/pdf")
	env.seedChunks("doc-1", "content")
	env.embedder.err = errors.New("connection refused")

	_, err := env.handlers.Embed(context.Background(), queue.Job{Payload: basePayload("doc-1")})
	require.Error(t, err)

	doc := env.store.docs["doc-1"]
	require.NotNil(t, doc.ProcessingError)
	assert.True(t, doc.ProcessingError.Retryable)
	require.Len(t, doc.RetryHistory, 1)
	assert.Equal(t, string(models.StageEmbedded), doc.RetryHistory[0].Stage)
}

func TestEmbedNoChunksCompletesEmpty(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "empty.txt", "text/plain")

	output, err := env.handlers.Embed(context.Background(), queue.Job{Payload: basePayload("doc-1")})
	require.NoError(t, err)
	assert.Equal(t, true, output["success"])
	assert.Equal(t, 0, output["chunks_embedded"])
	assert.Equal(t, models.StatusEmbedded, env.store.docs["doc-1"].Status)
	assert.Zero(t, env.embedder.calls)
}

func TestEmbedFinishingAfterGraphIngestKeepsLaterStage(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "report.pdf", "application/pdf")
	env.seedChunks("doc-1", "first chunk", "second chunk")

	// Parse fans embed and graph-ingest out in parallel; here graph
	// ingest wins the race and completes first.
	_, err := env.handlers.GraphIngest(context.Background(), queue.Job{Payload: basePayload("doc-1")})
	require.NoError(t, err)
	require.Equal(t, models.StageGraphitiIngested, env.store.docs["doc-1"].LastCompletedStage)

	output, err := env.handlers.Embed(context.Background(), queue.Job{Payload: basePayload("doc-1")})
	require.NoError(t, err)
	assert.Equal(t, true, output["success"])

	doc := env.store.docs["doc-1"]
	assert.Equal(t, models.StageGraphitiIngested, doc.LastCompletedStage)
	assert.Equal(t, models.StatusGraphitiIngested, doc.Status)
	for _, c := range env.store.chunks["doc-1"] {
		assert.NotEmpty(t, c.Embedding)
	}
}

func TestGraphIngestCreatesEpisodes(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "Purchase Agreement.pdf", "application/pdf")
	env.seedChunks("doc-1", "indemnification clause", "governing law", "closing conditions")

	output, err := env.handlers.GraphIngest(context.Background(), queue.Job{Payload: basePayload("doc-1")})
	require.NoError(t, err)
	assert.Equal(t, true, output["success"])
	assert.Equal(t, 3, output["episodes"])

	require.Len(t, env.graph.episodes, 3)
	assert.Equal(t, "Purchase Agreement.pdf#chunk-0", env.graph.episodes[0].Name)
	assert.Equal(t, "Purchase Agreement.pdf#chunk-2", env.graph.episodes[2].Name)
	for _, ep := range env.graph.episodes {
		assert.Equal(t, "O1:D1", ep.GroupID)
		assert.Contains(t, ep.SourceDescription, "legal")
		assert.Equal(t, graph.EntityTypes, ep.Schema.EntityTypes)
		assert.Equal(t, graph.EdgeTypes, ep.Schema.EdgeTypes)
		assert.Equal(t, graph.EdgeTypeMap, ep.Schema.EdgeTypeMap)
	}

	totalChars := len("indemnification clause") + len("governing law") + len("closing conditions")
	assert.InDelta(t, float64(totalChars)/4*episodeCostPerToken, output["estimated_cost_usd"], 1e-12)

	doc := env.store.docs["doc-1"]
	assert.Equal(t, models.StatusGraphitiIngested, doc.Status)
	assert.Equal(t, models.StageGraphitiIngested, doc.LastCompletedStage)
	assert.Equal(t, []string{KindAnalyze}, env.jobs.kinds())
}

func TestGraphIngestSkipsWhenAlreadyIngested(t *testing.T) {
	env := newTestEnv()
	doc := env.seedDocument("doc-1", "Purchase Agreement.pdf", "application/pdf")
	doc.Status = models.StatusGraphitiIngested
	env.seedChunks("doc-1", "content")

	output, err := env.handlers.GraphIngest(context.Background(), queue.Job{Payload: basePayload("doc-1")})
	require.NoError(t, err)
	assert.Equal(t, true, output["success"])
	assert.Equal(t, true, output["skipped"])
	assert.Empty(t, env.graph.episodes)
	assert.Equal(t, []string{KindAnalyze}, env.jobs.kinds())
}

func TestAnalyzeStoresFindingsAndCompletes(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "report.pdf", "application/pdf")
	env.seedChunks("doc-1", "Revenue grew 25% year over year.")
	env.chat.content = `[{"content":"Revenue grew 25% year over year","finding_type":"metric","domain":"financial","confidence":90,"source_reference":"p.1"}]`

	output, err := env.handlers.Analyze(context.Background(), queue.Job{Payload: basePayload("doc-1")})
	require.NoError(t, err)
	assert.Equal(t, true, output["success"])
	assert.Equal(t, 1, output["findings"])
	assert.True(t, env.chat.lastReq.JSONMode)

	findings := env.store.findings["doc-1"]
	require.Len(t, findings, 1)
	assert.Equal(t, models.FindingMetric, findings[0].Type)
	assert.Equal(t, "doc-1", findings[0].DocumentID)
	assert.NotEmpty(t, findings[0].ID)

	doc := env.store.docs["doc-1"]
	assert.Equal(t, models.StatusComplete, doc.Status)
	assert.Equal(t, models.StageAnalyzed, doc.LastCompletedStage)
	assert.Empty(t, env.jobs.kinds())

	require.Len(t, env.store.llmUsage, 1)
	assert.Equal(t, "document_analysis", env.store.llmUsage[0].Feature)
	assert.Equal(t, 120, env.store.llmUsage[0].InputTokens)
}

func TestAnalyzeSpreadsheetContinuesToFinancials(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "model.xlsx",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	env.seedChunks("doc-1", "Revenue | 1,000,000")

	output, err := env.handlers.Analyze(context.Background(), queue.Job{Payload: basePayload("doc-1")})
	require.NoError(t, err)
	assert.Equal(t, true, output["success"])

	assert.Equal(t, models.StatusAnalyzed, env.store.docs["doc-1"].Status)
	assert.Equal(t, []string{KindExtractFinancials}, env.jobs.kinds())
}

func TestAnalyzeSurfacesAnalyzedBeforeComplete(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "report.pdf", "application/pdf")
	env.seedChunks("doc-1", "Key customer concentration is high.")

	_, err := env.handlers.Analyze(context.Background(), queue.Job{Payload: basePayload("doc-1")})
	require.NoError(t, err)

	log := env.store.statusLog
	require.GreaterOrEqual(t, len(log), 2)
	assert.Equal(t, models.StatusAnalyzed, log[len(log)-2])
	assert.Equal(t, models.StatusComplete, log[len(log)-1])
}

func TestAnalyzeSkipsUsageRowWhenOrganizationUnknown(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "report.pdf", "application/pdf")
	env.seedChunks("doc-1", "Revenue grew 25% year over year.")
	env.orgs.err = errors.New("deal lookup failed")

	payload := basePayload("doc-1")
	delete(payload, "organization_id")

	output, err := env.handlers.Analyze(context.Background(), queue.Job{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, true, output["success"])
	assert.Empty(t, env.store.llmUsage)
}

func TestAnalyzeChatErrorRequeues(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "report.pdf", "application/pdf")
	env.seedChunks("doc-1", "content")
	env.chat.err = errors.New("rate limit exceeded")

	_, err := env.handlers.Analyze(context.Background(), queue.Job{Payload: basePayload("doc-1")})
	require.Error(t, err)
	doc := env.store.docs["doc-1"]
	require.NotNil(t, doc.ProcessingError)
	assert.True(t, doc.ProcessingError.Retryable)
}

func TestExtractFinancialsStoresMetrics(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "model.xlsx",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	env.store.tables["doc-1"] = []models.Table{{
		DocumentID: "doc-1",
		SheetName:  "P&L",
		Headers:    []string{"Metric", "FY2023", "FY2024"},
		Rows: [][]string{
			{"Revenue", "1,000,000", "1,250,000"},
			{"EBITDA", "200,000", "310,000"},
		},
	}}

	output, err := env.handlers.ExtractFinancials(context.Background(), queue.Job{Payload: basePayload("doc-1")})
	require.NoError(t, err)
	assert.Equal(t, true, output["success"])
	assert.Equal(t, true, output["is_financial"])
	assert.Equal(t, 4, output["metrics"])

	metrics := env.store.metrics["doc-1"]
	require.Len(t, metrics, 4)
	for _, m := range metrics {
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, "doc-1", m.DocumentID)
	}

	doc := env.store.docs["doc-1"]
	assert.Equal(t, models.StatusComplete, doc.Status)
	assert.Equal(t, models.StageExtractedFinancials, doc.LastCompletedStage)

	require.Len(t, env.store.featureUsage, 1)
	assert.Equal(t, "financial_extraction", env.store.featureUsage[0].Feature)
}

func TestExtractFinancialsNonFinancialCompletesEmpty(t *testing.T) {
	env := newTestEnv()
	env.seedDocument("doc-1", "roster.xlsx",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	env.store.tables["doc-1"] = []models.Table{{
		DocumentID: "doc-1",
		Headers:    []string{"Name", "Role"},
		Rows:       [][]string{{"Ada", "Engineer"}},
	}}

	output, err := env.handlers.ExtractFinancials(context.Background(), queue.Job{Payload: basePayload("doc-1")})
	require.NoError(t, err)
	assert.Equal(t, true, output["success"])
	assert.Equal(t, false, output["is_financial"])
	assert.Empty(t, env.store.metrics["doc-1"])
	assert.Equal(t, models.StatusComplete, env.store.docs["doc-1"].Status)
}
