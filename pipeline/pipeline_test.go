package pipeline

import (
	"context"
	"fmt"
	"sync"

	"dealdesk.io/db"
	"dealdesk.io/graph"
	"dealdesk.io/llm"
	"dealdesk.io/models"
	"dealdesk.io/queue"
	"dealdesk.io/retry"
)

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	mu       sync.Mutex
	docs     map[string]*models.Document
	chunks   map[string][]models.Chunk
	tables   map[string][]models.Table
	formulas map[string][]models.Formula
	findings map[string][]models.Finding
	metrics  map[string][]models.FinancialMetric

	llmUsage     []*models.LLMUsage
	featureUsage []*models.FeatureUsage

	// statusLog records every status write in order.
	statusLog []models.DocumentStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:     map[string]*models.Document{},
		chunks:   map[string][]models.Chunk{},
		tables:   map[string][]models.Table{},
		formulas: map[string][]models.Formula{},
		findings: map[string][]models.Finding{},
		metrics:  map[string][]models.FinancialMetric{},
	}
}

func (s *fakeStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (s *fakeStore) UpdateDocumentStatus(_ context.Context, id string, status models.DocumentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return db.ErrNotFound
	}
	doc.Status = status
	s.statusLog = append(s.statusLog, status)
	return nil
}

func (s *fakeStore) UpdateDocumentStage(_ context.Context, id string, stage models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return db.ErrNotFound
	}
	if doc.LastCompletedStage == "" || stage.After(doc.LastCompletedStage) {
		doc.LastCompletedStage = stage
	}
	return nil
}

func (s *fakeStore) UpdateProcessingError(_ context.Context, id string, perr *models.ProcessingError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[id]; ok {
		doc.ProcessingError = perr
	}
	return nil
}

func (s *fakeStore) ClearProcessingError(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[id]; ok {
		doc.ProcessingError = nil
	}
	return nil
}

func (s *fakeStore) AppendRetryHistory(_ context.Context, id string, entry models.RetryHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return db.ErrNotFound
	}
	doc.RetryHistory = append(doc.RetryHistory, entry)
	return nil
}

func (s *fakeStore) GetRetryHistory(_ context.Context, id string) ([]models.RetryHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return doc.RetryHistory, nil
}

func (s *fakeStore) ClearStageData(_ context.Context, id string, stage models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch stage {
	case models.StageParsed:
		delete(s.chunks, id)
		delete(s.tables, id)
		delete(s.formulas, id)
	case models.StageEmbedded:
		chunks := s.chunks[id]
		for i := range chunks {
			chunks[i].Embedding = nil
		}
	case models.StageAnalyzed:
		delete(s.findings, id)
	case models.StageExtractedFinancials:
		delete(s.metrics, id)
	}
	return nil
}

func (s *fakeStore) StoreChunksAndUpdateStatus(_ context.Context, id string,
	chunks []models.Chunk, tables []models.Table, formulas []models.Formula) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return db.ErrNotFound
	}
	s.chunks[id] = chunks
	s.tables[id] = tables
	s.formulas[id] = formulas
	doc.Status = models.StatusParsed
	doc.LastCompletedStage = models.StageParsed
	return nil
}

func (s *fakeStore) GetChunksByDocument(_ context.Context, id string) ([]models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks[id], nil
}

func (s *fakeStore) GetTables(_ context.Context, id string) ([]models.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables[id], nil
}

func (s *fakeStore) GetFormulas(_ context.Context, id string) ([]models.Formula, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formulas[id], nil
}

func (s *fakeStore) UpdateEmbeddingsAndStatus(_ context.Context, id string,
	chunkIDs []string, embeddings [][]float32) error {
	if len(chunkIDs) != len(embeddings) {
		return db.ErrEmbeddingCountMismatch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return db.ErrNotFound
	}
	byID := map[string][]float32{}
	for i, cid := range chunkIDs {
		byID[cid] = embeddings[i]
	}
	chunks := s.chunks[id]
	for i := range chunks {
		if vec, ok := byID[chunks[i].ID]; ok {
			chunks[i].Embedding = vec
		}
	}
	if doc.LastCompletedStage == "" || models.StageEmbedded.After(doc.LastCompletedStage) {
		doc.Status = models.StatusEmbedded
		doc.LastCompletedStage = models.StageEmbedded
	} else if doc.Status == models.StatusEmbedding {
		doc.Status = doc.LastCompletedStage.CompletedStatus()
	}
	return nil
}

func (s *fakeStore) StoreFindings(_ context.Context, id string, findings []models.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings[id] = findings
	return nil
}

func (s *fakeStore) StoreFinancialMetricsAndUpdateStatus(_ context.Context, id string,
	metrics []models.FinancialMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return db.ErrNotFound
	}
	s.metrics[id] = metrics
	doc.Status = models.StatusComplete
	doc.LastCompletedStage = models.StageExtractedFinancials
	return nil
}

func (s *fakeStore) RecordLLMUsage(_ context.Context, usage *models.LLMUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.llmUsage = append(s.llmUsage, usage)
}

func (s *fakeStore) RecordFeatureUsage(_ context.Context, usage *models.FeatureUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.featureUsage = append(s.featureUsage, usage)
}

type enqueued struct {
	kind    string
	payload queue.Payload
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (f *fakeJobs) Enqueue(_ context.Context, kind string, payload queue.Payload, _ queue.Options) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, enqueued{kind: kind, payload: payload})
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

func (f *fakeJobs) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []string
	for _, j := range f.jobs {
		kinds = append(kinds, j.kind)
	}
	return kinds
}

type fakeObjects struct {
	data        map[string][]byte
	contentType string
	err         error
}

func (f *fakeObjects) Fetch(_ context.Context, gsPath string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	data, ok := f.data[gsPath]
	if !ok {
		return nil, "", fmt.Errorf("storage: get %s: %w", gsPath, retry.ErrFileNotFound)
	}
	return data, f.contentType, nil
}

type fakeGraph struct {
	mu       sync.Mutex
	nodes    []graph.ChunkNode
	episodes []graph.Episode
	err      error
}

func (f *fakeGraph) UpsertChunkNodes(_ context.Context, nodes []graph.ChunkNode) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = append(f.nodes, nodes...)
	return nil
}

func (f *fakeGraph) AddEpisode(_ context.Context, ep graph.Episode) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.episodes = append(f.episodes, ep)
	return nil
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, _ string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 0.5}
	}
	return out, nil
}

func (f *fakeEmbedder) Model() string { return "text-embedding-3-small" }

type fakeChat struct {
	content string
	err     error
	lastReq llm.ChatRequest
}

func (f *fakeChat) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{
		Content:          f.content,
		Model:            "gpt-4o-mini",
		PromptTokens:     120,
		CompletionTokens: 40,
		TotalTokens:      160,
	}, nil
}

type fakeOrgs struct {
	byDeal map[string]string
	err    error
}

func (f *fakeOrgs) OrganizationFor(_ context.Context, dealID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	org, ok := f.byDeal[dealID]
	if !ok {
		return "", db.ErrNotFound
	}
	return org, nil
}
