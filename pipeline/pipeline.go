// Package pipeline contains the job handlers that move a document
// through its processing stages: parse, embed, graph-ingest, analyze,
// and extract-financials. Each handler owns one stage: it prepares the
// document, does the work, records the stage checkpoint, and enqueues
// the next stage. Stage errors are routed through the retry manager,
// which decides between queue-level retry and terminal failure.
package pipeline

import (
	"context"
	"time"

	"dealdesk.io/common"
	"dealdesk.io/graph"
	"dealdesk.io/llm"
	"dealdesk.io/models"
	"dealdesk.io/parser"
	"dealdesk.io/queue"
	"dealdesk.io/retry"
	"dealdesk.io/worker"
)

// Job kinds, one per stage.
const (
	KindParse             = "parse"
	KindEmbed             = "embed"
	KindGraphIngest       = "graph-ingest"
	KindAnalyze           = "analyze"
	KindExtractFinancials = "extract-financials"
)

// KindConfigs is the per-kind polling configuration. Embedding jobs are
// short and cheap, so that kind polls faster with a larger batch.
var KindConfigs = map[string]worker.KindConfig{
	KindParse:             {BatchSize: 3, PollInterval: 5 * time.Second},
	KindEmbed:             {BatchSize: 5, PollInterval: 2 * time.Second},
	KindGraphIngest:       {BatchSize: 3, PollInterval: 5 * time.Second},
	KindAnalyze:           {BatchSize: 3, PollInterval: 5 * time.Second},
	KindExtractFinancials: {BatchSize: 3, PollInterval: 5 * time.Second},
}

// Store is the persistence surface the handlers need. *db.Store
// satisfies it.
type Store interface {
	retry.Store

	UpdateDocumentStage(ctx context.Context, id string, stage models.Stage) error
	StoreChunksAndUpdateStatus(ctx context.Context, id string,
		chunks []models.Chunk, tables []models.Table, formulas []models.Formula) error
	GetChunksByDocument(ctx context.Context, id string) ([]models.Chunk, error)
	GetTables(ctx context.Context, id string) ([]models.Table, error)
	GetFormulas(ctx context.Context, id string) ([]models.Formula, error)
	UpdateEmbeddingsAndStatus(ctx context.Context, id string,
		chunkIDs []string, embeddings [][]float32) error
	StoreFindings(ctx context.Context, id string, findings []models.Finding) error
	StoreFinancialMetricsAndUpdateStatus(ctx context.Context, id string,
		metrics []models.FinancialMetric) error
	RecordLLMUsage(ctx context.Context, usage *models.LLMUsage)
	RecordFeatureUsage(ctx context.Context, usage *models.FeatureUsage)
}

// Jobs is the enqueue surface. *queue.Queue satisfies it.
type Jobs interface {
	Enqueue(ctx context.Context, kind string, payload queue.Payload, opts queue.Options) (string, error)
}

// Objects fetches uploaded files by their gs:// path.
type Objects interface {
	Fetch(ctx context.Context, gsPath string) ([]byte, string, error)
}

// GraphWriter is the knowledge-graph write surface. *graph.Store
// satisfies it.
type GraphWriter interface {
	UpsertChunkNodes(ctx context.Context, nodes []graph.ChunkNode) error
	AddEpisode(ctx context.Context, ep graph.Episode) error
}

// OrgResolver resolves a deal's owning organization. *db.DealCache
// satisfies it.
type OrgResolver interface {
	OrganizationFor(ctx context.Context, dealID string) (string, error)
}

// Notifier publishes document status transitions for live front-end
// updates. Publishing is best-effort; handlers log and continue on
// error.
type Notifier interface {
	PublishDocumentStatus(ctx context.Context, documentID string, status models.DocumentStatus) error
}

// Deps bundles the handler dependencies.
type Deps struct {
	Store    Store
	Jobs     Jobs
	Objects  Objects
	Graph    GraphWriter
	Parsers  *parser.Registry
	Embedder llm.EmbeddingClient
	Analyzer llm.ChatClient
	Orgs     OrgResolver

	// Notifier is optional; nil disables status events.
	Notifier Notifier

	// EmbeddingModel and AnalysisModel are provider:model strings used
	// for cost accounting.
	EmbeddingModel string
	AnalysisModel  string

	// EmbedBatchSize caps texts per embedding call (default 64).
	EmbedBatchSize int
}

// Handlers hosts the five stage handlers.
type Handlers struct {
	deps  Deps
	retry *retry.Manager
	now   func() time.Time
}

// NewHandlers builds the stage handlers and their retry manager.
func NewHandlers(d Deps) *Handlers {
	if d.EmbedBatchSize <= 0 {
		d.EmbedBatchSize = 64
	}
	return &Handlers{
		deps:  d,
		retry: retry.NewManager(d.Store),
		now:   time.Now,
	}
}

// Register binds every stage handler to its kind on the pool.
func (h *Handlers) Register(pool *worker.Pool) {
	pool.Register(KindParse, h.Parse, KindConfigs[KindParse])
	pool.Register(KindEmbed, h.Embed, KindConfigs[KindEmbed])
	pool.Register(KindGraphIngest, h.GraphIngest, KindConfigs[KindGraphIngest])
	pool.Register(KindAnalyze, h.Analyze, KindConfigs[KindAnalyze])
	pool.Register(KindExtractFinancials, h.ExtractFinancials, KindConfigs[KindExtractFinancials])
}

// stageFailure routes a stage error through the retry manager. A
// returned non-nil error tells the queue to reschedule the job; a nil
// error with a success=false envelope means the document has been
// marked failed and the pipeline stops here.
func (h *Handlers) stageFailure(ctx context.Context, documentID string, stage models.Stage, err error) (queue.Payload, error) {
	if retryErr := h.retry.HandleStageError(ctx, documentID, stage, err); retryErr != nil {
		return nil, retryErr
	}
	if doc, getErr := h.deps.Store.GetDocument(ctx, documentID); getErr == nil {
		h.notifyStatus(ctx, documentID, doc.Status)
	}
	return queue.Payload{"success": false, "document_id": documentID, "error": err.Error()}, nil
}

// directFailure marks a document failed without consuming a retry
// attempt. Used for input errors no retry can fix, such as a missing
// organization id.
func (h *Handlers) directFailure(ctx context.Context, documentID string, status models.DocumentStatus, reason string) (queue.Payload, error) {
	common.Logger.WithField("document_id", documentID).
		WithField("reason", reason).
		Warn("stage failed on invalid input")
	if err := h.deps.Store.UpdateDocumentStatus(ctx, documentID, status); err != nil {
		common.Logger.WithError(err).WithField("document_id", documentID).
			Error("could not set failed status")
	}
	h.notifyStatus(ctx, documentID, status)
	return queue.Payload{"success": false, "document_id": documentID, "error": reason}, nil
}

// beginStage prepares the document for a stage run: stage-data scrub on
// retry, in-progress status otherwise.
func (h *Handlers) beginStage(ctx context.Context, documentID string, stage models.Stage, status models.DocumentStatus, isRetry bool) error {
	if isRetry {
		if err := h.retry.PrepareStage(ctx, documentID, stage); err != nil {
			return err
		}
	} else if err := h.deps.Store.UpdateDocumentStatus(ctx, documentID, status); err != nil {
		return err
	}
	h.notifyStatus(ctx, documentID, status)
	return nil
}

func (h *Handlers) notifyStatus(ctx context.Context, documentID string, status models.DocumentStatus) {
	if h.deps.Notifier == nil {
		return
	}
	if err := h.deps.Notifier.PublishDocumentStatus(ctx, documentID, status); err != nil {
		common.Logger.WithError(err).WithField("document_id", documentID).
			Warn("could not publish status event")
	}
}

// resolveOrganization returns the payload organization when present,
// otherwise looks it up through the deal.
func (h *Handlers) resolveOrganization(ctx context.Context, p queue.Payload) (string, error) {
	if org := payloadString(p, "organization_id"); org != "" {
		return org, nil
	}
	return h.deps.Orgs.OrganizationFor(ctx, payloadString(p, "deal_id"))
}

// nextPayload copies the identifying envelope for the next stage's job.
func nextPayload(p queue.Payload, organizationID string) queue.Payload {
	next := queue.Payload{
		"document_id":     payloadString(p, "document_id"),
		"deal_id":         payloadString(p, "deal_id"),
		"organization_id": organizationID,
		"is_retry":        false,
	}
	for _, key := range []string{"user_id", "file_name", "file_type", "gcs_path"} {
		if v := payloadString(p, key); v != "" {
			next[key] = v
		}
	}
	return next
}

func payloadString(p queue.Payload, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func payloadBool(p queue.Payload, key string) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return false
}
