package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"dealdesk.io/db"
	"dealdesk.io/models"
	"dealdesk.io/pipeline"
	"dealdesk.io/queue"
	"dealdesk.io/retrieval"
	"dealdesk.io/retry"
	"dealdesk.io/version"
)

// DocumentStore is the persistence surface the handlers need. *db.Store
// satisfies it.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	CreateDocument(ctx context.Context, doc *models.Document) error
	UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus) error
	GetDeal(ctx context.Context, id string) (*models.Deal, error)
}

// JobQueue is the queue surface. *queue.Queue satisfies it.
type JobQueue interface {
	Enqueue(ctx context.Context, kind string, payload queue.Payload, opts queue.Options) (string, error)
	Get(ctx context.Context, jobID string) (*queue.Job, error)
	List(ctx context.Context, kinds []string, states []queue.JobState, limit, offset int) ([]queue.Job, int64, error)
	Counts(ctx context.Context) (map[string]map[queue.JobState]int64, error)
	Cancel(ctx context.Context, jobID string) error
}

// RetryGate decides whether a manual retry is accepted. *retry.Manager
// satisfies it.
type RetryGate interface {
	CheckManualRetry(ctx context.Context, documentID string) (models.Stage, string, error)
}

// Searcher runs hybrid retrieval. *retrieval.Engine satisfies it.
type Searcher interface {
	SearchWithFallback(ctx context.Context, organizationID, dealID, query string, opts retrieval.Options) (*retrieval.Response, error)
}

// GraphHealth reports graph connectivity for the health endpoint.
type GraphHealth interface {
	Connected(ctx context.Context) bool
}

// Handlers hosts the HTTP handlers and their dependencies.
type Handlers struct {
	store    DocumentStore
	jobs     JobQueue
	retries  RetryGate
	searcher Searcher
	graph    GraphHealth

	startedAt time.Time
	now       func() time.Time
}

// NewHandlers builds the HTTP handlers.
func NewHandlers(store DocumentStore, jobs JobQueue, retries RetryGate, searcher Searcher, graph GraphHealth) *Handlers {
	return &Handlers{
		store:     store,
		jobs:      jobs,
		retries:   retries,
		searcher:  searcher,
		graph:     graph,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// RegisterRoutes wires all endpoints. Webhooks are guarded by the API
// key; the /api group by JWT plus the tenant header.
func (h *Handlers) RegisterRoutes(e *echo.Echo, webhookAPIKey, jwtSecret string) {
	e.GET("/health", h.Health)

	hooks := e.Group("/webhooks", APIKeyMiddleware(webhookAPIKey))
	hooks.POST("/document-uploaded", h.DocumentUploaded)
	hooks.POST("/document-uploaded/batch", h.DocumentUploadedBatch)
	hooks.POST("/retry/:document_id", h.RetryDocument)

	api := e.Group("/api", JWTMiddleware(jwtSecret), TenantMiddleware())
	api.GET("/processing/queue", h.ListQueue)
	api.DELETE("/processing/queue/:job_id", h.CancelJob)
	api.POST("/search/hybrid", h.HybridSearch)
}

// UploadRequest is the uploader webhook body.
type UploadRequest struct {
	DocumentID         string `json:"document_id"`
	DealID             string `json:"deal_id"`
	UserID             string `json:"user_id"`
	GCSPath            string `json:"gcs_path"`
	FileType           string `json:"file_type"`
	FileName           string `json:"file_name,omitempty"`
	IsRetry            bool   `json:"is_retry"`
	LastCompletedStage string `json:"last_completed_stage,omitempty"`
}

// UploadResponse acknowledges one webhook entry.
type UploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
}

// DocumentUploaded accepts one uploaded document and enqueues its first
// pipeline job.
func (h *Handlers) DocumentUploaded(c echo.Context) error {
	var req UploadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resp := h.ingest(c.Request().Context(), req)
	code := http.StatusOK
	if !resp.Success {
		code = http.StatusBadRequest
	}
	return c.JSON(code, resp)
}

// DocumentUploadedBatch accepts an array of uploads. Failures of
// individual entries do not fail the batch; each entry gets its own
// response.
func (h *Handlers) DocumentUploadedBatch(c echo.Context) error {
	var reqs []UploadRequest
	if err := c.Bind(&reqs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	responses := make([]UploadResponse, len(reqs))
	for i, req := range reqs {
		responses[i] = h.ingest(c.Request().Context(), req)
	}
	return c.JSON(http.StatusOK, responses)
}

// ingest validates one upload, ensures the document row exists, and
// enqueues the appropriate stage job.
func (h *Handlers) ingest(ctx context.Context, req UploadRequest) UploadResponse {
	switch {
	case req.DocumentID == "":
		return UploadResponse{Success: false, Message: "document_id is required"}
	case req.DealID == "":
		return UploadResponse{Success: false, Message: "deal_id is required"}
	case req.GCSPath == "":
		return UploadResponse{Success: false, Message: "gcs_path is required"}
	}

	deal, err := h.store.GetDeal(ctx, req.DealID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return UploadResponse{Success: false, Message: "deal does not exist"}
		}
		return UploadResponse{Success: false, Message: "could not resolve deal"}
	}

	if _, err := h.store.GetDocument(ctx, req.DocumentID); errors.Is(err, db.ErrNotFound) {
		doc := &models.Document{
			ID:             req.DocumentID,
			OrganizationID: deal.OrganizationID,
			DealID:         req.DealID,
			Name:           req.FileName,
			ContentType:    req.FileType,
			GCSPath:        req.GCSPath,
			Status:         models.StatusPending,
		}
		if createErr := h.store.CreateDocument(ctx, doc); createErr != nil {
			return UploadResponse{Success: false, Message: "could not create document"}
		}
	} else if err != nil {
		return UploadResponse{Success: false, Message: "could not load document"}
	}

	kind := pipeline.KindParse
	if req.IsRetry && req.LastCompletedStage != "" {
		stage, ok := retry.NextStage(models.Stage(req.LastCompletedStage))
		if !ok {
			return UploadResponse{Success: false, Message: "Document is already fully processed."}
		}
		kind = retry.JobKindForStage[stage]
	}

	payload := queue.Payload{
		"document_id":     req.DocumentID,
		"deal_id":         req.DealID,
		"organization_id": deal.OrganizationID,
		"user_id":         req.UserID,
		"gcs_path":        req.GCSPath,
		"file_type":       req.FileType,
		"file_name":       req.FileName,
		"is_retry":        req.IsRetry,
	}
	jobID, err := h.jobs.Enqueue(ctx, kind, payload, queue.Options{
		SingletonKey: kind + ":" + req.DocumentID,
	})
	if err != nil {
		return UploadResponse{Success: false, Message: "could not enqueue processing job"}
	}
	return UploadResponse{Success: true, Message: "queued for processing", JobID: jobID}
}

// RetryDocument re-runs a failed document from its last completed
// stage, honoring the cooldown and lifetime attempt cap.
func (h *Handlers) RetryDocument(c echo.Context) error {
	documentID := c.Param("document_id")
	ctx := c.Request().Context()

	stage, reason, err := h.retries.CheckManualRetry(ctx, documentID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return err
	}
	if reason != "" {
		return c.JSON(http.StatusTooManyRequests, UploadResponse{Success: false, Message: reason})
	}

	doc, err := h.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	kind := retry.JobKindForStage[stage]
	payload := queue.Payload{
		"document_id":     doc.ID,
		"deal_id":         doc.DealID,
		"organization_id": doc.OrganizationID,
		"gcs_path":        doc.GCSPath,
		"file_type":       doc.ContentType,
		"file_name":       doc.Name,
		"is_retry":        true,
	}
	jobID, err := h.jobs.Enqueue(ctx, kind, payload, queue.Options{
		SingletonKey: kind + ":" + doc.ID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, UploadResponse{Success: true, Message: "retry queued", JobID: jobID})
}

// SearchRequest is the hybrid search body. The limits are optional;
// zero values take the engine defaults (50 candidates, 10 results).
type SearchRequest struct {
	Query         string `json:"query"`
	DealID        string `json:"deal_id"`
	NumCandidates int    `json:"num_candidates"`
	NumResults    int    `json:"num_results"`
}

// HybridSearch runs retrieval in the caller's tenant namespace.
func (h *Handlers) HybridSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.DealID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "deal_id is required")
	}

	resp, err := h.searcher.SearchWithFallback(c.Request().Context(), organizationFrom(c), req.DealID, req.Query,
		retrieval.Options{NumCandidates: req.NumCandidates, NumResults: req.NumResults})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// Health reports service uptime, graph connectivity, and queue counts.
func (h *Handlers) Health(c echo.Context) error {
	ctx := c.Request().Context()

	queueCounts, err := h.jobs.Counts(ctx)
	queueHealthy := err == nil

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"version":         version.Get(),
		"uptime":          humanize.RelTime(h.startedAt, h.now(), "", ""),
		"graph_connected": h.graph.Connected(ctx),
		"queue_healthy":   queueHealthy,
		"queue":           queueCounts,
	})
}
