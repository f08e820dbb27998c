package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"dealdesk.io/common"
	"dealdesk.io/models"
	"dealdesk.io/pipeline"
	"dealdesk.io/queue"
)

// listFetchLimit bounds how many rows one introspection call scans
// before in-memory project filtering.
const listFetchLimit = 500

var pipelineKinds = []string{
	pipeline.KindParse,
	pipeline.KindEmbed,
	pipeline.KindGraphIngest,
	pipeline.KindAnalyze,
	pipeline.KindExtractFinancials,
}

// QueueJob is the introspection view of one job.
type QueueJob struct {
	ID                  string     `json:"id"`
	DocumentID          string     `json:"documentId"`
	DocumentName        string     `json:"documentName,omitempty"`
	FileType            string     `json:"fileType,omitempty"`
	Status              string     `json:"status"`
	ProcessingStage     string     `json:"processingStage,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	TimeInQueue         int64      `json:"timeInQueue"` // seconds
	EstimatedCompletion int        `json:"estimatedCompletion,omitempty"`
	RetryCount          int        `json:"retryCount"`
	Error               string     `json:"error,omitempty"`
}

// QueueResponse is the introspection envelope.
type QueueResponse struct {
	Jobs    []QueueJob `json:"jobs"`
	Total   int        `json:"total"`
	HasMore bool       `json:"hasMore"`
}

// ListQueue returns the pipeline jobs of one project (deal), newest
// first.
func (h *Handlers) ListQueue(c echo.Context) error {
	projectID := c.QueryParam("project_id")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id is required")
	}
	if err := h.checkProjectAccess(c, projectID); err != nil {
		return err
	}

	limit := queryInt(c, "limit", 20)
	offset := queryInt(c, "offset", 0)

	states := []queue.JobState{queue.StateCreated, queue.StateRetry, queue.StateActive, queue.StateFailed}
	jobs, _, err := h.jobs.List(c.Request().Context(), pipelineKinds, states, listFetchLimit, 0)
	if err != nil {
		return err
	}

	var filtered []QueueJob
	now := h.now()
	for _, job := range jobs {
		if payloadField(job.Payload, "deal_id") != projectID {
			continue
		}
		filtered = append(filtered, h.queueJobView(job, now))
	}

	total := len(filtered)
	end := offset + limit
	if offset > total {
		offset = total
	}
	if end > total {
		end = total
	}

	return c.JSON(http.StatusOK, QueueResponse{
		Jobs:    filtered[offset:end],
		Total:   total,
		HasMore: end < total,
	})
}

// CancelJob cancels one queued job. Only jobs still in state created
// can be cancelled; cancelling also marks the document cancelled.
func (h *Handlers) CancelJob(c echo.Context) error {
	jobID := c.Param("job_id")
	projectID := c.QueryParam("project_id")
	ctx := c.Request().Context()

	job, err := h.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return err
	}
	if projectID != "" && payloadField(job.Payload, "deal_id") != projectID {
		return echo.NewHTTPError(http.StatusForbidden, "job belongs to a different project")
	}

	if err := h.jobs.Cancel(ctx, jobID); err != nil {
		if errors.Is(err, queue.ErrNotCancellable) {
			return echo.NewHTTPError(http.StatusBadRequest, "job is already being processed")
		}
		if errors.Is(err, queue.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return err
	}

	documentID := payloadField(job.Payload, "document_id")
	if documentID != "" {
		if err := h.store.UpdateDocumentStatus(ctx, documentID, models.StatusCancelled); err != nil {
			common.Logger.WithError(err).WithField("document_id", documentID).
				Warn("could not mark document cancelled")
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

// checkProjectAccess verifies the project belongs to the caller's
// organization. Superadmins bypass the check.
func (h *Handlers) checkProjectAccess(c echo.Context, projectID string) error {
	if isSuperadmin(c) {
		return nil
	}
	deal, err := h.store.GetDeal(c.Request().Context(), projectID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "project not found")
	}
	if deal.OrganizationID != organizationFrom(c) {
		return echo.NewHTTPError(http.StatusForbidden, "project belongs to a different organization")
	}
	return nil
}

func (h *Handlers) queueJobView(job queue.Job, now time.Time) QueueJob {
	status := queueStatus(job.State)
	view := QueueJob{
		ID:           job.ID,
		DocumentID:   payloadField(job.Payload, "document_id"),
		DocumentName: payloadField(job.Payload, "file_name"),
		FileType:     payloadField(job.Payload, "file_type"),
		Status:       status,
		CreatedAt:    job.CreatedOn,
		StartedAt:    job.StartedOn,
		TimeInQueue:  int64(now.Sub(job.CreatedOn).Seconds()),
		RetryCount:   job.RetryCount,
	}
	if status != "failed" {
		view.ProcessingStage = processingStage(job.Kind)
		view.EstimatedCompletion = estimateSeconds(job.Kind,
			payloadField(job.Payload, "file_type"), payloadField(job.Payload, "file_name"))
	}
	if job.Output != nil {
		if msg, ok := job.Output["error"].(string); ok {
			view.Error = msg
		}
	}
	return view
}

// queueStatus maps internal job states to the public status set.
func queueStatus(state queue.JobState) string {
	switch state {
	case queue.StateCreated, queue.StateRetry:
		return "queued"
	case queue.StateActive:
		return "processing"
	default:
		return "failed"
	}
}

// processingStage maps job kinds to the public stage set.
func processingStage(kind string) string {
	switch kind {
	case pipeline.KindParse:
		return "parsing"
	case pipeline.KindEmbed:
		return "embedding"
	default:
		return "analyzing"
	}
}

// estimateSeconds is the rough per-kind completion estimate, scaled by
// file type: PDFs 1.5x, spreadsheets 2x.
func estimateSeconds(kind, fileType, fileName string) int {
	base := 60
	switch kind {
	case pipeline.KindParse:
		base = 30
	case pipeline.KindEmbed:
		base = 20
	}

	hint := strings.ToLower(fileType + " " + fileName)
	switch {
	case strings.Contains(hint, "spreadsheet") || strings.Contains(hint, "excel") ||
		strings.Contains(hint, ".xlsx") || strings.Contains(hint, ".xls"):
		return base * 2
	case strings.Contains(hint, "pdf"):
		return base * 3 / 2
	}
	return base
}

func payloadField(p queue.Payload, key string) string {
	if p == nil {
		return ""
	}
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
