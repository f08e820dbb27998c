package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dealdesk.io/common"
	"dealdesk.io/financial"
	"dealdesk.io/models"
	"dealdesk.io/queue"
)

// ExtractFinancials rebuilds the parse-result view from stored chunks
// and runs the pattern extractor. Storing the metrics also marks the
// document complete; non-financial spreadsheets complete with zero
// metrics.
func (h *Handlers) ExtractFinancials(ctx context.Context, job queue.Job) (queue.Payload, error) {
	documentID := payloadString(job.Payload, "document_id")
	isRetry := payloadBool(job.Payload, "is_retry")

	if err := h.beginStage(ctx, documentID, models.StageExtractedFinancials,
		models.StatusExtractingFinancials, isRetry); err != nil {
		return nil, fmt.Errorf("begin extract-financials stage: %w", err)
	}

	chunks, err := h.deps.Store.GetChunksByDocument(ctx, documentID)
	if err != nil {
		return h.stageFailure(ctx, documentID, models.StageExtractedFinancials, err)
	}
	tables, err := h.deps.Store.GetTables(ctx, documentID)
	if err != nil {
		return h.stageFailure(ctx, documentID, models.StageExtractedFinancials, err)
	}
	formulas, err := h.deps.Store.GetFormulas(ctx, documentID)
	if err != nil {
		return h.stageFailure(ctx, documentID, models.StageExtractedFinancials, err)
	}

	view := financial.ViewFromChunks(chunks, tables, formulas)
	started := h.now()
	metrics, score := financial.Extract(documentID, view)
	for i := range metrics {
		metrics[i].ID = uuid.NewString()
	}

	if err := h.deps.Store.StoreFinancialMetricsAndUpdateStatus(ctx, documentID, metrics); err != nil {
		return h.stageFailure(ctx, documentID, models.StageExtractedFinancials, err)
	}
	h.retry.StageComplete(ctx, documentID)
	h.notifyStatus(ctx, documentID, models.StatusComplete)

	h.deps.Store.RecordFeatureUsage(ctx, &models.FeatureUsage{
		ID:         uuid.NewString(),
		Feature:    "financial_extraction",
		Status:     models.FeatureSuccess,
		DurationMS: h.now().Sub(started).Milliseconds(),
		Metadata: map[string]string{
			"document_id":     documentID,
			"metrics":         strconv.Itoa(len(metrics)),
			"detection_score": strconv.Itoa(score),
		},
	})

	common.Logger.WithFields(logrus.Fields{
		"document_id":     documentID,
		"metrics":         len(metrics),
		"detection_score": score,
	}).Info("financial extraction finished")

	return queue.Payload{
		"success":         true,
		"document_id":     documentID,
		"metrics":         len(metrics),
		"detection_score": score,
		"is_financial":    score >= financial.DetectionThreshold,
	}, nil
}
