package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dealdesk.io/common"
	"dealdesk.io/config"
	"dealdesk.io/db"
	"dealdesk.io/llm"
	"dealdesk.io/models"
	"dealdesk.io/queue"
)

// analysisPromptBudget caps the characters of chunk content packed into
// one analysis request.
const analysisPromptBudget = 30000

const analysisSystemPrompt = `You are an analyst reviewing documents from an M&A data room.
Extract the notable findings from the provided document text.
Respond with a JSON array of findings. Each finding is an object:
{"content": string, "finding_type": one of metric|fact|risk|opportunity|contradiction,
"domain": one of financial|operational|market|legal|technical,
"confidence": integer 0-100, "source_reference": string}.
Return only JSON.`

// Analyze runs the LLM analysis over the document's chunks and stores
// the findings. Non-spreadsheet documents finish here; spreadsheets
// continue to financial extraction.
func (h *Handlers) Analyze(ctx context.Context, job queue.Job) (queue.Payload, error) {
	documentID := payloadString(job.Payload, "document_id")
	dealID := payloadString(job.Payload, "deal_id")
	isRetry := payloadBool(job.Payload, "is_retry")

	doc, err := h.deps.Store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return queue.Payload{"success": false, "document_id": documentID,
				"error": "document does not exist"}, nil
		}
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}
	if err := h.beginStage(ctx, documentID, models.StageAnalyzed, models.StatusAnalyzing, isRetry); err != nil {
		return nil, fmt.Errorf("begin analyze stage: %w", err)
	}

	chunks, err := h.deps.Store.GetChunksByDocument(ctx, documentID)
	if err != nil {
		return h.stageFailure(ctx, documentID, models.StageAnalyzed, err)
	}

	var findings []models.Finding
	if len(chunks) > 0 {
		started := h.now()
		resp, chatErr := h.deps.Analyzer.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: "system", Content: analysisSystemPrompt},
				{Role: "user", Content: packChunks(chunks, analysisPromptBudget)},
			},
			Temperature: 0.2,
			JSONMode:    true,
		})
		if chatErr != nil {
			return h.stageFailure(ctx, documentID, models.StageAnalyzed, chatErr)
		}

		findings, err = llm.ParseFindings(resp.Content)
		if err != nil {
			return h.stageFailure(ctx, documentID, models.StageAnalyzed, err)
		}
		for i := range findings {
			findings[i].ID = uuid.NewString()
			findings[i].DocumentID = documentID
		}

		org, orgErr := h.resolveOrganization(ctx, job.Payload)
		if orgErr != nil {
			common.Logger.WithError(orgErr).WithField("document_id", documentID).
				Warn("could not resolve organization; skipping usage row")
		} else {
			provider, model := config.SplitModel(h.deps.AnalysisModel)
			if resp.Model != "" {
				model = resp.Model
			}
			h.deps.Store.RecordLLMUsage(ctx, &models.LLMUsage{
				ID:           uuid.NewString(),
				Provider:     provider,
				Model:        model,
				Feature:      "document_analysis",
				InputTokens:  resp.PromptTokens,
				OutputTokens: resp.CompletionTokens,
				CostUSD:      config.CostUSD(h.deps.AnalysisModel, resp.PromptTokens, resp.CompletionTokens),
				LatencyMS:    h.now().Sub(started).Milliseconds(),
				Namespace:    common.Namespace(org, dealID),
			})
		}
	}

	if err := h.deps.Store.StoreFindings(ctx, documentID, findings); err != nil {
		return h.stageFailure(ctx, documentID, models.StageAnalyzed, err)
	}
	if err := h.deps.Store.UpdateDocumentStage(ctx, documentID, models.StageAnalyzed); err != nil {
		return h.stageFailure(ctx, documentID, models.StageAnalyzed, err)
	}
	h.retry.StageComplete(ctx, documentID)

	common.Logger.WithFields(logrus.Fields{
		"document_id": documentID,
		"findings":    len(findings),
	}).Info("document analyzed")

	// Every document surfaces analyzed before moving on, so status
	// consumers see the full walk.
	if err := h.deps.Store.UpdateDocumentStatus(ctx, documentID, models.StatusAnalyzed); err != nil {
		return h.stageFailure(ctx, documentID, models.StageAnalyzed, err)
	}
	h.notifyStatus(ctx, documentID, models.StatusAnalyzed)

	if isSpreadsheet(doc.ContentType, doc.Name) {
		org, _ := h.resolveOrganization(ctx, job.Payload)
		if _, err := h.deps.Jobs.Enqueue(ctx, KindExtractFinancials, nextPayload(job.Payload, org), queue.Options{}); err != nil {
			return nil, fmt.Errorf("enqueue extract-financials for %s: %w", documentID, err)
		}
	} else {
		if err := h.deps.Store.UpdateDocumentStatus(ctx, documentID, models.StatusComplete); err != nil {
			return h.stageFailure(ctx, documentID, models.StageAnalyzed, err)
		}
		h.notifyStatus(ctx, documentID, models.StatusComplete)
	}

	return queue.Payload{
		"success":     true,
		"document_id": documentID,
		"findings":    len(findings),
	}, nil
}

// packChunks concatenates chunk contents up to the character budget.
func packChunks(chunks []models.Chunk, budget int) string {
	var b strings.Builder
	for _, c := range chunks {
		if b.Len()+len(c.Content) > budget && b.Len() > 0 {
			break
		}
		b.WriteString(c.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}

// isSpreadsheet reports whether the document should continue to
// financial extraction after analysis.
func isSpreadsheet(contentType, fileName string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "spreadsheet") || strings.Contains(ct, "excel") || strings.Contains(ct, "csv") {
		return true
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xls", ".csv":
		return true
	}
	return false
}
