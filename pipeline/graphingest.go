package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"dealdesk.io/common"
	"dealdesk.io/db"
	"dealdesk.io/graph"
	"dealdesk.io/models"
	"dealdesk.io/queue"
)

// episodeCostPerToken is the graph engine's estimated ingest cost in
// USD per token, at roughly four characters per token.
const episodeCostPerToken = 0.00000012

// GraphIngest writes one episode per chunk into the knowledge graph
// under the composite namespace, then enqueues analysis. Already
// ingested documents skip straight to the enqueue unless this run is a
// retry.
func (h *Handlers) GraphIngest(ctx context.Context, job queue.Job) (queue.Payload, error) {
	documentID := payloadString(job.Payload, "document_id")
	dealID := payloadString(job.Payload, "deal_id")
	isRetry := payloadBool(job.Payload, "is_retry")

	if dealID == "" {
		return h.directFailure(ctx, documentID, models.StatusFailed, "payload is missing deal_id")
	}
	org, err := h.resolveOrganization(ctx, job.Payload)
	if err != nil || org == "" {
		reason := "deal has no owning organization"
		if err != nil {
			reason = fmt.Sprintf("could not resolve organization: %v", err)
		}
		return h.directFailure(ctx, documentID, models.StatusFailed, reason)
	}

	doc, err := h.deps.Store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return queue.Payload{"success": false, "document_id": documentID,
				"error": "document does not exist"}, nil
		}
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}

	env := nextPayload(job.Payload, org)
	if doc.Status == models.StatusGraphitiIngested && !isRetry {
		if _, err := h.deps.Jobs.Enqueue(ctx, KindAnalyze, env, queue.Options{}); err != nil {
			return nil, fmt.Errorf("enqueue analyze for %s: %w", documentID, err)
		}
		return queue.Payload{"success": true, "document_id": documentID, "skipped": true}, nil
	}

	if err := h.beginStage(ctx, documentID, models.StageGraphitiIngested, models.StatusGraphitiIngesting, isRetry); err != nil {
		return nil, fmt.Errorf("begin graph-ingest stage: %w", err)
	}

	chunks, err := h.deps.Store.GetChunksByDocument(ctx, documentID)
	if err != nil {
		return h.stageFailure(ctx, documentID, models.StageGraphitiIngested, err)
	}

	namespace := common.Namespace(org, dealID)
	hint := graph.DocumentTypeHint(doc.Name, doc.ContentType)
	sourceDescription := fmt.Sprintf("%s deal document %q", hint, doc.Name)
	schema := graph.DefaultSchema()

	totalChars := 0
	for i, c := range chunks {
		ep := graph.Episode{
			Name:              fmt.Sprintf("%s#chunk-%d", doc.Name, c.Index),
			Content:           c.Content,
			SourceDescription: sourceDescription,
			GroupID:           namespace,
			DocumentID:        documentID,
			ChunkIndex:        c.Index,
			Page:              c.Page,
			Title:             doc.Name,
			ReferenceTime:     h.now(),
			Schema:            schema,
		}
		if err := h.deps.Graph.AddEpisode(ctx, ep); err != nil {
			return h.stageFailure(ctx, documentID, models.StageGraphitiIngested, err)
		}
		totalChars += len(c.Content)

		if (i+1)%10 == 0 {
			common.Logger.WithFields(logrus.Fields{
				"document_id": documentID,
				"ingested":    i + 1,
				"total":       len(chunks),
			}).Info("graph ingest progress")
		}
	}

	if err := h.deps.Store.UpdateDocumentStatus(ctx, documentID, models.StatusGraphitiIngested); err != nil {
		return h.stageFailure(ctx, documentID, models.StageGraphitiIngested, err)
	}
	if err := h.deps.Store.UpdateDocumentStage(ctx, documentID, models.StageGraphitiIngested); err != nil {
		return h.stageFailure(ctx, documentID, models.StageGraphitiIngested, err)
	}
	h.retry.StageComplete(ctx, documentID)
	h.notifyStatus(ctx, documentID, models.StatusGraphitiIngested)

	if _, err := h.deps.Jobs.Enqueue(ctx, KindAnalyze, env, queue.Options{}); err != nil {
		return nil, fmt.Errorf("enqueue analyze for %s: %w", documentID, err)
	}

	estimatedCost := float64(totalChars) / 4 * episodeCostPerToken
	return queue.Payload{
		"success":            true,
		"document_id":        documentID,
		"episodes":           len(chunks),
		"document_type_hint": hint,
		"estimated_cost_usd": estimatedCost,
	}, nil
}
