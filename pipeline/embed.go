package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dealdesk.io/common"
	"dealdesk.io/config"
	"dealdesk.io/graph"
	"dealdesk.io/models"
	"dealdesk.io/queue"
)

// embedLatencyTarget is the soft budget for a typical document; runs
// beyond it log a warning.
const embedLatencyTarget = 5 * time.Second

// Embed generates one vector per chunk and writes the fast-path
// embedding nodes to the graph. The node namespace property carries the
// underscore form; group_id carries the authoritative colon form.
func (h *Handlers) Embed(ctx context.Context, job queue.Job) (queue.Payload, error) {
	documentID := payloadString(job.Payload, "document_id")
	dealID := payloadString(job.Payload, "deal_id")
	isRetry := payloadBool(job.Payload, "is_retry")

	org, err := h.resolveOrganization(ctx, job.Payload)
	if err != nil || org == "" {
		reason := "deal has no owning organization"
		if err != nil {
			reason = fmt.Sprintf("could not resolve organization: %v", err)
		}
		return h.directFailure(ctx, documentID, models.StatusEmbeddingFailed, reason)
	}

	if err := h.beginStage(ctx, documentID, models.StageEmbedded, models.StatusEmbedding, isRetry); err != nil {
		return nil, fmt.Errorf("begin embed stage: %w", err)
	}

	chunks, err := h.deps.Store.GetChunksByDocument(ctx, documentID)
	if err != nil {
		return h.stageFailure(ctx, documentID, models.StageEmbedded, err)
	}
	if len(chunks) == 0 {
		if err := h.deps.Store.UpdateEmbeddingsAndStatus(ctx, documentID, nil, nil); err != nil {
			return h.stageFailure(ctx, documentID, models.StageEmbedded, err)
		}
		h.retry.StageComplete(ctx, documentID)
		h.notifyStatus(ctx, documentID, models.StatusEmbedded)
		return queue.Payload{"success": true, "document_id": documentID, "chunks_embedded": 0}, nil
	}

	started := h.now()
	texts := make([]string, len(chunks))
	chunkIDs := make([]string, len(chunks))
	inputTokens := 0
	for i, c := range chunks {
		texts[i] = c.Content
		chunkIDs[i] = c.ID
		inputTokens += c.TokenCount
	}

	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(texts); start += h.deps.EmbedBatchSize {
		end := start + h.deps.EmbedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, embedErr := h.deps.Embedder.Embed(ctx, texts[start:end], "document")
		if embedErr != nil {
			h.recordEmbedOutcome(ctx, documentID, models.FeatureError, h.now().Sub(started), embedErr)
			return h.stageFailure(ctx, documentID, models.StageEmbedded, embedErr)
		}
		vectors = append(vectors, batch...)
	}

	if err := h.deps.Store.UpdateEmbeddingsAndStatus(ctx, documentID, chunkIDs, vectors); err != nil {
		return h.stageFailure(ctx, documentID, models.StageEmbedded, err)
	}

	namespace := common.Namespace(org, dealID)
	nodes := make([]graph.ChunkNode, len(chunks))
	for i, c := range chunks {
		nodes[i] = graph.ChunkNode{
			ID:             c.ID,
			Content:        c.Content,
			Vector:         vectors[i],
			DocumentID:     documentID,
			DealID:         dealID,
			OrganizationID: org,
			Namespace:      common.FastPathNamespace(org, dealID),
			GroupID:        namespace,
			ChunkIndex:     c.Index,
			Page:           c.Page,
			Kind:           string(c.Kind),
			TokenCount:     c.TokenCount,
			CreatedAt:      h.now(),
		}
	}
	if err := h.deps.Graph.UpsertChunkNodes(ctx, nodes); err != nil {
		return h.stageFailure(ctx, documentID, models.StageEmbedded, err)
	}

	h.retry.StageComplete(ctx, documentID)
	h.notifyStatus(ctx, documentID, models.StatusEmbedded)

	elapsed := h.now().Sub(started)
	if elapsed > embedLatencyTarget {
		common.Logger.WithFields(logrus.Fields{
			"document_id": documentID,
			"duration_ms": elapsed.Milliseconds(),
			"chunks":      len(chunks),
		}).Warn("fast-path embedding exceeded latency target")
	}

	provider, model := config.SplitModel(h.deps.EmbeddingModel)
	h.deps.Store.RecordLLMUsage(ctx, &models.LLMUsage{
		ID:          uuid.NewString(),
		Provider:    provider,
		Model:       model,
		Feature:     "fast_path_embedding",
		InputTokens: inputTokens,
		CostUSD:     config.CostUSD(h.deps.EmbeddingModel, inputTokens, 0),
		LatencyMS:   elapsed.Milliseconds(),
		Namespace:   namespace,
	})
	h.recordEmbedOutcome(ctx, documentID, models.FeatureSuccess, elapsed, nil)

	return queue.Payload{
		"success":         true,
		"document_id":     documentID,
		"chunks_embedded": len(chunks),
		"duration_ms":     elapsed.Milliseconds(),
	}, nil
}

func (h *Handlers) recordEmbedOutcome(ctx context.Context, documentID string,
	status models.FeatureStatus, elapsed time.Duration, cause error) {

	usage := &models.FeatureUsage{
		ID:         uuid.NewString(),
		Feature:    "fast_path_embedding",
		Status:     status,
		DurationMS: elapsed.Milliseconds(),
		Metadata:   map[string]string{"document_id": documentID},
	}
	if cause != nil {
		usage.Error = cause.Error()
	}
	h.deps.Store.RecordFeatureUsage(ctx, usage)
}
