package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dealdesk.io/common"
	"dealdesk.io/db"
	"dealdesk.io/models"
	"dealdesk.io/queue"
)

// Parse downloads the uploaded file, runs the format parser, stores the
// chunk set atomically, and fans out to the embed and graph-ingest
// stages.
func (h *Handlers) Parse(ctx context.Context, job queue.Job) (queue.Payload, error) {
	documentID := payloadString(job.Payload, "document_id")
	if documentID == "" {
		return queue.Payload{"success": false, "error": "payload is missing document_id"}, nil
	}
	isRetry := payloadBool(job.Payload, "is_retry")

	doc, err := h.deps.Store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return queue.Payload{"success": false, "document_id": documentID,
				"error": "document does not exist"}, nil
		}
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}

	if err := h.beginStage(ctx, documentID, models.StageParsed, models.StatusParsing, isRetry); err != nil {
		return nil, fmt.Errorf("begin parse stage: %w", err)
	}
	if err := h.deps.Store.ClearProcessingError(ctx, documentID); err != nil {
		common.Logger.WithError(err).WithField("document_id", documentID).
			Warn("could not clear previous processing error")
	}

	gcsPath := payloadString(job.Payload, "gcs_path")
	if gcsPath == "" {
		gcsPath = doc.GCSPath
	}
	data, fetchedType, err := h.deps.Objects.Fetch(ctx, gcsPath)
	if err != nil {
		return h.stageFailure(ctx, documentID, models.StageParsed, err)
	}

	fileName := payloadString(job.Payload, "file_name")
	if fileName == "" {
		fileName = doc.Name
	}
	contentType := payloadString(job.Payload, "file_type")
	if contentType == "" {
		contentType = fetchedType
	}
	if contentType == "" {
		contentType = doc.ContentType
	}

	p, err := h.deps.Parsers.Get(contentType, fileName)
	if err != nil {
		return h.stageFailure(ctx, documentID, models.StageParsed, err)
	}
	result, err := p.Parse(ctx, data, fileName)
	if err != nil {
		return h.stageFailure(ctx, documentID, models.StageParsed, err)
	}

	for i := range result.Chunks {
		result.Chunks[i].ID = uuid.NewString()
		result.Chunks[i].DocumentID = documentID
	}
	for i := range result.Tables {
		result.Tables[i].ID = uuid.NewString()
		result.Tables[i].DocumentID = documentID
	}
	for i := range result.Formulas {
		result.Formulas[i].ID = uuid.NewString()
		result.Formulas[i].DocumentID = documentID
	}

	if err := h.deps.Store.StoreChunksAndUpdateStatus(ctx, documentID,
		result.Chunks, result.Tables, result.Formulas); err != nil {
		return h.stageFailure(ctx, documentID, models.StageParsed, err)
	}
	h.retry.StageComplete(ctx, documentID)
	h.notifyStatus(ctx, documentID, models.StatusParsed)

	common.Logger.WithFields(logrus.Fields{
		"document_id": documentID,
		"chunks":      len(result.Chunks),
		"tables":      len(result.Tables),
		"formulas":    len(result.Formulas),
		"warnings":    len(result.Warnings),
	}).Info("document parsed")

	// Fan out: embedding and graph ingest run independently.
	org := payloadString(job.Payload, "organization_id")
	if org == "" {
		org = doc.OrganizationID
	}
	env := nextPayload(job.Payload, org)
	if _, err := h.deps.Jobs.Enqueue(ctx, KindEmbed, env, queue.Options{}); err != nil {
		return nil, fmt.Errorf("enqueue embed for %s: %w", documentID, err)
	}
	if _, err := h.deps.Jobs.Enqueue(ctx, KindGraphIngest, env, queue.Options{}); err != nil {
		return nil, fmt.Errorf("enqueue graph-ingest for %s: %w", documentID, err)
	}

	return queue.Payload{
		"success":       true,
		"document_id":   documentID,
		"chunks":        len(result.Chunks),
		"tables":        len(result.Tables),
		"formulas":      len(result.Formulas),
		"page_count":    result.PageCount,
		"sheet_count":   result.SheetCount,
		"parse_time_ms": result.ParseTimeMS,
	}, nil
}
