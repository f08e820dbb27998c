package retry

import (
	"context"
	"fmt"
	"time"

	"dealdesk.io/common"
	"dealdesk.io/models"
)

const (
	// maxStageAttempts caps automatic retries of a single stage.
	maxStageAttempts = 3

	// maxTotalAttempts caps lifetime attempts across all stages.
	maxTotalAttempts = 5

	// manualRetryCooldown is the minimum gap between manual retries.
	manualRetryCooldown = 60 * time.Second

	// historyMessageLimit truncates stored error messages.
	historyMessageLimit = 500
)

// Store is the persistence surface the manager needs. *db.Store
// satisfies it.
type Store interface {
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus) error
	UpdateProcessingError(ctx context.Context, id string, perr *models.ProcessingError) error
	ClearProcessingError(ctx context.Context, id string) error
	AppendRetryHistory(ctx context.Context, id string, entry models.RetryHistoryEntry) error
	GetRetryHistory(ctx context.Context, id string) ([]models.RetryHistoryEntry, error)
	ClearStageData(ctx context.Context, id string, stage models.Stage) error
}

// Manager classifies stage errors, records them, and decides whether
// the job queue should retry or the document should be marked failed.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a retry manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// inProgressStatus maps a stage to the status set while re-running it.
var inProgressStatus = map[models.Stage]models.DocumentStatus{
	models.StageParsed:              models.StatusParsing,
	models.StageEmbedded:            models.StatusEmbedding,
	models.StageGraphitiIngested:    models.StatusGraphitiIngesting,
	models.StageAnalyzed:            models.StatusAnalyzing,
	models.StageExtractedFinancials: models.StatusExtractingFinancials,
}

// failedStatus maps a stage to its stage-specific terminal status.
var failedStatus = map[models.Stage]models.DocumentStatus{
	models.StageParsed:              models.StatusFailed,
	models.StageEmbedded:            models.StatusEmbeddingFailed,
	models.StageGraphitiIngested:    models.StatusFailed,
	models.StageAnalyzed:            models.StatusAnalysisFailed,
	models.StageExtractedFinancials: models.StatusAnalysisFailed,
}

// HandleStageError classifies err, stores the classified record on the
// document, and appends a retry-history entry. When the error is
// retryable and the stage has attempts left, it returns a non-nil error
// so the queue reschedules the job; otherwise it marks the document
// with the stage-specific failed status and returns nil, letting the
// queue mark the job itself failed on its own cadence.
func (m *Manager) HandleStageError(ctx context.Context, documentID string, stage models.Stage, err error) error {
	classified := Classify(err)

	history, histErr := m.store.GetRetryHistory(ctx, documentID)
	if histErr != nil {
		common.Logger.WithError(histErr).WithField("document_id", documentID).
			Error("could not load retry history")
	}
	stageAttempts := countStageAttempts(history, stage) + 1

	perr := &models.ProcessingError{
		Kind:        string(classified.Kind),
		Message:     truncate(classified.Raw, historyMessageLimit),
		UserMessage: classified.UserMessage,
		Stage:       string(stage),
		Attempt:     stageAttempts,
		Retryable:   classified.Retryable,
		OccurredAt:  m.now(),
	}
	if storeErr := m.store.UpdateProcessingError(ctx, documentID, perr); storeErr != nil {
		common.Logger.WithError(storeErr).WithField("document_id", documentID).
			Error("could not store processing error")
	}

	entry := models.RetryHistoryEntry{
		Attempt:     stageAttempts,
		Stage:       string(stage),
		ErrorKind:   string(classified.Kind),
		UserMessage: classified.UserMessage,
		Timestamp:   m.now(),
	}
	if appendErr := m.store.AppendRetryHistory(ctx, documentID, entry); appendErr != nil {
		common.Logger.WithError(appendErr).WithField("document_id", documentID).
			Error("could not append retry history")
	}

	if classified.Retryable && stageAttempts < maxStageAttempts {
		return fmt.Errorf("stage %s attempt %d: %w", stage, stageAttempts, err)
	}

	terminal := failedStatus[stage]
	if terminal == "" {
		terminal = models.StatusFailed
	}
	if statusErr := m.store.UpdateDocumentStatus(ctx, documentID, terminal); statusErr != nil {
		common.Logger.WithError(statusErr).WithField("document_id", documentID).
			Error("could not set failed status")
	}
	common.Logger.WithField("document_id", documentID).
		WithField("stage", stage).
		WithField("error_kind", classified.Kind).
		Warn("stage failed terminally")
	return nil
}

// PrepareStage clears partial data for a stage that is about to be
// re-run and sets the stage's in-progress status. Called by handlers
// when their job payload carries is_retry.
func (m *Manager) PrepareStage(ctx context.Context, documentID string, stage models.Stage) error {
	if err := m.store.ClearStageData(ctx, documentID, stage); err != nil {
		return fmt.Errorf("clear stage data for %s: %w", stage, err)
	}
	status, ok := inProgressStatus[stage]
	if !ok {
		return fmt.Errorf("no in-progress status for stage %s", stage)
	}
	return m.store.UpdateDocumentStatus(ctx, documentID, status)
}

// StageComplete clears the processing error after a successful stage.
func (m *Manager) StageComplete(ctx context.Context, documentID string) {
	if err := m.store.ClearProcessingError(ctx, documentID); err != nil {
		common.Logger.WithError(err).WithField("document_id", documentID).
			Error("could not clear processing error")
	}
}

// NextStage returns the stage to run next given the last completed
// stage. An empty last stage resumes from parsing; a fully processed
// document returns ok=false.
func NextStage(last models.Stage) (models.Stage, bool) {
	switch last {
	case "":
		return models.StageParsed, true
	case models.StageParsed:
		return models.StageEmbedded, true
	case models.StageEmbedded:
		return models.StageGraphitiIngested, true
	case models.StageGraphitiIngested:
		return models.StageAnalyzed, true
	case models.StageAnalyzed:
		return models.StageExtractedFinancials, true
	default:
		return "", false
	}
}

// JobKindForStage maps a stage to the job kind that produces it.
var JobKindForStage = map[models.Stage]string{
	models.StageParsed:              "parse",
	models.StageEmbedded:            "embed",
	models.StageGraphitiIngested:    "graph-ingest",
	models.StageAnalyzed:            "analyze",
	models.StageExtractedFinancials: "extract-financials",
}

// CheckManualRetry decides whether a manual retry request is accepted.
// Rejections return the user-facing reason; acceptance returns the
// stage to resume from.
func (m *Manager) CheckManualRetry(ctx context.Context, documentID string) (models.Stage, string, error) {
	doc, err := m.store.GetDocument(ctx, documentID)
	if err != nil {
		return "", "", err
	}

	history, err := m.store.GetRetryHistory(ctx, documentID)
	if err != nil {
		return "", "", err
	}

	if len(history) >= maxTotalAttempts {
		return "", fmt.Sprintf("Maximum retry attempts (%d) reached.", maxTotalAttempts), nil
	}
	if len(history) > 0 {
		latest := history[len(history)-1].Timestamp
		if m.now().Sub(latest) < manualRetryCooldown {
			return "", fmt.Sprintf("Please wait at least %d seconds between retries.", int(manualRetryCooldown.Seconds())), nil
		}
	}

	stage, ok := NextStage(doc.LastCompletedStage)
	if !ok {
		return "", "Document is already fully processed.", nil
	}
	return stage, "", nil
}

func countStageAttempts(history []models.RetryHistoryEntry, stage models.Stage) int {
	n := 0
	for _, e := range history {
		if e.Stage == string(stage) {
			n++
		}
	}
	return n
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
