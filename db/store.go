package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"dealdesk.io/common"
	"dealdesk.io/models"
)

// ErrNotFound is returned for lookups of ids that do not exist.
var ErrNotFound = errors.New("db: record not found")

// ErrEmbeddingCountMismatch is returned when an embedding batch does not
// line up one-to-one with the stored chunks.
var ErrEmbeddingCountMismatch = errors.New("db: embedding count does not match chunk count")

// Store is the transactional storage adapter. Multi-row mutations run
// inside a single transaction so readers never observe partial state.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that manage their own
// tables, such as the job queue.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// GetDocument returns a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// GetDeal returns a deal by id.
func (s *Store) GetDeal(ctx context.Context, id string) (*models.Deal, error) {
	var deal models.Deal
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&deal).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &deal, nil
}

// CreateDocument inserts a new document row.
func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	return s.db.WithContext(ctx).Create(doc).Error
}

// ListDocumentsByDeal returns all documents of one (organization, deal)
// pair, newest first.
func (s *Store) ListDocumentsByDeal(ctx context.Context, organizationID, dealID string) ([]models.Document, error) {
	var docs []models.Document
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND deal_id = ?", organizationID, dealID).
		Order("created_at DESC").Find(&docs).Error
	return docs, err
}

// UpdateDocumentStatus sets the document status.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus) error {
	res := s.db.WithContext(ctx).Model(&models.Document{}).Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDocumentStage advances last_completed_stage. The stage never
// moves backwards; a stale write from a retried job is a no-op.
func (s *Store) UpdateDocumentStage(ctx context.Context, id string, stage models.Stage) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc models.Document
		if err := tx.Where("id = ?", id).First(&doc).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if doc.LastCompletedStage != "" && !stage.After(doc.LastCompletedStage) {
			common.Logger.WithField("document_id", id).
				WithField("stage", stage).
				WithField("current", doc.LastCompletedStage).
				Debug("ignoring stale stage update")
			return nil
		}
		return tx.Model(&models.Document{}).Where("id = ?", id).
			Update("last_completed_stage", stage).Error
	})
}

// StoreChunksAndUpdateStatus atomically replaces a document's chunks,
// tables, and formulas and records the parse stage as complete. A
// re-parse never leaves a mix of old and new chunks visible.
func (s *Store) StoreChunksAndUpdateStatus(ctx context.Context, id string,
	chunks []models.Chunk, tables []models.Table, formulas []models.Formula) error {

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&models.Chunk{}, &models.Table{}, &models.Formula{}} {
			if err := tx.Where("document_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		if len(chunks) > 0 {
			if err := tx.CreateInBatches(chunks, 200).Error; err != nil {
				return err
			}
		}
		if len(tables) > 0 {
			if err := tx.CreateInBatches(tables, 200).Error; err != nil {
				return err
			}
		}
		if len(formulas) > 0 {
			if err := tx.CreateInBatches(formulas, 200).Error; err != nil {
				return err
			}
		}
		return tx.Model(&models.Document{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":               models.StatusParsed,
			"last_completed_stage": models.StageParsed,
		}).Error
	})
}

// GetChunksByDocument returns a document's chunks ordered by index.
func (s *Store) GetChunksByDocument(ctx context.Context, id string) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := s.db.WithContext(ctx).Where("document_id = ?", id).
		Order("chunk_index ASC").Find(&chunks).Error
	return chunks, err
}

// GetTables returns a document's table records.
func (s *Store) GetTables(ctx context.Context, id string) ([]models.Table, error) {
	var tables []models.Table
	err := s.db.WithContext(ctx).Where("document_id = ?", id).Find(&tables).Error
	return tables, err
}

// GetFormulas returns a document's formula records.
func (s *Store) GetFormulas(ctx context.Context, id string) ([]models.Formula, error) {
	var formulas []models.Formula
	err := s.db.WithContext(ctx).Where("document_id = ?", id).Find(&formulas).Error
	return formulas, err
}

// UpdateEmbeddingsAndStatus writes one embedding per chunk and records
// the embed stage as complete. The embeddings slice must match the
// chunk ids one-to-one. Embed runs in parallel with graph ingest, so
// the stage and status writes are guarded: when graph ingest already
// advanced the document past embedded, a slower embed must not move
// last_completed_stage backwards.
func (s *Store) UpdateEmbeddingsAndStatus(ctx context.Context, id string,
	chunkIDs []string, embeddings [][]float32) error {

	if len(chunkIDs) != len(embeddings) {
		return fmt.Errorf("%w: %d chunks, %d embeddings",
			ErrEmbeddingCountMismatch, len(chunkIDs), len(embeddings))
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, chunkID := range chunkIDs {
			if err := tx.Model(&models.Chunk{}).Where("id = ?", chunkID).
				Update("embedding", embeddings[i]).Error; err != nil {
				return err
			}
		}

		var doc models.Document
		if err := tx.Where("id = ?", id).First(&doc).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if doc.LastCompletedStage != "" && !models.StageEmbedded.After(doc.LastCompletedStage) {
			common.Logger.WithField("document_id", id).
				WithField("current", doc.LastCompletedStage).
				Debug("embed finished after a later stage; keeping stage checkpoint")
			if doc.Status == models.StatusEmbedding {
				return tx.Model(&models.Document{}).Where("id = ?", id).
					Update("status", doc.LastCompletedStage.CompletedStatus()).Error
			}
			return nil
		}
		return tx.Model(&models.Document{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":               models.StatusEmbedded,
			"last_completed_stage": models.StageEmbedded,
		}).Error
	})
}

// StoreFinancialMetricsAndUpdateStatus atomically replaces a document's
// financial metrics and marks processing complete.
func (s *Store) StoreFinancialMetricsAndUpdateStatus(ctx context.Context, id string,
	metrics []models.FinancialMetric) error {

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&models.FinancialMetric{}).Error; err != nil {
			return err
		}
		if len(metrics) > 0 {
			if err := tx.CreateInBatches(metrics, 200).Error; err != nil {
				return err
			}
		}
		return tx.Model(&models.Document{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":               models.StatusComplete,
			"last_completed_stage": models.StageExtractedFinancials,
		}).Error
	})
}

// DeleteFinancialMetrics removes a document's financial metrics.
func (s *Store) DeleteFinancialMetrics(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("document_id = ?", id).
		Delete(&models.FinancialMetric{}).Error
}

// GetFinancialMetrics returns a document's metrics.
func (s *Store) GetFinancialMetrics(ctx context.Context, id string) ([]models.FinancialMetric, error) {
	var metrics []models.FinancialMetric
	err := s.db.WithContext(ctx).Where("document_id = ?", id).Find(&metrics).Error
	return metrics, err
}

// StoreFindings replaces a document's findings.
func (s *Store) StoreFindings(ctx context.Context, id string, findings []models.Finding) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&models.Finding{}).Error; err != nil {
			return err
		}
		if len(findings) == 0 {
			return nil
		}
		return tx.CreateInBatches(findings, 200).Error
	})
}

// GetFindings returns a document's findings.
func (s *Store) GetFindings(ctx context.Context, id string) ([]models.Finding, error) {
	var findings []models.Finding
	err := s.db.WithContext(ctx).Where("document_id = ?", id).Find(&findings).Error
	return findings, err
}

// UpdateProcessingError stores the classified error record.
func (s *Store) UpdateProcessingError(ctx context.Context, id string, perr *models.ProcessingError) error {
	return s.db.WithContext(ctx).Model(&models.Document{}).Where("id = ?", id).
		Update("processing_error", perr).Error
}

// ClearProcessingError removes the error record after a successful run.
func (s *Store) ClearProcessingError(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.Document{}).Where("id = ?", id).
		Update("processing_error", nil).Error
}

// AppendRetryHistory appends one attempt record. The history is
// append-only; existing entries are never rewritten.
func (s *Store) AppendRetryHistory(ctx context.Context, id string, entry models.RetryHistoryEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc models.Document
		if err := tx.Where("id = ?", id).First(&doc).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		history := append(doc.RetryHistory, entry)
		return tx.Model(&models.Document{}).Where("id = ?", id).
			Update("retry_history", history).Error
	})
}

// GetRetryHistory returns a document's attempt history.
func (s *Store) GetRetryHistory(ctx context.Context, id string) ([]models.RetryHistoryEntry, error) {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.RetryHistory, nil
}

// ClearStageData removes the partial output of a stage before it is
// re-run. Parsing clears chunks, tables, and formulas; embedding clears
// embeddings but keeps chunks; analysis clears findings; financial
// extraction clears metrics. Graph ingest stores nothing relational.
func (s *Store) ClearStageData(ctx context.Context, id string, stage models.Stage) error {
	switch stage {
	case models.StageParsed:
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, model := range []interface{}{&models.Chunk{}, &models.Table{}, &models.Formula{}} {
				if err := tx.Where("document_id = ?", id).Delete(model).Error; err != nil {
					return err
				}
			}
			return nil
		})
	case models.StageEmbedded:
		return s.db.WithContext(ctx).Model(&models.Chunk{}).
			Where("document_id = ?", id).Update("embedding", nil).Error
	case models.StageGraphitiIngested:
		return nil
	case models.StageAnalyzed:
		return s.db.WithContext(ctx).Where("document_id = ?", id).
			Delete(&models.Finding{}).Error
	case models.StageExtractedFinancials:
		return s.DeleteFinancialMetrics(ctx, id)
	}
	return fmt.Errorf("db: unknown stage %q", stage)
}

// RecordLLMUsage persists one provider call record. Failures are logged
// and swallowed so cost accounting never fails a pipeline stage.
func (s *Store) RecordLLMUsage(ctx context.Context, usage *models.LLMUsage) {
	if err := s.db.WithContext(ctx).Create(usage).Error; err != nil {
		common.Logger.WithError(err).WithField("feature", usage.Feature).
			Error("could not record llm usage")
	}
}

// RecordFeatureUsage persists one feature outcome row. Failures are
// logged and swallowed.
func (s *Store) RecordFeatureUsage(ctx context.Context, usage *models.FeatureUsage) {
	if err := s.db.WithContext(ctx).Create(usage).Error; err != nil {
		common.Logger.WithError(err).WithField("feature", usage.Feature).
			Error("could not record feature usage")
	}
}
