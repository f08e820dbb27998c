// Package models defines the persisted data model for the dealdesk
// pipeline: documents, chunks, financial metrics, findings, and usage
// rows. All types carry gorm tags and are created/migrated by the db
// package.
package models

import (
	"time"
)

// DocumentStatus is the processing state of a document. The sequence of
// observed statuses for any document is a topological walk of the stage
// graph: pending → parsing → parsed → embedding → embedded →
// graphiti_ingesting → graphiti_ingested → analyzing → analyzed →
// extracting_financials → complete, with failed/cancelled terminals.
type DocumentStatus string

const (
	StatusPending              DocumentStatus = "pending"
	StatusParsing              DocumentStatus = "parsing"
	StatusParsed               DocumentStatus = "parsed"
	StatusEmbedding            DocumentStatus = "embedding"
	StatusEmbedded             DocumentStatus = "embedded"
	StatusGraphitiIngesting    DocumentStatus = "graphiti_ingesting"
	StatusGraphitiIngested     DocumentStatus = "graphiti_ingested"
	StatusAnalyzing            DocumentStatus = "analyzing"
	StatusAnalyzed             DocumentStatus = "analyzed"
	StatusExtractingFinancials DocumentStatus = "extracting_financials"
	StatusComplete             DocumentStatus = "complete"
	StatusFailed               DocumentStatus = "failed"
	StatusEmbeddingFailed      DocumentStatus = "embedding_failed"
	StatusAnalysisFailed       DocumentStatus = "analysis_failed"
	StatusCancelled            DocumentStatus = "cancelled"
)

// Stage is a granular checkpoint recorded after each pipeline stage
// finishes. last_completed_stage is monotonically non-decreasing.
type Stage string

const (
	StageParsed              Stage = "parsed"
	StageEmbedded            Stage = "embedded"
	StageGraphitiIngested    Stage = "graphiti_ingested"
	StageAnalyzed            Stage = "analyzed"
	StageExtractedFinancials Stage = "extracted_financials"
)

// stageOrder is used to enforce monotonic stage advancement.
var stageOrder = map[Stage]int{
	StageParsed:              1,
	StageEmbedded:            2,
	StageGraphitiIngested:    3,
	StageAnalyzed:            4,
	StageExtractedFinancials: 5,
}

// After reports whether s comes strictly after other in the pipeline.
func (s Stage) After(other Stage) bool {
	return stageOrder[s] > stageOrder[other]
}

// CompletedStatus returns the document status that marks this stage as
// finished.
func (s Stage) CompletedStatus() DocumentStatus {
	switch s {
	case StageParsed:
		return StatusParsed
	case StageEmbedded:
		return StatusEmbedded
	case StageGraphitiIngested:
		return StatusGraphitiIngested
	case StageAnalyzed:
		return StatusAnalyzed
	case StageExtractedFinancials:
		return StatusComplete
	}
	return StatusPending
}

// ProcessingError is the structured classified-error record stored on a
// document when a stage fails. The user message always comes from the
// closed message set of the error classifier; raw provider errors never
// reach this record's UserMessage field.
type ProcessingError struct {
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	UserMessage string    `json:"user_message"`
	Stage       string    `json:"stage"`
	Attempt     int       `json:"attempt"`
	Retryable   bool      `json:"retryable"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// RetryHistoryEntry records one processing attempt. Entries are appended
// and never mutated; messages are truncated to 500 characters.
type RetryHistoryEntry struct {
	Attempt     int       `json:"attempt"`
	Stage       string    `json:"stage"`
	ErrorKind   string    `json:"error_kind"`
	UserMessage string    `json:"user_message"`
	Timestamp   time.Time `json:"timestamp"`
}

// Document is an uploaded business document owned by an (organization,
// deal) pair. Documents are created by the uploader adapter and mutated
// only by pipeline handlers and the retry manager; the pipeline never
// destroys them.
type Document struct {
	ID             string         `gorm:"primaryKey;type:uuid" json:"id"`
	OrganizationID string         `gorm:"index:idx_documents_tenant" json:"organization_id"`
	DealID         string         `gorm:"index:idx_documents_tenant" json:"deal_id"`
	Name           string         `json:"name"`
	ContentType    string         `json:"content_type"`
	GCSPath        string         `json:"gcs_path"`
	SizeBytes      int64          `json:"size_bytes"`
	Status         DocumentStatus `gorm:"index" json:"status"`

	// LastCompletedStage is empty until the first stage finishes.
	LastCompletedStage Stage `json:"last_completed_stage"`

	ProcessingError *ProcessingError    `gorm:"serializer:json" json:"processing_error,omitempty"`
	RetryHistory    []RetryHistoryEntry `gorm:"serializer:json" json:"retry_history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Deal groups documents under an organization.
type Deal struct {
	ID             string    `gorm:"primaryKey;type:uuid" json:"id"`
	OrganizationID string    `gorm:"index" json:"organization_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}
