package models

import "time"

// LLMUsage records one call to an external LLM or embedding provider:
// token counts, USD cost, latency, and the tenant namespace the call
// served. Cost-logging failures are never fatal to the calling handler.
type LLMUsage struct {
	ID           string    `gorm:"primaryKey;type:uuid" json:"id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Feature      string    `json:"feature"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMS    int64     `json:"latency_ms"`
	Namespace    string    `gorm:"index" json:"namespace"`
	CreatedAt    time.Time `json:"created_at"`
}

// FeatureStatus is the outcome of a feature-usage row.
type FeatureStatus string

const (
	FeatureSuccess FeatureStatus = "success"
	FeatureError   FeatureStatus = "error"
	FeatureTimeout FeatureStatus = "timeout"
)

// FeatureUsage records the outcome of a user-visible operation, e.g. a
// fast-path embedding run or a hybrid search.
type FeatureUsage struct {
	ID         string            `gorm:"primaryKey;type:uuid" json:"id"`
	Feature    string            `gorm:"index" json:"feature"`
	Status     FeatureStatus     `json:"status"`
	DurationMS int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `gorm:"serializer:json" json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
