package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// modelStringPattern validates "provider:model-name" strings.
var modelStringPattern = regexp.MustCompile(`^[a-z][-a-z0-9]*:[a-zA-Z0-9][-a-zA-Z0-9_.]*$`)

// AgentModelConfig names the primary model for one agent and an
// optional fallback tried once when the primary fails with a model HTTP
// error.
type AgentModelConfig struct {
	Primary  string `mapstructure:"primary"`
	Fallback string `mapstructure:"fallback"`
}

// ModelsConfig is the per-agent model registry. Each entry is a
// "provider:model-name" string; DEALDESK_<AGENT>_MODEL environment
// variables override the configured primary.
type ModelsConfig struct {
	Analysis   AgentModelConfig `mapstructure:"analysis"`
	Extraction AgentModelConfig `mapstructure:"extraction"`
	Embedding  AgentModelConfig `mapstructure:"embedding"`
	Rerank     AgentModelConfig `mapstructure:"rerank"`
}

func (m *ModelsConfig) applyEnvOverrides() {
	agents := []struct {
		envVar string
		cfg    *AgentModelConfig
	}{
		{"DEALDESK_ANALYSIS_MODEL", &m.Analysis},
		{"DEALDESK_EXTRACTION_MODEL", &m.Extraction},
		{"DEALDESK_EMBEDDING_MODEL", &m.Embedding},
		{"DEALDESK_RERANK_MODEL", &m.Rerank},
	}
	for _, a := range agents {
		if v := os.Getenv(a.envVar); v != "" {
			a.cfg.Primary = v
		}
	}
}

// Validate checks every configured model string against the
// provider:model pattern. Empty fallbacks are allowed.
func (m *ModelsConfig) Validate() error {
	check := func(agent, s string, required bool) error {
		if s == "" {
			if required {
				return fmt.Errorf("models.%s.primary is required", agent)
			}
			return nil
		}
		if !modelStringPattern.MatchString(s) {
			return fmt.Errorf("models.%s: %q is not a valid provider:model string", agent, s)
		}
		return nil
	}
	for _, a := range []struct {
		name string
		cfg  AgentModelConfig
	}{
		{"analysis", m.Analysis},
		{"extraction", m.Extraction},
		{"embedding", m.Embedding},
		{"rerank", m.Rerank},
	} {
		if err := check(a.name, a.cfg.Primary, true); err != nil {
			return err
		}
		if err := check(a.name, a.cfg.Fallback, false); err != nil {
			return err
		}
	}
	return nil
}

// SplitModel splits a "provider:model-name" string. The caller is
// expected to have validated the string already; malformed input
// returns the whole string as the model with an empty provider.
func SplitModel(s string) (provider, model string) {
	idx := strings.Index(s, ":")
	if idx < 0 {
		return "", s
	}
	return s[:idx], s[idx+1:]
}

// ModelCost is USD per million tokens for one model.
type ModelCost struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// costTable maps model strings to their USD cost per million tokens.
// Unknown models cost zero so cost logging never blocks a handler.
var costTable = map[string]ModelCost{
	"openai:gpt-4o":                  {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"openai:gpt-4o-mini":             {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"openai:text-embedding-3-small":  {InputPerMillion: 0.02},
	"openai:text-embedding-3-large":  {InputPerMillion: 0.13},
	"anthropic:claude-sonnet-4-0":    {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"anthropic:claude-3-5-haiku":     {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	"cohere:rerank-v3.5":             {InputPerMillion: 0},
	"voyage:voyage-3":                {InputPerMillion: 0.06},
	"gemini:gemini-2.0-flash":        {InputPerMillion: 0.10, OutputPerMillion: 0.40},
}

// CostUSD computes the USD cost of a call for the given model string.
// Unknown models return zero.
func CostUSD(model string, inputTokens, outputTokens int) float64 {
	c, ok := costTable[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*c.InputPerMillion +
		float64(outputTokens)/1e6*c.OutputPerMillion
}
