package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"

	"dealdesk.io/models"
)

// Defaults substituted when a finding carries an invalid enum value.
const (
	defaultFindingType   = models.FindingFact
	defaultFindingDomain = models.DomainOperational
	defaultConfidence    = 70
)

// rawFinding mirrors the structured-output contract of the analyze
// prompt before validation.
type rawFinding struct {
	Content         string      `json:"content"`
	FindingType     string      `json:"finding_type"`
	Domain          string      `json:"domain"`
	Confidence      json.Number `json:"confidence"`
	SourceReference string      `json:"source_reference"`
}

// ParseFindings extracts a finding list from model output. The output
// may wrap the JSON in prose or code fences and may be slightly
// malformed; extraction is tolerant and field validation substitutes
// defaults instead of rejecting. Findings without content are dropped.
func ParseFindings(output string) ([]models.Finding, error) {
	payload := ExtractJSON(output)
	if payload == "" {
		return nil, fmt.Errorf("llm: no JSON found in model output")
	}

	repaired, err := jsonrepair.RepairJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("llm: could not repair model JSON: %w", err)
	}

	var raws []rawFinding
	if err := json.Unmarshal([]byte(repaired), &raws); err != nil {
		// Some models wrap the array in an object, e.g. {"findings": [...]}.
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal([]byte(repaired), &wrapper); err != nil {
			return nil, fmt.Errorf("llm: model output is not a findings payload: %w", err)
		}
		for _, v := range wrapper {
			if json.Unmarshal(v, &raws) == nil && len(raws) > 0 {
				break
			}
		}
	}

	var findings []models.Finding
	for _, raw := range raws {
		content := strings.TrimSpace(raw.Content)
		if content == "" {
			continue
		}
		findings = append(findings, models.Finding{
			Content:         content,
			Type:            normalizeFindingType(raw.FindingType),
			Domain:          normalizeFindingDomain(raw.Domain),
			Confidence:      normalizeConfidence(raw.Confidence),
			SourceReference: strings.TrimSpace(raw.SourceReference),
		})
	}
	return findings, nil
}

func normalizeFindingType(s string) models.FindingType {
	t := models.FindingType(strings.ToLower(strings.TrimSpace(s)))
	if models.ValidFindingType(t) {
		return t
	}
	return defaultFindingType
}

func normalizeFindingDomain(s string) models.FindingDomain {
	d := models.FindingDomain(strings.ToLower(strings.TrimSpace(s)))
	if models.ValidFindingDomain(d) {
		return d
	}
	return defaultFindingDomain
}

func normalizeConfidence(n json.Number) int {
	f, err := n.Float64()
	if err != nil {
		return defaultConfidence
	}
	// Fractional confidences are treated as percentages.
	if f > 0 && f <= 1 {
		f *= 100
	}
	c := int(f)
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	if c == 0 {
		return defaultConfidence
	}
	return c
}

// ExtractJSON returns the first JSON array or object embedded in text,
// stripping markdown code fences.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)

	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		if candidate := firstJSONValue(rest); candidate != "" {
			return candidate
		}
	}
	return firstJSONValue(text)
}

// firstJSONValue finds the first balanced [...] or {...} span.
func firstJSONValue(text string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(text); i++ {
		if text[i] == '[' || text[i] == '{' {
			start = i
			open = text[i]
			if open == '[' {
				close = ']'
			} else {
				close = '}'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	// Unterminated payload: hand the tail to the repairer.
	return text[start:]
}
