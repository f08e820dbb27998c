// Package retry classifies processing errors and decides whether a
// failed stage is retried or the document is marked failed.
//
// The classifier maps any error to a closed taxonomy with a fixed set
// of user-safe messages; raw provider errors never reach end users.
// Pattern matching is case-insensitive and must stay bit-for-bit
// compatible with the sibling TypeScript classifier used by the
// front end — the patterns below are a tested parity contract, not a
// style choice.
package retry

import (
	"errors"
	"strings"
	"time"
)

// Kind is the classification of a processing error.
type Kind string

const (
	KindRateLimit         Kind = "rate_limit"
	KindGraphConnection   Kind = "graph_connection"
	KindNetwork           Kind = "network"
	KindLLMService        Kind = "llm_service"
	KindPasswordProtected Kind = "parsing.password_protected"
	KindCorrupted         Kind = "parsing.corrupted"
	KindUnsupportedType   Kind = "parsing.unsupported_type"
	KindTooLarge          Kind = "parsing.too_large"
	KindFileNotFound      Kind = "storage.not_found"
	KindUnknown           Kind = "unknown"
)

// Sentinel errors raised at intake; the classifier maps them directly.
var (
	ErrFileTooLarge    = errors.New("file exceeds the maximum allowed size")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrFileNotFound    = errors.New("file not found in storage")
)

// Classified is the result of classifying one error.
type Classified struct {
	Kind        Kind
	Retryable   bool
	UserMessage string
	Raw         string
	OccurredAt  time.Time
}

type rule struct {
	kind        Kind
	retryable   bool
	userMessage string
	match       func(msg string) bool
}

func containsAny(msg string, subs ...string) bool {
	for _, s := range subs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// rules are evaluated in order; the first match wins. Order mirrors the
// TypeScript classifier.
var rules = []rule{
	{KindRateLimit, true, "Service is temporarily busy.", func(m string) bool {
		return containsAny(m, "rate limit", "429", "too many requests")
	}},
	{KindGraphConnection, true, "Knowledge graph temporarily unavailable.", func(m string) bool {
		return containsAny(m, "neo4j", "graphiti", "graph database")
	}},
	{KindNetwork, true, "Request timed out or couldn't connect.", func(m string) bool {
		return containsAny(m, "timeout", "network", "connection refused", "socket")
	}},
	{KindLLMService, true, "AI service temporarily unavailable.", func(m string) bool {
		return containsAny(m, "503", "service unavailable", "overloaded")
	}},
	{KindPasswordProtected, false, "File is password-protected.", func(m string) bool {
		return strings.Contains(m, "password") && containsAny(m, "protect", "encrypt")
	}},
	{KindCorrupted, false, "File appears corrupted.", func(m string) bool {
		return containsAny(m, "corrupt", "malformed")
	}},
	{KindUnsupportedType, false, "File type isn't supported.", func(m string) bool {
		return strings.Contains(m, "unsupported") && containsAny(m, "type", "format")
	}},
	{KindTooLarge, false, "File is too large.", func(m string) bool {
		return strings.Contains(m, "too large")
	}},
}

// Classify maps an error to the closed taxonomy. Unmatched errors fall
// back to the retryable unknown kind.
func Classify(err error) Classified {
	c := Classified{
		Kind:        KindUnknown,
		Retryable:   true,
		UserMessage: "Something went wrong.",
		OccurredAt:  time.Now(),
	}
	if err == nil {
		return c
	}
	c.Raw = err.Error()

	switch {
	case errors.Is(err, ErrFileTooLarge):
		c.Kind, c.Retryable, c.UserMessage = KindTooLarge, false, "File is too large."
		return c
	case errors.Is(err, ErrUnsupportedType):
		c.Kind, c.Retryable, c.UserMessage = KindUnsupportedType, false, "File type isn't supported."
		return c
	case errors.Is(err, ErrFileNotFound):
		c.Kind, c.Retryable, c.UserMessage = KindFileNotFound, false, "File could not be found in storage."
		return c
	}

	msg := strings.ToLower(c.Raw)
	for _, r := range rules {
		if r.match(msg) {
			c.Kind, c.Retryable, c.UserMessage = r.kind, r.retryable, r.userMessage
			return c
		}
	}
	return c
}
