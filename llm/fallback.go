package llm

import (
	"context"

	"github.com/sirupsen/logrus"

	"dealdesk.io/common"
)

// FallbackChat wraps a primary and a fallback chat client. A provider
// error on the primary triggers exactly one attempt on the fallback.
type FallbackChat struct {
	primary       ChatClient
	fallback      ChatClient
	primaryModel  string
	fallbackModel string
}

// NewFallbackChat builds the wrapper. A nil fallback disables the
// second attempt.
func NewFallbackChat(primary ChatClient, primaryModel string, fallback ChatClient, fallbackModel string) *FallbackChat {
	return &FallbackChat{
		primary:       primary,
		fallback:      fallback,
		primaryModel:  primaryModel,
		fallbackModel: fallbackModel,
	}
}

// Chat tries the primary model, then the fallback on provider error.
func (f *FallbackChat) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := f.primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	if f.fallback == nil {
		return nil, err
	}

	common.Logger.WithFields(logrus.Fields{
		"fallback_triggered": true,
		"primary_model":      f.primaryModel,
		"fallback_model":     f.fallbackModel,
		"primary_error":      err.Error(),
		"error_type":         "model_http_error",
	}).Warn("primary model failed, trying fallback")

	fbReq := req
	fbReq.Model = ""
	return f.fallback.Chat(ctx, fbReq)
}
