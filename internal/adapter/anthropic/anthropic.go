// Package anthropic is a reference adapter.Provider implementation for
// Claude models, built on the official Anthropic SDK, per spec §6.
package anthropic

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/modelplane/modelplane/internal/adapter"
	"github.com/modelplane/modelplane/internal/modelerr"
)

// DefaultMaxTokens is used when a Request doesn't specify one, mirroring
// the teacher's hardcoded 4096 default in anthropic_sdk.go.
const DefaultMaxTokens = 4096

// Adapter implements adapter.Provider against the Anthropic SDK. Unlike
// the teacher's AnthropicSDKHandler, this adapter is request/response only
// (no streaming), per SPEC_FULL.md §6's simplified contract, and takes the
// credential per-call instead of baking one API key into the client at
// construction — Dispatcher supplies a rotated credential on every Send.
type Adapter struct{}

// New constructs an Adapter. There is no per-instance state: clients are
// built per-call from the supplied credential so key rotation needs no
// adapter-side bookkeeping.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Send(ctx context.Context, modelID string, req adapter.Request, credential string) (adapter.Response, error) {
	client := anthropic.NewClient(option.WithAPIKey(credential))

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	start := time.Now()
	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	latency := time.Since(start)
	if err != nil {
		return adapter.Response{}, classify(err, modelID, req.TaskID)
	}

	var text string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}

	return adapter.Response{
		Content:   text,
		ModelID:   modelID,
		LatencyMS: float64(latency) / float64(time.Millisecond),
		Usage: adapter.TokenUsage{
			Input:  int(msg.Usage.InputTokens),
			Output: int(msg.Usage.OutputTokens),
			Total:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func (a *Adapter) CalculateCost(inputTokens, outputTokens int, pricePerKIn, pricePerKOut float64) float64 {
	return float64(inputTokens)/1000*pricePerKIn + float64(outputTokens)/1000*pricePerKOut
}

func (a *Adapter) Close() error { return nil }

// classify maps a raw SDK error into the shared taxonomy. The Anthropic
// SDK surfaces an *anthropic.Error carrying the HTTP status code; without
// inspecting vendor-specific fields beyond that status, authentication
// (401/403) and rate-limit (429) responses get their own categories so
// Dispatcher/Failover apply the right policy.
func classify(err error, modelID, taskID string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return modelerr.New(modelerr.CategoryAuthentication, modelID, taskID, "anthropic rejected credential", err)
		case 429:
			return modelerr.New(modelerr.CategoryRateLimit, modelID, taskID, "anthropic rate limited", err)
		case 400, 422:
			return modelerr.New(modelerr.CategoryValidation, modelID, taskID, "anthropic rejected request", err)
		}
	}
	return modelerr.New(modelerr.CategoryTransient, modelID, taskID, "anthropic call failed", err)
}
