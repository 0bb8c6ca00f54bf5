// Package openai is a reference adapter.Provider implementation for GPT
// models, built on the official OpenAI Go SDK, per spec §6.
package openai

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/modelplane/modelplane/internal/adapter"
	"github.com/modelplane/modelplane/internal/modelerr"
)

// Adapter implements adapter.Provider against the OpenAI SDK,
// request/response only (no streaming), mirroring anthropic.Adapter's
// shape for symmetry across vendor adapters.
type Adapter struct{}

// New constructs an Adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Send(ctx context.Context, modelID string, req adapter.Request, credential string) (adapter.Response, error) {
	client := openai.NewClient(option.WithAPIKey(credential))

	params := openai.ChatCompletionNewParams{
		Model: modelID,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	start := time.Now()
	resp, err := client.Chat.Completions.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		return adapter.Response{}, classify(err, modelID, req.TaskID)
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}

	return adapter.Response{
		Content:   text,
		ModelID:   modelID,
		LatencyMS: float64(latency) / float64(time.Millisecond),
		Usage: adapter.TokenUsage{
			Input:  int(resp.Usage.PromptTokens),
			Output: int(resp.Usage.CompletionTokens),
			Total:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (a *Adapter) CalculateCost(inputTokens, outputTokens int, pricePerKIn, pricePerKOut float64) float64 {
	return float64(inputTokens)/1000*pricePerKIn + float64(outputTokens)/1000*pricePerKOut
}

func (a *Adapter) Close() error { return nil }

// classify maps a raw SDK error into the shared taxonomy, per the same
// status-code-based approach as the anthropic adapter.
func classify(err error, modelID, taskID string) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return modelerr.New(modelerr.CategoryAuthentication, modelID, taskID, "openai rejected credential", err)
		case 429:
			return modelerr.New(modelerr.CategoryRateLimit, modelID, taskID, "openai rate limited", err)
		case 400, 422:
			return modelerr.New(modelerr.CategoryValidation, modelID, taskID, "openai rejected request", err)
		}
	}
	return modelerr.New(modelerr.CategoryTransient, modelID, taskID, "openai call failed", err)
}
