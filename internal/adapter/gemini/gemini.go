// Package gemini is a reference adapter.Provider implementation for
// Google's Gemini models, built on google.golang.org/genai, per spec §6.
package gemini

import (
	"context"
	"errors"
	"time"

	"google.golang.org/genai"

	"github.com/modelplane/modelplane/internal/adapter"
	"github.com/modelplane/modelplane/internal/modelerr"
)

// Adapter implements adapter.Provider against the Gemini SDK.
type Adapter struct{}

// New constructs an Adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Send(ctx context.Context, modelID string, req adapter.Request, credential string) (adapter.Response, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: credential, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return adapter.Response{}, modelerr.New(modelerr.CategoryConfiguration, modelID, req.TaskID, "create gemini client", err)
	}

	var cfg *genai.GenerateContentConfig
	if req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{MaxOutputTokens: int32(req.MaxTokens)}
	}

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, modelID, genai.Text(req.Prompt), cfg)
	latency := time.Since(start)
	if err != nil {
		return adapter.Response{}, classify(err, modelID, req.TaskID)
	}

	var text string
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			text += part.Text
		}
	}

	usage := adapter.TokenUsage{}
	if resp.UsageMetadata != nil {
		usage.Input = int(resp.UsageMetadata.PromptTokenCount)
		usage.Output = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.Total = int(resp.UsageMetadata.TotalTokenCount)
	}

	return adapter.Response{
		Content:   text,
		ModelID:   modelID,
		LatencyMS: float64(latency) / float64(time.Millisecond),
		Usage:     usage,
	}, nil
}

func (a *Adapter) CalculateCost(inputTokens, outputTokens int, pricePerKIn, pricePerKOut float64) float64 {
	return float64(inputTokens)/1000*pricePerKIn + float64(outputTokens)/1000*pricePerKOut
}

func (a *Adapter) Close() error { return nil }

func classify(err error, modelID, taskID string) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			return modelerr.New(modelerr.CategoryAuthentication, modelID, taskID, "gemini rejected credential", err)
		case 429:
			return modelerr.New(modelerr.CategoryRateLimit, modelID, taskID, "gemini rate limited", err)
		case 400:
			return modelerr.New(modelerr.CategoryValidation, modelID, taskID, "gemini rejected request", err)
		}
	}
	return modelerr.New(modelerr.CategoryTransient, modelID, taskID, "gemini call failed", err)
}
