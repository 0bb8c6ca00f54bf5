// Package bedrock is a reference adapter.Provider implementation for AWS
// Bedrock foundation models, built on aws-sdk-go-v2, per spec §6.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/modelplane/modelplane/internal/adapter"
	"github.com/modelplane/modelplane/internal/modelerr"
)

// anthropicOnBedrockVersion is the wire version Bedrock expects in the
// request body for Anthropic-family models, mirroring the teacher's
// BedrockRequest.AnthropicVersion field.
const anthropicOnBedrockVersion = "bedrock-2023-05-31"

// bedrockRequest is the Claude-on-Bedrock InvokeModel body shape, grounded
// on the teacher's BedrockRequest (internal/llm/providers/bedrock.go).
type bedrockRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Adapter implements adapter.Provider against Bedrock's InvokeModel API.
// Bedrock authenticates via AWS credential chains rather than a single
// bearer token: Send always loads the default AWS credential chain, and the
// credential string from the Dispatcher is not used.
type Adapter struct {
	Region string
}

// New constructs an Adapter for region (defaults to us-east-1, matching
// the teacher's BedrockSDKHandler default).
func New(region string) *Adapter {
	if region == "" {
		region = "us-east-1"
	}
	return &Adapter{Region: region}
}

func (a *Adapter) Send(ctx context.Context, modelID string, req adapter.Request, credential string) (adapter.Response, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.Region))
	if err != nil {
		return adapter.Response{}, modelerr.New(modelerr.CategoryConfiguration, modelID, req.TaskID, "load aws config", err)
	}
	client := bedrockruntime.NewFromConfig(cfg)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: anthropicOnBedrockVersion,
		MaxTokens:        maxTokens,
		Messages:         []bedrockMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return adapter.Response{}, modelerr.New(modelerr.CategoryConfiguration, modelID, req.TaskID, "marshal bedrock request", err)
	}

	start := time.Now()
	out, err := client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		Body:        body,
		ContentType: aws.String("application/json"),
	})
	latency := time.Since(start)
	if err != nil {
		return adapter.Response{}, classify(err, modelID, req.TaskID)
	}

	var parsed bedrockResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return adapter.Response{}, modelerr.New(modelerr.CategoryTransient, modelID, req.TaskID, "parse bedrock response", err)
	}

	var text string
	for _, c := range parsed.Content {
		text += c.Text
	}

	return adapter.Response{
		Content:   text,
		ModelID:   modelID,
		LatencyMS: float64(latency) / float64(time.Millisecond),
		Usage: adapter.TokenUsage{
			Input:  parsed.Usage.InputTokens,
			Output: parsed.Usage.OutputTokens,
			Total:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

func (a *Adapter) CalculateCost(inputTokens, outputTokens int, pricePerKIn, pricePerKOut float64) float64 {
	return float64(inputTokens)/1000*pricePerKIn + float64(outputTokens)/1000*pricePerKOut
}

func (a *Adapter) Close() error { return nil }

func classify(err error, modelID, taskID string) error {
	var throttling *types.ThrottlingException
	if errors.As(err, &throttling) {
		return modelerr.New(modelerr.CategoryRateLimit, modelID, taskID, "bedrock throttled", err)
	}
	var validation *types.ValidationException
	if errors.As(err, &validation) {
		return modelerr.New(modelerr.CategoryValidation, modelID, taskID, "bedrock rejected request", err)
	}
	var accessDenied *types.AccessDeniedException
	if errors.As(err, &accessDenied) {
		return modelerr.New(modelerr.CategoryAuthentication, modelID, taskID, "bedrock denied access", err)
	}
	return modelerr.New(modelerr.CategoryTransient, modelID, taskID, fmt.Sprintf("bedrock call failed: %v", err), err)
}
