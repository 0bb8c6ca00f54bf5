package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelplane/modelplane/internal/health"
	"github.com/modelplane/modelplane/internal/performance"
	"github.com/modelplane/modelplane/internal/ratelimit"
	"github.com/modelplane/modelplane/internal/registry"
)

// healthNoopProber always reports success; used wherever a test only
// cares about registry/performance/rate-limit interactions.
type healthNoopProber struct{}

func (healthNoopProber) Probe(ctx context.Context, id registry.ModelID) error { return nil }

func twoModelRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, diags, err := registry.Load([]byte(`{"models":[
		{"id":"gpt-x-turbo","provider":"openai","display_name":"GPT X Turbo",
		 "capabilities":["text-generation","code-generation"],
		 "cost_per_1k_input":0.01,"cost_per_1k_output":0.03,
		 "requests_per_minute":500,"tokens_per_minute":150000,"enabled":true},
		{"id":"claude-y-sonnet","provider":"anthropic","display_name":"Claude Y Sonnet",
		 "capabilities":["text-generation","code-generation"],
		 "cost_per_1k_input":0.003,"cost_per_1k_output":0.015,
		 "requests_per_minute":400,"tokens_per_minute":100000,"enabled":true}
	]}`))
	require.NoError(t, err)
	require.Empty(t, diags)
	return r
}

func TestSelectModel_HappyPath(t *testing.T) {
	reg := twoModelRegistry(t)
	ht := health.New(health.DefaultConfig(), reg, healthNoopProber{}, nil, nil)
	rl := ratelimit.New(ratelimit.DefaultConfig())
	perf := performance.New()

	sel := New(reg, ht, rl, perf, nil)
	res := sel.SelectModel(Task{ID: "t1", Type: "code-generation", Priority: PriorityMedium}, Constraints{})

	assert.False(t, res.Fallback)
	assert.NotZero(t, res.Score)
	assert.Contains(t, []registry.ModelID{"gpt-x-turbo", "claude-y-sonnet"}, res.ModelID)
}

func TestSelectModel_CostRankPreference(t *testing.T) {
	reg := twoModelRegistry(t)
	ht := health.New(health.DefaultConfig(), reg, healthNoopProber{}, nil, nil)
	rl := ratelimit.New(ratelimit.DefaultConfig())
	perf := performance.New()

	sel := New(reg, ht, rl, perf, nil)
	res := sel.SelectModel(Task{ID: "t1", Type: "code", Priority: PriorityMedium}, Constraints{})

	// claude-y-sonnet is strictly cheaper with identical capabilities/perf/availability.
	assert.Equal(t, registry.ModelID("claude-y-sonnet"), res.ModelID)
}

func TestSelectModel_PriorityInversion(t *testing.T) {
	reg := twoModelRegistry(t)
	ht := health.New(health.DefaultConfig(), reg, healthNoopProber{}, nil, nil)
	rl := ratelimit.New(ratelimit.DefaultConfig())
	perf := performance.New()

	// gpt-x-turbo (expensive) has much better recorded performance.
	for i := 0; i < 20; i++ {
		qual := 1.0
		perf.RecordObservation("gpt-x-turbo", "a", "t", 50, true, &qual)
	}
	for i := 0; i < 20; i++ {
		qual := 0.2
		perf.RecordObservation("claude-y-sonnet", "a", "t", 50, false, &qual)
	}

	sel := New(reg, ht, rl, perf, nil)
	res := sel.SelectModel(Task{ID: "t1", Type: "code", Priority: PriorityCritical}, Constraints{})

	assert.Equal(t, registry.ModelID("gpt-x-turbo"), res.ModelID, "critical priority must favor the better-performing model over the cheaper one")
}

func TestSelectModel_ProviderIsolation(t *testing.T) {
	reg := twoModelRegistry(t)
	ht := health.New(health.DefaultConfig(), reg, healthNoopProber{}, nil, nil)
	rl := ratelimit.New(ratelimit.DefaultConfig())
	perf := performance.New()

	sel := New(reg, ht, rl, perf, nil)
	res := sel.SelectModel(Task{ID: "t1", Type: "code", Priority: PriorityMedium}, Constraints{ExcludedProviders: []registry.ProviderID{"anthropic"}})

	assert.Equal(t, registry.ModelID("gpt-x-turbo"), res.ModelID)
	assert.NotContains(t, res.Alternatives, registry.ModelID("claude-y-sonnet"))
}

func TestSelectModel_FallbackWhenNoneAvailable(t *testing.T) {
	reg := twoModelRegistry(t)
	ht := health.New(health.DefaultConfig(), reg, healthNoopProber{}, nil, nil)
	ht.RecordOutcome("gpt-x-turbo", 0, false, "boom")
	ht.RecordOutcome("gpt-x-turbo", 0, false, "boom")
	ht.RecordOutcome("gpt-x-turbo", 0, false, "boom")
	ht.RecordOutcome("claude-y-sonnet", 0, false, "boom")
	ht.RecordOutcome("claude-y-sonnet", 0, false, "boom")
	ht.RecordOutcome("claude-y-sonnet", 0, false, "boom")

	rl := ratelimit.New(ratelimit.DefaultConfig())
	perf := performance.New()

	sel := New(reg, ht, rl, perf, nil)
	res := sel.SelectModel(Task{ID: "t1", Type: "code", Priority: PriorityMedium}, Constraints{})

	assert.True(t, res.Fallback)
	assert.Zero(t, res.Score)
	assert.NotEmpty(t, res.ModelID)
}

func TestInferCapability_OrderingPreserved(t *testing.T) {
	assert.Equal(t, registry.CapabilityCodeGeneration, inferCapability("code-and-analysis-task"))
	assert.Equal(t, registry.CapabilityAnalysis, inferCapability("analysis-task"))
	assert.Equal(t, registry.CapabilityTextGeneration, inferCapability("chat"))
}
