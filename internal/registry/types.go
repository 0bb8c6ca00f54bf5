package registry

import "time"

// ProviderID identifies a vendor (openai, anthropic, gemini, ...).
type ProviderID string

// ModelID is the globally unique identifier of a model descriptor within
// a single registry load (invariant §3.1).
type ModelID string

// CapabilityTag is a short string describing what a model can do.
type CapabilityTag string

const (
	CapabilityTextGeneration CapabilityTag = "text-generation"
	CapabilityCodeGeneration CapabilityTag = "code-generation"
	CapabilityAnalysis       CapabilityTag = "analysis"
	CapabilityVision         CapabilityTag = "vision"
	CapabilityTools          CapabilityTag = "tools"
	CapabilityReasoning      CapabilityTag = "reasoning"
)

// Descriptor is an immutable-once-loaded model record. Mutation only
// happens via explicit admin Upsert, which replaces the entry wholesale.
type Descriptor struct {
	ID              ModelID         `json:"id" validate:"required"`
	Provider        ProviderID      `json:"provider" validate:"required"`
	DisplayName     string          `json:"display_name"`
	Capabilities    []CapabilityTag `json:"capabilities"`
	CostPer1kInput  float64         `json:"cost_per_1k_input" validate:"gte=0"`
	CostPer1kOutput float64         `json:"cost_per_1k_output" validate:"gte=0"`
	RequestsPerMin  int             `json:"requests_per_minute" validate:"gte=0"`
	TokensPerMin    int             `json:"tokens_per_minute" validate:"gte=0"`
	ContextWindow   int             `json:"context_window" validate:"gte=0"`
	TypicalLatency  time.Duration   `json:"typical_latency"`
	Enabled         bool            `json:"enabled"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// HasCapability reports whether the descriptor declares tag.
func (d *Descriptor) HasCapability(tag CapabilityTag) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether the descriptor declares every tag in
// required (a superset check, per invariant §3.2).
func (d *Descriptor) HasCapabilities(required []CapabilityTag) bool {
	for _, r := range required {
		if !d.HasCapability(r) {
			return false
		}
	}
	return true
}

// AvgCostPer1k is the mean of input/output price, used by Selector's cost
// sub-score.
func (d *Descriptor) AvgCostPer1k() float64 {
	return (d.CostPer1kInput + d.CostPer1kOutput) / 2
}

// LoadDiagnostic records why a single descriptor was rejected during a
// config load; a bad descriptor never fails the whole load (§4.1).
type LoadDiagnostic struct {
	Index   int
	ModelID string
	Reason  string
}
