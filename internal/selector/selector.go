// Package selector implements the Selector: given a task, filter and
// score eligible models and return a ranked selection, per spec §4.6.
package selector

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelplane/modelplane/internal/health"
	"github.com/modelplane/modelplane/internal/performance"
	"github.com/modelplane/modelplane/internal/ratelimit"
	"github.com/modelplane/modelplane/internal/registry"
)

// Priority is the task priority used to tilt the scoring weights (§4.6
// step 6).
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityBackground Priority = "background"
)

// Task describes the work the caller wants to route.
type Task struct {
	ID       string
	Type     string // free-form; inference rules below derive a capability from it
	Priority Priority
}

// Constraints narrows the candidate set before scoring (§4.6 step 2/3).
type Constraints struct {
	ExcludedProviders   []registry.ProviderID
	MaxLatencyMS        float64 // 0 means unconstrained
	RequiredCapabilities []registry.CapabilityTag
}

// Selection is the ranked result of SelectModel.
type Selection struct {
	ModelID      registry.ModelID
	Score        float64
	Alternatives []registry.ModelID
	Reason       string
	Fallback     bool // true iff this is the degraded "no models available" path (§3 invariant 7, §9 open question)
}

// MaxCostPer1k is the ceiling used to normalize the cost sub-score (§4.6).
const MaxCostPer1k = 0.10

// weights holds the four sub-score weights in capability/cost/performance/
// availability order.
type weights struct {
	capability, cost, performance, availability float64
}

func defaultWeights() weights     { return weights{0.30, 0.25, 0.25, 0.20} }
func highPriorityWeights() weights { return weights{0.30, 0.15, 0.35, 0.20} }
func backgroundWeights() weights   { return weights{0.30, 0.35, 0.15, 0.20} }

func weightsFor(p Priority) weights {
	switch p {
	case PriorityCritical, PriorityHigh:
		return highPriorityWeights()
	case PriorityBackground:
		return backgroundWeights()
	default:
		return defaultWeights()
	}
}

// ProviderUnavailable is satisfied by the Degradation Controller (injected
// as a capability interface per §9's one-way dependency graph) so Selector
// can filter out models whose provider is marked down without depending on
// the concrete controller type.
type ProviderUnavailable interface {
	IsProviderUnavailable(provider registry.ProviderID) bool
}

// Selector ranks candidate models for a task.
type Selector struct {
	registry    *registry.Registry
	health      *health.Tracker
	rateLimit   *ratelimit.Tracker
	performance *performance.Store
	degradation ProviderUnavailable // optional; nil means "no provider isolation applied"
}

// New constructs a Selector. degradation may be nil.
func New(reg *registry.Registry, h *health.Tracker, rl *ratelimit.Tracker, perf *performance.Store, degradation ProviderUnavailable) *Selector {
	return &Selector{registry: reg, health: h, rateLimit: rl, performance: perf, degradation: degradation}
}

// inferCapability implements the task-type lexical heuristic from §4.6
// step 3 / §9: "code" before "analysis", deliberately ordered.
func inferCapability(taskType string) registry.CapabilityTag {
	t := strings.ToLower(taskType)
	switch {
	case strings.Contains(t, "code") || strings.Contains(t, "implement"):
		return registry.CapabilityCodeGeneration
	case strings.Contains(t, "analysis") || strings.Contains(t, "review"):
		return registry.CapabilityAnalysis
	default:
		return registry.CapabilityTextGeneration
	}
}

// SelectModel runs the full filter+score+rank algorithm from §4.6.
func (s *Selector) SelectModel(task Task, c Constraints) Selection {
	candidates := s.registry.AllEnabled()

	candidates = s.applyConstraints(candidates, c)

	required := append([]registry.CapabilityTag{inferCapability(task.Type)}, c.RequiredCapabilities...)
	required = dedupCapabilities(required)
	candidates = filterByCapabilities(candidates, required)

	available := s.filterByHealthAndRateLimit(candidates)
	if len(available) == 0 {
		if len(candidates) == 0 {
			return Selection{Reason: "No available models - using fallback", Fallback: true}
		}
		// Invariant §3.7: degraded fallback returns the first
		// capability-matching model (even if unavailable), score 0.
		first := candidates[0]
		return Selection{
			ModelID:  first.ID,
			Score:    0,
			Reason:   "No available models - using fallback",
			Fallback: true,
		}
	}

	w := weightsFor(task.Priority)
	scored := make([]scoredModel, 0, len(available))
	for _, m := range available {
		sc := s.score(m, w)
		scored = append(scored, sc)
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].total > scored[j].total })

	primary := scored[0]
	var alternatives []registry.ModelID
	for i := 1; i < len(scored) && i <= 2; i++ {
		alternatives = append(alternatives, scored[i].model.ID)
	}

	return Selection{
		ModelID:      primary.model.ID,
		Score:        primary.total,
		Alternatives: alternatives,
		Reason:       s.buildReason(primary, required, task, w),
	}
}

func dedupCapabilities(tags []registry.CapabilityTag) []registry.CapabilityTag {
	seen := make(map[registry.CapabilityTag]bool)
	out := tags[:0:0]
	for _, t := range tags {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func (s *Selector) applyConstraints(models []*registry.Descriptor, c Constraints) []*registry.Descriptor {
	excluded := make(map[registry.ProviderID]bool)
	for _, p := range c.ExcludedProviders {
		excluded[p] = true
	}

	var out []*registry.Descriptor
	for _, m := range models {
		if excluded[m.Provider] {
			continue
		}
		if c.MaxLatencyMS > 0 && float64(m.TypicalLatency.Milliseconds()) > c.MaxLatencyMS {
			continue
		}
		if s.degradation != nil && s.degradation.IsProviderUnavailable(m.Provider) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func filterByCapabilities(models []*registry.Descriptor, required []registry.CapabilityTag) []*registry.Descriptor {
	var out []*registry.Descriptor
	for _, m := range models {
		if m.HasCapabilities(required) {
			out = append(out, m)
		}
	}
	return out
}

func (s *Selector) filterByHealthAndRateLimit(models []*registry.Descriptor) []*registry.Descriptor {
	var out []*registry.Descriptor
	for _, m := range models {
		if s.health != nil && !s.health.IsAvailable(m.ID) {
			continue
		}
		if s.rateLimit != nil && s.rateLimit.IsLimited(string(m.ID)) {
			continue
		}
		out = append(out, m)
	}
	return out
}

type scoredModel struct {
	model                                                 *registry.Descriptor
	capability, cost, perf, availability, total           float64
}

// score computes the four sub-scores and their weighted sum, per §4.6
// step 5/6.
func (s *Selector) score(m *registry.Descriptor, w weights) scoredModel {
	capability := 1.0 // always 1.0 at this point; ineligible models were already dropped

	costScore := 0.0
	if avg := m.AvgCostPer1k(); avg >= 0 {
		costScore = 1 - avg/MaxCostPer1k
		if costScore < 0 {
			costScore = 0
		}
	}

	perfScore := 0.7 // neutral prior
	if s.performance != nil {
		agg := s.performance.Aggregate(string(m.ID), 24*time.Hour)
		if agg.Total > 0 {
			quality := agg.AvgQuality
			if !agg.HasQualityData {
				quality = 0
			}
			perfScore = (agg.SuccessRate + quality) / 2
		}
	}

	availability := 1.0
	unavailable := s.health != nil && !s.health.IsAvailable(m.ID)
	limited := s.rateLimit != nil && s.rateLimit.IsLimited(string(m.ID))
	switch {
	case unavailable:
		availability = 0.0
	case limited:
		availability = 0.3
	}

	total := w.capability*capability + w.cost*costScore + w.performance*perfScore + w.availability*availability

	return scoredModel{model: m, capability: capability, cost: costScore, perf: perfScore, availability: availability, total: total}
}

func (s *Selector) buildReason(sc scoredModel, required []registry.CapabilityTag, task Task, w weights) string {
	caps := make([]string, len(required))
	for i, c := range required {
		caps[i] = string(c)
	}

	adj := "default weights"
	switch task.Priority {
	case PriorityCritical, PriorityHigh:
		adj = fmt.Sprintf("priority %s: performance weighted up to %.2f, cost down to %.2f", task.Priority, w.performance, w.cost)
	case PriorityBackground:
		adj = fmt.Sprintf("priority %s: cost weighted up to %.2f, performance down to %.2f", task.Priority, w.cost, w.performance)
	}

	return fmt.Sprintf("matched capabilities [%s]; %s; score=%.3f", strings.Join(caps, ", "), adj, sc.total)
}
